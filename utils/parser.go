package utils

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/merchkit/checkout/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// ParseConfig parses and validates a Config from JSON.
func ParseConfig(data []byte) (*types.Config, error) {
	var cfg types.Config

	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &types.CheckoutError{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("failed to parse config: %v", err),
		}
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ValidateConfig checks a Config against its struct tags.
func ValidateConfig(cfg types.Config) error {
	if err := validate.Struct(&cfg); err != nil {
		return &types.CheckoutError{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("config validation failed: %v", err),
		}
	}
	return nil
}

// ParseAmount parses a non-negative decimal amount string.
func ParseAmount(amount string) (decimal.Decimal, error) {
	if amount == "" {
		return decimal.Decimal{}, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid amount format: %w", err)
	}

	if dec.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("amount cannot be negative")
	}

	return dec, nil
}

// ValidateTxHash checks the shape of an EVM transaction hash: 0x plus 64 hex
// characters.
func ValidateTxHash(hash string) error {
	if hash == "" {
		return fmt.Errorf("transaction hash cannot be empty")
	}
	if len(hash) != 66 || hash[:2] != "0x" {
		return fmt.Errorf("transaction hash must be 0x-prefixed and 66 characters long")
	}
	for _, c := range hash[2:] {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return fmt.Errorf("transaction hash must be valid hex")
		}
	}
	return nil
}
