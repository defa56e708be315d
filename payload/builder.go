// Package payload constructs the two payment payload encodings: an EIP-681
// link URI for scanning and an EIP-3009 typed-data envelope for direct
// wallet signing. Construction is pure; nothing here touches the network.
package payload

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"

	"github.com/merchkit/checkout/types"
	"github.com/merchkit/checkout/utils"
)

// USDC EIP-712 domain values on Base.
const (
	tokenDomainName    = "USD Coin"
	tokenDomainVersion = "2"

	// authorizationWindow bounds validBefore on signature payloads.
	authorizationWindow = time.Hour
)

// Builder produces payment payloads bound to one chain and token contract.
type Builder struct {
	chainID       int64
	tokenContract string
	tokenDecimals int32
}

func NewBuilder(chainID int64, tokenContract string, tokenDecimals int32) *Builder {
	return &Builder{
		chainID:       chainID,
		tokenContract: tokenContract,
		tokenDecimals: tokenDecimals,
	}
}

// Build constructs the payload variant for the given method. The recipient
// must be a well-formed hex address and the total non-negative; both are
// rejected before any payload is constructed.
func (b *Builder) Build(method types.PaymentMethod, recipient string, total decimal.Decimal) (types.PaymentPayload, error) {
	if !utils.IsHexAddress(recipient) {
		return nil, &types.CheckoutError{
			Code:    types.ErrInvalidRecipient,
			Message: fmt.Sprintf("invalid recipient address %q", recipient),
		}
	}
	if total.IsNegative() {
		return nil, &types.CheckoutError{
			Code:    types.ErrPayloadValidation,
			Message: fmt.Sprintf("amount cannot be negative: %s", total),
		}
	}

	switch method {
	case types.MethodScan:
		return b.buildLink(recipient, total), nil
	case types.MethodTap:
		return b.buildSignature(recipient, total)
	default:
		return nil, &types.CheckoutError{
			Code:    types.ErrPayloadValidation,
			Message: fmt.Sprintf("unsupported payment method %q", method),
		}
	}
}

func (b *Builder) buildLink(recipient string, total decimal.Decimal) types.LinkPayload {
	return types.LinkPayload{
		Recipient:     utils.CanonicalAddress(recipient),
		Amount:        total,
		ChainID:       b.chainID,
		TokenContract: b.tokenContract,
	}
}

// buildSignature assembles the EIP-3009 TransferWithAuthorization message.
// The human-denominated amount is carried as a decimal string so no float
// ever enters the signing payload; the message value is in atomic units.
func (b *Builder) buildSignature(recipient string, total decimal.Decimal) (types.SignaturePayload, error) {
	nonce, err := randomNonce()
	if err != nil {
		return types.SignaturePayload{}, fmt.Errorf("failed to generate authorization nonce: %w", err)
	}

	now := time.Now()
	return types.SignaturePayload{
		Recipient: utils.CanonicalAddress(recipient),
		Amount:    total.String(),
		Domain: types.EIP712Domain{
			Name:              tokenDomainName,
			Version:           tokenDomainVersion,
			ChainID:           strconv.FormatInt(b.chainID, 10),
			VerifyingContract: b.tokenContract,
		},
		Authorization: types.TransferAuthorization{
			From:        "", // bound by the signing wallet
			To:          utils.CanonicalAddress(recipient),
			Value:       b.atomicUnits(total),
			ValidAfter:  "0",
			ValidBefore: strconv.FormatInt(now.Add(authorizationWindow).Unix(), 10),
			Nonce:       nonce,
		},
	}, nil
}

// LinkURI renders a LinkPayload as an EIP-681 token-transfer request, the
// string a QR rasterizer encodes:
//
//	ethereum:<token>@<chainId>/transfer?address=<recipient>&uint256=<atomic>
func (b *Builder) LinkURI(p types.LinkPayload) string {
	return fmt.Sprintf("ethereum:%s@%d/transfer?address=%s&uint256=%s",
		p.TokenContract, p.ChainID, p.Recipient, b.atomicUnits(p.Amount))
}

// atomicUnits shifts a human-denominated amount into the token's smallest
// unit, truncating anything below one atomic unit.
func (b *Builder) atomicUnits(amount decimal.Decimal) string {
	return amount.Shift(b.tokenDecimals).Truncate(0).BigInt().String()
}

// SigningHash computes the EIP-712 digest a wallet signs for a signature
// payload. The empty-from placeholder must be filled with the payer address
// first; callers that only register the payload with the relayer never need
// this.
func SigningHash(p types.SignaturePayload) ([]byte, error) {
	chainID, ok := new(big.Int).SetString(p.Domain.ChainID, 10)
	if !ok {
		return nil, fmt.Errorf("bad chainId %q in domain", p.Domain.ChainID)
	}

	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              p.Domain.Name,
			Version:           p.Domain.Version,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: p.Domain.VerifyingContract,
		},
		Message: apitypes.TypedDataMessage{
			"from":        p.Authorization.From,
			"to":          p.Authorization.To,
			"value":       p.Authorization.Value,
			"validAfter":  p.Authorization.ValidAfter,
			"validBefore": p.Authorization.ValidBefore,
			"nonce":       p.Authorization.Nonce,
		},
	}

	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("failed to hash typed data: %w", err)
	}
	return digest, nil
}

func randomNonce() (string, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	return hexutil.Encode(nonce[:]), nil
}
