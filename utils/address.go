package utils

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// IsHexAddress reports whether s is a well-formed 0x-prefixed 20-byte hex
// address.
func IsHexAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

// CanonicalAddress lowercases a well-formed hex address into the canonical
// form used throughout a session. Returns "" for malformed input.
func CanonicalAddress(s string) string {
	if !IsHexAddress(s) {
		return ""
	}
	return strings.ToLower(common.HexToAddress(s).Hex())
}

// ChecksumAddress returns the EIP-55 checksummed form for display, or "" for
// malformed input.
func ChecksumAddress(s string) string {
	if !IsHexAddress(s) {
		return ""
	}
	return common.HexToAddress(s).Hex()
}

// ShortenAddress abbreviates an address for display: first six and last four
// characters around an ellipsis. Inputs too short to abbreviate pass through.
func ShortenAddress(s string) string {
	if len(s) <= 10 {
		return s
	}
	return s[:6] + "..." + s[len(s)-4:]
}
