// Package mint validates token identifiers and transaction references.
//
// A token mint is a base58-encoded 32-byte public key. Parsing goes through
// solana-go so malformed input is rejected before it reaches a price source
// or the Execution Service.
package mint

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrInvalidMint      = errors.New("mint: invalid token mint")
	ErrInvalidSignature = errors.New("mint: invalid transaction signature")
)

// WrappedSOL is the mint used to quote SOL itself in USD.
var WrappedSOL = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")

// Parse validates a token mint string and returns its canonical form.
func Parse(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidMint)
	}
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidMint, s, err)
	}
	if pk.IsZero() {
		return "", fmt.Errorf("%w: zero key", ErrInvalidMint)
	}
	return pk.String(), nil
}

// ParseMany validates every mint and returns them deduplicated, in input order.
func ParseMany(in []string) ([]string, error) {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		m, err := Parse(s)
		if err != nil {
			return nil, err
		}
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out, nil
}

// CheckSignature reports whether s is a well-formed base58 transaction
// signature (64 bytes).
func CheckSignature(s string) error {
	if _, err := solana.SignatureFromBase58(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}
