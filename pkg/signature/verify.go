package signature

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"strings"
)

var (
	ErrInvalidEncoding  = errors.New("invalid encoding")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Verifier checks a detached signature over canonical message bytes. The
// negotiation core consumes this capability; it never holds private keys.
type Verifier interface {
	Verify(publicKey, message, sig []byte) bool
}

// KeyDirectory resolves a participant identity to its registered public key.
// The second return is false when no key is registered, which callers must
// treat as a hard error rather than skipping verification.
type KeyDirectory interface {
	PublicKey(ctx context.Context, actorID string) ([]byte, bool, error)
}

// Ed25519 is the default Verifier.
type Ed25519 struct{}

func (Ed25519) Verify(publicKey, message, sig []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, sig)
}

// DecodePublicKey decodes a base64 std-encoded ed25519 public key.
func DecodePublicKey(in string) ([]byte, error) {
	b, err := decodeBase64Strict(in)
	if err != nil {
		return nil, err
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, ErrInvalidEncoding
	}
	return b, nil
}

// DecodeSignature decodes a base64 std-encoded detached ed25519 signature.
func DecodeSignature(in string) ([]byte, error) {
	b, err := decodeBase64Strict(in)
	if err != nil {
		return nil, err
	}
	if len(b) != ed25519.SignatureSize {
		return nil, ErrInvalidEncoding
	}
	return b, nil
}

func decodeBase64Strict(in string) ([]byte, error) {
	s := strings.TrimSpace(in)
	if s == "" {
		return nil, ErrInvalidEncoding
	}
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidEncoding
	}
	if base64.StdEncoding.EncodeToString(out) != s {
		return nil, ErrInvalidEncoding
	}
	return out, nil
}
