// Package verify checks Ed25519 signatures over canonical,
// domain-separated payloads and issues challenge nonces.
// Keys and signatures travel as lowercase hex.
package verify

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/i5heu/ouroboros-relay/pkg/apperr"
)

const (
	// PublicKeyHexLen is the hex length of a public key.
	PublicKeyHexLen = ed25519.PublicKeySize * 2
	// SignatureHexLen is the hex length of a signature.
	SignatureHexLen = ed25519.SignatureSize * 2
	// NonceSize is the raw size of a challenge nonce.
	NonceSize = 32
)

// Verify reports whether signature is a valid signature of
// message by publicKey. Malformed input yields false.
func Verify( // A
	publicKey string,
	message []byte,
	signature string,
) bool {
	if len(publicKey) != PublicKeyHexLen ||
		len(signature) != SignatureHexLen {
		return false
	}
	pub, err := hex.DecodeString(publicKey)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}

// GenerateNonce returns NonceSize random bytes, hex
// encoded.
func GenerateNonce() string { // A
	b := make([]byte, NonceSize)
	// crypto/rand.Read never returns an error.
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Sign signs message and returns the hex signature.
func Sign(priv ed25519.PrivateKey, message []byte) string { // A
	return hex.EncodeToString(ed25519.Sign(priv, message))
}

// EncodePublicKey returns the hex form of pub.
func EncodePublicKey(pub ed25519.PublicKey) string { // A
	return hex.EncodeToString(pub)
}

// CheckPublicKey validates the shape of a hex public key.
func CheckPublicKey(publicKey string) error { // A
	if len(publicKey) != PublicKeyHexLen {
		return fmt.Errorf(
			"%w: public key must be %d hex chars, got %d",
			apperr.ErrInvalidInput, PublicKeyHexLen, len(publicKey),
		)
	}
	if !isLowerHex(publicKey) {
		return fmt.Errorf(
			"%w: public key is not lowercase hex",
			apperr.ErrInvalidInput,
		)
	}
	return nil
}

// CheckSignature validates the shape of a hex signature.
func CheckSignature(signature string) error { // A
	if len(signature) != SignatureHexLen || !isLowerHex(signature) {
		return fmt.Errorf(
			"%w: signature must be %d lowercase hex chars",
			apperr.ErrInvalidInput, SignatureHexLen,
		)
	}
	return nil
}

var handlePattern = regexp.MustCompile(`^[a-z0-9_]{3,20}$`)

// NormalizeHandle lower-cases handle and validates its
// format.
func NormalizeHandle(handle string) (string, error) { // A
	h := strings.ToLower(handle)
	if !handlePattern.MatchString(h) {
		return "", fmt.Errorf(
			"%w: handle %q must be 3-20 chars of a-z, 0-9 or _",
			apperr.ErrInvalidInput, handle,
		)
	}
	return h, nil
}

// CheckHexDigest validates a 32-byte hex digest such as an
// epoch commitment hash.
func CheckHexDigest(digest string) error { // A
	if len(digest) != 64 || !isLowerHex(digest) {
		return fmt.Errorf(
			"%w: digest must be 64 lowercase hex chars",
			apperr.ErrInvalidInput,
		)
	}
	return nil
}

func isLowerHex(s string) bool { // A
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
