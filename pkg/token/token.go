package token

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"time"
)

const rawLen = 20

// NewOpaque generates a fresh opaque session token. Tokens carry no meaning;
// possession of the current value is the only thing verified.
func NewOpaque() (string, error) {
	buf := make([]byte, rawLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf), nil
}

// MustNew returns a token, falling back to a time-derived value if the
// system entropy source fails. Used only where an error cannot propagate.
func MustNew() string {
	t, err := NewOpaque()
	if err != nil {
		return fmt.Sprintf("FALLBACK%d", time.Now().UnixNano())
	}
	return t
}
