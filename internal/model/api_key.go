package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// APIKey authenticates a caller without a JWT. Multiple keys can exist per
// user, enabling rotation and per-environment credentials.
type APIKey struct {
	ID         uuid.UUID  `json:"id"`
	Prefix     string     `json:"prefix"`
	KeyHash    string     `json:"-"` // Never serialized.
	OrgID      uuid.UUID  `json:"org_id"`
	UserID     uuid.UUID  `json:"user_id"`
	Label      string     `json:"label"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

const (
	keyPrefixLen    = 4  // random bytes, 8 hex chars in the key
	keySecretLen    = 16 // random bytes, 32 hex chars in the key
	keyFormatPrefix = "sk_"
)

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// GenerateRawKey mints a raw API key of the form
// sk_<8-hex-prefix>_<32-hex-secret>. The prefix comes back separately;
// it is the only part stored in clear and indexes the hash lookup.
func GenerateRawKey() (rawKey, prefix string, err error) {
	prefix, err = randomHex(keyPrefixLen)
	if err != nil {
		return "", "", fmt.Errorf("model: generate key prefix: %w", err)
	}
	secret, err := randomHex(keySecretLen)
	if err != nil {
		return "", "", fmt.Errorf("model: generate key secret: %w", err)
	}
	return keyFormatPrefix + prefix + "_" + secret, prefix, nil
}

// ParseRawKey splits a presented key into its lookup prefix and the full
// key to hash. Malformed keys error without echoing the secret.
func ParseRawKey(rawKey string) (prefix, fullKey string, err error) {
	rest, found := strings.CutPrefix(rawKey, keyFormatPrefix)
	if !found {
		return "", "", fmt.Errorf("model: invalid key format: missing %s prefix", keyFormatPrefix)
	}

	prefix, secret, found := strings.Cut(rest, "_")
	if !found || prefix == "" || secret == "" {
		return "", "", fmt.Errorf("model: invalid key format: expected sk_<prefix>_<secret>")
	}
	return prefix, rawKey, nil
}
