package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters. Changing these invalidates every stored hash, so
// they are fixed rather than configurable.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB, so 64 MB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

func deriveKey(apiKey string, salt []byte) []byte {
	return argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// HashAPIKey derives an Argon2id hash of a raw sk_ key, returned as
// base64(salt)$base64(hash).
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}

	hash := deriveKey(apiKey, salt)
	return base64.StdEncoding.EncodeToString(salt) + "$" + base64.StdEncoding.EncodeToString(hash), nil
}

// VerifyAPIKey reports whether a raw key matches a stored hash. The
// comparison is constant time.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	salt, want, err := splitHash(encoded)
	if err != nil {
		return false, err
	}
	got := deriveKey(apiKey, salt)
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

// DummyVerify burns the same Argon2id work as a real verification. Auth
// failure paths that never reach a stored hash call this so their timing
// matches the paths that do.
func DummyVerify() {
	deriveKey("dummy", make([]byte, saltLen))
}

func splitHash(encoded string) (salt, hash []byte, err error) {
	parts := strings.SplitN(encoded, "$", 2)
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("auth: invalid hash format")
	}
	if salt, err = base64.StdEncoding.DecodeString(parts[0]); err != nil {
		return nil, nil, fmt.Errorf("auth: decode salt: %w", err)
	}
	if hash, err = base64.StdEncoding.DecodeString(parts[1]); err != nil {
		return nil, nil, fmt.Errorf("auth: decode hash: %w", err)
	}
	return salt, hash, nil
}
