package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters. Changing them invalidates existing hashes, so bump
// only alongside a credential rotation.
const (
	hashTime    = 1
	hashMemory  = 64 * 1024 // KiB
	hashThreads = 4
	hashLen     = 32
	hashSaltLen = 16
)

func deriveKey(apiKey string, salt []byte) []byte {
	return argon2.IDKey([]byte(apiKey), salt, hashTime, hashMemory, hashThreads, hashLen)
}

// HashAPIKey derives an Argon2id hash of apiKey with a fresh random salt,
// encoded as base64(salt)$base64(hash).
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, hashSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(salt) + "$" +
		base64.StdEncoding.EncodeToString(deriveKey(apiKey, salt)), nil
}

// VerifyAPIKey reports whether apiKey matches the encoded hash.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	saltPart, hashPart, ok := strings.Cut(encoded, "$")
	if !ok {
		return false, fmt.Errorf("auth: invalid hash format")
	}
	salt, err := base64.StdEncoding.DecodeString(saltPart)
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}
	want, err := base64.StdEncoding.DecodeString(hashPart)
	if err != nil {
		return false, fmt.Errorf("auth: decode hash: %w", err)
	}
	return subtle.ConstantTimeCompare(want, deriveKey(apiKey, salt)) == 1, nil
}

// DummyVerify burns the same Argon2id cost as a real verification. Auth
// failure paths that never checked a hash call this so response timing does
// not reveal whether a client_id exists.
func DummyVerify() {
	deriveKey("dummy", make([]byte, hashSaltLen))
}
