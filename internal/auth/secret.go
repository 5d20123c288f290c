// Package auth verifies the shared admin secret gating the admin endpoints.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrInvalidHash marks malformed or unsupported encoded hashes.
var ErrInvalidHash = errors.New("auth: invalid secret hash")

const (
	argon2Version = 19 // argon2.Version

	memoryKiB   uint32 = 64 * 1024
	iterations  uint32 = 3
	parallelism uint8  = 1
	saltLength         = 16
	keyLength   uint32 = 32
)

// HashSecret hashes the admin secret with Argon2id.
// Format: $argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt_b64>$<hash_b64>
func HashSecret(secret string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("auth: empty secret")
	}

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}

	key := argon2.IDKey([]byte(secret), salt, iterations, memoryKiB, parallelism, keyLength)

	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2Version, memoryKiB, iterations, parallelism,
		b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

// VerifySecret checks a presented secret against an encoded hash in
// constant time. Returns (false, nil) for a plain mismatch.
func VerifySecret(encodedHash, secret string) (bool, error) {
	mem, iter, par, salt, expected, err := decode(encodedHash)
	if err != nil {
		return false, err
	}

	// Bound attacker-controlled params so a hostile hash string cannot pin
	// the process on a pathological derivation.
	if mem > memoryKiB*2 || iter > iterations*2 || par > parallelism*2 {
		return false, ErrInvalidHash
	}
	if len(salt) < 8 || len(salt) > 64 || len(expected) < 16 || len(expected) > 128 {
		return false, ErrInvalidHash
	}

	key := argon2.IDKey([]byte(secret), salt, iter, mem, par, uint32(len(expected)))
	return subtle.ConstantTimeCompare(key, expected) == 1, nil
}

func decode(encoded string) (mem, iter uint32, par uint8, salt, key []byte, err error) {
	parts := strings.Split(encoded, "$")
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, key
	if len(parts) != 6 || parts[1] != "argon2id" {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}
	if parts[2] != "v="+strconv.Itoa(argon2Version) {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}

	for _, kv := range strings.Split(parts[3], ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return 0, 0, 0, nil, nil, ErrInvalidHash
		}
		n, convErr := strconv.ParseUint(v, 10, 32)
		if convErr != nil {
			return 0, 0, 0, nil, nil, ErrInvalidHash
		}
		switch k {
		case "m":
			mem = uint32(n)
		case "t":
			iter = uint32(n)
		case "p":
			if n > 255 {
				return 0, 0, 0, nil, nil, ErrInvalidHash
			}
			par = uint8(n)
		default:
			return 0, 0, 0, nil, nil, ErrInvalidHash
		}
	}
	if mem == 0 || iter == 0 || par == 0 {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}

	b64 := base64.RawStdEncoding
	salt, err = b64.DecodeString(parts[4])
	if err != nil {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}
	key, err = b64.DecodeString(parts[5])
	if err != nil {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}
	return mem, iter, par, salt, key, nil
}
