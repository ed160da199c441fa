// Package auth provides credential hashing and the authentication service.
package auth

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultIterations is the PBKDF2 iteration count for new hashes.
	DefaultIterations = 120_000

	saltLength   = 16
	digestLength = 32 // 256 bits

	hashPrefix      = "pbkdf2"
	hashSeparator   = "$"
	legacySeparator = ":"
)

// PasswordHasher produces and verifies self-describing PBKDF2 hashes of the
// form pbkdf2$<iterations>$<saltB64>$<digestB64>. Verify also accepts the
// legacy <iter>:<salt>:<digest> SHA-1 form for hashes minted before the
// format change.
type PasswordHasher struct {
	iterations int
}

// NewPasswordHasher creates a hasher with the given iteration count;
// non-positive falls back to DefaultIterations.
func NewPasswordHasher(iterations int) *PasswordHasher {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return &PasswordHasher{iterations: iterations}
}

// Hash derives a salted digest from the plain password. Blank input is
// rejected; everything else about the password is the service's concern.
func (h *PasswordHasher) Hash(plain string) (string, error) {
	if strings.TrimSpace(plain) == "" {
		return "", errors.New("password must not be blank")
	}

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	digest := pbkdf2.Key([]byte(plain), salt, h.iterations, digestLength, sha256.New)

	return strings.Join([]string{
		hashPrefix,
		strconv.Itoa(h.iterations),
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(digest),
	}, hashSeparator), nil
}

// Verify reports whether plain matches the stored hash. It never returns an
// error: malformed stored input means no match. The digest comparison is
// constant-time.
func (h *PasswordHasher) Verify(plain, stored string) bool {
	if plain == "" || stored == "" {
		return false
	}
	if strings.HasPrefix(stored, hashPrefix+hashSeparator) {
		return verifyCanonical(plain, stored)
	}
	return verifyLegacy(plain, stored)
}

func verifyCanonical(plain, stored string) bool {
	parts := strings.Split(stored, hashSeparator)
	if len(parts) != 4 || parts[0] != hashPrefix {
		return false
	}

	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return false
	}
	salt, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	digest, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil || len(digest) == 0 {
		return false
	}

	computed := pbkdf2.Key([]byte(plain), salt, iterations, len(digest), sha256.New)
	return subtle.ConstantTimeCompare(computed, digest) == 1
}

// verifyLegacy handles the pre-migration <iter>:<salt>:<digest> SHA-1 form.
func verifyLegacy(plain, stored string) bool {
	parts := strings.Split(stored, legacySeparator)
	if len(parts) != 3 {
		return false
	}

	iterations, err := strconv.Atoi(parts[0])
	if err != nil || iterations <= 0 {
		return false
	}
	salt, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	digest, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil || len(digest) == 0 {
		return false
	}

	computed := pbkdf2.Key([]byte(plain), salt, iterations, len(digest), sha1.New)
	return subtle.ConstantTimeCompare(computed, digest) == 1
}

// LegacyHash mints a hash in the legacy format. Only tests and migration
// tooling need it; the server always writes the canonical form.
func LegacyHash(plain string, iterations int) string {
	salt := make([]byte, saltLength)
	_, _ = rand.Read(salt)
	digest := pbkdf2.Key([]byte(plain), salt, iterations, 20, sha1.New)
	return strings.Join([]string{
		strconv.Itoa(iterations),
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(digest),
	}, legacySeparator)
}
