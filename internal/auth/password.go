package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/slotbid/gpu-scheduler/internal/models"
)

const (
	passwordIterations = 150000
	saltBytes          = 16
	keyBytes           = 32
)

// HashPassword derives a PBKDF2-SHA256 hash. When saltHex is empty a fresh
// random salt is generated. Returns (saltHex, hashHex).
func HashPassword(password, saltHex string) (string, string, error) {
	var salt []byte
	if saltHex == "" {
		salt = make([]byte, saltBytes)
		if _, err := rand.Read(salt); err != nil {
			return "", "", fmt.Errorf("failed to generate salt: %w", err)
		}
		saltHex = hex.EncodeToString(salt)
	} else {
		var err error
		salt, err = hex.DecodeString(saltHex)
		if err != nil {
			return "", "", fmt.Errorf("invalid salt: %w", err)
		}
	}

	hash := pbkdf2.Key([]byte(password), salt, passwordIterations, keyBytes, sha256.New)
	return saltHex, hex.EncodeToString(hash), nil
}

// VerifyPassword checks a password against the user's stored hash in
// constant time.
func VerifyPassword(password string, user *models.User) bool {
	_, hash, err := HashPassword(password, user.Salt)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hash), []byte(user.PasswordHash)) == 1
}
