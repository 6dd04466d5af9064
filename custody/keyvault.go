package custody

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// scrypt parameters for the password-derived encryption key.
const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32

	saltLen = 16
)

// EncryptKey seals private key material under a password-derived key using
// AES-256-GCM. The blob layout is salt || nonce || ciphertext.
func EncryptKey(plaintext []byte, password string) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("custody: empty key material")
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	derived, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	blob := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)
	return blob, nil
}

// DecryptKey recovers private key material from a blob produced by
// EncryptKey. A wrong password or a corrupt blob both fail with
// ErrKeyRecovery; the caller owns the returned bytes and should zero them
// once the key has served its purpose.
func DecryptKey(blob []byte, password string) ([]byte, error) {
	if len(blob) < saltLen+12 {
		return nil, ErrKeyRecovery
	}
	salt := blob[:saltLen]
	derived, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, ErrKeyRecovery
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, ErrKeyRecovery
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrKeyRecovery
	}
	if len(blob) < saltLen+gcm.NonceSize() {
		return nil, ErrKeyRecovery
	}
	nonce := blob[saltLen : saltLen+gcm.NonceSize()]
	sealed := blob[saltLen+gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrKeyRecovery
	}
	return plaintext, nil
}

// Zero overwrites sensitive byte material in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// HashPassword derives a verifier for password authentication. The result
// encodes its own salt so it is self-contained.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	derived, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("scrypt$%s$%s",
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(derived)), nil
}

// VerifyPassword checks a password against a stored verifier in constant
// time.
func VerifyPassword(stored, password string) bool {
	parts := strings.Split(stored, "$")
	if len(parts) != 3 || parts[0] != "scrypt" {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	derived, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(derived, want) == 1
}
