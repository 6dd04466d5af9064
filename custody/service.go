// Package custody holds encrypted signing keys and performs password
// authentication and session verification for wallet owners. Plaintext key
// material never leaves the scope of a single call.
package custody

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"

	"tipvault/chain"
	"tipvault/models"
)

var (
	// ErrUnauthenticated covers missing, malformed, and expired sessions
	// alike so callers cannot probe session state.
	ErrUnauthenticated = errors.New("custody: unauthenticated")
	// ErrInvalidCredentials indicates the password failed authentication.
	ErrInvalidCredentials = errors.New("custody: invalid credentials")
	// ErrKeyRecovery indicates the encrypted key blob could not be decrypted.
	ErrKeyRecovery = errors.New("custody: key recovery failed")
	// ErrWalletMissing indicates no wallet exists for the address.
	ErrWalletMissing = errors.New("custody: wallet not found")
)

// Service implements wallet custody on top of the ledger database.
type Service struct {
	db         *gorm.DB
	jwtSecret  []byte
	sessionTTL time.Duration
	now        func() time.Time
}

// Config captures the dependencies required to construct the service.
type Config struct {
	DB         *gorm.DB
	JWTSecret  []byte
	SessionTTL time.Duration
	Now        func() time.Time
}

// New constructs a custody service.
func New(cfg Config) (*Service, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("custody: database required")
	}
	if len(cfg.JWTSecret) == 0 {
		return nil, fmt.Errorf("custody: jwt secret required")
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{db: cfg.DB, jwtSecret: cfg.JWTSecret, sessionTTL: ttl, now: now}, nil
}

// CreateWallet generates a fresh keypair, encrypts the private key under the
// password, and stores the wallet row. Returns the derived address.
func (s *Service) CreateWallet(ctx context.Context, password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", fmt.Errorf("custody: password required")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", err
	}
	defer Zero(priv)
	addr, err := chain.AddressFromPublicKey(pub)
	if err != nil {
		return "", err
	}
	blob, err := EncryptKey(priv.Seed(), password)
	if err != nil {
		return "", err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return "", err
	}
	now := s.now()
	wallet := models.Wallet{
		Address:      addr.String(),
		EncryptedKey: blob,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.db.WithContext(ctx).Create(&wallet).Error; err != nil {
		return "", err
	}
	return wallet.Address, nil
}

// Authenticate verifies the password for the wallet owner. This is a full
// credential check against the stored verifier, not a format check.
func (s *Service) Authenticate(ctx context.Context, address, password string) error {
	var wallet models.Wallet
	if err := s.db.WithContext(ctx).First(&wallet, "address = ?", address).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInvalidCredentials
		}
		return err
	}
	if !VerifyPassword(wallet.PasswordHash, password) {
		return ErrInvalidCredentials
	}
	return nil
}

// GetEncryptedKey returns the encrypted key blob for the address.
func (s *Service) GetEncryptedKey(ctx context.Context, address string) ([]byte, error) {
	var wallet models.Wallet
	if err := s.db.WithContext(ctx).First(&wallet, "address = ?", address).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletMissing
		}
		return nil, err
	}
	return append([]byte(nil), wallet.EncryptedKey...), nil
}

// RecoverSigningKey decrypts the blob and reconstructs the ed25519 private
// key. The caller owns the key and must zero it after signing.
func RecoverSigningKey(blob []byte, password string) (ed25519.PrivateKey, error) {
	seed, err := DecryptKey(blob, password)
	if err != nil {
		return nil, err
	}
	defer Zero(seed)
	if len(seed) != ed25519.SeedSize {
		return nil, ErrKeyRecovery
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// IssueSession mints an opaque session token for the address.
func (s *Service) IssueSession(address string) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   address,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.sessionTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// VerifySession validates a session token and returns the caller's address.
// Every failure mode maps to ErrUnauthenticated.
func (s *Service) VerifySession(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", ErrUnauthenticated
	}
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return "", ErrUnauthenticated
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || strings.TrimSpace(claims.Subject) == "" {
		return "", ErrUnauthenticated
	}
	return claims.Subject, nil
}
