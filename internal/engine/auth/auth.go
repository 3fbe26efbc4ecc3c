package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"casefile/internal/config"
)

var (
	ErrNotConfigured = errors.New("admin secret not configured")
	ErrBadSecret     = errors.New("invalid admin secret")
)

// Verifier checks the administrator's shared secret. A plaintext password
// is compared in constant time; a bcrypt hash is checked with bcrypt.
type Verifier struct {
	password     []byte
	passwordHash []byte
}

func NewVerifier(cfg *config.Config) Verifier {
	if cfg == nil {
		return Verifier{}
	}
	v := Verifier{}
	if cfg.Admin.Password != "" {
		v.password = []byte(cfg.Admin.Password)
	}
	if cfg.Admin.PasswordHash != "" {
		v.passwordHash = []byte(cfg.Admin.PasswordHash)
	}
	return v
}

func (v Verifier) Configured() bool {
	return len(v.password) > 0 || len(v.passwordHash) > 0
}

func (v Verifier) Verify(secret string) error {
	switch {
	case len(v.passwordHash) > 0:
		err := bcrypt.CompareHashAndPassword(v.passwordHash, []byte(secret))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrBadSecret
		}
		if err != nil {
			return fmt.Errorf("check admin secret: %w", err)
		}
		return nil
	case len(v.password) > 0:
		if subtle.ConstantTimeCompare(v.password, []byte(secret)) != 1 {
			return ErrBadSecret
		}
		return nil
	default:
		return ErrNotConfigured
	}
}

// HashSecret returns a bcrypt hash suitable for admin.password_hash.
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret is required")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
