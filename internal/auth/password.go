// Package auth implements the operator password plane, bearer sessions,
// single-use WebSocket tickets, and the upstream OAuth PKCE flow.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"time"

	"golang.org/x/crypto/scrypt"

	"github.com/codeck/daemon/internal/apperr"
	"github.com/codeck/daemon/internal/credstore"
)

// Scrypt parameters target OWASP's current recommendation.
const (
	targetScryptN     = 1 << 17
	targetScryptR     = 8
	targetScryptP     = 1
	scryptKeyLen      = 32
	scryptMaxMemBytes = 1 << 30 // 1 GiB, explicit maxmem for the N above
	minPasswordLen    = 8
	saltLen           = 16
)

// PasswordPlane manages operator password setup/verify and brute-force
// lockout. It delegates persistence to a credstore.Store.
type PasswordPlane struct {
	store *credstore.Store
	bf    *bruteForceTable
}

func NewPasswordPlane(store *credstore.Store, maxFailures int, window, lockout time.Duration) *PasswordPlane {
	return &PasswordPlane{
		store: store,
		bf:    newBruteForceTable(maxFailures, window, lockout),
	}
}

// Configured reports whether an operator password has been set up.
func (p *PasswordPlane) Configured() (bool, error) {
	rec, err := p.store.ReadPassword()
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// Setup configures the operator password. It rejects if a password is
// already configured.
func (p *PasswordPlane) Setup(password string) error {
	if len(password) < minPasswordLen {
		return apperr.Newf(apperr.Validation, "password must be at least %d characters", minPasswordLen)
	}

	existing, err := p.store.ReadPassword()
	if err != nil {
		return err
	}
	if existing != nil {
		return apperr.New(apperr.Conflict, "password already configured")
	}

	rec, err := hashPassword(password)
	if err != nil {
		return apperr.Wrap(apperr.Fatal, "hash password", err)
	}
	return p.store.WritePassword(rec)
}

// Verify checks password against the configured record for the given
// source IP. It is constant-time with respect to the stored hash and
// enforces brute-force lockout (applied even to an otherwise-correct
// password once the IP is locked out).
func (p *PasswordPlane) Verify(password, ip string) error {
	if locked, retryAfter := p.bf.locked(ip); locked {
		return apperr.New(apperr.RateLimited, "too many failed attempts").
			WithHint(fmt.Sprintf("retry in %ds", int(retryAfter.Seconds())))
	}

	rec, err := p.store.ReadPassword()
	if err != nil {
		return err
	}
	if rec == nil {
		return apperr.New(apperr.Unauthorized, "password not configured")
	}

	ok, err := verifyRecord(rec, password)
	if err != nil {
		return apperr.Wrap(apperr.Fatal, "verify password", err)
	}
	if !ok {
		// The lockout itself only takes effect on the *next* attempt (checked
		// at the top of this method); the failure that crosses the threshold
		// still reports as a plain unauthorized response.
		p.bf.recordFailure(ip)
		return apperr.New(apperr.Unauthorized, "invalid password")
	}

	p.bf.recordSuccess(ip)

	// Opportunistic rehash: legacy algorithm or below-target cost.
	if rec.Algorithm != credstore.AlgorithmScryptV1 || rec.Cost < targetScryptN {
		if newRec, err := hashPassword(password); err == nil {
			_ = p.store.WritePassword(newRec)
		}
	}

	return nil
}

func hashPassword(password string) (*credstore.PasswordRecord, error) {
	if mem := 128 * targetScryptN * targetScryptR; mem > scryptMaxMemBytes {
		return nil, fmt.Errorf("scrypt parameters exceed explicit maxmem budget (%d > %d)", mem, scryptMaxMemBytes)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	hash, err := scrypt.Key([]byte(password), salt, targetScryptN, targetScryptR, targetScryptP, scryptKeyLen)
	if err != nil {
		return nil, err
	}
	return &credstore.PasswordRecord{
		Algorithm: credstore.AlgorithmScryptV1,
		Salt:      salt,
		Hash:      hash,
		Cost:      targetScryptN,
	}, nil
}

func verifyRecord(rec *credstore.PasswordRecord, password string) (bool, error) {
	switch rec.Algorithm {
	case credstore.AlgorithmScryptV1:
		n := rec.Cost
		if n <= 0 {
			n = targetScryptN
		}
		computed, err := scrypt.Key([]byte(password), rec.Salt, n, targetScryptR, targetScryptP, scryptKeyLen)
		if err != nil {
			return false, err
		}
		return subtle.ConstantTimeCompare(computed, rec.Hash) == 1, nil
	case credstore.AlgorithmLegacySHA256:
		computed := legacySHA256(rec.Salt, password)
		return subtle.ConstantTimeCompare(computed, rec.Hash) == 1, nil
	default:
		return false, fmt.Errorf("unknown password algorithm %q", rec.Algorithm)
	}
}
