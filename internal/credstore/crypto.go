package credstore

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"github.com/codeck/daemon/internal/apperr"
)

// fixedSalt derives the AEAD key from the master key. It is fixed (not
// per-install random) because the master key itself is already unique per
// install; scrypt here is a KDF step, not a password hash.
var fixedSalt = []byte("codeck-credstore-v1-kdf-salt")

const (
	keyFileName = ".encryption-key"
	scryptN     = 1 << 14
	scryptR     = 8
	scryptP     = 1
)

// deriveKey resolves the 32-byte AEAD key via, in priority order: an
// explicit override, a persisted random key file, or a warned
// hostname-derived fallback.
func deriveKey(storeDir, override string) ([]byte, error) {
	var masterKey []byte

	switch {
	case override != "":
		masterKey = []byte(override)
	default:
		keyPath := storeDir + string(os.PathSeparator) + keyFileName
		existing, err := os.ReadFile(keyPath)
		if err == nil && len(existing) > 0 {
			masterKey = existing
		} else {
			random := make([]byte, 32)
			if _, err := rand.Read(random); err != nil {
				return nil, apperr.Wrap(apperr.Fatal, "generate encryption key", err)
			}
			if err := writeAtomic(keyPath, random, 0o600); err != nil {
				// Fall back to a hostname-derived key rather than failing
				// startup outright; a warning is logged below.
				host, _ := os.Hostname()
				if host == "" {
					host = "codeck-fallback"
				}
				masterKey = []byte("hostname-fallback:" + host)
			} else {
				masterKey = random
			}
		}
	}

	if hasSuspiciousPrefix(string(masterKey)) {
		slog.Warn("credstore: encryption key file not writable, using hostname-derived key")
	}

	return scrypt.Key(masterKey, fixedSalt, scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
}

// seal encrypts plaintext with ChaCha20-Poly1305 (96-bit nonce, 128-bit tag)
// and returns nonce||ciphertext.
func seal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init AEAD: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts a nonce||ciphertext blob produced by seal.
func open(key, blob []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init AEAD: %w", err)
	}
	if len(blob) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// hasSuspiciousPrefix reports whether s looks like a hostname-fallback
// marker, used only for logging a warning once.
func hasSuspiciousPrefix(s string) bool {
	return strings.HasPrefix(s, "hostname-fallback:")
}
