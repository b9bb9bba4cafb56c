package auth

import "crypto/sha256"

// legacySHA256 reproduces the pre-scrypt hashing scheme so records created
// by an older install remain verifiable; a successful verify against this
// algorithm triggers an opportunistic rehash to scrypt-v1.
func legacySHA256(salt []byte, password string) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(password))
	return h.Sum(nil)
}
