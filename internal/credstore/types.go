// Package credstore provides encrypted-at-rest storage for the operator
// password record and the upstream OAuth credential, with atomic writes,
// owner-only permission enforcement, and crash-resilient backup/restore.
package credstore

import "time"

// AccountInfo carries account metadata returned alongside an OAuth token
// exchange. It is not itself secret but travels with the credential record.
type AccountInfo struct {
	Email       string `json:"email,omitempty"`
	AccountUUID string `json:"accountUuid,omitempty"`
	OrgName     string `json:"orgName,omitempty"`
	OrgUUID     string `json:"orgUuid,omitempty"`
}

// Credential is the upstream OAuth credential. AccessToken and RefreshToken
// are encrypted at rest; this struct is the decrypted, in-memory form.
type Credential struct {
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	ExpiresAt    time.Time   `json:"expiresAt"`
	AccountInfo  AccountInfo `json:"accountInfo"`
	Version      int         `json:"version"`
}

// PasswordAlgorithm tags the hashing scheme used for a password record.
type PasswordAlgorithm string

const (
	AlgorithmLegacySHA256 PasswordAlgorithm = "legacy-sha256"
	AlgorithmScryptV1     PasswordAlgorithm = "scrypt-v1"
)

// PasswordRecord is the operator password hash record.
type PasswordRecord struct {
	Algorithm PasswordAlgorithm `json:"algorithm"`
	Salt      []byte            `json:"salt"`
	Hash      []byte            `json:"hash"`
	Cost      int               `json:"cost"`
}
