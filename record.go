package medvault

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"southwinds.dev/medvault/internal/misc"
)

// RecordVersion identifies the layout of a persisted vault document.
type RecordVersion int

const (
	// RecordVersionV1 is the original layout. Documents without a version
	// field decode as V1.
	RecordVersionV1 RecordVersion = 1

	// CurrentRecordVersion is written by this release.
	CurrentRecordVersion = RecordVersionV1
)

// wrappedKeySize is nonce + 32-byte key + tag.
const wrappedKeySize = misc.NonceSize + misc.KeySize + misc.TagSize

// UserVaultRecord is the durable state of a per-user vault. It holds two
// independently wrapped copies of the same vault key and never the key itself.
type UserVaultRecord struct {
	Version                   RecordVersion `json:"version"`
	Iterations                int           `json:"iterations,omitempty"`
	PasswordSalt              []byte        `json:"password_salt"`
	EncryptedVaultKey         []byte        `json:"encrypted_vault_key"`
	RecoverySalt              []byte        `json:"recovery_salt"`
	EncryptedVaultKeyRecovery []byte        `json:"encrypted_vault_key_recovery"`
	RecoveryKeyHash           string        `json:"recovery_key_hash"`
}

// ParseRecord decodes and validates a persisted user vault record.
func ParseRecord(data []byte) (*UserVaultRecord, error) {
	var record UserVaultRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if record.Version == 0 {
		record.Version = RecordVersionV1
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}
	return &record, nil
}

// MarshalRecord encodes a record, stamping the current version when unset.
func MarshalRecord(record *UserVaultRecord) ([]byte, error) {
	if record == nil {
		return nil, fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	out := record.Clone()
	if out.Version == 0 {
		out.Version = CurrentRecordVersion
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return json.MarshalIndent(out, "", "  ")
}

// Validate checks field sizes and the record version.
func (r *UserVaultRecord) Validate() error {
	if r.Version > CurrentRecordVersion || r.Version < 0 {
		return fmt.Errorf("%w: %d", ErrUnsupportedRecordVersion, r.Version)
	}
	if r.Iterations != 0 && r.Iterations < misc.WrapIterations {
		return fmt.Errorf("%w: iterations %d below minimum", ErrInvalidRecord, r.Iterations)
	}
	switch {
	case len(r.PasswordSalt) != misc.SaltSize:
		return fmt.Errorf("%w: password salt must be %d bytes", ErrInvalidRecord, misc.SaltSize)
	case len(r.RecoverySalt) != misc.SaltSize:
		return fmt.Errorf("%w: recovery salt must be %d bytes", ErrInvalidRecord, misc.SaltSize)
	case len(r.EncryptedVaultKey) != wrappedKeySize:
		return fmt.Errorf("%w: encrypted vault key must be %d bytes", ErrInvalidRecord, wrappedKeySize)
	case len(r.EncryptedVaultKeyRecovery) != wrappedKeySize:
		return fmt.Errorf("%w: recovery-wrapped vault key must be %d bytes", ErrInvalidRecord, wrappedKeySize)
	}
	if raw, err := hex.DecodeString(r.RecoveryKeyHash); err != nil || len(raw) != 32 {
		return fmt.Errorf("%w: recovery key hash must be 64 hex characters", ErrInvalidRecord)
	}
	return nil
}

// Clone returns a deep copy.
func (r *UserVaultRecord) Clone() *UserVaultRecord {
	return &UserVaultRecord{
		Version:                   r.Version,
		Iterations:                r.Iterations,
		PasswordSalt:              append([]byte(nil), r.PasswordSalt...),
		EncryptedVaultKey:         append([]byte(nil), r.EncryptedVaultKey...),
		RecoverySalt:              append([]byte(nil), r.RecoverySalt...),
		EncryptedVaultKeyRecovery: append([]byte(nil), r.EncryptedVaultKeyRecovery...),
		RecoveryKeyHash:           r.RecoveryKeyHash,
	}
}

// iterations returns the work factor the record was wrapped with.
func (r *UserVaultRecord) iterations() int {
	if r.Iterations == 0 {
		return misc.WrapIterations
	}
	return r.Iterations
}

// VaultConfig is the durable state of the global vault.
type VaultConfig struct {
	Version       RecordVersion `json:"version"`
	Iterations    int           `json:"iterations,omitempty"`
	Salt          string        `json:"salt"`            // base64, 32 bytes
	MasterKeyHash string        `json:"master_key_hash"` // base64 SHA-256 of the master key
	CreatedAt     time.Time     `json:"created_at,omitempty"`
}

func parseVaultConfig(data []byte) (*VaultConfig, []byte, []byte, error) {
	var config VaultConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to parse vault config: %w", err)
	}
	if config.Version == 0 {
		config.Version = RecordVersionV1
	}
	if config.Version > CurrentRecordVersion {
		return nil, nil, nil, fmt.Errorf("%w: %d", ErrUnsupportedRecordVersion, config.Version)
	}
	if config.Iterations == 0 {
		config.Iterations = misc.LegacyIterations
	}
	salt, err := base64.StdEncoding.DecodeString(config.Salt)
	if err != nil || len(salt) != misc.SaltSize {
		return nil, nil, nil, fmt.Errorf("vault config has an invalid salt")
	}
	verifier, err := base64.StdEncoding.DecodeString(config.MasterKeyHash)
	if err != nil || len(verifier) != 32 {
		return nil, nil, nil, fmt.Errorf("vault config has an invalid master key hash")
	}
	return &config, salt, verifier, nil
}
