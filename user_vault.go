package medvault

import (
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
	"southwinds.dev/medvault/audit"
	"southwinds.dev/medvault/internal/crypto"
	"southwinds.dev/medvault/internal/misc"
)

// UserVault holds one user's vault key. The key is random, generated once
// at setup, and persisted only in wrapped form: once under a key derived
// from the user's password and once under a key derived from a recovery
// key. Changing the password re-wraps the vault key and never touches data.
type UserVault struct {
	fieldCodec

	mu      sync.RWMutex
	userID  string
	options Options
	audit   audit.Logger

	vaultKey *memguard.Enclave
}

var _ Cipher = (*UserVault)(nil)

// SetupResult is returned once by SetupVault. RecoveryKey must be shown to
// the user and then discarded; only Record is persisted.
type SetupResult struct {
	Record      *UserVaultRecord
	RecoveryKey string
}

// NewUserVault returns a locked vault for userID.
func NewUserVault(userID string, options Options, auditLogger audit.Logger) (*UserVault, error) {
	if userID == "" {
		return nil, errors.New("user ID is required")
	}
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	v := &UserVault{
		userID:  userID,
		options: options.withDefaults(),
		audit:   auditLogger,
	}
	v.fieldCodec = fieldCodec{s: v}
	return v, nil
}

// UserID returns the owner of the vault.
func (v *UserVault) UserID() string {
	return v.userID
}

// IsUnlocked reports whether the vault key is held in memory.
func (v *UserVault) IsUnlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.vaultKey != nil
}

// Lock discards the vault key.
func (v *UserVault) Lock() {
	v.mu.Lock()
	wasUnlocked := v.vaultKey != nil
	v.vaultKey = nil
	v.mu.Unlock()

	if wasUnlocked {
		logAudit(v.audit, v.options.Logger, newRequestID(), "USER_VAULT_LOCKED", v.userID, nil, nil)
	}
}

// SetupVault creates a new vault key and its two wrappings. The vault is
// left unlocked with the new key.
func (v *UserVault) SetupVault(password string) (*SetupResult, error) {
	requestID := newRequestID()

	result, err := v.setup(password)
	logAudit(v.audit, v.options.Logger, requestID, "USER_VAULT_CREATED", v.userID, err, nil)
	return result, err
}

func (v *UserVault) setup(password string) (*SetupResult, error) {
	if err := v.checkPassword(password); err != nil {
		return nil, err
	}

	vaultKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate vault key: %w", err)
	}
	defer memguard.WipeBytes(vaultKey)

	recoveryKey, recoveryRaw, err := generateRecoveryKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate recovery key: %w", err)
	}
	defer memguard.WipeBytes(recoveryRaw)

	record := &UserVaultRecord{
		Version:         CurrentRecordVersion,
		Iterations:      v.options.WrapIterations,
		RecoveryKeyHash: hashRecoveryKey(recoveryRaw),
	}
	if record.PasswordSalt, record.EncryptedVaultKey, err = v.wrap(vaultKey, []byte(password), v.options.WrapIterations); err != nil {
		return nil, err
	}
	if record.RecoverySalt, record.EncryptedVaultKeyRecovery, err = v.wrap(vaultKey, recoveryRaw, v.options.WrapIterations); err != nil {
		return nil, err
	}

	v.setKey(vaultKey)
	return &SetupResult{Record: record, RecoveryKey: recoveryKey}, nil
}

// UnlockWithPassword unwraps the vault key with the user's password.
// A wrong password returns (false, nil) and sets no key material.
func (v *UserVault) UnlockWithPassword(password string, record *UserVaultRecord) (bool, error) {
	if record == nil {
		return false, ErrNoVault
	}
	requestID := newRequestID()

	ok, err := v.unwrapInto(record.EncryptedVaultKey, []byte(password), record.PasswordSalt, record.iterations())
	switch {
	case err != nil:
		logAudit(v.audit, v.options.Logger, requestID, "USER_VAULT_UNLOCK_FAILED", v.userID, err, nil)
	case !ok:
		logAudit(v.audit, v.options.Logger, requestID, "USER_VAULT_UNLOCK_FAILED", v.userID, nil, map[string]interface{}{
			"reason": "wrong_password",
		})
	default:
		logAudit(v.audit, v.options.Logger, requestID, "USER_VAULT_UNLOCK", v.userID, nil, map[string]interface{}{
			"method": "password",
		})
	}
	return ok, err
}

// UnlockWithRecoveryKey unwraps the vault key with the recovery key. The
// key hash is checked before any derivation work is done. Malformed and
// wrong keys return (false, nil).
func (v *UserVault) UnlockWithRecoveryKey(recoveryKey string, record *UserVaultRecord) (bool, error) {
	if record == nil {
		return false, ErrNoVault
	}
	requestID := newRequestID()

	raw, parsed := parseRecoveryKey(recoveryKey)
	if !parsed || !matchRecoveryKey(raw, record.RecoveryKeyHash) {
		logAudit(v.audit, v.options.Logger, requestID, "USER_VAULT_UNLOCK_FAILED", v.userID, nil, map[string]interface{}{
			"reason": "wrong_recovery_key",
		})
		return false, nil
	}
	defer memguard.WipeBytes(raw)

	ok, err := v.unwrapInto(record.EncryptedVaultKeyRecovery, raw, record.RecoverySalt, record.iterations())
	switch {
	case err != nil || !ok:
		logAudit(v.audit, v.options.Logger, requestID, "USER_VAULT_UNLOCK_FAILED", v.userID, err, map[string]interface{}{
			"reason": "recovery_unwrap_failed",
		})
	default:
		logAudit(v.audit, v.options.Logger, requestID, "USER_VAULT_RECOVERED", v.userID, nil, map[string]interface{}{
			"method": "recovery_key",
		})
	}
	return ok, err
}

// ChangePassword re-wraps the held vault key under newPassword and returns
// the updated record. Recovery fields are carried over unchanged.
func (v *UserVault) ChangePassword(newPassword string, record *UserVaultRecord) (*UserVaultRecord, error) {
	requestID := newRequestID()

	updated, err := v.changePassword(newPassword, record)
	logAudit(v.audit, v.options.Logger, requestID, "USER_VAULT_PASSWORD_CHANGED", v.userID, err, nil)
	return updated, err
}

func (v *UserVault) changePassword(newPassword string, record *UserVaultRecord) (*UserVaultRecord, error) {
	if record == nil {
		return nil, ErrNoVault
	}
	if err := v.checkPassword(newPassword); err != nil {
		return nil, err
	}

	vaultKey, err := v.openKey()
	if err != nil {
		return nil, err
	}
	defer vaultKey.Destroy()

	updated := record.Clone()
	if updated.PasswordSalt, updated.EncryptedVaultKey, err = v.wrap(vaultKey.Bytes(), []byte(newPassword), record.iterations()); err != nil {
		return nil, err
	}
	return updated, nil
}

// RegenerateRecoveryKey replaces the recovery wrapping with one under a new
// recovery key. The vault key is unchanged so no data needs re-encryption.
// The returned key must be shown to the user once.
func (v *UserVault) RegenerateRecoveryKey(record *UserVaultRecord) (*UserVaultRecord, string, error) {
	requestID := newRequestID()

	updated, key, err := v.regenerateRecoveryKey(record)
	logAudit(v.audit, v.options.Logger, requestID, "RECOVERY_KEY_REGENERATED", v.userID, err, nil)
	return updated, key, err
}

func (v *UserVault) regenerateRecoveryKey(record *UserVaultRecord) (*UserVaultRecord, string, error) {
	if record == nil {
		return nil, "", ErrNoVault
	}
	vaultKey, err := v.openKey()
	if err != nil {
		return nil, "", err
	}
	defer vaultKey.Destroy()

	recoveryKey, recoveryRaw, err := generateRecoveryKey()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate recovery key: %w", err)
	}
	defer memguard.WipeBytes(recoveryRaw)

	updated := record.Clone()
	updated.RecoveryKeyHash = hashRecoveryKey(recoveryRaw)
	if updated.RecoverySalt, updated.EncryptedVaultKeyRecovery, err = v.wrap(vaultKey.Bytes(), recoveryRaw, record.iterations()); err != nil {
		return nil, "", err
	}
	return updated, recoveryKey, nil
}

func (v *UserVault) checkPassword(password string) error {
	if len(password) < v.options.MinUserPasswordLength {
		return fmt.Errorf("%w: password needs at least %d characters", ErrPasswordTooShort, v.options.MinUserPasswordLength)
	}
	return nil
}

// wrap seals vaultKey under a key derived from secret and a fresh salt.
// Both wrappings of a record share one work factor.
func (v *UserVault) wrap(vaultKey, secret []byte, iterations int) (salt, wrapped []byte, err error) {
	salt, err = crypto.RandomBytes(misc.SaltSize)
	if err != nil {
		return nil, nil, err
	}

	wrappingKey, err := crypto.DeriveKey(secret, salt, nil, iterations)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive wrapping key: %w", err)
	}
	defer memguard.WipeBytes(wrappingKey)

	wrapped, err = crypto.Seal(vaultKey, wrappingKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to wrap vault key: %w", err)
	}
	return salt, wrapped, nil
}

// unwrapInto derives the wrapping key and opens the wrapped vault key. An
// authentication failure is a wrong secret and reports (false, nil).
func (v *UserVault) unwrapInto(wrapped, secret, salt []byte, iterations int) (bool, error) {
	wrappingKey, err := crypto.DeriveKey(secret, salt, nil, iterations)
	if err != nil {
		return false, fmt.Errorf("failed to derive wrapping key: %w", err)
	}
	defer memguard.WipeBytes(wrappingKey)

	vaultKey, err := crypto.Open(wrapped, wrappingKey)
	if err != nil {
		if errors.Is(err, crypto.ErrAuthentication) {
			return false, nil
		}
		return false, fmt.Errorf("failed to unwrap vault key: %w", decryptionError(err))
	}
	if len(vaultKey) != misc.KeySize {
		memguard.WipeBytes(vaultKey)
		return false, fmt.Errorf("%w: unwrapped key has %d bytes", ErrInvalidRecord, len(vaultKey))
	}

	v.setKey(vaultKey)
	return true, nil
}

// setKey copies key into a fresh enclave; the caller keeps ownership of key.
func (v *UserVault) setKey(key []byte) {
	enclave := memguard.NewEnclave(append([]byte(nil), key...))

	v.mu.Lock()
	v.vaultKey = enclave
	v.mu.Unlock()
}

func (v *UserVault) openKey() (*memguard.LockedBuffer, error) {
	v.mu.RLock()
	enclave := v.vaultKey
	v.mu.RUnlock()

	if enclave == nil {
		return nil, fmt.Errorf("user %w", ErrLocked)
	}
	buf, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open vault key: %w", err)
	}
	return buf, nil
}

func (v *UserVault) seal(_ keyDomain, plaintext []byte) ([]byte, error) {
	v.mu.RLock()
	enclave := v.vaultKey
	v.mu.RUnlock()

	if enclave == nil {
		return nil, fmt.Errorf("user %w", ErrLocked)
	}
	return crypto.SealWithEnclave(plaintext, enclave)
}

func (v *UserVault) open(_ keyDomain, ciphertext []byte) ([]byte, error) {
	v.mu.RLock()
	enclave := v.vaultKey
	v.mu.RUnlock()

	if enclave == nil {
		return nil, fmt.Errorf("user %w", ErrLocked)
	}
	plain, err := crypto.OpenWithEnclave(ciphertext, enclave)
	if err != nil {
		return nil, decryptionError(err)
	}
	return plain, nil
}
