package medvault

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"southwinds.dev/medvault/audit"
	"southwinds.dev/medvault/persist"
)

// SessionRegistry maps user IDs to their unlocked vaults for the lifetime
// of the process. Sessions are never persisted: a restart locks every user.
//
// The registry is created by the application and passed to whatever needs
// it; there is no package-level instance. When built with a store it also
// offers the record-backed lifecycle (setup, unlock, password change,
// recovery) so callers do not handle UserVaultRecord themselves.
//
// Key derivation runs outside the registry lock. If two unlocks for the same
// user race, the vault registered first wins and the other is locked.
type SessionRegistry struct {
	options Options
	store   persist.Store
	audit   audit.Logger

	mu     sync.RWMutex
	vaults map[string]*UserVault
}

// NewSessionRegistry creates an empty registry. store may be nil when only
// Register/Get/Lock are used.
func NewSessionRegistry(options Options, store persist.Store, auditLogger audit.Logger) *SessionRegistry {
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	return &SessionRegistry{
		options: options,
		store:   store,
		audit:   auditLogger,
		vaults:  make(map[string]*UserVault),
	}
}

// Get returns the user's vault when it is registered and unlocked.
func (r *SessionRegistry) Get(userID string) (*UserVault, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	vault, ok := r.vaults[userID]
	if !ok || !vault.IsUnlocked() {
		return nil, false
	}
	return vault, true
}

// Register adds an unlocked vault, replacing and locking any previous
// session for the same user.
func (r *SessionRegistry) Register(vault *UserVault) error {
	if vault == nil {
		return errors.New("vault is nil")
	}
	if !vault.IsUnlocked() {
		return fmt.Errorf("cannot register user %s: %w", vault.UserID(), ErrLocked)
	}

	r.mu.Lock()
	previous := r.vaults[vault.UserID()]
	r.vaults[vault.UserID()] = vault
	r.mu.Unlock()

	if previous != nil && previous != vault {
		previous.Lock()
	}
	return nil
}

// adopt registers vault unless an unlocked session already exists, in which
// case vault is locked and the existing session is returned.
func (r *SessionRegistry) adopt(vault *UserVault) *UserVault {
	r.mu.Lock()
	existing, ok := r.vaults[vault.UserID()]
	if ok && existing.IsUnlocked() {
		r.mu.Unlock()
		vault.Lock()
		return existing
	}
	r.vaults[vault.UserID()] = vault
	r.mu.Unlock()
	return vault
}

// Lock ends the user's session (logout).
func (r *SessionRegistry) Lock(userID string) {
	r.mu.Lock()
	vault, ok := r.vaults[userID]
	delete(r.vaults, userID)
	r.mu.Unlock()

	if ok {
		vault.Lock()
	}
}

// LockAll ends every session.
func (r *SessionRegistry) LockAll() {
	r.mu.Lock()
	vaults := r.vaults
	r.vaults = make(map[string]*UserVault)
	r.mu.Unlock()

	for _, vault := range vaults {
		vault.Lock()
	}
}

// ActiveUsers returns the sorted IDs of users with an unlocked session.
func (r *SessionRegistry) ActiveUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.vaults))
	for userID, vault := range r.vaults {
		if vault.IsUnlocked() {
			users = append(users, userID)
		}
	}
	sort.Strings(users)
	return users
}

// Len returns the number of registered sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.vaults)
}

// HasVault reports whether a vault record exists for the user.
func (r *SessionRegistry) HasVault(userID string) (bool, error) {
	if r.store == nil {
		return false, ErrNoStore
	}
	return r.store.UserRecordExists(userID)
}

// SetupVault creates and persists a vault for a user without one and starts
// a session. The returned recovery key is not stored anywhere.
func (r *SessionRegistry) SetupVault(userID, password string) (string, error) {
	if r.store == nil {
		return "", ErrNoStore
	}
	exists, err := r.store.UserRecordExists(userID)
	if err != nil {
		return "", fmt.Errorf("failed to check vault for user %s: %w", userID, err)
	}
	if exists {
		return "", ErrVaultExists
	}

	vault, err := NewUserVault(userID, r.options, r.audit)
	if err != nil {
		return "", err
	}
	result, err := vault.SetupVault(password)
	if err != nil {
		return "", err
	}

	if err = r.saveRecord(userID, result.Record, persist.CreateOnly); err != nil {
		vault.Lock()
		if persist.IsConcurrencyError(err) {
			return "", ErrVaultExists
		}
		return "", err
	}

	if err = r.Register(vault); err != nil {
		return "", err
	}
	return result.RecoveryKey, nil
}

// UnlockWithPassword loads the user's record and starts a session when the
// password is correct. A wrong password returns (false, nil).
func (r *SessionRegistry) UnlockWithPassword(userID, password string) (bool, error) {
	return r.unlock(userID, func(vault *UserVault, record *UserVaultRecord) (bool, error) {
		return vault.UnlockWithPassword(password, record)
	})
}

// UnlockWithRecoveryKey starts a session from the recovery key. Callers
// normally follow it with ChangePassword.
func (r *SessionRegistry) UnlockWithRecoveryKey(userID, recoveryKey string) (bool, error) {
	return r.unlock(userID, func(vault *UserVault, record *UserVaultRecord) (bool, error) {
		return vault.UnlockWithRecoveryKey(recoveryKey, record)
	})
}

func (r *SessionRegistry) unlock(userID string, fn func(*UserVault, *UserVaultRecord) (bool, error)) (bool, error) {
	record, _, err := r.loadRecord(userID)
	if err != nil {
		return false, err
	}

	vault, err := NewUserVault(userID, r.options, r.audit)
	if err != nil {
		return false, err
	}
	ok, err := fn(vault, record)
	if err != nil || !ok {
		return false, err
	}

	r.adopt(vault)
	return true, nil
}

// ChangePassword re-wraps the vault key of an active session under a new
// password and persists the record.
func (r *SessionRegistry) ChangePassword(userID, newPassword string) error {
	vault, ok := r.Get(userID)
	if !ok {
		return fmt.Errorf("no session for user %s: %w", userID, ErrLocked)
	}

	return withRetry("change_password", func() error {
		record, version, err := r.loadRecord(userID)
		if err != nil {
			return err
		}
		updated, err := vault.ChangePassword(newPassword, record)
		if err != nil {
			return err
		}
		return r.saveRecord(userID, updated, version)
	})
}

// RegenerateRecoveryKey replaces the recovery key of an active session and
// returns the new key.
func (r *SessionRegistry) RegenerateRecoveryKey(userID string) (string, error) {
	vault, ok := r.Get(userID)
	if !ok {
		return "", fmt.Errorf("no session for user %s: %w", userID, ErrLocked)
	}

	var recoveryKey string
	err := withRetry("regenerate_recovery_key", func() error {
		record, version, err := r.loadRecord(userID)
		if err != nil {
			return err
		}
		updated, key, err := vault.RegenerateRecoveryKey(record)
		if err != nil {
			return err
		}
		if err = r.saveRecord(userID, updated, version); err != nil {
			return err
		}
		recoveryKey = key
		return nil
	})
	return recoveryKey, err
}

func (r *SessionRegistry) loadRecord(userID string) (*UserVaultRecord, string, error) {
	if r.store == nil {
		return nil, "", ErrNoStore
	}
	data, err := r.store.LoadUserRecord(userID)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return nil, "", ErrNoVault
		}
		return nil, "", fmt.Errorf("failed to load vault record for user %s: %w", userID, err)
	}
	record, err := ParseRecord(data.Data)
	if err != nil {
		return nil, "", err
	}
	return record, data.Version, nil
}

func (r *SessionRegistry) saveRecord(userID string, record *UserVaultRecord, expectedVersion string) error {
	data, err := MarshalRecord(record)
	if err != nil {
		return err
	}
	if _, err = r.store.SaveUserRecord(userID, data, expectedVersion); err != nil {
		if persist.IsConcurrencyError(err) {
			return err
		}
		return fmt.Errorf("failed to save vault record for user %s: %w", userID, err)
	}
	return nil
}
