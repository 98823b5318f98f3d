package medvault

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"southwinds.dev/medvault/audit"
	"southwinds.dev/medvault/internal/crypto"
	"southwinds.dev/medvault/internal/mem"
	"southwinds.dev/medvault/internal/misc"
	"southwinds.dev/medvault/persist"
)

// VaultState is the lifecycle state of the global vault.
type VaultState int

const (
	StateNotConfigured VaultState = iota
	StateLocked
	StateUnlocked
)

func (s VaultState) String() string {
	switch s {
	case StateLocked:
		return "locked"
	case StateUnlocked:
		return "unlocked"
	default:
		return "not_configured"
	}
}

// GlobalVault protects data with keys derived from a single operator-held
// master password. It predates per-user vaults and remains the fallback
// path for data that has not been migrated.
//
// Lifecycle:
//
//	NotConfigured --Initialize--> Unlocked
//	Locked --Unlock(correct)--> Unlocked
//	Unlocked --Lock--> Locked
//
// Unlocked state lives only in memory; a new process always starts Locked.
// Four keys are held while unlocked: the master key and the credentials,
// documents and data subkeys, each derived with its own domain tag.
type GlobalVault struct {
	fieldCodec

	mu      sync.RWMutex
	store   persist.Store
	options Options
	audit   audit.Logger

	masterKey *memguard.Enclave
	subkeys   map[keyDomain]*memguard.Enclave

	memoryProtectionLevel mem.ProtectionLevel
}

var _ Cipher = (*GlobalVault)(nil)

// NewGlobalVault binds a global vault to its store. A nil audit logger
// disables auditing.
func NewGlobalVault(options Options, store persist.Store, auditLogger audit.Logger) (*GlobalVault, error) {
	if store == nil {
		return nil, ErrNoStore
	}
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	options = options.withDefaults()
	v := &GlobalVault{
		store:                 store,
		options:               options,
		audit:                 auditLogger,
		memoryProtectionLevel: lockMemory(options),
	}
	v.fieldCodec = fieldCodec{s: v}
	return v, nil
}

// IsConfigured reports whether a vault config has been persisted.
func (v *GlobalVault) IsConfigured() (bool, error) {
	exists, err := v.store.VaultConfigExists()
	if err != nil {
		return false, fmt.Errorf("failed to check vault config: %w", err)
	}
	return exists, nil
}

// State returns the lifecycle state. Store errors are reported as Locked.
func (v *GlobalVault) State() VaultState {
	if v.IsUnlocked() {
		return StateUnlocked
	}
	configured, err := v.IsConfigured()
	if err == nil && !configured {
		return StateNotConfigured
	}
	return StateLocked
}

// IsUnlocked reports whether the vault holds its keys.
func (v *GlobalVault) IsUnlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.masterKey != nil
}

// Initialize configures the vault with a new master password and leaves it
// unlocked. It fails with ErrAlreadyConfigured when a config exists and with
// ErrPasswordTooShort below the configured minimum length.
func (v *GlobalVault) Initialize(masterPassword string) error {
	requestID := newRequestID()

	v.mu.Lock()
	defer v.mu.Unlock()

	err := v.initialize(masterPassword)
	logAudit(v.audit, v.options.Logger, requestID, "GLOBAL_VAULT_INITIALIZED", "", err, map[string]interface{}{
		"iterations": v.options.GlobalIterations,
	})
	return err
}

func (v *GlobalVault) initialize(masterPassword string) error {
	configured, err := v.IsConfigured()
	if err != nil {
		return err
	}
	if configured {
		return ErrAlreadyConfigured
	}
	if len(masterPassword) < v.options.MinMasterPasswordLength {
		return fmt.Errorf("%w: master password needs at least %d characters",
			ErrPasswordTooShort, v.options.MinMasterPasswordLength)
	}

	salt, err := crypto.RandomBytes(misc.SaltSize)
	if err != nil {
		return err
	}

	password := []byte(masterPassword)
	defer memguard.WipeBytes(password)

	masterKey, err := crypto.DeriveKey(password, salt, nil, v.options.GlobalIterations)
	if err != nil {
		return fmt.Errorf("failed to derive master key: %w", err)
	}

	config := VaultConfig{
		Version:       CurrentRecordVersion,
		Iterations:    v.options.GlobalIterations,
		Salt:          base64.StdEncoding.EncodeToString(salt),
		MasterKeyHash: base64.StdEncoding.EncodeToString(crypto.Verifier(masterKey)),
		CreatedAt:     time.Now().UTC(),
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		memguard.WipeBytes(masterKey)
		return err
	}

	if _, err = v.store.SaveVaultConfig(data, persist.CreateOnly); err != nil {
		memguard.WipeBytes(masterKey)
		if persist.IsConcurrencyError(err) {
			return ErrAlreadyConfigured
		}
		return fmt.Errorf("failed to persist vault config: %w", err)
	}

	subkeys, err := deriveSubkeys(password, salt, v.options.GlobalIterations)
	if err != nil {
		memguard.WipeBytes(masterKey)
		return err
	}

	v.masterKey = memguard.NewEnclave(masterKey)
	v.subkeys = subkeys
	return nil
}

// Unlock derives the master key and compares its verifier with the stored
// one in constant time. A wrong password returns (false, nil) and leaves the
// vault locked; ErrNotConfigured is returned before Initialize.
func (v *GlobalVault) Unlock(masterPassword string) (bool, error) {
	requestID := newRequestID()

	data, err := v.store.LoadVaultConfig()
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			logAudit(v.audit, v.options.Logger, requestID, "GLOBAL_VAULT_UNLOCK_FAILED", "", ErrNotConfigured, nil)
			return false, ErrNotConfigured
		}
		return false, fmt.Errorf("failed to load vault config: %w", err)
	}

	config, salt, verifier, err := parseVaultConfig(data.Data)
	if err != nil {
		return false, err
	}

	password := []byte(masterPassword)
	defer memguard.WipeBytes(password)

	// derivation runs outside the lock so concurrent readers are not stalled
	masterKey, err := crypto.DeriveKey(password, salt, nil, config.Iterations)
	if err != nil {
		return false, fmt.Errorf("failed to derive master key: %w", err)
	}

	if !crypto.ConstantTimeEqual(crypto.Verifier(masterKey), verifier) {
		memguard.WipeBytes(masterKey)
		logAudit(v.audit, v.options.Logger, requestID, "GLOBAL_VAULT_UNLOCK_FAILED", "", nil, map[string]interface{}{
			"reason": "wrong_password",
		})
		return false, nil
	}

	subkeys, err := deriveSubkeys(password, salt, config.Iterations)
	if err != nil {
		memguard.WipeBytes(masterKey)
		return false, err
	}

	v.mu.Lock()
	v.masterKey = memguard.NewEnclave(masterKey)
	v.subkeys = subkeys
	v.mu.Unlock()

	logAudit(v.audit, v.options.Logger, requestID, "GLOBAL_VAULT_UNLOCK", "", nil, nil)
	return true, nil
}

// Lock discards all key material.
func (v *GlobalVault) Lock() {
	v.mu.Lock()
	wasUnlocked := v.masterKey != nil
	v.masterKey = nil
	v.subkeys = nil
	v.mu.Unlock()

	if wasUnlocked {
		logAudit(v.audit, v.options.Logger, newRequestID(), "GLOBAL_VAULT_LOCKED", "", nil, nil)
	}
}

// MemoryProtection reports the memory protection level in effect.
func (v *GlobalVault) MemoryProtection() string {
	return v.memoryProtectionLevel.String()
}

func (v *GlobalVault) seal(domain keyDomain, plaintext []byte) ([]byte, error) {
	enclave, err := v.subkey(domain)
	if err != nil {
		return nil, err
	}
	return crypto.SealWithEnclave(plaintext, enclave)
}

func (v *GlobalVault) open(domain keyDomain, ciphertext []byte) ([]byte, error) {
	enclave, err := v.subkey(domain)
	if err != nil {
		return nil, err
	}
	plain, err := crypto.OpenWithEnclave(ciphertext, enclave)
	if err != nil {
		return nil, decryptionError(err)
	}
	return plain, nil
}

func (v *GlobalVault) subkey(domain keyDomain) (*memguard.Enclave, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.masterKey == nil {
		return nil, fmt.Errorf("global %w", ErrLocked)
	}
	enclave, ok := v.subkeys[domain]
	if !ok {
		return nil, fmt.Errorf("no %s key loaded", domain)
	}
	return enclave, nil
}

func deriveSubkeys(password, salt []byte, iterations int) (map[keyDomain]*memguard.Enclave, error) {
	subkeys := make(map[keyDomain]*memguard.Enclave, 3)
	for _, domain := range []keyDomain{domainCredentials, domainDocuments, domainData} {
		enclave, err := crypto.DeriveKeyEnclave(password, salt, domain.tag(), iterations)
		if err != nil {
			return nil, fmt.Errorf("failed to derive %s key: %w", domain, err)
		}
		subkeys[domain] = enclave
	}
	return subkeys, nil
}
