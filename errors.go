package medvault

import (
	"errors"
	"fmt"

	"southwinds.dev/medvault/internal/crypto"
)

var (
	// ErrNotConfigured is returned by GlobalVault.Unlock before Initialize.
	ErrNotConfigured = errors.New("global vault is not configured")

	// ErrAlreadyConfigured is returned by GlobalVault.Initialize when a config exists.
	ErrAlreadyConfigured = errors.New("global vault is already configured")

	// ErrLocked is returned by field operations and key changes on a locked vault.
	ErrLocked = errors.New("vault is locked")

	// ErrPasswordTooShort is returned when a password is below the configured minimum.
	ErrPasswordTooShort = errors.New("password too short")

	// ErrDecryption marks ciphertext that fails authentication under the
	// key in use, whether it was tampered with or sealed by another key.
	ErrDecryption = crypto.ErrAuthentication

	// ErrVaultExists is returned when setting up a user vault that already exists.
	ErrVaultExists = errors.New("user vault already exists")

	// ErrNoVault is returned for users without a vault record.
	ErrNoVault = errors.New("user vault does not exist")

	// ErrUnsupportedRecordVersion is returned for records written by a newer release.
	ErrUnsupportedRecordVersion = errors.New("unsupported vault record version")

	// ErrInvalidRecord is returned for records with malformed fields.
	ErrInvalidRecord = errors.New("invalid vault record")

	// ErrNoStore is returned by store-backed operations on a registry without a store.
	ErrNoStore = errors.New("no persistence store configured")
)

// Dual-path failure reasons reported by Helper through DecryptError.
var (
	// ErrNotAvailable: neither vault is unlocked.
	ErrNotAvailable = errors.New("encryption not available: no vault is unlocked")

	// ErrLegacyDataNeedsGlobalUnlock: the user vault cannot read the value
	// and the global vault that probably sealed it is locked.
	ErrLegacyDataNeedsGlobalUnlock = errors.New("data was encrypted by the global vault, which is locked")

	// ErrKeyMismatch: both vaults are unlocked and neither can read the value.
	ErrKeyMismatch = errors.New("data cannot be decrypted by the user or the global vault")

	// ErrUserVaultLocked: the global vault cannot read the value and the user
	// vault that probably sealed it is locked.
	ErrUserVaultLocked = errors.New("data was encrypted by the user vault, which is locked")
)

// DecryptError reports a dual-path decryption failure. Reason is one of the
// Helper failure sentinels; the per-path errors are kept for diagnostics.
type DecryptError struct {
	Reason    error
	UserErr   error
	GlobalErr error
}

func (e *DecryptError) Error() string {
	switch {
	case e.UserErr != nil && e.GlobalErr != nil:
		return fmt.Sprintf("%v (user vault: %v; global vault: %v)", e.Reason, e.UserErr, e.GlobalErr)
	case e.UserErr != nil:
		return fmt.Sprintf("%v (user vault: %v)", e.Reason, e.UserErr)
	case e.GlobalErr != nil:
		return fmt.Sprintf("%v (global vault: %v)", e.Reason, e.GlobalErr)
	default:
		return e.Reason.Error()
	}
}

func (e *DecryptError) Unwrap() error {
	return e.Reason
}

// decryptionError maps primitive failures onto ErrDecryption so callers only
// need one sentinel for "this key cannot read this blob".
func decryptionError(err error) error {
	if errors.Is(err, crypto.ErrCiphertextTooShort) {
		return fmt.Errorf("%w: %w", ErrDecryption, err)
	}
	return err
}
