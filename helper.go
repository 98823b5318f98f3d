package medvault

import "errors"

// Helper encrypts and decrypts one user's fields with whichever vault is
// available. New data goes to the user's vault when a session exists and to
// the global vault otherwise.
//
// Ciphertexts do not record which key sealed them, so decryption tries the
// user vault first and then the global vault. When both paths fail the
// returned *DecryptError says why:
//
//	user locked,   global locked                -> ErrNotAvailable
//	user unlocked, global locked,   user failed -> ErrLegacyDataNeedsGlobalUnlock
//	user unlocked, global unlocked, both failed -> ErrKeyMismatch
//	user locked,   global unlocked, global failed -> ErrUserVaultLocked
type Helper struct {
	fieldCodec

	userID   string
	registry *SessionRegistry
	global   *GlobalVault
}

var _ Cipher = (*Helper)(nil)

// NewHelper binds a helper to a user. registry and global may each be nil,
// in which case that path is never used.
func NewHelper(userID string, registry *SessionRegistry, global *GlobalVault) *Helper {
	h := &Helper{
		userID:   userID,
		registry: registry,
		global:   global,
	}
	h.fieldCodec = fieldCodec{s: h}
	return h
}

// IsAvailable reports whether either vault can be used.
func (h *Helper) IsAvailable() bool {
	_, userOK := h.userVault()
	return userOK || h.globalUnlocked()
}

// IsUnlocked is IsAvailable; it lets a Helper stand in for a vault.
func (h *Helper) IsUnlocked() bool {
	return h.IsAvailable()
}

// UsesUserVault reports whether new data would be sealed by the user vault.
func (h *Helper) UsesUserVault() bool {
	_, ok := h.userVault()
	return ok
}

func (h *Helper) userVault() (*UserVault, bool) {
	if h.registry == nil {
		return nil, false
	}
	return h.registry.Get(h.userID)
}

func (h *Helper) globalUnlocked() bool {
	return h.global != nil && h.global.IsUnlocked()
}

func (h *Helper) seal(domain keyDomain, plaintext []byte) ([]byte, error) {
	if user, ok := h.userVault(); ok {
		return user.seal(domain, plaintext)
	}
	if h.globalUnlocked() {
		return h.global.seal(domain, plaintext)
	}
	return nil, ErrNotAvailable
}

func (h *Helper) open(domain keyDomain, ciphertext []byte) ([]byte, error) {
	user, _ := h.userVault()
	return h.openWith(user, domain, ciphertext)
}

// openWith decrypts with user, which may be nil, and then the global vault.
// A vault that turns out to be locked when it is used counts as locked for
// the failure reason.
func (h *Helper) openWith(user *UserVault, domain keyDomain, ciphertext []byte) ([]byte, error) {
	userOK := user != nil
	globalOK := h.globalUnlocked()
	if !userOK && !globalOK {
		return nil, &DecryptError{Reason: ErrNotAvailable}
	}

	var userErr, globalErr error
	if userOK {
		plain, err := user.open(domain, ciphertext)
		if err == nil {
			return plain, nil
		}
		userErr = err
		userOK = !errors.Is(err, ErrLocked)
	}
	if globalOK {
		plain, err := h.global.open(domain, ciphertext)
		if err == nil {
			return plain, nil
		}
		globalErr = err
		globalOK = !errors.Is(err, ErrLocked)
	}

	reason := ErrUserVaultLocked
	switch {
	case userOK && globalOK:
		reason = ErrKeyMismatch
	case userOK:
		reason = ErrLegacyDataNeedsGlobalUnlock
	case !globalOK:
		reason = ErrNotAvailable
	}
	return nil, &DecryptError{Reason: reason, UserErr: userErr, GlobalErr: globalErr}
}
