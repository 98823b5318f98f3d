package medvault

import (
	"fmt"
	"os"

	"southwinds.dev/medvault/internal/misc"
	"southwinds.dev/medvault/logging"
)

const (
	// DefaultMinMasterPasswordLength is the floor for the global master password.
	DefaultMinMasterPasswordLength = 16

	// DefaultMinUserPasswordLength is the floor for per-user vault passwords.
	DefaultMinUserPasswordLength = 8
)

// Options tunes vault behaviour. Zero values take the defaults; values may
// only strengthen the defaults, never weaken them.
type Options struct {
	// MinMasterPasswordLength applies to GlobalVault.Initialize.
	MinMasterPasswordLength int `json:"min_master_password_length" yaml:"min_master_password_length"`

	// MinUserPasswordLength applies to user vault setup and password changes.
	MinUserPasswordLength int `json:"min_user_password_length" yaml:"min_user_password_length"`

	// GlobalIterations is the PBKDF2 work factor used when the global vault
	// is initialised. It is persisted in the vault config and read back on unlock.
	GlobalIterations int `json:"global_iterations" yaml:"global_iterations"`

	// WrapIterations is the PBKDF2 work factor of user wrapping keys. A record
	// stores the value it was wrapped with.
	WrapIterations int `json:"wrap_iterations" yaml:"wrap_iterations"`

	// EnableMemoryLock asks the process to mlock its memory on construction.
	EnableMemoryLock bool `json:"enable_memory_lock" yaml:"enable_memory_lock"`

	// Logger receives diagnostics such as audit sink failures. Defaults to
	// warnings on stderr.
	Logger logging.Logger `json:"-" yaml:"-"`
}

var defaultLogger logging.Logger = logging.New(os.Stderr, "warn", true)

// DefaultOptions returns the recommended settings.
func DefaultOptions() Options {
	return Options{
		MinMasterPasswordLength: DefaultMinMasterPasswordLength,
		MinUserPasswordLength:   DefaultMinUserPasswordLength,
		GlobalIterations:        misc.LegacyIterations,
		WrapIterations:          misc.WrapIterations,
	}
}

// withDefaults fills zero fields from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MinMasterPasswordLength == 0 {
		o.MinMasterPasswordLength = d.MinMasterPasswordLength
	}
	if o.MinUserPasswordLength == 0 {
		o.MinUserPasswordLength = d.MinUserPasswordLength
	}
	if o.GlobalIterations == 0 {
		o.GlobalIterations = d.GlobalIterations
	}
	if o.WrapIterations == 0 {
		o.WrapIterations = d.WrapIterations
	}
	if o.Logger == nil {
		o.Logger = defaultLogger
	}
	return o
}

// Validate rejects settings weaker than the defaults.
func (o Options) Validate() error {
	o = o.withDefaults()
	if o.MinMasterPasswordLength < DefaultMinMasterPasswordLength {
		return fmt.Errorf("min master password length %d is below %d", o.MinMasterPasswordLength, DefaultMinMasterPasswordLength)
	}
	if o.MinUserPasswordLength < DefaultMinUserPasswordLength {
		return fmt.Errorf("min user password length %d is below %d", o.MinUserPasswordLength, DefaultMinUserPasswordLength)
	}
	if o.GlobalIterations < misc.LegacyIterations {
		return fmt.Errorf("global iterations %d are below %d", o.GlobalIterations, misc.LegacyIterations)
	}
	if o.WrapIterations < misc.WrapIterations {
		return fmt.Errorf("wrap iterations %d are below %d", o.WrapIterations, misc.WrapIterations)
	}
	return nil
}
