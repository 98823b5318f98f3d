package misc

const (
	// KeySize is the length of every symmetric key in bytes (AES-256).
	KeySize = 32

	// SaltSize is the length of every KDF salt in bytes.
	SaltSize = 32

	// NonceSize is the AES-GCM nonce length.
	NonceSize = 12

	// TagSize is the AES-GCM authentication tag length.
	TagSize = 16

	// LegacyIterations is the PBKDF2 work factor for the global vault.
	LegacyIterations = 100_000

	// WrapIterations is the PBKDF2 work factor for per-user wrapping keys.
	WrapIterations = 600_000

	// RecoveryKeySize is the raw entropy of a recovery key in bytes.
	RecoveryKeySize = 32

	// RecoveryGroupSize is the number of characters per dash-separated group.
	RecoveryGroupSize = 4

	// Argon2id parameters of the legacy credential scheme
	ArgonTime    uint32 = 1
	ArgonMemory  uint32 = 64 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32
	ArgonSalt           = 16

	FilePermissions = 0600 // user read + write
)
