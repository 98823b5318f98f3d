package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"github.com/awnumar/memguard"
	"golang.org/x/crypto/pbkdf2"
	"southwinds.dev/medvault/internal/misc"
)

var (
	// ErrAuthentication is returned when an AEAD tag does not verify: wrong key or tampered data.
	ErrAuthentication = errors.New("authentication failed")

	// ErrCiphertextTooShort is returned for blobs shorter than nonce plus tag.
	ErrCiphertextTooShort = errors.New("ciphertext too short")

	// ErrWeakWorkFactor is returned when a KDF iteration count is below the floor.
	ErrWeakWorkFactor = errors.New("kdf work factor below minimum")

	// ErrInvalidKeySize is returned for keys that are not 32 bytes.
	ErrInvalidKeySize = errors.New("invalid key size")
)

// DeriveKey stretches a secret into a 32-byte key with PBKDF2-HMAC-SHA256.
// The domain tag is appended to the secret so that one secret and salt can
// yield independent keys for distinct purposes.
func DeriveKey(secret, salt, domainTag []byte, iterations int) ([]byte, error) {
	if iterations < misc.LegacyIterations {
		return nil, fmt.Errorf("%w: %d < %d", ErrWeakWorkFactor, iterations, misc.LegacyIterations)
	}
	if len(salt) == 0 {
		return nil, errors.New("salt is required")
	}

	material := make([]byte, 0, len(secret)+len(domainTag))
	material = append(material, secret...)
	material = append(material, domainTag...)
	defer memguard.WipeBytes(material)

	return pbkdf2.Key(material, salt, iterations, misc.KeySize, sha256.New), nil
}

// DeriveKeyEnclave derives a key and seals it straight into a memguard enclave,
// wiping the unprotected copy.
func DeriveKeyEnclave(secret, salt, domainTag []byte, iterations int) (*memguard.Enclave, error) {
	key, err := DeriveKey(secret, salt, domainTag, iterations)
	if err != nil {
		return nil, err
	}
	// NewEnclave wipes the source slice
	return memguard.NewEnclave(key), nil
}

// Seal encrypts plaintext with AES-256-GCM and returns nonce || ciphertext || tag.
func Seal(plaintext, key []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends to nonce so the result is nonce || ciphertext
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal. A tag mismatch yields ErrAuthentication.
func Open(blob, key []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(blob) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	nonce := blob[:aead.NonceSize()]
	ciphertext := blob[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// SealWithEnclave opens the key enclave only for the duration of the encryption.
func SealWithEnclave(plaintext []byte, enclave *memguard.Enclave) ([]byte, error) {
	if enclave == nil {
		return nil, errors.New("key enclave is nil")
	}
	buffer, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open key enclave: %w", err)
	}
	defer buffer.Destroy()

	return Seal(plaintext, buffer.Bytes())
}

// OpenWithEnclave is the decrypting counterpart of SealWithEnclave.
func OpenWithEnclave(blob []byte, enclave *memguard.Enclave) ([]byte, error) {
	if enclave == nil {
		return nil, errors.New("key enclave is nil")
	}
	buffer, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open key enclave: %w", err)
	}
	defer buffer.Destroy()

	return Open(blob, buffer.Bytes())
}

// Verifier returns a one-way SHA-256 fingerprint of a derived key.
func Verifier(key []byte) []byte {
	sum := sha256.Sum256(key)
	return sum[:]
}

// CalculateChecksum calculates the hex SHA-256 checksum of data
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ConstantTimeEqual compares two byte slices without leaking timing.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// RandomBytes reads n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// GenerateKey returns a fresh 256-bit key, redrawing weak keys.
func GenerateKey() ([]byte, error) {
	for attempt := 0; attempt < 3; attempt++ {
		key, err := RandomBytes(misc.KeySize)
		if err != nil {
			return nil, err
		}
		if !IsWeakKey(key) {
			return key, nil
		}
		memguard.WipeBytes(key)
	}
	return nil, errors.New("failed to generate a strong key")
}

func IsWeakKey(key []byte) bool {
	if len(key) < 32 {
		return true
	}

	// Check for all zeros
	allZero := true
	for _, b := range key {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return true
	}

	// Basic entropy check - count unique bytes
	uniqueBytes := make(map[byte]bool)
	for _, b := range key {
		uniqueBytes[b] = true
	}

	return len(uniqueBytes) < 16
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != misc.KeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return aead, nil
}
