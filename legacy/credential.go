// Package legacy implements the per-record credential encryption scheme that
// predates vault-based encryption of linked-account credentials.
//
// A blob is salt(16) || nonce(12) || ChaCha20-Poly1305 ciphertext, keyed by
// Argon2id over an application secret and the per-record salt.
package legacy

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"southwinds.dev/medvault/internal/crypto"
	"southwinds.dev/medvault/internal/misc"
)

// CredentialCipher encrypts and decrypts records under the legacy scheme.
type CredentialCipher struct {
	secret *memguard.Enclave
}

// NewCredentialCipher keeps the application secret in an enclave.
func NewCredentialCipher(secret string) (*CredentialCipher, error) {
	if secret == "" {
		return nil, errors.New("legacy credential secret cannot be empty")
	}
	return &CredentialCipher{secret: memguard.NewEnclave([]byte(secret))}, nil
}

// Encrypt seals plaintext with a fresh salt and nonce.
func (c *CredentialCipher) Encrypt(plaintext []byte) ([]byte, error) {
	salt := make([]byte, misc.ArgonSalt)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	aead, err := c.aead(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, len(salt)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt opens a legacy blob. Tag failures surface as crypto.ErrAuthentication.
func (c *CredentialCipher) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < misc.ArgonSalt+chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, crypto.ErrCiphertextTooShort
	}

	salt := blob[:misc.ArgonSalt]
	nonce := blob[misc.ArgonSalt : misc.ArgonSalt+chacha20poly1305.NonceSize]
	ciphertext := blob[misc.ArgonSalt+chacha20poly1305.NonceSize:]

	aead, err := c.aead(salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, crypto.ErrAuthentication
	}
	return plaintext, nil
}

func (c *CredentialCipher) aead(salt []byte) (cipher.AEAD, error) {
	secret, err := c.secret.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open secret enclave: %w", err)
	}
	defer secret.Destroy()

	key := argon2.IDKey(secret.Bytes(), salt, misc.ArgonTime, misc.ArgonMemory, misc.ArgonThreads, misc.ArgonKeyLen)
	defer memguard.WipeBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return aead, nil
}
