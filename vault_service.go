package medvault

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Cipher is the field-encryption surface shared by GlobalVault, UserVault
// and Helper. Ciphertexts are opaque nonce||ciphertext||tag blobs with no
// framing; which key sealed a blob is not recorded in the blob.
type Cipher interface {
	// EncryptData seals a text field such as a profile attribute or a note.
	EncryptData(plaintext string) ([]byte, error)
	DecryptData(ciphertext []byte) (string, error)

	// EncryptBytes seals binary content such as an uploaded document.
	EncryptBytes(data []byte) ([]byte, error)
	DecryptBytes(ciphertext []byte) ([]byte, error)

	// EncryptJSON serialises v with encoding/json and seals the result.
	EncryptJSON(v any) ([]byte, error)
	DecryptJSON(ciphertext []byte, v any) error

	// EncryptNumber seals the shortest decimal text form of v.
	EncryptNumber(v float64) ([]byte, error)
	DecryptNumber(ciphertext []byte) (float64, error)

	// EncryptCredential seals linked-account credentials.
	EncryptCredential(plaintext []byte) ([]byte, error)
	DecryptCredential(ciphertext []byte) ([]byte, error)

	// IsUnlocked reports whether the cipher currently holds key material.
	IsUnlocked() bool
}

// keyDomain selects the subkey of a multi-key vault. Single-key vaults ignore it.
type keyDomain int

const (
	domainData keyDomain = iota
	domainDocuments
	domainCredentials
)

// domainTag is appended to the master secret when deriving the subkey.
func (d keyDomain) tag() []byte {
	switch d {
	case domainDocuments:
		return []byte("documents")
	case domainCredentials:
		return []byte("credentials")
	default:
		return []byte("data")
	}
}

func (d keyDomain) String() string {
	return string(d.tag())
}

// sealer is the key-holding half of a vault.
type sealer interface {
	seal(domain keyDomain, plaintext []byte) ([]byte, error)
	open(domain keyDomain, ciphertext []byte) ([]byte, error)
}

// fieldCodec turns typed values into bytes and back on top of a sealer.
type fieldCodec struct {
	s sealer
}

func (c fieldCodec) EncryptData(plaintext string) ([]byte, error) {
	return c.s.seal(domainData, []byte(plaintext))
}

func (c fieldCodec) DecryptData(ciphertext []byte) (string, error) {
	plain, err := c.s.open(domainData, ciphertext)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func (c fieldCodec) EncryptBytes(data []byte) ([]byte, error) {
	return c.s.seal(domainDocuments, data)
}

func (c fieldCodec) DecryptBytes(ciphertext []byte) ([]byte, error) {
	return c.s.open(domainDocuments, ciphertext)
}

func (c fieldCodec) EncryptJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize value: %w", err)
	}
	return c.s.seal(domainData, data)
}

func (c fieldCodec) DecryptJSON(ciphertext []byte, v any) error {
	plain, err := c.s.open(domainData, ciphertext)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(plain, v); err != nil {
		return fmt.Errorf("failed to deserialize value: %w", err)
	}
	return nil
}

func (c fieldCodec) EncryptNumber(v float64) ([]byte, error) {
	return c.s.seal(domainData, []byte(strconv.FormatFloat(v, 'g', -1, 64)))
}

func (c fieldCodec) DecryptNumber(ciphertext []byte) (float64, error) {
	plain, err := c.s.open(domainData, ciphertext)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(string(plain), 64)
	if err != nil {
		return 0, fmt.Errorf("decrypted value is not a number: %w", err)
	}
	return v, nil
}

func (c fieldCodec) EncryptCredential(plaintext []byte) ([]byte, error) {
	return c.s.seal(domainCredentials, plaintext)
}

func (c fieldCodec) DecryptCredential(ciphertext []byte) ([]byte, error) {
	return c.s.open(domainCredentials, ciphertext)
}
