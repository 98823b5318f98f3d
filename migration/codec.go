package migration

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"southwinds.dev/medvault"
	"southwinds.dev/medvault/records"
)

var (
	// ErrGlobalLocked is recorded for items whose legacy ciphertext needs
	// the global vault while it is locked or absent.
	ErrGlobalLocked = errors.New("global vault is locked")

	// ErrNoLegacyCipher is recorded for legacy credentials when the service
	// has no legacy credential secret.
	ErrNoLegacyCipher = errors.New("legacy credential cipher not configured")

	// ErrUnknownScheme is recorded for legacy ciphertext with an unrecognised scheme.
	ErrUnknownScheme = errors.New("unknown legacy scheme")

	// ErrMalformedValue is recorded when a recovered value does not match its kind.
	ErrMalformedValue = errors.New("value does not match its kind")
)

// recoverPlaintext returns the item's value from the plaintext column or by
// decrypting the legacy ciphertext. The plaintext column wins when both exist.
func (s *Service) recoverPlaintext(item *records.Item) ([]byte, error) {
	if item.Plaintext != nil {
		return item.Plaintext, nil
	}
	if item.LegacyCiphertext == nil {
		return nil, errors.New("item has no source value")
	}

	switch item.Scheme {
	case records.SchemeGlobal:
		return s.globalOpen(item)
	case records.SchemeLegacy:
		if s.legacy == nil {
			return nil, ErrNoLegacyCipher
		}
		return s.legacy.Decrypt(item.LegacyCiphertext)
	case records.SchemeLegacyGlobal:
		if s.legacy == nil {
			return nil, ErrNoLegacyCipher
		}
		if err := s.requireGlobal(); err != nil {
			return nil, err
		}
		inner, err := s.global.DecryptCredential(item.LegacyCiphertext)
		if err != nil {
			return nil, fmt.Errorf("global layer: %w", err)
		}
		plain, err := s.legacy.Decrypt(inner)
		if err != nil {
			return nil, fmt.Errorf("legacy layer: %w", err)
		}
		return plain, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownScheme, item.Scheme)
	}
}

func (s *Service) requireGlobal() error {
	if s.global == nil || !s.global.IsUnlocked() {
		return ErrGlobalLocked
	}
	return nil
}

// globalOpen uses the global subkey matching the item's category.
func (s *Service) globalOpen(item *records.Item) ([]byte, error) {
	if err := s.requireGlobal(); err != nil {
		return nil, err
	}
	switch {
	case item.Category == records.CategoryLinkedCredentials:
		return s.global.DecryptCredential(item.LegacyCiphertext)
	case item.Category == records.CategoryDocuments || item.Kind == records.KindBytes:
		return s.global.DecryptBytes(item.LegacyCiphertext)
	default:
		plain, err := s.global.DecryptData(item.LegacyCiphertext)
		if err != nil {
			return nil, err
		}
		return []byte(plain), nil
	}
}

// seal encrypts a recovered value with the target method matching the
// item's category and kind.
func seal(target medvault.Cipher, item *records.Item, plaintext []byte) ([]byte, error) {
	switch {
	case item.Category == records.CategoryLinkedCredentials:
		return target.EncryptCredential(plaintext)
	case item.Kind == records.KindBytes:
		return target.EncryptBytes(plaintext)
	case item.Kind == records.KindNumber:
		v, err := strconv.ParseFloat(string(plaintext), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: not a number", ErrMalformedValue)
		}
		return target.EncryptNumber(v)
	case item.Kind == records.KindJSON:
		if !json.Valid(plaintext) {
			return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedValue)
		}
		return target.EncryptJSON(json.RawMessage(plaintext))
	default:
		return target.EncryptData(string(plaintext))
	}
}

// verify checks that ciphertext opens under target with the method seal used.
func verify(target medvault.Cipher, item *records.Item, ciphertext []byte) error {
	var err error
	switch {
	case item.Category == records.CategoryLinkedCredentials:
		_, err = target.DecryptCredential(ciphertext)
	case item.Kind == records.KindBytes:
		_, err = target.DecryptBytes(ciphertext)
	case item.Kind == records.KindNumber:
		_, err = target.DecryptNumber(ciphertext)
	case item.Kind == records.KindJSON:
		var raw json.RawMessage
		err = target.DecryptJSON(ciphertext, &raw)
	default:
		_, err = target.DecryptData(ciphertext)
	}
	return err
}
