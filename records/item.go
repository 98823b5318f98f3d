// Package records is the storage boundary for encrypted health data. It
// keeps each sensitive field as an item row that may hold a plaintext
// value, a ciphertext in an older scheme, and the per-user vault
// ciphertext that replaces both.
package records

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get for unknown items.
var ErrNotFound = errors.New("record not found")

// Category groups items by the entity they belong to.
type Category string

const (
	CategoryDocuments         Category = "documents"
	CategoryBiomarkers        Category = "biomarkers"
	CategoryProfileFields     Category = "profile_fields"
	CategoryHealthReports     Category = "health_reports"
	CategoryLinkedCredentials Category = "linked_credentials"
)

// Categories returns every category in migration order.
func Categories() []Category {
	return []Category{
		CategoryDocuments,
		CategoryBiomarkers,
		CategoryProfileFields,
		CategoryHealthReports,
		CategoryLinkedCredentials,
	}
}

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories() {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// ValueKind is the type of the decrypted value.
type ValueKind string

const (
	KindString ValueKind = "string"
	KindBytes  ValueKind = "bytes"
	KindNumber ValueKind = "number"
	KindJSON   ValueKind = "json"
)

// LegacyScheme names how LegacyCiphertext was produced.
type LegacyScheme string

const (
	// SchemeNone means the item has no legacy ciphertext.
	SchemeNone LegacyScheme = ""
	// SchemeGlobal is ciphertext of the global vault.
	SchemeGlobal LegacyScheme = "global"
	// SchemeLegacy is the standalone per-record credential cipher.
	SchemeLegacy LegacyScheme = "legacy"
	// SchemeLegacyGlobal is a legacy credential blob sealed again by the
	// global vault's credential key.
	SchemeLegacyGlobal LegacyScheme = "legacy+global"
)

// Item is one sensitive field. Plaintext and LegacyCiphertext are the
// sources a migration reads; VaultCiphertext is its output. A nil slice is
// an absent (NULL) column, a non-nil empty slice an empty value.
type Item struct {
	Category         Category
	ID               string
	UserID           string
	Label            string
	Kind             ValueKind
	Plaintext        []byte
	LegacyCiphertext []byte
	Scheme           LegacyScheme
	VaultCiphertext  []byte
}

// HasSource reports whether the item still carries a plaintext or legacy value.
func (i *Item) HasSource() bool {
	return i.Plaintext != nil || i.LegacyCiphertext != nil
}

// Repository reads items and hands out transactional writers.
//
// Pending and Encrypted page by item ID: they return up to limit items of
// one user and category with ID > afterID, ordered by ID.
type Repository interface {
	Insert(ctx context.Context, item *Item) error
	Get(ctx context.Context, category Category, id string) (*Item, error)

	// Pending lists items with a source value and no vault ciphertext.
	Pending(ctx context.Context, userID string, category Category, afterID string, limit int) ([]*Item, error)

	// Encrypted lists items that already hold vault ciphertext.
	Encrypted(ctx context.Context, userID string, category Category, afterID string, limit int) ([]*Item, error)

	// WithTx runs fn in a transaction, committing when it returns nil.
	WithTx(ctx context.Context, fn func(ctx context.Context, w Writer) error) error

	Close() error
}

// Writer updates items inside a transaction.
type Writer interface {
	// SaveVaultCiphertext stores the vault ciphertext of an item. With
	// clearSource the plaintext and legacy columns are set to NULL.
	SaveVaultCiphertext(ctx context.Context, category Category, id string, ciphertext []byte, clearSource bool) error
}
