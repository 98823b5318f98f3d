package persist

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a vault config or user record is absent.
var ErrNotFound = errors.New("not found")

// CreateOnly is the expected version of a save that must not replace an
// existing item.
const CreateOnly = "<create-only>"

// VersionedData represents data with its version information
type VersionedData struct {
	Data      []byte
	Version   string // ETag or content hash
	Timestamp time.Time
}

// Store persists the durable vault state: the global vault configuration
// and one vault record per user. Payloads are opaque serialized documents;
// they hold salts, verifiers and wrapped keys, never plaintext keys.
//
// Save operations take the version the caller last observed. An empty
// expected version skips the check, CreateOnly requires that nothing is
// stored yet; a mismatch yields ConcurrencyError.
type Store interface {
	// Global vault

	SaveVaultConfig(data []byte, expectedVersion string) (newVersion string, err error)

	// LoadVaultConfig returns ErrNotFound before the global vault is initialised.
	LoadVaultConfig() (*VersionedData, error)

	VaultConfigExists() (bool, error)

	// Per-user vault records

	SaveUserRecord(userID string, data []byte, expectedVersion string) (newVersion string, err error)

	// LoadUserRecord returns ErrNotFound for users without a vault.
	LoadUserRecord(userID string) (*VersionedData, error)

	UserRecordExists(userID string) (bool, error)

	// DeleteUserRecord returns ErrNotFound when nothing was deleted.
	DeleteUserRecord(userID string) error

	// ListUsers returns the sorted IDs of users with a vault record.
	ListUsers() ([]string, error)

	// Health and utilities

	// Ping tests the connectivity for remote backends.
	Ping() error

	// Close releases any resources held by the store.
	Close() error

	// GetType returns the backend name.
	GetType() string
}

// StoreConfig selects and configures a storage backend.
//
//	config := StoreConfig{
//	    Type:   StoreTypeFileSystem,
//	    Config: map[string]interface{}{"base_path": "/var/lib/medvault"},
//	}
type StoreConfig struct {
	// Type must be one of the StoreType constants.
	Type StoreType `json:"type" yaml:"type"`

	// Config holds backend specific settings, e.g. "base_path" for the file
	// system store or "Endpoint"/"Bucket" for S3.
	Config map[string]interface{} `json:"config" yaml:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

const (
	StoreTypeFileSystem StoreType = "filesystem"
	StoreTypeS3         StoreType = "s3"
	StoreTypeMemory     StoreType = "memory"
)

// StoreInfo describes a store layout; it is written once when a store is
// first opened and its last access time is refreshed on Close.
type StoreInfo struct {
	Version    string    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
	Structure  string    `json:"structure_version"`
}

const (
	storeInfoVersion   = "1.0.0"
	storeInfoStructure = "v1"
)

func newStoreInfo() StoreInfo {
	now := time.Now().UTC()
	return StoreInfo{
		Version:    storeInfoVersion,
		CreatedAt:  now,
		LastAccess: now,
		Structure:  storeInfoStructure,
	}
}

// ConcurrencyError represents version conflict errors
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}

// IsConcurrencyError reports whether err is, or wraps, a version conflict.
func IsConcurrencyError(err error) bool {
	var concErr ConcurrencyError
	return errors.As(err, &concErr)
}
