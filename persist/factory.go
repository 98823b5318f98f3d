package persist

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
)

// NewStore factory function to create storage backends
func NewStore(config StoreConfig) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		basePath, ok := config.Config["base_path"].(string)
		if !ok || basePath == "" {
			return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
		}
		return NewFileSystemStore(basePath)

	case StoreTypeS3:
		return NewS3StoreFromConfig(config)

	case StoreTypeMemory:
		return NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// validateUserID guards object keys and file names built from user IDs
func validateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("user ID cannot be empty")
	}

	if strings.Contains(userID, "..") ||
		strings.ContainsAny(userID, "/\\ \x00") {
		return fmt.Errorf("user ID contains invalid characters")
	}

	if len(userID) > 128 {
		return fmt.Errorf("user ID too long (max 128 characters)")
	}

	return nil
}

// versionMatches applies the expected-version rules of Store saves. actual
// is empty when nothing is stored.
func versionMatches(expected, actual string) bool {
	switch expected {
	case "":
		return true
	case CreateOnly:
		return actual == ""
	default:
		return actual == expected
	}
}

// contentVersion uses the MD5 of the payload as its version identifier
func contentVersion(data []byte) string {
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}
