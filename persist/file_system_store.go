package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700

	recordExt = ".json"
)

// FileSystemStore implements Store on a local directory:
//
//	basePath/
//	├── store.json     # StoreInfo
//	├── vault.json     # global vault configuration
//	└── users/
//	    └── <userID>.json
type FileSystemStore struct {
	basePath    string
	usersDir    string
	storeInfo   string
	vaultConfig string

	// serialises check-then-write so expected versions hold within a process
	mu sync.Mutex
}

// NewFileSystemStore initializes and returns a new instance of FileSystemStore
func NewFileSystemStore(basePath string) (*FileSystemStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}

	fs := &FileSystemStore{
		basePath:    basePath,
		usersDir:    filepath.Join(basePath, "users"),
		storeInfo:   filepath.Join(basePath, "store.json"),
		vaultConfig: filepath.Join(basePath, "vault.json"),
	}

	for _, dir := range []string{fs.basePath, fs.usersDir} {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := fs.initializeStoreInfo(); err != nil {
		return nil, fmt.Errorf("failed to initialize store info: %w", err)
	}

	return fs, nil
}

func (fs *FileSystemStore) initializeStoreInfo() error {
	if _, err := os.Stat(fs.storeInfo); os.IsNotExist(err) {
		data, err := json.MarshalIndent(newStoreInfo(), "", "  ")
		if err != nil {
			return err
		}
		return writeSecureFile(fs.storeInfo, data, FilePermissions)
	}
	return nil
}

func (fs *FileSystemStore) SaveVaultConfig(data []byte, expectedVersion string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("vault config cannot be empty")
	}
	return fs.saveVersioned(fs.vaultConfig, data, expectedVersion, "SaveVaultConfig")
}

func (fs *FileSystemStore) LoadVaultConfig() (*VersionedData, error) {
	return fs.loadVersioned(fs.vaultConfig, "vault config")
}

func (fs *FileSystemStore) VaultConfigExists() (bool, error) {
	return fileExists(fs.vaultConfig)
}

func (fs *FileSystemStore) SaveUserRecord(userID string, data []byte, expectedVersion string) (string, error) {
	if err := validateUserID(userID); err != nil {
		return "", fmt.Errorf("invalid user ID: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("user record cannot be empty")
	}
	return fs.saveVersioned(fs.userPath(userID), data, expectedVersion, "SaveUserRecord")
}

func (fs *FileSystemStore) LoadUserRecord(userID string) (*VersionedData, error) {
	if err := validateUserID(userID); err != nil {
		return nil, fmt.Errorf("invalid user ID: %w", err)
	}
	return fs.loadVersioned(fs.userPath(userID), "user record "+userID)
}

func (fs *FileSystemStore) UserRecordExists(userID string) (bool, error) {
	if err := validateUserID(userID); err != nil {
		return false, fmt.Errorf("invalid user ID: %w", err)
	}
	return fileExists(fs.userPath(userID))
}

func (fs *FileSystemStore) DeleteUserRecord(userID string) error {
	if err := validateUserID(userID); err != nil {
		return fmt.Errorf("invalid user ID: %w", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.Remove(fs.userPath(userID)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("user record %s: %w", userID, ErrNotFound)
		}
		return fmt.Errorf("failed to delete user record: %w", err)
	}
	return nil
}

// ListUsers returns all users that have a vault record
func (fs *FileSystemStore) ListUsers() ([]string, error) {
	entries, err := os.ReadDir(fs.usersDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read users directory: %w", err)
	}

	users := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, recordExt) || strings.HasPrefix(name, ".") {
			continue
		}
		users = append(users, strings.TrimSuffix(name, recordExt))
	}

	sort.Strings(users)
	return users, nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.basePath)
	return err
}

// Close refreshes the last access time in store.json
func (fs *FileSystemStore) Close() error {
	if infoData, err := os.ReadFile(fs.storeInfo); err == nil {
		var info StoreInfo
		if err := json.Unmarshal(infoData, &info); err == nil {
			info.LastAccess = time.Now().UTC()
			if updatedData, err := json.MarshalIndent(info, "", "  "); err == nil {
				_ = writeSecureFile(fs.storeInfo, updatedData, FilePermissions)
			}
		}
	}
	return nil
}

func (fs *FileSystemStore) userPath(userID string) string {
	return filepath.Join(fs.usersDir, userID+recordExt)
}

// saveVersioned writes with optimistic concurrency control
func (fs *FileSystemStore) saveVersioned(path string, data []byte, expectedVersion, operation string) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if expectedVersion != "" {
		currentVersion, err := fs.getFileVersion(path)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if !versionMatches(expectedVersion, currentVersion) {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       operation,
			}
		}
	}

	if err := writeSecureFile(path, data, FilePermissions); err != nil {
		return "", err
	}

	return contentVersion(data), nil
}

func (fs *FileSystemStore) loadVersioned(path, what string) (*VersionedData, error) {
	fileInfo, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", what, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", what, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", what, err)
	}

	return &VersionedData{
		Data:      data,
		Version:   contentVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

func (fs *FileSystemStore) getFileVersion(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return contentVersion(data), nil
}

// writeSecureFile writes through a temp file and renames it into place
func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
