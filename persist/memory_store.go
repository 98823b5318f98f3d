package persist

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process memory. It backs tests and
// embedded use where vault state need not survive a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	config *VersionedData
	users  map[string]*VersionedData
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*VersionedData)}
}

func (m *MemoryStore) SaveVaultConfig(data []byte, expectedVersion string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("vault config cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := checkVersion(m.config, expectedVersion, "SaveVaultConfig"); err != nil {
		return "", err
	}
	m.config = newVersioned(data)
	return m.config.Version, nil
}

func (m *MemoryStore) LoadVaultConfig() (*VersionedData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return nil, fmt.Errorf("vault config: %w", ErrNotFound)
	}
	return copyVersioned(m.config), nil
}

func (m *MemoryStore) VaultConfigExists() (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config != nil, nil
}

func (m *MemoryStore) SaveUserRecord(userID string, data []byte, expectedVersion string) (string, error) {
	if err := validateUserID(userID); err != nil {
		return "", fmt.Errorf("invalid user ID: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("user record cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := checkVersion(m.users[userID], expectedVersion, "SaveUserRecord"); err != nil {
		return "", err
	}
	m.users[userID] = newVersioned(data)
	return m.users[userID].Version, nil
}

func (m *MemoryStore) LoadUserRecord(userID string) (*VersionedData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.users[userID]
	if !ok {
		return nil, fmt.Errorf("user record %s: %w", userID, ErrNotFound)
	}
	return copyVersioned(v), nil
}

func (m *MemoryStore) UserRecordExists(userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.users[userID]
	return ok, nil
}

func (m *MemoryStore) DeleteUserRecord(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[userID]; !ok {
		return fmt.Errorf("user record %s: %w", userID, ErrNotFound)
	}
	delete(m.users, userID)
	return nil
}

func (m *MemoryStore) ListUsers() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]string, 0, len(m.users))
	for id := range m.users {
		users = append(users, id)
	}
	sort.Strings(users)
	return users, nil
}

func (m *MemoryStore) Ping() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("memory store is closed")
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetType() string {
	return string(StoreTypeMemory)
}

func checkVersion(current *VersionedData, expectedVersion, operation string) error {
	var actual string
	if current != nil {
		actual = current.Version
	}
	if !versionMatches(expectedVersion, actual) {
		return ConcurrencyError{
			ExpectedVersion: expectedVersion,
			ActualVersion:   actual,
			Operation:       operation,
		}
	}
	return nil
}

func newVersioned(data []byte) *VersionedData {
	return &VersionedData{
		Data:      append([]byte(nil), data...),
		Version:   contentVersion(data),
		Timestamp: time.Now().UTC(),
	}
}

func copyVersioned(v *VersionedData) *VersionedData {
	return &VersionedData{
		Data:      append([]byte(nil), v.Data...),
		Version:   v.Version,
		Timestamp: v.Timestamp,
	}
}
