package medvault

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"southwinds.dev/medvault/audit"
	"southwinds.dev/medvault/persist"
)

const (
	testMasterPassword = "P-correct-horse-20"
	testUserPassword   = "user-password-1"
)

func newTestAuditLogger(t *testing.T) *audit.FileLogger {
	t.Helper()
	logger, err := audit.NewFileLogger(&audit.Config{
		Enabled: true,
		Service: "medvault-test",
		Type:    audit.FileAuditType,
		Options: map[string]interface{}{
			"file_path": filepath.Join(t.TempDir(), "audit.log"),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })
	return logger
}

func newTestGlobalVault(t *testing.T, store persist.Store, auditLogger audit.Logger) *GlobalVault {
	t.Helper()
	vault, err := NewGlobalVault(DefaultOptions(), store, auditLogger)
	require.NoError(t, err)
	t.Cleanup(vault.Lock)
	return vault
}

func newUnlockedGlobalVault(t *testing.T) *GlobalVault {
	t.Helper()
	vault := newTestGlobalVault(t, persist.NewMemoryStore(), nil)
	require.NoError(t, vault.Initialize(testMasterPassword))
	return vault
}

func newTestUserVault(t *testing.T, userID string) (*UserVault, *SetupResult) {
	t.Helper()
	vault, err := NewUserVault(userID, DefaultOptions(), nil)
	require.NoError(t, err)
	result, err := vault.SetupVault(testUserPassword)
	require.NoError(t, err)
	t.Cleanup(vault.Lock)
	return vault, result
}

func countEvents(t *testing.T, logger audit.Logger, action string) int {
	t.Helper()
	result, err := logger.Query(audit.QueryOptions{Action: action})
	require.NoError(t, err)
	return result.Filtered
}

// staleStore answers every existence check with false, so a competing
// writer is only detected by the conditional save.
type staleStore struct {
	persist.Store
}

func (staleStore) VaultConfigExists() (bool, error) { return false, nil }

func (staleStore) UserRecordExists(string) (bool, error) { return false, nil }

// interleavingStore runs before ahead of the next user record save and
// counts saves rejected for a stale version.
type interleavingStore struct {
	persist.Store
	before    func()
	conflicts int
}

func (s *interleavingStore) SaveUserRecord(userID string, data []byte, expectedVersion string) (string, error) {
	if before := s.before; before != nil {
		s.before = nil
		before()
	}
	version, err := s.Store.SaveUserRecord(userID, data, expectedVersion)
	if persist.IsConcurrencyError(err) {
		s.conflicts++
	}
	return version, err
}

// failingAuditLogger rejects every event.
type failingAuditLogger struct {
	audit.Logger
}

func (failingAuditLogger) Log(string, bool, map[string]interface{}) error {
	return errors.New("audit sink unavailable")
}
