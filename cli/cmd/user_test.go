package cmd

import (
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/medvault"
	"southwinds.dev/medvault/audit"
)

const (
	testMasterPassword = "operator-master-password"
	testUserPassword   = "user-password-1"
)

func TestInitAndStatus(t *testing.T) {
	setupTestEnv(t)

	cmd, out := newTestCommand(t)
	answerPasswords(t, testMasterPassword, testMasterPassword)
	require.NoError(t, runInit(cmd, nil))
	assert.Contains(t, out.String(), "Global vault initialised")

	t.Run("second init is rejected", func(t *testing.T) {
		cmd, _ := newTestCommand(t)
		err := runInit(cmd, nil)
		assert.ErrorIs(t, err, medvault.ErrAlreadyConfigured)
	})

	t.Run("status", func(t *testing.T) {
		cmd, out := newTestCommand(t)
		require.NoError(t, runStatus(cmd, nil))
		assert.Contains(t, out.String(), "Global Vault: configured")
		assert.Contains(t, out.String(), "User Vaults: 0")
	})

	t.Run("status verifies the master password", func(t *testing.T) {
		statusVerify = true
		defer func() { statusVerify = false }()

		cmd, out := newTestCommand(t)
		answerPasswords(t, testMasterPassword)
		require.NoError(t, runStatus(cmd, nil))
		assert.Contains(t, out.String(), "Master Password: verified")

		cmd, _ = newTestCommand(t)
		answerPasswords(t, "not-the-master-password")
		assert.Error(t, runStatus(cmd, nil))
	})
}

func TestInitRejectsMismatchedConfirmation(t *testing.T) {
	setupTestEnv(t)

	cmd, _ := newTestCommand(t)
	answerPasswords(t, testMasterPassword, "something-else-entirely")
	assert.ErrorIs(t, runInit(cmd, nil), errPasswordMismatch)

	configured, err := store.VaultConfigExists()
	require.NoError(t, err)
	assert.False(t, configured)
}

func TestInitUsesConfiguredMasterPassword(t *testing.T) {
	setupTestEnv(t)
	viper.Set("vault.master_password", testMasterPassword)

	cmd, _ := newTestCommand(t)
	answerPasswords(t)
	require.NoError(t, runInit(cmd, nil))

	configured, err := store.VaultConfigExists()
	require.NoError(t, err)
	assert.True(t, configured)
}

func TestUserCommands(t *testing.T) {
	setupTestEnv(t)

	cmd, out := newTestCommand(t)
	answerPasswords(t, testUserPassword, testUserPassword)
	require.NoError(t, runUserSetup(cmd, []string{"alice"}))
	firstKey := extractRecoveryKey(t, out.String())

	t.Run("setup twice fails", func(t *testing.T) {
		cmd, _ := newTestCommand(t)
		err := runUserSetup(cmd, []string{"alice"})
		assert.ErrorIs(t, err, medvault.ErrVaultExists)
	})

	t.Run("list", func(t *testing.T) {
		cmd, out := newTestCommand(t)
		require.NoError(t, runUserList(cmd, nil))
		assert.Equal(t, "alice\n", out.String())
	})

	t.Run("change password", func(t *testing.T) {
		cmd, _ := newTestCommand(t)
		answerPasswords(t, testUserPassword, "user-password-2", "user-password-2")
		require.NoError(t, runUserChangePassword(cmd, []string{"alice"}))

		cmd, _ = newTestCommand(t)
		answerPasswords(t, testUserPassword)
		err := runUserChangePassword(cmd, []string{"alice"})
		assert.ErrorContains(t, err, "incorrect password")
	})

	var secondKey string
	t.Run("regenerate recovery key", func(t *testing.T) {
		cmd, out := newTestCommand(t)
		answerPasswords(t, "user-password-2")
		require.NoError(t, runUserRegenerate(cmd, []string{"alice"}))
		secondKey = extractRecoveryKey(t, out.String())
		assert.NotEqual(t, firstKey, secondKey)
	})

	t.Run("old recovery key no longer works", func(t *testing.T) {
		cmd, _ := newTestCommand(t)
		answerLine(t, firstKey)
		answerPasswords(t)
		assert.Error(t, runUserRecover(cmd, []string{"alice"}))
	})

	t.Run("recover", func(t *testing.T) {
		cmd, out := newTestCommand(t)
		answerLine(t, secondKey)
		answerPasswords(t, "user-password-3", "user-password-3")
		require.NoError(t, runUserRecover(cmd, []string{"alice"}))
		assert.Contains(t, out.String(), "Vault recovered for alice")
		assert.NotEqual(t, secondKey, extractRecoveryKey(t, out.String()))

		registry := newRegistry()
		defer registry.LockAll()
		ok, err := registry.UnlockWithPassword("alice", "user-password-3")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("unknown user", func(t *testing.T) {
		cmd, _ := newTestCommand(t)
		answerPasswords(t, testUserPassword)
		err := runUserChangePassword(cmd, []string{"bob"})
		assert.ErrorIs(t, err, medvault.ErrNoVault)
	})
}

func TestRunAuditedRecordsCommand(t *testing.T) {
	setupTestEnv(t)

	fileLogger, err := audit.NewFileLogger(&audit.Config{
		Enabled: true,
		Type:    audit.FileAuditType,
		Options: map[string]interface{}{"file_path": filepath.Join(t.TempDir(), "audit.log")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = fileLogger.Close() })
	auditLogger = fileLogger

	cmd, _ := newTestCommand(t)
	answerPasswords(t, testUserPassword, testUserPassword)
	require.NoError(t, runAudited(runUserSetup)(cmd, []string{"alice"}))

	for action, want := range map[string]int{
		"CLI_COMMAND_START":    1,
		"CLI_COMMAND_COMPLETE": 1,
		"USER_VAULT_CREATED":   1,
	} {
		result, err := fileLogger.Query(audit.QueryOptions{Action: action})
		require.NoError(t, err)
		assert.Equal(t, want, result.Filtered, action)
	}

	result, err := fileLogger.Query(audit.QueryOptions{Action: "CLI_COMMAND_START"})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	assert.Equal(t, "session-1", result.Events[0].Metadata["session_id"])
}
