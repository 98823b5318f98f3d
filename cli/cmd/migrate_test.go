package cmd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/medvault"
	"southwinds.dev/medvault/migration"
	"southwinds.dev/medvault/records"
)

func seedRecords(t *testing.T, dsn string, items ...*records.Item) {
	t.Helper()
	ctx := context.Background()
	repo, err := records.Open(ctx, records.DialectSQLite, dsn)
	require.NoError(t, err)
	defer repo.Close()
	for _, item := range items {
		require.NoError(t, repo.Insert(ctx, item))
	}
}

func TestMigrateCommand(t *testing.T) {
	setupTestEnv(t)

	dsn := filepath.Join(t.TempDir(), "records.db")
	viper.Set("records.dsn", dsn)
	seedRecords(t, dsn,
		&records.Item{Category: records.CategoryProfileFields, ID: "p1", UserID: "alice", Label: "name",
			Kind: records.KindString, Plaintext: []byte("Alice Example")},
		&records.Item{Category: records.CategoryBiomarkers, ID: "b1", UserID: "alice", Label: "ldl",
			Kind: records.KindNumber, Plaintext: []byte("3.2")},
		&records.Item{Category: records.CategoryBiomarkers, ID: "b2", UserID: "bob", Label: "ldl",
			Kind: records.KindNumber, Plaintext: []byte("2.9")},
	)

	cmd, _ := newTestCommand(t)
	answerPasswords(t, testUserPassword, testUserPassword)
	require.NoError(t, runUserSetup(cmd, []string{"alice"}))

	migrateSkipGlobal = true
	t.Cleanup(func() { migrateSkipGlobal = false })

	cmd, out := newTestCommand(t)
	answerPasswords(t, testUserPassword)
	require.NoError(t, runMigrate(cmd, []string{"alice"}))
	assert.Contains(t, out.String(), "completed")
	assert.Regexp(t, `total\s+2\n`, out.String())

	ctx := context.Background()
	repo, err := records.Open(ctx, records.DialectSQLite, dsn)
	require.NoError(t, err)
	defer repo.Close()

	for _, ref := range []struct {
		category records.Category
		id       string
	}{{records.CategoryProfileFields, "p1"}, {records.CategoryBiomarkers, "b1"}} {
		item, err := repo.Get(ctx, ref.category, ref.id)
		require.NoError(t, err)
		assert.NotNil(t, item.VaultCiphertext, ref.id)
		assert.Nil(t, item.Plaintext, "source is cleared by default")
	}

	other, err := repo.Get(ctx, records.CategoryBiomarkers, "b2")
	require.NoError(t, err)
	assert.Nil(t, other.VaultCiphertext, "other users are untouched")

	t.Run("wrong password", func(t *testing.T) {
		cmd, _ := newTestCommand(t)
		answerPasswords(t, "wrong-password")
		assert.ErrorContains(t, runMigrate(cmd, []string{"alice"}), "incorrect password")
	})

	t.Run("json output of an idempotent rerun", func(t *testing.T) {
		migrateJSON = true
		t.Cleanup(func() { migrateJSON = false })

		cmd, out := newTestCommand(t)
		answerPasswords(t, testUserPassword)
		require.NoError(t, runMigrate(cmd, []string{"alice"}))
		assert.Contains(t, out.String(), `"user_id": "alice"`)
		assert.Contains(t, out.String(), `"cancelled": false`)
	})
}

func TestMigrationOptions(t *testing.T) {
	setupTestEnv(t)
	viper.Set("migration.batch_size", 25)
	viper.Set("migration.clear_source", false)

	migrateCategories = []string{"documents", " biomarkers "}
	t.Cleanup(func() { migrateCategories = nil })

	options, err := migrationOptions()
	require.NoError(t, err)
	assert.Equal(t, migration.Options{
		BatchSize:   25,
		ClearSource: false,
		Categories:  []records.Category{records.CategoryDocuments, records.CategoryBiomarkers},
	}, options)

	migrateCategories = []string{"passwords"}
	_, err = migrationOptions()
	assert.Error(t, err)
}

func TestRecordsDSN(t *testing.T) {
	setupTestEnv(t)
	viper.Set("store.path", "/var/lib/medvault")

	dsn, err := recordsDSN(records.DialectSQLite)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/var/lib/medvault", "records.db"), dsn)

	_, err = recordsDSN(records.DialectPostgres)
	assert.Error(t, err)

	viper.Set("records.dsn", "postgres://medvault@localhost/medvault")
	dsn, err = recordsDSN(records.DialectPostgres)
	require.NoError(t, err)
	assert.Equal(t, "postgres://medvault@localhost/medvault", dsn)
}

func TestSessionCipher(t *testing.T) {
	setupTestEnv(t)
	registry := newRegistry()
	defer registry.LockAll()

	target, err := sessionCipher(registry, "alice")
	assert.ErrorIs(t, err, medvault.ErrLocked)
	assert.Nil(t, target)

	_, err = registry.SetupVault("alice", testUserPassword)
	require.NoError(t, err)
	target, err = sessionCipher(registry, "alice")
	require.NoError(t, err)
	assert.True(t, target.IsUnlocked())
}
