package records

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRepo(t *testing.T) *SQLRepository {
	t.Helper()
	repo, err := Open(context.Background(), DialectSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestSQLiteInsertAndGet(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	item := &Item{
		Category:  CategoryBiomarkers,
		ID:        "b1",
		UserID:    "u1",
		Label:     "HbA1c",
		Kind:      KindNumber,
		Plaintext: []byte("5.4"),
	}
	require.NoError(t, repo.Insert(ctx, item))

	got, err := repo.Get(ctx, CategoryBiomarkers, "b1")
	require.NoError(t, err)
	assert.Equal(t, item, got)
	assert.Nil(t, got.LegacyCiphertext)
	assert.Nil(t, got.VaultCiphertext)

	_, err = repo.Get(ctx, CategoryDocuments, "b1")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, repo.Insert(ctx, &Item{ID: "x"}))
	assert.Error(t, repo.Insert(ctx, item), "duplicate ID")
}

func TestSQLiteEmptyValues(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, &Item{Category: CategoryProfileFields, ID: "p1", UserID: "u1",
		Label: "middle name", Kind: KindString, Plaintext: []byte("")}))
	require.NoError(t, repo.Insert(ctx, &Item{Category: CategoryDocuments, ID: "d1", UserID: "u1",
		Label: "blank.pdf", Kind: KindBytes, Plaintext: []byte{}}))

	got, err := repo.Get(ctx, CategoryProfileFields, "p1")
	require.NoError(t, err)
	assert.NotNil(t, got.Plaintext, "empty value is not NULL")
	assert.Empty(t, got.Plaintext)
	assert.True(t, got.HasSource())
	assert.Nil(t, got.LegacyCiphertext)

	pending, err := repo.Pending(ctx, "u1", CategoryDocuments, "", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, []byte{}, pending[0].Plaintext)
}

func TestSQLiteIDsAreScopedByCategory(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, &Item{Category: CategoryBiomarkers, ID: "42", UserID: "u1",
		Kind: KindNumber, Plaintext: []byte("1.1")}))
	require.NoError(t, repo.Insert(ctx, &Item{Category: CategoryHealthReports, ID: "42", UserID: "u1",
		Kind: KindString, Plaintext: []byte("normal")}))

	require.NoError(t, repo.WithTx(ctx, func(ctx context.Context, w Writer) error {
		return w.SaveVaultCiphertext(ctx, CategoryBiomarkers, "42", []byte("sealed"), true)
	}))

	biomarker, err := repo.Get(ctx, CategoryBiomarkers, "42")
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed"), biomarker.VaultCiphertext)

	report, err := repo.Get(ctx, CategoryHealthReports, "42")
	require.NoError(t, err)
	assert.Nil(t, report.VaultCiphertext)
	assert.Equal(t, []byte("normal"), report.Plaintext)
}

func TestSQLitePendingPaging(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Insert(ctx, &Item{
			Category:  CategoryProfileFields,
			ID:        fmt.Sprintf("p%d", i),
			UserID:    "u1",
			Kind:      KindString,
			Plaintext: []byte("value"),
		}))
	}
	// other user, already migrated, and no source are all excluded
	require.NoError(t, repo.Insert(ctx, &Item{Category: CategoryProfileFields, ID: "q0", UserID: "u2", Kind: KindString, Plaintext: []byte("x")}))
	require.NoError(t, repo.Insert(ctx, &Item{Category: CategoryProfileFields, ID: "p9", UserID: "u1", Kind: KindString, Plaintext: []byte("x"), VaultCiphertext: []byte("ct")}))
	require.NoError(t, repo.Insert(ctx, &Item{Category: CategoryProfileFields, ID: "p8", UserID: "u1", Kind: KindString}))

	page, err := repo.Pending(ctx, "u1", CategoryProfileFields, "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "p0", page[0].ID)
	assert.Equal(t, "p1", page[1].ID)

	page, err = repo.Pending(ctx, "u1", CategoryProfileFields, "p1", 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "p4", page[2].ID)

	encrypted, err := repo.Encrypted(ctx, "u1", CategoryProfileFields, "", 10)
	require.NoError(t, err)
	require.Len(t, encrypted, 1)
	assert.Equal(t, "p9", encrypted[0].ID)
}

func TestSQLiteWithTx(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, &Item{
		Category:         CategoryLinkedCredentials,
		ID:               "c1",
		UserID:           "u1",
		Kind:             KindString,
		LegacyCiphertext: []byte("legacy"),
		Scheme:           SchemeLegacy,
	}))

	t.Run("RollbackOnError", func(t *testing.T) {
		boom := errors.New("boom")
		err := repo.WithTx(ctx, func(ctx context.Context, w Writer) error {
			require.NoError(t, w.SaveVaultCiphertext(ctx, CategoryLinkedCredentials, "c1", []byte("ct"), true))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := repo.Get(ctx, CategoryLinkedCredentials, "c1")
		require.NoError(t, err)
		assert.Nil(t, got.VaultCiphertext)
		assert.Equal(t, []byte("legacy"), got.LegacyCiphertext)
	})

	t.Run("RollbackOnPanic", func(t *testing.T) {
		assert.Panics(t, func() {
			_ = repo.WithTx(ctx, func(ctx context.Context, w Writer) error {
				_ = w.SaveVaultCiphertext(ctx, CategoryLinkedCredentials, "c1", []byte("ct"), false)
				panic("boom")
			})
		})
		got, err := repo.Get(ctx, CategoryLinkedCredentials, "c1")
		require.NoError(t, err)
		assert.Nil(t, got.VaultCiphertext)
	})

	t.Run("CommitClearsSource", func(t *testing.T) {
		err := repo.WithTx(ctx, func(ctx context.Context, w Writer) error {
			return w.SaveVaultCiphertext(ctx, CategoryLinkedCredentials, "c1", []byte("ct"), true)
		})
		require.NoError(t, err)

		got, err := repo.Get(ctx, CategoryLinkedCredentials, "c1")
		require.NoError(t, err)
		assert.Equal(t, []byte("ct"), got.VaultCiphertext)
		assert.Nil(t, got.LegacyCiphertext)
		assert.Equal(t, SchemeNone, got.Scheme)
	})

	t.Run("UnknownItem", func(t *testing.T) {
		err := repo.WithTx(ctx, func(ctx context.Context, w Writer) error {
			return w.SaveVaultCiphertext(ctx, CategoryLinkedCredentials, "missing", []byte("ct"), false)
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestParseHelpers(t *testing.T) {
	c, err := ParseCategory("health_reports")
	require.NoError(t, err)
	assert.Equal(t, CategoryHealthReports, c)
	_, err = ParseCategory("invoices")
	assert.Error(t, err)

	d, err := ParseDialect("PostgreSQL")
	require.NoError(t, err)
	assert.Equal(t, DialectPostgres, d)
	_, err = ParseDialect("mysql")
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	q := `UPDATE t SET a = ? WHERE b = ? AND c = ''`
	assert.Equal(t, q, DialectSQLite.rebind(q))
	assert.Equal(t, `UPDATE t SET a = $1 WHERE b = $2 AND c = ''`, DialectPostgres.rebind(q))
}
