package records

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPostgresRepoWithMock(t *testing.T) (*SQLRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLRepository(db, DialectPostgres), mock
}

var itemRowColumns = []string{"id", "user_id", "category", "label", "kind",
	"plaintext", "legacy_ciphertext", "legacy_scheme", "vault_ciphertext"}

func TestPostgresGet(t *testing.T) {
	repo, mock := newPostgresRepoWithMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM vault_items WHERE category = $1 AND id = $2`)).
		WithArgs("documents", "d1").
		WillReturnRows(sqlmock.NewRows(itemRowColumns).
			AddRow("d1", "u1", "documents", "scan.pdf", "bytes", nil, []byte("g"), "global", nil))

	item, err := repo.Get(context.Background(), CategoryDocuments, "d1")
	require.NoError(t, err)
	assert.Equal(t, SchemeGlobal, item.Scheme)
	assert.Equal(t, []byte("g"), item.LegacyCiphertext)
	assert.Nil(t, item.Plaintext)

	mock.ExpectQuery(`FROM vault_items`).
		WithArgs("documents", "d2").
		WillReturnError(sql.ErrNoRows)
	_, err = repo.Get(context.Background(), CategoryDocuments, "d2")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPending(t *testing.T) {
	repo, mock := newPostgresRepoWithMock(t)

	mock.ExpectQuery(`WHERE user_id = \$1 AND category = \$2 AND id > \$3 AND vault_ciphertext IS NULL .* LIMIT \$4`).
		WithArgs("u1", "biomarkers", "", 100).
		WillReturnRows(sqlmock.NewRows(itemRowColumns).
			AddRow("b1", "u1", "biomarkers", "LDL", "number", []byte("3.1"), nil, "", nil).
			AddRow("b2", "u1", "biomarkers", "HDL", "number", []byte("1.2"), nil, "", nil))

	items, err := repo.Pending(context.Background(), "u1", CategoryBiomarkers, "", 100)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, KindNumber, items[1].Kind)

	mock.ExpectQuery(`FROM vault_items`).WillReturnError(errors.New("db is down"))
	_, err = repo.Encrypted(context.Background(), "u1", CategoryBiomarkers, "", 100)
	assert.Error(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresWithTx(t *testing.T) {
	repo, mock := newPostgresRepoWithMock(t)
	update := `UPDATE vault_items SET vault_ciphertext = \$1, plaintext = NULL, legacy_ciphertext = NULL, legacy_scheme = '' .*WHERE category = \$2 AND id = \$3`

	mock.ExpectBegin()
	mock.ExpectExec(update).WithArgs([]byte("ct"), "profile_fields", "p1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.WithTx(context.Background(), func(ctx context.Context, w Writer) error {
		return w.SaveVaultCiphertext(ctx, CategoryProfileFields, "p1", []byte("ct"), true)
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(update).WithArgs([]byte("ct"), "profile_fields", "p2").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = repo.WithTx(context.Background(), func(ctx context.Context, w Writer) error {
		return w.SaveVaultCiphertext(ctx, CategoryProfileFields, "p2", []byte("ct"), true)
	})
	assert.ErrorIs(t, err, ErrNotFound)

	mock.ExpectBegin().WillReturnError(errors.New("no connection"))
	err = repo.WithTx(context.Background(), func(ctx context.Context, w Writer) error {
		t.Fatal("fn must not run")
		return nil
	})
	assert.Error(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMigrate(t *testing.T) {
	repo, _ := newPostgresRepoWithMock(t)

	orig := gooseUpContext
	defer func() { gooseUpContext = orig }()

	var gotDir string
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		gotDir = dir
		return nil
	}
	require.NoError(t, repo.Migrate(context.Background()))
	assert.Equal(t, "postgres", gotDir)

	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return errors.New("migration failed")
	}
	assert.Error(t, repo.Migrate(context.Background()))
}
