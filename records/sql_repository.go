package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"southwinds.dev/medvault/records/migrations"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL database behind a SQLRepository.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ParseDialect validates a dialect name.
func ParseDialect(s string) (Dialect, error) {
	switch Dialect(strings.ToLower(s)) {
	case DialectSQLite:
		return DialectSQLite, nil
	case DialectPostgres, "postgresql", "pgx":
		return DialectPostgres, nil
	}
	return "", fmt.Errorf("unsupported database dialect %q", s)
}

func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return "sqlite"
}

func (d Dialect) gooseDialect() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite3"
}

// rebind rewrites ? placeholders as $n for PostgreSQL.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// goose keeps its configuration in package state
var gooseMu sync.Mutex

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// SQLRepository stores items in a single vault_items table.
type SQLRepository struct {
	db      *sql.DB
	dialect Dialect
}

var _ Repository = (*SQLRepository)(nil)

// Open connects to the database, applies the schema and returns a repository.
func Open(ctx context.Context, dialect Dialect, dsn string) (*SQLRepository, error) {
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if dialect == DialectSQLite {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	repo := NewSQLRepository(db, dialect)
	if err = repo.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}
	return repo, nil
}

// NewSQLRepository wraps an open database. The schema is not touched.
func NewSQLRepository(db *sql.DB, dialect Dialect) *SQLRepository {
	return &SQLRepository{db: db, dialect: dialect}
}

// Migrate applies the embedded schema migrations.
func (r *SQLRepository) Migrate(ctx context.Context) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations.Migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(r.dialect.gooseDialect()); err != nil {
		return err
	}
	return gooseUpContext(ctx, r.db, string(r.dialect))
}

// Close closes the database.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

const itemColumns = `id, user_id, category, label, kind, plaintext, legacy_ciphertext, legacy_scheme, vault_ciphertext`

func (r *SQLRepository) Insert(ctx context.Context, item *Item) error {
	if item == nil || item.ID == "" || item.UserID == "" {
		return errors.New("item needs an ID and a user ID")
	}
	q := r.dialect.rebind(`INSERT INTO vault_items (` + itemColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, q,
		item.ID, item.UserID, string(item.Category), item.Label, string(item.Kind),
		nullBytes(item.Plaintext), nullBytes(item.LegacyCiphertext), string(item.Scheme),
		nullBytes(item.VaultCiphertext),
	)
	if err != nil {
		return fmt.Errorf("insert item %s: %w", item.ID, err)
	}
	return nil
}

func (r *SQLRepository) Get(ctx context.Context, category Category, id string) (*Item, error) {
	q := r.dialect.rebind(`SELECT ` + itemColumns + ` FROM vault_items WHERE category = ? AND id = ?`)
	item, err := scanItem(r.db.QueryRowContext(ctx, q, string(category), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", id, err)
	}
	return item, nil
}

func (r *SQLRepository) Pending(ctx context.Context, userID string, category Category, afterID string, limit int) ([]*Item, error) {
	return r.list(ctx, `vault_ciphertext IS NULL AND (plaintext IS NOT NULL OR legacy_ciphertext IS NOT NULL)`,
		userID, category, afterID, limit)
}

func (r *SQLRepository) Encrypted(ctx context.Context, userID string, category Category, afterID string, limit int) ([]*Item, error) {
	return r.list(ctx, `vault_ciphertext IS NOT NULL`, userID, category, afterID, limit)
}

func (r *SQLRepository) list(ctx context.Context, filter, userID string, category Category, afterID string, limit int) ([]*Item, error) {
	q := r.dialect.rebind(`SELECT ` + itemColumns + ` FROM vault_items
		WHERE user_id = ? AND category = ? AND id > ? AND ` + filter + `
		ORDER BY id LIMIT ?`)

	rows, err := r.db.QueryContext(ctx, q, userID, string(category), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list %s items: %w", category, err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s item: %w", category, err)
		}
		items = append(items, item)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s items: %w", category, err)
	}
	return items, nil
}

func (r *SQLRepository) WithTx(ctx context.Context, fn func(ctx context.Context, w Writer) error) error {
	return withTx(ctx, r.db, nil, func(ctx context.Context, tx DBTX) error {
		return fn(ctx, &sqlWriter{tx: tx, dialect: r.dialect})
	})
}

type sqlWriter struct {
	tx      DBTX
	dialect Dialect
}

func (w *sqlWriter) SaveVaultCiphertext(ctx context.Context, category Category, id string, ciphertext []byte, clearSource bool) error {
	if len(ciphertext) == 0 {
		return errors.New("vault ciphertext is empty")
	}
	q := `UPDATE vault_items SET vault_ciphertext = ? WHERE category = ? AND id = ?`
	if clearSource {
		q = `UPDATE vault_items SET vault_ciphertext = ?, plaintext = NULL, legacy_ciphertext = NULL, legacy_scheme = ''
			WHERE category = ? AND id = ?`
	}
	res, err := w.tx.ExecContext(ctx, w.dialect.rebind(q), ciphertext, string(category), id)
	if err != nil {
		return fmt.Errorf("update item %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update item %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("update item %s: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var (
		item     Item
		category string
		kind     string
		scheme   string
	)
	err := row.Scan(&item.ID, &item.UserID, &category, &item.Label, &kind,
		blob{&item.Plaintext}, blob{&item.LegacyCiphertext}, &scheme, blob{&item.VaultCiphertext})
	if err != nil {
		return nil, err
	}
	item.Category = Category(category)
	item.Kind = ValueKind(kind)
	item.Scheme = LegacyScheme(scheme)
	return &item, nil
}

// blob scans a nullable binary column. NULL becomes nil and any other value,
// including an empty one, a non-nil slice.
type blob struct {
	dst *[]byte
}

func (b blob) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*b.dst = nil
	case []byte:
		*b.dst = append([]byte{}, v...)
	case string:
		*b.dst = append([]byte{}, v...)
	default:
		return fmt.Errorf("cannot scan %T into a byte column", src)
	}
	return nil
}

// nullBytes stores nil slices as SQL NULL and empty ones as empty values.
func nullBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}
