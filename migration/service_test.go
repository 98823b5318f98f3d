package migration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/medvault"
	"southwinds.dev/medvault/audit"
	"southwinds.dev/medvault/legacy"
	"southwinds.dev/medvault/persist"
	"southwinds.dev/medvault/records"
)

const userID = "alice"

type fixture struct {
	repo   *records.SQLRepository
	global *medvault.GlobalVault
	legacy *legacy.CredentialCipher
	user   *medvault.UserVault
	audit  *audit.FileLogger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	repo, err := records.Open(ctx, records.DialectSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	global, err := medvault.NewGlobalVault(medvault.DefaultOptions(), persist.NewMemoryStore(), nil)
	require.NoError(t, err)
	require.NoError(t, global.Initialize("operator-master-password"))
	t.Cleanup(global.Lock)

	legacyCipher, err := legacy.NewCredentialCipher("legacy-app-secret")
	require.NoError(t, err)

	user, err := medvault.NewUserVault(userID, medvault.DefaultOptions(), nil)
	require.NoError(t, err)
	_, err = user.SetupVault("user-password-1")
	require.NoError(t, err)
	t.Cleanup(user.Lock)

	auditLogger, err := audit.NewFileLogger(&audit.Config{
		Enabled: true,
		Type:    audit.FileAuditType,
		Options: map[string]interface{}{"file_path": filepath.Join(t.TempDir(), "audit.log")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditLogger.Close() })

	return &fixture{repo: repo, global: global, legacy: legacyCipher, user: user, audit: auditLogger}
}

func (f *fixture) service(t *testing.T, repo records.Repository, options Options) *Service {
	t.Helper()
	if repo == nil {
		repo = f.repo
	}
	svc, err := NewService(repo, f.global, f.legacy, nil, f.audit, options)
	require.NoError(t, err)
	return svc
}

func (f *fixture) insert(t *testing.T, item *records.Item) {
	t.Helper()
	if item.UserID == "" {
		item.UserID = userID
	}
	require.NoError(t, f.repo.Insert(context.Background(), item))
}

func (f *fixture) get(t *testing.T, category records.Category, id string) *records.Item {
	t.Helper()
	item, err := f.repo.Get(context.Background(), category, id)
	require.NoError(t, err)
	return item
}

func mustBytes(t *testing.T) func([]byte, error) []byte {
	return func(b []byte, err error) []byte {
		t.Helper()
		require.NoError(t, err)
		return b
	}
}

// seed stores one item per category and scheme.
func (f *fixture) seed(t *testing.T) {
	t.Helper()
	must := mustBytes(t)

	f.insert(t, &records.Item{Category: records.CategoryDocuments, ID: "d1", Kind: records.KindBytes,
		Plaintext: []byte("%PDF-1.7 lab report")})
	f.insert(t, &records.Item{Category: records.CategoryDocuments, ID: "d2", Kind: records.KindBytes,
		LegacyCiphertext: must(f.global.EncryptBytes([]byte("scan"))), Scheme: records.SchemeGlobal})
	f.insert(t, &records.Item{Category: records.CategoryDocuments, ID: "d3", Kind: records.KindBytes,
		Plaintext: []byte{}})
	f.insert(t, &records.Item{Category: records.CategoryBiomarkers, ID: "b1", Kind: records.KindNumber,
		Plaintext: []byte("5.4")})
	f.insert(t, &records.Item{Category: records.CategoryBiomarkers, ID: "b2", Kind: records.KindNumber,
		LegacyCiphertext: must(f.global.EncryptNumber(3.1)), Scheme: records.SchemeGlobal})
	f.insert(t, &records.Item{Category: records.CategoryBiomarkers, ID: "b3", Kind: records.KindString,
		Plaintext: []byte("negative")})
	f.insert(t, &records.Item{Category: records.CategoryProfileFields, ID: "p1", Kind: records.KindString,
		LegacyCiphertext: must(f.global.EncryptData("1985-04-12")), Scheme: records.SchemeGlobal})
	f.insert(t, &records.Item{Category: records.CategoryProfileFields, ID: "p2", Kind: records.KindJSON,
		Plaintext: []byte(`{"allergies":["penicillin"]}`)})
	f.insert(t, &records.Item{Category: records.CategoryProfileFields, ID: "p3", Kind: records.KindString,
		Plaintext: []byte("")})
	f.insert(t, &records.Item{Category: records.CategoryHealthReports, ID: "h1", Kind: records.KindJSON,
		LegacyCiphertext: must(f.global.EncryptJSON(map[string]int{"score": 82})), Scheme: records.SchemeGlobal})
	f.insert(t, &records.Item{Category: records.CategoryLinkedCredentials, ID: "c1", Kind: records.KindString,
		LegacyCiphertext: must(f.legacy.Encrypt([]byte("portal-pass-1"))), Scheme: records.SchemeLegacy})
	f.insert(t, &records.Item{Category: records.CategoryLinkedCredentials, ID: "c2", Kind: records.KindString,
		LegacyCiphertext: must(f.global.EncryptCredential(must(f.legacy.Encrypt([]byte("portal-pass-2"))))),
		Scheme:           records.SchemeLegacyGlobal})
	f.insert(t, &records.Item{Category: records.CategoryLinkedCredentials, ID: "c3", Kind: records.KindString,
		LegacyCiphertext: must(f.global.EncryptCredential([]byte("portal-pass-3"))), Scheme: records.SchemeGlobal})

	// another user's data is never touched
	f.insert(t, &records.Item{Category: records.CategoryProfileFields, ID: "z1", UserID: "bob", Kind: records.KindString,
		Plaintext: []byte("bob")})
}

func TestMigrateUser(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	svc := f.service(t, nil, Options{BatchSize: 2, ClearSource: true})
	result, err := svc.MigrateUser(ctx, userID, f.user)
	require.NoError(t, err)
	require.Empty(t, result.Errors)
	assert.True(t, result.Success())
	assert.Equal(t, 13, result.Total())
	assert.Equal(t, map[records.Category]int{
		records.CategoryDocuments:         3,
		records.CategoryBiomarkers:        3,
		records.CategoryProfileFields:     3,
		records.CategoryHealthReports:     1,
		records.CategoryLinkedCredentials: 3,
	}, result.Migrated)
	assert.False(t, result.FinishedAt.Before(result.StartedAt))

	doc := f.get(t, records.CategoryDocuments, "d2")
	assert.Nil(t, doc.LegacyCiphertext)
	assert.Nil(t, doc.Plaintext)
	data, err := f.user.DecryptBytes(doc.VaultCiphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("scan"), data)

	n, err := f.user.DecryptNumber(f.get(t, records.CategoryBiomarkers, "b2").VaultCiphertext)
	require.NoError(t, err)
	assert.Equal(t, 3.1, n)

	s, err := f.user.DecryptData(f.get(t, records.CategoryProfileFields, "p1").VaultCiphertext)
	require.NoError(t, err)
	assert.Equal(t, "1985-04-12", s)

	empty, err := f.user.DecryptData(f.get(t, records.CategoryProfileFields, "p3").VaultCiphertext)
	require.NoError(t, err)
	assert.Equal(t, "", empty)
	blank, err := f.user.DecryptBytes(f.get(t, records.CategoryDocuments, "d3").VaultCiphertext)
	require.NoError(t, err)
	assert.Empty(t, blank)

	var report map[string]int
	require.NoError(t, f.user.DecryptJSON(f.get(t, records.CategoryHealthReports, "h1").VaultCiphertext, &report))
	assert.Equal(t, 82, report["score"])

	for id, want := range map[string]string{"c1": "portal-pass-1", "c2": "portal-pass-2", "c3": "portal-pass-3"} {
		cred, err := f.user.DecryptCredential(f.get(t, records.CategoryLinkedCredentials, id).VaultCiphertext)
		require.NoError(t, err)
		assert.Equal(t, want, string(cred))
	}

	assert.Nil(t, f.get(t, records.CategoryProfileFields, "z1").VaultCiphertext)

	// second run converts nothing
	again, err := svc.MigrateUser(ctx, userID, f.user)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Total())
	assert.Empty(t, again.Errors)

	started, err := f.audit.Query(audit.QueryOptions{Action: "MIGRATION_STARTED"})
	require.NoError(t, err)
	assert.Equal(t, 2, started.Filtered)
	completed, err := f.audit.Query(audit.QueryOptions{Action: "MIGRATION_COMPLETED"})
	require.NoError(t, err)
	assert.Equal(t, 2, completed.Filtered)
}

func TestMigrateUserKeepsSource(t *testing.T) {
	f := newFixture(t)
	f.insert(t, &records.Item{Category: records.CategoryBiomarkers, ID: "b1", Kind: records.KindNumber, Plaintext: []byte("7")})

	result, err := f.service(t, nil, Options{}).MigrateUser(context.Background(), userID, f.user)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total())

	item := f.get(t, records.CategoryBiomarkers, "b1")
	assert.Equal(t, []byte("7"), item.Plaintext)
	assert.NotNil(t, item.VaultCiphertext)
}

func TestMigrateUserItemErrorsAreIsolated(t *testing.T) {
	f := newFixture(t)
	must := mustBytes(t)

	f.insert(t, &records.Item{Category: records.CategoryBiomarkers, ID: "b1", Kind: records.KindNumber, Plaintext: []byte("abc")})
	f.insert(t, &records.Item{Category: records.CategoryBiomarkers, ID: "b2", Kind: records.KindNumber, Plaintext: []byte("4.2")})
	f.insert(t, &records.Item{Category: records.CategoryHealthReports, ID: "h1", Kind: records.KindJSON, Plaintext: []byte("{broken")})
	f.insert(t, &records.Item{Category: records.CategoryProfileFields, ID: "p1", Kind: records.KindString,
		LegacyCiphertext: []byte("opaque"), Scheme: "rot13"})
	f.insert(t, &records.Item{Category: records.CategoryProfileFields, ID: "p2", Kind: records.KindString,
		LegacyCiphertext: must(f.global.EncryptData("needs global")), Scheme: records.SchemeGlobal})
	f.insert(t, &records.Item{Category: records.CategoryLinkedCredentials, ID: "c1", Kind: records.KindString,
		LegacyCiphertext: bytes.Repeat([]byte{0x5a}, 64), Scheme: records.SchemeLegacy})
	f.global.Lock()

	svc := f.service(t, nil, Options{BatchSize: 1})
	result, err := svc.MigrateUser(context.Background(), userID, f.user)
	require.NoError(t, err)
	assert.False(t, result.Success())
	assert.Equal(t, 1, result.Total())
	require.Len(t, result.Errors, 5)

	byID := make(map[string]ItemError)
	for _, e := range result.Errors {
		byID[e.ItemID] = e
	}
	assert.ErrorIs(t, byID["b1"], ErrMalformedValue)
	assert.ErrorIs(t, byID["h1"], ErrMalformedValue)
	assert.ErrorIs(t, byID["p1"], ErrUnknownScheme)
	assert.ErrorIs(t, byID["p2"], ErrGlobalLocked)
	assert.ErrorIs(t, byID["c1"], medvault.ErrDecryption)

	// unlocking the global vault lets the next run pick up the legacy item
	ok, err := f.global.Unlock("operator-master-password")
	require.NoError(t, err)
	require.True(t, ok)

	again, err := svc.MigrateUser(context.Background(), userID, f.user)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Migrated[records.CategoryProfileFields])
	assert.Len(t, again.Errors, 4)
}

func TestMigrateUserRequiresUnlockedTarget(t *testing.T) {
	f := newFixture(t)
	f.user.Lock()

	_, err := f.service(t, nil, Options{}).MigrateUser(context.Background(), userID, f.user)
	assert.ErrorIs(t, err, medvault.ErrLocked)

	_, err = f.service(t, nil, Options{}).MigrateUser(context.Background(), userID, nil)
	assert.ErrorIs(t, err, medvault.ErrLocked)
}

// faultyRepo wraps a repository to inject commit failures and observe batches.
type faultyRepo struct {
	records.Repository
	mu        sync.Mutex
	failTx    int
	commits   int
	afterTxFn func()
}

func (r *faultyRepo) WithTx(ctx context.Context, fn func(ctx context.Context, w records.Writer) error) error {
	r.mu.Lock()
	fail := r.failTx > 0
	if fail {
		r.failTx--
	}
	r.mu.Unlock()

	if fail {
		return errors.New("deadlock detected")
	}
	err := r.Repository.WithTx(ctx, fn)
	r.mu.Lock()
	r.commits++
	r.mu.Unlock()
	if r.afterTxFn != nil {
		r.afterTxFn()
	}
	return err
}

func seedStrings(t *testing.T, f *fixture, n int) {
	for i := 0; i < n; i++ {
		f.insert(t, &records.Item{Category: records.CategoryProfileFields, ID: fmt.Sprintf("p%02d", i),
			Kind: records.KindString, Plaintext: []byte("v")})
	}
}

func TestMigrateUserBatchCommitFailure(t *testing.T) {
	f := newFixture(t)
	seedStrings(t, f, 5)

	repo := &faultyRepo{Repository: f.repo, failTx: 1}
	svc := f.service(t, repo, Options{BatchSize: 2, Categories: []records.Category{records.CategoryProfileFields}})

	result, err := svc.MigrateUser(context.Background(), userID, f.user)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Total())
	require.Len(t, result.Errors, 2)
	assert.Equal(t, "p00", result.Errors[0].ItemID)
	assert.Equal(t, "p01", result.Errors[1].ItemID)
	assert.Equal(t, 3, result.Batches)

	again, err := svc.MigrateUser(context.Background(), userID, f.user)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Total())
	assert.True(t, again.Success())
}

func TestMigrateUserCancellation(t *testing.T) {
	f := newFixture(t)
	seedStrings(t, f, 6)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := &faultyRepo{Repository: f.repo, afterTxFn: cancel}
	svc := f.service(t, repo, Options{BatchSize: 2})

	result, err := svc.MigrateUser(ctx, userID, f.user)
	require.NoError(t, err)
	assert.True(t, result.Cancelled)
	assert.False(t, result.Success())
	assert.Equal(t, 2, result.Total())
	assert.Equal(t, 1, repo.commits)

	cancelled, err := f.audit.Query(audit.QueryOptions{Action: "MIGRATION_CANCELLED"})
	require.NoError(t, err)
	assert.Equal(t, 1, cancelled.Filtered)

	rest, err := svc.MigrateUser(context.Background(), userID, f.user)
	require.NoError(t, err)
	assert.Equal(t, 4, rest.Total())
}

// cancellingRepo cancels the run once the first pending page was read.
type cancellingRepo struct {
	records.Repository
	cancel context.CancelFunc
	once   sync.Once
}

func (r *cancellingRepo) Pending(ctx context.Context, userID string, category records.Category, afterID string, limit int) ([]*records.Item, error) {
	items, err := r.Repository.Pending(ctx, userID, category, afterID, limit)
	r.once.Do(r.cancel)
	return items, err
}

func TestMigrateUserCancelledMidBatch(t *testing.T) {
	f := newFixture(t)
	seedStrings(t, f, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := &cancellingRepo{Repository: f.repo, cancel: cancel}
	svc := f.service(t, repo, Options{BatchSize: 2, ClearSource: true,
		Categories: []records.Category{records.CategoryProfileFields}})

	result, err := svc.MigrateUser(ctx, userID, f.user)
	require.NoError(t, err)
	assert.True(t, result.Cancelled)
	assert.Empty(t, result.Errors, "a stop request is not an item failure")
	assert.Equal(t, 2, result.Total(), "the batch in flight is committed")
	assert.NotNil(t, f.get(t, records.CategoryProfileFields, "p01").VaultCiphertext)
	assert.Nil(t, f.get(t, records.CategoryProfileFields, "p02").VaultCiphertext)

	rest, err := svc.MigrateUser(context.Background(), userID, f.user)
	require.NoError(t, err)
	assert.Equal(t, 2, rest.Total())
	assert.True(t, rest.Success())
}

func TestRepair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insert(t, &records.Item{Category: records.CategoryProfileFields, ID: "p1", Kind: records.KindString, Plaintext: []byte("keep")})
	f.insert(t, &records.Item{Category: records.CategoryProfileFields, ID: "p2", Kind: records.KindString, Plaintext: []byte("fix me")})

	svc := f.service(t, nil, Options{})
	_, err := svc.MigrateUser(ctx, userID, f.user)
	require.NoError(t, err)
	before := f.get(t, records.CategoryProfileFields, "p1").VaultCiphertext

	// p2 was mistakenly sealed by the global vault
	wrong, err := f.global.EncryptData("fix me")
	require.NoError(t, err)
	require.NoError(t, f.repo.WithTx(ctx, func(ctx context.Context, w records.Writer) error {
		return w.SaveVaultCiphertext(ctx, records.CategoryProfileFields, "p2", wrong, false)
	}))

	// p3 is unreadable and has no source
	f.insert(t, &records.Item{Category: records.CategoryProfileFields, ID: "p3", Kind: records.KindString, VaultCiphertext: wrong})

	result, err := svc.Repair(ctx, userID, f.user)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Migrated[records.CategoryProfileFields])
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "p3", result.Errors[0].ItemID)
	assert.ErrorIs(t, result.Errors[0], ErrUnrecoverable)

	fixed, err := f.user.DecryptData(f.get(t, records.CategoryProfileFields, "p2").VaultCiphertext)
	require.NoError(t, err)
	assert.Equal(t, "fix me", fixed)
	assert.Equal(t, before, f.get(t, records.CategoryProfileFields, "p1").VaultCiphertext)
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(nil, nil, nil, nil, nil, Options{})
	assert.Error(t, err)

	f := newFixture(t)
	svc, err := NewService(f.repo, nil, nil, nil, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchSize, svc.options.BatchSize)
	assert.Equal(t, records.Categories(), svc.options.Categories)
}
