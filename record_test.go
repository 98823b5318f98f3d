package medvault

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordEncoding(t *testing.T) {
	_, result := newTestUserVault(t, "alice")

	data, err := MarshalRecord(result.Record)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, field := range []string{"version", "password_salt", "encrypted_vault_key",
		"recovery_salt", "encrypted_vault_key_recovery", "recovery_key_hash"} {
		assert.Contains(t, raw, field)
	}
	assert.Len(t, raw["recovery_key_hash"], 64)

	parsed, err := ParseRecord(data)
	require.NoError(t, err)
	assert.Equal(t, result.Record, parsed)
}

func TestParseRecordVersions(t *testing.T) {
	_, result := newTestUserVault(t, "alice")
	data, err := MarshalRecord(result.Record)
	require.NoError(t, err)

	t.Run("MissingVersionIsV1", func(t *testing.T) {
		var raw map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &raw))
		delete(raw, "version")
		delete(raw, "iterations")
		legacy, err := json.Marshal(raw)
		require.NoError(t, err)

		record, err := ParseRecord(legacy)
		require.NoError(t, err)
		assert.Equal(t, RecordVersionV1, record.Version)
		assert.Equal(t, DefaultOptions().WrapIterations, record.iterations())

		vault, err := NewUserVault("alice", DefaultOptions(), nil)
		require.NoError(t, err)
		ok, err := vault.UnlockWithPassword(testUserPassword, record)
		require.NoError(t, err)
		assert.True(t, ok)
		vault.Lock()
	})

	t.Run("FutureVersionRejected", func(t *testing.T) {
		future := strings.Replace(string(data), `"version": 1`, `"version": 9`, 1)
		_, err := ParseRecord([]byte(future))
		assert.ErrorIs(t, err, ErrUnsupportedRecordVersion)
	})
}

func TestRecordValidate(t *testing.T) {
	_, result := newTestUserVault(t, "alice")

	cases := map[string]func(r *UserVaultRecord){
		"ShortPasswordSalt": func(r *UserVaultRecord) { r.PasswordSalt = r.PasswordSalt[:8] },
		"ShortRecoverySalt": func(r *UserVaultRecord) { r.RecoverySalt = nil },
		"TruncatedWrap":     func(r *UserVaultRecord) { r.EncryptedVaultKey = r.EncryptedVaultKey[:40] },
		"TruncatedRecovery": func(r *UserVaultRecord) { r.EncryptedVaultKeyRecovery = r.EncryptedVaultKeyRecovery[:1] },
		"BadHash":           func(r *UserVaultRecord) { r.RecoveryKeyHash = "zz" },
		"WeakIterations":    func(r *UserVaultRecord) { r.Iterations = 1000 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			record := result.Record.Clone()
			mutate(record)
			assert.ErrorIs(t, record.Validate(), ErrInvalidRecord)

			_, err := MarshalRecord(record)
			assert.Error(t, err)
		})
	}

	_, err := ParseRecord([]byte("{not json"))
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestRecordClone(t *testing.T) {
	_, result := newTestUserVault(t, "alice")
	clone := result.Record.Clone()
	clone.PasswordSalt[0] ^= 0xff
	assert.NotEqual(t, result.Record.PasswordSalt, clone.PasswordSalt)
}

func TestRecoveryKeyFormat(t *testing.T) {
	raw := make([]byte, 32)
	formatted := formatRecoveryKey(raw)
	assert.Equal(t, "AAAA-AAAA-AAAA-AAAA-AAAA-AAAA-AAAA-AAAA-AAAA-AAAA-AAAA-AAAA-AAAA", formatted)

	parsed, ok := parseRecoveryKey(strings.ToLower(formatted))
	require.True(t, ok)
	assert.Equal(t, raw, parsed)

	_, ok = parseRecoveryKey("AAAA-AAAA")
	assert.False(t, ok)
	_, ok = parseRecoveryKey("!!!!")
	assert.False(t, ok)
}

func TestMatchRecoveryKey(t *testing.T) {
	display, raw, err := generateRecoveryKey()
	require.NoError(t, err)
	hash := hashRecoveryKey(raw)

	parsed, ok := parseRecoveryKey(display)
	require.True(t, ok)
	assert.True(t, matchRecoveryKey(parsed, hash))
	assert.Equal(t, raw, parsed)

	other, _, err := generateRecoveryKey()
	require.NoError(t, err)
	wrong, ok := parseRecoveryKey(other)
	require.True(t, ok)
	assert.False(t, matchRecoveryKey(wrong, hash))
	assert.Equal(t, make([]byte, len(wrong)), wrong, "a rejected key is wiped")
}

func TestOptionsValidate(t *testing.T) {
	require.NoError(t, DefaultOptions().Validate())
	require.NoError(t, Options{}.Validate())
	require.NoError(t, Options{WrapIterations: 900_000, MinUserPasswordLength: 12}.Validate())

	assert.Error(t, Options{MinMasterPasswordLength: 8}.Validate())
	assert.Error(t, Options{MinUserPasswordLength: 4}.Validate())
	assert.Error(t, Options{GlobalIterations: 10_000}.Validate())
	assert.Error(t, Options{WrapIterations: 100_000}.Validate())
}
