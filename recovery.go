package medvault

import (
	"encoding/base32"
	"strings"

	"github.com/awnumar/memguard"
	"southwinds.dev/medvault/internal/crypto"
	"southwinds.dev/medvault/internal/misc"
)

var recoveryEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// generateRecoveryKey returns the display form of a fresh recovery key and
// its raw bytes, e.g. "ABCD-EFGH-...-XYZ".
func generateRecoveryKey() (string, []byte, error) {
	raw, err := crypto.RandomBytes(misc.RecoveryKeySize)
	if err != nil {
		return "", nil, err
	}
	return formatRecoveryKey(raw), raw, nil
}

func formatRecoveryKey(raw []byte) string {
	encoded := recoveryEncoding.EncodeToString(raw)

	var b strings.Builder
	for i := 0; i < len(encoded); i += misc.RecoveryGroupSize {
		if i > 0 {
			b.WriteByte('-')
		}
		end := i + misc.RecoveryGroupSize
		if end > len(encoded) {
			end = len(encoded)
		}
		b.WriteString(encoded[i:end])
	}
	return b.String()
}

// parseRecoveryKey accepts any casing, dashes and whitespace. ok is false
// for keys that do not decode to exactly RecoveryKeySize bytes.
func parseRecoveryKey(key string) (raw []byte, ok bool) {
	normalized := strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, strings.ToUpper(key))

	raw, err := recoveryEncoding.DecodeString(normalized)
	if err != nil || len(raw) != misc.RecoveryKeySize {
		return nil, false
	}
	return raw, true
}

// hashRecoveryKey is the hex SHA-256 stored in the record for a fast,
// constant-time pre-check before the expensive key derivation.
func hashRecoveryKey(raw []byte) string {
	return crypto.CalculateChecksum(raw)
}

// matchRecoveryKey compares raw against the stored hash in constant time.
// raw is wiped when it does not match; on a match the caller owns it.
func matchRecoveryKey(raw []byte, hash string) bool {
	if crypto.ConstantTimeEqual([]byte(hashRecoveryKey(raw)), []byte(hash)) {
		return true
	}
	memguard.WipeBytes(raw)
	return false
}
