package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"regexp"
	"testing"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"southwinds.dev/medvault/audit"
	"southwinds.dev/medvault/persist"
)

// setupTestEnv points the package globals at an in-memory store and resets
// viper to its defaults.
func setupTestEnv(t *testing.T) {
	t.Helper()

	viper.Reset()
	setDefaults()
	color.NoColor = true

	store = persist.NewMemoryStore()
	auditLogger = audit.NewNoOpLogger()
	logger = nil
	cliContext = &CLIContext{Operator: "tester", SessionID: "session-1", Source: "localhost"}

	origReadPassword, origReadLine := readPassword, readLine
	t.Cleanup(func() {
		viper.Reset()
		store = nil
		auditLogger = nil
		cliContext = nil
		readPassword = origReadPassword
		readLine = origReadLine
	})
}

// answerPasswords queues responses for the hidden-input prompts.
func answerPasswords(t *testing.T, answers ...string) {
	t.Helper()
	queue := append([]string(nil), answers...)
	readPassword = func(int) ([]byte, error) {
		if len(queue) == 0 {
			return nil, errors.New("unexpected password prompt")
		}
		next := queue[0]
		queue = queue[1:]
		return []byte(next), nil
	}
}

func answerLine(t *testing.T, answer string) {
	t.Helper()
	readLine = func() (string, error) { return answer, nil }
}

func newTestCommand(t *testing.T) (*cobra.Command, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	cmd := &cobra.Command{Use: "test"}
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetContext(context.Background())
	return cmd, &out
}

var recoveryKeyPattern = regexp.MustCompile(`Recovery key: ([A-Z2-7]{4}(?:-[A-Z2-7]{1,4})+)`)

func extractRecoveryKey(t *testing.T, output string) string {
	t.Helper()
	m := recoveryKeyPattern.FindStringSubmatch(output)
	require.Len(t, m, 2, "no recovery key in output:\n%s", output)
	return m[1]
}
