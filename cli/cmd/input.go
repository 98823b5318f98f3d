package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/viper"
	"golang.org/x/term"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

// readLine is a test seam for reading visible input such as recovery keys.
var readLine = func() (string, error) {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

var errPasswordMismatch = errors.New("passwords do not match")

// promptSecret asks for a hidden value on the terminal.
func promptSecret(w io.Writer, prompt string) (string, error) {
	fmt.Fprint(w, prompt)
	secret, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return string(secret), nil
}

// promptNewSecret asks twice and requires both entries to match.
func promptNewSecret(w io.Writer, prompt string) (string, error) {
	first, err := promptSecret(w, prompt)
	if err != nil {
		return "", err
	}
	second, err := promptSecret(w, "Confirm: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errPasswordMismatch
	}
	return first, nil
}

// configuredMasterPassword returns MEDVAULT_VAULT_MASTER_PASSWORD, used for
// unattended runs.
func configuredMasterPassword() string {
	return viper.GetString("vault.master_password")
}

func masterPassword(w io.Writer) (string, error) {
	if pw := configuredMasterPassword(); pw != "" {
		return pw, nil
	}
	return promptSecret(w, "Master password: ")
}

func promptRecoveryKey(w io.Writer) (string, error) {
	fmt.Fprint(w, "Recovery key: ")
	key, err := readLine()
	if err != nil {
		return "", fmt.Errorf("failed to read recovery key: %w", err)
	}
	return key, nil
}
