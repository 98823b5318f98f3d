package cmd

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"southwinds.dev/medvault"
)

var recoverRegenerate bool

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage per-user vaults",
	Long: `Set up, recover and re-key per-user vaults.

A user vault key is wrapped twice, once under the user's password and once
under a recovery key shown exactly once at setup. Changing the password or
the recovery key never re-encrypts user data.`,
}

var userSetupCmd = &cobra.Command{
	Use:   "setup <user-id>",
	Short: "Create a vault for a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runAudited(runUserSetup),
}

var userChangePasswordCmd = &cobra.Command{
	Use:   "change-password <user-id>",
	Short: "Change the password protecting a user vault",
	Args:  cobra.ExactArgs(1),
	RunE:  runAudited(runUserChangePassword),
}

var userRecoverCmd = &cobra.Command{
	Use:   "recover <user-id>",
	Short: "Unlock a user vault with its recovery key and set a new password",
	Args:  cobra.ExactArgs(1),
	RunE:  runAudited(runUserRecover),
}

var userRegenerateCmd = &cobra.Command{
	Use:   "regenerate-recovery <user-id>",
	Short: "Replace the recovery key of a user vault",
	Args:  cobra.ExactArgs(1),
	RunE:  runAudited(runUserRegenerate),
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users with a vault",
	Args:  cobra.NoArgs,
	RunE:  runUserList,
}

func init() {
	rootCmd.AddCommand(userCmd)

	userCmd.AddCommand(userSetupCmd)
	userCmd.AddCommand(userChangePasswordCmd)
	userCmd.AddCommand(userRecoverCmd)
	userCmd.AddCommand(userRegenerateCmd)
	userCmd.AddCommand(userListCmd)

	userRecoverCmd.Flags().BoolVar(&recoverRegenerate, "regenerate", true, "issue a new recovery key after recovery")
}

func newRegistry() *medvault.SessionRegistry {
	return medvault.NewSessionRegistry(vaultOptions(), store, auditLogger)
}

func runUserSetup(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	userID := args[0]

	registry := newRegistry()
	defer registry.LockAll()

	exists, err := registry.HasVault(userID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("user %s: %w", userID, medvault.ErrVaultExists)
	}

	password, err := promptNewSecret(out, "New vault password: ")
	if err != nil {
		return err
	}

	recoveryKey, err := registry.SetupVault(userID, password)
	if err != nil {
		return fmt.Errorf("failed to set up vault for user %s: %w", userID, err)
	}

	fmt.Fprintf(out, "%s Vault created for %s\n", color.GreenString("✓"), userID)
	printRecoveryKey(out, recoveryKey)
	return nil
}

func runUserChangePassword(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	userID := args[0]

	registry := newRegistry()
	defer registry.LockAll()

	current, err := promptSecret(out, "Current vault password: ")
	if err != nil {
		return err
	}
	if err = unlockUser(registry, userID, func() (bool, error) {
		return registry.UnlockWithPassword(userID, current)
	}); err != nil {
		return err
	}

	password, err := promptNewSecret(out, "New vault password: ")
	if err != nil {
		return err
	}
	if err = registry.ChangePassword(userID, password); err != nil {
		return fmt.Errorf("failed to change password for user %s: %w", userID, err)
	}

	fmt.Fprintf(out, "%s Password changed for %s\n", color.GreenString("✓"), userID)
	return nil
}

func runUserRecover(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	userID := args[0]

	registry := newRegistry()
	defer registry.LockAll()

	key, err := promptRecoveryKey(out)
	if err != nil {
		return err
	}
	if err = unlockUser(registry, userID, func() (bool, error) {
		return registry.UnlockWithRecoveryKey(userID, key)
	}); err != nil {
		return err
	}

	password, err := promptNewSecret(out, "New vault password: ")
	if err != nil {
		return err
	}
	if err = registry.ChangePassword(userID, password); err != nil {
		return fmt.Errorf("failed to set new password for user %s: %w", userID, err)
	}
	fmt.Fprintf(out, "%s Vault recovered for %s\n", color.GreenString("✓"), userID)

	if !recoverRegenerate {
		fmt.Fprintf(out, "%s The recovery key used is still valid\n", color.YellowString("!"))
		return nil
	}

	recoveryKey, err := registry.RegenerateRecoveryKey(userID)
	if err != nil {
		return fmt.Errorf("failed to regenerate recovery key for user %s: %w", userID, err)
	}
	printRecoveryKey(out, recoveryKey)
	return nil
}

func runUserRegenerate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	userID := args[0]

	registry := newRegistry()
	defer registry.LockAll()

	password, err := promptSecret(out, "Vault password: ")
	if err != nil {
		return err
	}
	if err = unlockUser(registry, userID, func() (bool, error) {
		return registry.UnlockWithPassword(userID, password)
	}); err != nil {
		return err
	}

	recoveryKey, err := registry.RegenerateRecoveryKey(userID)
	if err != nil {
		return fmt.Errorf("failed to regenerate recovery key for user %s: %w", userID, err)
	}

	fmt.Fprintf(out, "%s Recovery key replaced for %s. The previous key no longer works.\n", color.GreenString("✓"), userID)
	printRecoveryKey(out, recoveryKey)
	return nil
}

func runUserList(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	users, err := store.ListUsers()
	if err != nil {
		return fmt.Errorf("failed to list user vaults: %w", err)
	}
	if len(users) == 0 {
		fmt.Fprintln(out, "No user vaults found.")
		return nil
	}
	for _, u := range users {
		fmt.Fprintln(out, u)
	}
	return nil
}

// unlockUser runs an unlock attempt and turns a wrong secret into an error.
func unlockUser(registry *medvault.SessionRegistry, userID string, attempt func() (bool, error)) error {
	ok, err := attempt()
	if err != nil {
		return fmt.Errorf("failed to unlock vault for user %s: %w", userID, err)
	}
	if !ok {
		return fmt.Errorf("failed to unlock vault for user %s: incorrect password or recovery key", userID)
	}
	if _, active := registry.Get(userID); !active {
		return fmt.Errorf("user %s: %w", userID, medvault.ErrLocked)
	}
	return nil
}

func printRecoveryKey(w io.Writer, key string) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Recovery key: %s\n", color.CyanString(key))
	fmt.Fprintf(w, "%s It is shown once and is the only way back in without the password.\n", color.YellowString("!"))
}
