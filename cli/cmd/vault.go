package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"southwinds.dev/medvault"
)

var statusVerify bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialise the global vault",
	Long: `Create the global vault configuration from a master password.

The master password is never stored. Only a salt and a one-way verifier are
written to the store, so a lost master password cannot be recovered.`,
	Args: cobra.NoArgs,
	RunE: runAudited(runInit),
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store and global vault status",
	Long: `Display the configured store, whether the global vault has been
initialised, and how many users have a vault. With --verify the master
password is checked against the stored verifier.`,
	Args: cobra.NoArgs,
	RunE: runAudited(runStatus),
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVar(&statusVerify, "verify", false, "check the master password")
}

func newGlobalVault() (*medvault.GlobalVault, error) {
	return medvault.NewGlobalVault(vaultOptions(), store, auditLogger)
}

func runInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	global, err := newGlobalVault()
	if err != nil {
		return err
	}
	defer global.Lock()

	configured, err := global.IsConfigured()
	if err != nil {
		return err
	}
	if configured {
		return medvault.ErrAlreadyConfigured
	}

	password := configuredMasterPassword()
	if password == "" {
		if password, err = promptNewSecret(out, "New master password: "); err != nil {
			return err
		}
	}

	if err = global.Initialize(password); err != nil {
		return fmt.Errorf("failed to initialise global vault: %w", err)
	}

	fmt.Fprintf(out, "%s Global vault initialised\n", color.GreenString("✓"))
	fmt.Fprintf(out, "Memory protection: %s\n", global.MemoryProtection())
	fmt.Fprintf(out, "%s Store the master password safely. It cannot be recovered.\n", color.YellowString("!"))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "Vault Status")
	fmt.Fprintln(out, "============")
	fmt.Fprintf(out, "Store: %s\n", getStoreConfigSummary(store.GetType()))

	if err := store.Ping(); err != nil {
		fmt.Fprintf(out, "Store Health: %s - %v\n", color.RedString("ERROR"), err)
	} else {
		fmt.Fprintf(out, "Store Health: %s\n", color.GreenString("OK"))
	}

	global, err := newGlobalVault()
	if err != nil {
		return err
	}
	defer global.Lock()

	configured, err := global.IsConfigured()
	if err != nil {
		fmt.Fprintf(out, "Global Vault: %s - %v\n", color.RedString("ERROR"), err)
	} else if configured {
		fmt.Fprintf(out, "Global Vault: configured\n")
	} else {
		fmt.Fprintf(out, "Global Vault: %s\n", color.YellowString("not configured (run 'medvault init')"))
	}
	fmt.Fprintf(out, "Memory Protection: %s\n", global.MemoryProtection())

	users, err := store.ListUsers()
	if err != nil {
		fmt.Fprintf(out, "User Vaults: ERROR - %v\n", err)
	} else {
		fmt.Fprintf(out, "User Vaults: %d\n", len(users))
	}

	if !statusVerify || !configured {
		return nil
	}

	password, err := masterPassword(out)
	if err != nil {
		return err
	}
	ok, err := global.Unlock(password)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(out, "Master Password: %s\n", color.RedString("incorrect"))
		return fmt.Errorf("master password verification failed")
	}
	fmt.Fprintf(out, "Master Password: %s\n", color.GreenString("verified"))
	return nil
}
