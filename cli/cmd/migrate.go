package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"southwinds.dev/medvault"
	"southwinds.dev/medvault/legacy"
	"southwinds.dev/medvault/migration"
	"southwinds.dev/medvault/records"
)

var (
	migrateCategories []string
	migrateRepair     bool
	migrateSkipGlobal bool
	migrateJSON       bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate <user-id>",
	Short: "Re-encrypt a user's data under their vault",
	Long: `Move a user's sensitive fields onto their per-user vault.

Each item is read from its plaintext column or decrypted from legacy
ciphertext (global vault, legacy credential cipher, or both), sealed with the
user's vault key and committed in batches. Items already migrated are
skipped, so the command can be re-run after a partial failure. Interrupting
the command stops it between batches.

With --repair, items whose vault ciphertext no longer opens under the user's
key are re-sealed from their remaining source value.

Examples:
  # Migrate everything, clearing the source columns
  medvault migrate user-42

  # Only documents and biomarkers, keeping the source columns
  medvault migrate user-42 --category documents --category biomarkers --clear-source=false`,
	Args: cobra.ExactArgs(1),
	RunE: runAudited(runMigrate),
}

func init() {
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.Flags().Int("batch-size", 0, "items per transaction")
	migrateCmd.Flags().Bool("clear-source", true, "clear plaintext and legacy columns of migrated items")
	migrateCmd.Flags().String("legacy-secret", "", "secret of the legacy credential cipher (or MEDVAULT_LEGACY_SECRET)")
	migrateCmd.Flags().StringSliceVar(&migrateCategories, "category", nil, "restrict the run to these categories")
	migrateCmd.Flags().BoolVar(&migrateRepair, "repair", false, "re-seal vault ciphertext that fails to decrypt")
	migrateCmd.Flags().BoolVar(&migrateSkipGlobal, "skip-global", false, "do not unlock the global vault")
	migrateCmd.Flags().BoolVar(&migrateJSON, "json", false, "print the result as JSON")

	bindMigrateFlag("migration.batch_size", "batch-size")
	bindMigrateFlag("migration.clear_source", "clear-source")
	bindMigrateFlag("legacy.secret", "legacy-secret")
}

func bindMigrateFlag(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, migrateCmd.Flags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func migrationOptions() (migration.Options, error) {
	options := migration.Options{
		BatchSize:   viper.GetInt("migration.batch_size"),
		ClearSource: viper.GetBool("migration.clear_source"),
	}
	for _, name := range migrateCategories {
		category, err := records.ParseCategory(strings.TrimSpace(name))
		if err != nil {
			return options, err
		}
		options.Categories = append(options.Categories, category)
	}
	return options, nil
}

// recordsDSN defaults to a SQLite file inside the filesystem store.
func recordsDSN(dialect records.Dialect) (string, error) {
	if dsn := viper.GetString("records.dsn"); dsn != "" {
		return dsn, nil
	}
	if dialect != records.DialectSQLite {
		return "", fmt.Errorf("records.dsn is required for the %s dialect", dialect)
	}
	return filepath.Join(viper.GetString("store.path"), "records.db"), nil
}

func openRecords(ctx context.Context) (*records.SQLRepository, error) {
	dialect, err := records.ParseDialect(viper.GetString("records.dialect"))
	if err != nil {
		return nil, err
	}
	dsn, err := recordsDSN(dialect)
	if err != nil {
		return nil, err
	}
	return records.Open(ctx, dialect, dsn)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	userID := args[0]

	options, err := migrationOptions()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	repo, err := openRecords(ctx)
	if err != nil {
		return fmt.Errorf("failed to open records database: %w", err)
	}
	defer repo.Close()

	global, err := newGlobalVault()
	if err != nil {
		return err
	}
	defer global.Lock()
	if !migrateSkipGlobal {
		if err = unlockGlobalForMigration(out, global); err != nil {
			return err
		}
	}

	var legacyCipher *legacy.CredentialCipher
	if secret := viper.GetString("legacy.secret"); secret != "" {
		if legacyCipher, err = legacy.NewCredentialCipher(secret); err != nil {
			return err
		}
	}

	registry := newRegistry()
	defer registry.LockAll()

	password, err := promptSecret(out, fmt.Sprintf("Vault password for %s: ", userID))
	if err != nil {
		return err
	}
	if err = unlockUser(registry, userID, func() (bool, error) {
		return registry.UnlockWithPassword(userID, password)
	}); err != nil {
		return err
	}
	target, err := sessionCipher(registry, userID)
	if err != nil {
		return err
	}

	service, err := migration.NewService(repo, global, legacyCipher, logger, auditLogger, options)
	if err != nil {
		return err
	}

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
	var result *migration.Result
	if migrateRepair {
		s.Suffix = " Repairing vault ciphertext..."
		s.Start()
		result, err = service.Repair(ctx, userID, target)
	} else {
		s.Suffix = " Migrating user data..."
		s.Start()
		result, err = service.MigrateUser(ctx, userID, target)
	}
	s.Stop()

	if result != nil {
		if migrateJSON {
			if jsonErr := printResultJSON(out, result); jsonErr != nil {
				return jsonErr
			}
		} else {
			printResult(out, result)
		}
	}
	if err != nil {
		return fmt.Errorf("migration for user %s failed: %w", userID, err)
	}
	if !result.Success() {
		return fmt.Errorf("migration for user %s finished with %d item errors", userID, len(result.Errors))
	}
	return nil
}

// unlockGlobalForMigration unlocks the global vault when it is configured.
// Without it, items sealed by the global vault fail individually.
func unlockGlobalForMigration(w io.Writer, global *medvault.GlobalVault) error {
	configured, err := global.IsConfigured()
	if err != nil {
		return err
	}
	if !configured {
		fmt.Fprintf(w, "%s Global vault is not configured; globally encrypted items will be skipped\n", color.YellowString("!"))
		return nil
	}

	password, err := masterPassword(w)
	if err != nil {
		return err
	}
	ok, err := global.Unlock(password)
	if err != nil {
		return fmt.Errorf("failed to unlock global vault: %w", err)
	}
	if !ok {
		return fmt.Errorf("failed to unlock global vault: incorrect master password")
	}
	return nil
}

func printResult(w io.Writer, result *migration.Result) {
	status := color.GreenString("✓ completed")
	switch {
	case result.Cancelled:
		status = color.YellowString("! cancelled")
	case len(result.Errors) > 0:
		status = color.RedString("✗ completed with errors")
	}

	fmt.Fprintf(w, "Run %s %s in %s\n", result.RunID, status,
		result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CATEGORY\tMIGRATED")
	categories := make([]string, 0, len(result.Migrated))
	for c := range result.Migrated {
		categories = append(categories, string(c))
	}
	sort.Strings(categories)
	for _, c := range categories {
		fmt.Fprintf(tw, "%s\t%d\n", c, result.Migrated[records.Category(c)])
	}
	fmt.Fprintf(tw, "total\t%d\n", result.Total())
	_ = tw.Flush()

	if len(result.Errors) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s\n", color.RedString("Item errors:"))
	for _, e := range result.Errors {
		fmt.Fprintf(w, "  - %s\n", e.Error())
	}
}

func printResultJSON(w io.Writer, result *migration.Result) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

// sessionCipher returns the user's unlocked vault. A missing session is
// reported as ErrLocked and never as a nil vault behind a Cipher.
func sessionCipher(registry *medvault.SessionRegistry, userID string) (medvault.Cipher, error) {
	vault, ok := registry.Get(userID)
	if !ok {
		return nil, fmt.Errorf("no session for user %s: %w", userID, medvault.ErrLocked)
	}
	return vault, nil
}
