package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"southwinds.dev/medvault"
	"southwinds.dev/medvault/audit"
	"southwinds.dev/medvault/logging"
	"southwinds.dev/medvault/persist"
)

var (
	cfgFile     string
	envFile     string
	store       persist.Store
	auditLogger audit.Logger
	logger      logging.Logger
	cliContext  *CLIContext
)

type CLIContext struct {
	Operator  string
	SessionID string
	Source    string // hostname
	StartTime time.Time
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "medvault",
	Short: "Administer encryption at rest for personal health data",
	Long: `medvault manages the keys protecting personal health data at rest.

It initialises the operator-held global vault, sets up and recovers per-user
vaults, and migrates a user's plaintext and legacy ciphertext onto their
own vault key.`,
	SilenceUsage:       true,
	PersistentPreRunE:  initializeEnvironment,
	PersistentPostRunE: closeEnvironment,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", formatError(err))
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.medvault.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	// Store flags
	rootCmd.PersistentFlags().String("store-type", "", "vault store backend (filesystem, s3, memory)")
	rootCmd.PersistentFlags().StringP("store-path", "p", "", "base path of the filesystem store")
	bindFlagOrPanic("store.type", "store-type")
	bindFlagOrPanic("store.path", "store-path")

	// S3 flags
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint (host:port)")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "use SSL for S3 connections")
	bindFlagOrPanic("store.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("store.s3.region", "s3-region")
	bindFlagOrPanic("store.s3.bucket", "s3-bucket")
	bindFlagOrPanic("store.s3.prefix", "s3-prefix")
	bindFlagOrPanic("store.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("store.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("store.s3.use_ssl", "s3-use-ssl")

	// Records database flags
	rootCmd.PersistentFlags().String("db-dialect", "", "records database dialect (sqlite, postgres)")
	rootCmd.PersistentFlags().String("db-dsn", "", "records database connection string")
	bindFlagOrPanic("records.dialect", "db-dialect")
	bindFlagOrPanic("records.dsn", "db-dsn")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")
	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	rootCmd.PersistentFlags().String("log-level", "", "operational log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "operational log format (console, json)")
	bindFlagOrPanic("log.level", "log-level")
	bindFlagOrPanic("log.format", "log-format")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	// a missing dotenv file is fine; a malformed one is reported
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err = godotenv.Load(envFile); err != nil {
				fmt.Fprintf(os.Stderr, "Error loading %s: %v\n", envFile, err)
			}
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/medvault")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".medvault")
	}

	viper.SetEnvPrefix("MEDVAULT")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	} else if os.Getenv("DEBUG") == "true" {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

func setDefaults() {
	viper.SetDefault("store.type", string(persist.StoreTypeFileSystem))
	viper.SetDefault("store.path", ".medvault")

	viper.SetDefault("store.s3.region", "us-east-1")
	viper.SetDefault("store.s3.prefix", "medvault/")
	viper.SetDefault("store.s3.use_ssl", true)

	viper.SetDefault("records.dialect", "sqlite")
	viper.SetDefault("records.dsn", "")

	viper.SetDefault("vault.min_master_password_length", medvault.DefaultMinMasterPasswordLength)
	viper.SetDefault("vault.min_user_password_length", medvault.DefaultMinUserPasswordLength)
	viper.SetDefault("vault.enable_memory_lock", false)

	viper.SetDefault("migration.batch_size", 100)
	viper.SetDefault("migration.clear_source", true)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", string(audit.FileAuditType))
	viper.SetDefault("audit.options.file_path", "audit.log")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
}

// skipsEnvironment reports commands that run without a store.
func skipsEnvironment(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "completion", "__complete", "config", "debug-config":
			return true
		}
	}
	return false
}

func initializeEnvironment(cmd *cobra.Command, args []string) error {
	if skipsEnvironment(cmd) {
		return nil
	}

	cliContext = &CLIContext{
		Operator:  getCurrentUser(),
		SessionID: generateSessionID(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}

	logger = createLogger()

	// relative audit paths live next to the filesystem store
	if auditPath := viper.GetString("audit.options.file_path"); !filepath.IsAbs(auditPath) &&
		viper.GetString("store.type") == string(persist.StoreTypeFileSystem) {
		viper.Set("audit.options.file_path", filepath.Join(viper.GetString("store.path"), auditPath))
	}

	var err error
	auditLogger, err = createAuditLogger()
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	store, err = createStore()
	if err != nil {
		return fmt.Errorf("failed to open vault store: %w", err)
	}

	logger.Debug(cmd.Context(), "environment ready",
		"command", cmd.CommandPath(),
		"store", store.GetType(),
		"session_id", cliContext.SessionID)
	return nil
}

func closeEnvironment(cmd *cobra.Command, args []string) error {
	var errs []error
	if store != nil {
		errs = append(errs, store.Close())
		store = nil
	}
	if auditLogger != nil {
		errs = append(errs, auditLogger.Close())
		auditLogger = nil
	}
	return errors.Join(errs...)
}

func vaultOptions() medvault.Options {
	return medvault.Options{
		MinMasterPasswordLength: viper.GetInt("vault.min_master_password_length"),
		MinUserPasswordLength:   viper.GetInt("vault.min_user_password_length"),
		GlobalIterations:        viper.GetInt("vault.global_iterations"),
		WrapIterations:          viper.GetInt("vault.wrap_iterations"),
		EnableMemoryLock:        viper.GetBool("vault.enable_memory_lock"),
		Logger:                  logger,
	}
}

// diagnostics returns the command logger, or a stderr logger when the
// environment has not been initialised.
func diagnostics() logging.Logger {
	if logger != nil {
		return logger
	}
	return logging.New(os.Stderr, "warn", true)
}

func createLogger() logging.Logger {
	return logging.New(os.Stderr, viper.GetString("log.level"), viper.GetString("log.format") != "json")
}

func createAuditLogger() (audit.Logger, error) {
	return audit.NewLogger(&audit.Config{
		Enabled: viper.GetBool("audit.enabled"),
		Service: "medvault-cli",
		Type:    audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path": viper.GetString("audit.options.file_path"),
		},
		LogLevel: viper.GetString("log.level"),
	})
}

func createStore() (persist.Store, error) {
	storeType := persist.StoreType(strings.ToLower(viper.GetString("store.type")))

	switch storeType {
	case persist.StoreTypeFileSystem:
		return persist.NewStore(persist.StoreConfig{
			Type:   storeType,
			Config: map[string]interface{}{"base_path": viper.GetString("store.path")},
		})

	case persist.StoreTypeS3:
		s3Config := s3ConfigFromViper()
		if err := validateS3Config(s3Config); err != nil {
			return nil, fmt.Errorf("invalid S3 configuration: %w", err)
		}
		return persist.NewS3Store(s3Config)

	case persist.StoreTypeMemory:
		return persist.NewStore(persist.StoreConfig{Type: storeType})

	default:
		return nil, fmt.Errorf("unsupported store type: %s. Supported types: filesystem, s3, memory", storeType)
	}
}

func s3ConfigFromViper() persist.S3Config {
	return persist.S3Config{
		Endpoint:        viper.GetString("store.s3.endpoint"),
		AccessKeyID:     viper.GetString("store.s3.access_key_id"),
		SecretAccessKey: viper.GetString("store.s3.secret_access_key"),
		Bucket:          viper.GetString("store.s3.bucket"),
		KeyPrefix:       viper.GetString("store.s3.prefix"),
		UseSSL:          viper.GetBool("store.s3.use_ssl"),
		Region:          viper.GetString("store.s3.region"),
	}
}

func validateS3Config(config persist.S3Config) error {
	var missing []string

	if config.Endpoint == "" {
		missing = append(missing, "store.s3.endpoint")
	}
	if config.Bucket == "" {
		missing = append(missing, "store.s3.bucket")
	}
	if config.Region == "" {
		missing = append(missing, "store.s3.region")
	}

	hasAccessKey := config.AccessKeyID != ""
	hasSecretKey := config.SecretAccessKey != ""

	if hasAccessKey && !hasSecretKey {
		missing = append(missing, "store.s3.secret_access_key")
	}
	if !hasAccessKey && hasSecretKey {
		missing = append(missing, "store.s3.access_key_id")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	return nil
}

func getStoreConfigSummary(storeType string) string {
	switch persist.StoreType(strings.ToLower(storeType)) {
	case persist.StoreTypeFileSystem:
		return fmt.Sprintf("Filesystem store: path=%s", viper.GetString("store.path"))
	case persist.StoreTypeS3:
		return fmt.Sprintf("S3 store: bucket=%s, region=%s, prefix=%s",
			viper.GetString("store.s3.bucket"),
			viper.GetString("store.s3.region"),
			viper.GetString("store.s3.prefix"))
	case persist.StoreTypeMemory:
		return "Memory store (state is lost on exit)"
	default:
		return fmt.Sprintf("Unknown store type: %s", storeType)
	}
}

func isSensitiveFlag(name string) bool {
	sensitive := []string{"password", "secret", "key", "token", "dsn"}
	lower := strings.ToLower(name)
	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// getCurrentUser returns the OS account running the command, falling back
// to $USER and then "unknown_user".
func getCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		if envUser := os.Getenv("USER"); envUser != "" {
			return envUser
		}
		diagnostics().Warn(context.Background(), "could not get current user, falling back to unknown_user", "error", err)
		return "unknown_user"
	}
	return currentUser.Username
}

func generateSessionID() string {
	return uuid.NewString()
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		diagnostics().Warn(context.Background(), "could not get hostname, falling back to unknown_host", "error", err)
		return "unknown_host"
	}
	return hostname
}

// Debug command to show current configuration
var debugConfigCmd = &cobra.Command{
	Use:   "debug-config",
	Short: "Show current configuration values",
	Long:  "Display the current configuration values read from files, environment variables, and defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Configuration Debug Information\n")
		fmt.Fprintf(out, "==============================\n\n")

		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(out, "Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintf(out, "Config file: none found\n")
		}

		fmt.Fprintf(out, "\nEnvironment Variables (MEDVAULT_* prefix):\n")
		for _, env := range os.Environ() {
			if !strings.HasPrefix(env, "MEDVAULT_") {
				continue
			}
			parts := strings.SplitN(env, "=", 2)
			if len(parts) != 2 {
				continue
			}
			if isSensitiveFlag(parts[0]) {
				fmt.Fprintf(out, "  %s=***REDACTED***\n", parts[0])
			} else {
				fmt.Fprintf(out, "  %s=%s\n", parts[0], parts[1])
			}
		}

		storeType := viper.GetString("store.type")
		fmt.Fprintf(out, "\nStore:\n  %s\n", getStoreConfigSummary(storeType))

		fmt.Fprintf(out, "\nRecords Database:\n")
		fmt.Fprintf(out, "  Dialect: %s\n", viper.GetString("records.dialect"))
		fmt.Fprintf(out, "  DSN: %s\n", setOrNot(viper.GetString("records.dsn")))
		fmt.Fprintf(out, "  Legacy Secret: %s\n", setOrNot(viper.GetString("legacy.secret")))

		fmt.Fprintf(out, "\nAudit Configuration:\n")
		fmt.Fprintf(out, "  Enabled: %v\n", viper.GetBool("audit.enabled"))
		fmt.Fprintf(out, "  Type: %s\n", viper.GetString("audit.type"))
		fmt.Fprintf(out, "  File Path: %s\n", viper.GetString("audit.options.file_path"))

		return nil
	},
}

func setOrNot(v string) string {
	if v != "" {
		return "***SET***"
	}
	return "***NOT SET***"
}

func init() {
	rootCmd.AddCommand(debugConfigCmd)
}

func auditCmdStart(cmd *cobra.Command, args []string) time.Time {
	now := time.Now()
	if auditLogger == nil || cliContext == nil {
		return now
	}
	err := auditLogger.Log("CLI_COMMAND_START", true, map[string]interface{}{
		"command":    cmd.CommandPath(),
		"args":       args,
		"flags":      sanitizeFlags(cmd),
		"operator":   cliContext.Operator,
		"session_id": cliContext.SessionID,
		"source":     cliContext.Source,
	})
	if err != nil {
		diagnostics().Error(context.Background(), "audit logging failed", "action", "CLI_COMMAND_START", "error", err)
	}
	return now
}

func auditCmdComplete(cmd *cobra.Command, err error, startedTime time.Time) error {
	if auditLogger != nil && cliContext != nil {
		metadata := map[string]interface{}{
			"command":     cmd.CommandPath(),
			"duration_ms": time.Since(startedTime).Milliseconds(),
			"operator":    cliContext.Operator,
			"session_id":  cliContext.SessionID,
		}
		if err != nil {
			metadata["error"] = formatError(err)
		}
		if logErr := auditLogger.Log("CLI_COMMAND_COMPLETE", err == nil, metadata); logErr != nil {
			diagnostics().Error(context.Background(), "audit logging failed", "action", "CLI_COMMAND_COMPLETE", "error", logErr)
		}
	}
	return err
}

// runAudited wraps a RunE so that every invocation is bracketed by command
// start and completion events.
func runAudited(run func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		started := auditCmdStart(cmd, args)
		return auditCmdComplete(cmd, run(cmd, args), started)
	}
}

func formatError(err error) string {
	if err == nil {
		return ""
	}

	var messages []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		messages = append(messages, e.Error())
	}

	if len(messages) > 1 {
		uniqueMessages := make([]string, 0, len(messages))
		seen := make(map[string]bool)
		for _, msg := range messages {
			if !seen[msg] {
				uniqueMessages = append(uniqueMessages, msg)
				seen[msg] = true
			}
		}

		// wrapped messages already contain their causes
		if len(uniqueMessages) > 1 && !strings.Contains(uniqueMessages[0], uniqueMessages[1]) {
			return fmt.Sprintf("Error: %s (caused by: %s)",
				uniqueMessages[0],
				strings.Join(uniqueMessages[1:], " -> "))
		}
	}

	message := messages[0]
	if len(message) > 0 {
		first := string(message[0])
		if first != strings.ToUpper(first) {
			message = strings.ToUpper(first) + message[1:]
		}
	}

	return fmt.Sprintf("Error: %s", message)
}

func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if !flag.Changed {
			return
		}
		if isSensitiveFlag(flag.Name) {
			flags[flag.Name] = "[REDACTED]"
		} else {
			flags[flag.Name] = flag.Value.String()
		}
	})
	return flags
}
