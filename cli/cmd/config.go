package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage medvault configuration",
	Long:  `Manage medvault configuration including viewing, setting, and validating settings.`,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Long:  `Display the current configuration from all sources (config file, environment variables, flags). Secrets are masked.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigView,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  `Set a configuration value in the config file. The key uses dot notation (e.g., store.type).`,
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Long:  `Get a configuration value. The key uses dot notation (e.g., records.dialect).`,
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value",
	Long:  `Remove a configuration value from the config file. The key uses dot notation.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigUnset,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new configuration file",
	Long:  `Create a new configuration file from a template.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  `Validate the current configuration for correctness and completeness.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configuration keys",
	Long:  `List all available configuration keys with their descriptions.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigList,
}

var configResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset configuration to defaults",
	Long:  `Reset the configuration file to default values. This will overwrite the existing config file.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigReset,
}

var (
	configForce    bool
	configGlobal   bool
	configTemplate string
	configFormat   string
)

func init() {
	rootCmd.AddCommand(configCmd)

	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configResetCmd)

	configCmd.PersistentFlags().BoolVar(&configGlobal, "global", false, "use the system-wide configuration file")

	configViewCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "output format (yaml, json, table)")
	configSetCmd.Flags().BoolVar(&configForce, "force", false, "set the value even if the key is unknown")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite existing config file")
	configInitCmd.Flags().StringVar(&configTemplate, "template", "default", "configuration template (default, minimal, full)")
	configResetCmd.Flags().BoolVar(&configForce, "force", false, "reset without confirmation")
	configListCmd.Flags().StringVarP(&configFormat, "format", "f", "table", "output format (table, yaml, json)")
}

func runConfigView(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	switch configFormat {
	case "json":
		return printConfigJSON(out)
	case "yaml":
		return printConfigYAML(out)
	case "table":
		return printConfigTable(out)
	default:
		return fmt.Errorf("unsupported format: %s", configFormat)
	}
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	if !configForce && !isValidConfigKey(key) {
		return fmt.Errorf("unknown configuration key: %s (use --force to override)", key)
	}
	if isSecretConfigKey(key) {
		return fmt.Errorf("%s holds a secret and is not written to config files; use MEDVAULT_%s instead",
			key, envKey(key))
	}

	converted := convertStringValue(value)
	if err := validateConfigValue(key, converted); err != nil {
		return err
	}

	viper.Set(key, converted)

	configFile := getConfigFilePath(configGlobal)
	if err := ensureConfigDir(configFile); err != nil {
		return fmt.Errorf("failed to ensure config directory: %w", err)
	}
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Chmod(configFile, 0600); err != nil {
		return fmt.Errorf("failed to restrict config file permissions: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\n", key, converted)
	fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", configFile)
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	out := cmd.OutOrStdout()

	if !viper.IsSet(key) {
		return fmt.Errorf("configuration key not found: %s", key)
	}

	value := viper.Get(key)
	if isSensitiveConfigKey(key) {
		value = "[REDACTED]"
	}
	fmt.Fprintf(out, "%s = %v\n", key, value)

	if configFile := viper.ConfigFileUsed(); configFile != "" {
		fmt.Fprintf(out, "Source: %s\n", configFile)
	} else {
		fmt.Fprintln(out, "Source: defaults/environment/flags")
	}
	return nil
}

func runConfigUnset(cmd *cobra.Command, args []string) error {
	key := args[0]
	configFile := getConfigFilePath(configGlobal)

	data, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	config := make(map[string]interface{})
	if err = yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if err = unsetNestedKey(config, key); err != nil {
		return fmt.Errorf("failed to unset key %s: %w", key, err)
	}

	if err = writeConfigFile(configFile, config); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Removed configuration key: %s\n", key)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := getConfigFilePath(configGlobal)

	if _, err := os.Stat(configFile); err == nil && !configForce {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configFile)
	}

	if err := writeConfigFile(configFile, getConfigTemplate(configTemplate)); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created: %s\n", configFile)
	fmt.Fprintf(cmd.OutOrStdout(), "Template used: %s\n", configTemplate)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	problems := validateConfiguration()

	if len(problems) == 0 {
		fmt.Fprintln(out, "✓ Configuration is valid")
		return nil
	}

	fmt.Fprintln(out, "✗ Configuration validation failed:")
	for _, p := range problems {
		fmt.Fprintf(out, "  - %s\n", p)
	}
	return fmt.Errorf("configuration validation failed with %d errors", len(problems))
}

func runConfigList(cmd *cobra.Command, args []string) error {
	keys := getConfigKeyDescriptions()
	out := cmd.OutOrStdout()

	switch configFormat {
	case "table":
		return printConfigKeysTable(out, keys)
	case "yaml":
		return printConfigKeysYAML(out, keys)
	case "json":
		return printJSON(out, keys)
	default:
		return fmt.Errorf("unsupported format: %s", configFormat)
	}
}

func runConfigReset(cmd *cobra.Command, args []string) error {
	if !configForce && !promptConfirmation(cmd.OutOrStdout(), "This will reset your configuration to defaults. Continue?") {
		fmt.Fprintln(cmd.OutOrStdout(), "Reset cancelled")
		return nil
	}

	configFile := getConfigFilePath(configGlobal)
	if err := writeConfigFile(configFile, getConfigTemplate("default")); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration reset to defaults: %s\n", configFile)
	return nil
}

func writeConfigFile(configFile string, config map[string]interface{}) error {
	if err := ensureConfigDir(configFile); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err = os.WriteFile(configFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
