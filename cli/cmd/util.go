package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"southwinds.dev/medvault/audit"
	"southwinds.dev/medvault/persist"
	"southwinds.dev/medvault/records"
)

// configKeys documents every key the CLI reads.
var configKeys = map[string]string{
	"store.type":                       "Vault store backend (filesystem, s3, memory)",
	"store.path":                       "Base path of the filesystem store",
	"store.s3.endpoint":                "S3 endpoint (host:port)",
	"store.s3.bucket":                  "S3 bucket name",
	"store.s3.region":                  "S3 region",
	"store.s3.prefix":                  "S3 key prefix",
	"store.s3.use_ssl":                 "Use SSL for S3 connections",
	"store.s3.access_key_id":           "S3 access key ID",
	"store.s3.secret_access_key":       "S3 secret access key (environment only)",
	"records.dialect":                  "Records database dialect (sqlite, postgres)",
	"records.dsn":                      "Records database connection string",
	"legacy.secret":                    "Legacy credential cipher secret (environment only)",
	"vault.master_password":            "Global vault master password for unattended runs (environment only)",
	"vault.min_master_password_length": "Minimum master password length (at least 16)",
	"vault.min_user_password_length":   "Minimum user vault password length (at least 8)",
	"vault.global_iterations":          "PBKDF2 iterations used when initialising the global vault",
	"vault.wrap_iterations":            "PBKDF2 iterations used to wrap user vault keys",
	"vault.enable_memory_lock":         "Lock process memory to keep keys out of swap",
	"migration.batch_size":             "Items committed per migration transaction",
	"migration.clear_source":           "Clear plaintext and legacy columns after migration",
	"audit.enabled":                    "Enable audit logging",
	"audit.type":                       "Audit logger type (file, syslog)",
	"audit.options.file_path":          "Audit log file path",
	"log.level":                        "Operational log level (debug, info, warn, error)",
	"log.format":                       "Operational log format (console, json)",
}

// secretConfigKeys are read from the environment and never written to disk.
var secretConfigKeys = []string{
	"store.s3.secret_access_key",
	"legacy.secret",
	"vault.master_password",
}

func getConfigFilePath(global bool) string {
	if global {
		return "/etc/medvault/config.yaml"
	}

	if cfgFile != "" {
		return cfgFile
	}

	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".medvault.yaml")
}

func ensureConfigDir(configFile string) error {
	return os.MkdirAll(filepath.Dir(configFile), 0700)
}

func envKey(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func isValidConfigKey(key string) bool {
	_, ok := configKeys[key]
	return ok
}

func isSecretConfigKey(key string) bool {
	return contains(secretConfigKeys, key)
}

func convertStringValue(value string) interface{} {
	switch strings.ToLower(value) {
	case "true":
		return true
	case "false":
		return false
	}

	if i, err := strconv.Atoi(value); err == nil {
		return i
	}
	if strings.Contains(value, ".") {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return value
}

func unsetNestedKey(config map[string]interface{}, key string) error {
	parts := strings.Split(key, ".")

	current := config
	for i, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			return fmt.Errorf("key path not found at %s", strings.Join(parts[:i+1], "."))
		}
		current = next
	}

	last := parts[len(parts)-1]
	if _, ok := current[last]; !ok {
		return fmt.Errorf("key not found: %s", key)
	}
	delete(current, last)
	return nil
}

func getConfigTemplate(template string) map[string]interface{} {
	switch template {
	case "minimal":
		return map[string]interface{}{
			"store": map[string]interface{}{
				"type": string(persist.StoreTypeFileSystem),
				"path": ".medvault",
			},
		}
	case "full":
		return map[string]interface{}{
			"store": map[string]interface{}{
				"type": string(persist.StoreTypeFileSystem),
				"path": ".medvault",
				"s3": map[string]interface{}{
					"endpoint":      "",
					"bucket":        "",
					"region":        "us-east-1",
					"prefix":        "medvault/",
					"use_ssl":       true,
					"access_key_id": "",
				},
			},
			"records": map[string]interface{}{
				"dialect": string(records.DialectSQLite),
				"dsn":     "",
			},
			"vault": map[string]interface{}{
				"min_master_password_length": 16,
				"min_user_password_length":   8,
				"enable_memory_lock":         false,
			},
			"migration": map[string]interface{}{
				"batch_size":   100,
				"clear_source": true,
			},
			"audit": map[string]interface{}{
				"enabled": true,
				"type":    string(audit.FileAuditType),
				"options": map[string]interface{}{
					"file_path": "audit.log",
				},
			},
			"log": map[string]interface{}{
				"level":  "info",
				"format": "console",
			},
		}
	default:
		return map[string]interface{}{
			"store": map[string]interface{}{
				"type": string(persist.StoreTypeFileSystem),
				"path": ".medvault",
			},
			"records": map[string]interface{}{
				"dialect": string(records.DialectSQLite),
			},
			"audit": map[string]interface{}{
				"enabled": true,
				"type":    string(audit.FileAuditType),
				"options": map[string]interface{}{
					"file_path": "audit.log",
				},
			},
		}
	}
}

func validateConfiguration() []string {
	var problems []string

	storeType := persist.StoreType(viper.GetString("store.type"))
	switch storeType {
	case persist.StoreTypeFileSystem:
		if viper.GetString("store.path") == "" {
			problems = append(problems, "store.path is required when using the filesystem store")
		}
	case persist.StoreTypeS3:
		if err := validateS3Config(s3ConfigFromViper()); err != nil {
			problems = append(problems, err.Error())
		}
	case persist.StoreTypeMemory:
	default:
		problems = append(problems, fmt.Sprintf("invalid store type: %s (must be one of: filesystem, s3, memory)", storeType))
	}

	if dialect, err := records.ParseDialect(viper.GetString("records.dialect")); err != nil {
		problems = append(problems, err.Error())
	} else if dialect == records.DialectPostgres && viper.GetString("records.dsn") == "" {
		problems = append(problems, "records.dsn is required for the postgres dialect")
	}

	if err := vaultOptions().Validate(); err != nil {
		problems = append(problems, err.Error())
	}

	if viper.GetInt("migration.batch_size") < 0 {
		problems = append(problems, "migration.batch_size cannot be negative")
	}

	if viper.GetBool("audit.enabled") {
		auditType := audit.ConfigType(viper.GetString("audit.type"))
		switch auditType {
		case audit.FileAuditType:
			if viper.GetString("audit.options.file_path") == "" {
				problems = append(problems, "audit file path is required when using file audit")
			}
		case audit.SyslogAuditType:
		default:
			problems = append(problems, fmt.Sprintf("invalid audit type: %s (must be one of: file, syslog)", auditType))
		}
	}

	for _, key := range secretConfigKeys {
		if viper.InConfig(key) {
			problems = append(problems, fmt.Sprintf("%s must not be stored in the config file; use MEDVAULT_%s", key, envKey(key)))
		}
	}

	return problems
}

// validateConfigValue rejects values that would break the next command.
func validateConfigValue(key string, value interface{}) error {
	str, _ := value.(string)
	switch key {
	case "store.type":
		switch persist.StoreType(str) {
		case persist.StoreTypeFileSystem, persist.StoreTypeS3, persist.StoreTypeMemory:
		default:
			return fmt.Errorf("invalid store type: %v (valid: filesystem, s3, memory)", value)
		}
	case "records.dialect":
		if _, err := records.ParseDialect(str); err != nil {
			return err
		}
	case "audit.type":
		if !contains([]string{string(audit.FileAuditType), string(audit.SyslogAuditType)}, str) {
			return fmt.Errorf("invalid audit type: %v (valid: file, syslog)", value)
		}
	case "migration.batch_size", "vault.global_iterations", "vault.wrap_iterations":
		if n, ok := value.(int); !ok || n < 0 {
			return fmt.Errorf("%s must be a non-negative integer", key)
		}
	}
	return nil
}

func getConfigKeyDescriptions() map[string]string {
	out := make(map[string]string, len(configKeys))
	for k, v := range configKeys {
		out[k] = v
	}
	return out
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func printConfigTable(out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
	fmt.Fprintln(w, "---\t-----\t------")

	var keys []string
	flattenKeys(viper.AllSettings(), "", &keys)
	sort.Strings(keys)

	for _, key := range keys {
		value := viper.Get(key)
		source := "default"
		if viper.InConfig(key) {
			source = filepath.Base(viper.ConfigFileUsed())
		}
		if os.Getenv("MEDVAULT_"+envKey(key)) != "" {
			source = "environment"
		}
		if isSensitiveConfigKey(key) {
			value = "[REDACTED]"
		}
		fmt.Fprintf(w, "%s\t%v\t%s\n", key, value, source)
	}

	return w.Flush()
}

func printConfigJSON(out io.Writer) error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}
	fmt.Fprintln(out, string(data))
	return nil
}

func printConfigYAML(out io.Writer) error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	fmt.Fprint(out, string(data))
	return nil
}

func printConfigKeysTable(out io.Writer, keys map[string]string) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, "KEY\tDESCRIPTION")
	fmt.Fprintln(w, "---\t-----------")

	sortedKeys := make([]string, 0, len(keys))
	for key := range keys {
		sortedKeys = append(sortedKeys, key)
	}
	sort.Strings(sortedKeys)

	for _, key := range sortedKeys {
		fmt.Fprintf(w, "%s\t%s\n", key, keys[key])
	}
	return w.Flush()
}

func printConfigKeysYAML(out io.Writer, keys map[string]string) error {
	data, err := yaml.Marshal(keys)
	if err != nil {
		return fmt.Errorf("failed to marshal keys to YAML: %w", err)
	}
	fmt.Fprint(out, string(data))
	return nil
}

// flattenKeys recursively flattens nested maps into dot-notation keys
func flattenKeys(m map[string]interface{}, prefix string, keys *[]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}

		if nested, ok := v.(map[string]interface{}); ok {
			flattenKeys(nested, key, keys)
		} else {
			*keys = append(*keys, key)
		}
	}
}

func isSensitiveConfigKey(key string) bool {
	sensitiveKeys := []string{"password", "secret", "access_key", "token", "dsn"}
	lowerKey := strings.ToLower(key)

	for _, sensitive := range sensitiveKeys {
		if strings.Contains(lowerKey, sensitive) {
			return true
		}
	}
	return false
}

// maskSensitiveValues recursively masks sensitive values in configuration
func maskSensitiveValues(config map[string]interface{}) {
	for key, value := range config {
		if isSensitiveConfigKey(key) {
			config[key] = "[REDACTED]"
		} else if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
		}
	}
}

func promptConfirmation(w io.Writer, message string) bool {
	fmt.Fprintf(w, "%s (y/N): ", message)
	response, err := readLine()
	if err != nil {
		return false
	}
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}
