// Package audit records security-relevant vault events: setup, unlock
// attempts, password and recovery changes, and migration runs.
// Events never carry passwords, recovery keys or key material.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Config defines audit logging configuration
type Config struct {
	Enabled  bool                   `json:"enabled" yaml:"enabled"`
	Service  string                 `json:"service" yaml:"service"`
	Type     ConfigType             `json:"type" yaml:"type"`       // "file", "syslog"
	Options  map[string]interface{} `json:"options" yaml:"options"` // Provider-specific options
	LogLevel string                 `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

type ConfigType string

const (
	FileAuditType   ConfigType = "file"
	SyslogAuditType ConfigType = "syslog"
	NoOp            ConfigType = ""
)

// Logger interface for pluggable audit implementations
type Logger interface {
	Log(action string, success bool, metadata map[string]interface{}) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// Event represents an audit log event
type Event struct {
	ID        string                 `json:"id"`
	RequestID string                 `json:"request_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Service   string                 `json:"service,omitempty"`
	Action    string                 `json:"action"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Source    string                 `json:"source,omitempty"`
}

// QueryOptions for filtering audit logs
type QueryOptions struct {
	UserID   string
	Since    *time.Time
	Until    *time.Time
	Action   string
	Success  *bool // nil = all, true = only success, false = only failures
	Limit    int
	Offset   int
	Critical bool // only security-critical actions
}

// QueryResult contains the results of an audit query
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewLogger creates an appropriate logger based on configuration
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case FileAuditType:
		return NewFileLogger(config)
	case SyslogAuditType:
		return NewSyslogLogger(config)
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

// newEvent lifts the well-known metadata keys into first-class event fields.
func newEvent(service, action string, success bool, metadata map[string]interface{}) Event {
	event := Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Service:   service,
		Action:    action,
		Success:   success,
	}

	if len(metadata) > 0 {
		rest := make(map[string]interface{}, len(metadata))
		for k, v := range metadata {
			switch k {
			case "user_id":
				event.UserID = fmt.Sprint(v)
			case "request_id":
				event.RequestID = fmt.Sprint(v)
			case "error":
				event.Error = fmt.Sprint(v)
			case "timestamp":
				// superseded by Event.Timestamp
			default:
				rest[k] = v
			}
		}
		if len(rest) > 0 {
			event.Metadata = rest
		}
	}
	return event
}

// securityCriticalActions are always surfaced at notice level and by
// Critical queries.
var securityCriticalActions = map[string]bool{
	"GLOBAL_VAULT_INITIALIZED":    true,
	"GLOBAL_VAULT_UNLOCK_FAILED":  true,
	"USER_VAULT_UNLOCK_FAILED":    true,
	"USER_VAULT_PASSWORD_CHANGED": true,
	"USER_VAULT_RECOVERED":        true,
	"RECOVERY_KEY_REGENERATED":    true,
}

// IsSecurityCritical reports whether an action belongs to the critical set.
func IsSecurityCritical(action string) bool {
	return securityCriticalActions[action]
}

// parseOptions converts map[string]interface{} to specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	// Convert to JSON and back to parse into struct
	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}
