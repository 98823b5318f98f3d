package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"southwinds.dev/medvault/audit"
)

var (
	auditJsonOutput    bool
	auditSince         string
	auditUntil         string
	auditAction        string
	auditUser          string
	auditSuccessFilter string
	auditLimit         int
	auditOffset        int
	auditFailuresOnly  bool
	auditCriticalOnly  bool
	auditDetails       bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the security audit trail",
	Long: `Query the security audit trail written by vault and migration operations.

Only the file audit logger supports queries.`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit events with filters",
	Long: `Query audit events with various filtering options.

Examples:
  # Failed unlock attempts in the last day
  medvault audit query --action USER_VAULT_UNLOCK_FAILED --since "$(date -d '24 hours ago' -Iseconds)"

  # All events for one user
  medvault audit query --user user-42 --details`,
	Args: cobra.NoArgs,
	RunE: runAuditQuery,
}

var auditSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarise audit events by action",
	Args:  cobra.NoArgs,
	RunE:  runAuditSummary,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditSummaryCmd)

	auditCmd.PersistentFlags().BoolVar(&auditJsonOutput, "json", false, "output in JSON format")
	auditCmd.PersistentFlags().StringVar(&auditSince, "since", "", "show events since this time (RFC3339 format)")
	auditCmd.PersistentFlags().StringVar(&auditUntil, "until", "", "show events until this time (RFC3339 format)")
	auditCmd.PersistentFlags().StringVar(&auditUser, "user", "", "filter by user ID")

	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "filter by action")
	auditQueryCmd.Flags().StringVar(&auditSuccessFilter, "success", "", "filter by success status (true/false)")
	auditQueryCmd.Flags().IntVar(&auditLimit, "limit", 100, "maximum number of events to return")
	auditQueryCmd.Flags().IntVar(&auditOffset, "offset", 0, "number of events to skip")
	auditQueryCmd.Flags().BoolVar(&auditFailuresOnly, "failures-only", false, "show only failed events")
	auditQueryCmd.Flags().BoolVar(&auditCriticalOnly, "critical", false, "show only security-critical events")
	auditQueryCmd.Flags().BoolVar(&auditDetails, "details", false, "show detailed event information")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	if err := requireQueryableAudit(cmd.ErrOrStderr()); err != nil {
		return err
	}

	options, err := buildQueryOptions()
	if err != nil {
		return err
	}

	result, err := auditLogger.Query(options)
	if err != nil {
		return fmt.Errorf("failed to query audit log: %w", err)
	}

	if auditJsonOutput {
		return printJSON(cmd.OutOrStdout(), result)
	}
	if err = displayAuditEvents(cmd.OutOrStdout(), result.Events); err != nil {
		return err
	}
	if result.HasMore {
		fmt.Fprintf(cmd.OutOrStdout(), "\nShowing %d of %d matching events (use --offset to page)\n",
			len(result.Events), result.Filtered)
	}
	return nil
}

func runAuditSummary(cmd *cobra.Command, args []string) error {
	if err := requireQueryableAudit(cmd.ErrOrStderr()); err != nil {
		return err
	}

	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	options.Limit = 0
	options.Offset = 0
	options.Action = ""
	options.Success = nil

	result, err := auditLogger.Query(options)
	if err != nil {
		return fmt.Errorf("failed to query audit log: %w", err)
	}

	summary := summarizeEvents(result.Events)
	if auditJsonOutput {
		return printJSON(cmd.OutOrStdout(), summary)
	}
	return displayAuditSummary(cmd.OutOrStdout(), summary)
}

// requireQueryableAudit fails early when no audit file is configured, since
// the no-op and syslog loggers always return empty results.
func requireQueryableAudit(w io.Writer) error {
	if !viper.GetBool("audit.enabled") {
		return fmt.Errorf("audit logging is disabled; enable it with --audit or audit.enabled")
	}
	if audit.ConfigType(viper.GetString("audit.type")) != audit.FileAuditType {
		fmt.Fprintf(w, "%s audit type %q does not support queries\n",
			color.YellowString("!"), viper.GetString("audit.type"))
	}
	return nil
}

func buildQueryOptions() (audit.QueryOptions, error) {
	options := audit.QueryOptions{
		UserID:   auditUser,
		Action:   auditAction,
		Limit:    auditLimit,
		Offset:   auditOffset,
		Critical: auditCriticalOnly,
	}

	if auditSince != "" {
		parsedTime, err := time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return options, fmt.Errorf("invalid since time format: %w", err)
		}
		options.Since = &parsedTime
	}

	if auditUntil != "" {
		parsedTime, err := time.Parse(time.RFC3339, auditUntil)
		if err != nil {
			return options, fmt.Errorf("invalid until time format: %w", err)
		}
		options.Until = &parsedTime
	}

	if auditSuccessFilter != "" {
		success, err := strconv.ParseBool(auditSuccessFilter)
		if err != nil {
			return options, fmt.Errorf("invalid success filter format: %w", err)
		}
		options.Success = &success
	}

	if auditFailuresOnly {
		falseVal := false
		options.Success = &falseVal
	}

	return options, nil
}

func displayAuditEvents(out io.Writer, events []audit.Event) error {
	if len(events) == 0 {
		fmt.Fprintln(out, "No audit events found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	if auditDetails {
		for _, event := range events {
			fmt.Fprintf(w, "Event ID:\t%s\n", event.ID)
			fmt.Fprintf(w, "Timestamp:\t%s\n", event.Timestamp.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(w, "Action:\t%s\n", event.Action)
			fmt.Fprintf(w, "Status:\t%s\n", eventStatus(event))

			if event.Error != "" {
				fmt.Fprintf(w, "Error:\t%s\n", event.Error)
			}
			if event.UserID != "" {
				fmt.Fprintf(w, "User ID:\t%s\n", event.UserID)
			}
			if event.RequestID != "" {
				fmt.Fprintf(w, "Request ID:\t%s\n", event.RequestID)
			}
			if event.Source != "" {
				fmt.Fprintf(w, "Source:\t%s\n", event.Source)
			}

			if len(event.Metadata) > 0 {
				keys := make([]string, 0, len(event.Metadata))
				for k := range event.Metadata {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				fmt.Fprintf(w, "Metadata:\t")
				for _, k := range keys {
					fmt.Fprintf(w, "%s=%v ", k, event.Metadata[k])
				}
				fmt.Fprintf(w, "\n")
			}

			fmt.Fprintf(w, "────────────────────────────────────────\n")
		}
		return w.Flush()
	}

	fmt.Fprintf(w, "TIMESTAMP\tACTION\tSTATUS\tUSER\tERROR\n")
	for _, event := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			event.Timestamp.Format("2006-01-02 15:04:05"),
			event.Action,
			eventStatus(event),
			event.UserID,
			truncate(event.Error, 40))
	}
	return w.Flush()
}

func eventStatus(event audit.Event) string {
	if event.Success {
		return "SUCCESS"
	}
	return "FAILED"
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// AuditSummary counts events per action.
type AuditSummary struct {
	GeneratedAt      time.Time     `json:"generated_at"`
	TotalEvents      int           `json:"total_events"`
	FailedEvents     int           `json:"failed_events"`
	CriticalFailures int           `json:"critical_failures"`
	Actions          []ActionCount `json:"actions"`
	FirstEvent       *time.Time    `json:"first_event,omitempty"`
	LastEvent        *time.Time    `json:"last_event,omitempty"`
}

type ActionCount struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
	Failed int    `json:"failed"`
}

func summarizeEvents(events []audit.Event) AuditSummary {
	summary := AuditSummary{
		GeneratedAt: time.Now().UTC(),
		TotalEvents: len(events),
	}

	counts := make(map[string]*ActionCount)
	for i := range events {
		event := events[i]
		c, ok := counts[event.Action]
		if !ok {
			c = &ActionCount{Action: event.Action}
			counts[event.Action] = c
		}
		c.Count++
		if !event.Success {
			c.Failed++
			summary.FailedEvents++
			if audit.IsSecurityCritical(event.Action) {
				summary.CriticalFailures++
			}
		}

		ts := event.Timestamp
		if summary.FirstEvent == nil || ts.Before(*summary.FirstEvent) {
			summary.FirstEvent = &ts
		}
		if summary.LastEvent == nil || ts.After(*summary.LastEvent) {
			summary.LastEvent = &ts
		}
	}

	for _, c := range counts {
		summary.Actions = append(summary.Actions, *c)
	}
	sort.Slice(summary.Actions, func(i, j int) bool {
		if summary.Actions[i].Count != summary.Actions[j].Count {
			return summary.Actions[i].Count > summary.Actions[j].Count
		}
		return summary.Actions[i].Action < summary.Actions[j].Action
	})
	return summary
}

func displayAuditSummary(out io.Writer, summary AuditSummary) error {
	fmt.Fprintf(out, "Total Events: %d\n", summary.TotalEvents)
	fmt.Fprintf(out, "Failed Events: %d\n", summary.FailedEvents)
	if summary.CriticalFailures > 0 {
		fmt.Fprintf(out, "Critical Failures: %s\n", color.RedString("%d", summary.CriticalFailures))
	}
	if summary.FirstEvent != nil {
		fmt.Fprintf(out, "Time Range: %s - %s\n",
			summary.FirstEvent.Format(time.RFC3339), summary.LastEvent.Format(time.RFC3339))
	}
	if len(summary.Actions) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ACTION\tCOUNT\tFAILED\n")
	for _, c := range summary.Actions {
		fmt.Fprintf(w, "%s\t%d\t%d\n", c.Action, c.Count, c.Failed)
	}
	return w.Flush()
}

func printJSON(out io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Fprintln(out, string(data))
	return nil
}
