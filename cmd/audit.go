package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/theapemachine/memcube/pkg/audit"
)

var (
	auditPathFlag   string
	auditUserFlag   string
	auditCubeFlag   string
	auditSinceFlag  string
	auditLimitFlag  int
	auditOffsetFlag int

	auditCmd = &cobra.Command{
		Use:   "audit",
		Short: "Inspect and archive a JSONL audit log",
		Long:  longAudit,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	auditListCmd = &cobra.Command{
		Use:   "list",
		Short: "Print audit events, newest first, one JSON object per line",
		RunE: func(cmd *cobra.Command, args []string) error {
			options := audit.ListOptions{
				UserID: auditUserFlag,
				CubeID: auditCubeFlag,
				Limit:  auditLimitFlag,
				Offset: auditOffsetFlag,
			}

			if auditSinceFlag != "" {
				since, err := time.Parse(time.RFC3339, auditSinceFlag)
				if err != nil {
					return fmt.Errorf("--since must be RFC3339: %w", err)
				}

				options.Since = since
			}

			auditLog, err := audit.ReadFileLog(auditPath())
			if err != nil {
				return err
			}
			defer auditLog.Close()

			page, err := auditLog.List(cmd.Context(), options)
			if err != nil {
				return err
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())

			for _, event := range page.Events {
				if err := encoder.Encode(event); err != nil {
					return err
				}
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "%d of %d events (as_of %d)\n", len(page.Events), page.Total, page.AsOf)

			return nil
		},
	}

	auditArchiveCmd = &cobra.Command{
		Use:   "archive",
		Short: "Upload the audit log to S3 compatible object storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := auditPath()

			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("audit log %s: %w", path, err)
			}

			archiver, err := buildArchiver(viper.GetViper())
			if err != nil {
				return err
			}

			if err := archiver.EnsureBucket(cmd.Context()); err != nil {
				return err
			}

			key, err := archiver.ArchiveFile(cmd.Context(), path)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), key)

			return nil
		},
	}
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditArchiveCmd)

	auditCmd.PersistentFlags().StringVarP(&auditPathFlag, "path", "f", "", "Audit log file, overrides audit.path")

	auditListCmd.Flags().StringVar(&auditUserFlag, "user", "", "Only events of this user")
	auditListCmd.Flags().StringVar(&auditCubeFlag, "cube", "", "Only events in this cube")
	auditListCmd.Flags().StringVar(&auditSinceFlag, "since", "", "Only events at or after this RFC3339 time")
	auditListCmd.Flags().IntVarP(&auditLimitFlag, "limit", "n", audit.DefaultListLimit, "Maximum number of events")
	auditListCmd.Flags().IntVar(&auditOffsetFlag, "offset", 0, "Events to skip")
}

func auditPath() string {
	if auditPathFlag != "" {
		return expandHome(auditPathFlag)
	}

	return expandHome(viper.GetString("audit.path"))
}

var longAudit = `
Work with the JSONL audit log offline. Both commands open the log read-only:
list never creates, repairs or appends to the file, and archive uploads a
copy of it.

Examples:
  # The last 20 events of one user
  memcube audit list --user u1 -n 20

  # Copy the log to the bucket configured under audit.archive
  memcube audit archive
`
