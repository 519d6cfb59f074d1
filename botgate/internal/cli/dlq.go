package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/botgate/botgate/internal/dlq"
)

var errFileBackendOnly = errors.New("only supported by the file dlq backend")

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and manage the dead-letter queue",
	Long:  "Inspect and manage events that handlers failed, timed out on, or that were rejected by a full dispatch queue.",
}

var dlqStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show dead-letter queue counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDLQ(cmd, func(ctx context.Context, q *dlqBackend) error {
			if q.file != nil {
				return writeJSON(cmd.OutOrStdout(), q.file.Stats())
			}
			return writeJSON(cmd.OutOrStdout(), q.js.Stats(ctx))
		})
	},
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered events, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		return withDLQ(cmd, func(ctx context.Context, q *dlqBackend) error {
			if q.file == nil {
				return fmt.Errorf("list: %w", errFileBackendOnly)
			}
			entries, err := q.file.List(ctx, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, entries)
			}
			if len(entries) == 0 {
				Info(out, "dead-letter queue is empty")
				return nil
			}

			t := newTable("ID", "TIME", "REASON", "HANDLER", "KIND", "EVENT", "ERROR")
			for _, e := range entries {
				t.addRow(e.ID, e.Timestamp.Format(time.RFC3339), e.Reason, e.Handler, string(e.EventKind), e.EventID, e.Error)
			}
			t.render(out)
			return nil
		})
	},
}

var dlqDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete one dead-lettered event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDLQ(cmd, func(ctx context.Context, q *dlqBackend) error {
			if q.file == nil {
				return fmt.Errorf("delete: %w", errFileBackendOnly)
			}
			if err := q.file.Delete(ctx, args[0]); err != nil {
				return err
			}
			Success(cmd.OutOrStdout(), "deleted %s", args[0])
			return nil
		})
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove every dead-lettered event",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return errors.New("purge removes every entry; pass --yes to confirm")
		}

		return withDLQ(cmd, func(ctx context.Context, q *dlqBackend) error {
			if q.file != nil {
				n, err := q.file.Purge(ctx)
				if err != nil {
					return err
				}
				Success(cmd.OutOrStdout(), "purged %d entries", n)
				return nil
			}
			if err := q.js.Purge(ctx); err != nil {
				return err
			}
			Success(cmd.OutOrStdout(), "purged stream")
			return nil
		})
	},
}

func init() {
	dlqCmd.PersistentFlags().String("backend", "", "dlq backend: file or jetstream (default: dlq.backend from config)")
	dlqCmd.PersistentFlags().String("path", "", "file backend directory (default: dlq.base_path from config)")

	dlqListCmd.Flags().Int("limit", 50, "maximum entries to show (0 for all)")
	dlqListCmd.Flags().Bool("json", false, "print entries as JSON")
	dlqPurgeCmd.Flags().Bool("yes", false, "confirm the purge")

	dlqCmd.AddCommand(dlqStatsCmd, dlqListCmd, dlqDeleteCmd, dlqPurgeCmd)
	rootCmd.AddCommand(dlqCmd)
}

type dlqBackend struct {
	file *dlq.Queue
	js   *dlq.JetStreamQueue
}

func withDLQ(cmd *cobra.Command, fn func(ctx context.Context, q *dlqBackend) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	backend, _ := cmd.Flags().GetString("backend")
	if backend == "" {
		backend = cfg.DLQ.Backend
	}
	path, _ := cmd.Flags().GetString("path")
	if path == "" {
		path = cfg.DLQ.BasePath
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	switch backend {
	case "file", "":
		q, err := dlq.NewQueue(path)
		if err != nil {
			return err
		}
		return fn(ctx, &dlqBackend{file: q})
	case "jetstream":
		q, err := dlq.ConnectJetStream(ctx, dlq.JetStreamConfig{
			URL:    cfg.DLQ.NatsURL,
			Stream: cfg.DLQ.Stream,
		})
		if err != nil {
			return err
		}
		defer q.Close()
		return fn(ctx, &dlqBackend{js: q})
	default:
		return fmt.Errorf("unknown dlq backend %q (supported: file, jetstream)", backend)
	}
}
