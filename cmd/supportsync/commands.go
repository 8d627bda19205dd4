package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/supportsync/internal/config"
	"github.com/kimhsiao/supportsync/internal/db"
	apperrors "github.com/kimhsiao/supportsync/internal/errors"
	"github.com/kimhsiao/supportsync/internal/models"
	"github.com/kimhsiao/supportsync/internal/queue"
	"github.com/kimhsiao/supportsync/internal/stats"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =====================================================
// sync
// =====================================================

func newSyncCmd(flags *globalFlags) *cobra.Command {
	var recoverFirst bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one delivery pass and print its outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			orch, err := a.orchestrator()
			if err != nil {
				return err
			}
			if recoverFirst {
				if _, err := orch.Recover(cmd.Context()); err != nil {
					return err
				}
			}

			outcome, err := orch.AttemptSync(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), outcome)
		},
	}
	cmd.Flags().BoolVar(&recoverFirst, "recover", false, "First return items left processing by a crashed run to retrying")
	return cmd
}

// =====================================================
// stats
// =====================================================

type statsReport struct {
	Queue   stats.Stats                `json:"queue"`
	History []models.SyncHistoryRecord `json:"history,omitempty"`
}

func newStatsCmd(flags *globalFlags) *cobra.Command {
	var history int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print queue statistics and recent sync passes",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := a.stats.Compute(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			report := statsReport{Queue: s}
			if history > 0 {
				report.History, err = a.repo.ListSyncHistory(cmd.Context(), history)
				if err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().IntVar(&history, "history", 10, "Number of recent sync passes to include (0 for none)")
	return cmd
}

// =====================================================
// list
// =====================================================

func newListCmd(flags *globalFlags) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued items in delivery order (payloads are not shown)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			items, err := a.queue.List(cmd.Context(), models.Status(strings.ToLower(status)), limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tPRIORITY\tDESTINATION\tRETRIES\tNEXT RETRY\tCREATED\tLAST ERROR")
			for _, item := range items {
				next := "-"
				if item.NextRetryAt != nil {
					next = item.NextRetryAt.Format(time.RFC3339)
				}
				dest := string(item.Destination)
				if dest == "" {
					dest = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
					item.ID, item.Type, item.Priority, dest, item.RetryCount, next,
					item.CreatedAt.Format(time.RFC3339), item.LastError)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", string(models.StatusPending), "Status to list: pending|processing|retrying|completed|failed")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of items (0 for all)")
	return cmd
}

// =====================================================
// enqueue
// =====================================================

func newEnqueueCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Add an item to the queue",
	}
	cmd.AddCommand(newEnqueueTicketCmd(flags), newEnqueueFeedbackCmd(flags), newEnqueueLogCmd(flags))
	return cmd
}

func priorityOption(p string) queue.EnqueueOption {
	return queue.WithPriority(models.Priority(strings.ToLower(p)))
}

func newEnqueueTicketCmd(flags *globalFlags) *cobra.Command {
	var (
		p           models.TicketPayload
		priority    string
		destination string
	)

	cmd := &cobra.Command{
		Use:   "ticket",
		Short: "Queue a support ticket",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.queue.EnqueueTicket(cmd.Context(), p, models.Destination(strings.ToLower(destination)), priorityOption(priority))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&p.Title, "title", "", "Ticket title")
	cmd.Flags().StringVar(&p.Description, "description", "", "Ticket description")
	cmd.Flags().StringVar(&p.Category, "category", "", "Ticket category")
	cmd.Flags().StringVar(&p.Reporter, "reporter", "", "Reporter name or email")
	cmd.Flags().StringSliceVar(&p.Tags, "tag", nil, "Tag (repeatable)")
	cmd.Flags().StringToStringVar(&p.Metadata, "meta", nil, "Metadata key=value pairs")
	cmd.Flags().StringVar(&priority, "priority", string(models.PriorityNormal), "Priority: low|normal|high|critical")
	cmd.Flags().StringVar(&destination, "destination", "", "Destination: servicenow|jira|zendesk|salesforce")
	cmd.MarkFlagRequired("destination")
	return cmd
}

func newEnqueueFeedbackCmd(flags *globalFlags) *cobra.Command {
	var (
		p        models.FeedbackPayload
		priority string
	)

	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "Queue user feedback for the configured feedback destination",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.queue.EnqueueFeedback(cmd.Context(), p, priorityOption(priority))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().IntVar(&p.Rating, "rating", 0, "Rating from 1 to 5 (0 for none)")
	cmd.Flags().StringVar(&p.Comment, "comment", "", "Free-text comment")
	cmd.Flags().StringVar(&p.Category, "category", "", "Feedback category")
	cmd.Flags().StringVar(&p.Email, "email", "", "Contact email")
	cmd.Flags().StringVar(&p.AppVersion, "app-version", "", "Application version")
	cmd.Flags().StringToStringVar(&p.Metadata, "meta", nil, "Metadata key=value pairs")
	cmd.Flags().StringVar(&priority, "priority", string(models.PriorityNormal), "Priority: low|normal|high|critical")
	return cmd
}

func newEnqueueLogCmd(flags *globalFlags) *cobra.Command {
	var (
		p    models.LogPayload
		file string
	)

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Store a diagnostic log locally (oldest logs are evicted when over budget)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				content, err := readContent(cmd.InOrStdin(), file)
				if err != nil {
					return apperrors.Wrap(apperrors.ErrInvalid, "read log content", err)
				}
				p.Content = content
			}

			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.queue.EnqueueLog(cmd.Context(), p)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&p.Source, "source", "", "Component that produced the log")
	cmd.Flags().StringVar(&p.Level, "level", "", "Log level of the content")
	cmd.Flags().StringVar(&p.Content, "content", "", "Log content")
	cmd.Flags().StringVar(&file, "file", "", "Read content from a file, or - for stdin")
	cmd.Flags().StringToStringVar(&p.Metadata, "meta", nil, "Metadata key=value pairs")
	return cmd
}

func readContent(stdin io.Reader, file string) (string, error) {
	var b []byte
	var err error
	if file == "-" {
		b, err = io.ReadAll(stdin)
	} else {
		b, err = os.ReadFile(file)
	}
	return string(b), err
}

// =====================================================
// migrate
// =====================================================

func newMigrateCmd(flags *globalFlags) *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply bundled schema migrations and print the applied versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			return migrate(cmd.OutOrStdout(), cfg, down)
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "Roll back the latest migration instead")
	return cmd
}

func migrate(out io.Writer, cfg config.QueueConfig, down bool) error {
	database, err := db.Open(cfg.StorageLocation)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "open queue database", err)
	}
	defer database.Close()

	m, err := db.BundledMigrator(database)
	if err != nil {
		return err
	}
	if err := m.Initialize(); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "initialize migrations", err)
	}
	if down {
		err = m.Down()
	} else {
		err = m.Up()
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "migrate", err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "list migrations", err)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tDESCRIPTION\tAPPLIED")
	for _, mig := range applied {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", mig.Version, mig.Description, mig.AppliedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}
