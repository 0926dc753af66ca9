package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"
	_ "time/tzdata"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/practice/practice/internal/config"
	"github.com/practice/practice/internal/domain/scheduling"
	"github.com/practice/practice/internal/platform/db"
	"github.com/practice/practice/internal/platform/events"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "practice-server",
		Short:         "Practice scheduling API server",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(slotsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads and validates configuration and builds the logger.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, newLogger(cfg), nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Str("service", "practice").Logger()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduling API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return runServer(ctx, cfg, logger)
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	withMigrator := func(dir string, fn func(ctx context.Context, m *db.Migrator) error) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for migrations")
		}
		ctx := context.Background()
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, db.NewMigrator(pool, os.DirFS(dir)))
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(dir, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(dir, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(out io.Writer, statuses []db.MigrationStatus) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Version, s.Name, status, appliedAt)
	}
	w.Flush()
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume reservation events for notification and audit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return runWorker(ctx, cfg, logger)
		},
	}
}

func slotsCmd() *cobra.Command {
	var (
		provider, service, date, modality string
		days                              int
	)
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Print open slots for a provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			q, err := parseSlotQuery(provider, service, date, modality, days)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()
			deps, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer deps.Close()

			// Read-only: nothing is published.
			bus := events.NewBus(logger, 1)
			defer bus.Close()
			svc, err := newScheduler(cfg, deps.store, bus, logger)
			if err != nil {
				return err
			}
			slots, err := svc.ListAvailableSlots(ctx, q)
			if err != nil {
				return err
			}
			printSlots(cmd.OutOrStdout(), slots, svc.Location())
			return nil
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "Provider id")
	cmd.Flags().StringVar(&service, "service", "", "Service id (default duration when empty)")
	cmd.Flags().StringVar(&date, "date", "", "First local date, YYYY-MM-DD (default today)")
	cmd.Flags().IntVar(&days, "days", 1, "Number of days")
	cmd.Flags().StringVar(&modality, "modality", string(scheduling.ModalityInPerson), "in_person, virtual or phone")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func parseSlotQuery(provider, service, date, modality string, days int) (scheduling.SlotQuery, error) {
	var q scheduling.SlotQuery
	pid, err := uuid.Parse(provider)
	if err != nil {
		return q, fmt.Errorf("invalid --provider: %w", err)
	}
	q.ProviderID = pid
	if service != "" {
		sid, err := uuid.Parse(service)
		if err != nil {
			return q, fmt.Errorf("invalid --service: %w", err)
		}
		q.ServiceID = sid
	}
	if date == "" {
		q.From = civil.DateOf(time.Now())
	} else {
		d, err := civil.ParseDate(date)
		if err != nil {
			return q, fmt.Errorf("invalid --date: %w", err)
		}
		q.From = d
	}
	if days < 1 {
		return q, fmt.Errorf("--days must be at least 1")
	}
	q.To = q.From.AddDays(days - 1)
	q.Modality = scheduling.Modality(modality)
	if !q.Modality.Valid() {
		return q, fmt.Errorf("invalid --modality %q", modality)
	}
	return q, nil
}

func printSlots(out io.Writer, slots []scheduling.Slot, loc *time.Location) {
	if len(slots) == 0 {
		fmt.Fprintln(out, "no open slots")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tSTART\tEND\tUTC")
	for _, s := range slots {
		start, end := s.Start.In(loc), s.End.In(loc)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			start.Format("2006-01-02"), start.Format("15:04 MST"), end.Format("15:04"), s.Start.UTC().Format(time.RFC3339))
	}
	w.Flush()
}
