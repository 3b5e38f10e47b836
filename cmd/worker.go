package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentaudit/decision-audit/internal/alerting"
	"github.com/agentaudit/decision-audit/internal/audit"
	"github.com/agentaudit/decision-audit/internal/config"
	"github.com/agentaudit/decision-audit/internal/db"
	"github.com/agentaudit/decision-audit/internal/eventbus"
	"github.com/agentaudit/decision-audit/internal/store"
	"github.com/agentaudit/decision-audit/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the log worker",
	Long:  `Consumes the ingress subjects (logs.create, logs.bulk, logs.update), persists accepted logs, appends audit chain entries, and republishes outcomes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		database, err := db.Open(cfg.StoreEndpoint)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer database.Close()

		bus := eventbus.New(database, eventbus.WithMaxDeliver(cfg.MaxDeliver))
		st := store.NewStore(database)
		auditSvc := audit.NewService(audit.NewStore(database), cfg.MerkleWindowSize)
		alerter := alerting.NewDispatcher(alerting.NewStore(database))

		w := worker.New(st, auditSvc, bus,
			worker.WithRetentionBounds(cfg.Retention.HotDays, cfg.Retention.WarmDays),
			worker.WithAlerter(alerter),
		)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		w.Start(ctx)
		fmt.Fprintf(os.Stderr, "decision-audit worker v%s running against %s\n", Version, cfg.StoreEndpoint)

		rolloverTicker := time.NewTicker(cfg.MerkleWindowSize / 4)
		defer rolloverTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				fmt.Fprintln(os.Stderr, "\nShutting down worker...")
				w.Stop()
				return nil
			case <-rolloverTicker.C:
				if _, err := auditSvc.Rollover(context.Background(), time.Now().UTC()); err != nil {
					fmt.Fprintf(os.Stderr, "rollover: %v\n", err)
				}
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
