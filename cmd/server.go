package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentaudit/decision-audit/internal/alerting"
	"github.com/agentaudit/decision-audit/internal/audit"
	"github.com/agentaudit/decision-audit/internal/authn"
	"github.com/agentaudit/decision-audit/internal/config"
	"github.com/agentaudit/decision-audit/internal/db"
	"github.com/agentaudit/decision-audit/internal/eventbus"
	"github.com/agentaudit/decision-audit/internal/server"
	"github.com/agentaudit/decision-audit/internal/store"
)

var serverPort int

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the ingestion API",
	Long:  `Starts the ingestion API: POST /logs, PUT /logs/{agent_id}/{step_id}, search, summary, and the audit pack/proof routes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if cmd.Flags().Changed("port") {
			cfg.HTTPPort = serverPort
		}

		// Logs, the bus, and the audit chain share one schema (internal/db)
		// in the sqlite file named by store_endpoint; bus_endpoint is not
		// read here.
		database, err := db.Open(cfg.StoreEndpoint)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer database.Close()

		bus := eventbus.New(database, eventbus.WithMaxDeliver(cfg.MaxDeliver))
		st := store.NewStore(database)
		auditSvc := audit.NewService(audit.NewStore(database), cfg.MerkleWindowSize)
		alertStore := alerting.NewStore(database)

		if cfg.TokenSecret == "" {
			log.Println("decision-audit: token_secret is unset; bearer auth will reject every token")
		}
		verifier := authn.NewVerifier([]byte(cfg.TokenSecret))
		issuer := authn.NewIssuer([]byte(cfg.TokenSecret), cfg.TokenExpiry)

		srv := server.New(server.Config{
			Port:     cfg.HTTPPort,
			AllowAll: cfg.AllowAllOrigins,
		}, database, bus, st, auditSvc, verifier, issuer, alertStore)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go func() {
			<-ctx.Done()
			fmt.Fprintln(os.Stderr, "\nShutting down server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()

		fmt.Fprintf(os.Stderr, "decision-audit server v%s starting on port %d\n", Version, cfg.HTTPPort)
		fmt.Fprintf(os.Stderr, "  Store: %s\n", cfg.StoreEndpoint)

		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func init() {
	serverCmd.Flags().IntVar(&serverPort, "port", 8080, "port to listen on")
	rootCmd.AddCommand(serverCmd)
}
