package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/agentaudit/decision-audit/internal/config"
	"github.com/agentaudit/decision-audit/internal/db"
	"github.com/agentaudit/decision-audit/internal/eventbus"
	"github.com/agentaudit/decision-audit/internal/notifier"
)

var notifierPort int
var notifierInstanceID string

var notifierCmd = &cobra.Command{
	Use:   "notifier",
	Short: "Run the websocket notifier",
	Long:  `Serves /ws/notifications and subscribes to the outcome subjects (logs.created, logs.updated, logs.bulk-created), fanning each out to subscribed clients.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		port := cfg.NotifierPort
		if cmd.Flags().Changed("port") {
			port = notifierPort
		}

		database, err := db.Open(cfg.StoreEndpoint)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer database.Close()

		bus := eventbus.New(database, eventbus.WithMaxDeliver(cfg.MaxDeliver))

		var adapter notifier.Adapter
		if cfg.AdapterEndpoint != "" {
			id := cfg.AdapterEndpoint
			if notifierInstanceID != "" {
				id = notifierInstanceID
			}
			busAdapter := notifier.NewBusAdapter(bus, id)
			defer busAdapter.Stop()
			adapter = busAdapter
		}

		hub := notifier.NewHub(adapter, notifier.WithRoomMemberLimit(cfg.RoomMemberLimit))

		r := chi.NewRouter()
		r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
		notifier.RegisterRoutes(r, hub)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		subs := notifier.SubscribeOutcomes(ctx, hub, bus)
		defer func() {
			for _, s := range subs {
				s.Stop()
			}
		}()

		httpServer := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			fmt.Fprintln(os.Stderr, "\nShutting down notifier...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			httpServer.Shutdown(shutdownCtx)
		}()

		fmt.Fprintf(os.Stderr, "decision-audit notifier v%s listening on :%d\n", Version, port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func init() {
	notifierCmd.Flags().IntVar(&notifierPort, "port", 8081, "port to listen on")
	notifierCmd.Flags().StringVar(&notifierInstanceID, "instance-id", "", "unique id for this notifier instance's fanout queue group (overrides adapter_endpoint)")
	rootCmd.AddCommand(notifierCmd)
}
