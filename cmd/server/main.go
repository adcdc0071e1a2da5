/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the payment settlement server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, settlement.yaml, SETTLEMENT_* env, flags)
  2. Build the zap logger
  3. Initialize SQLite store
  4. Wire metrics, event publisher, id generator and engine
  5. Configure HTTP router
  6. Start server with graceful shutdown

COMMANDS:
  settlement-server serve [--port 8080] [--db settlement.db] [--config file]

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (http.shutdown_timeout)
  3. Close the Kafka producer and the database connection
  4. Exit

EXAMPLES:
  # Run with in-memory database
  settlement-server serve --db=":memory:"

  # Publish events to Kafka
  SETTLEMENT_EVENTS_KAFKA_ENABLED=true \
  SETTLEMENT_EVENTS_KAFKA_BROKERS=kafka:9092 settlement-server serve
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/warp/settlement-engine/api"
	"github.com/warp/settlement-engine/config"
	"github.com/warp/settlement-engine/events/kafka"
	"github.com/warp/settlement-engine/observability"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/store/sqlite"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "settlement-server",
		Short:         "Payment registration and settlement engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default ./settlement.yaml)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := config.New(configFile)
			if err := bindFlags(v, cmd); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	serve.Flags().Int("port", 8080, "HTTP server port")
	serve.Flags().String("db", "settlement.db", "SQLite database path (\":memory:\" for in-memory)")
	serve.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	serve.Flags().Bool("kafka", false, "Publish payment events to Kafka")

	root.AddCommand(serve)
	return root
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	bindings := map[string]string{
		"http.port":            "port",
		"db.path":              "db",
		"log.level":            "log-level",
		"events.kafka.enabled": "kafka",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}
	return nil
}

func run(ctx context.Context, cfg config.Config) error {
	log, err := observability.NewLogger(observability.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}
	defer log.Sync()

	// Initialize store
	store, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := observability.NewMetrics("settlement", registry)
	if err != nil {
		return err
	}

	ids, err := settlement.NewSnowflakeIDs(cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("failed to create id generator: %w", err)
	}

	var publisher settlement.Publisher = settlement.NopPublisher{}
	if cfg.Events.Kafka.Enabled {
		kp, err := kafka.Dial(ctx, cfg.Events.Kafka.Brokers, cfg.Events.Kafka.Topic, log)
		if err != nil {
			return err
		}
		defer kp.Close()
		publisher = kp
		log.Info("publishing payment events to kafka",
			zap.Strings("brokers", cfg.Events.Kafka.Brokers),
			zap.String("topic", cfg.Events.Kafka.Topic),
		)
	}

	engine := settlement.NewEngine(store,
		settlement.WithLogger(log),
		settlement.WithPublisher(publisher),
		settlement.WithObserver(metrics),
		settlement.WithIDGenerator(ids),
	)

	handler := api.NewHandler(engine, store, log)
	router := api.NewRouter(handler, api.RouterConfig{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Gatherer:       registry,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.Int("port", cfg.HTTP.Port), zap.String("db", cfg.DB.Path))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
