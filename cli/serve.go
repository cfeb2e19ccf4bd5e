package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/lowkit/lowkit"
	"github.com/lowkit/lowkit/appconfig"
	"github.com/lowkit/lowkit/config"
	"github.com/lowkit/lowkit/logship"
	lowkitotel "github.com/lowkit/lowkit/otel"
	"github.com/lowkit/lowkit/server"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the route execution server",
		RunE:  runServe,
	}

	cmd.Flags().IntP("port", "p", 8080, "Listen port")
	cmd.Flags().String("host", "0.0.0.0", "Listen host")
	cmd.Flags().String("config", "", "Path to lowkit.yaml")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().String("sqlite-path", "", "Path to the SQLite route store (default: in-memory)")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 60*time.Second, "HTTP write timeout")
	cmd.Flags().Duration("trigger-poll", 5*time.Second, "Cron trigger poll interval")
	cmd.Flags().String("otel-endpoint", "", "OTLP/HTTP trace endpoint")
	cmd.Flags().Bool("otel-insecure", false, "Disable TLS for trace export")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	explicitConfigPath, _ := cmd.Flags().GetString("config")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	triggerPoll, _ := cmd.Flags().GetDuration("trigger-poll")

	configPath, found, err := config.Discover(explicitConfigPath)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	var cfg config.File
	if found {
		cfg, err = config.Load(configPath)
		if err != nil {
			return exitError(exitConfig, "%v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Loaded config from %s\n", configPath)
	}

	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	if cfg.Listen != "" && !cmd.Flags().Changed("host") && !cmd.Flags().Changed("port") {
		addr = cfg.Listen
	}

	corsOrigin := flagOrConfig(cmd, "cors-origin", cfg.CORSOrigin)
	sqlitePath := flagOrConfig(cmd, "sqlite-path", cfg.Store.SQLitePath)
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	if cfg.MaxBodyBytes > 0 && !cmd.Flags().Changed("max-body") {
		maxBody = cfg.MaxBodyBytes
	}
	scriptBudget, err := cfg.ScriptBudgetDuration()
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}

	logger := slog.Default()

	// --- Route store ---
	var store server.RouteStore
	if sqlitePath != "" {
		sqliteStore, err := server.NewSQLiteStore(server.SQLiteStoreConfig{DSN: sqlitePath})
		if err != nil {
			return fmt.Errorf("opening sqlite route store: %w", err)
		}
		defer func() {
			_ = sqliteStore.Close()
		}()
		store = sqliteStore
	} else {
		store = server.NewMemoryStore()
		logger.Warn("no sqlite path configured, routes are held in memory only")
	}

	// --- Log shipping ---
	shipper, err := buildShipper(cfg)
	if err != nil {
		return exitError(exitConfig, "log shipping: %v", err)
	}
	if shipper != nil {
		defer func() {
			_ = shipper.Close()
		}()
	}

	// --- Trace export ---
	otelEndpoint := flagOrConfig(cmd, "otel-endpoint", cfg.Otel.Endpoint)
	otelInsecure, _ := cmd.Flags().GetBool("otel-insecure")
	shutdownTracing, err := lowkitotel.SetupTracing(cmd.Context(), lowkitotel.SetupConfig{
		ServiceName: "lowkit",
		Endpoint:    otelEndpoint,
		Insecure:    otelInsecure || cfg.Otel.Insecure,
	})
	if err != nil {
		return fmt.Errorf("initializing trace export: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	tracing := lowkitotel.NewTracingHandler(otelapi.GetTracerProvider().Tracer("lowkit/engine"))
	metrics, err := lowkitotel.NewMetricsHandler(otelapi.GetMeterProvider().Meter("lowkit/engine"))
	if err != nil {
		return fmt.Errorf("initializing engine metrics: %w", err)
	}
	events := lowkit.MultiEventHandler(tracing.Handle, metrics.Handle)

	// --- Route server ---
	srv := server.NewServer(server.Config{
		Store:        store,
		Integrations: cfg.ServerIntegrations(),
		AppConfig:    cfg.AppConfig,
		Shipper:      shipper,
		Events:       events,
		CORSOrigin:   corsOrigin,
		MaxBody:      maxBody,
		ScriptBudget: scriptBudget,
		Logger:       logger,
	})
	if err := srv.Reload(cmd.Context()); err != nil {
		return fmt.Errorf("loading routes: %w", err)
	}

	// --- Cron triggers ---
	if len(cfg.Triggers) > 0 {
		scheduler, err := server.NewScheduler(server.SchedulerConfig{
			Server:       srv,
			Triggers:     cfg.Triggers,
			PollInterval: triggerPoll,
			Logger:       logger,
		})
		if err != nil {
			return exitError(exitConfig, "%v", err)
		}
		scheduler.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = scheduler.Stop(stopCtx)
		}()
	}

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "lowkit listening on %s\n", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

// buildShipper creates a log shipper from the first observability
// integration declared in the config, if any.
func buildShipper(cfg config.File) (logship.Shipper, error) {
	lookup := appconfig.MapLookup(cfg.AppConfig)
	for id, integ := range cfg.Integrations {
		if !strings.EqualFold(integ.Group, server.GroupObservability) {
			continue
		}
		auth := logship.Auth{
			BasicToken: integ.Settings["basic_token"],
			Username:   integ.Settings["username"],
			Password:   integ.Settings["password"],
		}
		switch strings.ToLower(integ.Variant) {
		case "loki":
			shipper, err := logship.NewLoki(logship.LokiConfig{
				URL:  integ.Settings["url"],
				Auth: auth,
			}, lookup, logship.Options{})
			if err != nil {
				return nil, fmt.Errorf("integration %q: %w", id, err)
			}
			return shipper, nil
		case "openobserve":
			shipper, err := logship.NewOpenObserve(logship.OpenObserveConfig{
				URL:    integ.Settings["url"],
				Org:    integ.Settings["org"],
				Stream: integ.Settings["stream"],
				Auth:   auth,
			}, lookup, logship.Options{})
			if err != nil {
				return nil, fmt.Errorf("integration %q: %w", id, err)
			}
			return shipper, nil
		}
	}
	return nil, nil
}

func flagOrConfig(cmd *cobra.Command, flag, configValue string) string {
	value, _ := cmd.Flags().GetString(flag)
	if configValue != "" && !cmd.Flags().Changed(flag) {
		return configValue
	}
	return value
}
