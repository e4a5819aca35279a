// Package main implements the entry point for the zent-voice service:
// the websocket presence gateway plus the internal voice control API,
// backed by Postgres for membership and NATS for cross-instance fan-out.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/akadon/zent-voice/bridge"
	"github.com/akadon/zent-voice/config"
	"github.com/akadon/zent-voice/gateway"
	"github.com/akadon/zent-voice/httpapi"
	"github.com/akadon/zent-voice/mediatoken"
	"github.com/akadon/zent-voice/natsclient"
	"github.com/akadon/zent-voice/ratelimit"
	"github.com/akadon/zent-voice/snowflake"
	"github.com/akadon/zent-voice/voicestate"
)

const (
	appName = "zent-voice"

	// KV bucket holding rate limit windows. Entries expire on their own so
	// idle principals do not accumulate.
	rateLimitBucket = "zentvoice_ratelimit"
	rateLimitTTL    = 2 * time.Minute

	connectTimeout  = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Optional; production sets real environment variables.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	slog.Info("starting zent-voice", "addr", cfg.Addr(), "memory_store", cfg.MemoryStore)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := connectNATS(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer closeCancel()
		if err := client.Close(closeCtx); err != nil {
			slog.Warn("NATS close", "error", err)
		}
	}()

	limiter, err := setupLimiter(ctx, client)
	if err != nil {
		return err
	}

	events := bridge.New(client, logger)
	if err := events.EnsureEventLog(ctx, client); err != nil {
		// Fan-out works without the log; replay is a diagnostic extra.
		slog.Warn("event log unavailable, continuing without replay", "error", err)
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	issuer, err := mediatoken.NewIssuer([]byte(cfg.AuthSecret), cfg.MediaAPIKey)
	if err != nil {
		return fmt.Errorf("create token issuer: %w", err)
	}

	ids, err := setupIDs(cfg)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	service, err := voicestate.NewService(ctx, voicestate.ServiceConfig{
		Store:         store,
		Issuer:        issuer,
		Publisher:     events,
		MediaEndpoint: cfg.MediaEndpoint,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("create voice service: %w", err)
	}
	defer func() {
		if err := service.Close(); err != nil {
			slog.Warn("service close", "error", err)
		}
	}()

	gw, err := gateway.New(gateway.Config{
		Service:     service,
		Limiter:     limiter,
		Bus:         events,
		Issuer:      issuer,
		InternalKey: cfg.InternalAPIKey,
		Logger:      logger,
		IDs:         ids,
		Registerer:  registry,
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	// The gateway outlives the signal context so disconnect cleanup can
	// still run its final leaves during shutdown.
	gwCtx, gwCancel := context.WithCancel(context.Background())
	defer gwCancel()
	if err := gw.Start(gwCtx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	api, err := httpapi.New(httpapi.Config{
		Service:     service,
		Limiter:     limiter,
		Messaging:   client,
		InternalKey: cfg.InternalAPIKey,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
		Gatherer:    registry,
	})
	if err != nil {
		return fmt.Errorf("create control API: %w", err)
	}

	mux := http.NewServeMux()
	api.Routes(mux)
	mux.Handle("/voice-gateway", gw)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	}

	gw.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	slog.Info("zent-voice shutdown complete")
	return nil
}

// connectNATS creates the client and waits, bounded, for the first
// connection. The service cannot do anything useful without fan-out.
func connectNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*natsclient.Client, error) {
	client, err := natsclient.NewClient(cfg.NATSURL,
		natsclient.WithLogger(logger),
		natsclient.WithClientName(appName),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	connCtx, connCancel := context.WithTimeout(ctx, connectTimeout)
	defer connCancel()
	if err := client.Connect(connCtx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return client, nil
}

// setupLimiter provisions the shared rate limit bucket and builds the
// limiter on top of it.
func setupLimiter(ctx context.Context, client *natsclient.Client) (*ratelimit.Limiter, error) {
	bucket, err := client.EnsureKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      rateLimitBucket,
		Description: "sliding-window rate limit markers",
		TTL:         rateLimitTTL,
		Storage:     jetstream.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("provision rate limit bucket: %w", err)
	}
	return ratelimit.NewLimiter(natsclient.NewKVStore(bucket, rateLimitBucket)), nil
}

// openStore picks the membership store. Postgres in production; the
// in-memory store behind MEMORY_STORE for local development.
func openStore(ctx context.Context, cfg *config.Config) (voicestate.Store, func(), error) {
	if cfg.MemoryStore {
		slog.Warn("using in-memory membership store, state will not survive restarts")
		return voicestate.NewMemoryStore(), func() {}, nil
	}

	store, err := voicestate.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store, func() {
		if err := store.Close(); err != nil {
			slog.Warn("postgres close", "error", err)
		}
	}, nil
}

// setupIDs builds the identifier generator, honoring explicit partition
// overrides when configured.
func setupIDs(cfg *config.Config) (*snowflake.Generator, error) {
	var opts []snowflake.Option
	if cfg.WorkerID >= 0 {
		opts = append(opts, snowflake.WithWorker(cfg.WorkerID))
	}
	if cfg.ProcessID >= 0 {
		opts = append(opts, snowflake.WithProcess(cfg.ProcessID))
	}
	ids, err := snowflake.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create id generator: %w", err)
	}
	return ids, nil
}
