package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/joshuahuffman02/Keepr-sub014/internal/actionqueue"
	"github.com/joshuahuffman02/Keepr-sub014/internal/httpapi"
	"github.com/joshuahuffman02/Keepr-sub014/internal/syncbridge"
)

func main() {
	configureLogging()

	addr := os.Getenv("FIELDSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	repo, err := buildRepositoryFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize queue repository")
	}

	telemetry := actionqueue.NewTelemetryLog(intEnv("FIELDSYNC_TELEMETRY_CAPACITY", 0))
	probe := actionqueue.NewHTTPProbe(apiBaseURL(), durationEnv("FIELDSYNC_PROBE_TIMEOUT", 0))
	replayer := actionqueue.NewHTTPReplayClient(actionqueue.HTTPReplayClientOptions{
		BaseURL:        apiBaseURL(),
		Token:          os.Getenv("FIELDSYNC_API_TOKEN"),
		RequestTimeout: durationEnv("FIELDSYNC_REQUEST_TIMEOUT", 0),
	})
	processor := actionqueue.NewProcessor(actionqueue.ProcessorOptions{
		Repository:  repo,
		Replayer:    replayer,
		Telemetry:   telemetry,
		BaseBackoff: durationEnv("FIELDSYNC_BASE_BACKOFF", 0),
		MaxBackoff:  durationEnv("FIELDSYNC_MAX_BACKOFF", 0),
	})

	hub := syncbridge.NewHub()
	aggregator := actionqueue.NewStatusAggregator(actionqueue.AggregatorOptions{
		Repository:      repo,
		Telemetry:       telemetry,
		Probe:           probe,
		Notifier:        hub,
		PollInterval:    durationEnv("FIELDSYNC_POLL_INTERVAL", 0),
		SyncGracePeriod: durationEnv("FIELDSYNC_SYNC_GRACE", 0),
	})
	enqueuer := actionqueue.NewEnqueuer(actionqueue.EnqueuerOptions{
		Repository: repo,
		Notifier:   hub,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub.SetHandler(func(msgCtx context.Context, msg syncbridge.Message) {
		switch msg.Type {
		case syncbridge.MessageSyncRequested:
			keys := make([]actionqueue.QueueKey, 0, len(msg.Queues))
			for _, queue := range msg.Queues {
				keys = append(keys, actionqueue.QueueKey(queue))
			}
			go func() {
				processor.FlushAll(ctx, keys)
				hub.Broadcast(ctx, syncbridge.Message{
					Type:          syncbridge.MessageSyncComplete,
					Queues:        msg.Queues,
					CorrelationID: msg.CorrelationID,
				})
				aggregator.NotifyChange()
			}()
		case syncbridge.MessageSyncComplete, syncbridge.MessageRefresh:
			aggregator.NotifyChange()
		}
	})

	go aggregator.Run(ctx)
	go runPeriodicFlush(ctx, processor, aggregator, durationEnv("FIELDSYNC_FLUSH_INTERVAL", 30*time.Second))

	connectivity := actionqueue.NewConnectivityWatcher(probe, durationEnv("FIELDSYNC_PROBE_INTERVAL", 0), func(online bool) {
		log.Info().Bool("online", online).Msg("connectivity changed")
		aggregator.NotifyChange()
		if online {
			go func() {
				processor.FlushAll(ctx, nil)
				aggregator.NotifyChange()
			}()
		}
	})
	go connectivity.Run(ctx)

	if fileRepo, ok := repo.(*actionqueue.FileRepository); ok {
		watcher := syncbridge.NewWatcher(fileRepo.Root(), durationEnv("FIELDSYNC_WATCH_DEBOUNCE", 0), aggregator.NotifyChange)
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("queue file watcher stopped")
			}
		}()
	}
	if pgRepo, ok := repo.(*actionqueue.PostgresRepository); ok {
		go func() {
			err := pgRepo.Listen(ctx, func(actionqueue.QueueKey) {
				aggregator.NotifyChange()
			})
			if err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("queue change listener stopped")
			}
		}()
		defer pgRepo.Close()
	}

	api := httpapi.NewServerWithConfig(aggregator, enqueuer, hub, httpapi.ServerConfig{
		Token:        os.Getenv("FIELDSYNC_HTTP_TOKEN"),
		MaxBodyBytes: int64Env("FIELDSYNC_MAX_BODY_BYTES", 0),
	})
	server := &http.Server{Addr: addr, Handler: api}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		hub.Close()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown failed")
		}
	}()

	log.Info().Str("addr", addr).Msg("fieldsyncd listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func runPeriodicFlush(ctx context.Context, processor *actionqueue.Processor, aggregator *actionqueue.StatusAggregator, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			processor.FlushAll(ctx, nil)
			aggregator.NotifyChange()
		}
	}
}

func configureLogging() {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(os.Getenv("FIELDSYNC_LOG_LEVEL"))))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if boolEnv("FIELDSYNC_LOG_PRETTY", false) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func apiBaseURL() string {
	base := strings.TrimSpace(os.Getenv("FIELDSYNC_API_BASE_URL"))
	if base == "" {
		base = "http://127.0.0.1:9000"
	}
	return base
}

func buildRepositoryFromEnv() (actionqueue.QueueRepository, error) {
	if dsn := strings.TrimSpace(os.Getenv("FIELDSYNC_QUEUE_DSN")); dsn != "" {
		return actionqueue.BuildRepositoryFromDSN(dsn)
	}
	dsn, err := storageProfileDSNFromEnv()
	if err != nil {
		return nil, err
	}
	return actionqueue.BuildRepositoryFromDSN(dsn)
}

func storageProfileDSNFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("FIELDSYNC_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("FIELDSYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".fieldsync"
	}
	switch profile {
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("FIELDSYNC_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("FIELDSYNC_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", fmt.Errorf("FIELDSYNC_PRODUCTION_DSN or FIELDSYNC_POSTGRES_DSN is required when FIELDSYNC_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, nil
	case "", "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "queues"), nil
	default:
		return "", fmt.Errorf("unsupported FIELDSYNC_BACKEND_PROFILE: %s", profile)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Int("fallback", fallback).Msg("invalid int env, using fallback")
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Int64("fallback", fallback).Msg("invalid int env, using fallback")
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Str("fallback", fallback.String()).Msg("invalid duration env, using fallback")
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	switch raw {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
