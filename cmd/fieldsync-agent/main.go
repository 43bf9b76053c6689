// fieldsync-agent is the background execution context: it shares the
// queue store with fieldsyncd, flushes on a slow periodic schedule, and
// answers sync_requested signals from the hub.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/joshuahuffman02/Keepr-sub014/internal/actionqueue"
	"github.com/joshuahuffman02/Keepr-sub014/internal/syncbridge"
)

func main() {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(os.Getenv("FIELDSYNC_LOG_LEVEL"))))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	dsn := strings.TrimSpace(os.Getenv("FIELDSYNC_QUEUE_DSN"))
	if dsn == "" {
		log.Fatal().Msg("FIELDSYNC_QUEUE_DSN is required")
	}
	repo, err := actionqueue.BuildRepositoryFromDSN(dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize queue repository")
	}

	baseURL := strings.TrimSpace(os.Getenv("FIELDSYNC_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "http://127.0.0.1:9000"
	}
	replayer := actionqueue.NewHTTPReplayClient(actionqueue.HTTPReplayClientOptions{
		BaseURL:        baseURL,
		Token:          os.Getenv("FIELDSYNC_API_TOKEN"),
		RequestTimeout: durationEnv("FIELDSYNC_REQUEST_TIMEOUT", 0),
	})
	processor := actionqueue.NewProcessor(actionqueue.ProcessorOptions{
		Repository: repo,
		Replayer:   replayer,
		Telemetry:  actionqueue.NewTelemetryLog(0),
	})

	hubURL := strings.TrimSpace(os.Getenv("FIELDSYNC_HUB_URL"))
	if hubURL == "" {
		hubURL = "ws://127.0.0.1:8080/v1/sync/ws"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var client *syncbridge.Client
	client = syncbridge.NewClient(syncbridge.ClientOptions{
		URL: hubURL,
		OnMessage: func(msgCtx context.Context, msg syncbridge.Message) {
			if msg.Type != syncbridge.MessageSyncRequested {
				return
			}
			keys := make([]actionqueue.QueueKey, 0, len(msg.Queues))
			for _, queue := range msg.Queues {
				keys = append(keys, actionqueue.QueueKey(queue))
			}
			results := processor.FlushAll(ctx, keys)
			log.Info().Str("correlationId", msg.CorrelationID).Int("queues", len(results)).Msg("flush completed on request")
			reply := syncbridge.Message{
				Type:          syncbridge.MessageSyncComplete,
				Queues:        msg.Queues,
				CorrelationID: msg.CorrelationID,
			}
			if err := client.Send(msgCtx, reply); err != nil {
				log.Debug().Err(err).Msg("sync_complete send failed")
			}
		},
	})
	go client.Run(ctx)

	interval := durationEnv("FIELDSYNC_FLUSH_INTERVAL", time.Minute)
	log.Info().Str("hub", hubURL).Dur("interval", interval).Msg("fieldsync-agent running")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			processor.FlushAll(ctx, nil)
			if err := client.Send(ctx, syncbridge.Message{Type: syncbridge.MessageRefresh}); err != nil {
				log.Debug().Err(err).Msg("refresh send failed")
			}
		}
	}
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
