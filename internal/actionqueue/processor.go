package actionqueue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// FlushResult summarizes one queue pass.
type FlushResult struct {
	Key       QueueKey `json:"key"`
	Replayed  int      `json:"replayed"`
	Failed    int      `json:"failed"`
	Conflicts int      `json:"conflicts"`
	Deferred  int      `json:"deferred"`
	Remaining int      `json:"remaining"`
}

// ProcessorOptions configures a Processor. Zero values get defaults.
type ProcessorOptions struct {
	Repository  QueueRepository
	Replayer    ReplayClient
	Telemetry   *TelemetryLog
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Jitter      float64
	Now         func() time.Time
}

// Processor drains queues by replaying actions against the server.
// Replay within a queue is strictly sequential in insertion order, and
// at most one flush per key runs at a time.
type Processor struct {
	repo        QueueRepository
	replayer    ReplayClient
	telemetry   *TelemetryLog
	baseBackoff time.Duration
	maxBackoff  time.Duration
	jitter      float64
	now         func() time.Time

	mu       sync.Mutex
	inFlight map[QueueKey]struct{}
}

func NewProcessor(opts ProcessorOptions) *Processor {
	if opts.Repository == nil {
		opts.Repository = NewMemoryRepository()
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 5 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Minute
	}
	if opts.Jitter <= 0 {
		opts.Jitter = 0.2
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Processor{
		repo:        opts.Repository,
		replayer:    opts.Replayer,
		telemetry:   opts.Telemetry,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
		jitter:      opts.Jitter,
		now:         opts.Now,
		inFlight:    make(map[QueueKey]struct{}),
	}
}

func (p *Processor) tryAcquire(key QueueKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[key]; busy {
		return false
	}
	p.inFlight[key] = struct{}{}
	return true
}

func (p *Processor) release(key QueueKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, key)
}

// FlushQueue replays the eligible actions of one queue. A second flush
// for the same key while one is running returns ErrFlushInFlight
// without touching the queue.
func (p *Processor) FlushQueue(ctx context.Context, key QueueKey) (FlushResult, error) {
	if key == "" {
		return FlushResult{}, fmt.Errorf("%w: empty queue key", ErrInvalidInput)
	}
	if !p.tryAcquire(key) {
		return FlushResult{Key: key}, ErrFlushInFlight
	}
	defer p.release(key)

	result := p.flushLocked(ctx, key)
	p.recordPass(result)
	return result, ctx.Err()
}

func (p *Processor) flushLocked(ctx context.Context, key QueueKey) FlushResult {
	result := FlushResult{Key: key}
	items := p.repo.Load(key)
	if len(items) == 0 {
		return result
	}

	retained := make([]QueuedAction, 0, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			retained = append(retained, items[i:]...)
			break
		}
		now := p.now()
		if item.Conflict {
			result.Conflicts++
			retained = append(retained, item)
			continue
		}
		if !item.Eligible(now) {
			result.Deferred++
			retained = append(retained, item)
			continue
		}

		err := p.replayer.Do(ctx, item)
		switch {
		case err == nil:
			result.Replayed++
		case errors.Is(err, ErrConflict):
			item.Conflict = true
			item.LastError = err.Error()
			item.NextAttemptAt = nil
			result.Conflicts++
			retained = append(retained, item)
			log.Info().Str("queue", string(key)).Str("action", item.ID).Msg("replay hit server conflict, awaiting user resolution")
		default:
			item.Attempts++
			item.LastError = err.Error()
			next := now.Add(p.backoff(item.Attempts)).UTC()
			item.NextAttemptAt = &next
			result.Failed++
			retained = append(retained, item)
			log.Debug().Err(err).Str("queue", string(key)).Str("action", item.ID).Int("attempts", item.Attempts).Time("nextAttemptAt", next).Msg("replay failed, rescheduled")
		}
	}

	result.Remaining = len(retained)
	p.repo.Save(key, retained)
	return result
}

// backoff grows exponentially with the attempt count, capped, with
// proportional jitter so colocated devices do not retry in lockstep.
func (p *Processor) backoff(attempts int) time.Duration {
	delay := p.baseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= p.maxBackoff {
			delay = p.maxBackoff
			break
		}
	}
	if p.jitter > 0 {
		spread := float64(delay) * p.jitter
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
		if delay < p.baseBackoff/2 {
			delay = p.baseBackoff / 2
		}
	}
	return delay
}

func (p *Processor) recordPass(result FlushResult) {
	if p.telemetry == nil {
		return
	}
	status := TelemetrySuccess
	if result.Failed > 0 || result.Conflicts > 0 {
		status = TelemetryError
	}
	p.telemetry.Record(TelemetryEvent{
		Source: string(result.Key),
		Type:   TelemetrySync,
		Status: status,
		Message: fmt.Sprintf("replayed %d, failed %d, conflicts %d, remaining %d",
			result.Replayed, result.Failed, result.Conflicts, result.Remaining),
		Meta: map[string]string{
			"replayed":  strconv.Itoa(result.Replayed),
			"failed":    strconv.Itoa(result.Failed),
			"conflicts": strconv.Itoa(result.Conflicts),
			"deferred":  strconv.Itoa(result.Deferred),
			"remaining": strconv.Itoa(result.Remaining),
		},
	})
}

// FlushAll flushes every given queue in order, skipping keys whose flush
// is already running.
func (p *Processor) FlushAll(ctx context.Context, keys []QueueKey) []FlushResult {
	if len(keys) == 0 {
		keys = KnownQueues()
	}
	results := make([]FlushResult, 0, len(keys))
	for _, key := range keys {
		result, err := p.FlushQueue(ctx, key)
		if errors.Is(err, ErrFlushInFlight) {
			continue
		}
		results = append(results, result)
		if ctx.Err() != nil {
			break
		}
	}
	return results
}
