package actionqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// FlushNotifier asks whoever runs the processor to attempt a flush soon.
// Implementations are best-effort signals, not flush executors.
type FlushNotifier interface {
	RequestFlush(ctx context.Context, correlationID string, keys []QueueKey) error
}

// EnqueuerOptions configures an Enqueuer. Zero values get defaults.
type EnqueuerOptions struct {
	Repository QueueRepository
	Notifier   FlushNotifier
	Now        func() time.Time
}

// Enqueuer captures user mutations into durable queues. Enqueue never
// performs network I/O; replay is the processor's job.
type Enqueuer struct {
	repo     QueueRepository
	notifier FlushNotifier
	now      func() time.Time
}

func NewEnqueuer(opts EnqueuerOptions) *Enqueuer {
	if opts.Repository == nil {
		opts.Repository = NewMemoryRepository()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Enqueuer{
		repo:     opts.Repository,
		notifier: opts.Notifier,
		now:      opts.Now,
	}
}

// Enqueue validates and appends one action to the keyed queue, then
// requests a background flush.
func (e *Enqueuer) Enqueue(ctx context.Context, key QueueKey, req EnqueueRequest) (QueuedAction, error) {
	action, err := e.append(key, req)
	if err != nil {
		return QueuedAction{}, err
	}
	e.requestBackgroundFlush(ctx, key)
	return action, nil
}

// ApplyAndQueue persists the queue entry, then runs the optimistic local
// mutation. If apply fails the entry is removed again, so callers see
// either both effects or neither.
func (e *Enqueuer) ApplyAndQueue(ctx context.Context, key QueueKey, req EnqueueRequest, apply func() error) (QueuedAction, error) {
	action, err := e.append(key, req)
	if err != nil {
		return QueuedAction{}, err
	}
	if apply != nil {
		if applyErr := apply(); applyErr != nil {
			e.remove(key, action.ID)
			return QueuedAction{}, fmt.Errorf("apply local mutation: %w", applyErr)
		}
	}
	e.requestBackgroundFlush(ctx, key)
	return action, nil
}

// RegisterBackgroundSync signals that queued work exists across all
// known queues. A missing notifier is a graceful no-op.
func (e *Enqueuer) RegisterBackgroundSync(ctx context.Context) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.RequestFlush(ctx, uuid.NewString(), KnownQueues()); err != nil {
		log.Debug().Err(err).Msg("background sync registration failed")
	}
}

func (e *Enqueuer) append(key QueueKey, req EnqueueRequest) (QueuedAction, error) {
	if key == "" {
		return QueuedAction{}, fmt.Errorf("%w: empty queue key", ErrInvalidInput)
	}
	if err := req.validate(); err != nil {
		return QueuedAction{}, err
	}
	action := newQueuedAction(req, e.now())
	items := e.repo.Load(key)
	e.repo.Save(key, append(items, action))
	return action, nil
}

func (e *Enqueuer) remove(key QueueKey, id string) {
	items := e.repo.Load(key)
	kept := items[:0]
	for _, item := range items {
		if item.ID != id {
			kept = append(kept, item)
		}
	}
	e.repo.Save(key, kept)
}

func (e *Enqueuer) requestBackgroundFlush(ctx context.Context, key QueueKey) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.RequestFlush(ctx, uuid.NewString(), []QueueKey{key}); err != nil {
		log.Debug().Err(err).Str("queue", string(key)).Msg("background flush request failed")
	}
}
