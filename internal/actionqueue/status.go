package actionqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// SyncState is the single state shown to staff.
type SyncState string

const (
	StateSynced  SyncState = "synced"
	StateSyncing SyncState = "syncing"
	StatePending SyncState = "pending"
	StateOffline SyncState = "offline"
	StateError   SyncState = "error"
)

// deriveState reduces the raw signals to one state. Priority, highest
// first: offline, syncing, error (conflicts only), pending, synced.
func deriveState(isOnline, isSyncing bool, conflicts, pending int) SyncState {
	switch {
	case !isOnline:
		return StateOffline
	case isSyncing:
		return StateSyncing
	case conflicts > 0:
		return StateError
	case pending > 0:
		return StatePending
	default:
		return StateSynced
	}
}

// QueueInfo is the per-queue slice of the status read model.
type QueueInfo struct {
	Key       QueueKey   `json:"key"`
	Label     string     `json:"label"`
	Pending   int        `json:"pending"`
	Conflicts int        `json:"conflicts"`
	OldestAt  *time.Time `json:"oldestAt,omitempty"`
	NextRetry *time.Time `json:"nextRetry,omitempty"`
	LastError string     `json:"lastError,omitempty"`
}

// SyncStatusData is the aggregate read model served to the UI.
type SyncStatusData struct {
	State         SyncState   `json:"state"`
	IsOnline      bool        `json:"isOnline"`
	IsSyncing     bool        `json:"isSyncing"`
	PendingTotal  int         `json:"pendingTotal"`
	ConflictTotal int         `json:"conflictTotal"`
	Queues        []QueueInfo `json:"queues"`
	Errors        []string    `json:"errors,omitempty"`
	LastSyncTime  *time.Time  `json:"lastSyncTime,omitempty"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

const maxStatusErrors = 10

// AggregatorOptions configures a StatusAggregator. Zero values get
// defaults; Keys defaults to the well-known queue set.
type AggregatorOptions struct {
	Repository      QueueRepository
	Telemetry       *TelemetryLog
	Probe           Probe
	Notifier        FlushNotifier
	Keys            []QueueKey
	PollInterval    time.Duration
	SyncGracePeriod time.Duration
	Now             func() time.Time
}

// StatusAggregator folds queue depth, connectivity and sync activity
// into one SyncStatusData and hosts the user-facing controls.
type StatusAggregator struct {
	repo      QueueRepository
	telemetry *TelemetryLog
	probe     Probe
	notifier  FlushNotifier
	keys      []QueueKey
	poll      time.Duration
	grace     time.Duration
	now       func() time.Time

	mu       sync.Mutex
	syncing  bool
	snapshot SyncStatusData

	signals chan struct{}
}

func NewStatusAggregator(opts AggregatorOptions) *StatusAggregator {
	if opts.Repository == nil {
		opts.Repository = NewMemoryRepository()
	}
	if len(opts.Keys) == 0 {
		opts.Keys = KnownQueues()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.SyncGracePeriod <= 0 {
		opts.SyncGracePeriod = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	a := &StatusAggregator{
		repo:      opts.Repository,
		telemetry: opts.Telemetry,
		probe:     opts.Probe,
		notifier:  opts.Notifier,
		keys:      append([]QueueKey(nil), opts.Keys...),
		poll:      opts.PollInterval,
		grace:     opts.SyncGracePeriod,
		now:       opts.Now,
		signals:   make(chan struct{}, 1),
	}
	a.Refresh()
	return a
}

// Refresh recomputes the status snapshot from the queues, probe and
// telemetry. It never mutates queue contents.
func (a *StatusAggregator) Refresh() SyncStatusData {
	online := true
	if a.probe != nil {
		online = a.probe.Online()
	}

	queues := make([]QueueInfo, 0, len(a.keys))
	pendingTotal := 0
	conflictTotal := 0
	var errorsSeen []string
	errorDedup := map[string]struct{}{}

	for _, key := range a.keys {
		items := a.repo.Load(key)
		info := QueueInfo{Key: key, Label: key.Label()}
		for _, item := range items {
			if item.Conflict {
				info.Conflicts++
			} else {
				info.Pending++
				if item.NextAttemptAt != nil {
					if info.NextRetry == nil || item.NextAttemptAt.Before(*info.NextRetry) {
						at := *item.NextAttemptAt
						info.NextRetry = &at
					}
				}
			}
			if info.OldestAt == nil || item.CreatedAt.Before(*info.OldestAt) {
				at := item.CreatedAt
				info.OldestAt = &at
			}
			if item.LastError != "" {
				info.LastError = item.LastError
				if len(errorsSeen) < maxStatusErrors {
					if _, dup := errorDedup[item.LastError]; !dup {
						errorDedup[item.LastError] = struct{}{}
						errorsSeen = append(errorsSeen, item.LastError)
					}
				}
			}
		}
		pendingTotal += info.Pending
		conflictTotal += info.Conflicts
		queues = append(queues, info)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	data := SyncStatusData{
		State:         deriveState(online, a.syncing, conflictTotal, pendingTotal),
		IsOnline:      online,
		IsSyncing:     a.syncing,
		PendingTotal:  pendingTotal,
		ConflictTotal: conflictTotal,
		Queues:        queues,
		Errors:        errorsSeen,
		UpdatedAt:     a.now().UTC(),
	}
	if a.telemetry != nil {
		data.LastSyncTime = a.telemetry.LastSyncSuccess()
	}
	a.snapshot = data
	return data
}

// Snapshot returns the most recently computed status.
func (a *StatusAggregator) Snapshot() SyncStatusData {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot
}

// ManualSync requests an immediate flush of every tracked queue. While
// offline it fails fast with ErrOffline and never raises isSyncing.
// The syncing flag is cleared on every exit path.
func (a *StatusAggregator) ManualSync(ctx context.Context) error {
	if a.probe != nil && !a.probe.Online() {
		return ErrOffline
	}

	a.mu.Lock()
	if a.syncing {
		a.mu.Unlock()
		return ErrFlushInFlight
	}
	a.syncing = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.syncing = false
		a.mu.Unlock()
		a.Refresh()
	}()
	a.Refresh()

	if a.notifier != nil {
		correlationID := uuid.NewString()
		if err := a.notifier.RequestFlush(ctx, correlationID, a.keys); err != nil {
			log.Warn().Err(err).Str("correlationId", correlationID).Msg("manual sync flush request failed")
			return nil
		}
	}

	// Hold the syncing state briefly so the UI reflects the pass even
	// when the flush finishes quickly.
	select {
	case <-ctx.Done():
	case <-time.After(a.grace):
	}
	return nil
}

// ClearQueue drops every queued action for the key, including conflicts.
func (a *StatusAggregator) ClearQueue(key QueueKey) error {
	if key == "" {
		return fmt.Errorf("%w: empty queue key", ErrInvalidInput)
	}
	a.repo.Save(key, nil)
	a.Refresh()
	return nil
}

// RetryConflict clears the conflict flag on one action and makes it
// immediately eligible again.
func (a *StatusAggregator) RetryConflict(key QueueKey, id string) error {
	items := a.repo.Load(key)
	for i := range items {
		if items[i].ID != id {
			continue
		}
		now := a.now().UTC()
		items[i].Conflict = false
		items[i].Attempts = 0
		items[i].LastError = ""
		items[i].NextAttemptAt = &now
		a.repo.Save(key, items)
		a.Refresh()
		return nil
	}
	return ErrNotFound
}

// DiscardConflict removes one action permanently.
func (a *StatusAggregator) DiscardConflict(key QueueKey, id string) error {
	items := a.repo.Load(key)
	for i := range items {
		if items[i].ID != id {
			continue
		}
		a.repo.Save(key, append(items[:i:i], items[i+1:]...))
		a.Refresh()
		return nil
	}
	return ErrNotFound
}

// QueueItems returns a copy of one queue's contents for inspection.
func (a *StatusAggregator) QueueItems(key QueueKey) []QueuedAction {
	return a.repo.Load(key)
}

// Telemetry returns the telemetry log backing this aggregator, or nil.
func (a *StatusAggregator) Telemetry() *TelemetryLog {
	return a.telemetry
}

// NotifyChange schedules an out-of-band refresh. Safe from any
// goroutine; coalesces while a refresh is already queued.
func (a *StatusAggregator) NotifyChange() {
	select {
	case a.signals <- struct{}{}:
	default:
	}
}

// Run refreshes on a fixed poll interval and whenever NotifyChange
// fires, until ctx is cancelled.
func (a *StatusAggregator) Run(ctx context.Context) {
	a.Refresh()
	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Refresh()
		case <-a.signals:
			a.Refresh()
		}
	}
}
