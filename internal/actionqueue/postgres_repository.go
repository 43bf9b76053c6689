package actionqueue

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

const (
	postgresOperationTimeout = 5 * time.Second
	postgresNotifyChannel    = "fieldsync_queue_changed"
)

type sqlOpenFunc func(driverName, dataSourceName string) (*sql.DB, error)

// PostgresRepository stores queue snapshots in a single table keyed by
// queue name. Saves run inside an advisory-lock transaction and emit a
// NOTIFY so other processes sharing the database can refresh without
// polling.
type PostgresRepository struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresRepository(dsn string) *PostgresRepository {
	return &PostgresRepository{
		dsn:       dsn,
		tableName: "fieldsync_queue",
		openDB:    sql.Open,
	}
}

func (r *PostgresRepository) ensureReady() error {
	r.initOnce.Do(func() {
		db, err := r.openDB("postgres", r.dsn)
		if err != nil {
			r.initErr = fmt.Errorf("open postgres: %w", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		createStmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			queue_key TEXT PRIMARY KEY,
			snapshot TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, postgresQuoteIdentifier(r.tableName))
		if _, err := db.ExecContext(ctx, createStmt); err != nil {
			db.Close()
			r.initErr = fmt.Errorf("ensure queue table: %w", err)
			return
		}
		r.db = db
	})
	return r.initErr
}

func (r *PostgresRepository) Load(key QueueKey) []QueuedAction {
	if err := r.ensureReady(); err != nil {
		log.Warn().Err(err).Str("queue", string(key)).Msg("postgres repository unavailable, treating queue as empty")
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	var snapshot string
	query := fmt.Sprintf(`SELECT snapshot FROM %s WHERE queue_key = $1`, postgresQuoteIdentifier(r.tableName))
	err := r.db.QueryRowContext(ctx, query, string(key)).Scan(&snapshot)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Warn().Err(err).Str("queue", string(key)).Msg("postgres queue load failed, treating queue as empty")
		}
		return nil
	}
	return decodeQueueSnapshot([]byte(snapshot))
}

func (r *PostgresRepository) Save(key QueueKey, items []QueuedAction) {
	if err := r.save(key, items); err != nil {
		log.Warn().Err(err).Str("queue", string(key)).Msg("postgres queue save failed")
	}
}

func (r *PostgresRepository) save(key QueueKey, items []QueuedAction) error {
	if err := r.ensureReady(); err != nil {
		return err
	}
	data, err := encodeQueueSnapshot(items)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryLockKey(key)); err != nil {
		return err
	}
	upsert := fmt.Sprintf(`INSERT INTO %s (queue_key, snapshot, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (queue_key) DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = now()`,
		postgresQuoteIdentifier(r.tableName))
	if _, err := tx.ExecContext(ctx, upsert, string(key), string(data)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, postgresNotifyChannel, string(key)); err != nil {
		return err
	}
	return tx.Commit()
}

// Listen invokes fn with the queue key named in every change
// notification until ctx is cancelled.
func (r *PostgresRepository) Listen(ctx context.Context, fn func(QueueKey)) error {
	if err := r.ensureReady(); err != nil {
		return err
	}
	listener := pq.NewListener(r.dsn, 2*time.Second, time.Minute, func(event pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Int("event", int(event)).Msg("queue change listener event")
		}
	})
	defer listener.Close()
	if err := listener.Listen(postgresNotifyChannel); err != nil {
		return fmt.Errorf("listen %s: %w", postgresNotifyChannel, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case notification := <-listener.Notify:
			if notification == nil {
				continue
			}
			fn(QueueKey(notification.Extra))
		case <-time.After(90 * time.Second):
			go listener.Ping()
		}
	}
}

func (r *PostgresRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func advisoryLockKey(key QueueKey) int64 {
	h := fnv.New64a()
	h.Write([]byte("fieldsync-queue:"))
	h.Write([]byte(key))
	return int64(h.Sum64())
}

func postgresQuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
