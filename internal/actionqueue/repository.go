package actionqueue

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// QueueRepository persists per-key action queues. Implementations are
// fail-soft: a missing or unreadable queue loads as empty, and save
// failures are absorbed so a broken disk never blocks a user mutation.
type QueueRepository interface {
	Load(key QueueKey) []QueuedAction
	Save(key QueueKey, items []QueuedAction)
}

// MemoryRepository keeps queues in process memory. Used by tests and the
// memory backend profile.
type MemoryRepository struct {
	mu     sync.RWMutex
	queues map[QueueKey][]QueuedAction
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{queues: make(map[QueueKey][]QueuedAction)}
}

func (r *MemoryRepository) Load(key QueueKey) []QueuedAction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneActions(r.queues[key])
}

func (r *MemoryRepository) Save(key QueueKey, items []QueuedAction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[key] = cloneActions(items)
}

func cloneActions(items []QueuedAction) []QueuedAction {
	if items == nil {
		return nil
	}
	out := make([]QueuedAction, len(items))
	copy(out, items)
	for i := range out {
		if items[i].NextAttemptAt != nil {
			at := *items[i].NextAttemptAt
			out[i].NextAttemptAt = &at
		}
	}
	return out
}

// FileRepository stores one JSON snapshot file per queue key under a
// root directory. Writes go through a temp file and rename so a crash
// never leaves a half-written snapshot.
type FileRepository struct {
	mu   sync.Mutex
	root string
}

func NewFileRepository(root string) (*FileRepository, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FileRepository{root: root}, nil
}

// Root returns the directory holding queue snapshot files.
func (r *FileRepository) Root() string {
	return r.root
}

func (r *FileRepository) path(key QueueKey) string {
	return filepath.Join(r.root, string(key)+".json")
}

func (r *FileRepository) Load(key QueueKey) []QueuedAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := os.ReadFile(r.path(key))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Debug().Err(err).Str("queue", string(key)).Msg("queue snapshot unreadable, treating as empty")
		}
		return nil
	}
	return decodeQueueSnapshot(data)
}

func (r *FileRepository) Save(key QueueKey, items []QueuedAction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := encodeQueueSnapshot(items)
	if err != nil {
		log.Warn().Err(err).Str("queue", string(key)).Msg("queue snapshot encode failed")
		return
	}
	if err := writeFileAtomic(r.path(key), data); err != nil {
		log.Warn().Err(err).Str("queue", string(key)).Msg("queue snapshot write failed")
	}
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
