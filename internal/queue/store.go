package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store durably mirrors the queue.
type Store interface {
	// Load returns every decodable operation. Undecodable records are skipped
	// and reported by a *CorruptRecordsError returned with the valid ones.
	Load(ctx context.Context) ([]Operation, error)
	// Save inserts or replaces an operation.
	Save(ctx context.Context, op Operation) error
	// Delete removes an operation; unknown ids are not an error.
	Delete(ctx context.Context, id string) error
	Close() error
}

// Store backends accepted by OpenStore.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

// OpenStore opens the named backend at path.
func OpenStore(backend, path string) (Store, error) {
	switch strings.ToLower(backend) {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendBadger:
		if path == "" {
			return nil, fmt.Errorf("badger queue store: path cannot be empty")
		}
		return OpenBadger(expandPath(path), false)
	case BackendSQLite:
		if path == "" {
			return nil, fmt.Errorf("sqlite queue store: path cannot be empty")
		}
		return OpenSQLite(expandPath(path))
	default:
		return nil, fmt.Errorf("unknown queue store backend %q (must be memory, badger or sqlite)", backend)
	}
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

func encodeOperation(op Operation) ([]byte, error) {
	b, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("encode operation %s: %w", op.ID, err)
	}
	return b, nil
}

func decodeOperation(key string, b []byte) (Operation, error) {
	var op Operation
	if err := json.Unmarshal(b, &op); err != nil {
		return Operation{}, fmt.Errorf("%w: record %s: %v", ErrCorruptStore, key, err)
	}
	if op.ID == "" || op.Entity == "" {
		return Operation{}, fmt.Errorf("%w: record %s is incomplete", ErrCorruptStore, key)
	}
	return op, nil
}

// MemoryStore keeps encoded operations in a map. It exercises the same
// encoding as the durable backends and is used in tests and ephemeral agents.
type MemoryStore struct {
	mu     sync.Mutex
	data   map[string][]byte
	closed bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Compile-time interface verification
var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Load(_ context.Context) ([]Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	ops := make([]Operation, 0, len(s.data))
	corrupt := &CorruptRecordsError{}
	for key, b := range s.data {
		op, err := decodeOperation(key, b)
		if err != nil {
			corrupt.add(key, err)
			continue
		}
		ops = append(ops, op)
	}
	return ops, corrupt.result()
}

func (s *MemoryStore) Save(_ context.Context, op Operation) error {
	b, err := encodeOperation(op)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.data[op.ID] = b
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.data, id)
	return nil
}

// Close marks the store closed. Its contents are kept so a test can reopen it.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Reopen makes a closed MemoryStore usable again, simulating a process restart.
func (s *MemoryStore) Reopen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = false
}

// Corrupt stores raw bytes under key.
func (s *MemoryStore) Corrupt(key string, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = raw
}
