package queue

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
)

const badgerKeyPrefix = "op/"

// BadgerStore keeps operations in BadgerDB under op/<id>.
type BadgerStore struct {
	db     *badger.DB
	closed atomic.Bool
}

// OpenBadger opens (creating if needed) a BadgerDB queue store at path.
// inMemory ignores path and keeps nothing on disk.
func OpenBadger(path string, inMemory bool) (*BadgerStore, error) {
	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("create badger queue dir: %w", err)
		}
		opts = badger.DefaultOptions(path).WithSyncWrites(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger queue store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Compile-time interface verification
var _ Store = (*BadgerStore)(nil)

func (s *BadgerStore) Load(_ context.Context) ([]Operation, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	var ops []Operation
	corrupt := &CorruptRecordsError{}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(badgerKeyPrefix)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			b, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			id := strings.TrimPrefix(string(item.Key()), badgerKeyPrefix)
			op, err := decodeOperation(id, b)
			if err != nil {
				corrupt.add(id, err)
				continue
			}
			ops = append(ops, op)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger load: %w", err)
	}
	return ops, corrupt.result()
}

func (s *BadgerStore) Save(_ context.Context, op Operation) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	b, err := encodeOperation(op)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerKeyPrefix+op.ID), b)
	})
	if err != nil {
		return fmt.Errorf("badger save: %w", err)
	}
	return nil
}

func (s *BadgerStore) Delete(_ context.Context, id string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(badgerKeyPrefix + id))
	})
	if err != nil {
		return fmt.Errorf("badger delete: %w", err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
