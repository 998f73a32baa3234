package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/dgraph-io/badger/v4"
)

func testOperation(id string, p Priority) Operation {
	return Operation{
		ID:         id,
		Kind:       KindUpdate,
		Entity:     "delivery",
		Payload:    json.RawMessage(`{"id":"d1","status":"delivered"}`),
		EnqueuedAt: 1_700_000_000_000,
		MaxRetries: 5,
		Priority:   p,
		Origin:     Origin{Role: "driver", ID: "D7"},
	}
}

func storeBackends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"badger": func(t *testing.T) Store {
			s, err := OpenBadger("", true)
			if err != nil {
				t.Fatalf("OpenBadger: %v", err)
			}
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "queue.db"))
			if err != nil {
				t.Fatalf("OpenSQLite: %v", err)
			}
			return s
		},
	}
}

func TestStoreBackends(t *testing.T) {
	for name, open := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			defer s.Close()

			a := testOperation("01A", PriorityHigh)
			b := testOperation("01B", PriorityLow)
			for _, op := range []Operation{a, b} {
				if err := s.Save(ctx, op); err != nil {
					t.Fatalf("Save: %v", err)
				}
			}

			a.RetryCount = 2
			a.LastError = "timeout"
			if err := s.Save(ctx, a); err != nil {
				t.Fatalf("Save update: %v", err)
			}
			if err := s.Delete(ctx, b.ID); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := s.Delete(ctx, "never-stored"); err != nil {
				t.Fatalf("Delete unknown: %v", err)
			}

			ops, err := s.Load(ctx)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if len(ops) != 1 {
				t.Fatalf("expected 1 operation, got %d", len(ops))
			}
			got := ops[0]
			if got.ID != a.ID || got.RetryCount != 2 || got.LastError != "timeout" || got.Priority != PriorityHigh {
				t.Errorf("unexpected operation %+v", got)
			}
			if string(got.Payload) != string(a.Payload) {
				t.Errorf("payload mismatch %s", got.Payload)
			}

			if err := s.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if err := s.Save(ctx, a); !errors.Is(err, ErrStoreClosed) {
				t.Errorf("expected ErrStoreClosed, got %v", err)
			}
		})
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "queue.db")

	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	q, err := Open(ctx, s, Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := q.Enqueue(ctx, KindCreate, "delivery_request", json.RawMessage(`{"x":1}`), PriorityCritical, Origin{Role: "business", ID: "B1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	q, err = Open(ctx, s, Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer q.Close(ctx)
	if _, err := q.Get(id); err != nil {
		t.Errorf("operation not restored: %v", err)
	}
}

func TestBadgerSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenStore(BackendBadger, dir)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	if err := s.Save(ctx, testOperation("01A", PriorityNormal)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = OpenStore(BackendBadger, dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	ops, err := s.Load(ctx)
	if err != nil || len(ops) != 1 || ops[0].ID != "01A" {
		t.Errorf("expected stored operation, got %v (%v)", ops, err)
	}
}

// assertSkipsCorruptRecord expects s to hold one undecodable record under
// "bad" and checks that valid records still load and the bad one can be
// deleted by its reported key.
func assertSkipsCorruptRecord(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	if err := s.Save(ctx, testOperation("01A", PriorityNormal)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	ops, err := s.Load(ctx)
	var corrupt *CorruptRecordsError
	if !errors.As(err, &corrupt) || !errors.Is(err, ErrCorruptStore) {
		t.Fatalf("expected CorruptRecordsError, got %v", err)
	}
	if len(ops) != 1 || ops[0].ID != "01A" {
		t.Errorf("expected the valid record, got %v", ops)
	}
	if len(corrupt.Keys) != 1 || corrupt.Keys[0] != "bad" {
		t.Fatalf("expected key bad, got %v", corrupt.Keys)
	}

	if err := s.Delete(ctx, corrupt.Keys[0]); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ops, err := s.Load(ctx); err != nil || len(ops) != 1 {
		t.Errorf("expected a clean load, got %v (%v)", ops, err)
	}
}

func TestBadgerCorruptRecord(t *testing.T) {
	s, err := OpenBadger("", true)
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	defer s.Close()

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerKeyPrefix+"bad"), []byte{0xff, 0x00})
	})
	if err != nil {
		t.Fatalf("write raw: %v", err)
	}
	assertSkipsCorruptRecord(t, s)
}

func TestSQLiteCorruptRecord(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()

	if _, err := s.db.Exec(`INSERT INTO sync_operations (id, body, updated_at) VALUES ('bad', '{"id":', 0)`); err != nil {
		t.Fatalf("insert raw: %v", err)
	}
	assertSkipsCorruptRecord(t, s)
}

func TestOpenStoreUnknownBackend(t *testing.T) {
	if _, err := OpenStore("postgres", "x"); err == nil {
		t.Error("expected error for unknown backend")
	}
	if _, err := OpenStore(BackendSQLite, ""); err == nil {
		t.Error("expected error for empty path")
	}
}
