package duskv

import (
	"path/filepath"
	"testing"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.duskv")
	eng, err := Open(EngineOpts{Path: path, Strict: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := eng.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return eng
}

func TestOpenCloseReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.duskv")

	eng, err := Open(EngineOpts{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	db, err := eng.DB(DBOpts{ID: 1})
	if err != nil {
		t.Fatalf("DB: %v", err)
	}
	if err := db.Put([]byte("hello"), []byte("world"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	eng2, err := Open(EngineOpts{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer eng2.Close()

	db2, err := eng2.DB(DBOpts{ID: 1})
	if err != nil {
		t.Fatalf("DB after reopen: %v", err)
	}
	val, err := db2.Get([]byte("hello"))
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(val) != "world" {
		t.Fatalf("expected %q, got %q", "world", val)
	}
}

func TestEngineStats(t *testing.T) {
	eng := newTestEngine(t)
	if _, err := eng.DB(DBOpts{ID: 1}); err != nil {
		t.Fatalf("DB: %v", err)
	}
	st := eng.Stats()
	if st.OpenDBs != 1 {
		t.Fatalf("expected 1 open db, got %d", st.OpenDBs)
	}
	if st.BlockPower != DefaultBlockPower {
		t.Fatalf("expected default block power, got %v", st.BlockPower)
	}
	if _, ok := st.DBLevel0Nodes[1]; !ok {
		t.Fatalf("expected a level-0 node count entry for db 1, got %v", st.DBLevel0Nodes)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idempotent.duskv")
	eng, err := Open(EngineOpts{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
}

func TestGetMissingKeyReturnsNotFoundSentinel(t *testing.T) {
	eng := newTestEngine(t)
	db, err := eng.DB(DBOpts{ID: 1})
	if err != nil {
		t.Fatalf("DB: %v", err)
	}
	_, err = db.Get([]byte("missing"))
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
