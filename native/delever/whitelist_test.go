package delever

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"delever/storage"
)

var (
	opA = common.HexToAddress("0x0000000000000000000000000000000000000001")
	opB = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

func mustAdd(t *testing.T, w *Whitelist, operator common.Address) bool {
	t.Helper()
	added, err := w.Add(operator)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	return added
}

func mustRemove(t *testing.T, w *Whitelist, operator common.Address) bool {
	t.Helper()
	removed, err := w.Remove(operator)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	return removed
}

func TestWhitelistAddIsIdempotent(t *testing.T) {
	w := NewWhitelist()
	if !mustAdd(t, w, opA) {
		t.Fatal("first add should report true")
	}
	if mustAdd(t, w, opA) {
		t.Fatal("second add should report false")
	}
	if !w.Contains(opA) {
		t.Fatal("operator should be listed")
	}
	if got := len(w.List()); got != 1 {
		t.Fatalf("list length = %d, want 1", got)
	}
}

func TestWhitelistRemove(t *testing.T) {
	w := NewWhitelist()
	mustAdd(t, w, opA)
	mustAdd(t, w, opB)
	if !mustRemove(t, w, opA) {
		t.Fatal("remove of a member should report true")
	}
	if mustRemove(t, w, opA) {
		t.Fatal("remove of a non-member should report false")
	}
	if w.Contains(opA) {
		t.Fatal("removed operator should not be listed")
	}
	list := w.List()
	if len(list) != 1 || list[0] != opB {
		t.Fatalf("list = %v, want [%s]", list, opB.Hex())
	}
}

func TestWhitelistPersistsAcrossRestarts(t *testing.T) {
	db := storage.NewMemDB()
	w, err := NewWhitelistWithStore(db)
	if err != nil {
		t.Fatalf("new whitelist: %v", err)
	}
	mustAdd(t, w, opA)
	mustAdd(t, w, opB)
	mustRemove(t, w, opA)

	reloaded, err := NewWhitelistWithStore(db)
	if err != nil {
		t.Fatalf("reload whitelist: %v", err)
	}
	if reloaded.Contains(opA) {
		t.Fatal("removed operator survived reload")
	}
	if !reloaded.Contains(opB) {
		t.Fatal("member lost on reload")
	}
}

// failingDB rejects every write so write-through error handling can be
// exercised.
type failingDB struct {
	err error
}

func (d *failingDB) Put([]byte, []byte) error { return d.err }

func (d *failingDB) Get([]byte) ([]byte, error) { return nil, storage.ErrKeyNotFound }

func (d *failingDB) Close() {}

func TestWhitelistAddSurfacesStoreFailure(t *testing.T) {
	storeErr := errors.New("disk full")
	w, err := NewWhitelistWithStore(&failingDB{err: storeErr})
	if err != nil {
		t.Fatalf("new whitelist: %v", err)
	}
	added, err := w.Add(opA)
	if !errors.Is(err, storeErr) {
		t.Fatalf("err = %v, want wrapped store error", err)
	}
	if added {
		t.Fatal("failed add should report false")
	}
	// The in-memory set must match what is on disk: nothing.
	if w.Contains(opA) {
		t.Fatal("operator added despite failed write-through")
	}
	if got := len(w.List()); got != 0 {
		t.Fatalf("list length = %d, want 0", got)
	}
}

func TestWhitelistRemoveSurfacesStoreFailure(t *testing.T) {
	db := &failingDB{}
	w, err := NewWhitelistWithStore(db)
	if err != nil {
		t.Fatalf("new whitelist: %v", err)
	}
	mustAdd(t, w, opA)

	db.err = errors.New("disk full")
	removed, err := w.Remove(opA)
	if !errors.Is(err, db.err) {
		t.Fatalf("err = %v, want wrapped store error", err)
	}
	if removed {
		t.Fatal("failed remove should report false")
	}
	if !w.Contains(opA) {
		t.Fatal("operator lost despite failed write-through")
	}
}
