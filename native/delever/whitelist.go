package delever

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"delever/storage"
)

var whitelistStoreKey = []byte("delever/whitelist")

// Whitelist is the set of operators permitted to trigger repayments. Admin
// gating of mutations lives at the RPC layer; the set itself only tracks
// membership. When a database is attached every mutation is written through.
type Whitelist struct {
	mu      sync.RWMutex
	members map[common.Address]struct{}
	order   []common.Address
	db      storage.Database
}

func NewWhitelist() *Whitelist {
	return &Whitelist{members: make(map[common.Address]struct{})}
}

// NewWhitelistWithStore loads the persisted operator set from db and keeps
// writing changes through to it.
func NewWhitelistWithStore(db storage.Database) (*Whitelist, error) {
	w := NewWhitelist()
	w.db = db
	raw, err := db.Get(whitelistStoreKey)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return w, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load whitelist: %w", err)
	}
	var stored []common.Address
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("decode whitelist: %w", err)
	}
	for _, addr := range stored {
		w.members[addr] = struct{}{}
		w.order = append(w.order, addr)
	}
	return w, nil
}

// Add inserts an operator. It returns true when the operator was newly added
// and false when it was already present. A failed write-through leaves the
// set unchanged and is reported to the caller.
func (w *Whitelist) Add(operator common.Address) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.members[operator]; ok {
		return false, nil
	}
	w.members[operator] = struct{}{}
	w.order = append(w.order, operator)
	if err := w.persist(); err != nil {
		delete(w.members, operator)
		w.order = w.order[:len(w.order)-1]
		return false, err
	}
	return true, nil
}

// Remove deletes an operator. It returns true when the operator was present
// and false otherwise. A failed write-through leaves the set unchanged and is
// reported to the caller.
func (w *Whitelist) Remove(operator common.Address) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.members[operator]; !ok {
		return false, nil
	}
	prior := append([]common.Address(nil), w.order...)
	delete(w.members, operator)
	for i, addr := range w.order {
		if addr == operator {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
	if err := w.persist(); err != nil {
		w.members[operator] = struct{}{}
		w.order = prior
		return false, err
	}
	return true, nil
}

// Contains reports whether the operator is whitelisted.
func (w *Whitelist) Contains(operator common.Address) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.members[operator]
	return ok
}

// List returns the members in insertion order.
func (w *Whitelist) List() []common.Address {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]common.Address(nil), w.order...)
}

func (w *Whitelist) persist() error {
	if w.db == nil {
		return nil
	}
	raw, err := json.Marshal(w.order)
	if err != nil {
		return fmt.Errorf("encode whitelist: %w", err)
	}
	if err := w.db.Put(whitelistStoreKey, raw); err != nil {
		return fmt.Errorf("store whitelist: %w", err)
	}
	return nil
}
