package delever

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"delever/storage"
)

var policyStoreKey = []byte("delever/policies")

// PolicyStore holds the per-user health-factor bands. A user only ever writes
// their own policy (enforced at the RPC layer); reads from unconfigured users
// yield the zero policy, which the orchestrator treats as an implicit deny.
type PolicyStore struct {
	mu       sync.RWMutex
	policies map[common.Address]UserPolicy
	db       storage.Database
}

func NewPolicyStore() *PolicyStore {
	return &PolicyStore{policies: make(map[common.Address]UserPolicy)}
}

// NewPolicyStoreWithStore loads persisted policies from db and keeps writing
// changes through to it.
func NewPolicyStoreWithStore(db storage.Database) (*PolicyStore, error) {
	s := NewPolicyStore()
	s.db = db
	raw, err := db.Get(policyStoreKey)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	var stored map[common.Address]storedPolicy
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("decode policies: %w", err)
	}
	for user, p := range stored {
		minHF, ok := new(big.Int).SetString(p.Min, 10)
		if !ok {
			return nil, fmt.Errorf("decode policies: invalid min for %s", user.Hex())
		}
		maxHF, ok := new(big.Int).SetString(p.Max, 10)
		if !ok {
			return nil, fmt.Errorf("decode policies: invalid max for %s", user.Hex())
		}
		s.policies[user] = UserPolicy{MinHealthFactor: minHF, MaxHealthFactor: maxHF}
	}
	return s, nil
}

type storedPolicy struct {
	Min string `json:"min"`
	Max string `json:"max"`
}

// Set overwrites the user's policy unconditionally. It fails with
// ErrInvalidRange when max < min and with ErrInvalidAmount on negative values.
// A failed write-through restores the previous policy and is reported to the
// caller.
func (s *PolicyStore) Set(user common.Address, minHF, maxHF *big.Int) error {
	if minHF == nil || maxHF == nil || minHF.Sign() < 0 || maxHF.Sign() < 0 {
		return ErrInvalidAmount
	}
	if maxHF.Cmp(minHF) < 0 {
		return ErrInvalidRange
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prior, existed := s.policies[user]
	s.policies[user] = UserPolicy{
		MinHealthFactor: new(big.Int).Set(minHF),
		MaxHealthFactor: new(big.Int).Set(maxHF),
	}
	if err := s.persist(); err != nil {
		if existed {
			s.policies[user] = prior
		} else {
			delete(s.policies, user)
		}
		return err
	}
	return nil
}

// Get returns the user's policy, or the zero policy when none was configured.
func (s *PolicyStore) Get(user common.Address) UserPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.policies[user]; ok {
		return UserPolicy{
			MinHealthFactor: new(big.Int).Set(p.MinHealthFactor),
			MaxHealthFactor: new(big.Int).Set(p.MaxHealthFactor),
		}
	}
	return UserPolicy{MinHealthFactor: big.NewInt(0), MaxHealthFactor: big.NewInt(0)}
}

func (s *PolicyStore) persist() error {
	if s.db == nil {
		return nil
	}
	stored := make(map[common.Address]storedPolicy, len(s.policies))
	for user, p := range s.policies {
		stored[user] = storedPolicy{Min: p.Min().String(), Max: p.Max().String()}
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode policies: %w", err)
	}
	if err := s.db.Put(policyStoreKey, raw); err != nil {
		return fmt.Errorf("store policies: %w", err)
	}
	return nil
}
