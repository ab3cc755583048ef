package ledger

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidAmount         = errors.New("ledger: amount must be non-negative")
	ErrInsufficientBalance   = errors.New("ledger: insufficient balance")
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")
)

type balanceKey struct {
	asset common.Address
	owner common.Address
}

type allowanceKey struct {
	asset   common.Address
	owner   common.Address
	spender common.Address
}

// State is an in-process token ledger shared by the lending pool, the swap
// router and the orchestrator. Every balance mutation happens inside an
// enclosing snapshot so a failed operation can be rolled back as a whole.
type State struct {
	mu         sync.Mutex
	balances   map[balanceKey]*big.Int
	allowances map[allowanceKey]*big.Int
	nonces     map[common.Address]uint64

	snapshots []*stateCopy
}

type stateCopy struct {
	balances   map[balanceKey]*big.Int
	allowances map[allowanceKey]*big.Int
	nonces     map[common.Address]uint64
}

func NewState() *State {
	return &State{
		balances:   make(map[balanceKey]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
		nonces:     make(map[common.Address]uint64),
	}
}

// BalanceOf returns the current balance for owner in the given asset. The
// returned value is a copy and safe for the caller to mutate.
func (s *State) BalanceOf(asset, owner common.Address) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.balance(asset, owner))
}

// Allowance returns the remaining spend authority spender holds over owner's
// balance in the given asset.
func (s *State) Allowance(asset, owner, spender common.Address) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.allowances[allowanceKey{asset, owner, spender}]; ok {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}

// Mint credits newly issued units to an account.
func (s *State) Mint(asset, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setBalance(asset, to, new(big.Int).Add(s.balance(asset, to), amount))
	return nil
}

// Burn destroys units held by an account.
func (s *State) Burn(asset, from common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bal := s.balance(asset, from)
	if bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	s.setBalance(asset, from, new(big.Int).Sub(bal, amount))
	return nil
}

// Transfer moves units between accounts.
func (s *State) Transfer(asset, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transfer(asset, from, to, amount)
}

// TransferFrom moves units out of owner's balance using spender's allowance.
func (s *State) TransferFrom(asset, spender, owner, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := allowanceKey{asset, owner, spender}
	allowance, ok := s.allowances[key]
	if !ok || allowance.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if err := s.transfer(asset, owner, to, amount); err != nil {
		return err
	}
	s.allowances[key] = new(big.Int).Sub(allowance, amount)
	return nil
}

// Approve sets spender's allowance over owner's balance to exactly amount.
func (s *State) Approve(asset, owner, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowances[allowanceKey{asset, owner, spender}] = new(big.Int).Set(amount)
	return nil
}

// Nonce returns the current permit nonce for an owner.
func (s *State) Nonce(owner common.Address) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonces[owner]
}

// Snapshot records the full ledger state and returns an identifier that can be
// passed to RevertToSnapshot.
func (s *State) Snapshot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, s.copyState())
	return len(s.snapshots) - 1
}

// RevertToSnapshot restores the ledger to the state captured by the given
// snapshot and discards it together with any later snapshots.
func (s *State) RevertToSnapshot(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= len(s.snapshots) {
		return
	}
	snap := s.snapshots[id]
	s.balances = snap.balances
	s.allowances = snap.allowances
	s.nonces = snap.nonces
	s.truncateSnapshots(id)
}

// DiscardSnapshot commits the work since the given snapshot: the captured
// copy, and any later ones, is released without restoring it. Callers invoke
// this on the success path so committed operations do not retain state copies.
func (s *State) DiscardSnapshot(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= len(s.snapshots) {
		return
	}
	s.truncateSnapshots(id)
}

// truncateSnapshots drops snapshot id and everything after it, clearing the
// slots so the copies become collectable.
func (s *State) truncateSnapshots(id int) {
	for i := id; i < len(s.snapshots); i++ {
		s.snapshots[i] = nil
	}
	s.snapshots = s.snapshots[:id]
}

func (s *State) balance(asset, owner common.Address) *big.Int {
	if v, ok := s.balances[balanceKey{asset, owner}]; ok {
		return v
	}
	return big.NewInt(0)
}

func (s *State) setBalance(asset, owner common.Address, value *big.Int) {
	s.balances[balanceKey{asset, owner}] = value
}

func (s *State) transfer(asset, from, to common.Address, amount *big.Int) error {
	fromBal := s.balance(asset, from)
	if fromBal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	s.setBalance(asset, from, new(big.Int).Sub(fromBal, amount))
	s.setBalance(asset, to, new(big.Int).Add(s.balance(asset, to), amount))
	return nil
}

func (s *State) copyState() *stateCopy {
	snap := &stateCopy{
		balances:   make(map[balanceKey]*big.Int, len(s.balances)),
		allowances: make(map[allowanceKey]*big.Int, len(s.allowances)),
		nonces:     make(map[common.Address]uint64, len(s.nonces)),
	}
	for k, v := range s.balances {
		snap.balances[k] = new(big.Int).Set(v)
	}
	for k, v := range s.allowances {
		snap.allowances[k] = new(big.Int).Set(v)
	}
	for k, v := range s.nonces {
		snap.nonces[k] = v
	}
	return snap
}
