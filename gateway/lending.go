package gateway

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"delever/ledger"
	"delever/native/delever"
)

var (
	ErrUnknownAsset          = errors.New("gateway: asset not registered with pool")
	ErrInvalidAmount         = errors.New("gateway: amount must be positive")
	ErrInsufficientLiquidity = errors.New("gateway: insufficient pool liquidity")
	ErrFlashLoanNotRepaid    = errors.New("gateway: flash loan not repaid with premium")
)

var (
	basisPoints = big.NewInt(10_000)
	wad         = big.NewInt(1_000_000_000_000_000_000)
	// hfInfinite stands in for the health factor of a debt-free account.
	hfInfinite = new(big.Int).Mul(wad, big.NewInt(1_000_000_000))
)

// Pool is the reference lending protocol the orchestrator drives. Collateral
// is represented by receipt tokens on the shared ledger (a user's collateral
// is their receipt balance); debt is tracked per asset and rate mode. Prices
// are quoted in a common reference unit.
type Pool struct {
	mu         sync.Mutex
	addr       common.Address
	state      *ledger.State
	threshold  uint64 // liquidation threshold, bps
	premiumBps uint64 // flash loan premium, bps

	prices      map[common.Address]*big.Rat
	receipts    map[common.Address]common.Address
	underlyings map[common.Address]common.Address
	positions   map[common.Address]*position

	snapshots []map[common.Address]*position
}

type position struct {
	stable   map[common.Address]*big.Int
	variable map[common.Address]*big.Int
}

func newPosition() *position {
	return &position{
		stable:   make(map[common.Address]*big.Int),
		variable: make(map[common.Address]*big.Int),
	}
}

func (p *position) bucket(mode delever.RateMode) map[common.Address]*big.Int {
	if mode == delever.RateModeStable {
		return p.stable
	}
	return p.variable
}

func (p *position) clone() *position {
	clone := newPosition()
	for asset, amount := range p.stable {
		clone.stable[asset] = new(big.Int).Set(amount)
	}
	for asset, amount := range p.variable {
		clone.variable[asset] = new(big.Int).Set(amount)
	}
	return clone
}

// NewPool constructs a pool with the given liquidation threshold and flash
// loan premium, both in basis points.
func NewPool(addr common.Address, state *ledger.State, thresholdBps, premiumBps uint64) *Pool {
	return &Pool{
		addr:        addr,
		state:       state,
		threshold:   thresholdBps,
		premiumBps:  premiumBps,
		prices:      make(map[common.Address]*big.Rat),
		receipts:    make(map[common.Address]common.Address),
		underlyings: make(map[common.Address]common.Address),
		positions:   make(map[common.Address]*position),
	}
}

// Address returns the pool's ledger identity.
func (p *Pool) Address() common.Address { return p.addr }

// RegisterAsset declares an asset, its receipt token and its reference price.
func (p *Pool) RegisterAsset(asset, receipt common.Address, price *big.Rat) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[asset] = new(big.Rat).Set(price)
	p.receipts[asset] = receipt
	p.underlyings[receipt] = asset
}

// Deposit locks amount of asset as collateral and mints receipt tokens 1:1.
func (p *Pool) Deposit(user, asset common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	p.mu.Lock()
	receipt, ok := p.receipts[asset]
	p.mu.Unlock()
	if !ok {
		return ErrUnknownAsset
	}
	if err := p.state.Transfer(asset, user, p.addr, amount); err != nil {
		return err
	}
	return p.state.Mint(receipt, user, amount)
}

// Withdraw burns receipt tokens held by from and releases the underlying to
// to. It returns the amount released.
func (p *Pool) Withdraw(from common.Address, asset common.Address, amount *big.Int, to common.Address) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	p.mu.Lock()
	receipt, ok := p.receipts[asset]
	p.mu.Unlock()
	if !ok {
		return nil, ErrUnknownAsset
	}
	if err := p.state.Burn(receipt, from, amount); err != nil {
		return nil, err
	}
	if err := p.state.Transfer(asset, p.addr, to, amount); err != nil {
		return nil, ErrInsufficientLiquidity
	}
	return new(big.Int).Set(amount), nil
}

// Borrow releases amount of asset to the user and records the debt. It exists
// so positions can be set up; borrowing safety checks are the protocol's own
// concern, not the orchestrator's.
func (p *Pool) Borrow(user, asset common.Address, amount *big.Int, mode delever.RateMode) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	p.mu.Lock()
	if _, ok := p.prices[asset]; !ok {
		p.mu.Unlock()
		return ErrUnknownAsset
	}
	pos, ok := p.positions[user]
	if !ok {
		pos = newPosition()
		p.positions[user] = pos
	}
	p.mu.Unlock()

	if err := p.state.Transfer(asset, p.addr, user, amount); err != nil {
		return ErrInsufficientLiquidity
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	bucket := pos.bucket(mode)
	current := bucket[asset]
	if current == nil {
		current = big.NewInt(0)
	}
	bucket[asset] = new(big.Int).Add(current, amount)
	return nil
}

// Debt returns the user's outstanding debt for the asset and rate mode.
func (p *Pool) Debt(user, asset common.Address, mode delever.RateMode) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[user]
	if !ok {
		return big.NewInt(0), nil
	}
	if amount, ok := pos.bucket(mode)[asset]; ok {
		return new(big.Int).Set(amount), nil
	}
	return big.NewInt(0), nil
}

// Repay settles up to amount of onBehalfOf's debt, pulling funds from from's
// balance via allowance. The amount actually repaid is returned; it is
// clamped to the outstanding debt.
func (p *Pool) Repay(from common.Address, asset common.Address, amount *big.Int, mode delever.RateMode, onBehalfOf common.Address) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	p.mu.Lock()
	pos, ok := p.positions[onBehalfOf]
	if !ok {
		p.mu.Unlock()
		return big.NewInt(0), nil
	}
	outstanding := pos.bucket(mode)[asset]
	if outstanding == nil || outstanding.Sign() == 0 {
		p.mu.Unlock()
		return big.NewInt(0), nil
	}
	actual := new(big.Int).Set(amount)
	if actual.Cmp(outstanding) > 0 {
		actual = new(big.Int).Set(outstanding)
	}
	p.mu.Unlock()

	if err := p.state.TransferFrom(asset, p.addr, from, p.addr, actual); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	pos.bucket(mode)[asset] = new(big.Int).Sub(outstanding, actual)
	return actual, nil
}

// HealthFactor returns collateralValue * threshold / debtValue, 1e18-scaled.
// Collateral is the user's receipt-token balances valued at the reference
// prices; a debt-free account reports an effectively infinite metric.
func (p *Pool) HealthFactor(user common.Address) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	collateral := new(big.Rat)
	for asset, receipt := range p.receipts {
		bal := p.state.BalanceOf(receipt, user)
		if bal.Sign() == 0 {
			continue
		}
		value := new(big.Rat).Mul(new(big.Rat).SetInt(bal), p.prices[asset])
		collateral.Add(collateral, value)
	}

	debt := new(big.Rat)
	if pos, ok := p.positions[user]; ok {
		for _, bucket := range []map[common.Address]*big.Int{pos.stable, pos.variable} {
			for asset, amount := range bucket {
				if amount.Sign() == 0 {
					continue
				}
				value := new(big.Rat).Mul(new(big.Rat).SetInt(amount), p.prices[asset])
				debt.Add(debt, value)
			}
		}
	}

	if debt.Sign() == 0 {
		return new(big.Int).Set(hfInfinite), nil
	}

	hf := new(big.Rat).Mul(collateral, new(big.Rat).SetFrac(new(big.Int).SetUint64(p.threshold), basisPoints))
	hf.Quo(hf, debt)
	hf.Mul(hf, new(big.Rat).SetInt(wad))
	return new(big.Int).Quo(hf.Num(), hf.Denom()), nil
}

// ReceiptToken resolves the receipt token for an underlying asset.
func (p *Pool) ReceiptToken(asset common.Address) (common.Address, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	receipt, ok := p.receipts[asset]
	if !ok {
		return common.Address{}, ErrUnknownAsset
	}
	return receipt, nil
}

// FlashLoan transfers amount to the receiver, invokes its callback
// synchronously, and reclaims principal plus premium through the allowance the
// receiver left behind. Any callback failure aborts the loan.
func (p *Pool) FlashLoan(initiator common.Address, receiver delever.FinancingReceiver, asset common.Address, amount *big.Int, params []byte) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	premium := new(big.Int).Mul(amount, new(big.Int).SetUint64(p.premiumBps))
	premium.Quo(premium, basisPoints)

	if err := p.state.Transfer(asset, p.addr, receiver.Address(), amount); err != nil {
		return ErrInsufficientLiquidity
	}
	if err := receiver.ExecuteOperation(p.addr, initiator, asset, amount, premium, params); err != nil {
		return fmt.Errorf("financing callback: %w", err)
	}
	owed := new(big.Int).Add(amount, premium)
	if err := p.state.TransferFrom(asset, p.addr, receiver.Address(), p.addr, owed); err != nil {
		return ErrFlashLoanNotRepaid
	}
	return nil
}

// Snapshot captures the debt positions; receipt balances live in the ledger
// and are captured by its own snapshot.
func (p *Pool) Snapshot() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	copied := make(map[common.Address]*position, len(p.positions))
	for user, pos := range p.positions {
		copied[user] = pos.clone()
	}
	p.snapshots = append(p.snapshots, copied)
	return len(p.snapshots) - 1
}

// RevertToSnapshot restores the debt positions captured by the snapshot.
func (p *Pool) RevertToSnapshot(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 0 || id >= len(p.snapshots) {
		return
	}
	p.positions = p.snapshots[id]
	p.truncateSnapshots(id)
}

// DiscardSnapshot releases the position copy captured by the snapshot, and any
// later ones, without restoring it.
func (p *Pool) DiscardSnapshot(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 0 || id >= len(p.snapshots) {
		return
	}
	p.truncateSnapshots(id)
}

func (p *Pool) truncateSnapshots(id int) {
	for i := id; i < len(p.snapshots); i++ {
		p.snapshots[i] = nil
	}
	p.snapshots = p.snapshots[:id]
}
