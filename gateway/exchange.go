package gateway

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"delever/ledger"
)

var (
	ErrUnknownPair           = errors.New("gateway: no rate configured for pair")
	ErrExcessiveInputAmount  = errors.New("gateway: required input exceeds maximum")
	ErrInsufficientInventory = errors.New("gateway: router inventory cannot cover output")
)

type pairKey struct {
	from common.Address
	to   common.Address
}

// Router is the reference swap venue. Rates are fixed per ordered pair (output
// units per input unit); exact-output quotes round the required input up so
// the venue never undercharges. Routing through the native asset is a two-hop
// quote over the same rate table.
type Router struct {
	mu     sync.RWMutex
	addr   common.Address
	state  *ledger.State
	native common.Address
	rates  map[pairKey]*big.Rat
}

func NewRouter(addr common.Address, state *ledger.State, native common.Address) *Router {
	return &Router{
		addr:   addr,
		state:  state,
		native: native,
		rates:  make(map[pairKey]*big.Rat),
	}
}

// Address returns the router's ledger identity.
func (r *Router) Address() common.Address { return r.addr }

// SetRate configures how many units of to one unit of from buys.
func (r *Router) SetRate(from, to common.Address, rate *big.Rat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rates[pairKey{from: from, to: to}] = new(big.Rat).Set(rate)
}

func (r *Router) quoteHop(from, to common.Address, amountOut *big.Int) (*big.Int, error) {
	rate, ok := r.rates[pairKey{from: from, to: to}]
	if !ok {
		return nil, ErrUnknownPair
	}
	// amountIn = ceil(amountOut / rate)
	in := new(big.Rat).Quo(new(big.Rat).SetInt(amountOut), rate)
	quotient, remainder := new(big.Int).QuoRem(in.Num(), in.Denom(), new(big.Int))
	if remainder.Sign() != 0 {
		quotient.Add(quotient, big.NewInt(1))
	}
	return quotient, nil
}

// QuoteAmountIn returns the input units required to receive exactly amountOut.
func (r *Router) QuoteAmountIn(from, to common.Address, amountOut *big.Int, viaNative bool) (*big.Int, error) {
	if amountOut == nil || amountOut.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if from == to {
		return new(big.Int).Set(amountOut), nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if viaNative && from != r.native && to != r.native {
		mid, err := r.quoteHop(r.native, to, amountOut)
		if err != nil {
			return nil, err
		}
		return r.quoteHop(from, r.native, mid)
	}
	return r.quoteHop(from, to, amountOut)
}

// SwapForExactOut pulls the quoted input from caller via allowance and pays
// exactly amountOut from the router's inventory. It returns the input
// consumed.
func (r *Router) SwapForExactOut(caller common.Address, from, to common.Address, amountInMax, amountOut *big.Int, viaNative bool) (*big.Int, error) {
	amountIn, err := r.QuoteAmountIn(from, to, amountOut, viaNative)
	if err != nil {
		return nil, err
	}
	if amountInMax != nil && amountIn.Cmp(amountInMax) > 0 {
		return nil, ErrExcessiveInputAmount
	}
	if err := r.state.TransferFrom(from, r.addr, caller, r.addr, amountIn); err != nil {
		return nil, err
	}
	if err := r.state.Transfer(to, r.addr, caller, amountOut); err != nil {
		return nil, ErrInsufficientInventory
	}
	return amountIn, nil
}
