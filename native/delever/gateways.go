package delever

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// LendingGateway is the thin interface to the external lending protocol. All
// asset-moving calls act on balances held in the shared token vault; from
// identifies whose balance or allowance is consumed.
type LendingGateway interface {
	// HealthFactor returns the user's current risk metric, 1e18-scaled.
	HealthFactor(user common.Address) (*big.Int, error)
	// Debt returns the user's outstanding debt for the asset and rate mode.
	Debt(user, asset common.Address, mode RateMode) (*big.Int, error)
	// Repay settles up to amount of onBehalfOf's debt, pulling funds from
	// from's balance via allowance. It returns the amount actually repaid.
	Repay(from common.Address, asset common.Address, amount *big.Int, mode RateMode, onBehalfOf common.Address) (*big.Int, error)
	// Withdraw burns receipt tokens held by from and releases the underlying
	// asset to to. It returns the amount released.
	Withdraw(from common.Address, asset common.Address, amount *big.Int, to common.Address) (*big.Int, error)
	// ReceiptToken resolves the receipt token minted for deposits of asset.
	ReceiptToken(asset common.Address) (common.Address, error)
	// FlashLoan transfers amount of asset to the receiver, synchronously
	// invokes its callback, and reclaims principal plus premium before
	// returning. initiator identifies who requested the financing.
	FlashLoan(initiator common.Address, receiver FinancingReceiver, asset common.Address, amount *big.Int, params []byte) error
}

// FinancingReceiver is the callback half of the financing protocol.
type FinancingReceiver interface {
	Address() common.Address
	ExecuteOperation(caller, initiator, asset common.Address, amount, premium *big.Int, params []byte) error
}

// ExchangeGateway is the thin interface to the external swap venue.
type ExchangeGateway interface {
	// QuoteAmountIn returns the input units required to receive exactly
	// amountOut, optionally routed through the venue's native asset.
	QuoteAmountIn(from, to common.Address, amountOut *big.Int, viaNative bool) (*big.Int, error)
	// SwapForExactOut swaps caller's input units for exactly amountOut,
	// spending at most amountInMax. It returns the input amount consumed.
	SwapForExactOut(caller common.Address, from, to common.Address, amountInMax, amountOut *big.Int, viaNative bool) (*big.Int, error)
}

// TokenVault exposes the balance, allowance and permit surface of the token
// ledger the orchestrator moves assets through.
type TokenVault interface {
	BalanceOf(asset, owner common.Address) *big.Int
	Transfer(asset, from, to common.Address, amount *big.Int) error
	TransferFrom(asset, spender, owner, to common.Address, amount *big.Int) error
	Approve(asset, owner, spender common.Address, amount *big.Int) error
	UsePermit(asset, owner, spender common.Address, value, deadline *big.Int, v uint8, r, s [32]byte) error
}

// Environment is the enclosing atomic unit. Every orchestrated sequence runs
// between a Snapshot and either a DiscardSnapshot on commit or a
// RevertToSnapshot that undoes all effects since the unit began.
type Environment interface {
	Snapshot() int
	RevertToSnapshot(id int)
	DiscardSnapshot(id int)
}
