package delever

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Engine is the repayment orchestrator. It validates authorization and risk
// thresholds, optionally acquires flash financing, settles debt on the lending
// protocol, converts the user's collateral via the exchange, and verifies the
// resulting health factor lands inside the user's configured band. Every
// entry point executes inside one snapshot of the environment: any failure
// reverts all effects.
//
// Operations are serialized by a mutex; two repayments can never observe each
// other's partial state.
type Engine struct {
	mu sync.Mutex

	self       common.Address
	pool       LendingGateway
	poolAddr   common.Address
	exchange   ExchangeGateway
	routerAddr common.Address
	vault      TokenVault
	env        Environment
	whitelist  *Whitelist
	policies   *PolicyStore
	fee        FeeCalculator

	// financed holds the outcome produced by the callback while a flash loan
	// this engine issued is in flight.
	financed *ExecutedRepay
}

// NewEngine constructs an orchestrator identified by self. Gateways, vault and
// environment are wired afterwards.
func NewEngine(self common.Address, whitelist *Whitelist, policies *PolicyStore) *Engine {
	return &Engine{
		self:      self,
		whitelist: whitelist,
		policies:  policies,
		fee:       NewFeeCalculator(),
	}
}

// SetLendingGateway wires the lending protocol gateway and its identity. The
// identity doubles as the only caller the financing callback accepts.
func (e *Engine) SetLendingGateway(pool LendingGateway, addr common.Address) {
	if e == nil {
		return
	}
	e.pool = pool
	e.poolAddr = addr
}

// SetExchangeGateway wires the swap venue gateway and its identity.
func (e *Engine) SetExchangeGateway(exchange ExchangeGateway, addr common.Address) {
	if e == nil {
		return
	}
	e.exchange = exchange
	e.routerAddr = addr
}

// SetVault wires the token ledger the orchestrator moves assets through.
func (e *Engine) SetVault(vault TokenVault) {
	if e == nil {
		return
	}
	e.vault = vault
}

// SetEnvironment wires the enclosing atomic unit.
func (e *Engine) SetEnvironment(env Environment) {
	if e == nil {
		return
	}
	e.env = env
}

// Address returns the orchestrator's own identity.
func (e *Engine) Address() common.Address {
	if e == nil {
		return common.Address{}
	}
	return e.self
}

// IncreaseHealthFactor runs the direct, user-funded repayment path: pull
// collateral, convert it, and settle debt on behalf of the user. The whole
// sequence commits or reverts as one unit.
func (e *Engine) IncreaseHealthFactor(operator common.Address, req *RequestedRepay) (*ExecutedRepay, error) {
	if err := e.wired(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	policy, before, err := e.checkTrigger(operator, req)
	if err != nil {
		return nil, err
	}

	snap := e.env.Snapshot()
	exec, err := e.repayDirect(operator, req, policy)
	if err != nil {
		e.env.RevertToSnapshot(snap)
		return nil, err
	}
	e.env.DiscardSnapshot(snap)
	exec.HealthBefore = before
	return exec, nil
}

// IncreaseHealthFactorWithFinancing runs the financed path: the repayment is
// covered by a flash loan from the lending gateway, which re-enters the engine
// through ExecuteOperation before reclaiming principal plus premium.
func (e *Engine) IncreaseHealthFactorWithFinancing(operator common.Address, req *RequestedRepay) (*ExecutedRepay, error) {
	if err := e.wired(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	policy, before, err := e.checkTrigger(operator, req)
	if err != nil {
		return nil, err
	}

	params, err := EncodeFinancingContext(&FinancingContext{Request: *req.Clone(), Operator: operator})
	if err != nil {
		return nil, err
	}

	snap := e.env.Snapshot()
	e.financed = nil
	if err := e.pool.FlashLoan(e.self, e, req.DebtAsset, req.DebtRepayAmount, params); err != nil {
		e.env.RevertToSnapshot(snap)
		e.financed = nil
		return nil, err
	}
	exec := e.financed
	e.financed = nil
	if exec == nil {
		e.env.RevertToSnapshot(snap)
		return nil, fmt.Errorf("delever: financing gateway skipped the callback")
	}

	after, err := e.pool.HealthFactor(req.User)
	if err != nil {
		e.env.RevertToSnapshot(snap)
		return nil, fmt.Errorf("read post health factor: %w", err)
	}
	if after.Cmp(policy.Min()) < 0 || after.Cmp(policy.Max()) > 0 {
		e.env.RevertToSnapshot(snap)
		return nil, ErrHealthFactorOutOfRange
	}
	e.env.DiscardSnapshot(snap)
	exec.HealthBefore = before
	exec.HealthAfter = after
	return exec, nil
}

// ExecuteOperation is the trusted re-entry point invoked by the financing
// gateway while a flash loan issued by this engine is in flight. It repays the
// user's debt with the financed funds, converts collateral to cover principal
// plus premium, and leaves the owed amount approved for the gateway to
// reclaim. It never takes the engine mutex: the entry point that issued the
// loan already holds it.
func (e *Engine) ExecuteOperation(caller, initiator, asset common.Address, amount, premium *big.Int, params []byte) error {
	if e == nil || e.vault == nil || e.pool == nil {
		return errNotWired
	}
	if caller != e.poolAddr {
		return ErrInvalidCaller
	}
	if initiator != e.self {
		return ErrUnauthorizedInitiator
	}

	fctx, err := DecodeFinancingContext(params)
	if err != nil {
		return err
	}
	req := &fctx.Request

	// Measure the actual repayment by balance delta: some debt assets apply
	// internal deductions, so the requested amount is not trusted.
	balanceBefore := e.vault.BalanceOf(asset, e.self)
	if err := e.approveExact(asset, e.poolAddr, amount); err != nil {
		return err
	}
	if _, err := e.pool.Repay(e.self, asset, amount, req.RateMode, req.User); err != nil {
		return fmt.Errorf("repay with financed funds: %w", err)
	}
	actualRepaid := new(big.Int).Sub(balanceBefore, e.vault.BalanceOf(asset, e.self))
	if actualRepaid.Sign() <= 0 {
		return ErrInsufficientDebtToRepay
	}

	collateralBound := new(big.Int).Set(req.CollateralAmount)
	if actualRepaid.Cmp(amount) < 0 {
		collateralBound = scaleByRatio(req.CollateralAmount, actualRepaid, amount)
	}

	pulled, feePaid, err := e.swapAndPull(fctx.Operator, req, collateralBound, actualRepaid, premium)
	if err != nil {
		return err
	}

	// The gateway reclaims principal + premium itself after the callback.
	owed := new(big.Int).Add(amount, premium)
	if err := e.approveExact(asset, e.poolAddr, owed); err != nil {
		return err
	}

	e.financed = &ExecutedRepay{
		User:             req.User,
		CollateralAsset:  req.CollateralAsset,
		DebtAsset:        req.DebtAsset,
		DebtRepaid:       actualRepaid,
		CollateralPulled: pulled,
		FeePaid:          feePaid,
		Premium:          new(big.Int).Set(premium),
	}
	return nil
}

func (e *Engine) repayDirect(operator common.Address, req *RequestedRepay, policy UserPolicy) (*ExecutedRepay, error) {
	outstanding, err := e.pool.Debt(req.User, req.DebtAsset, req.RateMode)
	if err != nil {
		return nil, fmt.Errorf("read outstanding debt: %w", err)
	}
	if outstanding.Sign() <= 0 {
		return nil, ErrInsufficientDebtToRepay
	}

	amountToRepay := minBig(req.DebtRepayAmount, outstanding)
	collateralBound := new(big.Int).Set(req.CollateralAmount)
	if amountToRepay.Cmp(req.DebtRepayAmount) < 0 {
		// The user owed less than assumed; keep the collateral-to-debt ratio
		// consistent by scaling the bound down proportionally.
		collateralBound = scaleByRatio(req.CollateralAmount, amountToRepay, req.DebtRepayAmount)
	}

	pulled, feePaid, err := e.swapAndPull(operator, req, collateralBound, amountToRepay, big.NewInt(0))
	if err != nil {
		return nil, err
	}

	if err := e.approveExact(req.DebtAsset, e.poolAddr, amountToRepay); err != nil {
		return nil, err
	}
	repaid, err := e.pool.Repay(e.self, req.DebtAsset, amountToRepay, req.RateMode, req.User)
	if err != nil {
		return nil, fmt.Errorf("repay debt: %w", err)
	}

	after, err := e.pool.HealthFactor(req.User)
	if err != nil {
		return nil, fmt.Errorf("read post health factor: %w", err)
	}
	if after.Cmp(policy.Min()) < 0 || after.Cmp(policy.Max()) > 0 {
		return nil, ErrHealthFactorOutOfRange
	}

	return &ExecutedRepay{
		User:             req.User,
		CollateralAsset:  req.CollateralAsset,
		DebtAsset:        req.DebtAsset,
		DebtRepaid:       repaid,
		CollateralPulled: pulled,
		FeePaid:          feePaid,
		Premium:          big.NewInt(0),
		HealthAfter:      after,
	}, nil
}

// swapAndPull converts collateral into the debt asset covering debtRepayAmount
// plus premium, pulling the minimum collateral from the user and paying the
// fixed service fee to the operator. It returns the collateral pulled and the
// fee paid.
func (e *Engine) swapAndPull(operator common.Address, req *RequestedRepay, collateralBound, debtRepayAmount, premium *big.Int) (*big.Int, *big.Int, error) {
	total := new(big.Int).Add(debtRepayAmount, premium)

	if req.CollateralAsset == req.DebtAsset {
		// No conversion needed; the fee applies to the repay amount.
		feeAmount := e.fee.FeeOn(debtRepayAmount)
		pullTotal := new(big.Int).Add(total, feeAmount)
		if err := e.pullCollateral(req, pullTotal); err != nil {
			return nil, nil, err
		}
		if err := e.vault.Transfer(req.DebtAsset, e.self, operator, feeAmount); err != nil {
			return nil, nil, fmt.Errorf("pay operator fee: %w", err)
		}
		return pullTotal, feeAmount, nil
	}

	swapTarget := req.DebtAsset
	if req.DebtAsReceipt {
		receipt, err := e.pool.ReceiptToken(req.DebtAsset)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve debt receipt token: %w", err)
		}
		swapTarget = receipt
	}

	amountIn, err := e.exchange.QuoteAmountIn(req.CollateralAsset, swapTarget, total, req.ViaNative)
	if err != nil {
		return nil, nil, fmt.Errorf("quote swap: %w", err)
	}
	if amountIn.Cmp(collateralBound) > 0 {
		return nil, nil, ErrSlippageExceeded
	}

	feeAmount := e.fee.FeeOn(amountIn)
	pullTotal := new(big.Int).Add(amountIn, feeAmount)
	if err := e.pullCollateral(req, pullTotal); err != nil {
		return nil, nil, err
	}
	if err := e.vault.Transfer(req.CollateralAsset, e.self, operator, feeAmount); err != nil {
		return nil, nil, fmt.Errorf("pay operator fee: %w", err)
	}

	if err := e.approveExact(req.CollateralAsset, e.routerAddr, amountIn); err != nil {
		return nil, nil, err
	}
	if _, err := e.exchange.SwapForExactOut(e.self, req.CollateralAsset, swapTarget, amountIn, total, req.ViaNative); err != nil {
		return nil, nil, fmt.Errorf("swap collateral: %w", err)
	}

	if req.DebtAsReceipt {
		// The venue delivered receipt tokens; redeem them into the
		// orchestrator's own balance before repaying.
		if _, err := e.pool.Withdraw(e.self, req.DebtAsset, total, e.self); err != nil {
			return nil, nil, fmt.Errorf("redeem debt receipt tokens: %w", err)
		}
	}
	return pullTotal, feeAmount, nil
}

// pullCollateral takes amount of collateral from the user, consuming the
// attached permit when present. Receipt-token collateral is transferred in and
// redeemed so every later step operates on the underlying.
func (e *Engine) pullCollateral(req *RequestedRepay, amount *big.Int) error {
	if req.CollateralAsReceipt {
		receipt, err := e.pool.ReceiptToken(req.CollateralAsset)
		if err != nil {
			return fmt.Errorf("resolve collateral receipt token: %w", err)
		}
		if err := e.applyPermit(receipt, req); err != nil {
			return fmt.Errorf("apply permit: %w", err)
		}
		if err := e.vault.TransferFrom(receipt, e.self, req.User, e.self, amount); err != nil {
			return fmt.Errorf("pull receipt collateral: %w", err)
		}
		if _, err := e.pool.Withdraw(e.self, req.CollateralAsset, amount, e.self); err != nil {
			return fmt.Errorf("redeem collateral: %w", err)
		}
		return nil
	}

	if err := e.applyPermit(req.CollateralAsset, req); err != nil {
		return fmt.Errorf("apply permit: %w", err)
	}
	if err := e.vault.TransferFrom(req.CollateralAsset, e.self, req.User, e.self, amount); err != nil {
		return fmt.Errorf("pull collateral: %w", err)
	}
	return nil
}

func (e *Engine) applyPermit(asset common.Address, req *RequestedRepay) error {
	if req.Permit == nil {
		return nil
	}
	p := req.Permit
	return e.vault.UsePermit(asset, req.User, e.self, p.Value, p.Deadline, p.V, p.R, p.S)
}

// approveExact grants spender exactly amount using the reset-then-set pattern,
// to stay compatible with assets that reject a non-zero-to-non-zero allowance
// change.
func (e *Engine) approveExact(asset, spender common.Address, amount *big.Int) error {
	if err := e.vault.Approve(asset, e.self, spender, big.NewInt(0)); err != nil {
		return fmt.Errorf("reset allowance: %w", err)
	}
	if err := e.vault.Approve(asset, e.self, spender, amount); err != nil {
		return fmt.Errorf("set allowance: %w", err)
	}
	return nil
}

// checkTrigger runs the shared preconditions: request sanity, operator
// whitelisting, and the strictly-below-floor trigger guard. It returns the
// user's policy and pre-execution health factor.
func (e *Engine) checkTrigger(operator common.Address, req *RequestedRepay) (UserPolicy, *big.Int, error) {
	if req == nil ||
		req.CollateralAmount == nil || req.CollateralAmount.Sign() <= 0 ||
		req.DebtRepayAmount == nil || req.DebtRepayAmount.Sign() <= 0 {
		return UserPolicy{}, nil, ErrInvalidAmount
	}
	if !e.whitelist.Contains(operator) {
		return UserPolicy{}, nil, ErrNotAuthorized
	}
	policy := e.policies.Get(req.User)
	before, err := e.pool.HealthFactor(req.User)
	if err != nil {
		return UserPolicy{}, nil, fmt.Errorf("read health factor: %w", err)
	}
	// Trigger guard, not a safety guard: fires only strictly below the floor.
	if before.Cmp(policy.Min()) >= 0 {
		return UserPolicy{}, nil, ErrHealthFactorNotLow
	}
	return policy, before, nil
}

func (e *Engine) wired() error {
	if e == nil || e.pool == nil || e.exchange == nil || e.vault == nil ||
		e.env == nil || e.whitelist == nil || e.policies == nil {
		return errNotWired
	}
	return nil
}
