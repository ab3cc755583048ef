package delever

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// RateMode selects between the two interest-accrual schemes of a debt
// position.
type RateMode uint8

const (
	RateModeStable   RateMode = 1
	RateModeVariable RateMode = 2
)

// Permit is a signature-based one-time spend authorization supplied by the
// user so the orchestrator can pull collateral without a pre-existing
// allowance. Signature verification itself happens in the ledger.
type Permit struct {
	Value    *big.Int
	Deadline *big.Int
	V        uint8
	R        [32]byte
	S        [32]byte
}

// Clone returns a deep copy of the permit.
func (p *Permit) Clone() *Permit {
	if p == nil {
		return nil
	}
	clone := &Permit{V: p.V, R: p.R, S: p.S}
	if p.Value != nil {
		clone.Value = new(big.Int).Set(p.Value)
	}
	if p.Deadline != nil {
		clone.Deadline = new(big.Int).Set(p.Deadline)
	}
	return clone
}

// RequestedRepay is the immutable intent supplied by the triggering operator.
// CollateralAmount is an upper bound on collateral spend and DebtRepayAmount a
// target; the amounts actually moved are reported separately in ExecutedRepay
// so intent and outcome never alias.
type RequestedRepay struct {
	User             common.Address
	CollateralAsset  common.Address
	DebtAsset        common.Address
	CollateralAmount *big.Int
	DebtRepayAmount  *big.Int
	RateMode         RateMode
	// ViaNative routes the collateral-to-debt swap through the venue's
	// native intermediate asset.
	ViaNative bool
	// CollateralAsReceipt pulls the user's pool receipt tokens and redeems
	// them instead of pulling the underlying directly.
	CollateralAsReceipt bool
	// DebtAsReceipt marks debt-asset units obtained from the user as receipt
	// tokens that must be redeemed before the repayment.
	DebtAsReceipt bool
	// UseFinancing covers the repayment with a flash loan settled within the
	// same atomic unit.
	UseFinancing bool
	Permit       *Permit
}

// Clone returns a deep copy of the request.
func (r *RequestedRepay) Clone() *RequestedRepay {
	if r == nil {
		return nil
	}
	clone := *r
	if r.CollateralAmount != nil {
		clone.CollateralAmount = new(big.Int).Set(r.CollateralAmount)
	}
	if r.DebtRepayAmount != nil {
		clone.DebtRepayAmount = new(big.Int).Set(r.DebtRepayAmount)
	}
	clone.Permit = r.Permit.Clone()
	return &clone
}

// ExecutedRepay reports the actual outcome of a committed repayment.
type ExecutedRepay struct {
	User             common.Address
	CollateralAsset  common.Address
	DebtAsset        common.Address
	DebtRepaid       *big.Int
	CollateralPulled *big.Int
	FeePaid          *big.Int
	Premium          *big.Int
	HealthBefore     *big.Int
	HealthAfter      *big.Int
}

// UserPolicy bounds the health-factor band a repayment must restore. The zero
// value (min = max = 0) is the implicit deny for unconfigured users: no health
// factor is strictly below zero, so the trigger guard always rejects.
type UserPolicy struct {
	MinHealthFactor *big.Int
	MaxHealthFactor *big.Int
}

// Min returns the policy floor, treating nil as zero.
func (p UserPolicy) Min() *big.Int {
	if p.MinHealthFactor == nil {
		return big.NewInt(0)
	}
	return p.MinHealthFactor
}

// Max returns the policy ceiling, treating nil as zero.
func (p UserPolicy) Max() *big.Int {
	if p.MaxHealthFactor == nil {
		return big.NewInt(0)
	}
	return p.MaxHealthFactor
}

// FinancingContext carries the request, its authorization proof and the
// triggering operator through the financing gateway's opaque callback
// parameter. It must round-trip byte-for-byte.
type FinancingContext struct {
	Request  RequestedRepay
	Operator common.Address
}
