package delever

import "errors"

var (
	// ErrNotAuthorized is returned when the triggering caller is not in the
	// operator whitelist.
	ErrNotAuthorized = errors.New("delever: caller not whitelisted")
	// ErrInvalidCaller is returned when the financing callback is invoked by
	// anyone other than the trusted financing gateway.
	ErrInvalidCaller = errors.New("delever: callback caller is not the financing gateway")
	// ErrUnauthorizedInitiator is returned when the financing callback carries
	// an initiator other than this orchestrator.
	ErrUnauthorizedInitiator = errors.New("delever: financing not initiated by this orchestrator")
	// ErrInvalidRange is returned when a policy write has max below min.
	ErrInvalidRange = errors.New("delever: policy max below min")
	// ErrHealthFactorNotLow is returned when the user's health factor is not
	// strictly below the policy floor, so no repayment is triggered.
	ErrHealthFactorNotLow = errors.New("delever: health factor not below policy floor")
	// ErrHealthFactorOutOfRange is returned when the post-execution health
	// factor lands outside the configured band.
	ErrHealthFactorOutOfRange = errors.New("delever: health factor outside policy band after repayment")
	// ErrSlippageExceeded is returned when the quoted collateral requirement
	// exceeds the authorized collateral bound.
	ErrSlippageExceeded = errors.New("delever: quoted amount exceeds authorized collateral")
	// ErrInsufficientDebtToRepay is returned for degenerate zero-amount repays.
	ErrInsufficientDebtToRepay = errors.New("delever: no outstanding debt to repay")
	// ErrInvalidAmount is returned when a request carries a non-positive amount.
	ErrInvalidAmount = errors.New("delever: amount must be positive")

	errNotWired = errors.New("delever: engine not fully wired")
)
