package sale

import (
	"errors"

	"presale-settlement/internal/oracle"
)

// Kind classifies a settlement failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthorization
	KindInvalidInput
	KindStage
	KindOracle
	KindInventory
	KindPayment
	KindState
)

func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindInvalidInput:
		return "invalid_input"
	case KindStage:
		return "stage"
	case KindOracle:
		return "oracle"
	case KindInventory:
		return "inventory"
	case KindPayment:
		return "payment"
	case KindState:
		return "state"
	default:
		return "unknown"
	}
}

// Error is a classified sentinel. Compare with errors.Is.
type Error struct {
	Kind Kind
	Code string
	msg  string
}

func (e *Error) Error() string { return e.msg }

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, msg: msg}
}

var (
	ErrUnauthorized = newError(KindAuthorization, "Unauthorized", "sale: caller lacks required privilege")

	ErrZeroQuantity       = newError(KindInvalidInput, "ZeroQuantity", "sale: quantity must be greater than zero")
	ErrZeroAmount         = newError(KindInvalidInput, "ZeroAmount", "sale: amount must be greater than zero")
	ErrZeroAddress        = newError(KindInvalidInput, "ZeroAddress", "sale: zero address")
	ErrInvalidConfig      = newError(KindInvalidInput, "InvalidConfig", "sale: configuration value out of range")
	ErrInvalidStart       = newError(KindInvalidInput, "InvalidStart", "sale: start cannot be in the past")
	ErrUnsupportedAsset   = newError(KindInvalidInput, "UnsupportedAsset", "sale: payment asset not supported")
	ErrArithmeticOverflow = newError(KindInvalidInput, "ArithmeticOverflow", "sale: amount overflows 256 bits")

	ErrNotStarted      = newError(KindStage, "NotStarted", "sale: not started")
	ErrEnded           = newError(KindStage, "Ended", "sale: ended")
	ErrAlreadyStarted  = newError(KindStage, "AlreadyStarted", "sale: already started")
	ErrSaleNotEnded    = newError(KindStage, "SaleNotEnded", "sale: still running")
	ErrTransfersLocked = newError(KindStage, "TransfersLocked", "sale: transfers locked until the sale ends")

	ErrInsufficientStock = newError(KindInventory, "InsufficientStock", "sale: insufficient stock")

	ErrInsufficientPayment  = newError(KindPayment, "InsufficientPayment", "sale: insufficient payment")
	ErrInsufficientApproval = newError(KindPayment, "InsufficientApproval", "sale: insufficient approval")
	ErrTransferFailed       = newError(KindPayment, "TransferFailed", "sale: transfer failed")
	ErrRefundFailed         = newError(KindPayment, "RefundFailed", "sale: refund failed")
	ErrInsufficientBalance  = newError(KindPayment, "InsufficientBalance", "sale: insufficient balance")

	ErrNoChange          = newError(KindState, "NoChange", "sale: value unchanged")
	ErrAlreadyExecuted   = newError(KindState, "AlreadyExecuted", "sale: already executed")
	ErrNothingToWithdraw = newError(KindState, "NothingToWithdraw", "sale: nothing to withdraw")
	ErrReentrantCall     = newError(KindState, "ReentrantCall", "sale: reentrant call")
)

// KindOf reports the classification of err, including oracle failures.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, oracle.ErrStaleOracleData) || errors.Is(err, oracle.ErrInvalidPrice) {
		return KindOracle
	}
	return KindUnknown
}

// CodeOf returns the stable error code for err, or "Internal".
func CodeOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	switch {
	case errors.Is(err, oracle.ErrStaleOracleData):
		return "StaleOracleData"
	case errors.Is(err, oracle.ErrInvalidPrice):
		return "InvalidPrice"
	}
	return "Internal"
}
