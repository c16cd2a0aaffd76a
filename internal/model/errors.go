package model

import "errors"

// Class groups errors by how callers should react to them.
type Class string

const (
	ClassAuthorization Class = "authorization"
	ClassState         Class = "state"
	ClassValidation    Class = "validation"
	ClassOracle        Class = "oracle"
	ClassMath          Class = "math"
	ClassExternal      Class = "external"
)

// Error is a classified sentinel error. Wrap it with fmt.Errorf("...: %w")
// to add order ids and amounts.
type Error struct {
	Class Class
	Code  string
}

func (e *Error) Error() string { return e.Code }

func newError(class Class, code string) *Error {
	return &Error{Class: class, Code: code}
}

var (
	ErrNotOwner     = newError(ClassAuthorization, "NotOwner")
	ErrUnauthorized = newError(ClassAuthorization, "Unauthorized")

	ErrAlreadyFunded     = newError(ClassState, "AlreadyFunded")
	ErrAlreadyLiquidated = newError(ClassState, "AlreadyLiquidated")
	ErrAlreadyRepaid     = newError(ClassState, "AlreadyRepaid")
	ErrNotRepaid         = newError(ClassState, "NotRepaid")
	ErrNotFunded         = newError(ClassState, "NotFunded")
	ErrBadOrder          = newError(ClassState, "BadOrder")
	ErrDuplicateOrder    = newError(ClassState, "DuplicateOrder")
	ErrUnknownReserve    = newError(ClassState, "UnknownReserve")
	ErrUnknownOrder      = newError(ClassState, "UnknownOrder")
	ErrReserveExists     = newError(ClassState, "ReserveAlreadyExists")
	ErrReserveFrozen     = newError(ClassState, "ReserveFrozen")
	ErrExceedsLtv        = newError(ClassState, "ExceedsLtv")
	ErrBorrowCapExceeded = newError(ClassState, "BorrowCapExceeded")
	ErrExceedsUnlocked   = newError(ClassState, "ExceedsUnlocked")
	ErrDeferred          = newError(ClassState, "Deferred")
	ErrAlreadyMirrored   = newError(ClassState, "AlreadyMirrored")
	ErrInFlight          = newError(ClassState, "RelayInFlight")
	ErrDestinationRevert = newError(ClassState, "DestinationReverted")

	ErrBadAmount         = newError(ClassValidation, "BadAmount")
	ErrNoValue           = newError(ClassValidation, "NoValue")
	ErrDecimalsTooHigh   = newError(ClassValidation, "DecimalsTooHigh")
	ErrLtvTooHigh        = newError(ClassValidation, "LtvTooHigh")
	ErrInvalidController = newError(ClassValidation, "InvalidController")
	ErrInvalidTreasury   = newError(ClassValidation, "InvalidTreasury")
	ErrInvalidRisk       = newError(ClassValidation, "InvalidRiskConfig")
	ErrInvalidRate       = newError(ClassValidation, "InvalidRateConfig")
	ErrInvalidOracle     = newError(ClassValidation, "InvalidOracleConfig")
	ErrInvalidInput      = newError(ClassValidation, "InvalidInput")
	ErrMissingEvent      = newError(ClassValidation, "AuthoritativeEventMissing")

	ErrPriceIDMismatch  = newError(ClassOracle, "PriceIdMismatch")
	ErrStalePrice       = newError(ClassOracle, "StalePrice")
	ErrLowConfidence    = newError(ClassOracle, "LowConfidence")
	ErrInsufficientFee  = newError(ClassOracle, "InsufficientFee")
	ErrInvalidPrice     = newError(ClassOracle, "InvalidPrice")
	ErrPriceDeviation   = newError(ClassOracle, "PriceDeviation")
	ErrMalformedUpdate  = newError(ClassOracle, "MalformedPriceUpdate")
	ErrDivisionByZero   = newError(ClassMath, "DivisionByZero")
	ErrOverflow         = newError(ClassMath, "Overflow")
	ErrTxNotFound       = newError(ClassExternal, "TxNotFound")
	ErrTxNotFinalized   = newError(ClassExternal, "TxNotFinalized")
	ErrTxFailed         = newError(ClassExternal, "TxFailed")
	ErrDeliveryFailed   = newError(ClassExternal, "MessengerDeliveryFailed")
	ErrDestinationCall  = newError(ClassExternal, "DestinationCallFailed")
	ErrMessengerOffline = newError(ClassExternal, "MessengerDisabled")
)

// ClassOf returns the class of the first classified error in err's chain,
// or ClassExternal for unclassified errors (I/O, network, drivers).
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassExternal
}

// CodeOf returns the code of the first classified error in err's chain,
// or "unknown".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "unknown"
}

// Retryable reports whether a relay attempt failing with err may be retried.
func Retryable(err error) bool {
	return err != nil && ClassOf(err) == ClassExternal
}
