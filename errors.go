package txcore

import "fmt"

// Code classifies the boundary error kinds the core surfaces.
type Code int

const (
	Unknown Code = iota
	ValidationError
	TransactionError
	ConcurrencyError
)

func (c Code) String() string {
	switch c {
	case ValidationError:
		return "VALIDATION_ERROR"
	case TransactionError:
		return "TRANSACTION_ERROR"
	case ConcurrencyError:
		return "CONCURRENCY_ERROR"
	default:
		return "UNKNOWN_ERROR"
	}
}

// Error is the core's single exported error type. Every error raised by the lock
// manager, transaction lifecycle, isolation validator or rollback synthesis is an
// Error value, distinguished by Code and Op.
type Error struct {
	Code          Code
	Op            string
	TransactionID UUID
	Resource      string
	Err           error
}

func (e Error) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s: op=%s tx=%s resource=%s: %v", e.Code, e.Op, e.TransactionID, e.Resource, e.Err)
	}
	return fmt.Sprintf("%s: op=%s tx=%s: %v", e.Code, e.Op, e.TransactionID, e.Err)
}

// Unwrap exposes the wrapped error so callers can use errors.Is/errors.As.
func (e Error) Unwrap() error {
	return e.Err
}

// NewTransactionError builds a transaction-state/validation/isolation/rollback error.
func NewTransactionError(txID UUID, op string, err error) Error {
	return Error{Code: TransactionError, Op: op, TransactionID: txID, Err: err}
}

// NewValidationError builds an error for a custom validation callback that returned
// a non-true result.
func NewValidationError(txID UUID, err error) Error {
	return Error{Code: ValidationError, Op: "validation", TransactionID: txID, Err: err}
}

// NewConcurrencyError builds a lock-acquisition-timeout error naming the contended key.
func NewConcurrencyError(txID UUID, op, resource string, err error) Error {
	return Error{Code: ConcurrencyError, Op: op, TransactionID: txID, Resource: resource, Err: err}
}
