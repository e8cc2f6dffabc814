package wallet

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the wallet service.
var (
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrUnknownReservation       = errors.New("unknown reservation")
	ErrReservationClosed        = errors.New("reservation closed")
	ErrBalanceNotFound          = errors.New("category balance not found")
	ErrBalanceExists            = errors.New("category balance already exists")
	ErrInvalidMemberID          = errors.New("invalid member id")
	ErrInvalidCategoryCode      = errors.New("invalid category code")
	ErrInvalidPolicyYear        = errors.New("invalid policy year")
	ErrInvalidReservationToken  = errors.New("invalid reservation token")
	ErrInvalidReservationStatus = errors.New("invalid reservation status")
	ErrInvalidEntryType         = errors.New("invalid entry type")
	ErrInvalidAmountCents       = errors.New("invalid amount cents")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
	ErrInvalidBalance           = errors.New("invalid balance")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
