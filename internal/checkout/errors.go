package checkout

import "errors"

// Domain-level error values returned by the checkout service.
var (
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrBookingNotFound     = errors.New("booking not found")
	ErrBookingExists       = errors.New("booking already exists for payment")
	ErrAlreadyResolved     = errors.New("payment already resolved")
	ErrNotRefundable       = errors.New("transaction not refundable")
	ErrNotPaymentOwner     = errors.New("payment belongs to another member")
	ErrReservationFailed   = errors.New("wallet reservation failed")
	ErrNoFinalizer         = errors.New("no finalizer registered for service type")
	ErrSlotFull            = errors.New("slot capacity exhausted")
	ErrInvalidServiceType  = errors.New("invalid service type")
	ErrInvalidRequest      = errors.New("invalid checkout request")
)
