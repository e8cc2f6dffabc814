package checkout

import (
	"context"

	"github.com/arkahealth/opdwallet/internal/adjudication"
)

// ServiceType enumerates the billable service flows.
type ServiceType string

const (
	ServiceAppointment ServiceType = "APPOINTMENT"
	ServiceLab         ServiceType = "LAB"
	ServiceDental      ServiceType = "DENTAL"
	ServiceVision      ServiceType = "VISION"
	ServiceAHC         ServiceType = "AHC"
)

// ParseServiceType validates a stored service type value.
func ParseServiceType(raw string) (ServiceType, error) {
	switch ServiceType(raw) {
	case ServiceAppointment, ServiceLab, ServiceDental, ServiceVision, ServiceAHC:
		return ServiceType(raw), nil
	}
	return "", ErrInvalidServiceType
}

// PaymentStatus defines the payment lifecycle. PENDING is the only
// non-terminal state.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentExpired   PaymentStatus = "EXPIRED"
)

// Terminal reports whether the status can no longer change.
func (status PaymentStatus) Terminal() bool {
	return status != PaymentPending
}

// TransactionStatus defines the ledger entry state.
type TransactionStatus string

const (
	TransactionCompleted TransactionStatus = "COMPLETED"
	TransactionRefunded  TransactionStatus = "REFUNDED"
)

// Payment bridges an adjudicated breakdown and its external confirmation.
// It is never physically deleted; resolution happens through status only.
type Payment struct {
	PaymentID          string
	MemberID           string
	PolicyID           string
	CategoryCode       string
	ServiceType        ServiceType
	ServiceCode        string
	ServiceReferenceID string
	Description        string
	AmountCents        int64 // the member-payable portion (breakdown.UserPayment)
	Breakdown          adjudication.Breakdown
	ReservationToken   string // empty when no wallet funds are held
	Status             PaymentStatus
	FailureReason      string
	MarkedPaidBy       string
	PaidAtUnixUTC      int64
	CreatedUnixUTC     int64
}

// Transaction is the permanent, append-only record of a resolved payment's
// fund split. Compensating refunds are appended as negated rows; the original
// row is flagged REFUNDED but its amounts are never rewritten.
type Transaction struct {
	TransactionID      string
	MemberID           string
	PaymentID          string
	CategoryCode       string
	ServiceType        ServiceType
	ServiceReferenceID string
	TotalCents         int64
	WalletCents        int64
	SelfPaidCents      int64
	CopayCents         int64
	PaymentMethod      adjudication.Method
	Status             TransactionStatus
	RefundReason       string
	RefundedUnixUTC    int64
	CreatedUnixUTC     int64
}

// Booking is the finalizer output: the domain record a confirmed payment
// produces, unique per payment id.
type Booking struct {
	BookingID      string
	PaymentID      string
	MemberID       string
	ServiceType    ServiceType
	Reference      string
	DetailsJSON    string
	CreatedUnixUTC int64
}

// PaymentFilter narrows payment history queries.
type PaymentFilter struct {
	Status      PaymentStatus
	ServiceType ServiceType
	Limit       int
	Offset      int
}

// TransactionFilter narrows ledger queries.
type TransactionFilter struct {
	Status      TransactionStatus
	ServiceType ServiceType
	FromUnixUTC int64
	ToUnixUTC   int64
	Limit       int
	Offset      int
}

// MethodTotals aggregates count and amount per grouping key.
type MethodTotals struct {
	Count  int64
	Amount int64
}

// Summary is the derived view over a member's transaction ledger.
type Summary struct {
	TotalTransactions int64
	TotalSpent        int64
	TotalFromWallet   int64
	TotalSelfPaid     int64
	TotalCopay        int64
	ByPaymentMethod   map[adjudication.Method]MethodTotals
	ByServiceType     map[ServiceType]MethodTotals
}

// PaymentResolution carries the terminal-state details of a status update.
type PaymentResolution struct {
	FailureReason string
	MarkedPaidBy  string
	PaidAtUnixUTC int64
}

// Store is the persistence contract used by Service.
type Store interface {
	CreatePayment(ctx context.Context, payment Payment) error
	GetPayment(ctx context.Context, paymentID string) (Payment, error)
	ListPayments(ctx context.Context, memberID string, filter PaymentFilter) ([]Payment, error)
	// UpdatePaymentStatus transitions PENDING -> to conditionally; it returns
	// ErrAlreadyResolved when the payment is already terminal.
	UpdatePaymentStatus(ctx context.Context, paymentID string, to PaymentStatus, resolution PaymentResolution) error
	StalePendingPayments(ctx context.Context, olderThanUnixUTC int64, limit int) ([]Payment, error)

	CreateTransaction(ctx context.Context, transaction Transaction) error
	GetTransaction(ctx context.Context, transactionID string) (Transaction, error)
	// TransactionByPayment returns the original settlement row for a payment,
	// ErrTransactionNotFound when the payment has never settled.
	TransactionByPayment(ctx context.Context, paymentID string) (Transaction, error)
	ListTransactions(ctx context.Context, memberID string, filter TransactionFilter) ([]Transaction, error)
	TransactionSummary(ctx context.Context, memberID string) (Summary, error)
	// MarkTransactionRefunded transitions COMPLETED -> REFUNDED conditionally;
	// it returns ErrNotRefundable when the row is already refunded.
	MarkTransactionRefunded(ctx context.Context, transactionID string, reason string, atUnixUTC int64) error

	CreateBooking(ctx context.Context, booking Booking) error
	GetBookingByPayment(ctx context.Context, paymentID string) (Booking, error)
	// DecrementSlotCapacity atomically takes one unit of slot capacity,
	// returning ErrSlotFull when none remains. Unknown slots are unmanaged
	// and always succeed.
	DecrementSlotCapacity(ctx context.Context, slotID string) error
	IncrementSlotCapacity(ctx context.Context, slotID string) error
}

// Finalizer creates the domain booking for a confirmed payment. It must be
// idempotent under the payment id: finalizing twice returns the same booking.
type Finalizer interface {
	Finalize(ctx context.Context, payment Payment) (Booking, error)
}
