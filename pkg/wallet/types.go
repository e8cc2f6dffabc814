package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AmountCents is an integer currency in cents.
type AmountCents int64

// Int64 returns the raw cent value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// MemberID identifies a wallet owner.
type MemberID struct {
	value string
}

// CategoryCode identifies a benefit category (CAT001..CAT008).
type CategoryCode struct {
	value string
}

// PolicyYear is the plan year a wallet belongs to.
type PolicyYear int

// ReservationToken identifies a provisional hold on wallet funds.
type ReservationToken struct {
	value string
}

// ReservationStatus defines the reservation lifecycle.
type ReservationStatus string

const (
	ReservationStatusActive    ReservationStatus = "ACTIVE"
	ReservationStatusCommitted ReservationStatus = "COMMITTED"
	ReservationStatusReleased  ReservationStatus = "RELEASED"
)

// String returns the stored status value.
func (status ReservationStatus) String() string {
	return string(status)
}

// ParseReservationStatus validates a stored status value.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	switch ReservationStatus(raw) {
	case ReservationStatusActive, ReservationStatusCommitted, ReservationStatusReleased:
		return ReservationStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReservationStatus, raw)
}

// Reservation is a stored hold on a category balance.
type Reservation struct {
	Token         ReservationToken
	MemberID      MemberID
	PolicyYear    PolicyYear
	CategoryCode  CategoryCode
	AmountCents   AmountCents
	Status        ReservationStatus
	TransactionID string
}

// CategoryBalance is the running balance for one benefit category.
// Current is always Allocated minus Consumed.
type CategoryBalance struct {
	MemberID     MemberID
	PolicyYear   PolicyYear
	CategoryCode CategoryCode
	Allocated    AmountCents
	Consumed     AmountCents
}

// Current returns the spendable remainder.
func (balance CategoryBalance) Current() AmountCents {
	return balance.Allocated - balance.Consumed
}

// EntryType enumerates wallet feed entry kinds.
type EntryType string

const (
	EntryCredit EntryType = "CREDIT"
	EntryDebit  EntryType = "DEBIT"
	EntryRefund EntryType = "REFUND"
)

// String returns the stored entry type value.
func (entryType EntryType) String() string {
	return string(entryType)
}

// ParseEntryType validates a stored entry type value.
func ParseEntryType(raw string) (EntryType, error) {
	switch EntryType(raw) {
	case EntryCredit, EntryDebit, EntryRefund:
		return EntryType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
}

// Entry is a single immutable line in the member-visible wallet feed.
type Entry struct {
	EntryID        string
	MemberID       MemberID
	PolicyYear     PolicyYear
	CategoryCode   CategoryCode
	Type           EntryType
	AmountCents    AmountCents
	Reference      string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// EntryFilter narrows the wallet feed query.
type EntryFilter struct {
	Types          []EntryType
	CategoryCodes  []CategoryCode
	FromUnixUTC    int64
	ToUnixUTC      int64
	AmountMinCents int64
	AmountMaxCents int64
	Limit          int
}

// NewMemberID validates and normalizes a member id.
func NewMemberID(raw string) (MemberID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return MemberID{}, fmt.Errorf("%w: empty value", ErrInvalidMemberID)
	}
	return MemberID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id MemberID) String() string {
	return id.value
}

// NewCategoryCode validates and normalizes a category code.
func NewCategoryCode(raw string) (CategoryCode, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(raw))
	if trimmed == "" {
		return CategoryCode{}, fmt.Errorf("%w: empty value", ErrInvalidCategoryCode)
	}
	return CategoryCode{value: trimmed}, nil
}

// String returns the normalized code.
func (code CategoryCode) String() string {
	return code.value
}

// NewPolicyYear validates a plan year.
func NewPolicyYear(raw int) (PolicyYear, error) {
	if raw < 2000 || raw > 2200 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPolicyYear, raw)
	}
	return PolicyYear(raw), nil
}

// PolicyYearOf derives the plan year from a clock reading.
func PolicyYearOf(unixUTC int64) PolicyYear {
	return PolicyYear(time.Unix(unixUTC, 0).UTC().Year())
}

// NewReservationToken validates and normalizes a reservation token.
func NewReservationToken(raw string) (ReservationToken, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReservationToken{}, fmt.Errorf("%w: empty value", ErrInvalidReservationToken)
	}
	return ReservationToken{value: trimmed}, nil
}

// String returns the normalized token.
func (token ReservationToken) String() string {
	return token.value
}

// NewPositiveAmountCents validates an amount that must be strictly positive.
func NewPositiveAmountCents(raw int64) (AmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	return AmountCents(raw), nil
}

// NormalizeMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NormalizeMetadataJSON(raw string) (string, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return "", fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return normalized, nil
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetBalance(ctx context.Context, memberID MemberID, year PolicyYear, category CategoryCode) (CategoryBalance, error)
	ListBalances(ctx context.Context, memberID MemberID, year PolicyYear) ([]CategoryBalance, error)
	CreateBalance(ctx context.Context, balance CategoryBalance) error
	AddAllocated(ctx context.Context, memberID MemberID, year PolicyYear, category CategoryCode, amount AmountCents) error
	// IncrementConsumed must check allocated-consumed >= amount and apply the
	// increment in a single conditional update, returning ErrInsufficientFunds
	// when the guard fails.
	IncrementConsumed(ctx context.Context, memberID MemberID, year PolicyYear, category CategoryCode, amount AmountCents) error
	DecrementConsumed(ctx context.Context, memberID MemberID, year PolicyYear, category CategoryCode, amount AmountCents) error
	CreateReservation(ctx context.Context, reservation Reservation) error
	GetReservation(ctx context.Context, token ReservationToken) (Reservation, error)
	// UpdateReservationStatus transitions from -> to conditionally; it returns
	// ErrReservationClosed when no row matched the expected status.
	UpdateReservationStatus(ctx context.Context, token ReservationToken, from, to ReservationStatus, transactionID string) error
	InsertEntry(ctx context.Context, entry Entry) error
	ListEntries(ctx context.Context, memberID MemberID, filter EntryFilter) ([]Entry, error)
}
