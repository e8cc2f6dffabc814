package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CategoryBalance mirrors the category_balances table. One row per member,
// policy year, and benefit category; current balance is always derived as
// allocated minus consumed.
type CategoryBalance struct {
	MemberID       string `gorm:"primaryKey"`
	PolicyYear     int    `gorm:"primaryKey"`
	CategoryCode   string `gorm:"primaryKey"`
	AllocatedCents int64  `gorm:"not null"`
	ConsumedCents  int64  `gorm:"not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (CategoryBalance) TableName() string { return "category_balances" }

// WalletReservation mirrors the wallet_reservations table.
type WalletReservation struct {
	Token         string `gorm:"primaryKey"`
	MemberID      string `gorm:"not null;index:idx_reservations_member"`
	PolicyYear    int    `gorm:"not null"`
	CategoryCode  string `gorm:"not null"`
	AmountCents   int64  `gorm:"not null"`
	Status        string `gorm:"not null"`
	TransactionID string
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (WalletReservation) TableName() string { return "wallet_reservations" }

// WalletEntry mirrors the wallet_entries table, the member-visible feed.
type WalletEntry struct {
	EntryID      string         `gorm:"type:uuid;primaryKey"`
	MemberID     string         `gorm:"not null;index:idx_entries_member_created,priority:1"`
	PolicyYear   int            `gorm:"not null"`
	CategoryCode string         `gorm:"not null"`
	Type         string         `gorm:"not null"`
	AmountCents  int64          `gorm:"not null"`
	Reference    string         `gorm:""`
	Metadata     datatypes.JSON `gorm:"not null"`
	CreatedAt    time.Time      `gorm:"not null;index:idx_entries_member_created,priority:2"`
}

func (WalletEntry) TableName() string { return "wallet_entries" }

func (entry *WalletEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// PlanVersion mirrors the plan_versions table. At most one row per policy is
// flagged current.
type PlanVersion struct {
	PolicyID  string `gorm:"primaryKey"`
	Version   int    `gorm:"primaryKey"`
	Status    string `gorm:"not null"`
	IsCurrent bool   `gorm:"not null;index:idx_plan_versions_current"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (PlanVersion) TableName() string { return "plan_versions" }

// BenefitRule mirrors the benefit_rules table, one row per category of a plan
// version. Limit columns are nullable; null means not configured.
type BenefitRule struct {
	PolicyID                string `gorm:"primaryKey"`
	Version                 int    `gorm:"primaryKey"`
	CategoryCode            string `gorm:"primaryKey"`
	Enabled                 bool   `gorm:"not null"`
	CopayPercent            int    `gorm:"not null"`
	ServiceTransactionLimit *int64
	AnnualCategoryCap       *int64
	AllowedServices         datatypes.JSON
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

func (BenefitRule) TableName() string { return "benefit_rules" }

// Assignment mirrors the policy_assignments table linking a member to a
// policy, optionally pinning a plan version.
type Assignment struct {
	MemberID    string `gorm:"primaryKey"`
	PolicyID    string `gorm:"not null"`
	PlanVersion *int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (Assignment) TableName() string { return "policy_assignments" }

// Payment mirrors the payments table.
type Payment struct {
	PaymentID          string         `gorm:"primaryKey"`
	MemberID           string         `gorm:"not null;index:idx_payments_member_created,priority:1"`
	PolicyID           string         `gorm:"not null"`
	CategoryCode       string         `gorm:"not null"`
	ServiceType        string         `gorm:"not null"`
	ServiceCode        string         `gorm:""`
	ServiceReferenceID string         `gorm:""`
	Description        string         `gorm:""`
	AmountCents        int64          `gorm:"not null"`
	Breakdown          datatypes.JSON `gorm:"not null"`
	ReservationToken   string         `gorm:""`
	Status             string         `gorm:"not null;index:idx_payments_status_created,priority:1"`
	FailureReason      string         `gorm:""`
	MarkedPaidBy       string         `gorm:""`
	PaidAt             *time.Time
	CreatedAt          time.Time `gorm:"not null;index:idx_payments_member_created,priority:2;index:idx_payments_status_created,priority:2"`
}

func (Payment) TableName() string { return "payments" }

// Transaction mirrors the transactions table, the append-only spend ledger.
type Transaction struct {
	TransactionID      string `gorm:"primaryKey"`
	MemberID           string `gorm:"not null;index:idx_transactions_member_created,priority:1"`
	PaymentID          string `gorm:"not null;index:idx_transactions_payment"`
	CategoryCode       string `gorm:"not null"`
	ServiceType        string `gorm:"not null"`
	ServiceReferenceID string `gorm:""`
	TotalCents         int64  `gorm:"not null"`
	WalletCents        int64  `gorm:"not null"`
	SelfPaidCents      int64  `gorm:"not null"`
	CopayCents         int64  `gorm:"not null"`
	PaymentMethod      string `gorm:"not null"`
	Status             string `gorm:"not null"`
	RefundReason       string `gorm:""`
	RefundedAt         *time.Time
	CreatedAt          time.Time `gorm:"not null;index:idx_transactions_member_created,priority:2"`
}

func (Transaction) TableName() string { return "transactions" }

// Booking mirrors the bookings table; the unique payment index backs
// finalizer idempotence.
type Booking struct {
	BookingID   string         `gorm:"primaryKey"`
	PaymentID   string         `gorm:"not null;uniqueIndex:uniq_bookings_payment"`
	MemberID    string         `gorm:"not null;index:idx_bookings_member"`
	ServiceType string         `gorm:"not null"`
	Reference   string         `gorm:""`
	Details     datatypes.JSON `gorm:"not null"`
	CreatedAt   time.Time      `gorm:"not null"`
}

func (Booking) TableName() string { return "bookings" }

// SlotCapacity mirrors the slot_capacities table for appointment slots with
// bounded capacity. Slots without a row are unmanaged.
type SlotCapacity struct {
	SlotID    string `gorm:"primaryKey"`
	Remaining int    `gorm:"not null"`
	UpdatedAt time.Time
}

func (SlotCapacity) TableName() string { return "slot_capacities" }

// Models returns every table model for migration.
func Models() []any {
	return []any{
		&CategoryBalance{},
		&WalletReservation{},
		&WalletEntry{},
		&PlanVersion{},
		&BenefitRule{},
		&Assignment{},
		&Payment{},
		&Transaction{},
		&Booking{},
		&SlotCapacity{},
	}
}
