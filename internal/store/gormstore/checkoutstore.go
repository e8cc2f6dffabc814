package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/arkahealth/opdwallet/internal/adjudication"
	"github.com/arkahealth/opdwallet/internal/checkout"
)

// CheckoutStore implements checkout.Store using GORM.
type CheckoutStore struct {
	db *gorm.DB
}

// NewCheckoutStore returns a CheckoutStore backed by gorm.DB.
func NewCheckoutStore(db *gorm.DB) *CheckoutStore {
	return &CheckoutStore{db: db}
}

func (store *CheckoutStore) CreatePayment(ctx context.Context, payment checkout.Payment) error {
	row, err := paymentRow(payment)
	if err != nil {
		return err
	}
	return store.db.WithContext(ctx).Create(&row).Error
}

func (store *CheckoutStore) GetPayment(ctx context.Context, paymentID string) (checkout.Payment, error) {
	var row Payment
	err := store.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return checkout.Payment{}, checkout.ErrPaymentNotFound
		}
		return checkout.Payment{}, err
	}
	return mapPayment(row)
}

func (store *CheckoutStore) ListPayments(ctx context.Context, memberID string, filter checkout.PaymentFilter) ([]checkout.Payment, error) {
	query := store.db.WithContext(ctx).
		Model(&Payment{}).
		Where("member_id = ?", memberID)
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.ServiceType != "" {
		query = query.Where("service_type = ?", string(filter.ServiceType))
	}
	var rows []Payment
	err := query.Order("created_at DESC").Limit(filter.Limit).Offset(filter.Offset).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	payments := make([]checkout.Payment, 0, len(rows))
	for _, row := range rows {
		payment, err := mapPayment(row)
		if err != nil {
			return nil, err
		}
		payments = append(payments, payment)
	}
	return payments, nil
}

// UpdatePaymentStatus transitions PENDING into a terminal state in a single
// conditional update; the losing side of a confirm/cancel race observes
// ErrAlreadyResolved.
func (store *CheckoutStore) UpdatePaymentStatus(ctx context.Context, paymentID string, to checkout.PaymentStatus, resolution checkout.PaymentResolution) error {
	updates := map[string]interface{}{
		"status": string(to),
	}
	if resolution.FailureReason != "" {
		updates["failure_reason"] = resolution.FailureReason
	}
	if resolution.MarkedPaidBy != "" {
		updates["marked_paid_by"] = resolution.MarkedPaidBy
	}
	if resolution.PaidAtUnixUTC != 0 {
		paidAt := time.Unix(resolution.PaidAtUnixUTC, 0).UTC()
		updates["paid_at"] = &paidAt
	}
	result := store.db.WithContext(ctx).
		Model(&Payment{}).
		Where("payment_id = ? AND status = ?", paymentID, string(checkout.PaymentPending)).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var exists int64
		if err := store.db.WithContext(ctx).Model(&Payment{}).Where("payment_id = ?", paymentID).Count(&exists).Error; err != nil {
			return err
		}
		if exists == 0 {
			return checkout.ErrPaymentNotFound
		}
		return checkout.ErrAlreadyResolved
	}
	return nil
}

func (store *CheckoutStore) StalePendingPayments(ctx context.Context, olderThanUnixUTC int64, limit int) ([]checkout.Payment, error) {
	cutoff := time.Unix(olderThanUnixUTC, 0).UTC()
	var rows []Payment
	err := store.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", string(checkout.PaymentPending), cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	payments := make([]checkout.Payment, 0, len(rows))
	for _, row := range rows {
		payment, err := mapPayment(row)
		if err != nil {
			return nil, err
		}
		payments = append(payments, payment)
	}
	return payments, nil
}

func (store *CheckoutStore) CreateTransaction(ctx context.Context, transaction checkout.Transaction) error {
	row := Transaction{
		TransactionID:      transaction.TransactionID,
		MemberID:           transaction.MemberID,
		PaymentID:          transaction.PaymentID,
		CategoryCode:       transaction.CategoryCode,
		ServiceType:        string(transaction.ServiceType),
		ServiceReferenceID: transaction.ServiceReferenceID,
		TotalCents:         transaction.TotalCents,
		WalletCents:        transaction.WalletCents,
		SelfPaidCents:      transaction.SelfPaidCents,
		CopayCents:         transaction.CopayCents,
		PaymentMethod:      string(transaction.PaymentMethod),
		Status:             string(transaction.Status),
		RefundReason:       transaction.RefundReason,
		CreatedAt:          time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
	}
	if transaction.RefundedUnixUTC != 0 {
		refundedAt := time.Unix(transaction.RefundedUnixUTC, 0).UTC()
		row.RefundedAt = &refundedAt
	}
	return store.db.WithContext(ctx).Create(&row).Error
}

func (store *CheckoutStore) GetTransaction(ctx context.Context, transactionID string) (checkout.Transaction, error) {
	var row Transaction
	err := store.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return checkout.Transaction{}, checkout.ErrTransactionNotFound
		}
		return checkout.Transaction{}, err
	}
	return mapTransaction(row), nil
}

// TransactionByPayment returns the payment's settlement row. Compensating
// refund rows share the payment id but come later, so the oldest row wins.
func (store *CheckoutStore) TransactionByPayment(ctx context.Context, paymentID string) (checkout.Transaction, error) {
	var row Transaction
	err := store.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("created_at ASC").
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return checkout.Transaction{}, checkout.ErrTransactionNotFound
		}
		return checkout.Transaction{}, err
	}
	return mapTransaction(row), nil
}

func (store *CheckoutStore) ListTransactions(ctx context.Context, memberID string, filter checkout.TransactionFilter) ([]checkout.Transaction, error) {
	query := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Where("member_id = ?", memberID)
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.ServiceType != "" {
		query = query.Where("service_type = ?", string(filter.ServiceType))
	}
	if filter.FromUnixUTC != 0 {
		query = query.Where("created_at >= ?", time.Unix(filter.FromUnixUTC, 0).UTC())
	}
	if filter.ToUnixUTC != 0 {
		query = query.Where("created_at < ?", time.Unix(filter.ToUnixUTC, 0).UTC())
	}
	var rows []Transaction
	err := query.Order("created_at DESC").Limit(filter.Limit).Offset(filter.Offset).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	transactions := make([]checkout.Transaction, 0, len(rows))
	for _, row := range rows {
		transactions = append(transactions, mapTransaction(row))
	}
	return transactions, nil
}

func (store *CheckoutStore) TransactionSummary(ctx context.Context, memberID string) (checkout.Summary, error) {
	type groupedRow struct {
		Key           string
		Count         int64
		TotalCents    int64
		WalletCents   int64
		SelfPaidCents int64
		CopayCents    int64
	}

	summary := checkout.Summary{
		ByPaymentMethod: make(map[adjudication.Method]checkout.MethodTotals),
		ByServiceType:   make(map[checkout.ServiceType]checkout.MethodTotals),
	}

	var byMethod []groupedRow
	err := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Select("payment_method as key, count(*) as count, coalesce(sum(total_cents),0) as total_cents, coalesce(sum(wallet_cents),0) as wallet_cents, coalesce(sum(self_paid_cents),0) as self_paid_cents, coalesce(sum(copay_cents),0) as copay_cents").
		Where("member_id = ?", memberID).
		Group("payment_method").
		Scan(&byMethod).Error
	if err != nil {
		return checkout.Summary{}, err
	}
	for _, row := range byMethod {
		summary.TotalTransactions += row.Count
		summary.TotalSpent += row.TotalCents
		summary.TotalFromWallet += row.WalletCents
		summary.TotalSelfPaid += row.SelfPaidCents
		summary.TotalCopay += row.CopayCents
		summary.ByPaymentMethod[adjudication.Method(row.Key)] = checkout.MethodTotals{
			Count:  row.Count,
			Amount: row.TotalCents,
		}
	}

	var byService []groupedRow
	err = store.db.WithContext(ctx).
		Model(&Transaction{}).
		Select("service_type as key, count(*) as count, coalesce(sum(total_cents),0) as total_cents, coalesce(sum(wallet_cents),0) as wallet_cents, coalesce(sum(self_paid_cents),0) as self_paid_cents, coalesce(sum(copay_cents),0) as copay_cents").
		Where("member_id = ?", memberID).
		Group("service_type").
		Scan(&byService).Error
	if err != nil {
		return checkout.Summary{}, err
	}
	for _, row := range byService {
		summary.ByServiceType[checkout.ServiceType(row.Key)] = checkout.MethodTotals{
			Count:  row.Count,
			Amount: row.TotalCents,
		}
	}
	return summary, nil
}

func (store *CheckoutStore) MarkTransactionRefunded(ctx context.Context, transactionID string, reason string, atUnixUTC int64) error {
	refundedAt := time.Unix(atUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Where("transaction_id = ? AND status = ?", transactionID, string(checkout.TransactionCompleted)).
		Updates(map[string]interface{}{
			"status":        string(checkout.TransactionRefunded),
			"refund_reason": reason,
			"refunded_at":   &refundedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var exists int64
		if err := store.db.WithContext(ctx).Model(&Transaction{}).Where("transaction_id = ?", transactionID).Count(&exists).Error; err != nil {
			return err
		}
		if exists == 0 {
			return checkout.ErrTransactionNotFound
		}
		return checkout.ErrNotRefundable
	}
	return nil
}

func (store *CheckoutStore) CreateBooking(ctx context.Context, booking checkout.Booking) error {
	row := Booking{
		BookingID:   booking.BookingID,
		PaymentID:   booking.PaymentID,
		MemberID:    booking.MemberID,
		ServiceType: string(booking.ServiceType),
		Reference:   booking.Reference,
		Details:     datatypesJSON(booking.DetailsJSON),
		CreatedAt:   time.Unix(booking.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return checkout.ErrBookingExists
	}
	return err
}

func (store *CheckoutStore) GetBookingByPayment(ctx context.Context, paymentID string) (checkout.Booking, error) {
	var row Booking
	err := store.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return checkout.Booking{}, checkout.ErrBookingNotFound
		}
		return checkout.Booking{}, err
	}
	return checkout.Booking{
		BookingID:      row.BookingID,
		PaymentID:      row.PaymentID,
		MemberID:       row.MemberID,
		ServiceType:    checkout.ServiceType(row.ServiceType),
		Reference:      row.Reference,
		DetailsJSON:    string(row.Details),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

// DecrementSlotCapacity takes one capacity unit in a single conditional
// update. Slots without a capacity row are unmanaged and always succeed.
func (store *CheckoutStore) DecrementSlotCapacity(ctx context.Context, slotID string) error {
	if slotID == "" {
		return nil
	}
	var exists int64
	if err := store.db.WithContext(ctx).Model(&SlotCapacity{}).Where("slot_id = ?", slotID).Count(&exists).Error; err != nil {
		return err
	}
	if exists == 0 {
		return nil
	}
	result := store.db.WithContext(ctx).
		Model(&SlotCapacity{}).
		Where("slot_id = ? AND remaining > 0", slotID).
		Update("remaining", gorm.Expr("remaining - 1"))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return checkout.ErrSlotFull
	}
	return nil
}

func (store *CheckoutStore) IncrementSlotCapacity(ctx context.Context, slotID string) error {
	if slotID == "" {
		return nil
	}
	return store.db.WithContext(ctx).
		Model(&SlotCapacity{}).
		Where("slot_id = ?", slotID).
		Update("remaining", gorm.Expr("remaining + 1")).Error
}

func paymentRow(payment checkout.Payment) (Payment, error) {
	breakdown, err := json.Marshal(payment.Breakdown)
	if err != nil {
		return Payment{}, fmt.Errorf("encode breakdown for %s: %w", payment.PaymentID, err)
	}
	row := Payment{
		PaymentID:          payment.PaymentID,
		MemberID:           payment.MemberID,
		PolicyID:           payment.PolicyID,
		CategoryCode:       payment.CategoryCode,
		ServiceType:        string(payment.ServiceType),
		ServiceCode:        payment.ServiceCode,
		ServiceReferenceID: payment.ServiceReferenceID,
		Description:        payment.Description,
		AmountCents:        payment.AmountCents,
		Breakdown:          breakdown,
		ReservationToken:   payment.ReservationToken,
		Status:             string(payment.Status),
		FailureReason:      payment.FailureReason,
		MarkedPaidBy:       payment.MarkedPaidBy,
		CreatedAt:          time.Unix(payment.CreatedUnixUTC, 0).UTC(),
	}
	if payment.PaidAtUnixUTC != 0 {
		paidAt := time.Unix(payment.PaidAtUnixUTC, 0).UTC()
		row.PaidAt = &paidAt
	}
	return row, nil
}

func mapPayment(row Payment) (checkout.Payment, error) {
	var breakdown adjudication.Breakdown
	if len(row.Breakdown) > 0 {
		if err := json.Unmarshal(row.Breakdown, &breakdown); err != nil {
			return checkout.Payment{}, fmt.Errorf("decode breakdown for %s: %w", row.PaymentID, err)
		}
	}
	payment := checkout.Payment{
		PaymentID:          row.PaymentID,
		MemberID:           row.MemberID,
		PolicyID:           row.PolicyID,
		CategoryCode:       row.CategoryCode,
		ServiceType:        checkout.ServiceType(row.ServiceType),
		ServiceCode:        row.ServiceCode,
		ServiceReferenceID: row.ServiceReferenceID,
		Description:        row.Description,
		AmountCents:        row.AmountCents,
		Breakdown:          breakdown,
		ReservationToken:   row.ReservationToken,
		Status:             checkout.PaymentStatus(row.Status),
		FailureReason:      row.FailureReason,
		MarkedPaidBy:       row.MarkedPaidBy,
		CreatedUnixUTC:     row.CreatedAt.Unix(),
	}
	if row.PaidAt != nil {
		payment.PaidAtUnixUTC = row.PaidAt.Unix()
	}
	return payment, nil
}

func mapTransaction(row Transaction) checkout.Transaction {
	transaction := checkout.Transaction{
		TransactionID:      row.TransactionID,
		MemberID:           row.MemberID,
		PaymentID:          row.PaymentID,
		CategoryCode:       row.CategoryCode,
		ServiceType:        checkout.ServiceType(row.ServiceType),
		ServiceReferenceID: row.ServiceReferenceID,
		TotalCents:         row.TotalCents,
		WalletCents:        row.WalletCents,
		SelfPaidCents:      row.SelfPaidCents,
		CopayCents:         row.CopayCents,
		PaymentMethod:      adjudication.Method(row.PaymentMethod),
		Status:             checkout.TransactionStatus(row.Status),
		RefundReason:       row.RefundReason,
		CreatedUnixUTC:     row.CreatedAt.Unix(),
	}
	if row.RefundedAt != nil {
		transaction.RefundedUnixUTC = row.RefundedAt.Unix()
	}
	return transaction
}
