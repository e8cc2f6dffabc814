// Package gormstore persists wallet, plan, and checkout state through GORM,
// against PostgreSQL in production and sqlite in tests. Balance guards and
// status transitions are single conditional updates so correctness does not
// depend on the isolation level of the surrounding transaction.
package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/arkahealth/opdwallet/pkg/wallet"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore     = "store"
	errorSubjectBalance     = "balance"
	errorSubjectEntry       = "entry"
	errorSubjectReservation = "reservation"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeUpdate         = "update"
	errorCodeUpdateStatus   = "update_status"
)

// WalletStore implements wallet.Store using GORM.
type WalletStore struct {
	db *gorm.DB
}

// NewWalletStore returns a WalletStore backed by gorm.DB.
func NewWalletStore(db *gorm.DB) *WalletStore {
	return &WalletStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *WalletStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &WalletStore{db: transaction})
	})
}

func (store *WalletStore) GetBalance(ctx context.Context, memberID wallet.MemberID, year wallet.PolicyYear, category wallet.CategoryCode) (wallet.CategoryBalance, error) {
	var row CategoryBalance
	err := store.db.WithContext(ctx).
		Where("member_id = ? AND policy_year = ? AND category_code = ?", memberID.String(), int(year), category.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return wallet.CategoryBalance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, wallet.ErrBalanceNotFound)
		}
		return wallet.CategoryBalance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	balance, err := mapCategoryBalance(row)
	if err != nil {
		return wallet.CategoryBalance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, nil
}

func (store *WalletStore) ListBalances(ctx context.Context, memberID wallet.MemberID, year wallet.PolicyYear) ([]wallet.CategoryBalance, error) {
	var rows []CategoryBalance
	err := store.db.WithContext(ctx).
		Where("member_id = ? AND policy_year = ?", memberID.String(), int(year)).
		Order("category_code ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
	}
	balances := make([]wallet.CategoryBalance, 0, len(rows))
	for _, row := range rows {
		balance, err := mapCategoryBalance(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
		}
		balances = append(balances, balance)
	}
	return balances, nil
}

func (store *WalletStore) CreateBalance(ctx context.Context, balance wallet.CategoryBalance) error {
	now := time.Now().UTC()
	row := CategoryBalance{
		MemberID:       balance.MemberID.String(),
		PolicyYear:     int(balance.PolicyYear),
		CategoryCode:   balance.CategoryCode.String(),
		AllocatedCents: balance.Allocated.Int64(),
		ConsumedCents:  balance.Consumed.Int64(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectBalance, errorCodeDuplicate, wallet.ErrBalanceExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	return nil
}

func (store *WalletStore) AddAllocated(ctx context.Context, memberID wallet.MemberID, year wallet.PolicyYear, category wallet.CategoryCode, amount wallet.AmountCents) error {
	result := store.db.WithContext(ctx).
		Model(&CategoryBalance{}).
		Where("member_id = ? AND policy_year = ? AND category_code = ?", memberID.String(), int(year), category.String()).
		Update("allocated_cents", gorm.Expr("allocated_cents + ?", amount.Int64()))
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, wallet.ErrBalanceNotFound)
	}
	return nil
}

// IncrementConsumed is the single funds gate: the sufficiency check and the
// consumed increment land in one UPDATE, so two concurrent reserves can never
// both pass against the same remainder.
func (store *WalletStore) IncrementConsumed(ctx context.Context, memberID wallet.MemberID, year wallet.PolicyYear, category wallet.CategoryCode, amount wallet.AmountCents) error {
	result := store.db.WithContext(ctx).
		Model(&CategoryBalance{}).
		Where("member_id = ? AND policy_year = ? AND category_code = ?", memberID.String(), int(year), category.String()).
		Where("allocated_cents - consumed_cents >= ?", amount.Int64()).
		Update("consumed_cents", gorm.Expr("consumed_cents + ?", amount.Int64()))
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, wallet.ErrInsufficientFunds)
	}
	return nil
}

func (store *WalletStore) DecrementConsumed(ctx context.Context, memberID wallet.MemberID, year wallet.PolicyYear, category wallet.CategoryCode, amount wallet.AmountCents) error {
	result := store.db.WithContext(ctx).
		Model(&CategoryBalance{}).
		Where("member_id = ? AND policy_year = ? AND category_code = ?", memberID.String(), int(year), category.String()).
		Where("consumed_cents >= ?", amount.Int64()).
		Update("consumed_cents", gorm.Expr("consumed_cents - ?", amount.Int64()))
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, wallet.ErrBalanceNotFound)
	}
	return nil
}

func (store *WalletStore) CreateReservation(ctx context.Context, reservation wallet.Reservation) error {
	now := time.Now().UTC()
	row := WalletReservation{
		Token:         reservation.Token.String(),
		MemberID:      reservation.MemberID.String(),
		PolicyYear:    int(reservation.PolicyYear),
		CategoryCode:  reservation.CategoryCode.String(),
		AmountCents:   reservation.AmountCents.Int64(),
		Status:        reservation.Status.String(),
		TransactionID: reservation.TransactionID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (store *WalletStore) GetReservation(ctx context.Context, token wallet.ReservationToken) (wallet.Reservation, error) {
	var row WalletReservation
	err := store.db.WithContext(ctx).
		Where("token = ?", token.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return wallet.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, wallet.ErrUnknownReservation)
		}
		return wallet.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	reservation, err := mapReservation(row)
	if err != nil {
		return wallet.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return reservation, nil
}

func (store *WalletStore) UpdateReservationStatus(ctx context.Context, token wallet.ReservationToken, from, to wallet.ReservationStatus, transactionID string) error {
	updates := map[string]interface{}{
		"status":     to.String(),
		"updated_at": time.Now().UTC(),
	}
	if transactionID != "" {
		updates["transaction_id"] = transactionID
	}
	result := store.db.WithContext(ctx).
		Model(&WalletReservation{}).
		Where("token = ? AND status = ?", token.String(), from.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, wallet.ErrReservationClosed)
	}
	return nil
}

func (store *WalletStore) InsertEntry(ctx context.Context, entry wallet.Entry) error {
	row := WalletEntry{
		EntryID:      entry.EntryID,
		MemberID:     entry.MemberID.String(),
		PolicyYear:   int(entry.PolicyYear),
		CategoryCode: entry.CategoryCode.String(),
		Type:         entry.Type.String(),
		AmountCents:  entry.AmountCents.Int64(),
		Reference:    entry.Reference,
		Metadata:     datatypesJSON(entry.MetadataJSON),
		CreatedAt:    time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if entry.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *WalletStore) ListEntries(ctx context.Context, memberID wallet.MemberID, filter wallet.EntryFilter) ([]wallet.Entry, error) {
	query := store.db.WithContext(ctx).
		Model(&WalletEntry{}).
		Where("member_id = ?", memberID.String())
	if len(filter.Types) > 0 {
		values := make([]string, 0, len(filter.Types))
		for _, entryType := range filter.Types {
			values = append(values, entryType.String())
		}
		query = query.Where("type IN ?", values)
	}
	if len(filter.CategoryCodes) > 0 {
		values := make([]string, 0, len(filter.CategoryCodes))
		for _, category := range filter.CategoryCodes {
			values = append(values, category.String())
		}
		query = query.Where("category_code IN ?", values)
	}
	if filter.FromUnixUTC != 0 {
		query = query.Where("created_at >= ?", time.Unix(filter.FromUnixUTC, 0).UTC())
	}
	if filter.ToUnixUTC != 0 {
		query = query.Where("created_at < ?", time.Unix(filter.ToUnixUTC, 0).UTC())
	}
	if filter.AmountMinCents != 0 {
		query = query.Where("amount_cents >= ?", filter.AmountMinCents)
	}
	if filter.AmountMaxCents != 0 {
		query = query.Where("amount_cents <= ?", filter.AmountMaxCents)
	}

	var rows []WalletEntry
	err := query.Order("created_at DESC").Limit(filter.Limit).Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]wallet.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapWalletEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func mapCategoryBalance(row CategoryBalance) (wallet.CategoryBalance, error) {
	memberID, err := wallet.NewMemberID(row.MemberID)
	if err != nil {
		return wallet.CategoryBalance{}, err
	}
	category, err := wallet.NewCategoryCode(row.CategoryCode)
	if err != nil {
		return wallet.CategoryBalance{}, err
	}
	year, err := wallet.NewPolicyYear(row.PolicyYear)
	if err != nil {
		return wallet.CategoryBalance{}, err
	}
	return wallet.CategoryBalance{
		MemberID:     memberID,
		PolicyYear:   year,
		CategoryCode: category,
		Allocated:    wallet.AmountCents(row.AllocatedCents),
		Consumed:     wallet.AmountCents(row.ConsumedCents),
	}, nil
}

func mapReservation(row WalletReservation) (wallet.Reservation, error) {
	token, err := wallet.NewReservationToken(row.Token)
	if err != nil {
		return wallet.Reservation{}, err
	}
	memberID, err := wallet.NewMemberID(row.MemberID)
	if err != nil {
		return wallet.Reservation{}, err
	}
	category, err := wallet.NewCategoryCode(row.CategoryCode)
	if err != nil {
		return wallet.Reservation{}, err
	}
	year, err := wallet.NewPolicyYear(row.PolicyYear)
	if err != nil {
		return wallet.Reservation{}, err
	}
	amount, err := wallet.NewPositiveAmountCents(row.AmountCents)
	if err != nil {
		return wallet.Reservation{}, err
	}
	status, err := wallet.ParseReservationStatus(row.Status)
	if err != nil {
		return wallet.Reservation{}, err
	}
	return wallet.Reservation{
		Token:         token,
		MemberID:      memberID,
		PolicyYear:    year,
		CategoryCode:  category,
		AmountCents:   amount,
		Status:        status,
		TransactionID: row.TransactionID,
	}, nil
}

func mapWalletEntry(row WalletEntry) (wallet.Entry, error) {
	memberID, err := wallet.NewMemberID(row.MemberID)
	if err != nil {
		return wallet.Entry{}, err
	}
	category, err := wallet.NewCategoryCode(row.CategoryCode)
	if err != nil {
		return wallet.Entry{}, err
	}
	year, err := wallet.NewPolicyYear(row.PolicyYear)
	if err != nil {
		return wallet.Entry{}, err
	}
	entryType, err := wallet.ParseEntryType(row.Type)
	if err != nil {
		return wallet.Entry{}, err
	}
	amount, err := wallet.NewPositiveAmountCents(row.AmountCents)
	if err != nil {
		return wallet.Entry{}, err
	}
	return wallet.Entry{
		EntryID:        row.EntryID,
		MemberID:       memberID,
		PolicyYear:     year,
		CategoryCode:   category,
		Type:           entryType,
		AmountCents:    amount,
		Reference:      row.Reference,
		MetadataJSON:   string(row.Metadata),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
