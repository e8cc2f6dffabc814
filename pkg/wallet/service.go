package wallet

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Service contains the wallet domain logic over a Store.
//
// Reserve holds funds by incrementing consumed in a single conditional update;
// Commit marks the hold permanent and Release restores the funds. Consumed is
// monotonically non-decreasing except through Release and Refund.
type Service struct {
	store   Store
	nowFn   func() int64
	tokenFn func() string
	logger  OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, tokenFn: uuid.NewString}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// PolicyYear returns the plan year the service is currently operating in.
func (service *Service) PolicyYear() PolicyYear {
	return PolicyYearOf(service.nowFn())
}

// Balance returns the category balance snapshot for the current policy year.
func (service *Service) Balance(ctx context.Context, memberID MemberID, category CategoryCode) (CategoryBalance, error) {
	return service.store.GetBalance(ctx, memberID, service.PolicyYear(), category)
}

// Balances returns every category balance for the current policy year.
func (service *Service) Balances(ctx context.Context, memberID MemberID) ([]CategoryBalance, error) {
	return service.store.ListBalances(ctx, memberID, service.PolicyYear())
}

// Allocate creates a category balance at policy assignment time.
func (service *Service) Allocate(ctx context.Context, memberID MemberID, year PolicyYear, category CategoryCode, amount AmountCents) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		balance := CategoryBalance{
			MemberID:     memberID,
			PolicyYear:   year,
			CategoryCode: category,
			Allocated:    amount,
			Consumed:     0,
		}
		if err := transactionStore.CreateBalance(ctx, balance); err != nil {
			return err
		}
		return transactionStore.InsertEntry(ctx, Entry{
			MemberID:       memberID,
			PolicyYear:     year,
			CategoryCode:   category,
			Type:           EntryCredit,
			AmountCents:    amount,
			Reference:      "policy-allocation",
			MetadataJSON:   "{}",
			CreatedUnixUTC: service.nowFn(),
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:    operationAllocate,
		MemberID:     memberID,
		CategoryCode: category,
		Amount:       amount,
		Error:        operationError,
	})
	return operationError
}

// TopUp credits additional allocated funds in the current policy year.
func (service *Service) TopUp(ctx context.Context, memberID MemberID, category CategoryCode, amount AmountCents, reference string) error {
	year := service.PolicyYear()
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.AddAllocated(ctx, memberID, year, category, amount); err != nil {
			return err
		}
		return transactionStore.InsertEntry(ctx, Entry{
			MemberID:       memberID,
			PolicyYear:     year,
			CategoryCode:   category,
			Type:           EntryCredit,
			AmountCents:    amount,
			Reference:      reference,
			MetadataJSON:   "{}",
			CreatedUnixUTC: service.nowFn(),
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:    operationTopUp,
		MemberID:     memberID,
		CategoryCode: category,
		Amount:       amount,
		Error:        operationError,
	})
	return operationError
}

// Reserve atomically holds amount against the category balance and returns a
// token for the later Commit or Release. The consumed increment and the
// sufficient-funds check happen in one conditional update at the store.
func (service *Service) Reserve(ctx context.Context, memberID MemberID, category CategoryCode, amount AmountCents, reference string) (ReservationToken, error) {
	year := service.PolicyYear()
	token, err := NewReservationToken(service.tokenFn())
	if err != nil {
		return ReservationToken{}, err
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.IncrementConsumed(ctx, memberID, year, category, amount); err != nil {
			return err
		}
		reservation := Reservation{
			Token:        token,
			MemberID:     memberID,
			PolicyYear:   year,
			CategoryCode: category,
			AmountCents:  amount,
			Status:       ReservationStatusActive,
		}
		if err := transactionStore.CreateReservation(ctx, reservation); err != nil {
			return err
		}
		return transactionStore.InsertEntry(ctx, Entry{
			MemberID:       memberID,
			PolicyYear:     year,
			CategoryCode:   category,
			Type:           EntryDebit,
			AmountCents:    amount,
			Reference:      reference,
			MetadataJSON:   "{}",
			CreatedUnixUTC: service.nowFn(),
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:    operationReserve,
		MemberID:     memberID,
		CategoryCode: category,
		Token:        token,
		Amount:       amount,
		Error:        operationError,
	})
	if operationError != nil {
		return ReservationToken{}, operationError
	}
	return token, nil
}

// Commit marks a reservation permanently realized and links it to the ledger
// transaction. The consumed increment already happened at reserve time, so the
// balance is untouched. Committing an already-committed token is a no-op.
func (service *Service) Commit(ctx context.Context, token ReservationToken, transactionID string) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		reservation, err := transactionStore.GetReservation(ctx, token)
		if err != nil {
			return err
		}
		switch reservation.Status {
		case ReservationStatusCommitted:
			return nil
		case ReservationStatusReleased:
			return ErrReservationClosed
		}
		return transactionStore.UpdateReservationStatus(ctx, token, ReservationStatusActive, ReservationStatusCommitted, transactionID)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCommit,
		Token:     token,
		Error:     operationError,
	})
	return operationError
}

// Release cancels a reservation and restores the held funds. Releasing an
// already-released token is a no-op; a committed token cannot be released and
// must go through Refund instead.
func (service *Service) Release(ctx context.Context, token ReservationToken) error {
	var released Reservation
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		reservation, err := transactionStore.GetReservation(ctx, token)
		if err != nil {
			return err
		}
		switch reservation.Status {
		case ReservationStatusReleased:
			return nil
		case ReservationStatusCommitted:
			return ErrReservationClosed
		}
		released = reservation
		if err := transactionStore.UpdateReservationStatus(ctx, token, ReservationStatusActive, ReservationStatusReleased, ""); err != nil {
			return err
		}
		if err := transactionStore.DecrementConsumed(ctx, reservation.MemberID, reservation.PolicyYear, reservation.CategoryCode, reservation.AmountCents); err != nil {
			return err
		}
		return transactionStore.InsertEntry(ctx, Entry{
			MemberID:       reservation.MemberID,
			PolicyYear:     reservation.PolicyYear,
			CategoryCode:   reservation.CategoryCode,
			Type:           EntryRefund,
			AmountCents:    reservation.AmountCents,
			Reference:      token.String(),
			MetadataJSON:   "{}",
			CreatedUnixUTC: service.nowFn(),
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:    operationRelease,
		MemberID:     released.MemberID,
		CategoryCode: released.CategoryCode,
		Token:        token,
		Amount:       released.AmountCents,
		Error:        operationError,
	})
	return operationError
}

// Refund restores committed funds after a compensating ledger transaction.
// The caller names the policy year the original spend consumed; after a
// renewal that is not the year the clock is in.
func (service *Service) Refund(ctx context.Context, memberID MemberID, year PolicyYear, category CategoryCode, amount AmountCents, reference string) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.DecrementConsumed(ctx, memberID, year, category, amount); err != nil {
			return err
		}
		return transactionStore.InsertEntry(ctx, Entry{
			MemberID:       memberID,
			PolicyYear:     year,
			CategoryCode:   category,
			Type:           EntryRefund,
			AmountCents:    amount,
			Reference:      reference,
			MetadataJSON:   "{}",
			CreatedUnixUTC: service.nowFn(),
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:    operationRefund,
		MemberID:     memberID,
		CategoryCode: category,
		Amount:       amount,
		Error:        operationError,
	})
	return operationError
}

// Reservation loads a reservation by token.
func (service *Service) Reservation(ctx context.Context, token ReservationToken) (Reservation, error) {
	return service.store.GetReservation(ctx, token)
}

// Entries lists the member-visible wallet feed, newest first.
func (service *Service) Entries(ctx context.Context, memberID MemberID, filter EntryFilter) ([]Entry, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultEntriesLimit
	}
	if filter.Limit > maxEntriesLimit {
		return nil, fmt.Errorf("%w: limit exceeds maximum %d", ErrInvalidServiceConfig, maxEntriesLimit)
	}
	return service.store.ListEntries(ctx, memberID, filter)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
