package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arkahealth/opdwallet/internal/adjudication"
	"github.com/arkahealth/opdwallet/internal/planconfig"
	"github.com/arkahealth/opdwallet/pkg/wallet"
)

const (
	defaultPaymentTTL   = 30 * time.Minute
	defaultHistoryLimit = 50
	sweepBatchSize      = 100

	systemActor = "system"
)

// Service drives the checkout lifecycle: adjudicate, reserve, confirm or
// unwind. The wallet hold is taken at decision time, before the member is
// redirected to the payment step, so two concurrent checkouts can never both
// pass a funds check against a stale balance.
type Service struct {
	resolver   *planconfig.Resolver
	wallet     *wallet.Service
	store      Store
	finalizers map[ServiceType]Finalizer
	nowFn      func() int64
	idFn       func(prefix string) string
	logger     *zap.Logger
	paymentTTL time.Duration
}

// Option configures a Service instance.
type Option func(*Service)

// WithClock overrides the clock (tests).
func WithClock(now func() int64) Option {
	return func(service *Service) {
		service.nowFn = now
	}
}

// WithIDGenerator overrides prefixed id generation (tests).
func WithIDGenerator(generate func(prefix string) string) Option {
	return func(service *Service) {
		service.idFn = generate
	}
}

// WithPaymentTTL sets how long a PENDING payment may wait for confirmation.
func WithPaymentTTL(ttl time.Duration) Option {
	return func(service *Service) {
		if ttl > 0 {
			service.paymentTTL = ttl
		}
	}
}

// WithFinalizer registers the booking finalizer for a service type.
func WithFinalizer(serviceType ServiceType, finalizer Finalizer) Option {
	return func(service *Service) {
		service.finalizers[serviceType] = finalizer
	}
}

// NewService wires a checkout Service.
func NewService(resolver *planconfig.Resolver, walletService *wallet.Service, store Store, logger *zap.Logger, options ...Option) (*Service, error) {
	if resolver == nil || walletService == nil || store == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidRequest)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	service := &Service{
		resolver:   resolver,
		wallet:     walletService,
		store:      store,
		finalizers: make(map[ServiceType]Finalizer),
		nowFn:      func() int64 { return time.Now().UTC().Unix() },
		idFn:       defaultIDGenerator,
		logger:     logger,
		paymentTTL: defaultPaymentTTL,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

func defaultIDGenerator(prefix string) string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return prefix + "-" + raw[:12]
}

// InitiateRequest describes a candidate booking entering checkout.
type InitiateRequest struct {
	MemberID           string
	CategoryCode       string
	ServiceType        ServiceType
	ServiceCode        string
	ServiceReferenceID string
	Description        string
	BillAmountCents    int64
}

func (request InitiateRequest) validate() error {
	if strings.TrimSpace(request.MemberID) == "" {
		return fmt.Errorf("%w: member id required", ErrInvalidRequest)
	}
	if strings.TrimSpace(request.CategoryCode) == "" {
		return fmt.Errorf("%w: category code required", ErrInvalidRequest)
	}
	if _, err := ParseServiceType(string(request.ServiceType)); err != nil {
		return err
	}
	if request.BillAmountCents <= 0 {
		return fmt.Errorf("%w: bill amount must be positive", ErrInvalidRequest)
	}
	return nil
}

// Initiate adjudicates the bill, reserves wallet funds, and creates the
// PENDING payment the member confirms in a second request. Configuration and
// funds errors surface before any Payment exists. A zero member payment skips
// the external confirmation and completes immediately — the reservation still
// has to be committed and a Transaction written.
func (service *Service) Initiate(ctx context.Context, request InitiateRequest) (Payment, error) {
	if err := request.validate(); err != nil {
		return Payment{}, err
	}

	rule, policyID, err := service.resolver.ResolveForMember(ctx, request.MemberID, request.CategoryCode)
	if err != nil {
		return Payment{}, err
	}
	if request.ServiceCode != "" && !rule.Allows(request.ServiceCode) {
		return Payment{}, planconfig.ErrIneligibleService
	}

	memberID, err := wallet.NewMemberID(request.MemberID)
	if err != nil {
		return Payment{}, err
	}
	category, err := wallet.NewCategoryCode(request.CategoryCode)
	if err != nil {
		return Payment{}, err
	}

	breakdown, token, err := service.adjudicateAndReserve(ctx, memberID, category, rule, request)
	if err != nil {
		return Payment{}, err
	}

	payment := Payment{
		PaymentID:          service.idFn("PAY"),
		MemberID:           request.MemberID,
		PolicyID:           policyID,
		CategoryCode:       category.String(),
		ServiceType:        request.ServiceType,
		ServiceCode:        request.ServiceCode,
		ServiceReferenceID: request.ServiceReferenceID,
		Description:        request.Description,
		AmountCents:        breakdown.UserPayment,
		Breakdown:          breakdown,
		ReservationToken:   token,
		Status:             PaymentPending,
		CreatedUnixUTC:     service.nowFn(),
	}
	if err := service.store.CreatePayment(ctx, payment); err != nil {
		service.unwindReservation(ctx, token)
		return Payment{}, err
	}
	service.logger.Info("payment initiated",
		zap.String("payment_id", payment.PaymentID),
		zap.String("member_id", payment.MemberID),
		zap.String("service_type", string(payment.ServiceType)),
		zap.String("payment_method", string(breakdown.PaymentMethod)),
		zap.Int64("user_payment_cents", breakdown.UserPayment),
		zap.Int64("wallet_deduction_cents", breakdown.WalletDeduction),
	)

	if breakdown.UserPayment == 0 {
		return service.complete(ctx, payment, systemActor)
	}
	return payment, nil
}

// adjudicateAndReserve computes the breakdown and takes the wallet hold,
// retrying the adjudication once against a re-read balance when a benign
// concurrent reserve consumed the funds first.
func (service *Service) adjudicateAndReserve(ctx context.Context, memberID wallet.MemberID, category wallet.CategoryCode, rule planconfig.BenefitRule, request InitiateRequest) (adjudication.Breakdown, string, error) {
	breakdown, err := service.adjudicate(ctx, memberID, category, rule, request.BillAmountCents)
	if err != nil {
		return adjudication.Breakdown{}, "", err
	}
	if breakdown.WalletDeduction == 0 {
		return breakdown, "", nil
	}

	token, err := service.reserve(ctx, memberID, category, breakdown.WalletDeduction, request.ServiceReferenceID)
	if err == nil {
		return breakdown, token.String(), nil
	}
	if !errors.Is(err, wallet.ErrInsufficientFunds) {
		return adjudication.Breakdown{}, "", err
	}

	breakdown, err = service.adjudicate(ctx, memberID, category, rule, request.BillAmountCents)
	if err != nil {
		return adjudication.Breakdown{}, "", err
	}
	if breakdown.WalletDeduction == 0 {
		return breakdown, "", nil
	}
	token, err = service.reserve(ctx, memberID, category, breakdown.WalletDeduction, request.ServiceReferenceID)
	if err != nil {
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			return adjudication.Breakdown{}, "", fmt.Errorf("%w: %v", ErrReservationFailed, err)
		}
		return adjudication.Breakdown{}, "", err
	}
	return breakdown, token.String(), nil
}

func (service *Service) adjudicate(ctx context.Context, memberID wallet.MemberID, category wallet.CategoryCode, rule planconfig.BenefitRule, billAmount int64) (adjudication.Breakdown, error) {
	current := int64(0)
	balance, err := service.wallet.Balance(ctx, memberID, category)
	switch {
	case err == nil:
		current = balance.Current().Int64()
	case errors.Is(err, wallet.ErrBalanceNotFound):
		// No wallet for the category: adjudicate against zero.
	default:
		return adjudication.Breakdown{}, err
	}
	return adjudication.Adjudicate(billAmount, rule, current)
}

func (service *Service) reserve(ctx context.Context, memberID wallet.MemberID, category wallet.CategoryCode, amount int64, reference string) (wallet.ReservationToken, error) {
	reserveAmount, err := wallet.NewPositiveAmountCents(amount)
	if err != nil {
		return wallet.ReservationToken{}, err
	}
	return service.wallet.Reserve(ctx, memberID, category, reserveAmount, reference)
}

func (service *Service) unwindReservation(ctx context.Context, token string) {
	if token == "" {
		return
	}
	reservationToken, err := wallet.NewReservationToken(token)
	if err != nil {
		return
	}
	if err := service.wallet.Release(ctx, reservationToken); err != nil {
		service.logger.Error("reservation unwind failed", zap.String("token", token), zap.Error(err))
	}
}

// Confirm applies the external payment confirmation. Terminal payments return
// the stored result — confirmation is idempotent and never re-adjudicates. A
// completed payment is re-settled on every confirm, so a confirmation that
// failed between the status update and the ledger append heals on retry.
func (service *Service) Confirm(ctx context.Context, paymentID string, actorID string) (Payment, error) {
	payment, err := service.store.GetPayment(ctx, paymentID)
	if err != nil {
		return Payment{}, err
	}
	if actorID != systemActor && payment.MemberID != actorID {
		return Payment{}, ErrNotPaymentOwner
	}
	if payment.Status.Terminal() {
		if payment.Status == PaymentCompleted {
			if _, err := service.settle(ctx, payment); err != nil {
				return Payment{}, err
			}
		}
		return payment, nil
	}
	return service.complete(ctx, payment, actorID)
}

// complete transitions PENDING -> COMPLETED, settles the funds, and finalizes
// the booking. Exactly one caller wins the conditional status update; losers
// read back the terminal row and re-drive settlement, which is idempotent.
func (service *Service) complete(ctx context.Context, payment Payment, actorID string) (Payment, error) {
	now := service.nowFn()
	err := service.store.UpdatePaymentStatus(ctx, payment.PaymentID, PaymentCompleted, PaymentResolution{
		MarkedPaidBy:  actorID,
		PaidAtUnixUTC: now,
	})
	switch {
	case errors.Is(err, ErrAlreadyResolved):
		payment, err = service.store.GetPayment(ctx, payment.PaymentID)
		if err != nil {
			return Payment{}, err
		}
		if payment.Status != PaymentCompleted {
			return payment, nil
		}
	case err != nil:
		return Payment{}, err
	default:
		payment.Status = PaymentCompleted
		payment.MarkedPaidBy = actorID
		payment.PaidAtUnixUTC = now
	}

	transactionID, err := service.settle(ctx, payment)
	if err != nil {
		return Payment{}, err
	}
	if _, err := service.finalize(ctx, payment); err != nil {
		// Funds are committed; the booking is pending, never the money.
		service.logger.Error("booking finalization pending",
			zap.String("payment_id", payment.PaymentID),
			zap.String("transaction_id", transactionID),
			zap.Error(err),
		)
	}
	return payment, nil
}

// settle commits the wallet hold and writes the ledger Transaction for a
// completed payment. It runs after the payment is terminally COMPLETED and is
// safe to re-drive: an existing ledger row short-circuits, and a hold already
// committed under an earlier id keeps that id for the row it then writes.
func (service *Service) settle(ctx context.Context, payment Payment) (string, error) {
	existing, err := service.store.TransactionByPayment(ctx, payment.PaymentID)
	if err == nil {
		return existing.TransactionID, nil
	}
	if !errors.Is(err, ErrTransactionNotFound) {
		return "", err
	}

	transactionID := service.idFn("TXN")
	if payment.ReservationToken != "" {
		token, err := wallet.NewReservationToken(payment.ReservationToken)
		if err != nil {
			return "", err
		}
		if err := service.wallet.Commit(ctx, token, transactionID); err != nil {
			return "", err
		}
		reservation, err := service.wallet.Reservation(ctx, token)
		if err != nil {
			return "", err
		}
		if reservation.TransactionID != "" {
			transactionID = reservation.TransactionID
		}
	}

	settledAt := payment.PaidAtUnixUTC
	if settledAt == 0 {
		settledAt = service.nowFn()
	}
	transaction := Transaction{
		TransactionID:      transactionID,
		MemberID:           payment.MemberID,
		PaymentID:          payment.PaymentID,
		CategoryCode:       payment.CategoryCode,
		ServiceType:        payment.ServiceType,
		ServiceReferenceID: payment.ServiceReferenceID,
		TotalCents:         payment.Breakdown.BillAmount,
		WalletCents:        payment.Breakdown.WalletDeduction,
		SelfPaidCents:      payment.Breakdown.ExcessAmount,
		CopayCents:         payment.Breakdown.CopayAmount,
		PaymentMethod:      payment.Breakdown.PaymentMethod,
		Status:             TransactionCompleted,
		CreatedUnixUTC:     settledAt,
	}
	if err := service.store.CreateTransaction(ctx, transaction); err != nil {
		return "", err
	}
	return transactionID, nil
}

func (service *Service) finalize(ctx context.Context, payment Payment) (Booking, error) {
	finalizer, registered := service.finalizers[payment.ServiceType]
	if !registered {
		return Booking{}, ErrNoFinalizer
	}
	booking, err := finalizer.Finalize(ctx, payment)
	if errors.Is(err, ErrBookingExists) {
		return service.store.GetBookingByPayment(ctx, payment.PaymentID)
	}
	return booking, err
}

// RetryFinalization re-runs the booking finalizer for a completed payment
// whose booking is still missing.
func (service *Service) RetryFinalization(ctx context.Context, paymentID string) (Booking, error) {
	payment, err := service.store.GetPayment(ctx, paymentID)
	if err != nil {
		return Booking{}, err
	}
	if payment.Status != PaymentCompleted {
		return Booking{}, fmt.Errorf("%w: payment is %s", ErrInvalidRequest, payment.Status)
	}
	booking, err := service.store.GetBookingByPayment(ctx, paymentID)
	if err == nil {
		return booking, nil
	}
	if !errors.Is(err, ErrBookingNotFound) {
		return Booking{}, err
	}
	return service.finalize(ctx, payment)
}

// Cancel fails a pending payment and releases its wallet hold. Cancelling an
// already-failed or expired payment is a no-op returning the stored row;
// cancelling a completed payment is refused.
func (service *Service) Cancel(ctx context.Context, paymentID string, actorID string, reason string) (Payment, error) {
	payment, err := service.store.GetPayment(ctx, paymentID)
	if err != nil {
		return Payment{}, err
	}
	if actorID != systemActor && payment.MemberID != actorID {
		return Payment{}, ErrNotPaymentOwner
	}
	switch payment.Status {
	case PaymentCompleted:
		return Payment{}, ErrAlreadyResolved
	case PaymentFailed, PaymentExpired:
		// Release is idempotent, so re-driving it here heals a hold whose
		// first release failed after the payment went terminal.
		service.unwindReservation(ctx, payment.ReservationToken)
		return payment, nil
	}

	if reason == "" {
		reason = "cancelled by member"
	}
	err = service.store.UpdatePaymentStatus(ctx, paymentID, PaymentFailed, PaymentResolution{FailureReason: reason})
	if errors.Is(err, ErrAlreadyResolved) {
		return service.store.GetPayment(ctx, paymentID)
	}
	if err != nil {
		return Payment{}, err
	}
	service.unwindReservation(ctx, payment.ReservationToken)

	payment.Status = PaymentFailed
	payment.FailureReason = reason
	return payment, nil
}

// ExpireStale expires pending payments older than the configured TTL,
// releasing their wallet holds. Expiry converges on the same release path as
// an explicit cancel, so racing the two is harmless.
func (service *Service) ExpireStale(ctx context.Context) (int, error) {
	cutoff := service.nowFn() - int64(service.paymentTTL/time.Second)
	stale, err := service.store.StalePendingPayments(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, payment := range stale {
		err := service.store.UpdatePaymentStatus(ctx, payment.PaymentID, PaymentExpired, PaymentResolution{
			FailureReason: "payment window elapsed",
		})
		if errors.Is(err, ErrAlreadyResolved) {
			continue
		}
		if err != nil {
			return expired, err
		}
		service.unwindReservation(ctx, payment.ReservationToken)
		expired++
	}
	if expired > 0 {
		service.logger.Info("expired stale payments", zap.Int("count", expired))
	}
	return expired, nil
}

// StartExpirySweeper runs ExpireStale on a ticker until the context ends.
func (service *Service) StartExpirySweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := service.ExpireStale(ctx); err != nil {
					service.logger.Error("expiry sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// Refund flags a completed transaction REFUNDED, restores the wallet portion,
// and appends a negated compensating row so ledger sums stay truthful.
func (service *Service) Refund(ctx context.Context, transactionID string, reason string) (Transaction, error) {
	transaction, err := service.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return Transaction{}, err
	}
	if transaction.TotalCents <= 0 {
		return Transaction{}, fmt.Errorf("%w: compensating entry", ErrNotRefundable)
	}
	now := service.nowFn()
	if err := service.store.MarkTransactionRefunded(ctx, transactionID, reason, now); err != nil {
		return Transaction{}, err
	}

	if transaction.WalletCents > 0 {
		memberID, err := wallet.NewMemberID(transaction.MemberID)
		if err != nil {
			return Transaction{}, err
		}
		category, err := wallet.NewCategoryCode(transaction.CategoryCode)
		if err != nil {
			return Transaction{}, err
		}
		amount, err := wallet.NewPositiveAmountCents(transaction.WalletCents)
		if err != nil {
			return Transaction{}, err
		}
		// The spend consumed the policy year it happened in; a refund after
		// renewal must credit that year, not the current one.
		year := wallet.PolicyYearOf(transaction.CreatedUnixUTC)
		if err := service.wallet.Refund(ctx, memberID, year, category, amount, transactionID); err != nil {
			return Transaction{}, err
		}
	}

	compensating := Transaction{
		TransactionID:      service.idFn("TXN"),
		MemberID:           transaction.MemberID,
		PaymentID:          transaction.PaymentID,
		CategoryCode:       transaction.CategoryCode,
		ServiceType:        transaction.ServiceType,
		ServiceReferenceID: transaction.ServiceReferenceID,
		TotalCents:         -transaction.TotalCents,
		WalletCents:        -transaction.WalletCents,
		SelfPaidCents:      -transaction.SelfPaidCents,
		CopayCents:         -transaction.CopayCents,
		PaymentMethod:      transaction.PaymentMethod,
		Status:             TransactionCompleted,
		RefundReason:       reason,
		CreatedUnixUTC:     now,
	}
	if err := service.store.CreateTransaction(ctx, compensating); err != nil {
		return Transaction{}, err
	}
	service.logger.Info("transaction refunded",
		zap.String("transaction_id", transactionID),
		zap.String("compensating_id", compensating.TransactionID),
		zap.Int64("wallet_cents", transaction.WalletCents),
	)
	return compensating, nil
}

// Payment loads a payment by id.
func (service *Service) Payment(ctx context.Context, paymentID string) (Payment, error) {
	return service.store.GetPayment(ctx, paymentID)
}

// Payments lists a member's payment history, newest first.
func (service *Service) Payments(ctx context.Context, memberID string, filter PaymentFilter) ([]Payment, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultHistoryLimit
	}
	return service.store.ListPayments(ctx, memberID, filter)
}

// Transaction loads a ledger entry by id.
func (service *Service) Transaction(ctx context.Context, transactionID string) (Transaction, error) {
	return service.store.GetTransaction(ctx, transactionID)
}

// Transactions lists a member's ledger, newest first.
func (service *Service) Transactions(ctx context.Context, memberID string, filter TransactionFilter) ([]Transaction, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultHistoryLimit
	}
	return service.store.ListTransactions(ctx, memberID, filter)
}

// Summary aggregates a member's ledger.
func (service *Service) Summary(ctx context.Context, memberID string) (Summary, error) {
	return service.store.TransactionSummary(ctx, memberID)
}
