package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/arkahealth/opdwallet/internal/adjudication"
	"github.com/arkahealth/opdwallet/internal/planconfig"
	"github.com/arkahealth/opdwallet/pkg/wallet"
)

const testMemberID = "member-1"

func TestInitiateCreatesPendingPaymentWithReservation(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureConfig{walletCents: 100000, copayPercent: 20})

	payment, err := fixture.service.Initiate(context.Background(), labRequest(5000))
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}
	if payment.Status != PaymentPending {
		test.Fatalf("expected pending payment, got %s", payment.Status)
	}
	if payment.ReservationToken == "" {
		test.Fatalf("expected reservation token")
	}
	if payment.Breakdown.WalletDeduction != 4000 {
		test.Fatalf("expected wallet deduction 4000, got %d", payment.Breakdown.WalletDeduction)
	}
	if payment.AmountCents != 1000 {
		test.Fatalf("expected member payable 1000, got %d", payment.AmountCents)
	}
	if consumed := fixture.walletStore.consumed(); consumed != 4000 {
		test.Fatalf("expected funds held at initiate, got consumed %d", consumed)
	}
	stored, err := fixture.checkoutStore.GetPayment(context.Background(), payment.PaymentID)
	if err != nil {
		test.Fatalf("stored payment: %v", err)
	}
	if stored.Status != PaymentPending {
		test.Fatalf("expected stored pending payment, got %s", stored.Status)
	}
}

func TestInitiateZeroUserPaymentCompletesImmediately(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureConfig{walletCents: 100000})

	payment, err := fixture.service.Initiate(context.Background(), labRequest(2000))
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}
	if payment.Status != PaymentCompleted {
		test.Fatalf("expected completed payment, got %s", payment.Status)
	}
	if payment.Breakdown.PaymentMethod != adjudication.MethodWalletOnly {
		test.Fatalf("expected WALLET_ONLY, got %s", payment.Breakdown.PaymentMethod)
	}
	transactions := fixture.checkoutStore.transactionsFor(testMemberID)
	if len(transactions) != 1 {
		test.Fatalf("expected transaction written immediately, got %d", len(transactions))
	}
	if transactions[0].WalletCents != 2000 || transactions[0].TotalCents != 2000 {
		test.Fatalf("unexpected transaction split: %+v", transactions[0])
	}
	if _, err := fixture.checkoutStore.GetBookingByPayment(context.Background(), payment.PaymentID); err != nil {
		test.Fatalf("expected booking finalized: %v", err)
	}
	reservation := fixture.walletStore.mustReservation(test, payment.ReservationToken)
	if reservation.Status != wallet.ReservationStatusCommitted {
		test.Fatalf("expected committed reservation, got %s", reservation.Status)
	}
}

func TestInitiateRetriesOnceAfterConcurrentReserve(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureConfig{walletCents: 100000})
	fixture.walletStore.failIncrements(1)

	payment, err := fixture.service.Initiate(context.Background(), labRequest(5000))
	if err != nil {
		test.Fatalf("expected retry to succeed, got %v", err)
	}
	if payment.Breakdown.WalletDeduction != 5000 {
		test.Fatalf("expected wallet deduction 5000, got %d", payment.Breakdown.WalletDeduction)
	}
}

func TestInitiatePersistentContentionFails(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureConfig{walletCents: 100000})
	fixture.walletStore.failIncrements(2)

	_, err := fixture.service.Initiate(context.Background(), labRequest(5000))
	if !errors.Is(err, ErrReservationFailed) {
		test.Fatalf("expected ErrReservationFailed, got %v", err)
	}
	if len(fixture.checkoutStore.paymentsFor(testMemberID)) != 0 {
		test.Fatalf("expected no payment row on reservation failure")
	}
}

func TestInitiateDisabledCategory(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureConfig{walletCents: 100000, categoryDisabled: true})

	_, err := fixture.service.Initiate(context.Background(), labRequest(5000))
	if !errors.Is(err, planconfig.ErrCategoryDisabled) {
		test.Fatalf("expected ErrCategoryDisabled, got %v", err)
	}
}

func TestInitiateIneligibleService(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureConfig{walletCents: 100000, allowedServices: []string{"LAB002"}})

	request := labRequest(5000)
	request.ServiceCode = "LAB999"
	_, err := fixture.service.Initiate(context.Background(), request)
	if !errors.Is(err, planconfig.ErrIneligibleService) {
		test.Fatalf("expected ErrIneligibleService, got %v", err)
	}
}

func TestInitiateWithNoWalletAdjudicatesAgainstZero(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureConfig{walletCents: -1})

	payment, err := fixture.service.Initiate(context.Background(), labRequest(3000))
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}
	if payment.Breakdown.WalletDeduction != 0 {
		test.Fatalf("expected no wallet deduction, got %d", payment.Breakdown.WalletDeduction)
	}
	if payment.Breakdown.PaymentMethod != adjudication.MethodFullPayment {
		test.Fatalf("expected FULL_PAYMENT, got %s", payment.Breakdown.PaymentMethod)
	}
	if payment.ReservationToken != "" {
		test.Fatalf("expected no reservation without wallet funds")
	}
}

func TestConfirmCompletesPaymentAndWritesLedger(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureConfig{walletCents: 100000, copayPercent: 20})

	payment, err := fixture.service.Initiate(context.Background(), labRequest(5000))
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}
	confirmed, err := fixture.service.Confirm(context.Background(), payment.PaymentID, testMemberID)
	if err != nil {
		test.Fatalf("confirm: %v", err)
	}
	if confirmed.Status != PaymentCompleted {
		test.Fatalf("expected completed, got %s", confirmed.Status)
	}

	transactions := fixture.checkoutStore.transactionsFor(testMemberID)
	if len(transactions) != 1 {
		test.Fatalf("expected 1 transaction, got %d", len(transactions))
	}
	transaction := transactions[0]
	if transaction.TotalCents != 5000 || transaction.WalletCents != 4000 || transaction.CopayCents != 1000 || transaction.SelfPaidCents != 0 {
		test.Fatalf("unexpected split: %+v", transaction)
	}
	reservation := fixture.walletStore.mustReservation(test, payment.ReservationToken)
	if reservation.Status != wallet.ReservationStatusCommitted {
		test.Fatalf("expected committed reservation, got %s", reservation.Status)
	}
	if reservation.TransactionID != transaction.TransactionID {
		test.Fatalf("expected reservation linked to %s, got %s", transaction.TransactionID, reservation.TransactionID)
	}
	booking, err := fixture.checkoutStore.GetBookingByPayment(context.Background(), payment.PaymentID)
	if err != nil {
		test.Fatalf("booking: %v", err)
	}
	if booking.ServiceType != ServiceLab {
		test.Fatalf("unexpected booking: %+v", booking)
	}
}

func TestConfirmIsIdempotent(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureConfig{walletCents: 100000, copayPercent: 20})

	payment, err := fixture.service.Initiate(context.Background(), labRequest(5000))
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}
	first, err := fixture.service.Confirm(context.Background(), payment.PaymentID, testMemberID)
	if err != nil {
		test.Fatalf("first confirm: %v", err)
	}
	second, err := fixture.service.Confirm(context.Background(), payment.PaymentID, testMemberID)
	if err != nil {
		test.Fatalf("second confirm: %v", err)
	}
	if second.Status != PaymentCompleted {
		test.Fatalf("expected completed, got %s", second.Status)
	}
	if first.PaymentID != second.PaymentID {
		test.Fatalf("expected same payment")
	}
	if got := len(fixture.checkoutStore.transactionsFor(testMemberID)); got != 1 {
		test.Fatalf("expected single transaction after double confirm, got %d", got)
	}
}

func TestConfirmHealsInterruptedSettlement(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureConfig{walletCents: 100000, copayPercent: 20})

	payment, err := fixture.service.Initiate(context.Background(), labRequest(5000))
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}
	fixture.checkoutStore.failTransactions(1)
	if _, err := fixture.service.Confirm(context.Background(), payment.PaymentID, testMemberID); err == nil {
		test.Fatalf("expected first confirm to surface the ledger failure")
	}
	stored, err := fixture.checkoutStore.GetPayment(context.Background(), payment.PaymentID)
	if err != nil {
		test.Fatalf("stored payment: %v", err)
	}
	if stored.Status != PaymentCompleted {
		test.Fatalf("expected status update to have won, got %s", stored.Status)
	}
	if got := len(fixture.checkoutStore.transactionsFor(testMemberID)); got != 0 {
		test.Fatalf("expected no ledger row yet, got %d", got)
	}

	confirmed, err := fixture.service.Confirm(context.Background(), payment.PaymentID, testMemberID)
	if err != nil {
		test.Fatalf("second confirm should settle, got %v", err)
	}
	if confirmed.Status != PaymentCompleted {
		test.Fatalf("expected completed, got %s", confirmed.Status)
	}
	transactions := fixture.checkoutStore.transactionsFor(testMemberID)
	if len(transactions) != 1 {
		test.Fatalf("expected 1 transaction after heal, got %d", len(transactions))
	}
	transaction := transactions[0]
	if transaction.TotalCents != 5000 || transaction.WalletCents != 4000 {
		test.Fatalf("unexpected split after heal: %+v", transaction)
	}
	reservation := fixture.walletStore.mustReservation(test, payment.ReservationToken)
	if reservation.Status != wallet.ReservationStatusCommitted {
		test.Fatalf("expected committed reservation, got %s", reservation.Status)
	}
	if reservation.TransactionID != transaction.TransactionID {
		test.Fatalf("expected ledger row under the committed id %s, got %s", reservation.TransactionID, transaction.TransactionID)
	}
	if consumed := fixture.walletStore.consumed(); consumed != 4000 {
		test.Fatalf("expected hold committed exactly once, got consumed %d", consumed)
	}
}

func TestConfirmRefusesOtherMember(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureConfig{walletCents: 100000, copayPercent: 20})

	payment, err := fixture.service.Initiate(context.Background(), labRequest(5000))
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}
	_, err = fixture.service.Confirm(context.Background(), payment.PaymentID, "intruder")
	if !errors.Is(err, ErrNotPaymentOwner) {
		test.Fatalf("expected ErrNotPaymentOwner, got %v", err)
	}
}

func TestCancelReleasesReservation(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureConfig{walletCents: 100000, copayPercent: 20})

	payment, err := fixture.service.Initiate(context.Background(), labRequest(5000))
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}
	if consumed := fixture.walletStore.consumed(); consumed != 4000 {
		test.Fatalf("expected hold of 4000, got %d", consumed)
	}
	cancelled, err := fixture.service.Cancel(context.Background(), payment.PaymentID, testMemberID, "changed my mind")
	if err != nil {
		test.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != PaymentFailed {
		test.Fatalf("expected FAILED, got %s", cancelled.Status)
	}
	if consumed := fixture.walletStore.consumed(); consumed != 0 {
		test.Fatalf("expected funds restored, got consumed %d", consumed)
	}

	again, err := fixture.service.Cancel(context.Background(), payment.PaymentID, testMemberID, "")
	if err != nil {
		test.Fatalf("repeat cancel should be a no-op, got %v", err)
	}
	if again.Status != PaymentFailed {
		test.Fatalf("expected FAILED on repeat, got %s", again.Status)
	}
	if consumed := fixture.walletStore.consumed(); consumed != 0 {
		test.Fatalf("expected single restore, got consumed %d", consumed)
	}
}

func TestCancelRedrivesFailedRelease(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureConfig{walletCents: 100000, copayPercent: 20})

	payment, err := fixture.service.Initiate(context.Background(), labRequest(5000))
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}
	fixture.walletStore.failReleases(1)
	cancelled, err := fixture.service.Cancel(context.Background(), payment.PaymentID, testMemberID, "changed my mind")
	if err != nil {
		test.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != PaymentFailed {
		test.Fatalf("expected FAILED, got %s", cancelled.Status)
	}
	if consumed := fixture.walletStore.consumed(); consumed != 4000 {
		test.Fatalf("expected hold still active after failed release, got consumed %d", consumed)
	}

	if _, err := fixture.service.Cancel(context.Background(), payment.PaymentID, testMemberID, ""); err != nil {
		test.Fatalf("repeat cancel: %v", err)
	}
	if consumed := fixture.walletStore.consumed(); consumed != 0 {
		test.Fatalf("expected repeat cancel to release the hold, got consumed %d", consumed)
	}
}

func TestCancelCompletedPaymentRefused(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureConfig{walletCents: 100000, copayPercent: 20})

	payment, err := fixture.service.Initiate(context.Background(), labRequest(5000))
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}
	if _, err := fixture.service.Confirm(context.Background(), payment.PaymentID, testMemberID); err != nil {
		test.Fatalf("confirm: %v", err)
	}
	_, err = fixture.service.Cancel(context.Background(), payment.PaymentID, testMemberID, "")
	if !errors.Is(err, ErrAlreadyResolved) {
		test.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestExpireStaleReleasesHolds(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureConfig{walletCents: 100000, copayPercent: 20})

	payment, err := fixture.service.Initiate(context.Background(), labRequest(5000))
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}
	fixture.advance(31 * time.Minute)

	expired, err := fixture.service.ExpireStale(context.Background())
	if err != nil {
		test.Fatalf("expire: %v", err)
	}
	if expired != 1 {
		test.Fatalf("expected 1 expired payment, got %d", expired)
	}
	stored, err := fixture.checkoutStore.GetPayment(context.Background(), payment.PaymentID)
	if err != nil {
		test.Fatalf("stored payment: %v", err)
	}
	if stored.Status != PaymentExpired {
		test.Fatalf("expected EXPIRED, got %s", stored.Status)
	}
	if consumed := fixture.walletStore.consumed(); consumed != 0 {
		test.Fatalf("expected funds restored, got consumed %d", consumed)
	}
}

func TestExpireStaleSkipsFreshPayments(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureConfig{walletCents: 100000, copayPercent: 20})

	if _, err := fixture.service.Initiate(context.Background(), labRequest(5000)); err != nil {
		test.Fatalf("initiate: %v", err)
	}
	expired, err := fixture.service.ExpireStale(context.Background())
	if err != nil {
		test.Fatalf("expire: %v", err)
	}
	if expired != 0 {
		test.Fatalf("expected nothing expired, got %d", expired)
	}
}

func TestRefundRestoresWalletAndAppendsCompensatingRow(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureConfig{walletCents: 100000, copayPercent: 20})

	payment, err := fixture.service.Initiate(context.Background(), labRequest(5000))
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}
	if _, err := fixture.service.Confirm(context.Background(), payment.PaymentID, testMemberID); err != nil {
		test.Fatalf("confirm: %v", err)
	}
	original := fixture.checkoutStore.transactionsFor(testMemberID)[0]

	compensating, err := fixture.service.Refund(context.Background(), original.TransactionID, "duplicate charge")
	if err != nil {
		test.Fatalf("refund: %v", err)
	}
	if compensating.TotalCents != -5000 || compensating.WalletCents != -4000 || compensating.CopayCents != -1000 {
		test.Fatalf("unexpected compensating row: %+v", compensating)
	}
	if consumed := fixture.walletStore.consumed(); consumed != 0 {
		test.Fatalf("expected wallet restored, got consumed %d", consumed)
	}
	refunded, err := fixture.checkoutStore.GetTransaction(context.Background(), original.TransactionID)
	if err != nil {
		test.Fatalf("original transaction: %v", err)
	}
	if refunded.Status != TransactionRefunded {
		test.Fatalf("expected REFUNDED, got %s", refunded.Status)
	}

	_, err = fixture.service.Refund(context.Background(), original.TransactionID, "again")
	if !errors.Is(err, ErrNotRefundable) {
		test.Fatalf("expected ErrNotRefundable on second refund, got %v", err)
	}
}

func TestRefundRefusesCompensatingRow(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureConfig{walletCents: 100000, copayPercent: 20})

	payment, err := fixture.service.Initiate(context.Background(), labRequest(5000))
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}
	if _, err := fixture.service.Confirm(context.Background(), payment.PaymentID, testMemberID); err != nil {
		test.Fatalf("confirm: %v", err)
	}
	original := fixture.checkoutStore.transactionsFor(testMemberID)[0]
	compensating, err := fixture.service.Refund(context.Background(), original.TransactionID, "duplicate charge")
	if err != nil {
		test.Fatalf("refund: %v", err)
	}

	_, err = fixture.service.Refund(context.Background(), compensating.TransactionID, "oops")
	if !errors.Is(err, ErrNotRefundable) {
		test.Fatalf("expected ErrNotRefundable for the compensating row, got %v", err)
	}
	if got := len(fixture.checkoutStore.transactionsFor(testMemberID)); got != 2 {
		test.Fatalf("expected ledger unchanged at 2 rows, got %d", got)
	}
	if consumed := fixture.walletStore.consumed(); consumed != 0 {
		test.Fatalf("expected wallet untouched, got consumed %d", consumed)
	}
}

func TestRefundAfterRenewalCreditsOriginalYear(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureConfig{walletCents: 100000, copayPercent: 20})

	payment, err := fixture.service.Initiate(context.Background(), labRequest(5000))
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}
	if _, err := fixture.service.Confirm(context.Background(), payment.PaymentID, testMemberID); err != nil {
		test.Fatalf("confirm: %v", err)
	}
	original := fixture.checkoutStore.transactionsFor(testMemberID)[0]

	// Cross the policy-year boundary before the refund lands.
	fixture.advance(366 * 24 * time.Hour)
	compensating, err := fixture.service.Refund(context.Background(), original.TransactionID, "service cancelled")
	if err != nil {
		test.Fatalf("refund after renewal: %v", err)
	}
	if compensating.WalletCents != -4000 {
		test.Fatalf("unexpected compensating row: %+v", compensating)
	}
	if consumed := fixture.walletStore.consumed(); consumed != 0 {
		test.Fatalf("expected the original year's consumed restored, got %d", consumed)
	}
}

func TestFinalizerFailureDoesNotLoseFunds(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureConfig{walletCents: 100000, copayPercent: 20, finalizerErr: errors.New("provider down")})

	payment, err := fixture.service.Initiate(context.Background(), labRequest(5000))
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}
	confirmed, err := fixture.service.Confirm(context.Background(), payment.PaymentID, testMemberID)
	if err != nil {
		test.Fatalf("confirm should not fail on finalizer error, got %v", err)
	}
	if confirmed.Status != PaymentCompleted {
		test.Fatalf("expected completed payment, got %s", confirmed.Status)
	}
	if got := len(fixture.checkoutStore.transactionsFor(testMemberID)); got != 1 {
		test.Fatalf("expected transaction despite finalizer failure, got %d", got)
	}
	if _, err := fixture.checkoutStore.GetBookingByPayment(context.Background(), payment.PaymentID); !errors.Is(err, ErrBookingNotFound) {
		test.Fatalf("expected missing booking, got %v", err)
	}

	fixture.failingFinalizer.err = nil
	booking, err := fixture.service.RetryFinalization(context.Background(), payment.PaymentID)
	if err != nil {
		test.Fatalf("retry finalization: %v", err)
	}
	if booking.PaymentID != payment.PaymentID {
		test.Fatalf("unexpected booking: %+v", booking)
	}
}

func TestAppointmentFinalizerTakesSlotCapacity(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureConfig{walletCents: 100000})
	fixture.checkoutStore.setSlotCapacity("slot-9", 1)

	request := labRequest(2000)
	request.ServiceType = ServiceAppointment
	request.ServiceReferenceID = "slot-9"

	payment, err := fixture.service.Initiate(context.Background(), request)
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}
	if payment.Status != PaymentCompleted {
		test.Fatalf("expected completed wallet-only payment, got %s", payment.Status)
	}
	if remaining := fixture.checkoutStore.slotRemaining("slot-9"); remaining != 0 {
		test.Fatalf("expected slot consumed, remaining %d", remaining)
	}
}

func TestAppointmentFinalizerReturnsSlotOnFailedBooking(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureConfig{walletCents: 100000})
	fixture.checkoutStore.setSlotCapacity("slot-4", 1)
	fixture.checkoutStore.failBookings(1)

	request := labRequest(2000)
	request.ServiceType = ServiceAppointment
	request.ServiceReferenceID = "slot-4"

	payment, err := fixture.service.Initiate(context.Background(), request)
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}
	if payment.Status != PaymentCompleted {
		test.Fatalf("expected completed wallet-only payment, got %s", payment.Status)
	}
	if remaining := fixture.checkoutStore.slotRemaining("slot-4"); remaining != 1 {
		test.Fatalf("expected slot unit returned after failed booking write, remaining %d", remaining)
	}

	booking, err := fixture.service.RetryFinalization(context.Background(), payment.PaymentID)
	if err != nil {
		test.Fatalf("retry finalization: %v", err)
	}
	if booking.PaymentID != payment.PaymentID {
		test.Fatalf("unexpected booking: %+v", booking)
	}
	if remaining := fixture.checkoutStore.slotRemaining("slot-4"); remaining != 0 {
		test.Fatalf("expected exactly one slot unit held, remaining %d", remaining)
	}
}

func labRequest(billCents int64) InitiateRequest {
	return InitiateRequest{
		MemberID:           testMemberID,
		CategoryCode:       "CAT003",
		ServiceType:        ServiceLab,
		ServiceCode:        "LAB002",
		ServiceReferenceID: "order-77",
		Description:        "lipid panel",
		BillAmountCents:    billCents,
	}
}

type fixtureConfig struct {
	// walletCents seeds the category balance; -1 means no balance row at all.
	walletCents      int64
	copayPercent     int
	categoryDisabled bool
	allowedServices  []string
	finalizerErr     error
}

type fixture struct {
	service         *Service
	walletStore     *stubWalletStore
	checkoutStore   *stubCheckoutStore
	failingFinalizer *flakyFinalizer
	now             *int64
}

func (fixture *fixture) advance(duration time.Duration) {
	*fixture.now += int64(duration / time.Second)
}

func newFixture(test *testing.T, cfg fixtureConfig) *fixture {
	test.Helper()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Unix()
	clock := func() int64 { return now }

	walletStore := newStubWalletStore()
	if cfg.walletCents >= 0 {
		walletStore.seed(testMemberID, "CAT003", wallet.PolicyYearOf(now), cfg.walletCents)
	}
	walletService, err := wallet.NewService(walletStore, clock)
	if err != nil {
		test.Fatalf("wallet service: %v", err)
	}

	planStore := &staticPlanStore{
		rule: planconfig.BenefitRule{
			CategoryCode:    "CAT003",
			Enabled:         !cfg.categoryDisabled,
			CopayPercent:    cfg.copayPercent,
			AllowedServices: cfg.allowedServices,
		},
	}
	resolver := planconfig.NewResolver(planStore)

	checkoutStore := newStubCheckoutStore()

	counter := 0
	idFn := func(prefix string) string {
		counter++
		return fmt.Sprintf("%s-%04d", prefix, counter)
	}

	labFinalizer, err := NewBookingFinalizer(checkoutStore, ServiceLab, clock)
	if err != nil {
		test.Fatalf("finalizer: %v", err)
	}
	flaky := &flakyFinalizer{inner: labFinalizer, err: cfg.finalizerErr}

	service, err := NewService(resolver, walletService, checkoutStore, zap.NewNop(),
		WithClock(clock),
		WithIDGenerator(idFn),
		WithFinalizer(ServiceLab, flaky),
		WithFinalizer(ServiceAppointment, NewAppointmentFinalizer(checkoutStore, clock)),
	)
	if err != nil {
		test.Fatalf("checkout service: %v", err)
	}
	return &fixture{
		service:          service,
		walletStore:      walletStore,
		checkoutStore:    checkoutStore,
		failingFinalizer: flaky,
		now:              &now,
	}
}

type flakyFinalizer struct {
	inner Finalizer
	err   error
}

func (finalizer *flakyFinalizer) Finalize(ctx context.Context, payment Payment) (Booking, error) {
	if finalizer.err != nil {
		return Booking{}, finalizer.err
	}
	return finalizer.inner.Finalize(ctx, payment)
}

type staticPlanStore struct {
	rule planconfig.BenefitRule
}

func (store *staticPlanStore) CurrentVersion(ctx context.Context, policyID string) (planconfig.PlanVersion, error) {
	return planconfig.PlanVersion{PolicyID: policyID, Version: 1, Status: planconfig.VersionStatusPublished, IsCurrent: true}, nil
}

func (store *staticPlanStore) Rule(ctx context.Context, policyID string, version int, categoryCode string) (planconfig.BenefitRule, error) {
	return store.rule, nil
}

func (store *staticPlanStore) MemberAssignment(ctx context.Context, memberID string) (planconfig.Assignment, error) {
	return planconfig.Assignment{MemberID: memberID, PolicyID: "POL-1"}, nil
}

type walletBalanceKey struct {
	memberID string
	year     wallet.PolicyYear
	category string
}

type stubWalletStore struct {
	mutex            sync.Mutex
	balances         map[walletBalanceKey]*wallet.CategoryBalance
	reservations     map[string]wallet.Reservation
	entries          []wallet.Entry
	failCount        int
	releaseFailCount int
}

func newStubWalletStore() *stubWalletStore {
	return &stubWalletStore{
		balances:     make(map[walletBalanceKey]*wallet.CategoryBalance),
		reservations: make(map[string]wallet.Reservation),
	}
}

func (store *stubWalletStore) seed(memberID, category string, year wallet.PolicyYear, allocated int64) {
	parsedMember, _ := wallet.NewMemberID(memberID)
	parsedCategory, _ := wallet.NewCategoryCode(category)
	key := walletBalanceKey{memberID: memberID, year: year, category: category}
	store.balances[key] = &wallet.CategoryBalance{
		MemberID:     parsedMember,
		PolicyYear:   year,
		CategoryCode: parsedCategory,
		Allocated:    wallet.AmountCents(allocated),
	}
}

// failIncrements makes the next n consumed increments report insufficient
// funds, simulating a concurrent reserve winning the balance.
func (store *stubWalletStore) failIncrements(n int) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.failCount = n
}

// failReleases makes the next n release transitions fail before any state
// changes, simulating a wallet store outage during the unwind.
func (store *stubWalletStore) failReleases(n int) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.releaseFailCount = n
}

func (store *stubWalletStore) consumed() int64 {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var total int64
	for _, balance := range store.balances {
		total += balance.Consumed.Int64()
	}
	return total
}

func (store *stubWalletStore) mustReservation(test *testing.T, token string) wallet.Reservation {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	reservation, ok := store.reservations[token]
	if !ok {
		test.Fatalf("reservation %s not found", token)
	}
	return reservation
}

func (store *stubWalletStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	return fn(ctx, store)
}

func (store *stubWalletStore) GetBalance(ctx context.Context, memberID wallet.MemberID, year wallet.PolicyYear, category wallet.CategoryCode) (wallet.CategoryBalance, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	balance, ok := store.balances[walletBalanceKey{memberID.String(), year, category.String()}]
	if !ok {
		return wallet.CategoryBalance{}, wallet.ErrBalanceNotFound
	}
	return *balance, nil
}

func (store *stubWalletStore) ListBalances(ctx context.Context, memberID wallet.MemberID, year wallet.PolicyYear) ([]wallet.CategoryBalance, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var balances []wallet.CategoryBalance
	for _, balance := range store.balances {
		if balance.MemberID.String() == memberID.String() && balance.PolicyYear == year {
			balances = append(balances, *balance)
		}
	}
	return balances, nil
}

func (store *stubWalletStore) CreateBalance(ctx context.Context, balance wallet.CategoryBalance) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	key := walletBalanceKey{balance.MemberID.String(), balance.PolicyYear, balance.CategoryCode.String()}
	if _, exists := store.balances[key]; exists {
		return wallet.ErrBalanceExists
	}
	copied := balance
	store.balances[key] = &copied
	return nil
}

func (store *stubWalletStore) AddAllocated(ctx context.Context, memberID wallet.MemberID, year wallet.PolicyYear, category wallet.CategoryCode, amount wallet.AmountCents) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	balance, ok := store.balances[walletBalanceKey{memberID.String(), year, category.String()}]
	if !ok {
		return wallet.ErrBalanceNotFound
	}
	balance.Allocated += amount
	return nil
}

func (store *stubWalletStore) IncrementConsumed(ctx context.Context, memberID wallet.MemberID, year wallet.PolicyYear, category wallet.CategoryCode, amount wallet.AmountCents) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.failCount > 0 {
		store.failCount--
		return wallet.ErrInsufficientFunds
	}
	balance, ok := store.balances[walletBalanceKey{memberID.String(), year, category.String()}]
	if !ok || balance.Current() < amount {
		return wallet.ErrInsufficientFunds
	}
	balance.Consumed += amount
	return nil
}

func (store *stubWalletStore) DecrementConsumed(ctx context.Context, memberID wallet.MemberID, year wallet.PolicyYear, category wallet.CategoryCode, amount wallet.AmountCents) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	balance, ok := store.balances[walletBalanceKey{memberID.String(), year, category.String()}]
	if !ok || balance.Consumed < amount {
		return wallet.ErrBalanceNotFound
	}
	balance.Consumed -= amount
	return nil
}

func (store *stubWalletStore) CreateReservation(ctx context.Context, reservation wallet.Reservation) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.reservations[reservation.Token.String()] = reservation
	return nil
}

func (store *stubWalletStore) GetReservation(ctx context.Context, token wallet.ReservationToken) (wallet.Reservation, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	reservation, ok := store.reservations[token.String()]
	if !ok {
		return wallet.Reservation{}, wallet.ErrUnknownReservation
	}
	return reservation, nil
}

func (store *stubWalletStore) UpdateReservationStatus(ctx context.Context, token wallet.ReservationToken, from, to wallet.ReservationStatus, transactionID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	reservation, ok := store.reservations[token.String()]
	if !ok {
		return wallet.ErrUnknownReservation
	}
	if to == wallet.ReservationStatusReleased && store.releaseFailCount > 0 {
		store.releaseFailCount--
		return errors.New("wallet store unavailable")
	}
	if reservation.Status != from {
		return wallet.ErrReservationClosed
	}
	reservation.Status = to
	if transactionID != "" {
		reservation.TransactionID = transactionID
	}
	store.reservations[token.String()] = reservation
	return nil
}

func (store *stubWalletStore) InsertEntry(ctx context.Context, entry wallet.Entry) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.entries = append(store.entries, entry)
	return nil
}

func (store *stubWalletStore) ListEntries(ctx context.Context, memberID wallet.MemberID, filter wallet.EntryFilter) ([]wallet.Entry, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return append([]wallet.Entry(nil), store.entries...), nil
}

type stubCheckoutStore struct {
	mutex            sync.Mutex
	payments         map[string]Payment
	transactions     map[string]Transaction
	txnOrder         []string
	bookings         map[string]Booking
	slots            map[string]int
	txnFailCount     int
	bookingFailCount int
}

func newStubCheckoutStore() *stubCheckoutStore {
	return &stubCheckoutStore{
		payments:     make(map[string]Payment),
		transactions: make(map[string]Transaction),
		bookings:     make(map[string]Booking),
		slots:        make(map[string]int),
	}
}

// failTransactions makes the next n ledger inserts fail, simulating a store
// outage between the payment status update and the transaction append.
func (store *stubCheckoutStore) failTransactions(n int) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.txnFailCount = n
}

// failBookings makes the next n booking inserts fail.
func (store *stubCheckoutStore) failBookings(n int) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.bookingFailCount = n
}

func (store *stubCheckoutStore) setSlotCapacity(slotID string, remaining int) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.slots[slotID] = remaining
}

func (store *stubCheckoutStore) slotRemaining(slotID string) int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.slots[slotID]
}

func (store *stubCheckoutStore) paymentsFor(memberID string) []Payment {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var payments []Payment
	for _, payment := range store.payments {
		if payment.MemberID == memberID {
			payments = append(payments, payment)
		}
	}
	return payments
}

func (store *stubCheckoutStore) transactionsFor(memberID string) []Transaction {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var transactions []Transaction
	for _, transactionID := range store.txnOrder {
		transaction := store.transactions[transactionID]
		if transaction.MemberID == memberID {
			transactions = append(transactions, transaction)
		}
	}
	return transactions
}

func (store *stubCheckoutStore) CreatePayment(ctx context.Context, payment Payment) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.payments[payment.PaymentID] = payment
	return nil
}

func (store *stubCheckoutStore) GetPayment(ctx context.Context, paymentID string) (Payment, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	payment, ok := store.payments[paymentID]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	return payment, nil
}

func (store *stubCheckoutStore) ListPayments(ctx context.Context, memberID string, filter PaymentFilter) ([]Payment, error) {
	return store.paymentsFor(memberID), nil
}

func (store *stubCheckoutStore) UpdatePaymentStatus(ctx context.Context, paymentID string, to PaymentStatus, resolution PaymentResolution) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	payment, ok := store.payments[paymentID]
	if !ok {
		return ErrPaymentNotFound
	}
	if payment.Status != PaymentPending {
		return ErrAlreadyResolved
	}
	payment.Status = to
	payment.FailureReason = resolution.FailureReason
	payment.MarkedPaidBy = resolution.MarkedPaidBy
	payment.PaidAtUnixUTC = resolution.PaidAtUnixUTC
	store.payments[paymentID] = payment
	return nil
}

func (store *stubCheckoutStore) StalePendingPayments(ctx context.Context, olderThanUnixUTC int64, limit int) ([]Payment, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var stale []Payment
	for _, payment := range store.payments {
		if payment.Status == PaymentPending && payment.CreatedUnixUTC < olderThanUnixUTC {
			stale = append(stale, payment)
		}
	}
	return stale, nil
}

func (store *stubCheckoutStore) CreateTransaction(ctx context.Context, transaction Transaction) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.txnFailCount > 0 {
		store.txnFailCount--
		return errors.New("transaction store unavailable")
	}
	store.transactions[transaction.TransactionID] = transaction
	store.txnOrder = append(store.txnOrder, transaction.TransactionID)
	return nil
}

func (store *stubCheckoutStore) GetTransaction(ctx context.Context, transactionID string) (Transaction, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	transaction, ok := store.transactions[transactionID]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return transaction, nil
}

func (store *stubCheckoutStore) TransactionByPayment(ctx context.Context, paymentID string) (Transaction, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, transactionID := range store.txnOrder {
		transaction := store.transactions[transactionID]
		if transaction.PaymentID == paymentID {
			return transaction, nil
		}
	}
	return Transaction{}, ErrTransactionNotFound
}

func (store *stubCheckoutStore) ListTransactions(ctx context.Context, memberID string, filter TransactionFilter) ([]Transaction, error) {
	return store.transactionsFor(memberID), nil
}

func (store *stubCheckoutStore) TransactionSummary(ctx context.Context, memberID string) (Summary, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	summary := Summary{
		ByPaymentMethod: make(map[adjudication.Method]MethodTotals),
		ByServiceType:   make(map[ServiceType]MethodTotals),
	}
	for _, transaction := range store.transactions {
		if transaction.MemberID != memberID {
			continue
		}
		summary.TotalTransactions++
		summary.TotalSpent += transaction.TotalCents
		summary.TotalFromWallet += transaction.WalletCents
		summary.TotalSelfPaid += transaction.SelfPaidCents
		summary.TotalCopay += transaction.CopayCents
		methodTotals := summary.ByPaymentMethod[transaction.PaymentMethod]
		methodTotals.Count++
		methodTotals.Amount += transaction.TotalCents
		summary.ByPaymentMethod[transaction.PaymentMethod] = methodTotals
		serviceTotals := summary.ByServiceType[transaction.ServiceType]
		serviceTotals.Count++
		serviceTotals.Amount += transaction.TotalCents
		summary.ByServiceType[transaction.ServiceType] = serviceTotals
	}
	return summary, nil
}

func (store *stubCheckoutStore) MarkTransactionRefunded(ctx context.Context, transactionID string, reason string, atUnixUTC int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	transaction, ok := store.transactions[transactionID]
	if !ok {
		return ErrTransactionNotFound
	}
	if transaction.Status != TransactionCompleted {
		return ErrNotRefundable
	}
	transaction.Status = TransactionRefunded
	transaction.RefundReason = reason
	transaction.RefundedUnixUTC = atUnixUTC
	store.transactions[transactionID] = transaction
	return nil
}

func (store *stubCheckoutStore) CreateBooking(ctx context.Context, booking Booking) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.bookingFailCount > 0 {
		store.bookingFailCount--
		return errors.New("booking store unavailable")
	}
	if _, exists := store.bookings[booking.PaymentID]; exists {
		return ErrBookingExists
	}
	store.bookings[booking.PaymentID] = booking
	return nil
}

func (store *stubCheckoutStore) GetBookingByPayment(ctx context.Context, paymentID string) (Booking, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	booking, ok := store.bookings[paymentID]
	if !ok {
		return Booking{}, ErrBookingNotFound
	}
	return booking, nil
}

func (store *stubCheckoutStore) DecrementSlotCapacity(ctx context.Context, slotID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	remaining, managed := store.slots[slotID]
	if !managed {
		return nil
	}
	if remaining <= 0 {
		return ErrSlotFull
	}
	store.slots[slotID] = remaining - 1
	return nil
}

func (store *stubCheckoutStore) IncrementSlotCapacity(ctx context.Context, slotID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, managed := store.slots[slotID]; managed {
		store.slots[slotID]++
	}
	return nil
}
