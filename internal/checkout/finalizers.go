package checkout

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Reference prefixes for booking ids, one per service flow.
const (
	prefixAppointment = "APT"
	prefixLab         = "LAB"
	prefixDental      = "DEN"
	prefixVision      = "VIS"
	prefixHealthCheck = "AHC"
)

// bookingFinalizer turns a confirmed payment into a booking row. The unique
// payment-id constraint at the store makes it idempotent: a second finalize
// for the same payment surfaces the existing booking through ErrBookingExists.
type bookingFinalizer struct {
	store  Store
	prefix string
	nowFn  func() int64
	idFn   func(prefix string) string
}

// NewBookingFinalizer builds the plain finalizer for a service flow.
func NewBookingFinalizer(store Store, serviceType ServiceType, now func() int64) (Finalizer, error) {
	prefix, err := bookingPrefix(serviceType)
	if err != nil {
		return nil, err
	}
	return &bookingFinalizer{
		store:  store,
		prefix: prefix,
		nowFn:  now,
		idFn:   bookingID,
	}, nil
}

func bookingPrefix(serviceType ServiceType) (string, error) {
	switch serviceType {
	case ServiceAppointment:
		return prefixAppointment, nil
	case ServiceLab:
		return prefixLab, nil
	case ServiceDental:
		return prefixDental, nil
	case ServiceVision:
		return prefixVision, nil
	case ServiceAHC:
		return prefixHealthCheck, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidServiceType, serviceType)
}

func bookingID(prefix string) string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return prefix + "-" + raw[:12]
}

func (finalizer *bookingFinalizer) Finalize(ctx context.Context, payment Payment) (Booking, error) {
	booking := finalizer.buildBooking(payment)
	if err := finalizer.store.CreateBooking(ctx, booking); err != nil {
		return Booking{}, err
	}
	return booking, nil
}

func (finalizer *bookingFinalizer) buildBooking(payment Payment) Booking {
	details, _ := json.Marshal(map[string]string{
		"serviceCode":        payment.ServiceCode,
		"serviceReferenceId": payment.ServiceReferenceID,
		"description":        payment.Description,
	})
	return Booking{
		BookingID:      finalizer.idFn(finalizer.prefix),
		PaymentID:      payment.PaymentID,
		MemberID:       payment.MemberID,
		ServiceType:    payment.ServiceType,
		Reference:      payment.ServiceReferenceID,
		DetailsJSON:    string(details),
		CreatedUnixUTC: finalizer.nowFn(),
	}
}

// appointmentFinalizer additionally consumes one unit of slot capacity before
// writing the booking. The decrement happens first so an exhausted slot never
// produces a booking; a duplicate finalize returns the capacity unit it took.
type appointmentFinalizer struct {
	bookingFinalizer
}

// NewAppointmentFinalizer builds the slot-aware finalizer for appointments.
func NewAppointmentFinalizer(store Store, now func() int64) Finalizer {
	return &appointmentFinalizer{bookingFinalizer{
		store:  store,
		prefix: prefixAppointment,
		nowFn:  now,
		idFn:   bookingID,
	}}
}

func (finalizer *appointmentFinalizer) Finalize(ctx context.Context, payment Payment) (Booking, error) {
	slotID := payment.ServiceReferenceID
	if err := finalizer.store.DecrementSlotCapacity(ctx, slotID); err != nil {
		return Booking{}, err
	}
	booking := finalizer.buildBooking(payment)
	if err := finalizer.store.CreateBooking(ctx, booking); err != nil {
		// No booking was written by this attempt, whether the row already
		// exists or the insert failed; either way the unit goes back.
		if restoreErr := finalizer.store.IncrementSlotCapacity(ctx, slotID); restoreErr != nil {
			return Booking{}, restoreErr
		}
		return Booking{}, err
	}
	return booking, nil
}
