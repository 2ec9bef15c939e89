// Package booking books classes against credits or tourist passes and settles cancellations.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/studiocredits/internal/audit"
	"github.com/MarkoPoloResearchLab/studiocredits/pkg/credits"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	refundReasonFreeCancel  = "free_cancel"
	penaltyReasonLateCancel = "late_cancel"
	defaultHistoryLimit     = 50
)

// Service orchestrates bookings on top of the credit ledger.
type Service struct {
	store   Store
	ledger  *credits.Service
	auditor *audit.Logger
	logger  *zap.Logger
}

// NewService wires a booking Service.
func NewService(store Store, ledger *credits.Service, auditor *audit.Logger, logger *zap.Logger) (*Service, error) {
	if store == nil || ledger == nil {
		return nil, fmt.Errorf("%w: store and ledger are required", ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, ledger: ledger, auditor: auditor, logger: logger}, nil
}

// Book reserves a seat, paying with an active tourist pass when there is one and credits otherwise.
func (service *Service) Book(ctx context.Context, userID credits.UserID, classID string) (Booking, error) {
	var (
		created       Booking
		balanceBefore int64
		balanceAfter  int64
	)
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		ledger := service.ledger.WithStore(txStore.Credits())
		profile, err := ledger.Profile(ctx, userID)
		if err != nil {
			return err
		}
		if profile.Frozen {
			return credits.ErrAccountFrozen
		}
		class, err := txStore.GetClassForUpdate(ctx, classID)
		if err != nil {
			return err
		}
		now := ledger.Now()
		if !now.Before(class.StartsAt) {
			return ErrClassStarted
		}
		if err := txStore.Credits().LockUser(ctx, userID); err != nil {
			return err
		}
		duplicate, err := txStore.HasConfirmedBooking(ctx, userID, classID)
		if err != nil {
			return err
		}
		if duplicate {
			return ErrDuplicateBooking
		}
		confirmed, err := txStore.CountConfirmedBookings(ctx, classID)
		if err != nil {
			return err
		}
		if confirmed >= class.Capacity {
			return ErrClassFull
		}

		balanceBefore, err = ledger.ActiveCredits(ctx, userID)
		if err != nil {
			return err
		}
		created = Booking{
			BookingID: uuid.NewString(),
			UserID:    userID,
			ClassID:   classID,
			Status:    StatusConfirmed,
			CreatedAt: now.Truncate(time.Second),
		}
		pass, err := ledger.HasActiveTouristPass(ctx, userID)
		if err != nil {
			return err
		}
		switch {
		case pass != nil:
			if err := ledger.ConsumeTouristPass(ctx, pass.PassID); err != nil {
				return err
			}
			created.PaymentMethod = PaymentTouristPass
			created.PassID = pass.PassID
		case class.CreditCost > 0:
			spend, err := ledger.SpendCreditsFIFO(ctx, userID, class.CreditCost)
			if err != nil {
				return err
			}
			created.PaymentMethod = PaymentCredits
			created.CreditsUsed = spend.Amount
			created.Allocations = spend.Allocations
		default:
			created.PaymentMethod = PaymentCredits
		}
		if err := txStore.InsertBooking(ctx, created); err != nil {
			return err
		}
		balanceAfter, err = ledger.ActiveCredits(ctx, userID)
		return err
	})
	if err != nil {
		return Booking{}, err
	}
	service.auditor.Record(ctx, audit.Entry{
		UserID:        userID,
		Action:        audit.ActionBookingCreated,
		CreditsBefore: balanceBefore,
		CreditsAfter:  balanceAfter,
		Metadata: map[string]any{
			"booking_id":     created.BookingID,
			"class_id":       classID,
			"payment_method": string(created.PaymentMethod),
			"pass_id":        created.PassID,
		},
	})
	return created, nil
}

// QuoteCancellation classifies a cancellation made now without changing anything.
func (service *Service) QuoteCancellation(ctx context.Context, userID credits.UserID, bookingID string) (CancellationQuote, error) {
	var quote CancellationQuote
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		booking, class, err := service.loadOwnedBooking(ctx, txStore, userID, bookingID)
		if err != nil {
			return err
		}
		quote, err = service.quote(booking, class, service.ledger.Now())
		return err
	})
	if err != nil {
		return CancellationQuote{}, err
	}
	return quote, nil
}

// Cancel settles a cancellation: the booking row and the refund or penalty commit together.
func (service *Service) Cancel(ctx context.Context, userID credits.UserID, bookingID string, reason string) (CancellationResult, error) {
	var result CancellationResult
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		booking, class, err := service.loadOwnedBooking(ctx, txStore, userID, bookingID)
		if err != nil {
			return err
		}
		ledger := service.ledger.WithStore(txStore.Credits())
		now := ledger.Now()
		quote, err := service.quote(booking, class, now)
		if err != nil {
			return err
		}
		if err := txStore.Credits().LockUser(ctx, userID); err != nil {
			return err
		}
		balanceBefore, err := ledger.ActiveCredits(ctx, userID)
		if err != nil {
			return err
		}

		cancelledAt := now.Truncate(time.Second)
		booking.Status = StatusCancelled
		booking.CancelledAt = &cancelledAt
		booking.CancelReason = strings.TrimSpace(reason)
		booking.RefundCredits = quote.RefundCredits
		booking.PenaltyCredits = quote.PenaltyCredits
		if err := txStore.UpdateBookingCancellation(ctx, booking); err != nil {
			return err
		}

		switch {
		case quote.Kind == CancellationFree && quote.RefundCredits > 0:
			allocations := booking.Allocations
			if len(allocations) == 0 {
				allocations = []credits.Allocation{{Credits: quote.RefundCredits}}
			}
			if err := ledger.RefundAllocations(ctx, userID, allocations, refundReasonFreeCancel); err != nil {
				return err
			}
		case quote.Kind == CancellationLate && quote.PenaltyCredits > 0:
			if err := ledger.AddPenalty(ctx, userID, quote.PenaltyCredits, penaltyReasonLateCancel); err != nil {
				return err
			}
		}

		balanceAfter, err := ledger.ActiveCredits(ctx, userID)
		if err != nil {
			return err
		}
		result = CancellationResult{Quote: quote, Booking: booking, BalanceBefore: balanceBefore, BalanceAfter: balanceAfter}
		return nil
	})
	if err != nil {
		return CancellationResult{}, err
	}
	action := audit.ActionBookingCancelledFree
	if result.Quote.Kind == CancellationLate {
		action = audit.ActionBookingCancelledLate
	}
	service.auditor.Record(ctx, audit.Entry{
		UserID:        userID,
		Action:        action,
		CreditsBefore: result.BalanceBefore,
		CreditsAfter:  result.BalanceAfter,
		Metadata: map[string]any{
			"booking_id":        bookingID,
			"hours_until_start": result.Quote.HoursUntilStart,
			"refund_credits":    result.Quote.RefundCredits,
			"penalty_credits":   result.Quote.PenaltyCredits,
		},
	})
	return result, nil
}

// MarkAttended checks a member in.
func (service *Service) MarkAttended(ctx context.Context, bookingID string) error {
	return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		booking, err := txStore.GetBookingForUpdate(ctx, bookingID)
		if err != nil {
			return err
		}
		switch booking.Status {
		case StatusCancelled:
			return ErrAlreadyCancelled
		case StatusAttended:
			return ErrAlreadyAttended
		}
		return txStore.MarkBookingAttended(ctx, bookingID, service.ledger.Now().Truncate(time.Second))
	})
}

// ListBookings returns the member's bookings, newest first.
func (service *Service) ListBookings(ctx context.Context, userID credits.UserID, limit int) ([]Booking, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return service.store.ListUserBookings(ctx, userID, limit)
}

// PayoutReport aggregates attended bookings of classes starting within [from, to).
func (service *Service) PayoutReport(ctx context.Context, from time.Time, to time.Time) ([]PayoutLine, error) {
	rows, err := service.store.ListAttendance(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return Payouts(rows, service.ledger.Policy().CreditValueUSD), nil
}

func (service *Service) loadOwnedBooking(ctx context.Context, txStore Store, userID credits.UserID, bookingID string) (Booking, Class, error) {
	booking, err := txStore.GetBookingForUpdate(ctx, bookingID)
	if err != nil {
		return Booking{}, Class{}, err
	}
	if booking.UserID != userID {
		return Booking{}, Class{}, ErrUnknownBooking
	}
	class, err := txStore.GetClass(ctx, booking.ClassID)
	if err != nil {
		if errors.Is(err, ErrUnknownClass) {
			service.logger.Error("booking references a missing class", zap.String("booking_id", bookingID), zap.String("class_id", booking.ClassID))
		}
		return Booking{}, Class{}, err
	}
	return booking, class, nil
}

func (service *Service) quote(booking Booking, class Class, now time.Time) (CancellationQuote, error) {
	switch booking.Status {
	case StatusCancelled:
		return CancellationQuote{}, ErrAlreadyCancelled
	case StatusAttended:
		return CancellationQuote{}, ErrAlreadyAttended
	}
	if !now.Before(class.StartsAt) {
		return CancellationQuote{}, ErrClassStarted
	}
	cancellation := service.ledger.Policy().Cancellation
	hoursUntilStart := class.StartsAt.Sub(now).Hours()
	quote := CancellationQuote{BookingID: booking.BookingID, HoursUntilStart: hoursUntilStart}
	if hoursUntilStart > cancellation.FreeWindowHours {
		quote.Kind = CancellationFree
		quote.RefundCredits = booking.CreditsUsed
		return quote, nil
	}
	quote.Kind = CancellationLate
	quote.PenaltyCredits = cancellation.PenaltyCredits
	return quote, nil
}
