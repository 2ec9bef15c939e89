package memstore

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/studiocredits/internal/billing"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/booking"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/scheduler"
	"github.com/MarkoPoloResearchLab/studiocredits/pkg/credits"
)

// BookingStore implements booking.Store.
type BookingStore struct {
	*Store
}

func (view BookingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore booking.Store) error) error {
	return view.withTx(ctx, func(ctx context.Context, txStore *Store) error {
		return fn(ctx, BookingStore{Store: txStore})
	})
}

func (view BookingStore) GetClass(ctx context.Context, classID string) (booking.Class, error) {
	var class booking.Class
	err := view.read(func(current *state) error {
		found, ok := current.classes[classID]
		if !ok {
			return booking.ErrUnknownClass
		}
		class = found
		return nil
	})
	return class, err
}

func (view BookingStore) GetClassForUpdate(ctx context.Context, classID string) (booking.Class, error) {
	return view.GetClass(ctx, classID)
}

func (view BookingStore) CountConfirmedBookings(ctx context.Context, classID string) (int, error) {
	var count int
	err := view.read(func(current *state) error {
		for _, existing := range current.bookings {
			if existing.ClassID == classID && existing.Status == booking.StatusConfirmed {
				count++
			}
		}
		return nil
	})
	return count, err
}

func (view BookingStore) HasConfirmedBooking(ctx context.Context, userID credits.UserID, classID string) (bool, error) {
	var found bool
	err := view.read(func(current *state) error {
		for _, existing := range current.bookings {
			if existing.UserID == userID && existing.ClassID == classID && existing.Status == booking.StatusConfirmed {
				found = true
				return nil
			}
		}
		return nil
	})
	return found, err
}

func (view BookingStore) InsertBooking(ctx context.Context, created booking.Booking) error {
	return view.read(func(current *state) error {
		current.bookings[created.BookingID] = created
		current.bookingOrder = append(current.bookingOrder, created.BookingID)
		return nil
	})
}

func (view BookingStore) GetBookingForUpdate(ctx context.Context, bookingID string) (booking.Booking, error) {
	var found booking.Booking
	err := view.read(func(current *state) error {
		existing, ok := current.bookings[bookingID]
		if !ok {
			return booking.ErrUnknownBooking
		}
		found = existing
		return nil
	})
	return found, err
}

func (view BookingStore) UpdateBookingCancellation(ctx context.Context, cancelled booking.Booking) error {
	return view.read(func(current *state) error {
		existing, ok := current.bookings[cancelled.BookingID]
		if !ok {
			return booking.ErrUnknownBooking
		}
		if existing.Status != booking.StatusConfirmed {
			return booking.ErrAlreadyCancelled
		}
		existing.Status = cancelled.Status
		existing.CancelledAt = cancelled.CancelledAt
		existing.CancelReason = cancelled.CancelReason
		existing.RefundCredits = cancelled.RefundCredits
		existing.PenaltyCredits = cancelled.PenaltyCredits
		current.bookings[cancelled.BookingID] = existing
		return nil
	})
}

func (view BookingStore) MarkBookingAttended(ctx context.Context, bookingID string, attendedAt time.Time) error {
	return view.read(func(current *state) error {
		existing, ok := current.bookings[bookingID]
		if !ok {
			return booking.ErrUnknownBooking
		}
		existing.Status = booking.StatusAttended
		existing.AttendedAt = &attendedAt
		current.bookings[bookingID] = existing
		return nil
	})
}

func (view BookingStore) ListUserBookings(ctx context.Context, userID credits.UserID, limit int) ([]booking.Booking, error) {
	var listed []booking.Booking
	err := view.read(func(current *state) error {
		for index := len(current.bookingOrder) - 1; index >= 0 && len(listed) < limit; index-- {
			existing := current.bookings[current.bookingOrder[index]]
			if existing.UserID == userID {
				listed = append(listed, existing)
			}
		}
		return nil
	})
	return listed, err
}

func (view BookingStore) ListAttendance(ctx context.Context, from time.Time, to time.Time) ([]booking.AttendanceRow, error) {
	var rows []booking.AttendanceRow
	err := view.read(func(current *state) error {
		for _, bookingID := range current.bookingOrder {
			existing := current.bookings[bookingID]
			if existing.Status != booking.StatusAttended {
				continue
			}
			class, ok := current.classes[existing.ClassID]
			if !ok || class.StartsAt.Before(from) || !class.StartsAt.Before(to) {
				continue
			}
			gym := current.gyms[class.GymID]
			rows = append(rows, booking.AttendanceRow{
				BookingID:     existing.BookingID,
				GymID:         class.GymID,
				GymName:       gym.Name,
				ClassID:       class.ClassID,
				ClassTitle:    class.Title,
				StartsAt:      class.StartsAt,
				CreditsUsed:   existing.CreditsUsed,
				PayoutPercent: gym.PayoutPercent,
			})
		}
		return nil
	})
	return rows, err
}

// BillingStore implements billing.Store.
type BillingStore struct {
	*Store
}

func (view BillingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore billing.Store) error) error {
	return view.withTx(ctx, func(ctx context.Context, txStore *Store) error {
		return fn(ctx, BillingStore{Store: txStore})
	})
}

func (view BillingStore) ClaimPurchase(ctx context.Context, sourceRef string, kind string, userID credits.UserID) (bool, error) {
	var claimed bool
	err := view.read(func(current *state) error {
		key := strings.TrimSpace(sourceRef)
		if _, exists := current.purchases[key]; exists {
			return nil
		}
		current.purchases[key] = kind
		claimed = true
		return nil
	})
	return claimed, err
}

// SchedulerStore implements scheduler.Store.
type SchedulerStore struct {
	*Store
}

func (view SchedulerStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore scheduler.Store) error) error {
	return view.withTx(ctx, func(ctx context.Context, txStore *Store) error {
		return fn(ctx, SchedulerStore{Store: txStore})
	})
}

func (view SchedulerStore) ListSubscribers(ctx context.Context) ([]credits.Profile, error) {
	var subscribers []credits.Profile
	err := view.read(func(current *state) error {
		for _, profile := range current.profiles {
			if profile.Tier != "" && !profile.Frozen {
				subscribers = append(subscribers, profile)
			}
		}
		return nil
	})
	sort.Slice(subscribers, func(left, right int) bool {
		return subscribers[left].UserID.String() < subscribers[right].UserID.String()
	})
	return subscribers, err
}

// ClaimGrantRun records a monthly grant claim for userID and period.
func (store *Store) ClaimGrantRun(ctx context.Context, userID credits.UserID, period string) (bool, error) {
	var claimed bool
	err := store.read(func(current *state) error {
		key := userID.String() + "/" + period
		if _, exists := current.grantRuns[key]; exists {
			return nil
		}
		current.grantRuns[key] = struct{}{}
		claimed = true
		return nil
	})
	return claimed, err
}
