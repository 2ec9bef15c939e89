package booking

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/studiocredits/internal/audit"
	"github.com/MarkoPoloResearchLab/studiocredits/pkg/credits"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a booking.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusAttended  Status = "attended"
)

// PaymentMethod records what paid for a booking.
type PaymentMethod string

const (
	PaymentCredits     PaymentMethod = "credits"
	PaymentTouristPass PaymentMethod = "tourist_pass"
)

// CancellationKind separates refunded cancellations from penalised ones.
type CancellationKind string

const (
	CancellationFree CancellationKind = "free"
	CancellationLate CancellationKind = "late"
)

// Gym is a partner studio.
type Gym struct {
	GymID         string
	Name          string
	PayoutPercent decimal.Decimal
}

// Class is a scheduled session at a gym.
type Class struct {
	ClassID    string
	GymID      string
	Title      string
	StartsAt   time.Time
	Capacity   int
	CreditCost int64
}

// Booking is a member's seat in a class.
type Booking struct {
	BookingID      string
	UserID         credits.UserID
	ClassID        string
	Status         Status
	PaymentMethod  PaymentMethod
	PassID         string
	CreditsUsed    int64
	Allocations    []credits.Allocation
	CreatedAt      time.Time
	CancelledAt    *time.Time
	CancelReason   string
	RefundCredits  int64
	PenaltyCredits int64
	AttendedAt     *time.Time
}

// CancellationQuote is what a cancellation would cost right now.
type CancellationQuote struct {
	BookingID       string           `json:"booking_id"`
	Kind            CancellationKind `json:"kind"`
	HoursUntilStart float64          `json:"hours_until_start"`
	RefundCredits   int64            `json:"refund_credits"`
	PenaltyCredits  int64            `json:"penalty_credits"`
}

// CancellationResult describes a committed cancellation.
type CancellationResult struct {
	Quote         CancellationQuote
	Booking       Booking
	BalanceBefore int64
	BalanceAfter  int64
}

// AttendanceRow is an attended booking joined with its class and gym.
type AttendanceRow struct {
	BookingID     string
	GymID         string
	GymName       string
	ClassID       string
	ClassTitle    string
	StartsAt      time.Time
	CreditsUsed   int64
	PayoutPercent decimal.Decimal
}

// Store is the persistence contract of the booking engine.
type Store interface {
	audit.Writer
	// Credits returns the credit store bound to the same transaction.
	Credits() credits.Store
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetClass(ctx context.Context, classID string) (Class, error)
	// GetClassForUpdate locks the class row until the transaction ends.
	GetClassForUpdate(ctx context.Context, classID string) (Class, error)
	CountConfirmedBookings(ctx context.Context, classID string) (int, error)
	HasConfirmedBooking(ctx context.Context, userID credits.UserID, classID string) (bool, error)
	InsertBooking(ctx context.Context, booking Booking) error
	GetBookingForUpdate(ctx context.Context, bookingID string) (Booking, error)
	UpdateBookingCancellation(ctx context.Context, booking Booking) error
	MarkBookingAttended(ctx context.Context, bookingID string, attendedAt time.Time) error
	ListUserBookings(ctx context.Context, userID credits.UserID, limit int) ([]Booking, error)
	ListAttendance(ctx context.Context, from time.Time, to time.Time) ([]AttendanceRow, error)
}
