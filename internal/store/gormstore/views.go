package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/studiocredits/internal/billing"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/booking"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/scheduler"
	"github.com/MarkoPoloResearchLab/studiocredits/pkg/credits"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
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
	return view.getClass(ctx, classID, false)
}

func (view BookingStore) GetClassForUpdate(ctx context.Context, classID string) (booking.Class, error) {
	return view.getClass(ctx, classID, true)
}

func (view BookingStore) getClass(ctx context.Context, classID string, forUpdate bool) (booking.Class, error) {
	query := view.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Class
	err := query.Where("class_id = ?", classID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return booking.Class{}, wrapStoreError(errorSubjectClass, errorCodeGet, booking.ErrUnknownClass)
	}
	if err != nil {
		return booking.Class{}, wrapStoreError(errorSubjectClass, errorCodeGet, err)
	}
	return booking.Class{
		ClassID:    model.ClassID,
		GymID:      model.GymID,
		Title:      model.Title,
		StartsAt:   model.StartsAt.UTC(),
		Capacity:   model.Capacity,
		CreditCost: model.CreditCost,
	}, nil
}

func (view BookingStore) CountConfirmedBookings(ctx context.Context, classID string) (int, error) {
	var count int64
	err := view.db.WithContext(ctx).
		Model(&Booking{}).
		Where("class_id = ? AND status = ?", classID, string(booking.StatusConfirmed)).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBooking, errorCodeCount, err)
	}
	return int(count), nil
}

func (view BookingStore) HasConfirmedBooking(ctx context.Context, userID credits.UserID, classID string) (bool, error) {
	var count int64
	err := view.db.WithContext(ctx).
		Model(&Booking{}).
		Where("user_id = ? AND class_id = ? AND status = ?", userID.String(), classID, string(booking.StatusConfirmed)).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectBooking, errorCodeCount, err)
	}
	return count > 0, nil
}

func (view BookingStore) InsertBooking(ctx context.Context, created booking.Booking) error {
	model := Booking{
		BookingID:      created.BookingID,
		UserID:         created.UserID.String(),
		ClassID:        created.ClassID,
		Status:         string(created.Status),
		PaymentMethod:  string(created.PaymentMethod),
		PassID:         created.PassID,
		CreditsUsed:    created.CreditsUsed,
		Allocations:    datatypes.NewJSONType(storedAllocations(created.Allocations)),
		CreatedAt:      storedTime(created.CreatedAt),
		CancelledAt:    storedTimePointer(created.CancelledAt),
		CancelReason:   created.CancelReason,
		RefundCredits:  created.RefundCredits,
		PenaltyCredits: created.PenaltyCredits,
		AttendedAt:     storedTimePointer(created.AttendedAt),
	}
	err := view.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintConfirmedSeat) {
		return wrapStoreError(errorSubjectBooking, errorCodeDuplicate, booking.ErrDuplicateBooking)
	}
	if err != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeInsert, err)
	}
	return nil
}

func (view BookingStore) GetBookingForUpdate(ctx context.Context, bookingID string) (booking.Booking, error) {
	var model Booking
	err := view.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("booking_id = ?", bookingID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return booking.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeGet, booking.ErrUnknownBooking)
	}
	if err != nil {
		return booking.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeGet, err)
	}
	return mapBooking(model)
}

func (view BookingStore) UpdateBookingCancellation(ctx context.Context, cancelled booking.Booking) error {
	result := view.db.WithContext(ctx).
		Model(&Booking{}).
		Where("booking_id = ? AND status = ?", cancelled.BookingID, string(booking.StatusConfirmed)).
		Updates(map[string]any{
			"status":          string(cancelled.Status),
			"cancelled_at":    storedTimePointer(cancelled.CancelledAt),
			"cancel_reason":   cancelled.CancelReason,
			"refund_credits":  cancelled.RefundCredits,
			"penalty_credits": cancelled.PenaltyCredits,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := view.GetBookingForUpdate(ctx, cancelled.BookingID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectBooking, errorCodeUpdate, booking.ErrAlreadyCancelled)
	}
	return nil
}

func (view BookingStore) MarkBookingAttended(ctx context.Context, bookingID string, attendedAt time.Time) error {
	result := view.db.WithContext(ctx).
		Model(&Booking{}).
		Where("booking_id = ?", bookingID).
		Updates(map[string]any{
			"status":      string(booking.StatusAttended),
			"attended_at": storedTime(attendedAt),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBooking, errorCodeUpdate, booking.ErrUnknownBooking)
	}
	return nil
}

func (view BookingStore) ListUserBookings(ctx context.Context, userID credits.UserID, limit int) ([]booking.Booking, error) {
	var rows []Booking
	err := view.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC, booking_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBooking, errorCodeList, err)
	}
	listed := make([]booking.Booking, 0, len(rows))
	for _, row := range rows {
		mapped, err := mapBooking(row)
		if err != nil {
			return nil, err
		}
		listed = append(listed, mapped)
	}
	return listed, nil
}

type attendanceRow struct {
	BookingID     string
	GymID         string
	GymName       string
	ClassID       string
	ClassTitle    string
	StartsAt      time.Time
	CreditsUsed   int64
	PayoutPercent decimal.Decimal
}

func (view BookingStore) ListAttendance(ctx context.Context, from time.Time, to time.Time) ([]booking.AttendanceRow, error) {
	var rows []attendanceRow
	err := view.db.WithContext(ctx).
		Table("bookings").
		Select("bookings.booking_id, classes.gym_id, gyms.name AS gym_name, classes.class_id, classes.title AS class_title, classes.starts_at, bookings.credits_used, gyms.payout_percent").
		Joins("JOIN classes ON classes.class_id = bookings.class_id").
		Joins("JOIN gyms ON gyms.gym_id = classes.gym_id").
		Where("bookings.status = ?", string(booking.StatusAttended)).
		Where("classes.starts_at >= ? AND classes.starts_at < ?", storedTime(from), storedTime(to)).
		Order("classes.starts_at ASC, bookings.booking_id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBooking, errorCodeList, err)
	}
	attendance := make([]booking.AttendanceRow, 0, len(rows))
	for _, row := range rows {
		attendance = append(attendance, booking.AttendanceRow{
			BookingID:     row.BookingID,
			GymID:         row.GymID,
			GymName:       row.GymName,
			ClassID:       row.ClassID,
			ClassTitle:    row.ClassTitle,
			StartsAt:      row.StartsAt.UTC(),
			CreditsUsed:   row.CreditsUsed,
			PayoutPercent: row.PayoutPercent,
		})
	}
	return attendance, nil
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
	model := ProcessedPurchase{
		SourceRef: strings.TrimSpace(sourceRef),
		Kind:      kind,
		UserID:    userID.String(),
		CreatedAt: storedTime(time.Now()),
	}
	result := view.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectPurchase, errorCodeClaim, result.Error)
	}
	return result.RowsAffected == 1, nil
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
	var rows []Profile
	err := view.db.WithContext(ctx).
		Where("tier <> '' AND frozen = ?", false).
		Order("user_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectProfile, errorCodeList, err)
	}
	subscribers := make([]credits.Profile, 0, len(rows))
	for _, row := range rows {
		profile, err := mapProfile(row)
		if err != nil {
			return nil, err
		}
		subscribers = append(subscribers, profile)
	}
	return subscribers, nil
}

func storedAllocations(allocations []credits.Allocation) []credits.Allocation {
	stored := make([]credits.Allocation, 0, len(allocations))
	for _, allocation := range allocations {
		stored = append(stored, credits.Allocation{Credits: allocation.Credits, ExpiresAt: storedTimePointer(allocation.ExpiresAt)})
	}
	return stored
}

func mapBooking(model Booking) (booking.Booking, error) {
	userID, err := credits.NewUserID(model.UserID)
	if err != nil {
		return booking.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeInvalid, err)
	}
	var allocations []credits.Allocation
	for _, allocation := range model.Allocations.Data() {
		allocations = append(allocations, credits.Allocation{Credits: allocation.Credits, ExpiresAt: utcPointer(allocation.ExpiresAt)})
	}
	return booking.Booking{
		BookingID:      model.BookingID,
		UserID:         userID,
		ClassID:        model.ClassID,
		Status:         booking.Status(model.Status),
		PaymentMethod:  booking.PaymentMethod(model.PaymentMethod),
		PassID:         model.PassID,
		CreditsUsed:    model.CreditsUsed,
		Allocations:    allocations,
		CreatedAt:      model.CreatedAt.UTC(),
		CancelledAt:    utcPointer(model.CancelledAt),
		CancelReason:   model.CancelReason,
		RefundCredits:  model.RefundCredits,
		PenaltyCredits: model.PenaltyCredits,
		AttendedAt:     utcPointer(model.AttendedAt),
	}, nil
}
