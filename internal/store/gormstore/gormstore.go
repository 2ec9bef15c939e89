// Package gormstore persists every store contract through GORM on PostgreSQL or SQLite.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/studiocredits/internal/audit"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/billing"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/booking"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/scheduler"
	"github.com/MarkoPoloResearchLab/studiocredits/pkg/credits"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dialectPostgres             = "postgres"
	defaultMetadataJSON         = "{}"
	pgUniqueViolationCode       = "23505"
	sqliteConstraintCode        = 19
	constraintConfirmedSeat     = "uniq_bookings_confirmed_seat"
	errorOperationStore         = "store"
	errorSubjectAudit           = "audit"
	errorSubjectBooking         = "booking"
	errorSubjectClass           = "class"
	errorSubjectEntry           = "entry"
	errorSubjectGrantRun        = "grant_run"
	errorSubjectGym             = "gym"
	errorSubjectLock            = "lock"
	errorSubjectPass            = "tourist_pass"
	errorSubjectProfile         = "profile"
	errorSubjectPurchase        = "purchase"
	errorCodeClaim              = "claim"
	errorCodeCount              = "count"
	errorCodeDuplicate          = "duplicate"
	errorCodeGet                = "get"
	errorCodeIncrement          = "increment"
	errorCodeInsert             = "insert"
	errorCodeInvalid            = "invalid"
	errorCodeList               = "list"
	errorCodeLock               = "lock"
	errorCodeUpdate             = "update"
	errorCodeUpsert             = "upsert"
	advisoryLockStatement       = "SELECT pg_advisory_xact_lock(hashtext(?))"
	activeEntriesOrderStatement = "expires_at IS NULL, expires_at ASC, created_at ASC, entry_id ASC"
)

// Store implements credits.Store using GORM. Booking, Billing and Scheduler return views for the other contracts.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (store *Store) withTx(ctx context.Context, fn func(ctx context.Context, txStore *Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// WithTx executes fn within a transaction. Nested calls run as savepoints.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.withTx(ctx, func(ctx context.Context, txStore *Store) error {
		return fn(ctx, txStore)
	})
}

// Credits returns the store as a credits.Store.
func (store *Store) Credits() credits.Store {
	return store
}

// LockUser takes a transaction-scoped advisory lock on PostgreSQL.
// On SQLite it is a no-op: transactions run one at a time only because the pool is capped at a single
// open connection (cmd/studiod sets SetMaxOpenConns(1)). Without that cap concurrent writers fail with SQLITE_BUSY.
func (store *Store) LockUser(ctx context.Context, userID credits.UserID) error {
	if store.db.Dialector.Name() != dialectPostgres {
		return nil
	}
	if err := store.db.WithContext(ctx).Exec(advisoryLockStatement, "user:"+userID.String()).Error; err != nil {
		return wrapStoreError(errorSubjectLock, errorCodeLock, err)
	}
	return nil
}

func (store *Store) InsertEntries(ctx context.Context, inputs []credits.EntryInput) error {
	if len(inputs) == 0 {
		return nil
	}
	rows := make([]LedgerEntry, 0, len(inputs))
	for _, input := range inputs {
		rows = append(rows, LedgerEntry{
			UserID:    input.UserID().String(),
			Delta:     input.Delta(),
			Source:    input.Source().String(),
			ExpiresAt: storedTimePointer(input.ExpiresAt()),
			CreatedAt: storedTime(input.CreatedAt()),
		})
	}
	if err := store.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListActiveEntries(ctx context.Context, userID credits.UserID, today time.Time) ([]credits.Entry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Where("(expires_at IS NULL OR expires_at >= ?)", storedTime(credits.DateOf(today))).
		Order(activeEntriesOrderStatement).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapLedgerEntries(rows)
}

func (store *Store) ListEntries(ctx context.Context, userID credits.UserID, before time.Time, limit int) ([]credits.Entry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID.String(), storedTime(before)).
		Order("created_at DESC, entry_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapLedgerEntries(rows)
}

func (store *Store) InsertTouristPass(ctx context.Context, pass credits.TouristPass) error {
	model := TouristPass{
		PassID:       pass.PassID,
		UserID:       pass.UserID.String(),
		StartsAt:     storedTime(pass.StartsAt),
		EndsAt:       storedTime(pass.EndsAt),
		ClassesTotal: pass.ClassesTotal,
		ClassesUsed:  pass.ClassesUsed,
		SourceRef:    pass.SourceRef,
		CreatedAt:    storedTime(pass.CreatedAt),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, "") {
		return wrapStoreError(errorSubjectPass, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPass, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) FindActiveTouristPass(ctx context.Context, userID credits.UserID, now time.Time) (credits.TouristPass, error) {
	instant := storedTime(now)
	var model TouristPass
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND starts_at <= ? AND ends_at >= ? AND classes_used < classes_total", userID.String(), instant, instant).
		Order("created_at DESC, pass_id DESC").
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.TouristPass{}, credits.ErrNoActiveTouristPass
	}
	if err != nil {
		return credits.TouristPass{}, wrapStoreError(errorSubjectPass, errorCodeGet, err)
	}
	return mapTouristPass(model)
}

func (store *Store) GetTouristPassForUpdate(ctx context.Context, passID string) (credits.TouristPass, error) {
	var model TouristPass
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("pass_id = ?", passID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.TouristPass{}, wrapStoreError(errorSubjectPass, errorCodeGet, credits.ErrUnknownTouristPass)
	}
	if err != nil {
		return credits.TouristPass{}, wrapStoreError(errorSubjectPass, errorCodeGet, err)
	}
	return mapTouristPass(model)
}

func (store *Store) IncrementTouristPassUsage(ctx context.Context, passID string, expectedUsed int) error {
	result := store.db.WithContext(ctx).
		Model(&TouristPass{}).
		Where("pass_id = ? AND classes_used = ? AND classes_used < classes_total", passID, expectedUsed).
		Update("classes_used", gorm.Expr("classes_used + 1"))
	if result.Error != nil {
		return wrapStoreError(errorSubjectPass, errorCodeIncrement, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetTouristPassForUpdate(ctx, passID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectPass, errorCodeIncrement, credits.ErrTouristPassExhausted)
	}
	return nil
}

func (store *Store) GetProfile(ctx context.Context, userID credits.UserID) (credits.Profile, error) {
	var model Profile
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Profile{}, wrapStoreError(errorSubjectProfile, errorCodeGet, credits.ErrUnknownProfile)
	}
	if err != nil {
		return credits.Profile{}, wrapStoreError(errorSubjectProfile, errorCodeGet, err)
	}
	return mapProfile(model)
}

func (store *Store) GetProfileByEmail(ctx context.Context, email string) (credits.Profile, error) {
	normalized := strings.ToLower(strings.TrimSpace(email))
	if normalized == "" {
		return credits.Profile{}, wrapStoreError(errorSubjectProfile, errorCodeGet, credits.ErrUnknownProfile)
	}
	var model Profile
	err := store.db.WithContext(ctx).Where("LOWER(email) = ?", normalized).Order("user_id").Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Profile{}, wrapStoreError(errorSubjectProfile, errorCodeGet, credits.ErrUnknownProfile)
	}
	if err != nil {
		return credits.Profile{}, wrapStoreError(errorSubjectProfile, errorCodeGet, err)
	}
	return mapProfile(model)
}

func (store *Store) UpdateSubscription(ctx context.Context, userID credits.UserID, tier credits.Tier, paymentCustomerRef string) error {
	updates := map[string]any{"tier": tier.String(), "updated_at": storedTime(time.Now())}
	if reference := strings.TrimSpace(paymentCustomerRef); reference != "" {
		updates["payment_customer_ref"] = reference
	}
	result := store.db.WithContext(ctx).Model(&Profile{}).Where("user_id = ?", userID.String()).Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectProfile, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectProfile, errorCodeUpdate, credits.ErrUnknownProfile)
	}
	return nil
}

// UpsertProfile creates or replaces a profile.
func (store *Store) UpsertProfile(ctx context.Context, profile credits.Profile) error {
	model := Profile{
		UserID:             profile.UserID.String(),
		Email:              strings.TrimSpace(profile.Email),
		Tier:               profile.Tier.String(),
		Frozen:             profile.Frozen,
		PaymentCustomerRef: profile.PaymentCustomerRef,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"email", "tier", "frozen", "payment_customer_ref", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectProfile, errorCodeUpsert, err)
	}
	return nil
}

// UpsertGym creates or replaces a gym.
func (store *Store) UpsertGym(ctx context.Context, gym booking.Gym) error {
	model := Gym{GymID: gym.GymID, Name: gym.Name, PayoutPercent: gym.PayoutPercent}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "gym_id"}}, UpdateAll: true}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectGym, errorCodeUpsert, err)
	}
	return nil
}

// UpsertClass creates or replaces a class.
func (store *Store) UpsertClass(ctx context.Context, class booking.Class) error {
	model := Class{
		ClassID:    class.ClassID,
		GymID:      class.GymID,
		Title:      class.Title,
		StartsAt:   storedTime(class.StartsAt),
		Capacity:   class.Capacity,
		CreditCost: class.CreditCost,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "class_id"}}, UpdateAll: true}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectClass, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) InsertAuditEntry(ctx context.Context, entry audit.Entry) error {
	metadata := datatypes.JSON([]byte(defaultMetadataJSON))
	if len(entry.Metadata) > 0 {
		encoded, err := json.Marshal(entry.Metadata)
		if err != nil {
			return wrapStoreError(errorSubjectAudit, errorCodeInvalid, err)
		}
		metadata = datatypes.JSON(encoded)
	}
	model := AuditLog{
		UserID:         entry.UserID.String(),
		Action:         string(entry.Action),
		CreditsBefore:  entry.CreditsBefore,
		CreditsAfter:   entry.CreditsAfter,
		CreditsChanged: entry.CreditsChanged(),
		Metadata:       metadata,
		CreatedAt:      storedTime(entry.CreatedAt),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectAudit, errorCodeInsert, err)
	}
	return nil
}

// ListAuditEntries returns a member's audit trail, newest first.
func (store *Store) ListAuditEntries(ctx context.Context, userID credits.UserID, limit int) ([]audit.Entry, error) {
	var rows []AuditLog
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAudit, errorCodeList, err)
	}
	entries := make([]audit.Entry, 0, len(rows))
	for _, row := range rows {
		parsedUserID, err := credits.NewUserID(row.UserID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAudit, errorCodeInvalid, err)
		}
		var metadata map[string]any
		if len(row.Metadata) > 0 {
			if err := json.Unmarshal(row.Metadata, &metadata); err != nil {
				return nil, wrapStoreError(errorSubjectAudit, errorCodeInvalid, err)
			}
		}
		entries = append(entries, audit.Entry{
			UserID:        parsedUserID,
			Action:        audit.Action(row.Action),
			CreditsBefore: row.CreditsBefore,
			CreditsAfter:  row.CreditsAfter,
			Metadata:      metadata,
			CreatedAt:     row.CreatedAt.UTC(),
		})
	}
	return entries, nil
}

// ClaimGrantRun records a monthly grant claim for userID and period.
func (store *Store) ClaimGrantRun(ctx context.Context, userID credits.UserID, period string) (bool, error) {
	model := GrantRun{UserID: userID.String(), Period: period, CreatedAt: storedTime(time.Now())}
	result := store.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectGrantRun, errorCodeClaim, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Booking returns the booking.Store view.
func (store *Store) Booking() booking.Store {
	return BookingStore{Store: store}
}

// Billing returns the billing.Store view.
func (store *Store) Billing() billing.Store {
	return BillingStore{Store: store}
}

// Scheduler returns the scheduler.Store view.
func (store *Store) Scheduler() scheduler.Store {
	return SchedulerStore{Store: store}
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

// storedTime drops sub-second precision so SQLite text timestamps compare in order.
func storedTime(value time.Time) time.Time {
	if value.IsZero() {
		return time.Now().UTC().Truncate(time.Second)
	}
	return value.UTC().Truncate(time.Second)
}

func storedTimePointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	stored := value.UTC().Truncate(time.Second)
	return &stored
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	converted := value.UTC()
	return &converted
}

func mapLedgerEntries(rows []LedgerEntry) ([]credits.Entry, error) {
	entries := make([]credits.Entry, 0, len(rows))
	for _, row := range rows {
		userID, err := credits.NewUserID(row.UserID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, credits.Entry{
			EntryID:   row.EntryID,
			UserID:    userID,
			Delta:     row.Delta,
			Source:    credits.Source(row.Source),
			ExpiresAt: utcPointer(row.ExpiresAt),
			CreatedAt: row.CreatedAt.UTC(),
		})
	}
	return entries, nil
}

func mapTouristPass(model TouristPass) (credits.TouristPass, error) {
	userID, err := credits.NewUserID(model.UserID)
	if err != nil {
		return credits.TouristPass{}, wrapStoreError(errorSubjectPass, errorCodeInvalid, err)
	}
	return credits.TouristPass{
		PassID:       model.PassID,
		UserID:       userID,
		StartsAt:     model.StartsAt.UTC(),
		EndsAt:       model.EndsAt.UTC(),
		ClassesTotal: model.ClassesTotal,
		ClassesUsed:  model.ClassesUsed,
		SourceRef:    model.SourceRef,
		CreatedAt:    model.CreatedAt.UTC(),
	}, nil
}

func mapProfile(model Profile) (credits.Profile, error) {
	userID, err := credits.NewUserID(model.UserID)
	if err != nil {
		return credits.Profile{}, wrapStoreError(errorSubjectProfile, errorCodeInvalid, err)
	}
	return credits.Profile{
		UserID:             userID,
		Email:              model.Email,
		Tier:               credits.Tier(model.Tier),
		Frozen:             model.Frozen,
		PaymentCustomerRef: model.PaymentCustomerRef,
	}, nil
}

// isUniqueViolation reports a unique-key conflict. A non-empty constraint narrows the PostgreSQL match.
func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && (constraint == "" || pgErr.ConstraintName == constraint)
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
