// Package pgstore persists the ledger, pass, profile and grant-run contracts over a pgx pool.
// It reads and writes the schema created by gormstore.AutoMigrate.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/studiocredits/internal/audit"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/scheduler"
	"github.com/MarkoPoloResearchLab/studiocredits/pkg/credits"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode = "23505"
	errorOperationStore   = "store"
	errorSubjectAudit     = "audit"
	errorSubjectEntry     = "entry"
	errorSubjectGrantRun  = "grant_run"
	errorSubjectLock      = "lock"
	errorSubjectPass      = "tourist_pass"
	errorSubjectProfile   = "profile"
	errorSubjectTx        = "transaction"
	errorCodeBegin        = "begin"
	errorCodeClaim        = "claim"
	errorCodeCommit       = "commit"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeIncrement    = "increment"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLock         = "lock"
	errorCodeUpdate       = "update"

	sqlAdvisoryLock = `select pg_advisory_xact_lock(hashtext($1))`

	sqlInsertEntry = `
		insert into credit_ledger(entry_id, user_id, delta, source, expires_at, created_at)
		values($1, $2, $3, $4, $5, $6)
	`

	sqlListActiveEntries = `
		select entry_id::text, user_id, delta, source, expires_at, created_at
		from credit_ledger
		where user_id = $1 and (expires_at is null or expires_at >= $2)
		order by expires_at asc nulls last, created_at asc, entry_id asc
	`

	sqlListEntriesBefore = `
		select entry_id::text, user_id, delta, source, expires_at, created_at
		from credit_ledger
		where user_id = $1 and created_at < $2
		order by created_at desc, entry_id desc
		limit $3
	`

	sqlInsertPass = `
		insert into tourist_passes(pass_id, user_id, starts_at, ends_at, classes_total, classes_used, source_ref, created_at)
		values($1, $2, $3, $4, $5, $6, $7, $8)
	`

	sqlPassColumns = `pass_id::text, user_id, starts_at, ends_at, classes_total, classes_used, source_ref, created_at`

	sqlFindActivePass = `
		select ` + sqlPassColumns + `
		from tourist_passes
		where user_id = $1 and starts_at <= $2 and ends_at >= $2 and classes_used < classes_total
		order by created_at desc, pass_id desc
		limit 1
	`

	sqlSelectPassForUpdate = `
		select ` + sqlPassColumns + `
		from tourist_passes
		where pass_id = $1
		for update
	`

	sqlIncrementPassUsage = `
		update tourist_passes
		set classes_used = classes_used + 1
		where pass_id = $1 and classes_used = $2 and classes_used < classes_total
	`

	sqlProfileColumns = `user_id, coalesce(email, ''), tier, frozen, coalesce(payment_customer_ref, '')`

	sqlSelectProfile = `select ` + sqlProfileColumns + ` from profiles where user_id = $1`

	sqlSelectProfileByEmail = `select ` + sqlProfileColumns + ` from profiles where lower(email) = $1 order by user_id limit 1`

	sqlUpdateSubscription = `
		update profiles
		set tier = $2, payment_customer_ref = coalesce(nullif($3, ''), payment_customer_ref), updated_at = now()
		where user_id = $1
	`

	sqlListSubscribers = `select ` + sqlProfileColumns + ` from profiles where tier <> '' and not frozen order by user_id`

	sqlClaimGrantRun = `
		insert into grant_runs(user_id, period, created_at) values($1, $2, now())
		on conflict do nothing
	`

	sqlInsertAudit = `
		insert into audit_log(audit_id, user_id, action, credits_before, credits_after, credits_changed, metadata, created_at)
		values($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
	`
)

// querier is the subset shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, batch *pgx.Batch) pgx.BatchResults
}

// queries implements every statement against either the pool or an open transaction.
type queries struct {
	db querier
}

// Store implements credits.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements credits.Store for an active transaction.
type TxStore struct {
	queries
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

func (store *Store) begin(ctx context.Context) (*TxStore, error) {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, wrapStoreError(errorSubjectTx, errorCodeBegin, err)
	}
	return &TxStore{queries: queries{db: tx}, tx: tx}, nil
}

func (store *TxStore) begin(ctx context.Context) (*TxStore, error) {
	savepoint, err := store.tx.Begin(ctx)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTx, errorCodeBegin, err)
	}
	return &TxStore{queries: queries{db: savepoint}, tx: savepoint}, nil
}

func runTx(ctx context.Context, transactionStore *TxStore, fn func(ctx context.Context, txStore *TxStore) error) error {
	if err := fn(ctx, transactionStore); err != nil {
		_ = transactionStore.tx.Rollback(ctx)
		return err
	}
	if err := transactionStore.tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	transactionStore, err := store.begin(ctx)
	if err != nil {
		return err
	}
	return runTx(ctx, transactionStore, func(ctx context.Context, txStore *TxStore) error {
		return fn(ctx, txStore)
	})
}

// WithTx on an open transaction runs fn inside a savepoint.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	transactionStore, err := store.begin(ctx)
	if err != nil {
		return err
	}
	return runTx(ctx, transactionStore, func(ctx context.Context, txStore *TxStore) error {
		return fn(ctx, txStore)
	})
}

// Credits returns the store as a credits.Store.
func (store *Store) Credits() credits.Store { return store }

// Credits returns the transaction as a credits.Store.
func (store *TxStore) Credits() credits.Store { return store }

// Scheduler returns the scheduler.Store view.
func (store *Store) Scheduler() scheduler.Store {
	return SchedulerStore{queries: store.queries, ledger: store, begin: store.begin}
}

func (q queries) LockUser(ctx context.Context, userID credits.UserID) error {
	if _, err := q.db.Exec(ctx, sqlAdvisoryLock, "user:"+userID.String()); err != nil {
		return wrapStoreError(errorSubjectLock, errorCodeLock, err)
	}
	return nil
}

func (q queries) InsertEntries(ctx context.Context, inputs []credits.EntryInput) error {
	if len(inputs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, input := range inputs {
		batch.Queue(sqlInsertEntry,
			uuid.NewString(),
			input.UserID().String(),
			input.Delta(),
			input.Source().String(),
			input.ExpiresAt(),
			input.CreatedAt(),
		)
	}
	// A batch outside a transaction still runs as one implicit transaction.
	if err := q.db.SendBatch(ctx, batch).Close(); err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (q queries) ListActiveEntries(ctx context.Context, userID credits.UserID, today time.Time) ([]credits.Entry, error) {
	rows, err := q.db.Query(ctx, sqlListActiveEntries, userID.String(), credits.DateOf(today))
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return scanEntries(rows)
}

func (q queries) ListEntries(ctx context.Context, userID credits.UserID, before time.Time, limit int) ([]credits.Entry, error) {
	rows, err := q.db.Query(ctx, sqlListEntriesBefore, userID.String(), before.UTC(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return scanEntries(rows)
}

func (q queries) InsertTouristPass(ctx context.Context, pass credits.TouristPass) error {
	_, err := q.db.Exec(ctx, sqlInsertPass,
		pass.PassID,
		pass.UserID.String(),
		pass.StartsAt.UTC(),
		pass.EndsAt.UTC(),
		pass.ClassesTotal,
		pass.ClassesUsed,
		pass.SourceRef,
		pass.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectPass, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPass, errorCodeInsert, err)
	}
	return nil
}

func (q queries) FindActiveTouristPass(ctx context.Context, userID credits.UserID, now time.Time) (credits.TouristPass, error) {
	pass, err := scanPass(q.db.QueryRow(ctx, sqlFindActivePass, userID.String(), now.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.TouristPass{}, credits.ErrNoActiveTouristPass
	}
	if err != nil {
		return credits.TouristPass{}, wrapStoreError(errorSubjectPass, errorCodeGet, err)
	}
	return pass, nil
}

func (q queries) GetTouristPassForUpdate(ctx context.Context, passID string) (credits.TouristPass, error) {
	if _, err := uuid.Parse(passID); err != nil {
		return credits.TouristPass{}, wrapStoreError(errorSubjectPass, errorCodeGet, credits.ErrUnknownTouristPass)
	}
	pass, err := scanPass(q.db.QueryRow(ctx, sqlSelectPassForUpdate, passID))
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.TouristPass{}, wrapStoreError(errorSubjectPass, errorCodeGet, credits.ErrUnknownTouristPass)
	}
	if err != nil {
		return credits.TouristPass{}, wrapStoreError(errorSubjectPass, errorCodeGet, err)
	}
	return pass, nil
}

func (q queries) IncrementTouristPassUsage(ctx context.Context, passID string, expectedUsed int) error {
	tag, err := q.db.Exec(ctx, sqlIncrementPassUsage, passID, expectedUsed)
	if err != nil {
		return wrapStoreError(errorSubjectPass, errorCodeIncrement, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := q.GetTouristPassForUpdate(ctx, passID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectPass, errorCodeIncrement, credits.ErrTouristPassExhausted)
	}
	return nil
}

func (q queries) GetProfile(ctx context.Context, userID credits.UserID) (credits.Profile, error) {
	profile, err := scanProfile(q.db.QueryRow(ctx, sqlSelectProfile, userID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Profile{}, wrapStoreError(errorSubjectProfile, errorCodeGet, credits.ErrUnknownProfile)
	}
	if err != nil {
		return credits.Profile{}, wrapStoreError(errorSubjectProfile, errorCodeGet, err)
	}
	return profile, nil
}

func (q queries) GetProfileByEmail(ctx context.Context, email string) (credits.Profile, error) {
	profile, err := scanProfile(q.db.QueryRow(ctx, sqlSelectProfileByEmail, strings.ToLower(strings.TrimSpace(email))))
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Profile{}, wrapStoreError(errorSubjectProfile, errorCodeGet, credits.ErrUnknownProfile)
	}
	if err != nil {
		return credits.Profile{}, wrapStoreError(errorSubjectProfile, errorCodeGet, err)
	}
	return profile, nil
}

func (q queries) UpdateSubscription(ctx context.Context, userID credits.UserID, tier credits.Tier, paymentCustomerRef string) error {
	tag, err := q.db.Exec(ctx, sqlUpdateSubscription, userID.String(), tier.String(), strings.TrimSpace(paymentCustomerRef))
	if err != nil {
		return wrapStoreError(errorSubjectProfile, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectProfile, errorCodeUpdate, credits.ErrUnknownProfile)
	}
	return nil
}

func (q queries) ListSubscribers(ctx context.Context) ([]credits.Profile, error) {
	rows, err := q.db.Query(ctx, sqlListSubscribers)
	if err != nil {
		return nil, wrapStoreError(errorSubjectProfile, errorCodeList, err)
	}
	defer rows.Close()
	var subscribers []credits.Profile
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectProfile, errorCodeInvalid, err)
		}
		subscribers = append(subscribers, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectProfile, errorCodeList, err)
	}
	return subscribers, nil
}

func (q queries) ClaimGrantRun(ctx context.Context, userID credits.UserID, period string) (bool, error) {
	tag, err := q.db.Exec(ctx, sqlClaimGrantRun, userID.String(), period)
	if err != nil {
		return false, wrapStoreError(errorSubjectGrantRun, errorCodeClaim, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q queries) InsertAuditEntry(ctx context.Context, entry audit.Entry) error {
	metadata := []byte("{}")
	if len(entry.Metadata) > 0 {
		encoded, err := json.Marshal(entry.Metadata)
		if err != nil {
			return wrapStoreError(errorSubjectAudit, errorCodeInvalid, err)
		}
		metadata = encoded
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := q.db.Exec(ctx, sqlInsertAudit,
		uuid.NewString(),
		entry.UserID.String(),
		string(entry.Action),
		entry.CreditsBefore,
		entry.CreditsAfter,
		entry.CreditsChanged(),
		string(metadata),
		createdAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectAudit, errorCodeInsert, err)
	}
	return nil
}

// SchedulerStore implements scheduler.Store over the pool or a transaction.
type SchedulerStore struct {
	queries
	ledger credits.Store
	begin  func(ctx context.Context) (*TxStore, error)
}

// Scheduler returns the scheduler.Store view bound to the transaction.
func (store *TxStore) Scheduler() scheduler.Store {
	return SchedulerStore{queries: store.queries, ledger: store, begin: store.begin}
}

func (view SchedulerStore) Credits() credits.Store { return view.ledger }

func (view SchedulerStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore scheduler.Store) error) error {
	transactionStore, err := view.begin(ctx)
	if err != nil {
		return err
	}
	return runTx(ctx, transactionStore, func(ctx context.Context, txStore *TxStore) error {
		return fn(ctx, txStore.Scheduler())
	})
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func scanEntries(rows pgx.Rows) ([]credits.Entry, error) {
	defer rows.Close()
	var entries []credits.Entry
	for rows.Next() {
		var (
			entryID   string
			userValue string
			delta     int64
			source    string
			expiresAt *time.Time
			createdAt time.Time
		)
		if err := rows.Scan(&entryID, &userValue, &delta, &source, &expiresAt, &createdAt); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		userID, err := credits.NewUserID(userValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		if expiresAt != nil {
			value := expiresAt.UTC()
			expiresAt = &value
		}
		entries = append(entries, credits.Entry{
			EntryID:   entryID,
			UserID:    userID,
			Delta:     delta,
			Source:    credits.Source(source),
			ExpiresAt: expiresAt,
			CreatedAt: createdAt.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func scanPass(row pgx.Row) (credits.TouristPass, error) {
	var (
		pass      credits.TouristPass
		userValue string
	)
	err := row.Scan(&pass.PassID, &userValue, &pass.StartsAt, &pass.EndsAt, &pass.ClassesTotal, &pass.ClassesUsed, &pass.SourceRef, &pass.CreatedAt)
	if err != nil {
		return credits.TouristPass{}, err
	}
	userID, err := credits.NewUserID(userValue)
	if err != nil {
		return credits.TouristPass{}, err
	}
	pass.UserID = userID
	pass.StartsAt = pass.StartsAt.UTC()
	pass.EndsAt = pass.EndsAt.UTC()
	pass.CreatedAt = pass.CreatedAt.UTC()
	return pass, nil
}

func scanProfile(row pgx.Row) (credits.Profile, error) {
	var (
		profile   credits.Profile
		userValue string
		tier      string
	)
	if err := row.Scan(&userValue, &profile.Email, &tier, &profile.Frozen, &profile.PaymentCustomerRef); err != nil {
		return credits.Profile{}, err
	}
	userID, err := credits.NewUserID(userValue)
	if err != nil {
		return credits.Profile{}, err
	}
	profile.UserID = userID
	profile.Tier = credits.Tier(tier)
	return profile, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
