package credits

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// UserID identifies a member.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// Tier is a subscription level.
type Tier string

const (
	TierT1 Tier = "t1"
	TierT2 Tier = "t2"
	TierT3 Tier = "t3"
)

// DefaultTier is used whenever a profile has no readable tier.
const DefaultTier = TierT1

// ParseTier validates a raw tier string.
func ParseTier(raw string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierT1:
		return TierT1, nil
	case TierT2:
		return TierT2, nil
	case TierT3:
		return TierT3, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, raw)
	}
}

// String returns the tier code.
func (tier Tier) String() string {
	return string(tier)
}

// Source tags the provenance of a ledger entry.
type Source string

const (
	SourceMonthly      Source = "monthly"
	SourceSpend        Source = "spend"
	SourceRolloverTrim Source = "rollover_trim"
)

// TopUpSource tags a purchased top-up.
func TopUpSource(sourceRef string) Source {
	return Source(sourcePrefixTopUp + sourceDelimiter + strings.TrimSpace(sourceRef))
}

// PenaltySource tags a penalty.
func PenaltySource(reason string) Source {
	return Source(sourcePrefixPenalty + sourceDelimiter + strings.TrimSpace(reason))
}

// RefundSource tags a refund.
func RefundSource(reason string) Source {
	return Source(sourcePrefixRefund + sourceDelimiter + strings.TrimSpace(reason))
}

// String returns the raw tag.
func (source Source) String() string {
	return string(source)
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	EntryID   string
	UserID    UserID
	Delta     int64
	Source    Source
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// ActiveOn reports whether the entry still counts on the given day.
func (entry Entry) ActiveOn(today time.Time) bool {
	if entry.ExpiresAt == nil {
		return true
	}
	return !entry.ExpiresAt.Before(today)
}

// EntryInput is a validated entry waiting to be appended.
type EntryInput struct {
	userID    UserID
	delta     int64
	source    Source
	expiresAt *time.Time
	createdAt time.Time
}

// NewEntryInput validates the fields of an entry to append.
func NewEntryInput(userID UserID, delta int64, source Source, expiresAt *time.Time, createdAt time.Time) (EntryInput, error) {
	if userID.String() == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if delta == 0 {
		return EntryInput{}, fmt.Errorf("%w: delta must be non-zero", ErrInvalidCredits)
	}
	if strings.TrimSpace(source.String()) == "" {
		return EntryInput{}, fmt.Errorf("%w: empty source", ErrInvalidSource)
	}
	var expiry *time.Time
	if expiresAt != nil {
		day := DateOf(*expiresAt)
		expiry = &day
	}
	return EntryInput{
		userID:    userID,
		delta:     delta,
		source:    source,
		expiresAt: expiry,
		createdAt: createdAt.UTC(),
	}, nil
}

// UserID returns the owner.
func (input EntryInput) UserID() UserID { return input.userID }

// Delta returns the signed credit change.
func (input EntryInput) Delta() int64 { return input.delta }

// Source returns the provenance tag.
func (input EntryInput) Source() Source { return input.source }

// ExpiresAt returns the expiration date, nil when the entry never expires.
func (input EntryInput) ExpiresAt() *time.Time { return input.expiresAt }

// CreatedAt returns the insertion timestamp.
func (input EntryInput) CreatedAt() time.Time { return input.createdAt }

// Profile is the subset of a member profile the engine reads.
type Profile struct {
	UserID             UserID
	Email              string
	Tier               Tier
	Frozen             bool
	PaymentCustomerRef string
}

// TouristPass is a time-boxed, class-count-limited pass.
type TouristPass struct {
	PassID       string
	UserID       UserID
	StartsAt     time.Time
	EndsAt       time.Time
	ClassesTotal int
	ClassesUsed  int
	SourceRef    string
	CreatedAt    time.Time
}

// ActiveAt reports whether the pass can pay for a class at the given instant.
func (pass TouristPass) ActiveAt(now time.Time) bool {
	return !now.Before(pass.StartsAt) && !now.After(pass.EndsAt) && pass.ClassesUsed < pass.ClassesTotal
}

// Remaining returns the unused class count.
func (pass TouristPass) Remaining() int {
	return pass.ClassesTotal - pass.ClassesUsed
}

// PassSummary is what callers see of an active pass.
type PassSummary struct {
	PassID    string    `json:"pass_id"`
	Remaining int       `json:"remaining"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Allocation records credits drawn from one ledger row.
type Allocation struct {
	Credits   int64      `json:"credits"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// SpendResult describes a committed FIFO spend.
type SpendResult struct {
	Amount      int64
	Allocations []Allocation
}

// GrantResult describes a committed monthly grant.
type GrantResult struct {
	BalanceBefore int64
	Trimmed       int64
	Granted       int64
	BalanceAfter  int64
}

// ExpiringBucket is the positive net balance expiring on one date.
type ExpiringBucket struct {
	ExpiresAt time.Time `json:"expires_at"`
	Credits   int64     `json:"credits"`
}

// Breakdown splits the active balance by expiration.
type Breakdown struct {
	Total       int64            `json:"total"`
	Expiring    []ExpiringBucket `json:"expiring"`
	NonExpiring int64            `json:"non_expiring"`
}

// LedgerStore persists append-only ledger entries.
type LedgerStore interface {
	// LockUser serializes read-decide-write sequences for one user until the transaction ends.
	LockUser(ctx context.Context, userID UserID) error
	// InsertEntries appends all entries or none.
	InsertEntries(ctx context.Context, entries []EntryInput) error
	// ListActiveEntries returns entries not expired on today, ordered by expires_at
	// ascending with nulls last, then created_at ascending.
	ListActiveEntries(ctx context.Context, userID UserID, today time.Time) ([]Entry, error)
	ListEntries(ctx context.Context, userID UserID, before time.Time, limit int) ([]Entry, error)
}

// PassStore persists tourist passes.
type PassStore interface {
	InsertTouristPass(ctx context.Context, pass TouristPass) error
	FindActiveTouristPass(ctx context.Context, userID UserID, now time.Time) (TouristPass, error)
	// GetTouristPassForUpdate reads a pass and locks it until the transaction ends.
	GetTouristPassForUpdate(ctx context.Context, passID string) (TouristPass, error)
	// IncrementTouristPassUsage bumps classes_used by one only when it still equals expectedUsed.
	IncrementTouristPassUsage(ctx context.Context, passID string, expectedUsed int) error
}

// ProfileStore reads member profiles.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID UserID) (Profile, error)
	GetProfileByEmail(ctx context.Context, email string) (Profile, error)
	UpdateSubscription(ctx context.Context, userID UserID, tier Tier, paymentCustomerRef string) error
}

// Store is the persistence contract used by Service.
type Store interface {
	LedgerStore
	PassStore
	ProfileStore
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
}

// DateOf truncates an instant to its UTC calendar date.
func DateOf(instant time.Time) time.Time {
	year, month, day := instant.UTC().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// GrantPeriod names the billing cycle containing instant, formatted YYYY-MM.
func GrantPeriod(instant time.Time) string {
	return instant.UTC().Format("2006-01")
}
