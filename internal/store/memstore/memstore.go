// Package memstore keeps every store contract in process memory.
// Transactions are serialized by one mutex and roll back by restoring a snapshot.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/studiocredits/internal/audit"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/billing"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/booking"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/scheduler"
	"github.com/MarkoPoloResearchLab/studiocredits/pkg/credits"
	"github.com/google/uuid"
)

type state struct {
	entries      []credits.Entry
	passes       map[string]credits.TouristPass
	profiles     map[credits.UserID]credits.Profile
	gyms         map[string]booking.Gym
	classes      map[string]booking.Class
	bookings     map[string]booking.Booking
	bookingOrder []string
	auditEntries []audit.Entry
	purchases    map[string]string
	grantRuns    map[string]struct{}
}

func newState() *state {
	return &state{
		passes:    make(map[string]credits.TouristPass),
		profiles:  make(map[credits.UserID]credits.Profile),
		gyms:      make(map[string]booking.Gym),
		classes:   make(map[string]booking.Class),
		bookings:  make(map[string]booking.Booking),
		purchases: make(map[string]string),
		grantRuns: make(map[string]struct{}),
	}
}

func (current *state) clone() *state {
	cloned := newState()
	cloned.entries = append([]credits.Entry(nil), current.entries...)
	for key, value := range current.passes {
		cloned.passes[key] = value
	}
	for key, value := range current.profiles {
		cloned.profiles[key] = value
	}
	for key, value := range current.gyms {
		cloned.gyms[key] = value
	}
	for key, value := range current.classes {
		cloned.classes[key] = value
	}
	for key, value := range current.bookings {
		cloned.bookings[key] = value
	}
	cloned.bookingOrder = append([]string(nil), current.bookingOrder...)
	cloned.auditEntries = append([]audit.Entry(nil), current.auditEntries...)
	for key, value := range current.purchases {
		cloned.purchases[key] = value
	}
	for key := range current.grantRuns {
		cloned.grantRuns[key] = struct{}{}
	}
	return cloned
}

type shared struct {
	mu    sync.Mutex
	state *state
}

// Store implements credits.Store. Booking, Billing and Scheduler return views for the other contracts.
type Store struct {
	shared *shared
	inTx   bool
}

// New returns an empty Store.
func New() *Store {
	return &Store{shared: &shared{state: newState()}}
}

func (store *Store) read(fn func(current *state) error) error {
	if !store.inTx {
		store.shared.mu.Lock()
		defer store.shared.mu.Unlock()
	}
	return fn(store.shared.state)
}

func (store *Store) withTx(ctx context.Context, fn func(ctx context.Context, txStore *Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if store.inTx {
		snapshot := store.shared.state.clone()
		if err := fn(ctx, store); err != nil {
			store.shared.state = snapshot
			return err
		}
		return nil
	}
	store.shared.mu.Lock()
	defer store.shared.mu.Unlock()
	snapshot := store.shared.state.clone()
	if err := fn(ctx, &Store{shared: store.shared, inTx: true}); err != nil {
		store.shared.state = snapshot
		return err
	}
	return nil
}

// WithTx runs fn inside a serialized transaction; nested calls behave like savepoints.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.withTx(ctx, func(ctx context.Context, txStore *Store) error {
		return fn(ctx, txStore)
	})
}

// Credits returns the store as a credits.Store.
func (store *Store) Credits() credits.Store {
	return store
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

// LockUser is a no-op: transactions already hold the store mutex.
func (store *Store) LockUser(ctx context.Context, userID credits.UserID) error {
	return nil
}

func (store *Store) InsertEntries(ctx context.Context, inputs []credits.EntryInput) error {
	return store.read(func(current *state) error {
		for _, input := range inputs {
			current.entries = append(current.entries, credits.Entry{
				EntryID:   uuid.NewString(),
				UserID:    input.UserID(),
				Delta:     input.Delta(),
				Source:    input.Source(),
				ExpiresAt: input.ExpiresAt(),
				CreatedAt: input.CreatedAt(),
			})
		}
		return nil
	})
}

func (store *Store) ListActiveEntries(ctx context.Context, userID credits.UserID, today time.Time) ([]credits.Entry, error) {
	var active []credits.Entry
	err := store.read(func(current *state) error {
		for _, entry := range current.entries {
			if entry.UserID == userID && entry.ActiveOn(today) {
				active = append(active, entry)
			}
		}
		return nil
	})
	sort.SliceStable(active, func(left, right int) bool {
		return expiresBefore(active[left], active[right])
	})
	return active, err
}

func (store *Store) ListEntries(ctx context.Context, userID credits.UserID, before time.Time, limit int) ([]credits.Entry, error) {
	var listed []credits.Entry
	err := store.read(func(current *state) error {
		for index := len(current.entries) - 1; index >= 0 && len(listed) < limit; index-- {
			entry := current.entries[index]
			if entry.UserID == userID && entry.CreatedAt.Before(before) {
				listed = append(listed, entry)
			}
		}
		return nil
	})
	return listed, err
}

func (store *Store) InsertTouristPass(ctx context.Context, pass credits.TouristPass) error {
	return store.read(func(current *state) error {
		current.passes[pass.PassID] = pass
		return nil
	})
}

func (store *Store) FindActiveTouristPass(ctx context.Context, userID credits.UserID, now time.Time) (credits.TouristPass, error) {
	var (
		found credits.TouristPass
		ok    bool
	)
	err := store.read(func(current *state) error {
		for _, pass := range current.passes {
			if pass.UserID != userID || !pass.ActiveAt(now) {
				continue
			}
			if !ok || newerPass(pass, found) {
				found, ok = pass, true
			}
		}
		return nil
	})
	if err != nil {
		return credits.TouristPass{}, err
	}
	if !ok {
		return credits.TouristPass{}, credits.ErrNoActiveTouristPass
	}
	return found, nil
}

// newerPass orders passes by creation time, then pass id, newest first.
func newerPass(candidate credits.TouristPass, current credits.TouristPass) bool {
	if !candidate.CreatedAt.Equal(current.CreatedAt) {
		return candidate.CreatedAt.After(current.CreatedAt)
	}
	return candidate.PassID > current.PassID
}

func (store *Store) GetTouristPassForUpdate(ctx context.Context, passID string) (credits.TouristPass, error) {
	var pass credits.TouristPass
	err := store.read(func(current *state) error {
		found, ok := current.passes[passID]
		if !ok {
			return credits.ErrUnknownTouristPass
		}
		pass = found
		return nil
	})
	return pass, err
}

func (store *Store) IncrementTouristPassUsage(ctx context.Context, passID string, expectedUsed int) error {
	return store.read(func(current *state) error {
		pass, ok := current.passes[passID]
		if !ok {
			return credits.ErrUnknownTouristPass
		}
		if pass.ClassesUsed != expectedUsed || pass.ClassesUsed >= pass.ClassesTotal {
			return credits.ErrTouristPassExhausted
		}
		pass.ClassesUsed++
		current.passes[passID] = pass
		return nil
	})
}

func (store *Store) GetProfile(ctx context.Context, userID credits.UserID) (credits.Profile, error) {
	var profile credits.Profile
	err := store.read(func(current *state) error {
		found, ok := current.profiles[userID]
		if !ok {
			return credits.ErrUnknownProfile
		}
		profile = found
		return nil
	})
	return profile, err
}

func (store *Store) GetProfileByEmail(ctx context.Context, email string) (credits.Profile, error) {
	normalized := normalizeEmail(email)
	if normalized == "" {
		return credits.Profile{}, credits.ErrUnknownProfile
	}
	var (
		profile credits.Profile
		ok      bool
	)
	err := store.read(func(current *state) error {
		for _, candidate := range current.profiles {
			if normalizeEmail(candidate.Email) != normalized {
				continue
			}
			if !ok || candidate.UserID.String() < profile.UserID.String() {
				profile, ok = candidate, true
			}
		}
		return nil
	})
	if err != nil {
		return credits.Profile{}, err
	}
	if !ok {
		return credits.Profile{}, credits.ErrUnknownProfile
	}
	return profile, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (store *Store) UpdateSubscription(ctx context.Context, userID credits.UserID, tier credits.Tier, paymentCustomerRef string) error {
	return store.read(func(current *state) error {
		profile, ok := current.profiles[userID]
		if !ok {
			return credits.ErrUnknownProfile
		}
		profile.Tier = tier
		if paymentCustomerRef != "" {
			profile.PaymentCustomerRef = paymentCustomerRef
		}
		current.profiles[userID] = profile
		return nil
	})
}

// UpsertProfile creates or replaces a profile.
func (store *Store) UpsertProfile(ctx context.Context, profile credits.Profile) error {
	return store.read(func(current *state) error {
		current.profiles[profile.UserID] = profile
		return nil
	})
}

// UpsertGym creates or replaces a gym.
func (store *Store) UpsertGym(ctx context.Context, gym booking.Gym) error {
	return store.read(func(current *state) error {
		current.gyms[gym.GymID] = gym
		return nil
	})
}

// UpsertClass creates or replaces a class.
func (store *Store) UpsertClass(ctx context.Context, class booking.Class) error {
	return store.read(func(current *state) error {
		current.classes[class.ClassID] = class
		return nil
	})
}

func (store *Store) InsertAuditEntry(ctx context.Context, entry audit.Entry) error {
	return store.read(func(current *state) error {
		current.auditEntries = append(current.auditEntries, entry)
		return nil
	})
}

// AuditEntries returns a copy of the audit trail.
func (store *Store) AuditEntries() []audit.Entry {
	var entries []audit.Entry
	_ = store.read(func(current *state) error {
		entries = append(entries, current.auditEntries...)
		return nil
	})
	return entries
}

// Entries returns a copy of the raw ledger, oldest first.
func (store *Store) Entries() []credits.Entry {
	var entries []credits.Entry
	_ = store.read(func(current *state) error {
		entries = append(entries, current.entries...)
		return nil
	})
	return entries
}

func expiresBefore(left credits.Entry, right credits.Entry) bool {
	switch {
	case left.ExpiresAt == nil && right.ExpiresAt == nil:
		return left.CreatedAt.Before(right.CreatedAt)
	case left.ExpiresAt == nil:
		return false
	case right.ExpiresAt == nil:
		return true
	case !left.ExpiresAt.Equal(*right.ExpiresAt):
		return left.ExpiresAt.Before(*right.ExpiresAt)
	default:
		return left.CreatedAt.Before(right.CreatedAt)
	}
}
