package credits

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"
)

type stubStore struct {
	entries      []Entry
	passes       map[string]TouristPass
	profiles     map[UserID]Profile
	profileErr   error
	insertHook   func(inputs []EntryInput) error
	lockedUsers  []UserID
	nextEntryID  int
	transactions int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		passes:   make(map[string]TouristPass),
		profiles: make(map[UserID]Profile),
	}
}

// WithTx restores the previous state when fn fails.
func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.transactions++
	entriesSnapshot := append([]Entry(nil), store.entries...)
	passesSnapshot := make(map[string]TouristPass, len(store.passes))
	for passID, pass := range store.passes {
		passesSnapshot[passID] = pass
	}
	if err := fn(ctx, store); err != nil {
		store.entries = entriesSnapshot
		store.passes = passesSnapshot
		return err
	}
	return nil
}

func (store *stubStore) LockUser(ctx context.Context, userID UserID) error {
	store.lockedUsers = append(store.lockedUsers, userID)
	return nil
}

func (store *stubStore) InsertEntries(ctx context.Context, inputs []EntryInput) error {
	if store.insertHook != nil {
		if err := store.insertHook(inputs); err != nil {
			return err
		}
	}
	for _, input := range inputs {
		store.nextEntryID++
		store.entries = append(store.entries, Entry{
			EntryID:   fmt.Sprintf("entry-%d", store.nextEntryID),
			UserID:    input.UserID(),
			Delta:     input.Delta(),
			Source:    input.Source(),
			ExpiresAt: input.ExpiresAt(),
			CreatedAt: input.CreatedAt(),
		})
	}
	return nil
}

func (store *stubStore) ListActiveEntries(ctx context.Context, userID UserID, today time.Time) ([]Entry, error) {
	active := make([]Entry, 0, len(store.entries))
	for _, entry := range store.entries {
		if entry.UserID == userID && entry.ActiveOn(today) {
			active = append(active, entry)
		}
	}
	sort.SliceStable(active, func(left, right int) bool {
		return fifoLess(active[left], active[right])
	})
	return active, nil
}

func (store *stubStore) ListEntries(ctx context.Context, userID UserID, before time.Time, limit int) ([]Entry, error) {
	listed := make([]Entry, 0, len(store.entries))
	for index := len(store.entries) - 1; index >= 0; index-- {
		entry := store.entries[index]
		if entry.UserID == userID && entry.CreatedAt.Before(before) {
			listed = append(listed, entry)
		}
		if len(listed) == limit {
			break
		}
	}
	return listed, nil
}

func (store *stubStore) InsertTouristPass(ctx context.Context, pass TouristPass) error {
	store.passes[pass.PassID] = pass
	return nil
}

func (store *stubStore) FindActiveTouristPass(ctx context.Context, userID UserID, now time.Time) (TouristPass, error) {
	var (
		found TouristPass
		ok    bool
	)
	for _, pass := range store.passes {
		if pass.UserID != userID || !pass.ActiveAt(now) {
			continue
		}
		if !ok || pass.CreatedAt.After(found.CreatedAt) {
			found = pass
			ok = true
		}
	}
	if !ok {
		return TouristPass{}, ErrNoActiveTouristPass
	}
	return found, nil
}

func (store *stubStore) GetTouristPassForUpdate(ctx context.Context, passID string) (TouristPass, error) {
	pass, ok := store.passes[passID]
	if !ok {
		return TouristPass{}, ErrUnknownTouristPass
	}
	return pass, nil
}

func (store *stubStore) IncrementTouristPassUsage(ctx context.Context, passID string, expectedUsed int) error {
	pass, ok := store.passes[passID]
	if !ok {
		return ErrUnknownTouristPass
	}
	if pass.ClassesUsed != expectedUsed || pass.ClassesUsed >= pass.ClassesTotal {
		return ErrTouristPassExhausted
	}
	pass.ClassesUsed++
	store.passes[passID] = pass
	return nil
}

func (store *stubStore) GetProfile(ctx context.Context, userID UserID) (Profile, error) {
	if store.profileErr != nil {
		return Profile{}, store.profileErr
	}
	profile, ok := store.profiles[userID]
	if !ok {
		return Profile{}, ErrUnknownProfile
	}
	return profile, nil
}

func (store *stubStore) GetProfileByEmail(ctx context.Context, email string) (Profile, error) {
	for _, profile := range store.profiles {
		if profile.Email == email {
			return profile, nil
		}
	}
	return Profile{}, ErrUnknownProfile
}

func (store *stubStore) UpdateSubscription(ctx context.Context, userID UserID, tier Tier, paymentCustomerRef string) error {
	profile, ok := store.profiles[userID]
	if !ok {
		return ErrUnknownProfile
	}
	profile.Tier = tier
	profile.PaymentCustomerRef = paymentCustomerRef
	store.profiles[userID] = profile
	return nil
}

func (store *stubStore) seed(test *testing.T, userID UserID, delta int64, source Source, expiresAt *time.Time, createdAt time.Time) {
	test.Helper()
	input, err := NewEntryInput(userID, delta, source, expiresAt, createdAt)
	if err != nil {
		test.Fatalf("seed entry: %v", err)
	}
	if err := store.InsertEntries(context.Background(), []EntryInput{input}); err != nil {
		test.Fatalf("seed insert: %v", err)
	}
}

type testClock struct {
	now time.Time
}

func (clock *testClock) Now() time.Time {
	return clock.now
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, time.November, 20, 10, 0, 0, 0, time.UTC)}
}

func mustNewService(test *testing.T, store Store, clock *testClock, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, DefaultPolicy(), clock.Now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustActiveCredits(test *testing.T, service *Service, userID UserID) int64 {
	test.Helper()
	balance, err := service.ActiveCredits(context.Background(), userID)
	if err != nil {
		test.Fatalf("active credits: %v", err)
	}
	return balance
}

func dayPointer(year int, month time.Month, day int) *time.Time {
	value := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return &value
}
