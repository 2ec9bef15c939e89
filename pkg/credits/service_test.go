package credits

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestActiveCreditsFloorsNegativeBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newTestClock()
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "floor-user")

	store.seed(test, userID, 3, SourceMonthly, nil, clock.now)
	if err := service.AddPenalty(context.Background(), userID, 5, "late_cancel"); err != nil {
		test.Fatalf("penalty: %v", err)
	}
	if balance := mustActiveCredits(test, service, userID); balance != 0 {
		test.Fatalf("expected floored balance 0, got %d", balance)
	}
}

func TestActiveCreditsIgnoresExpiredEntries(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newTestClock()
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "expired-user")

	store.seed(test, userID, 4, TopUpSource("cs_old"), dayPointer(2024, time.November, 19), clock.now.AddDate(0, -3, 0))
	store.seed(test, userID, -9, SourceSpend, dayPointer(2024, time.November, 19), clock.now.AddDate(0, -1, 0))
	store.seed(test, userID, 6, SourceMonthly, nil, clock.now)
	store.seed(test, userID, 2, TopUpSource("cs_today"), dayPointer(2024, time.November, 20), clock.now)

	if balance := mustActiveCredits(test, service, userID); balance != 8 {
		test.Fatalf("expected 8 active credits, got %d", balance)
	}
}

func TestUserTierDefaultsWhenProfileUnreadable(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newTestClock()
	var observed []error
	service := mustNewService(test, store, clock, WithTierLookupObserver(func(_ context.Context, _ UserID, err error) {
		observed = append(observed, err)
	}))
	known := mustUserID(test, "known")
	store.profiles[known] = Profile{UserID: known, Tier: TierT3}

	if tier := service.UserTier(context.Background(), known); tier != TierT3 {
		test.Fatalf("expected t3, got %s", tier)
	}
	if tier := service.UserTier(context.Background(), mustUserID(test, "missing")); tier != TierT1 {
		test.Fatalf("expected default t1 for missing profile, got %s", tier)
	}
	store.profileErr = errors.New("connection reset")
	if tier := service.UserTier(context.Background(), known); tier != TierT1 {
		test.Fatalf("expected default t1 on store failure, got %s", tier)
	}
	if len(observed) != 2 {
		test.Fatalf("expected two absorbed lookup failures, got %d", len(observed))
	}
}

func TestCanPurchaseTopUpCapBoundary(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newTestClock()
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "cap-user")
	store.seed(test, userID, 14, SourceMonthly, nil, clock.now)

	cases := []struct {
		name       string
		addCredits int64
		want       bool
	}{
		{name: "below cap", addCredits: 5, want: true},
		{name: "exactly cap", addCredits: 10, want: true},
		{name: "one over cap", addCredits: 11, want: false},
	}
	for _, testCase := range cases {
		allowed, err := service.CanPurchaseTopUp(context.Background(), userID, TierT2, testCase.addCredits)
		if err != nil {
			test.Fatalf("%s: unexpected error %v", testCase.name, err)
		}
		if allowed != testCase.want {
			test.Fatalf("%s: expected %v, got %v", testCase.name, testCase.want, allowed)
		}
	}

	err := service.CheckTopUp(context.Background(), userID, TierT2, 11)
	var capExceeded *CapExceededError
	if !errors.As(err, &capExceeded) {
		test.Fatalf("expected CapExceededError, got %v", err)
	}
	if capExceeded.Cap != 24 || capExceeded.Current != 14 || capExceeded.Headroom() != 10 {
		test.Fatalf("unexpected cap details: %+v", capExceeded)
	}
}

func TestGrantMonthlyTrimsToRolloverCeiling(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newTestClock()
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "rollover-user")
	store.seed(test, userID, 20, SourceMonthly, nil, clock.now.AddDate(0, -1, 0))

	result, err := service.GrantMonthlyCredits(context.Background(), userID, TierT2)
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if result.Trimmed != 8 || result.Granted != 12 || result.BalanceAfter != 24 {
		test.Fatalf("unexpected grant result: %+v", result)
	}
	trim := store.entries[1]
	if trim.Source != SourceRolloverTrim || trim.Delta != -8 || trim.ExpiresAt != nil {
		test.Fatalf("unexpected trim entry: %+v", trim)
	}
	grant := store.entries[2]
	if grant.Source != SourceMonthly || grant.Delta != 12 || grant.ExpiresAt != nil {
		test.Fatalf("unexpected grant entry: %+v", grant)
	}
	if balance := mustActiveCredits(test, service, userID); balance != 24 {
		test.Fatalf("expected balance 24, got %d", balance)
	}
}

func TestGrantMonthlyWithoutTrimBelowCeiling(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newTestClock()
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "below-ceiling")
	store.seed(test, userID, 7, SourceMonthly, nil, clock.now.AddDate(0, -1, 0))

	if _, err := service.GrantMonthlyCredits(context.Background(), userID, TierT2); err != nil {
		test.Fatalf("grant: %v", err)
	}
	if len(store.entries) != 2 {
		test.Fatalf("expected no trim entry, got %d entries", len(store.entries))
	}
	if balance := mustActiveCredits(test, service, userID); balance != 19 {
		test.Fatalf("expected balance 19, got %d", balance)
	}
}

func TestGrantMonthlyNoRolloverTierWipesBalance(test *testing.T) {
	test.Parallel()
	for _, previous := range []int64{0, 3, 9} {
		store := newStubStore(test)
		clock := newTestClock()
		service := mustNewService(test, store, clock)
		userID := mustUserID(test, "no-rollover")
		if previous > 0 {
			store.seed(test, userID, previous, SourceMonthly, nil, clock.now.AddDate(0, -1, 0))
		}

		result, err := service.GrantMonthlyCredits(context.Background(), userID, TierT1)
		if err != nil {
			test.Fatalf("grant: %v", err)
		}
		if result.Trimmed != previous {
			test.Fatalf("expected trim of %d, got %d", previous, result.Trimmed)
		}
		if balance := mustActiveCredits(test, service, userID); balance != 5 {
			test.Fatalf("previous %d: expected balance 5, got %d", previous, balance)
		}
	}
}

// Penalty debt is not forgiven by the grant: the trim starts from the floored balance, so a
// no-rollover member who owes credits receives the monthly allocation minus the debt.
func TestGrantMonthlyNoRolloverTierKeepsPenaltyDebt(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newTestClock()
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "in-debt")
	if err := service.AddPenalty(context.Background(), userID, 4, "late_cancel"); err != nil {
		test.Fatalf("penalty: %v", err)
	}
	if balance := mustActiveCredits(test, service, userID); balance != 0 {
		test.Fatalf("expected floored balance 0 before grant, got %d", balance)
	}

	result, err := service.GrantMonthlyCredits(context.Background(), userID, TierT1)
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if result.Trimmed != 0 {
		test.Fatalf("expected no trim for a floored balance, got %d", result.Trimmed)
	}
	if balance := mustActiveCredits(test, service, userID); balance != 1 {
		test.Fatalf("expected balance 1 after netting 4 debt against 5 granted, got %d", balance)
	}
}

func TestGrantMonthlyAbortsWhenTrimFails(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newTestClock()
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "trim-failure")
	store.seed(test, userID, 20, SourceMonthly, nil, clock.now.AddDate(0, -1, 0))
	storeFailure := errors.New("insert failed")
	store.insertHook = func(inputs []EntryInput) error {
		if inputs[0].Source() == SourceRolloverTrim {
			return storeFailure
		}
		return nil
	}

	_, err := service.GrantMonthlyCredits(context.Background(), userID, TierT2)
	if !errors.Is(err, storeFailure) {
		test.Fatalf("expected store failure, got %v", err)
	}
	if len(store.entries) != 1 {
		test.Fatalf("expected no grant after failed trim, got %d entries", len(store.entries))
	}
}

func TestGrantMonthlyRollsBackTrimWhenGrantFails(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newTestClock()
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "grant-failure")
	store.seed(test, userID, 20, SourceMonthly, nil, clock.now.AddDate(0, -1, 0))
	store.insertHook = func(inputs []EntryInput) error {
		if inputs[0].Source() == SourceMonthly {
			return errors.New("grant insert failed")
		}
		return nil
	}

	if _, err := service.GrantMonthlyCredits(context.Background(), userID, TierT2); err == nil {
		test.Fatalf("expected grant failure")
	}
	if balance := mustActiveCredits(test, service, userID); balance != 20 {
		test.Fatalf("expected trim rolled back with the grant, balance 20, got %d", balance)
	}
}

func TestGrantMonthlyRetryAfterSuccessDoubleGrants(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newTestClock()
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "retry-user")

	for attempt := 0; attempt < 2; attempt++ {
		if _, err := service.GrantMonthlyCredits(context.Background(), userID, TierT2); err != nil {
			test.Fatalf("grant attempt %d: %v", attempt, err)
		}
	}
	// Per-period claims at the scheduling layer prevent this; the engine itself does not.
	if balance := mustActiveCredits(test, service, userID); balance != 24 {
		test.Fatalf("expected 24 after a blind retry, got %d", balance)
	}
}

func TestSpendCreditsFIFOConsumesSoonestExpiringFirst(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newTestClock()
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "fifo-user")
	soon := dayPointer(2024, time.November, 23)
	later := dayPointer(2024, time.November, 30)
	store.seed(test, userID, 5, SourceMonthly, nil, clock.now.AddDate(0, 0, -5))
	store.seed(test, userID, 5, TopUpSource("cs_later"), later, clock.now.AddDate(0, 0, -3))
	store.seed(test, userID, 5, TopUpSource("cs_soon"), soon, clock.now.AddDate(0, 0, -2))

	result, err := service.SpendCreditsFIFO(context.Background(), userID, 7)
	if err != nil {
		test.Fatalf("spend: %v", err)
	}
	if len(result.Allocations) != 2 {
		test.Fatalf("expected two allocations, got %+v", result.Allocations)
	}
	if result.Allocations[0].Credits != 5 || !result.Allocations[0].ExpiresAt.Equal(*soon) {
		test.Fatalf("expected 5 from the soonest row, got %+v", result.Allocations[0])
	}
	if result.Allocations[1].Credits != 2 || !result.Allocations[1].ExpiresAt.Equal(*later) {
		test.Fatalf("expected 2 from the next row, got %+v", result.Allocations[1])
	}
	for _, entry := range store.entries[3:] {
		if entry.Source != SourceSpend || entry.ExpiresAt == nil {
			test.Fatalf("spend entry must mirror a dated row: %+v", entry)
		}
	}

	breakdown, err := service.CreditBreakdown(context.Background(), userID)
	if err != nil {
		test.Fatalf("breakdown: %v", err)
	}
	if breakdown.NonExpiring != 5 || breakdown.Total != 8 {
		test.Fatalf("expected never-expiring row untouched, got %+v", breakdown)
	}
	if len(breakdown.Expiring) != 1 || breakdown.Expiring[0].Credits != 3 || !breakdown.Expiring[0].ExpiresAt.Equal(*later) {
		test.Fatalf("unexpected expiring buckets: %+v", breakdown.Expiring)
	}
}

func TestSpendCreditsFIFOSecondSpendSkipsConsumedRows(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newTestClock()
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "fifo-repeat")
	soon := dayPointer(2024, time.November, 23)
	store.seed(test, userID, 4, TopUpSource("cs_a"), soon, clock.now.AddDate(0, 0, -2))
	store.seed(test, userID, 6, SourceMonthly, nil, clock.now.AddDate(0, 0, -1))

	if _, err := service.SpendCreditsFIFO(context.Background(), userID, 3); err != nil {
		test.Fatalf("first spend: %v", err)
	}
	result, err := service.SpendCreditsFIFO(context.Background(), userID, 3)
	if err != nil {
		test.Fatalf("second spend: %v", err)
	}
	if len(result.Allocations) != 2 || result.Allocations[0].Credits != 1 || result.Allocations[1].Credits != 2 || result.Allocations[1].ExpiresAt != nil {
		test.Fatalf("expected 1 dated then 2 never-expiring, got %+v", result.Allocations)
	}
	if balance := mustActiveCredits(test, service, userID); balance != 4 {
		test.Fatalf("expected balance 4, got %d", balance)
	}
}

func TestSpendCreditsFIFOInsufficientMutatesNothing(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newTestClock()
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "poor-user")
	store.seed(test, userID, 4, SourceMonthly, nil, clock.now)
	before := mustActiveCredits(test, service, userID)

	_, err := service.SpendCreditsFIFO(context.Background(), userID, 5)
	var insufficient *InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		test.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if insufficient.Shortfall() != 1 {
		test.Fatalf("expected shortfall 1, got %d", insufficient.Shortfall())
	}
	if len(store.entries) != 1 {
		test.Fatalf("expected no new entries, got %d", len(store.entries))
	}
	if after := mustActiveCredits(test, service, userID); after != before {
		test.Fatalf("expected balance %d unchanged, got %d", before, after)
	}
}

func TestSpendCreditsFIFORespectsPenaltyDebt(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newTestClock()
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "debt-user")
	store.seed(test, userID, 5, TopUpSource("cs_a"), dayPointer(2024, time.December, 1), clock.now)
	if err := service.AddPenalty(context.Background(), userID, 4, "late_cancel"); err != nil {
		test.Fatalf("penalty: %v", err)
	}

	if _, err := service.SpendCreditsFIFO(context.Background(), userID, 2); !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected penalty debt to reduce spendable credits, got %v", err)
	}
	if _, err := service.SpendCreditsFIFO(context.Background(), userID, 1); err != nil {
		test.Fatalf("spend within balance: %v", err)
	}
}

func TestSpendCreditsFIFORejectsNonPositiveAmount(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, newTestClock())
	_, err := service.SpendCreditsFIFO(context.Background(), mustUserID(test, "zero"), 0)
	if !errors.Is(err, ErrInvalidCredits) {
		test.Fatalf("expected ErrInvalidCredits, got %v", err)
	}
}

func TestAddTopUpExpiresAfterValidityWindow(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newTestClock()
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "topup-user")

	if err := service.AddTopUp(context.Background(), userID, 10, "cs_test_1"); err != nil {
		test.Fatalf("top-up: %v", err)
	}
	entry := store.entries[0]
	if entry.Source != Source("topup:cs_test_1") || entry.Delta != 10 {
		test.Fatalf("unexpected top-up entry: %+v", entry)
	}
	expected := time.Date(2025, time.February, 18, 0, 0, 0, 0, time.UTC)
	if entry.ExpiresAt == nil || !entry.ExpiresAt.Equal(expected) {
		test.Fatalf("expected expiry %s, got %v", expected, entry.ExpiresAt)
	}
	if err := service.AddTopUp(context.Background(), userID, 10, " "); !errors.Is(err, ErrInvalidSourceRef) {
		test.Fatalf("expected ErrInvalidSourceRef, got %v", err)
	}
}

func TestAddPenaltyForcesNegativeSign(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, newTestClock())
	userID := mustUserID(test, "penalty-user")

	for _, credits := range []int64{2, -2} {
		if err := service.AddPenalty(context.Background(), userID, credits, "late_cancel"); err != nil {
			test.Fatalf("penalty: %v", err)
		}
	}
	for _, entry := range store.entries {
		if entry.Delta != -2 || entry.Source != Source("penalty:late_cancel") || entry.ExpiresAt != nil {
			test.Fatalf("unexpected penalty entry: %+v", entry)
		}
	}
}

func TestAddRefundInheritsExpiration(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newTestClock()
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "refund-user")
	expiry := dayPointer(2024, time.December, 1)

	if err := service.AddRefund(context.Background(), userID, 3, expiry, "free_cancel"); err != nil {
		test.Fatalf("refund: %v", err)
	}
	entry := store.entries[0]
	if entry.Source != Source("refund:free_cancel") || entry.ExpiresAt == nil || !entry.ExpiresAt.Equal(*expiry) {
		test.Fatalf("unexpected refund entry: %+v", entry)
	}

	clock.now = time.Date(2024, time.December, 1, 23, 0, 0, 0, time.UTC)
	if balance := mustActiveCredits(test, service, userID); balance != 3 {
		test.Fatalf("expected refund active on its expiry date, got %d", balance)
	}
	clock.now = time.Date(2024, time.December, 2, 0, 0, 0, 0, time.UTC)
	if balance := mustActiveCredits(test, service, userID); balance != 0 {
		test.Fatalf("expected refund expired the day after, got %d", balance)
	}
}

func TestCreditBreakdownDropsNetNegativeBuckets(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newTestClock()
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "breakdown-user")
	drained := dayPointer(2024, time.December, 5)
	store.seed(test, userID, 2, TopUpSource("cs_a"), drained, clock.now)
	store.seed(test, userID, -3, SourceSpend, drained, clock.now)
	store.seed(test, userID, 4, TopUpSource("cs_b"), dayPointer(2024, time.December, 9), clock.now)
	store.seed(test, userID, 6, SourceMonthly, nil, clock.now)
	store.seed(test, userID, 9, TopUpSource("cs_old"), dayPointer(2024, time.November, 1), clock.now.AddDate(0, -3, 0))

	breakdown, err := service.CreditBreakdown(context.Background(), userID)
	if err != nil {
		test.Fatalf("breakdown: %v", err)
	}
	if breakdown.Total != 10 || breakdown.NonExpiring != 6 {
		test.Fatalf("unexpected totals: %+v", breakdown)
	}
	if len(breakdown.Expiring) != 1 || breakdown.Expiring[0].Credits != 4 {
		test.Fatalf("expected only the positive bucket, got %+v", breakdown.Expiring)
	}
}

func TestEndToEndMemberCycle(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newTestClock()
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "member")
	ctx := context.Background()

	if _, err := service.GrantMonthlyCredits(ctx, userID, TierT2); err != nil {
		test.Fatalf("grant: %v", err)
	}
	if balance := mustActiveCredits(test, service, userID); balance != 12 {
		test.Fatalf("expected 12 after grant, got %d", balance)
	}

	allowed, err := service.CanPurchaseTopUp(ctx, userID, TierT2, 10)
	if err != nil || !allowed {
		test.Fatalf("expected top-up allowed, got %v %v", allowed, err)
	}
	if err := service.AddTopUp(ctx, userID, 10, "cs_pack_10"); err != nil {
		test.Fatalf("top-up: %v", err)
	}
	if balance := mustActiveCredits(test, service, userID); balance != 22 {
		test.Fatalf("expected 22 after top-up, got %d", balance)
	}

	for booking := 0; booking < 2; booking++ {
		result, err := service.SpendCreditsFIFO(ctx, userID, 3)
		if err != nil {
			test.Fatalf("spend %d: %v", booking, err)
		}
		if result.Allocations[0].ExpiresAt == nil {
			test.Fatalf("expected top-up credits consumed before monthly credits")
		}
	}
	if balance := mustActiveCredits(test, service, userID); balance != 16 {
		test.Fatalf("expected 16 after two bookings, got %d", balance)
	}

	if err := service.AddPenalty(ctx, userID, service.Policy().Cancellation.PenaltyCredits, "late_cancel"); err != nil {
		test.Fatalf("penalty: %v", err)
	}
	if balance := mustActiveCredits(test, service, userID); balance != 14 {
		test.Fatalf("expected 14 after late cancellation, got %d", balance)
	}
}

func TestListEntriesReturnsNewestFirst(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newTestClock()
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "history-user")
	store.seed(test, userID, 5, SourceMonthly, nil, clock.now.Add(-2*time.Hour))
	store.seed(test, userID, -1, SourceSpend, nil, clock.now.Add(-time.Hour))

	entries, err := service.ListEntries(context.Background(), userID, time.Time{}, 10)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(entries) != 2 || entries[0].Source != SourceSpend {
		test.Fatalf("unexpected history: %+v", entries)
	}
}

func TestNewServiceValidatesDependencies(test *testing.T) {
	test.Parallel()
	clock := newTestClock()
	if _, err := NewService(nil, DefaultPolicy(), clock.Now); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil store, got %v", err)
	}
	if _, err := NewService(newStubStore(test), DefaultPolicy(), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil clock, got %v", err)
	}
	broken := DefaultPolicy()
	broken.Tiers[TierT2] = TierPolicy{MonthlyCredits: 12, CreditCap: 12, RolloverAllowed: true, MaxRollover: 12}
	if _, err := NewService(newStubStore(test), broken, clock.Now); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for invalid policy, got %v", err)
	}
}
