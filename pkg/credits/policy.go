package credits

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// TierPolicy holds the credit rules of one subscription tier.
type TierPolicy struct {
	MonthlyCredits  int64           `toml:"monthly_credits"`
	CreditCap       int64           `toml:"credit_cap"`
	RolloverAllowed bool            `toml:"rollover_allowed"`
	MaxRollover     int64           `toml:"max_rollover"`
	PriceUSD        decimal.Decimal `toml:"price_usd"`
	PriceRef        string          `toml:"price_ref"`
}

// Pack is a purchasable credit top-up.
type Pack struct {
	PackID   string          `toml:"pack_id"`
	Credits  int64           `toml:"credits"`
	PriceUSD decimal.Decimal `toml:"price_usd"`
	PriceRef string          `toml:"price_ref"`
}

// TouristPassType is a purchasable tourist pass.
type TouristPassType struct {
	PassTypeID   string          `toml:"pass_type_id"`
	DurationDays int             `toml:"duration_days"`
	TotalClasses int             `toml:"total_classes"`
	PriceUSD     decimal.Decimal `toml:"price_usd"`
	PriceRef     string          `toml:"price_ref"`
}

// CancellationPolicy decides between free and late cancellation.
type CancellationPolicy struct {
	FreeWindowHours float64 `toml:"free_window_hours"`
	PenaltyCredits  int64   `toml:"penalty_credits"`
}

// Policy is the static configuration injected into Service.
type Policy struct {
	Tiers             map[Tier]TierPolicy
	Packs             []Pack
	TouristPasses     []TouristPassType
	TopUpValidityDays int
	Cancellation      CancellationPolicy
	GrantDayOfMonth   int
	CreditValueUSD    decimal.Decimal
}

// DefaultPolicy returns the production tier, pack and cancellation table.
func DefaultPolicy() Policy {
	return Policy{
		Tiers: map[Tier]TierPolicy{
			TierT1: {MonthlyCredits: 5, CreditCap: 10, RolloverAllowed: false, MaxRollover: 0, PriceUSD: decimal.RequireFromString("29.00"), PriceRef: "price_tier_t1"},
			TierT2: {MonthlyCredits: 12, CreditCap: 24, RolloverAllowed: true, MaxRollover: 12, PriceUSD: decimal.RequireFromString("59.00"), PriceRef: "price_tier_t2"},
			TierT3: {MonthlyCredits: 20, CreditCap: 40, RolloverAllowed: true, MaxRollover: 20, PriceUSD: decimal.RequireFromString("99.00"), PriceRef: "price_tier_t3"},
		},
		Packs: []Pack{
			{PackID: "pack_5", Credits: 5, PriceUSD: decimal.RequireFromString("25.00"), PriceRef: "price_pack_5"},
			{PackID: "pack_10", Credits: 10, PriceUSD: decimal.RequireFromString("45.00"), PriceRef: "price_pack_10"},
			{PackID: "pack_20", Credits: 20, PriceUSD: decimal.RequireFromString("80.00"), PriceRef: "price_pack_20"},
		},
		TouristPasses: []TouristPassType{
			{PassTypeID: "tourist_week", DurationDays: 7, TotalClasses: 3, PriceUSD: decimal.RequireFromString("39.00"), PriceRef: "price_tourist_week"},
			{PassTypeID: "tourist_fortnight", DurationDays: 14, TotalClasses: 6, PriceUSD: decimal.RequireFromString("69.00"), PriceRef: "price_tourist_fortnight"},
		},
		TopUpValidityDays: 90,
		Cancellation:      CancellationPolicy{FreeWindowHours: 6, PenaltyCredits: 2},
		GrantDayOfMonth:   1,
		CreditValueUSD:    decimal.RequireFromString("5.00"),
	}
}

// Validate checks the invariants between tier numbers and the remaining table.
func (policy Policy) Validate() error {
	for _, tier := range []Tier{TierT1, TierT2, TierT3} {
		tierPolicy, ok := policy.Tiers[tier]
		if !ok {
			return fmt.Errorf("%w: tier %s missing", ErrInvalidPolicy, tier)
		}
		if tierPolicy.MonthlyCredits <= 0 {
			return fmt.Errorf("%w: tier %s monthly credits must be positive", ErrInvalidPolicy, tier)
		}
		if tierPolicy.CreditCap <= tierPolicy.MonthlyCredits {
			return fmt.Errorf("%w: tier %s cap %d must exceed monthly credits %d", ErrInvalidPolicy, tier, tierPolicy.CreditCap, tierPolicy.MonthlyCredits)
		}
		if tierPolicy.RolloverAllowed {
			if tierPolicy.MaxRollover <= 0 || tierPolicy.MaxRollover > tierPolicy.MonthlyCredits || tierPolicy.MaxRollover > tierPolicy.CreditCap {
				return fmt.Errorf("%w: tier %s max rollover %d out of range", ErrInvalidPolicy, tier, tierPolicy.MaxRollover)
			}
		} else if tierPolicy.MaxRollover != 0 {
			return fmt.Errorf("%w: tier %s disallows rollover but sets max rollover", ErrInvalidPolicy, tier)
		}
	}
	seenPacks := make(map[string]struct{}, len(policy.Packs))
	for _, pack := range policy.Packs {
		if pack.PackID == "" || pack.Credits <= 0 || !pack.PriceUSD.IsPositive() {
			return fmt.Errorf("%w: pack %q invalid", ErrInvalidPolicy, pack.PackID)
		}
		if _, duplicate := seenPacks[pack.PackID]; duplicate {
			return fmt.Errorf("%w: pack %q duplicated", ErrInvalidPolicy, pack.PackID)
		}
		seenPacks[pack.PackID] = struct{}{}
	}
	for _, passType := range policy.TouristPasses {
		if passType.PassTypeID == "" || passType.DurationDays <= 0 || passType.TotalClasses <= 0 || !passType.PriceUSD.IsPositive() {
			return fmt.Errorf("%w: tourist pass %q invalid", ErrInvalidPolicy, passType.PassTypeID)
		}
	}
	if policy.TopUpValidityDays <= 0 {
		return fmt.Errorf("%w: top-up validity must be positive", ErrInvalidPolicy)
	}
	if policy.Cancellation.FreeWindowHours < 0 || policy.Cancellation.PenaltyCredits < 0 {
		return fmt.Errorf("%w: cancellation policy must be non-negative", ErrInvalidPolicy)
	}
	if policy.GrantDayOfMonth < 1 || policy.GrantDayOfMonth > 28 {
		return fmt.Errorf("%w: grant day of month must be within 1..28", ErrInvalidPolicy)
	}
	if policy.CreditValueUSD.IsNegative() {
		return fmt.Errorf("%w: credit value must be non-negative", ErrInvalidPolicy)
	}
	return nil
}

// Tier returns the policy of a tier, falling back to the default tier.
func (policy Policy) Tier(tier Tier) TierPolicy {
	if tierPolicy, ok := policy.Tiers[tier]; ok {
		return tierPolicy
	}
	return policy.Tiers[DefaultTier]
}

// Pack looks up a pack by id.
func (policy Policy) Pack(packID string) (Pack, bool) {
	for _, pack := range policy.Packs {
		if pack.PackID == packID {
			return pack, true
		}
	}
	return Pack{}, false
}

// TouristPassType looks up a tourist pass type by id.
func (policy Policy) TouristPassType(passTypeID string) (TouristPassType, bool) {
	for _, passType := range policy.TouristPasses {
		if passType.PassTypeID == passTypeID {
			return passType, true
		}
	}
	return TouristPassType{}, false
}

// SortedPacks returns packs ordered by credit size.
func (policy Policy) SortedPacks() []Pack {
	packs := append([]Pack(nil), policy.Packs...)
	sort.SliceStable(packs, func(left, right int) bool {
		return packs[left].Credits < packs[right].Credits
	})
	return packs
}

// Clone returns a deep copy so overlays never mutate a shared table.
func (policy Policy) Clone() Policy {
	cloned := policy
	cloned.Tiers = make(map[Tier]TierPolicy, len(policy.Tiers))
	for tier, tierPolicy := range policy.Tiers {
		cloned.Tiers[tier] = tierPolicy
	}
	cloned.Packs = append([]Pack(nil), policy.Packs...)
	cloned.TouristPasses = append([]TouristPassType(nil), policy.TouristPasses...)
	return cloned
}
