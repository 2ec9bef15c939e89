// Package policyfile overlays a TOML file on the default credit policy.
package policyfile

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/MarkoPoloResearchLab/studiocredits/pkg/credits"
	"github.com/shopspring/decimal"
)

var ErrInvalidPolicyFile = errors.New("invalid policy file")

type tierOverlay struct {
	MonthlyCredits  *int64           `toml:"monthly_credits"`
	CreditCap       *int64           `toml:"credit_cap"`
	RolloverAllowed *bool            `toml:"rollover_allowed"`
	MaxRollover     *int64           `toml:"max_rollover"`
	PriceUSD        *decimal.Decimal `toml:"price_usd"`
	PriceRef        *string          `toml:"price_ref"`
}

type cancellationOverlay struct {
	FreeWindowHours *float64 `toml:"free_window_hours"`
	PenaltyCredits  *int64   `toml:"penalty_credits"`
}

type document struct {
	Tiers             map[string]tierOverlay    `toml:"tiers"`
	Packs             []credits.Pack            `toml:"packs"`
	TouristPasses     []credits.TouristPassType `toml:"tourist_passes"`
	TopUpValidityDays *int                      `toml:"top_up_validity_days"`
	GrantDayOfMonth   *int                      `toml:"grant_day_of_month"`
	CreditValueUSD    *decimal.Decimal          `toml:"credit_value_usd"`
	Cancellation      *cancellationOverlay      `toml:"cancellation"`
}

// Load reads path and returns the default policy with the file's values applied.
// An empty path returns the defaults. Packs and tourist passes, when present, replace the default lists.
func Load(path string) (credits.Policy, error) {
	policy := credits.DefaultPolicy()
	if strings.TrimSpace(path) == "" {
		return policy, nil
	}
	var overlay document
	metadata, err := toml.DecodeFile(path, &overlay)
	if err != nil {
		return credits.Policy{}, fmt.Errorf("%w: %v", ErrInvalidPolicyFile, err)
	}
	return apply(policy, overlay, metadata)
}

// Parse is Load for TOML already in memory.
func Parse(raw string) (credits.Policy, error) {
	var overlay document
	metadata, err := toml.Decode(raw, &overlay)
	if err != nil {
		return credits.Policy{}, fmt.Errorf("%w: %v", ErrInvalidPolicyFile, err)
	}
	return apply(credits.DefaultPolicy(), overlay, metadata)
}

func apply(policy credits.Policy, overlay document, metadata toml.MetaData) (credits.Policy, error) {
	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		sort.Strings(keys)
		return credits.Policy{}, fmt.Errorf("%w: unknown keys %s", ErrInvalidPolicyFile, strings.Join(keys, ", "))
	}

	for rawTier, tierValues := range overlay.Tiers {
		tier, err := credits.ParseTier(rawTier)
		if err != nil {
			return credits.Policy{}, fmt.Errorf("%w: %v", ErrInvalidPolicyFile, err)
		}
		tierPolicy := policy.Tiers[tier]
		if tierValues.MonthlyCredits != nil {
			tierPolicy.MonthlyCredits = *tierValues.MonthlyCredits
		}
		if tierValues.CreditCap != nil {
			tierPolicy.CreditCap = *tierValues.CreditCap
		}
		if tierValues.RolloverAllowed != nil {
			tierPolicy.RolloverAllowed = *tierValues.RolloverAllowed
		}
		if tierValues.MaxRollover != nil {
			tierPolicy.MaxRollover = *tierValues.MaxRollover
		}
		if tierValues.PriceUSD != nil {
			tierPolicy.PriceUSD = *tierValues.PriceUSD
		}
		if tierValues.PriceRef != nil {
			tierPolicy.PriceRef = *tierValues.PriceRef
		}
		policy.Tiers[tier] = tierPolicy
	}
	if metadata.IsDefined("packs") {
		policy.Packs = overlay.Packs
	}
	if metadata.IsDefined("tourist_passes") {
		policy.TouristPasses = overlay.TouristPasses
	}
	if overlay.TopUpValidityDays != nil {
		policy.TopUpValidityDays = *overlay.TopUpValidityDays
	}
	if overlay.GrantDayOfMonth != nil {
		policy.GrantDayOfMonth = *overlay.GrantDayOfMonth
	}
	if overlay.CreditValueUSD != nil {
		policy.CreditValueUSD = *overlay.CreditValueUSD
	}
	if overlay.Cancellation != nil {
		if overlay.Cancellation.FreeWindowHours != nil {
			policy.Cancellation.FreeWindowHours = *overlay.Cancellation.FreeWindowHours
		}
		if overlay.Cancellation.PenaltyCredits != nil {
			policy.Cancellation.PenaltyCredits = *overlay.Cancellation.PenaltyCredits
		}
	}
	if err := policy.Validate(); err != nil {
		return credits.Policy{}, fmt.Errorf("%w: %v", ErrInvalidPolicyFile, err)
	}
	return policy, nil
}
