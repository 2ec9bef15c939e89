package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/booking"
	"github.com/MarkoPoloResearchLab/studiocredits/pkg/credits"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var errInvalidSeed = errors.New("invalid seed file")

// seedWriter upserts catalogue and member rows.
type seedWriter interface {
	UpsertGym(ctx context.Context, gym booking.Gym) error
	UpsertClass(ctx context.Context, class booking.Class) error
	UpsertProfile(ctx context.Context, profile credits.Profile) error
}

type seedGym struct {
	GymID         string          `toml:"gym_id"`
	Name          string          `toml:"name"`
	PayoutPercent decimal.Decimal `toml:"payout_percent"`
}

type seedClass struct {
	ClassID    string    `toml:"class_id"`
	GymID      string    `toml:"gym_id"`
	Title      string    `toml:"title"`
	StartsAt   time.Time `toml:"starts_at"`
	Capacity   int       `toml:"capacity"`
	CreditCost int64     `toml:"credit_cost"`
}

type seedProfile struct {
	UserID string `toml:"user_id"`
	Email  string `toml:"email"`
	Tier   string `toml:"tier"`
	Frozen bool   `toml:"frozen"`
}

type seedDocument struct {
	Gyms     []seedGym     `toml:"gyms"`
	Classes  []seedClass   `toml:"classes"`
	Profiles []seedProfile `toml:"profiles"`
}

func newSeedCommand() *cobra.Command {
	var (
		settings commonSettings
		seedFile string
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Upsert gyms, classes and profiles from a TOML file",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			settings, err = loadCommonSettings(v)
			if err != nil {
				return err
			}
			seedFile = strings.TrimSpace(v.GetString(flagSeedFile))
			if seedFile == "" {
				return fmt.Errorf("%s is required", flagSeedFile)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd.Context(), settings, seedFile, cmd.OutOrStdout())
		},
	}
	cmd.Flags().String(flagSeedFile, "", "TOML file of gyms, classes and profiles (required)")
	return cmd
}

func runSeed(ctx context.Context, settings commonSettings, path string, out io.Writer) error {
	document, err := loadSeedFile(path)
	if err != nil {
		return err
	}
	store, err := openBackend(ctx, settings.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = store.close() }()
	if err := applySeed(ctx, store.seeder, document); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "seeded gyms=%d classes=%d profiles=%d\n", len(document.Gyms), len(document.Classes), len(document.Profiles))
	return err
}

func loadSeedFile(path string) (seedDocument, error) {
	var document seedDocument
	metadata, err := toml.DecodeFile(path, &document)
	if err != nil {
		return seedDocument{}, fmt.Errorf("%w: %v", errInvalidSeed, err)
	}
	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		sort.Strings(keys)
		return seedDocument{}, fmt.Errorf("%w: unknown keys %s", errInvalidSeed, strings.Join(keys, ", "))
	}
	return document, nil
}

// applySeed writes gyms before the classes that reference them.
func applySeed(ctx context.Context, writer seedWriter, document seedDocument) error {
	for _, gym := range document.Gyms {
		if strings.TrimSpace(gym.GymID) == "" {
			return fmt.Errorf("%w: gym without gym_id", errInvalidSeed)
		}
		if gym.PayoutPercent.IsNegative() || gym.PayoutPercent.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("%w: gym %s payout_percent out of range", errInvalidSeed, gym.GymID)
		}
		if err := writer.UpsertGym(ctx, booking.Gym{GymID: gym.GymID, Name: gym.Name, PayoutPercent: gym.PayoutPercent}); err != nil {
			return err
		}
	}
	for _, class := range document.Classes {
		if strings.TrimSpace(class.ClassID) == "" || strings.TrimSpace(class.GymID) == "" {
			return fmt.Errorf("%w: class needs class_id and gym_id", errInvalidSeed)
		}
		if class.Capacity <= 0 || class.CreditCost < 0 {
			return fmt.Errorf("%w: class %s needs a positive capacity and a non-negative credit_cost", errInvalidSeed, class.ClassID)
		}
		if err := writer.UpsertClass(ctx, booking.Class{
			ClassID:    class.ClassID,
			GymID:      class.GymID,
			Title:      class.Title,
			StartsAt:   class.StartsAt.UTC(),
			Capacity:   class.Capacity,
			CreditCost: class.CreditCost,
		}); err != nil {
			return err
		}
	}
	for _, profile := range document.Profiles {
		userID, err := credits.NewUserID(profile.UserID)
		if err != nil {
			return fmt.Errorf("%w: %v", errInvalidSeed, err)
		}
		var tier credits.Tier
		if strings.TrimSpace(profile.Tier) != "" {
			tier, err = credits.ParseTier(profile.Tier)
			if err != nil {
				return fmt.Errorf("%w: %v", errInvalidSeed, err)
			}
		}
		if err := writer.UpsertProfile(ctx, credits.Profile{
			UserID: userID,
			Email:  strings.TrimSpace(profile.Email),
			Tier:   tier,
			Frozen: profile.Frozen,
		}); err != nil {
			return err
		}
	}
	return nil
}
