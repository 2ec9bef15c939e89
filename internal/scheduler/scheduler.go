// Package scheduler drives the monthly credit grant.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/studiocredits/internal/audit"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/telemetry"
	"github.com/MarkoPoloResearchLab/studiocredits/pkg/credits"
	"go.uber.org/zap"
)

const (
	outcomeGranted = "granted"
	outcomeSkipped = "skipped"
	outcomeFailed  = "failed"
)

var (
	ErrNotGrantDay          = errors.New("not the configured grant day")
	ErrForceNotAllowed      = errors.New("forced grant runs are disabled")
	ErrInvalidServiceConfig = errors.New("invalid scheduler config")
)

// Store is the persistence contract of the monthly grant job.
type Store interface {
	audit.Writer
	Credits() credits.Store
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// ListSubscribers returns profiles with a tier that are not frozen.
	ListSubscribers(ctx context.Context) ([]credits.Profile, error)
	// ClaimGrantRun marks the grant of period as done for userID and reports false when it already was.
	ClaimGrantRun(ctx context.Context, userID credits.UserID, period string) (bool, error)
}

// RunReport summarises one pass over the subscribers.
type RunReport struct {
	Period  string `json:"period"`
	Granted int    `json:"granted"`
	Skipped int    `json:"skipped"`
	Failed  int    `json:"failed"`
}

// MonthlyGrantJob grants each subscriber's monthly credits once per period.
type MonthlyGrantJob struct {
	store      Store
	ledger     *credits.Service
	auditor    *audit.Logger
	logger     *zap.Logger
	allowForce bool
}

// NewMonthlyGrantJob wires the job. allowForce permits runs outside the grant day.
func NewMonthlyGrantJob(store Store, ledger *credits.Service, auditor *audit.Logger, logger *zap.Logger, allowForce bool) (*MonthlyGrantJob, error) {
	if store == nil || ledger == nil {
		return nil, fmt.Errorf("%w: store and ledger are required", ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MonthlyGrantJob{store: store, ledger: ledger, auditor: auditor, logger: logger, allowForce: allowForce}, nil
}

// Due reports whether now falls on the configured grant day.
func (job *MonthlyGrantJob) Due(now time.Time) bool {
	return now.UTC().Day() == job.ledger.Policy().GrantDayOfMonth
}

// Run grants every subscriber whose current period is unclaimed. Failures are counted and the run continues.
func (job *MonthlyGrantJob) Run(ctx context.Context, force bool) (RunReport, error) {
	now := job.ledger.Now()
	if force && !job.allowForce {
		return RunReport{}, ErrForceNotAllowed
	}
	if !force && !job.Due(now) {
		return RunReport{}, ErrNotGrantDay
	}
	report := RunReport{Period: credits.GrantPeriod(now)}
	subscribers, err := job.store.ListSubscribers(ctx)
	if err != nil {
		return report, err
	}
	for _, profile := range subscribers {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		outcome := job.grantOne(ctx, profile, report.Period)
		telemetry.GrantRunsTotal.WithLabelValues(outcome).Inc()
		switch outcome {
		case outcomeGranted:
			report.Granted++
		case outcomeSkipped:
			report.Skipped++
		default:
			report.Failed++
		}
	}
	job.logger.Info("monthly grant run finished",
		zap.String("period", report.Period),
		zap.Int("granted", report.Granted),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func (job *MonthlyGrantJob) grantOne(ctx context.Context, profile credits.Profile, period string) string {
	var (
		result  credits.GrantResult
		claimed bool
	)
	tier := job.ledger.UserTier(ctx, profile.UserID)
	err := job.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		var err error
		claimed, err = txStore.ClaimGrantRun(ctx, profile.UserID, period)
		if err != nil || !claimed {
			return err
		}
		result, err = job.ledger.WithStore(txStore.Credits()).GrantMonthlyCredits(ctx, profile.UserID, tier)
		return err
	})
	if err != nil {
		job.logger.Error("monthly grant failed", zap.String("user_id", profile.UserID.String()), zap.String("period", period), zap.Error(err))
		return outcomeFailed
	}
	if !claimed {
		return outcomeSkipped
	}
	job.auditor.Record(ctx, audit.Entry{
		UserID:        profile.UserID,
		Action:        audit.ActionMonthlyGrant,
		CreditsBefore: result.BalanceBefore,
		CreditsAfter:  result.BalanceAfter,
		Metadata: map[string]any{
			"period":  period,
			"tier":    tier.String(),
			"trimmed": result.Trimmed,
			"granted": result.Granted,
		},
	})
	return outcomeGranted
}

// Start checks on every tick until ctx is done. Days other than the grant day are no-ops.
func (job *MonthlyGrantJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	job.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job.tick(ctx)
		}
	}
}

func (job *MonthlyGrantJob) tick(ctx context.Context) {
	_, err := job.Run(ctx, false)
	if err != nil && !errors.Is(err, ErrNotGrantDay) {
		job.logger.Error("monthly grant run failed", zap.Error(err))
	}
}
