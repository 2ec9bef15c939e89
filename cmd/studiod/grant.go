package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/studiocredits/internal/audit"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/policyfile"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/scheduler"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/telemetry"
	"github.com/MarkoPoloResearchLab/studiocredits/pkg/credits"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const flagForce = "force"

type grantSettings struct {
	common     commonSettings
	force      bool
	production bool
}

func newGrantMonthlyCommand() *cobra.Command {
	var settings grantSettings
	cmd := &cobra.Command{
		Use:   "grant-monthly",
		Short: "Grant this period's subscription credits once per subscriber",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			settings.common, err = loadCommonSettings(v)
			if err != nil {
				return err
			}
			settings.force = v.GetBool(flagForce)
			settings.production = v.GetBool(flagProduction)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer func() { _ = logger.Sync() }()
			return runGrantMonthly(ctx, settings, logger, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Bool(flagForce, false, "run even when today is not the grant day")
	cmd.Flags().Bool(flagProduction, false, "refuse forced runs")
	return cmd
}

func runGrantMonthly(ctx context.Context, settings grantSettings, logger *zap.Logger, out io.Writer) error {
	policy, err := policyfile.Load(settings.common.PolicyFile)
	if err != nil {
		return err
	}
	job, closeStore, err := openGrantJob(ctx, settings, policy, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	report, err := job.Run(ctx, settings.force)
	if errors.Is(err, scheduler.ErrNotGrantDay) {
		logger.Info("not the grant day, nothing to do")
		_, writeErr := fmt.Fprintln(out, "not the grant day")
		return writeErr
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "period=%s granted=%d skipped=%d failed=%d\n", report.Period, report.Granted, report.Skipped, report.Failed)
	if err != nil {
		return err
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d monthly grants failed", report.Failed)
	}
	return nil
}

// openGrantJob uses the pgx pool store for PostgreSQL and the gorm or memory backend otherwise.
func openGrantJob(ctx context.Context, settings grantSettings, policy credits.Policy, logger *zap.Logger) (*scheduler.MonthlyGrantJob, func(), error) {
	driver, _, err := resolveDriver(settings.common.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	allowForce := !settings.production
	if driver != driverPostgres {
		store, err := openBackend(ctx, settings.common.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		domain, err := buildServices(store, policy, logger, allowForce)
		if err != nil {
			_ = store.close()
			return nil, nil, err
		}
		return domain.grantJob, func() { _ = store.close() }, nil
	}

	pool, err := pgxpool.New(ctx, settings.common.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database open: %w", err)
	}
	store := pgstore.New(pool)
	clock := func() time.Time { return time.Now().UTC() }
	ledger, err := credits.NewService(store, policy, clock, telemetry.NewOperationLogger(logger).ServiceOptions()...)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("credit service init: %w", err)
	}
	job, err := scheduler.NewMonthlyGrantJob(store.Scheduler(), ledger, audit.NewLogger(store, logger, clock), logger, allowForce)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return job, pool.Close, nil
}
