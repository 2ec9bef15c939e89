package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/studiocredits/internal/audit"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/billing"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/booking"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/httpapi"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/policyfile"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/scheduler"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/telemetry"
	"github.com/MarkoPoloResearchLab/studiocredits/pkg/credits"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	flagListenAddr         = "listen-addr"
	flagAllowedOrigins     = "allowed-origins"
	flagJWTSigningKey      = "jwt-signing-key"
	flagJWTIssuer          = "jwt-issuer"
	flagJWTCookieName      = "jwt-cookie-name"
	flagStripeSecretKey    = "stripe-secret-key"
	flagStripeWebhookKey   = "stripe-webhook-secret"
	flagCheckoutSuccessURL = "checkout-success-url"
	flagCheckoutCancelURL  = "checkout-cancel-url"
	flagCronSecret         = "cron-secret"
	flagOwnerSecret        = "owner-secret"
	flagDevPurchases       = "dev-purchases"
	flagProduction         = "production"
	flagRequestTimeout     = "request-timeout"
	flagGrantInterval      = "grant-interval"
	flagSeedFile           = "seed-file"
)

type serveSettings struct {
	common        commonSettings
	api           httpapi.Config
	grantInterval time.Duration
	seedFile      string
}

func newServeCommand() *cobra.Command {
	var settings serveSettings
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			settings, err = loadServeSettings(v)
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, settings)
		},
	}

	cmd.Flags().String(flagListenAddr, ":8080", "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "tauth", "expected JWT issuer")
	cmd.Flags().String(flagJWTCookieName, "app_session", "JWT cookie name")
	cmd.Flags().String(flagStripeSecretKey, "", "Stripe secret key for checkout sessions")
	cmd.Flags().String(flagStripeWebhookKey, "", "Stripe webhook signing secret")
	cmd.Flags().String(flagCheckoutSuccessURL, "", "redirect after a completed checkout")
	cmd.Flags().String(flagCheckoutCancelURL, "", "redirect after an abandoned checkout")
	cmd.Flags().String(flagCronSecret, "", "shared secret for the monthly grant endpoint; empty disables it")
	cmd.Flags().String(flagOwnerSecret, "", "shared secret for owner endpoints; empty disables them")
	cmd.Flags().Bool(flagDevPurchases, false, "fulfil purchases without a payment provider")
	cmd.Flags().Bool(flagProduction, false, "refuse development-only settings")
	cmd.Flags().Duration(flagRequestTimeout, 5*time.Second, "per-request deadline")
	cmd.Flags().Duration(flagGrantInterval, 0, "run the monthly grant check in-process at this interval; 0 disables it")
	cmd.Flags().String(flagSeedFile, "", "TOML file of gyms, classes and profiles to upsert at startup")
	return cmd
}

func loadServeSettings(v *viper.Viper) (serveSettings, error) {
	common, err := loadCommonSettings(v)
	if err != nil {
		return serveSettings{}, err
	}
	settings := serveSettings{
		common: common,
		api: httpapi.Config{
			ListenAddr:          strings.TrimSpace(v.GetString(flagListenAddr)),
			AllowedOrigins:      httpapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
			SessionSigningKey:   v.GetString(flagJWTSigningKey),
			SessionIssuer:       strings.TrimSpace(v.GetString(flagJWTIssuer)),
			SessionCookieName:   strings.TrimSpace(v.GetString(flagJWTCookieName)),
			StripeSecretKey:     strings.TrimSpace(v.GetString(flagStripeSecretKey)),
			StripeWebhookSecret: strings.TrimSpace(v.GetString(flagStripeWebhookKey)),
			CheckoutSuccessURL:  strings.TrimSpace(v.GetString(flagCheckoutSuccessURL)),
			CheckoutCancelURL:   strings.TrimSpace(v.GetString(flagCheckoutCancelURL)),
			CronSecret:          v.GetString(flagCronSecret),
			OwnerSecret:         v.GetString(flagOwnerSecret),
			DevPurchases:        v.GetBool(flagDevPurchases),
			Production:          v.GetBool(flagProduction),
			RequestTimeout:      v.GetDuration(flagRequestTimeout),
		},
		grantInterval: v.GetDuration(flagGrantInterval),
		seedFile:      strings.TrimSpace(v.GetString(flagSeedFile)),
	}
	if settings.api.Production && strings.HasPrefix(common.DatabaseURL, "memory://") {
		return serveSettings{}, fmt.Errorf("memory database cannot be used in production")
	}
	if err := settings.api.Validate(); err != nil {
		return serveSettings{}, err
	}
	return settings, nil
}

// services is the wired domain layer shared by serve and grant-monthly.
type services struct {
	ledger    *credits.Service
	auditor   *audit.Logger
	bookings  *booking.Service
	fulfiller *billing.Fulfiller
	grantJob  *scheduler.MonthlyGrantJob
}

func buildServices(store *backend, policy credits.Policy, logger *zap.Logger, allowForce bool) (*services, error) {
	clock := func() time.Time { return time.Now().UTC() }
	operationLogger := telemetry.NewOperationLogger(logger)
	ledger, err := credits.NewService(store.credits, policy, clock, operationLogger.ServiceOptions()...)
	if err != nil {
		return nil, fmt.Errorf("credit service init: %w", err)
	}
	auditor := audit.NewLogger(store.audit, logger, clock)
	bookings, err := booking.NewService(store.booking, ledger, auditor, logger)
	if err != nil {
		return nil, fmt.Errorf("booking service init: %w", err)
	}
	fulfiller, err := billing.NewFulfiller(store.billing, ledger, auditor, logger)
	if err != nil {
		return nil, fmt.Errorf("fulfiller init: %w", err)
	}
	grantJob, err := scheduler.NewMonthlyGrantJob(store.scheduler, ledger, auditor, logger, allowForce)
	if err != nil {
		return nil, fmt.Errorf("grant job init: %w", err)
	}
	return &services{ledger: ledger, auditor: auditor, bookings: bookings, fulfiller: fulfiller, grantJob: grantJob}, nil
}

func runServe(ctx context.Context, settings serveSettings) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	policy, err := policyfile.Load(settings.common.PolicyFile)
	if err != nil {
		return err
	}
	store, err := openBackend(ctx, settings.common.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = store.close() }()

	if settings.seedFile != "" {
		document, err := loadSeedFile(settings.seedFile)
		if err != nil {
			return err
		}
		if err := applySeed(ctx, store.seeder, document); err != nil {
			return err
		}
		logger.Info("seed applied", zap.String("file", settings.seedFile), zap.Int("gyms", len(document.Gyms)), zap.Int("classes", len(document.Classes)), zap.Int("profiles", len(document.Profiles)))
	}

	domain, err := buildServices(store, policy, logger, !settings.api.Production)
	if err != nil {
		return err
	}
	checkout, err := billing.NewCheckout(domain.ledger, billing.CheckoutConfig{
		SecretKey:  settings.api.StripeSecretKey,
		SuccessURL: settings.api.CheckoutSuccessURL,
		CancelURL:  settings.api.CheckoutCancelURL,
	}, nil, logger)
	if err != nil {
		return err
	}

	if settings.grantInterval > 0 {
		go domain.grantJob.Start(ctx, settings.grantInterval)
	}

	logger.Info("studiod starting", zap.String("driver", store.driver), zap.Bool("dev_purchases", settings.api.DevPurchases))
	return httpapi.Run(ctx, settings.api, httpapi.Dependencies{
		Ledger:    domain.ledger,
		Bookings:  domain.bookings,
		Checkout:  checkout,
		Fulfiller: domain.fulfiller,
		Webhook:   billing.NewWebhookHandler(settings.api.StripeWebhookSecret, domain.fulfiller, store.profiles, logger),
		GrantJob:  domain.grantJob,
		Logger:    logger,
	})
}
