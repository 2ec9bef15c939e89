// Package httpapi exposes the credit, booking and billing services over HTTP.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/studiocredits/internal/billing"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/booking"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/scheduler"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/telemetry"
	"github.com/MarkoPoloResearchLab/studiocredits/pkg/credits"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// Dependencies are the services the handlers delegate to.
type Dependencies struct {
	Ledger    *credits.Service
	Bookings  *booking.Service
	Checkout  *billing.Checkout
	Fulfiller *billing.Fulfiller
	Webhook   http.Handler
	GrantJob  *scheduler.MonthlyGrantJob
	Logger    *zap.Logger
}

func (deps Dependencies) validate() error {
	switch {
	case deps.Ledger == nil:
		return fmt.Errorf("ledger service is required")
	case deps.Bookings == nil:
		return fmt.Errorf("booking service is required")
	case deps.Checkout == nil:
		return fmt.Errorf("checkout is required")
	case deps.Fulfiller == nil:
		return fmt.Errorf("fulfiller is required")
	case deps.Webhook == nil:
		return fmt.Errorf("webhook handler is required")
	case deps.GrantJob == nil:
		return fmt.Errorf("grant job is required")
	}
	return nil
}

// Run serves the API until ctx is cancelled.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	router, err := NewRouter(cfg, deps)
	if err != nil {
		return err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: cfg.RequestTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("studiod listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter validates cfg and deps and builds the gin engine.
func NewRouter(cfg Config, deps Dependencies) (*gin.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := &httpHandler{cfg: cfg, deps: deps, logger: logger}
	return setupRouter(cfg, handler, validator), nil
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestMetrics())
	router.Use(requestTimeout(cfg.RequestTimeout))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.POST("/api/webhooks/stripe", gin.WrapH(handler.deps.Webhook))

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))
	api.GET("/credits", handler.handleCredits)
	api.GET("/credits/breakdown", handler.handleBreakdown)
	api.GET("/credits/history", handler.handleHistory)
	api.GET("/packs", handler.handlePacks)
	api.POST("/bookings", handler.handleBook)
	api.GET("/bookings", handler.handleListBookings)
	api.GET("/bookings/:id/cancellation", handler.handleQuoteCancellation)
	api.POST("/bookings/:id/cancel", handler.handleCancel)
	api.POST("/checkout", handler.handleCheckout)
	if cfg.DevPurchases {
		api.POST("/dev/purchases", handler.handleDevPurchase)
	}

	internal := router.Group("/internal")
	if cfg.CronSecret != "" {
		internal.POST("/cron/monthly-grants", requireSecret(cronSecretHeader, cfg.CronSecret), handler.handleMonthlyGrants)
	}
	if cfg.OwnerSecret != "" {
		owner := internal.Group("/owner", requireSecret(ownerSecretHeader, cfg.OwnerSecret))
		owner.GET("/payouts", handler.handlePayouts)
		owner.POST("/bookings/:id/attended", handler.handleMarkAttended)
	}

	return router
}

type httpHandler struct {
	cfg    Config
	deps   Dependencies
	logger *zap.Logger
}

func requestMetrics() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()
		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		telemetry.HTTPRequestDuration.
			WithLabelValues(ctx.Request.Method, route, strconv.Itoa(ctx.Writer.Status())).
			Observe(time.Since(started).Seconds())
	}
}

func requestTimeout(timeout time.Duration) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), timeout)
		defer cancel()
		ctx.Request = ctx.Request.WithContext(requestCtx)
		ctx.Next()
	}
}

func requireSecret(header string, secret string) gin.HandlerFunc {
	expected := []byte(secret)
	return func(ctx *gin.Context) {
		provided := []byte(ctx.GetHeader(header))
		if subtle.ConstantTimeCompare(provided, expected) != 1 {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid secret"))
			return
		}
		ctx.Next()
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

// requireUser resolves the session user or writes 401.
func (handler *httpHandler) requireUser(ctx *gin.Context) (credits.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return credits.UserID{}, false
	}
	userID, err := credits.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no user"))
		return credits.UserID{}, false
	}
	return userID, true
}
