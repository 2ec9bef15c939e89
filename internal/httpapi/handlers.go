package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/studiocredits/internal/billing"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/booking"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/scheduler"
	"github.com/MarkoPoloResearchLab/studiocredits/pkg/credits"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	devSourceRefPrefix = "dev_"
	reportDateLayout   = "2006-01-02"
)

type creditsResponse struct {
	UserID     string               `json:"user_id"`
	Tier       credits.Tier         `json:"tier"`
	Credits    int64                `json:"credits"`
	CreditCap  int64                `json:"credit_cap"`
	ActivePass *credits.PassSummary `json:"active_pass"`
}

type entryPayload struct {
	EntryID   string     `json:"entry_id"`
	Delta     int64      `json:"delta"`
	Source    string     `json:"source"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type packPayload struct {
	PackID   string          `json:"pack_id"`
	Credits  int64           `json:"credits"`
	PriceUSD decimal.Decimal `json:"price_usd"`
	Eligible bool            `json:"eligible"`
}

type passTypePayload struct {
	PassTypeID   string          `json:"pass_type_id"`
	DurationDays int             `json:"duration_days"`
	TotalClasses int             `json:"total_classes"`
	PriceUSD     decimal.Decimal `json:"price_usd"`
	Eligible     bool            `json:"eligible"`
}

type bookingPayload struct {
	BookingID      string                `json:"booking_id"`
	ClassID        string                `json:"class_id"`
	Status         booking.Status        `json:"status"`
	PaymentMethod  booking.PaymentMethod `json:"payment_method"`
	PassID         string                `json:"pass_id,omitempty"`
	CreditsUsed    int64                 `json:"credits_used"`
	CreatedAt      time.Time             `json:"created_at"`
	CancelledAt    *time.Time            `json:"cancelled_at,omitempty"`
	RefundCredits  int64                 `json:"refund_credits"`
	PenaltyCredits int64                 `json:"penalty_credits"`
	AttendedAt     *time.Time            `json:"attended_at,omitempty"`
}

type bookRequest struct {
	ClassID string `json:"class_id"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func toBookingPayload(source booking.Booking) bookingPayload {
	return bookingPayload{
		BookingID:      source.BookingID,
		ClassID:        source.ClassID,
		Status:         source.Status,
		PaymentMethod:  source.PaymentMethod,
		PassID:         source.PassID,
		CreditsUsed:    source.CreditsUsed,
		CreatedAt:      source.CreatedAt,
		CancelledAt:    source.CancelledAt,
		RefundCredits:  source.RefundCredits,
		PenaltyCredits: source.PenaltyCredits,
		AttendedAt:     source.AttendedAt,
	}
}

func (handler *httpHandler) handleCredits(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	requestCtx := ctx.Request.Context()
	ledger := handler.deps.Ledger
	balance, err := ledger.ActiveCredits(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	pass, err := ledger.HasActiveTouristPass(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	tier := ledger.UserTier(requestCtx, userID)
	ctx.JSON(http.StatusOK, creditsResponse{
		UserID:     userID.String(),
		Tier:       tier,
		Credits:    balance,
		CreditCap:  ledger.Policy().Tier(tier).CreditCap,
		ActivePass: pass,
	})
}

func (handler *httpHandler) handleBreakdown(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	breakdown, err := handler.deps.Ledger.CreditBreakdown(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if breakdown.Expiring == nil {
		breakdown.Expiring = []credits.ExpiringBucket{}
	}
	ctx.JSON(http.StatusOK, breakdown)
}

func (handler *httpHandler) handleHistory(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	limit, err := parseLimit(ctx.Query("limit"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", err.Error()))
		return
	}
	var before time.Time
	if raw := strings.TrimSpace(ctx.Query("before")); raw != "" {
		before, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_before", "before must be an RFC3339 timestamp"))
			return
		}
	}
	entries, err := handler.deps.Ledger.ListEntries(ctx.Request.Context(), userID, before, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, entryPayload{
			EntryID:   entry.EntryID,
			Delta:     entry.Delta,
			Source:    entry.Source.String(),
			ExpiresAt: entry.ExpiresAt,
			CreatedAt: entry.CreatedAt,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (handler *httpHandler) handlePacks(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	requestCtx := ctx.Request.Context()
	ledger := handler.deps.Ledger
	tier := ledger.UserTier(requestCtx, userID)
	policy := ledger.Policy()

	packs := make([]packPayload, 0, len(policy.Packs))
	for _, pack := range policy.SortedPacks() {
		eligible, err := ledger.CanPurchaseTopUp(requestCtx, userID, tier, pack.Credits)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		packs = append(packs, packPayload{PackID: pack.PackID, Credits: pack.Credits, PriceUSD: pack.PriceUSD, Eligible: eligible})
	}

	activePass, err := ledger.HasActiveTouristPass(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	passes := make([]passTypePayload, 0, len(policy.TouristPasses))
	for _, passType := range policy.TouristPasses {
		passes = append(passes, passTypePayload{
			PassTypeID:   passType.PassTypeID,
			DurationDays: passType.DurationDays,
			TotalClasses: passType.TotalClasses,
			PriceUSD:     passType.PriceUSD,
			Eligible:     activePass == nil,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"tier": tier, "packs": packs, "tourist_passes": passes})
}

func (handler *httpHandler) handleBook(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	var request bookRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ClassID) == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "class_id is required"))
		return
	}
	created, err := handler.deps.Bookings.Book(ctx.Request.Context(), userID, strings.TrimSpace(request.ClassID))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	balance, err := handler.deps.Ledger.ActiveCredits(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"booking": toBookingPayload(created), "credits": balance})
}

func (handler *httpHandler) handleListBookings(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	limit, err := parseLimit(ctx.Query("limit"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", err.Error()))
		return
	}
	bookings, err := handler.deps.Bookings.ListBookings(ctx.Request.Context(), userID, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]bookingPayload, 0, len(bookings))
	for _, listed := range bookings {
		payload = append(payload, toBookingPayload(listed))
	}
	ctx.JSON(http.StatusOK, gin.H{"bookings": payload})
}

func (handler *httpHandler) handleQuoteCancellation(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	quote, err := handler.deps.Bookings.QuoteCancellation(ctx.Request.Context(), userID, ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, quote)
}

func (handler *httpHandler) handleCancel(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	var request cancelRequest
	if ctx.Request.ContentLength != 0 {
		if err := ctx.ShouldBindJSON(&request); err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "malformed cancellation body"))
			return
		}
	}
	result, err := handler.deps.Bookings.Cancel(ctx.Request.Context(), userID, ctx.Param("id"), request.Reason)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"booking":        toBookingPayload(result.Booking),
		"quote":          result.Quote,
		"balance_before": result.BalanceBefore,
		"balance_after":  result.BalanceAfter,
	})
}

func (handler *httpHandler) handleCheckout(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	var request billing.CheckoutRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "malformed checkout body"))
		return
	}
	session, err := handler.deps.Checkout.Start(ctx.Request.Context(), userID, request)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, session)
}

// handleDevPurchase fulfils a purchase without a payment provider.
func (handler *httpHandler) handleDevPurchase(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	var request billing.CheckoutRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "malformed purchase body"))
		return
	}
	requestCtx := ctx.Request.Context()
	intent, err := handler.deps.Checkout.Prepare(requestCtx, userID, request)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	sourceRef := devSourceRefPrefix + uuid.NewString()
	fulfillment, err := handler.deps.Fulfiller.Fulfill(requestCtx, billing.Purchase{SourceRef: sourceRef, Intent: intent})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.logger.Info("dev purchase fulfilled", zap.String("user_id", userID.String()), zap.String("source_ref", sourceRef), zap.String("kind", string(intent.Kind())))
	ctx.JSON(http.StatusOK, gin.H{
		"source_ref":     sourceRef,
		"kind":           intent.Kind(),
		"balance_before": fulfillment.BalanceBefore,
		"balance_after":  fulfillment.BalanceAfter,
		"pass_id":        fulfillment.PassID,
	})
}

func (handler *httpHandler) handleMonthlyGrants(ctx *gin.Context) {
	force := false
	if raw := strings.TrimSpace(ctx.Query("force")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_force", "force must be a boolean"))
			return
		}
		force = parsed
	}
	report, err := handler.deps.GrantJob.Run(ctx.Request.Context(), force)
	if errors.Is(err, scheduler.ErrNotGrantDay) {
		ctx.JSON(http.StatusOK, gin.H{"status": "not_grant_day"})
		return
	}
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "completed", "report": report})
}

func (handler *httpHandler) handlePayouts(ctx *gin.Context) {
	from, fromErr := time.Parse(reportDateLayout, ctx.Query("from"))
	to, toErr := time.Parse(reportDateLayout, ctx.Query("to"))
	if fromErr != nil || toErr != nil || !from.Before(to) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_range", "from and to must be YYYY-MM-DD dates with from before to"))
		return
	}
	lines, err := handler.deps.Bookings.PayoutReport(ctx.Request.Context(), from, to)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if lines == nil {
		lines = []booking.PayoutLine{}
	}
	ctx.JSON(http.StatusOK, gin.H{
		"from":  from.Format(reportDateLayout),
		"to":    to.Format(reportDateLayout),
		"lines": lines,
	})
}

func (handler *httpHandler) handleMarkAttended(ctx *gin.Context) {
	bookingID := ctx.Param("id")
	if err := handler.deps.Bookings.MarkAttended(ctx.Request.Context(), bookingID); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"booking_id": bookingID, "status": booking.StatusAttended})
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return limit, nil
}
