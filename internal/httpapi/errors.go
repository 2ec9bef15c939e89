package httpapi

import (
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/studiocredits/internal/billing"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/booking"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/scheduler"
	"github.com/MarkoPoloResearchLab/studiocredits/pkg/credits"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorMapping struct {
	target error
	status int
	code   string
}

// Checked in order; the first errors.Is match wins.
var errorMappings = []errorMapping{
	{target: credits.ErrUnknownProfile, status: http.StatusNotFound, code: "unknown_profile"},
	{target: credits.ErrUnknownTouristPass, status: http.StatusNotFound, code: "unknown_tourist_pass"},
	{target: booking.ErrUnknownClass, status: http.StatusNotFound, code: "unknown_class"},
	{target: booking.ErrUnknownBooking, status: http.StatusNotFound, code: "unknown_booking"},
	{target: credits.ErrAccountFrozen, status: http.StatusForbidden, code: "account_frozen"},
	{target: credits.ErrTouristPassExhausted, status: http.StatusConflict, code: "tourist_pass_exhausted"},
	{target: booking.ErrClassStarted, status: http.StatusConflict, code: "class_started"},
	{target: booking.ErrClassFull, status: http.StatusConflict, code: "class_full"},
	{target: booking.ErrDuplicateBooking, status: http.StatusConflict, code: "duplicate_booking"},
	{target: booking.ErrAlreadyCancelled, status: http.StatusConflict, code: "already_cancelled"},
	{target: booking.ErrAlreadyAttended, status: http.StatusConflict, code: "already_attended"},
	{target: billing.ErrActivePassExists, status: http.StatusConflict, code: "active_pass_exists"},
	{target: scheduler.ErrForceNotAllowed, status: http.StatusForbidden, code: "force_not_allowed"},
	{target: billing.ErrInvalidIntent, status: http.StatusBadRequest, code: "invalid_purchase"},
	{target: billing.ErrUnknownProduct, status: http.StatusBadRequest, code: "unknown_product"},
	{target: credits.ErrInvalidUserID, status: http.StatusBadRequest, code: "invalid_user_id"},
	{target: credits.ErrInvalidTier, status: http.StatusBadRequest, code: "invalid_tier"},
	{target: credits.ErrInvalidCredits, status: http.StatusBadRequest, code: "invalid_credits"},
	{target: credits.ErrInvalidSourceRef, status: http.StatusBadRequest, code: "invalid_source_ref"},
	{target: billing.ErrCheckoutUnavailable, status: http.StatusBadGateway, code: "checkout_unavailable"},
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

// respondError writes the error envelope for err. Typed balance errors carry their numbers.
func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	var insufficient *credits.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		ctx.JSON(http.StatusConflict, gin.H{
			"error": gin.H{
				"code":      "insufficient_credits",
				"message":   err.Error(),
				"required":  insufficient.Required,
				"available": insufficient.Available,
				"shortfall": insufficient.Shortfall(),
			},
		})
		return
	}
	var capExceeded *credits.CapExceededError
	if errors.As(err, &capExceeded) {
		ctx.JSON(http.StatusConflict, gin.H{
			"error": gin.H{
				"code":      "cap_exceeded",
				"message":   err.Error(),
				"tier":      capExceeded.Tier,
				"current":   capExceeded.Current,
				"requested": capExceeded.Requested,
				"cap":       capExceeded.Cap,
				"headroom":  capExceeded.Headroom(),
			},
		})
		return
	}
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			ctx.JSON(mapping.status, errorResponse(mapping.code, err.Error()))
			return
		}
	}
	handler.logger.Error("request failed",
		zap.String("method", ctx.Request.Method),
		zap.String("route", ctx.FullPath()),
		zap.Error(err),
	)
	ctx.JSON(http.StatusBadGateway, errorResponse("store_failure", "backing store unavailable"))
}
