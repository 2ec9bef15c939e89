package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/studiocredits/internal/telemetry"
	"github.com/MarkoPoloResearchLab/studiocredits/pkg/credits"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

const (
	webhookBodyLimit          = 1024 * 1024
	eventCheckoutCompleted    = "checkout.session.completed"
	paymentStatusPaid         = "paid"
	paymentStatusNoPaymentDue = "no_payment_required"
)

// checkoutSessionPayload is the subset of a checkout session the fulfiller reads.
type checkoutSessionPayload struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	PaymentStatus     string            `json:"payment_status"`
	Customer          string            `json:"customer"`
	CustomerEmail     string            `json:"customer_email"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// ProfileLookup resolves a member by email when the session metadata lacks a user id.
type ProfileLookup interface {
	GetProfileByEmail(ctx context.Context, email string) (credits.Profile, error)
}

// WebhookHandler verifies signed payment events and fulfils completed checkouts.
type WebhookHandler struct {
	secret    string
	fulfiller *Fulfiller
	profiles  ProfileLookup
	logger    *zap.Logger
}

// NewWebhookHandler creates the payment webhook HTTP handler.
func NewWebhookHandler(secret string, fulfiller *Fulfiller, profiles ProfileLookup, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{secret: secret, fulfiller: fulfiller, profiles: profiles, logger: logger}
}

// ServeHTTP verifies the signature and dispatches the event.
func (handler *WebhookHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		telemetry.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		telemetry.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if request.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(writer, status, webhookError("method_not_allowed", "method not allowed"))
		return
	}
	if strings.TrimSpace(handler.secret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(writer, status, webhookError("webhook_unconfigured", "webhook secret not configured"))
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, webhookBodyLimit)
	payload, err := io.ReadAll(request.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(writer, status, webhookError("invalid_body", "failed to read request body"))
		return
	}
	signature := request.Header.Get("Stripe-Signature")
	if strings.TrimSpace(signature) == "" {
		status = http.StatusBadRequest
		writeJSON(writer, status, webhookError("missing_signature", "missing Stripe signature"))
		return
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, handler.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(writer, status, webhookError("invalid_signature", "invalid Stripe signature"))
		return
	}
	eventType = string(event.Type)

	if err := handler.handleEvent(request.Context(), &event); err != nil {
		handler.logger.Error("payment webhook processing failed", zap.String("event_id", event.ID), zap.String("type", eventType), zap.Error(err))
		status = http.StatusInternalServerError
		if errors.Is(err, ErrInvalidIntent) || errors.Is(err, credits.ErrUnknownProfile) {
			// Retrying a malformed or orphaned purchase cannot succeed.
			status = http.StatusUnprocessableEntity
		}
		writeJSON(writer, status, webhookError("processing_failed", "processing failed"))
		return
	}
	writeJSON(writer, status, map[string]bool{"received": true})
}

func (handler *WebhookHandler) handleEvent(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case eventCheckoutCompleted:
		var session checkoutSessionPayload
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("%w: decode checkout.session: %v", ErrInvalidIntent, err)
		}
		return handler.handleCheckoutCompleted(ctx, session)
	default:
		handler.logger.Info("payment webhook ignored", zap.String("type", string(event.Type)), zap.String("event_id", event.ID))
		return nil
	}
}

func (handler *WebhookHandler) handleCheckoutCompleted(ctx context.Context, session checkoutSessionPayload) error {
	if session.PaymentStatus != paymentStatusPaid && session.PaymentStatus != paymentStatusNoPaymentDue {
		handler.logger.Info("checkout completed without payment", zap.String("session_id", session.ID), zap.String("payment_status", session.PaymentStatus))
		return nil
	}
	metadata := make(map[string]string, len(session.Metadata)+1)
	for key, value := range session.Metadata {
		metadata[key] = value
	}
	if strings.TrimSpace(metadata[metadataUserID]) == "" {
		metadata[metadataUserID] = handler.resolveUserID(ctx, session)
	}
	intent, err := ParseIntent(metadata)
	if err != nil {
		return err
	}
	fulfillment, err := handler.fulfiller.Fulfill(ctx, Purchase{SourceRef: session.ID, CustomerRef: session.Customer, Intent: intent})
	if err != nil {
		return err
	}
	handler.logger.Info("checkout fulfilled",
		zap.String("session_id", session.ID),
		zap.String("kind", string(intent.Kind())),
		zap.Bool("duplicate", fulfillment.Duplicate),
		zap.Int64("credits_after", fulfillment.BalanceAfter),
	)
	return nil
}

func (handler *WebhookHandler) resolveUserID(ctx context.Context, session checkoutSessionPayload) string {
	if reference := strings.TrimSpace(session.ClientReferenceID); reference != "" {
		return reference
	}
	email := strings.TrimSpace(session.CustomerEmail)
	if handler.profiles == nil || email == "" {
		return ""
	}
	profile, err := handler.profiles.GetProfileByEmail(ctx, email)
	if err != nil {
		handler.logger.Warn("checkout customer lookup failed", zap.String("session_id", session.ID), zap.Error(err))
		return ""
	}
	return profile.UserID.String()
}

func webhookError(code string, message string) map[string]any {
	return map[string]any{"error": map[string]string{"code": code, "message": message}}
}

func writeJSON(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(payload)
}
