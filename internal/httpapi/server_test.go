package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/studiocredits/internal/audit"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/billing"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/booking"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/httpapi"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/scheduler"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/studiocredits/pkg/credits"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
)

const (
	memberID      = "member"
	cronSecret    = "cron-secret"
	ownerSecret   = "owner-secret"
	webhookSecret = "whsec_test_secret"
)

type fixture struct {
	store  *memstore.Store
	ledger *credits.Service
	router *gin.Engine
	cfg    httpapi.Config
	now    time.Time
}

func newFixture(t *testing.T, configure func(cfg *httpapi.Config)) *fixture {
	t.Helper()
	fixture := &fixture{store: memstore.New(), now: time.Date(2024, time.December, 1, 10, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return fixture.now }
	ledger, err := credits.NewService(fixture.store, credits.DefaultPolicy(), clock)
	require.NoError(t, err)
	fixture.ledger = ledger
	auditor := audit.NewLogger(fixture.store, nil, clock)

	bookings, err := booking.NewService(fixture.store.Booking(), ledger, auditor, nil)
	require.NoError(t, err)
	checkout, err := billing.NewCheckout(ledger, billing.CheckoutConfig{SuccessURL: "https://studio.example/ok", CancelURL: "https://studio.example/cancel"},
		func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
			return &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.example/cs_test_1"}, nil
		}, nil)
	require.NoError(t, err)
	fulfiller, err := billing.NewFulfiller(fixture.store.Billing(), ledger, auditor, nil)
	require.NoError(t, err)
	job, err := scheduler.NewMonthlyGrantJob(fixture.store.Scheduler(), ledger, auditor, nil, true)
	require.NoError(t, err)

	fixture.cfg = httpapi.Config{
		SessionSigningKey:   "secret-key",
		SessionIssuer:       "tauth",
		SessionCookieName:   "app_session",
		StripeWebhookSecret: webhookSecret,
		CronSecret:          cronSecret,
		OwnerSecret:         ownerSecret,
		DevPurchases:        true,
	}
	if configure != nil {
		configure(&fixture.cfg)
	}
	router, err := httpapi.NewRouter(fixture.cfg, httpapi.Dependencies{
		Ledger:    ledger,
		Bookings:  bookings,
		Checkout:  checkout,
		Fulfiller: fulfiller,
		Webhook:   billing.NewWebhookHandler(webhookSecret, fulfiller, fixture.store, nil),
		GrantJob:  job,
	})
	require.NoError(t, err)
	fixture.router = router

	require.NoError(t, fixture.store.UpsertGym(context.Background(), booking.Gym{GymID: "gym-1", Name: "Harbour Yoga", PayoutPercent: decimal.NewFromInt(70)}))
	return fixture
}

func (fixture *fixture) member(t *testing.T, tier credits.Tier, frozen bool) credits.UserID {
	t.Helper()
	userID, err := credits.NewUserID(memberID)
	require.NoError(t, err)
	require.NoError(t, fixture.store.UpsertProfile(context.Background(), credits.Profile{UserID: userID, Email: "member@example.com", Tier: tier, Frozen: frozen}))
	return userID
}

func (fixture *fixture) class(t *testing.T, classID string, startsIn time.Duration, cost int64) {
	t.Helper()
	require.NoError(t, fixture.store.UpsertClass(context.Background(), booking.Class{
		ClassID:    classID,
		GymID:      "gym-1",
		Title:      "Flow " + classID,
		StartsAt:   fixture.now.Add(startsIn),
		Capacity:   10,
		CreditCost: cost,
	}))
}

func buildSessionCookie(t *testing.T, cfg httpapi.Config) *http.Cookie {
	t.Helper()
	claims := &sessionvalidator.Claims{
		UserID:          memberID,
		UserEmail:       "member@example.com",
		UserDisplayName: "Member",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.SessionIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.SessionSigningKey))
	require.NoError(t, err)
	return &http.Cookie{Name: cfg.SessionCookieName, Value: signed}
}

// call performs an authenticated request and decodes the JSON response.
func (fixture *fixture) call(t *testing.T, method string, path string, body any) (int, map[string]any) {
	t.Helper()
	request := newRequest(t, method, path, body)
	request.AddCookie(buildSessionCookie(t, fixture.cfg))
	return fixture.serve(t, request)
}

func (fixture *fixture) serve(t *testing.T, request *http.Request) (int, map[string]any) {
	t.Helper()
	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, request)
	payload := map[string]any{}
	if recorder.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &payload), recorder.Body.String())
	}
	return recorder.Code, payload
}

func newRequest(t *testing.T, method string, path string, body any) *http.Request {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	return request
}

func errorCode(payload map[string]any) string {
	envelope, _ := payload["error"].(map[string]any)
	code, _ := envelope["code"].(string)
	return code
}

func TestHealthzAndSessionGate(t *testing.T) {
	fixture := newFixture(t, nil)

	status, payload := fixture.serve(t, newRequest(t, http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", payload["status"])

	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, newRequest(t, http.MethodGet, "/api/credits", nil))
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestDevPurchasesRespectTheCap(t *testing.T) {
	fixture := newFixture(t, nil)
	fixture.member(t, credits.TierT1, false)

	status, payload := fixture.call(t, http.MethodPost, "/api/dev/purchases", map[string]string{"kind": "topup", "pack_id": "pack_5"})
	require.Equal(t, http.StatusOK, status, payload)
	require.Equal(t, float64(5), payload["balance_after"])

	status, payload = fixture.call(t, http.MethodGet, "/api/credits", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, float64(5), payload["credits"])
	require.Equal(t, "t1", payload["tier"])
	require.Equal(t, float64(10), payload["credit_cap"])
	require.Nil(t, payload["active_pass"])

	status, payload = fixture.call(t, http.MethodPost, "/api/dev/purchases", map[string]string{"kind": "topup", "pack_id": "pack_10"})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "cap_exceeded", errorCode(payload))
	envelope := payload["error"].(map[string]any)
	require.Equal(t, float64(5), envelope["headroom"])
	require.Equal(t, float64(10), envelope["cap"])

	status, payload = fixture.call(t, http.MethodGet, "/api/packs", nil)
	require.Equal(t, http.StatusOK, status)
	packs := payload["packs"].([]any)
	require.Len(t, packs, 3)
	eligibility := map[string]bool{}
	for _, raw := range packs {
		pack := raw.(map[string]any)
		eligibility[pack["pack_id"].(string)] = pack["eligible"].(bool)
	}
	require.Equal(t, map[string]bool{"pack_5": true, "pack_10": false, "pack_20": false}, eligibility)

	status, payload = fixture.call(t, http.MethodPost, "/api/dev/purchases", map[string]string{"kind": "topup", "pack_id": "pack_404"})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "unknown_product", errorCode(payload))
}

func TestDevPurchasesAreDisabledUnlessConfigured(t *testing.T) {
	fixture := newFixture(t, func(cfg *httpapi.Config) { cfg.DevPurchases = false })
	fixture.member(t, credits.TierT1, false)

	recorder := httptest.NewRecorder()
	request := newRequest(t, http.MethodPost, "/api/dev/purchases", map[string]string{"kind": "topup", "pack_id": "pack_5"})
	request.AddCookie(buildSessionCookie(t, fixture.cfg))
	fixture.router.ServeHTTP(recorder, request)
	require.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestBookingAndCancellationFlow(t *testing.T) {
	fixture := newFixture(t, nil)
	userID := fixture.member(t, credits.TierT2, false)
	fixture.class(t, "class-1", 48*time.Hour, 3)
	fixture.class(t, "class-big", 48*time.Hour, 9)
	require.NoError(t, fixture.ledger.AddTopUp(context.Background(), userID, 5, "cs_seed"))

	status, payload := fixture.call(t, http.MethodPost, "/api/bookings", map[string]string{"class_id": "class-1"})
	require.Equal(t, http.StatusCreated, status, payload)
	require.Equal(t, float64(2), payload["credits"])
	created := payload["booking"].(map[string]any)
	bookingID := created["booking_id"].(string)
	require.Equal(t, "confirmed", created["status"])
	require.Equal(t, float64(3), created["credits_used"])

	status, payload = fixture.call(t, http.MethodPost, "/api/bookings", map[string]string{"class_id": "class-1"})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "duplicate_booking", errorCode(payload))

	status, payload = fixture.call(t, http.MethodPost, "/api/bookings", map[string]string{"class_id": "class-big"})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "insufficient_credits", errorCode(payload))
	envelope := payload["error"].(map[string]any)
	require.Equal(t, float64(9), envelope["required"])
	require.Equal(t, float64(2), envelope["available"])
	require.Equal(t, float64(7), envelope["shortfall"])

	status, payload = fixture.call(t, http.MethodPost, "/api/bookings", map[string]string{"class_id": "class-missing"})
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "unknown_class", errorCode(payload))

	status, payload = fixture.call(t, http.MethodGet, "/api/bookings/"+bookingID+"/cancellation", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "free", payload["kind"])
	require.Equal(t, float64(3), payload["refund_credits"])

	status, payload = fixture.call(t, http.MethodPost, "/api/bookings/"+bookingID+"/cancel", map[string]string{"reason": "travel"})
	require.Equal(t, http.StatusOK, status, payload)
	require.Equal(t, float64(2), payload["balance_before"])
	require.Equal(t, float64(5), payload["balance_after"])

	status, payload = fixture.call(t, http.MethodPost, "/api/bookings/"+bookingID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "already_cancelled", errorCode(payload))

	status, payload = fixture.call(t, http.MethodGet, "/api/bookings", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, payload["bookings"].([]any), 1)

	status, payload = fixture.call(t, http.MethodGet, "/api/credits/history?limit=10", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, payload["entries"].([]any), 3)

	status, payload = fixture.call(t, http.MethodGet, "/api/credits/history?limit=abc", nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "invalid_limit", errorCode(payload))

	status, payload = fixture.call(t, http.MethodGet, "/api/credits/breakdown", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, float64(5), payload["total"])
	require.Len(t, payload["expiring"].([]any), 1)
}

func TestFrozenMemberCannotBookOrBuy(t *testing.T) {
	fixture := newFixture(t, nil)
	fixture.member(t, credits.TierT2, true)
	fixture.class(t, "class-1", 48*time.Hour, 0)

	status, payload := fixture.call(t, http.MethodPost, "/api/bookings", map[string]string{"class_id": "class-1"})
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "account_frozen", errorCode(payload))

	status, payload = fixture.call(t, http.MethodPost, "/api/checkout", map[string]string{"kind": "topup", "pack_id": "pack_5"})
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "account_frozen", errorCode(payload))
}

func TestCheckoutCreatesSession(t *testing.T) {
	fixture := newFixture(t, nil)
	fixture.member(t, credits.TierT1, false)

	status, payload := fixture.call(t, http.MethodPost, "/api/checkout", map[string]string{"kind": "tourist_pass", "pass_type_id": "tourist_week"})
	require.Equal(t, http.StatusCreated, status, payload)
	require.Equal(t, "cs_test_1", payload["session_id"])
	require.Equal(t, "https://checkout.example/cs_test_1", payload["url"])

	status, payload = fixture.call(t, http.MethodPost, "/api/checkout", map[string]string{"kind": "gift"})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "invalid_purchase", errorCode(payload))
}

func TestWebhookRouteSkipsSessionAuth(t *testing.T) {
	fixture := newFixture(t, nil)
	userID := fixture.member(t, credits.TierT1, false)

	raw, err := json.Marshal(map[string]any{
		"id":     "evt_1",
		"object": "event",
		"type":   "checkout.session.completed",
		"data": map[string]any{
			"object": map[string]any{
				"id":             "cs_live_1",
				"object":         "checkout.session",
				"mode":           "payment",
				"payment_status": "paid",
				"metadata":       billing.TopUpIntent{UserID: userID, PackID: "pack_5", Credits: 5}.Metadata(),
			},
		},
	})
	require.NoError(t, err)
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   raw,
		Secret:    webhookSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	request := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(signed.Payload))
	request.Header.Set("Stripe-Signature", signed.Header)

	status, payload := fixture.serve(t, request)
	require.Equal(t, http.StatusOK, status, payload)
	balance, err := fixture.ledger.ActiveCredits(context.Background(), userID)
	require.NoError(t, err)
	require.Equal(t, int64(5), balance)
}

func TestCronRouteRunsMonthlyGrants(t *testing.T) {
	fixture := newFixture(t, nil)
	userID := fixture.member(t, credits.TierT2, false)

	status, _ := fixture.serve(t, newRequest(t, http.MethodPost, "/internal/cron/monthly-grants", nil))
	require.Equal(t, http.StatusUnauthorized, status)

	request := newRequest(t, http.MethodPost, "/internal/cron/monthly-grants", nil)
	request.Header.Set("X-Cron-Secret", cronSecret)
	status, payload := fixture.serve(t, request)
	require.Equal(t, http.StatusOK, status, payload)
	require.Equal(t, "completed", payload["status"])
	report := payload["report"].(map[string]any)
	require.Equal(t, "2024-12", report["period"])
	require.Equal(t, float64(1), report["granted"])

	fixture.now = fixture.now.AddDate(0, 0, 1)
	request = newRequest(t, http.MethodPost, "/internal/cron/monthly-grants", nil)
	request.Header.Set("X-Cron-Secret", cronSecret)
	status, payload = fixture.serve(t, request)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "not_grant_day", payload["status"])

	balance, err := fixture.ledger.ActiveCredits(context.Background(), userID)
	require.NoError(t, err)
	require.Equal(t, int64(12), balance)
}

type payoutEnvelope struct {
	Lines []booking.PayoutLine `json:"lines"`
}

func TestOwnerRoutesMarkAttendanceAndReportPayouts(t *testing.T) {
	fixture := newFixture(t, nil)
	userID := fixture.member(t, credits.TierT2, false)
	fixture.class(t, "class-1", 48*time.Hour, 3)
	require.NoError(t, fixture.ledger.AddTopUp(context.Background(), userID, 5, "cs_seed"))

	status, payload := fixture.call(t, http.MethodPost, "/api/bookings", map[string]string{"class_id": "class-1"})
	require.Equal(t, http.StatusCreated, status, payload)
	bookingID := payload["booking"].(map[string]any)["booking_id"].(string)

	attend := newRequest(t, http.MethodPost, "/internal/owner/bookings/"+bookingID+"/attended", nil)
	status, _ = fixture.serve(t, attend)
	require.Equal(t, http.StatusUnauthorized, status)

	attend = newRequest(t, http.MethodPost, "/internal/owner/bookings/"+bookingID+"/attended", nil)
	attend.Header.Set("X-Owner-Secret", ownerSecret)
	status, payload = fixture.serve(t, attend)
	require.Equal(t, http.StatusOK, status, payload)

	attend = newRequest(t, http.MethodPost, "/internal/owner/bookings/"+bookingID+"/attended", nil)
	attend.Header.Set("X-Owner-Secret", ownerSecret)
	status, payload = fixture.serve(t, attend)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "already_attended", errorCode(payload))

	badRange := newRequest(t, http.MethodGet, "/internal/owner/payouts?from=2024-12-05&to=2024-12-01", nil)
	badRange.Header.Set("X-Owner-Secret", ownerSecret)
	status, _ = fixture.serve(t, badRange)
	require.Equal(t, http.StatusBadRequest, status)

	report := newRequest(t, http.MethodGet, "/internal/owner/payouts?from=2024-12-01&to=2024-12-05", nil)
	report.Header.Set("X-Owner-Secret", ownerSecret)
	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, report)
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
	var envelope payoutEnvelope
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &envelope))
	require.Len(t, envelope.Lines, 1)
	line := envelope.Lines[0]
	require.Equal(t, "gym-1", line.GymID)
	require.Equal(t, 1, line.Attendees)
	require.Equal(t, int64(3), line.Credits)
	require.True(t, line.GrossUSD.Equal(decimal.NewFromInt(15)), line.GrossUSD.String())
	require.True(t, line.PayoutUSD.Equal(decimal.RequireFromString("10.5")), line.PayoutUSD.String())
}
