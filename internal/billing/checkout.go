package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/studiocredits/pkg/credits"
	"github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
	"go.uber.org/zap"
)

// SessionCreator creates a hosted checkout session.
type SessionCreator func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)

// CheckoutConfig holds the provider settings used at session creation.
type CheckoutConfig struct {
	SecretKey  string
	SuccessURL string
	CancelURL  string
}

// CheckoutRequest names what the member wants to buy. Exactly one product field is read, chosen by Kind.
type CheckoutRequest struct {
	Kind       Kind   `json:"kind"`
	PackID     string `json:"pack_id"`
	PassTypeID string `json:"pass_type_id"`
	Tier       string `json:"tier"`
}

// CheckoutSession is the created hosted session.
type CheckoutSession struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
	Intent    Intent `json:"-"`
}

// Checkout checks purchase eligibility and opens hosted checkout sessions.
type Checkout struct {
	ledger        *credits.Service
	config        CheckoutConfig
	createSession SessionCreator
	logger        *zap.Logger
}

// NewCheckout wires a Checkout. A nil createSession uses the provider API with config.SecretKey.
func NewCheckout(ledger *credits.Service, config CheckoutConfig, createSession SessionCreator, logger *zap.Logger) (*Checkout, error) {
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger is required", ErrInvalidServiceConfig)
	}
	if createSession == nil {
		secretKey := strings.TrimSpace(config.SecretKey)
		createSession = func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
			if secretKey == "" {
				return nil, fmt.Errorf("%w: stripe secret key not configured", ErrCheckoutUnavailable)
			}
			stripe.Key = secretKey
			return stripesession.New(params)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checkout{ledger: ledger, config: config, createSession: createSession, logger: logger}, nil
}

// Start validates eligibility before any payment and creates the checkout session.
func (checkout *Checkout) Start(ctx context.Context, userID credits.UserID, request CheckoutRequest) (CheckoutSession, error) {
	profile, intent, priceRef, err := checkout.prepare(ctx, userID, request)
	if err != nil {
		return CheckoutSession{}, err
	}

	mode := stripe.CheckoutSessionModePayment
	if intent.Kind() == KindSubscription {
		mode = stripe.CheckoutSessionModeSubscription
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(mode)),
		SuccessURL:        stripe.String(checkout.config.SuccessURL),
		CancelURL:         stripe.String(checkout.config.CancelURL),
		ClientReferenceID: stripe.String(userID.String()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceRef),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: intent.Metadata(),
	}
	switch {
	case strings.TrimSpace(profile.PaymentCustomerRef) != "":
		params.Customer = stripe.String(profile.PaymentCustomerRef)
	case strings.TrimSpace(profile.Email) != "":
		params.CustomerEmail = stripe.String(profile.Email)
	}
	if mode == stripe.CheckoutSessionModeSubscription {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: intent.Metadata()}
	}

	session, err := checkout.createSession(params)
	if err != nil {
		checkout.logger.Error("checkout session creation failed", zap.String("user_id", userID.String()), zap.String("kind", string(intent.Kind())), zap.Error(err))
		return CheckoutSession{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}
	if session == nil || strings.TrimSpace(session.URL) == "" {
		return CheckoutSession{}, fmt.Errorf("%w: empty checkout url", ErrCheckoutUnavailable)
	}
	return CheckoutSession{SessionID: session.ID, URL: strings.TrimSpace(session.URL), Intent: intent}, nil
}

// Prepare runs the checks Start performs before payment and returns the resolved intent.
func (checkout *Checkout) Prepare(ctx context.Context, userID credits.UserID, request CheckoutRequest) (Intent, error) {
	_, intent, _, err := checkout.prepare(ctx, userID, request)
	return intent, err
}

func (checkout *Checkout) prepare(ctx context.Context, userID credits.UserID, request CheckoutRequest) (credits.Profile, Intent, string, error) {
	profile, err := checkout.ledger.Profile(ctx, userID)
	if err != nil {
		return credits.Profile{}, nil, "", err
	}
	if profile.Frozen {
		return credits.Profile{}, nil, "", credits.ErrAccountFrozen
	}
	intent, priceRef, err := checkout.resolve(userID, request)
	if err != nil {
		return credits.Profile{}, nil, "", err
	}
	if err := checkout.checkEligibility(ctx, intent); err != nil {
		return credits.Profile{}, nil, "", err
	}
	return profile, intent, priceRef, nil
}

func (checkout *Checkout) resolve(userID credits.UserID, request CheckoutRequest) (Intent, string, error) {
	policy := checkout.ledger.Policy()
	switch request.Kind {
	case KindTopUp:
		pack, ok := policy.Pack(strings.TrimSpace(request.PackID))
		if !ok {
			return nil, "", fmt.Errorf("%w: pack %q", ErrUnknownProduct, request.PackID)
		}
		return TopUpIntent{UserID: userID, PackID: pack.PackID, Credits: pack.Credits}, pack.PriceRef, nil
	case KindTouristPass:
		passType, ok := policy.TouristPassType(strings.TrimSpace(request.PassTypeID))
		if !ok {
			return nil, "", fmt.Errorf("%w: tourist pass %q", ErrUnknownProduct, request.PassTypeID)
		}
		return TouristPassIntent{
			UserID:       userID,
			PassTypeID:   passType.PassTypeID,
			DurationDays: passType.DurationDays,
			TotalClasses: passType.TotalClasses,
		}, passType.PriceRef, nil
	case KindSubscription:
		tier, err := credits.ParseTier(request.Tier)
		if err != nil {
			return nil, "", err
		}
		return SubscriptionIntent{UserID: userID, Tier: tier}, policy.Tier(tier).PriceRef, nil
	default:
		return nil, "", fmt.Errorf("%w: unknown kind %q", ErrInvalidIntent, request.Kind)
	}
}

func (checkout *Checkout) checkEligibility(ctx context.Context, intent Intent) error {
	switch typed := intent.(type) {
	case TopUpIntent:
		tier := checkout.ledger.UserTier(ctx, typed.UserID)
		err := checkout.ledger.CheckTopUp(ctx, typed.UserID, tier, typed.Credits)
		var capExceeded *credits.CapExceededError
		if errors.As(err, &capExceeded) {
			checkout.logger.Info("top-up refused by cap", zap.String("user_id", typed.UserID.String()), zap.Int64("headroom", capExceeded.Headroom()))
		}
		return err
	case TouristPassIntent:
		active, err := checkout.ledger.HasActiveTouristPass(ctx, typed.UserID)
		if err != nil {
			return err
		}
		if active != nil {
			return ErrActivePassExists
		}
	}
	return nil
}
