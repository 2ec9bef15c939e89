package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/studiocredits/internal/audit"
	"github.com/MarkoPoloResearchLab/studiocredits/pkg/credits"
	"go.uber.org/zap"
)

// Store is the persistence contract of purchase fulfilment.
type Store interface {
	audit.Writer
	Credits() credits.Store
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// ClaimPurchase records sourceRef as processed and reports false when it already was.
	ClaimPurchase(ctx context.Context, sourceRef string, kind string, userID credits.UserID) (bool, error)
	// ClaimGrantRun marks the monthly grant of period as done for userID and reports false when it already was.
	ClaimGrantRun(ctx context.Context, userID credits.UserID, period string) (bool, error)
}

// Purchase is a payment the provider confirmed.
type Purchase struct {
	SourceRef   string
	CustomerRef string
	Intent      Intent
}

// Fulfillment reports what a purchase changed.
type Fulfillment struct {
	Duplicate     bool
	BalanceBefore int64
	BalanceAfter  int64
	PassID        string
}

// Fulfiller applies confirmed purchases exactly once per source reference.
type Fulfiller struct {
	store   Store
	ledger  *credits.Service
	auditor *audit.Logger
	logger  *zap.Logger
}

// NewFulfiller wires a Fulfiller.
func NewFulfiller(store Store, ledger *credits.Service, auditor *audit.Logger, logger *zap.Logger) (*Fulfiller, error) {
	if store == nil || ledger == nil {
		return nil, fmt.Errorf("%w: store and ledger are required", ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fulfiller{store: store, ledger: ledger, auditor: auditor, logger: logger}, nil
}

// Fulfill claims the source reference and applies the intent in the same transaction.
// A reference that was already claimed is acknowledged without changes.
func (fulfiller *Fulfiller) Fulfill(ctx context.Context, purchase Purchase) (Fulfillment, error) {
	sourceRef := strings.TrimSpace(purchase.SourceRef)
	if sourceRef == "" {
		return Fulfillment{}, fmt.Errorf("%w: empty source reference", credits.ErrInvalidSourceRef)
	}
	if purchase.Intent == nil {
		return Fulfillment{}, fmt.Errorf("%w: missing intent", ErrInvalidIntent)
	}
	userID := purchase.Intent.User()
	var result Fulfillment
	err := fulfiller.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		ledger := fulfiller.ledger.WithStore(txStore.Credits())
		if _, err := ledger.Profile(ctx, userID); err != nil {
			return err
		}
		claimed, err := txStore.ClaimPurchase(ctx, sourceRef, string(purchase.Intent.Kind()), userID)
		if err != nil {
			return err
		}
		if !claimed {
			result.Duplicate = true
			return nil
		}
		result.BalanceBefore, err = ledger.ActiveCredits(ctx, userID)
		if err != nil {
			return err
		}
		switch intent := purchase.Intent.(type) {
		case TopUpIntent:
			if err := ledger.AddTopUp(ctx, userID, intent.Credits, sourceRef); err != nil {
				return err
			}
		case TouristPassIntent:
			pass, err := ledger.AddTouristPass(ctx, userID, intent.DurationDays, intent.TotalClasses, sourceRef)
			if err != nil {
				return err
			}
			result.PassID = pass.PassID
		case SubscriptionIntent:
			if err := txStore.Credits().UpdateSubscription(ctx, userID, intent.Tier, strings.TrimSpace(purchase.CustomerRef)); err != nil {
				return err
			}
			firstGrant, err := txStore.ClaimGrantRun(ctx, userID, credits.GrantPeriod(ledger.Now()))
			if err != nil {
				return err
			}
			if firstGrant {
				if _, err := ledger.GrantMonthlyCredits(ctx, userID, intent.Tier); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("%w: unsupported intent %T", ErrInvalidIntent, purchase.Intent)
		}
		result.BalanceAfter, err = ledger.ActiveCredits(ctx, userID)
		return err
	})
	if err != nil {
		return Fulfillment{}, err
	}
	if result.Duplicate {
		fulfiller.logger.Info("purchase already fulfilled", zap.String("source_ref", sourceRef), zap.String("kind", string(purchase.Intent.Kind())))
		return result, nil
	}
	metadata := map[string]any{"source_ref": sourceRef}
	for key, value := range purchase.Intent.Metadata() {
		metadata[key] = value
	}
	fulfiller.auditor.Record(ctx, audit.Entry{
		UserID:        userID,
		Action:        auditAction(purchase.Intent.Kind()),
		CreditsBefore: result.BalanceBefore,
		CreditsAfter:  result.BalanceAfter,
		Metadata:      metadata,
	})
	return result, nil
}

func auditAction(kind Kind) audit.Action {
	switch kind {
	case KindTouristPass:
		return audit.ActionTouristPassPurchased
	case KindSubscription:
		return audit.ActionSubscriptionStarted
	default:
		return audit.ActionTopUpPurchased
	}
}
