// Package billing turns confirmed purchases into ledger and pass mutations.
package billing

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/studiocredits/pkg/credits"
)

// Kind names a purchase variant.
type Kind string

const (
	KindTopUp        Kind = "topup"
	KindTouristPass  Kind = "tourist_pass"
	KindSubscription Kind = "subscription"
)

const (
	metadataKind         = "kind"
	metadataUserID       = "user_id"
	metadataPackID       = "pack_id"
	metadataCredits      = "credits"
	metadataPassTypeID   = "pass_type_id"
	metadataDurationDays = "duration_days"
	metadataTotalClasses = "total_classes"
	metadataTier         = "tier"
)

// Intent is a validated purchase. The variants are TopUpIntent, TouristPassIntent and SubscriptionIntent.
type Intent interface {
	Kind() Kind
	User() credits.UserID
	// Metadata is attached to the checkout session and echoed back on completion.
	Metadata() map[string]string
	isIntent()
}

// TopUpIntent buys a credit pack.
type TopUpIntent struct {
	UserID  credits.UserID
	PackID  string
	Credits int64
}

func (intent TopUpIntent) Kind() Kind { return KindTopUp }
func (intent TopUpIntent) User() credits.UserID { return intent.UserID }
func (TopUpIntent) isIntent()                   {}

func (intent TopUpIntent) Metadata() map[string]string {
	return map[string]string{
		metadataKind:    string(KindTopUp),
		metadataUserID:  intent.UserID.String(),
		metadataPackID:  intent.PackID,
		metadataCredits: strconv.FormatInt(intent.Credits, 10),
	}
}

// TouristPassIntent buys a tourist pass.
type TouristPassIntent struct {
	UserID       credits.UserID
	PassTypeID   string
	DurationDays int
	TotalClasses int
}

func (intent TouristPassIntent) Kind() Kind { return KindTouristPass }
func (intent TouristPassIntent) User() credits.UserID { return intent.UserID }
func (TouristPassIntent) isIntent()                   {}

func (intent TouristPassIntent) Metadata() map[string]string {
	return map[string]string{
		metadataKind:         string(KindTouristPass),
		metadataUserID:       intent.UserID.String(),
		metadataPassTypeID:   intent.PassTypeID,
		metadataDurationDays: strconv.Itoa(intent.DurationDays),
		metadataTotalClasses: strconv.Itoa(intent.TotalClasses),
	}
}

// SubscriptionIntent starts or changes a subscription tier.
type SubscriptionIntent struct {
	UserID credits.UserID
	Tier   credits.Tier
}

func (intent SubscriptionIntent) Kind() Kind { return KindSubscription }
func (intent SubscriptionIntent) User() credits.UserID { return intent.UserID }
func (SubscriptionIntent) isIntent()                   {}

func (intent SubscriptionIntent) Metadata() map[string]string {
	return map[string]string{
		metadataKind:   string(KindSubscription),
		metadataUserID: intent.UserID.String(),
		metadataTier:   intent.Tier.String(),
	}
}

// ParseIntent validates provider metadata into one Intent variant.
func ParseIntent(metadata map[string]string) (Intent, error) {
	userID, err := credits.NewUserID(metadata[metadataUserID])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIntent, err)
	}
	switch Kind(strings.TrimSpace(metadata[metadataKind])) {
	case KindTopUp:
		packID := strings.TrimSpace(metadata[metadataPackID])
		amount, err := positiveInt(metadata, metadataCredits)
		if err != nil {
			return nil, err
		}
		if packID == "" {
			return nil, fmt.Errorf("%w: missing %s", ErrInvalidIntent, metadataPackID)
		}
		return TopUpIntent{UserID: userID, PackID: packID, Credits: amount}, nil
	case KindTouristPass:
		passTypeID := strings.TrimSpace(metadata[metadataPassTypeID])
		durationDays, err := positiveInt(metadata, metadataDurationDays)
		if err != nil {
			return nil, err
		}
		totalClasses, err := positiveInt(metadata, metadataTotalClasses)
		if err != nil {
			return nil, err
		}
		if passTypeID == "" {
			return nil, fmt.Errorf("%w: missing %s", ErrInvalidIntent, metadataPassTypeID)
		}
		return TouristPassIntent{UserID: userID, PassTypeID: passTypeID, DurationDays: int(durationDays), TotalClasses: int(totalClasses)}, nil
	case KindSubscription:
		tier, err := credits.ParseTier(metadata[metadataTier])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidIntent, err)
		}
		return SubscriptionIntent{UserID: userID, Tier: tier}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidIntent, metadata[metadataKind])
	}
}

func positiveInt(metadata map[string]string, key string) (int64, error) {
	value, err := strconv.ParseInt(strings.TrimSpace(metadata[key]), 10, 64)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", ErrInvalidIntent, key)
	}
	return value, nil
}
