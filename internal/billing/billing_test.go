package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/studiocredits/internal/audit"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/billing"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/studiocredits/pkg/credits"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store     *memstore.Store
	ledger    *credits.Service
	fulfiller *billing.Fulfiller
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fixture := &fixture{store: memstore.New(), now: time.Date(2024, time.November, 20, 10, 0, 0, 0, time.UTC)}
	ledger, err := credits.NewService(fixture.store, credits.DefaultPolicy(), func() time.Time { return fixture.now })
	require.NoError(t, err)
	fixture.ledger = ledger
	fulfiller, err := billing.NewFulfiller(fixture.store.Billing(), ledger, audit.NewLogger(fixture.store, nil, nil), nil)
	require.NoError(t, err)
	fixture.fulfiller = fulfiller
	return fixture
}

func (fixture *fixture) member(t *testing.T, raw string, tier credits.Tier, frozen bool) credits.UserID {
	t.Helper()
	userID, err := credits.NewUserID(raw)
	require.NoError(t, err)
	require.NoError(t, fixture.store.UpsertProfile(context.Background(), credits.Profile{UserID: userID, Email: raw + "@example.com", Tier: tier, Frozen: frozen}))
	return userID
}

func (fixture *fixture) balance(t *testing.T, userID credits.UserID) int64 {
	t.Helper()
	balance, err := fixture.ledger.ActiveCredits(context.Background(), userID)
	require.NoError(t, err)
	return balance
}
