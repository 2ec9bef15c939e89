package httpapi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigValidateFillsDefaults(t *testing.T) {
	cfg := Config{SessionSigningKey: "secret"}
	require.NoError(t, cfg.Validate())
	require.Equal(t, defaultListenAddr, cfg.ListenAddr)
	require.Equal(t, []string{defaultAllowedOrigin}, cfg.AllowedOrigins)
	require.Equal(t, defaultSessionCookie, cfg.SessionCookieName)
	require.Equal(t, defaultRequestTimeout, cfg.RequestTimeout)
}

func TestConfigValidateRejectsUnsafeCombinations(t *testing.T) {
	testCases := []struct {
		name string
		cfg  Config
	}{
		{name: "missing signing key", cfg: Config{}},
		{name: "dev purchases in production", cfg: Config{SessionSigningKey: "secret", Production: true, DevPurchases: true, StripeWebhookSecret: "whsec"}},
		{name: "production without webhook secret", cfg: Config{SessionSigningKey: "secret", Production: true}},
		{name: "checkout without urls", cfg: Config{SessionSigningKey: "secret", StripeSecretKey: "sk_test"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			require.Error(t, testCase.cfg.Validate())
		})
	}
}

func TestParseAllowedOrigins(t *testing.T) {
	require.Equal(t, []string{}, ParseAllowedOrigins("  "))
	require.Equal(t, []string{"http://a.example", "http://b.example"}, ParseAllowedOrigins(" http://a.example, ,http://b.example "))
}

func TestParseLimit(t *testing.T) {
	limit, err := parseLimit("")
	require.NoError(t, err)
	require.Equal(t, defaultHistoryLimit, limit)

	limit, err = parseLimit("1000")
	require.NoError(t, err)
	require.Equal(t, maxHistoryLimit, limit)

	_, err = parseLimit("-1")
	require.Error(t, err)
}
