package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper(overrides map[string]interface{}) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	for k, val := range overrides {
		v.Set(k, val)
	}
	return v
}

func TestDefaults(t *testing.T) {
	cfg := fromViper(newViper(nil))

	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, "/api/v1", cfg.APIPrefix)
	assert.Equal(t, 15*time.Minute, cfg.JWT.Expiration)
	assert.Equal(t, 7*24*time.Hour, cfg.JWT.RefreshExpiration)
	assert.Equal(t, OrderingTimestamp, cfg.Billing.OrderingSource)
	assert.Equal(t, 5*time.Minute, cfg.Billing.SignatureTolerance)
	assert.Equal(t, "Billing-Signature", cfg.Billing.SignatureHeader)
	assert.Equal(t, 5*time.Second, cfg.Persistence.Timeout)
	assert.True(t, cfg.Cookie.Secure)
}

func TestOrderingSourceFallsBackToTimestamp(t *testing.T) {
	cfg := fromViper(newViper(map[string]interface{}{"BILLING_ORDERING_SOURCE": "Sequence"}))
	assert.Equal(t, OrderingSequence, cfg.Billing.OrderingSource)

	cfg = fromViper(newViper(map[string]interface{}{"BILLING_ORDERING_SOURCE": "bogus"}))
	assert.Equal(t, OrderingTimestamp, cfg.Billing.OrderingSource)
}

func TestLedgerCacheTTLCappedByReplayWindow(t *testing.T) {
	cfg := fromViper(newViper(map[string]interface{}{
		"LEDGER_REPLAY_WINDOW": "1h",
		"LEDGER_CACHE_TTL":     "48h",
	}))
	assert.Equal(t, time.Hour, cfg.Billing.LedgerCacheTTL)
}

func TestInvalidDurationUsesFallback(t *testing.T) {
	cfg := fromViper(newViper(map[string]interface{}{"PERSISTENCE_TIMEOUT": "soon"}))
	assert.Equal(t, 5*time.Second, cfg.Persistence.Timeout)
}

func TestValidate(t *testing.T) {
	cfg := fromViper(newViper(nil))
	require.Error(t, cfg.Validate(), "webhook secret required")

	cfg.Billing.WebhookSecret = "whsec"
	require.NoError(t, cfg.Validate())

	cfg.Env = EnvProduction
	require.Error(t, cfg.Validate(), "dev jwt secret rejected in production")

	cfg.JWT.Secret = "a-real-secret"
	require.NoError(t, cfg.Validate())

	cfg.Cookie.Secure = false
	require.Error(t, cfg.Validate())
}

func TestSplitAndTrim(t *testing.T) {
	assert.Nil(t, splitAndTrim(""))
	assert.Equal(t, []string{"a", "b"}, splitAndTrim(" a, ,b "))
}
