package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelcall/kestrel/pkg/models"
)

// setRequiredEnv sets the seven settings without which LoadFromEnv fails,
// and clears the optional knobs so defaults are observable regardless of
// the host environment.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TELEPHONY_SID", "AC0123456789")
	t.Setenv("TELEPHONY_TOKEN", "token-secret")
	t.Setenv("TELEPHONY_NUMBER", "+15550001111")
	t.Setenv("AI_API_KEY", "xi-test-key")
	t.Setenv("AI_AGENT_ID", "agent_0123")
	t.Setenv("STORE_URI", "postgres://localhost/kestrel")
	t.Setenv("SERVER_URL", "https://kestrel.example.com")

	for _, key := range []string{
		"PORT", "BIND_ADDRESS", "API_KEY",
		"TELEPHONY_API_URL", "AI_API_URL", "AI_WEBHOOK_SECRET",
		"STORE_MAX_OPEN_CONNS", "STORE_MAX_IDLE_CONNS",
		"CRM_WEBHOOK_URL", "ENABLE_CRM_WEBHOOK",
		"CALL_DELAY_MS", "MAX_CONCURRENT_CALLS", "RETRY_COUNT", "RETRY_DELAY_MS",
		"INACTIVITY_MS", "DURATION_CAP_MS",
		"LOCK_TTL_MS", "LOCK_GRACE_MS", "SWEEP_INTERVAL_MS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "https://kestrel.example.com", cfg.Server.PublicURL)
	assert.Empty(t, cfg.Server.APIKey)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)

	assert.Equal(t, "https://api.twilio.com", cfg.Telephony.BaseURL)
	assert.Equal(t, "https://api.elevenlabs.io", cfg.AI.BaseURL)

	assert.Equal(t, 10, cfg.Store.MaxOpenConns)
	assert.Equal(t, 5, cfg.Store.MaxIdleConns)

	assert.False(t, cfg.CRM.Enabled)

	assert.Equal(t, 5*time.Second, cfg.Dialer.CallDelay)
	assert.Equal(t, 5, cfg.Dialer.MaxConcurrentCalls)
	assert.Equal(t, 0, cfg.Dialer.RetryCount)
	assert.Equal(t, time.Minute, cfg.Dialer.RetryDelay)

	assert.Equal(t, time.Minute, cfg.Bridge.InactivityTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Bridge.DurationCap)

	assert.Equal(t, 15*time.Minute, cfg.Sweeper.LockTTL)
	assert.Equal(t, time.Minute, cfg.Sweeper.GraceTTL)
	assert.Equal(t, 30*time.Second, cfg.Sweeper.Interval)
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("BIND_ADDRESS", "127.0.0.1")
	t.Setenv("API_KEY", "bearer-secret")
	t.Setenv("STORE_MAX_OPEN_CONNS", "25")
	t.Setenv("ENABLE_CRM_WEBHOOK", "true")
	t.Setenv("CRM_WEBHOOK_URL", "https://crm.example.com/hook")
	t.Setenv("CALL_DELAY_MS", "250")
	t.Setenv("MAX_CONCURRENT_CALLS", "3")
	t.Setenv("RETRY_COUNT", "2")
	t.Setenv("DURATION_CAP_MS", "120000")
	t.Setenv("LOCK_TTL_MS", "300000")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "bearer-secret", cfg.Server.APIKey)
	assert.Equal(t, 25, cfg.Store.MaxOpenConns)
	assert.True(t, cfg.CRM.Enabled)
	assert.Equal(t, "https://crm.example.com/hook", cfg.CRM.WebhookURL)
	assert.Equal(t, 250*time.Millisecond, cfg.Dialer.CallDelay)
	assert.Equal(t, 3, cfg.Dialer.MaxConcurrentCalls)
	assert.Equal(t, 2, cfg.Dialer.RetryCount)
	assert.Equal(t, 2*time.Minute, cfg.Bridge.DurationCap)
	assert.Equal(t, 5*time.Minute, cfg.Sweeper.LockTTL)
}

func TestLoadFromEnv_MissingRequired(t *testing.T) {
	required := []string{
		"TELEPHONY_SID", "TELEPHONY_TOKEN", "TELEPHONY_NUMBER",
		"AI_API_KEY", "AI_AGENT_ID", "STORE_URI", "SERVER_URL",
	}
	for _, key := range required {
		t.Run(key, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(key, "")

			_, err := LoadFromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoadFromEnv_InvalidPort(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "not-a-port")

	_, err := LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
}

func TestLoadFromEnv_LockTTLMustExceedDurationCap(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DURATION_CAP_MS", "60000")
	t.Setenv("LOCK_TTL_MS", "60000")

	_, err := LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock TTL")
}

func TestLoadFromEnv_BadNumbersFallBack(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MAX_CONCURRENT_CALLS", "banana")
	t.Setenv("CALL_DELAY_MS", "soon")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Dialer.MaxConcurrentCalls)
	assert.Equal(t, 5*time.Second, cfg.Dialer.CallDelay)
}

func TestNormalize(t *testing.T) {
	defaults := DialerDefaults{
		CallDelay:          5 * time.Second,
		MaxConcurrentCalls: 5,
		RetryCount:         1,
		RetryDelay:         time.Minute,
	}

	t.Run("fills zero values", func(t *testing.T) {
		s := defaults.Normalize(models.CampaignSettings{})
		assert.Equal(t, 5000, s.CallDelayMs)
		assert.Equal(t, 5, s.MaxConcurrentCalls)
		assert.Equal(t, 0, s.RetryCount)
		assert.Equal(t, 60000, s.RetryDelayMs)
	})

	t.Run("keeps explicit values", func(t *testing.T) {
		s := defaults.Normalize(models.CampaignSettings{
			CallDelayMs:        100,
			MaxConcurrentCalls: 2,
			RetryCount:         3,
			RetryDelayMs:       500,
		})
		assert.Equal(t, 100, s.CallDelayMs)
		assert.Equal(t, 2, s.MaxConcurrentCalls)
		assert.Equal(t, 3, s.RetryCount)
		assert.Equal(t, 500, s.RetryDelayMs)
	})

	t.Run("replaces negative retry count", func(t *testing.T) {
		s := defaults.Normalize(models.CampaignSettings{RetryCount: -1})
		assert.Equal(t, 1, s.RetryCount)
	})
}
