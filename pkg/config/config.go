package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config is the umbrella configuration object loaded once at startup and
// passed to the components that need it. A failed load is fatal.
type Config struct {
	Server    ServerConfig
	Telephony TelephonyConfig
	AI        AIConfig
	Store     StoreConfig
	CRM       CRMConfig
	Dialer    DialerDefaults
	Bridge    BridgeConfig
	Sweeper   SweeperConfig
}

// ServerConfig controls the HTTP listener and the public callback base URL.
type ServerConfig struct {
	Host string
	Port int

	// PublicURL is the externally reachable base used to build provider
	// webhook and media-stream URLs (SERVER_URL).
	PublicURL string

	// APIKey guards /api routes when set. Empty disables bearer auth.
	APIKey string

	ShutdownTimeout time.Duration
}

// TelephonyConfig holds provider REST credentials.
type TelephonyConfig struct {
	AccountSID string
	AuthToken  string
	// Number is the default outbound caller id.
	Number string
	// BaseURL points at the provider API; overridable for tests.
	BaseURL string
}

// AIConfig holds the conversational-AI provider credentials.
type AIConfig struct {
	APIKey        string
	AgentID       string
	WebhookSecret string
	// BaseURL points at the provider API; overridable for tests.
	BaseURL string
}

// StoreConfig holds the PostgreSQL connection settings.
type StoreConfig struct {
	URI          string
	MaxOpenConns int
	MaxIdleConns int
}

// CRMConfig controls the post-call CRM webhook notifier.
type CRMConfig struct {
	WebhookURL string
	Enabled    bool
}

// DialerDefaults are the campaign settings applied when a campaign is
// created without explicit values.
type DialerDefaults struct {
	CallDelay          time.Duration
	MaxConcurrentCalls int
	RetryCount         int
	RetryDelay         time.Duration
}

// BridgeConfig bounds every media-bridge session.
type BridgeConfig struct {
	InactivityTimeout time.Duration
	DurationCap       time.Duration
}

// SweeperConfig controls the background lock sweeper.
type SweeperConfig struct {
	// LockTTL is how long a contact claim holds before it is considered
	// expired. Must exceed BridgeConfig.DurationCap.
	LockTTL time.Duration
	// GraceTTL is the slack past expiry before the sweeper reverts a claim.
	GraceTTL time.Duration
	Interval time.Duration
}

// LoadFromEnv reads configuration from the environment. Missing required
// settings return an error; the caller treats that as fatal.
func LoadFromEnv() (*Config, error) {
	port, err := strconv.Atoi(getEnvOrDefault("PORT", "8080"))
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}
	maxOpen, _ := strconv.Atoi(getEnvOrDefault("STORE_MAX_OPEN_CONNS", "10"))
	maxIdle, _ := strconv.Atoi(getEnvOrDefault("STORE_MAX_IDLE_CONNS", "5"))

	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnvOrDefault("BIND_ADDRESS", "0.0.0.0"),
			Port:            port,
			PublicURL:       os.Getenv("SERVER_URL"),
			APIKey:          os.Getenv("API_KEY"),
			ShutdownTimeout: 15 * time.Second,
		},
		Telephony: TelephonyConfig{
			AccountSID: os.Getenv("TELEPHONY_SID"),
			AuthToken:  os.Getenv("TELEPHONY_TOKEN"),
			Number:     os.Getenv("TELEPHONY_NUMBER"),
			BaseURL:    getEnvOrDefault("TELEPHONY_API_URL", "https://api.twilio.com"),
		},
		AI: AIConfig{
			APIKey:        os.Getenv("AI_API_KEY"),
			AgentID:       os.Getenv("AI_AGENT_ID"),
			WebhookSecret: os.Getenv("AI_WEBHOOK_SECRET"),
			BaseURL:       getEnvOrDefault("AI_API_URL", "https://api.elevenlabs.io"),
		},
		Store: StoreConfig{
			URI:          os.Getenv("STORE_URI"),
			MaxOpenConns: maxOpen,
			MaxIdleConns: maxIdle,
		},
		CRM: CRMConfig{
			WebhookURL: os.Getenv("CRM_WEBHOOK_URL"),
			Enabled:    getEnvBool("ENABLE_CRM_WEBHOOK", false),
		},
		Dialer: DialerDefaults{
			CallDelay:          getEnvMillis("CALL_DELAY_MS", 5000),
			MaxConcurrentCalls: getEnvInt("MAX_CONCURRENT_CALLS", 5),
			RetryCount:         getEnvInt("RETRY_COUNT", 0),
			RetryDelay:         getEnvMillis("RETRY_DELAY_MS", 60000),
		},
		Bridge: BridgeConfig{
			InactivityTimeout: getEnvMillis("INACTIVITY_MS", 60000),
			DurationCap:       getEnvMillis("DURATION_CAP_MS", 600000),
		},
		Sweeper: SweeperConfig{
			LockTTL:  getEnvMillis("LOCK_TTL_MS", 900000),
			GraceTTL: getEnvMillis("LOCK_GRACE_MS", 60000),
			Interval: getEnvMillis("SWEEP_INTERVAL_MS", 30000),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.Telephony.AccountSID == "" {
		missing = append(missing, "TELEPHONY_SID")
	}
	if c.Telephony.AuthToken == "" {
		missing = append(missing, "TELEPHONY_TOKEN")
	}
	if c.Telephony.Number == "" {
		missing = append(missing, "TELEPHONY_NUMBER")
	}
	if c.AI.APIKey == "" {
		missing = append(missing, "AI_API_KEY")
	}
	if c.AI.AgentID == "" {
		missing = append(missing, "AI_AGENT_ID")
	}
	if c.Store.URI == "" {
		missing = append(missing, "STORE_URI")
	}
	if c.Server.PublicURL == "" {
		missing = append(missing, "SERVER_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	if _, err := url.Parse(c.Server.PublicURL); err != nil {
		return fmt.Errorf("invalid SERVER_URL: %w", err)
	}
	if c.Sweeper.LockTTL <= c.Bridge.DurationCap {
		return fmt.Errorf("lock TTL %s must exceed call duration cap %s", c.Sweeper.LockTTL, c.Bridge.DurationCap)
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvMillis(key string, defaultMs int64) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return time.Duration(defaultMs) * time.Millisecond
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Duration(defaultMs) * time.Millisecond
	}
	return time.Duration(n) * time.Millisecond
}

func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}
