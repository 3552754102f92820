package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// envPrefix is prepended to every variable: Server.Port reads EVIDENCE_SERVER_PORT.
const envPrefix = "EVIDENCE"

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Browser   BrowserConfig
	Remote    RemoteConfig
	Capture   CaptureConfig
	LLM       LLMConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Cache     CacheConfig
	Webhook   WebhookConfig
	Log       LogConfig
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string `envconfig:"HOST" default:"0.0.0.0"`
	Port int    `envconfig:"PORT" default:"8080"`
	Mode string `envconfig:"MODE" default:"release"` // "debug", "release", "test"
}

// BrowserConfig controls how pages are driven.
type BrowserConfig struct {
	// Driver selects the page implementation: "rod" or "playwright".
	Driver string `envconfig:"DRIVER" default:"rod"`

	// Mode selects the session provider: "remote" (Browserbase) or "local".
	Mode string `envconfig:"MODE" default:"remote"`

	// Headless controls whether locally launched browsers run headless.
	Headless bool `envconfig:"HEADLESS" default:"true"`

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool `envconfig:"NO_SANDBOX" default:"false"`

	// BrowserBin overrides the Chromium binary path for local sessions.
	BrowserBin string `envconfig:"BIN"`

	// Proxy is passed to locally launched browsers.
	Proxy string `envconfig:"PROXY"`

	// Stealth injects navigator.webdriver masking before navigation (rod only).
	Stealth bool `envconfig:"STEALTH" default:"true"`

	// BlockAds aborts requests to well-known ad and tracking domains (rod only).
	BlockAds bool `envconfig:"BLOCK_ADS" default:"true"`

	// ViewportWidth and ViewportHeight size the viewport capture.
	ViewportWidth  int `envconfig:"VIEWPORT_WIDTH" default:"1280"`
	ViewportHeight int `envconfig:"VIEWPORT_HEIGHT" default:"800"`
}

// RemoteConfig controls the remote browser session provider.
type RemoteConfig struct {
	APIKey    string `envconfig:"API_KEY"`
	ProjectID string `envconfig:"PROJECT_ID"`
	BaseURL   string `envconfig:"BASE_URL" default:"https://api.browserbase.com"`

	// RequestTimeout bounds each create/release call.
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"15s"`
}

// CaptureConfig controls the capture flow bounds.
type CaptureConfig struct {
	// OutputDir is the default artifact directory.
	OutputDir string `envconfig:"OUTPUT_DIR" default:"./captures"`

	// DefaultTimeout is the overall per-request deadline.
	DefaultTimeout time.Duration `envconfig:"DEFAULT_TIMEOUT" default:"30s"`

	// NavigationTimeout bounds page.Goto.
	NavigationTimeout time.Duration `envconfig:"NAV_TIMEOUT" default:"15s"`

	// DOMReadyTimeout bounds the DOMContentLoaded wait.
	DOMReadyTimeout time.Duration `envconfig:"DOM_READY_TIMEOUT" default:"10s"`

	// ScrollTimeout bounds scroll-into-view for each located element.
	ScrollTimeout time.Duration `envconfig:"SCROLL_TIMEOUT" default:"3s"`

	// SettleDelay lets client-side rendering finish before reconnaissance.
	SettleDelay time.Duration `envconfig:"SETTLE_DELAY" default:"2s"`

	// DefaultPadding is the element padding in pixels.
	DefaultPadding int `envconfig:"DEFAULT_PADDING" default:"20"`

	// MaxConcurrent bounds concurrent captures, and so open browser
	// sessions, across single and batch requests.
	MaxConcurrent int `envconfig:"MAX_CONCURRENT" default:"4"`
}

// LLMConfig controls the anchor selection model.
type LLMConfig struct {
	APIKey  string        `envconfig:"API_KEY"`
	Model   string        `envconfig:"MODEL" default:"gpt-4o-mini"`
	BaseURL string        `envconfig:"BASE_URL" default:"https://api.openai.com/v1"`
	Timeout time.Duration `envconfig:"TIMEOUT" default:"20s"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool     `envconfig:"ENABLED" default:"true"`
	APIKeys []string `envconfig:"API_KEYS"`
}

// RateLimitConfig controls per-key rate limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `envconfig:"RPS" default:"2"`
	Burst             int     `envconfig:"BURST" default:"5"`

	// MaxInFlight caps the captures one key may have running, each holding
	// a browser session. 0 disables the cap.
	MaxInFlight int `envconfig:"MAX_IN_FLIGHT" default:"2"`
}

// CacheConfig controls the capture result cache.
type CacheConfig struct {
	MaxEntries int `envconfig:"MAX_ENTRIES" default:"500"`
}

// WebhookConfig controls batch completion delivery.
type WebhookConfig struct {
	RetryMax     int           `envconfig:"RETRY_MAX" default:"3"`
	RetryWaitMin time.Duration `envconfig:"RETRY_WAIT_MIN" default:"1s"`
	RetryWaitMax time.Duration `envconfig:"RETRY_WAIT_MAX" default:"30s"`
	Timeout      time.Duration `envconfig:"TIMEOUT" default:"10s"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `envconfig:"LEVEL" default:"info"`
	Format string `envconfig:"FORMAT" default:"json"` // "json" or "text"
}

// Load reads configuration from EVIDENCE_* environment variables with sane defaults.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Browser.Driver {
	case "rod", "playwright":
	default:
		return fmt.Errorf("config: unknown browser driver %q", c.Browser.Driver)
	}
	switch c.Browser.Mode {
	case "remote":
		if c.Remote.APIKey == "" || c.Remote.ProjectID == "" {
			return fmt.Errorf("config: remote mode requires EVIDENCE_REMOTE_API_KEY and EVIDENCE_REMOTE_PROJECT_ID")
		}
	case "local":
	default:
		return fmt.Errorf("config: unknown browser mode %q", c.Browser.Mode)
	}
	if c.Capture.MaxConcurrent < 1 {
		c.Capture.MaxConcurrent = 1
	}
	if c.Capture.DefaultPadding < 0 {
		c.Capture.DefaultPadding = 0
	}
	return nil
}
