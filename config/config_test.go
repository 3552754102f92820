package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("EVIDENCE_BROWSER_MODE", "local")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "rod", cfg.Browser.Driver)
	assert.Equal(t, 1280, cfg.Browser.ViewportWidth)
	assert.Equal(t, 30*time.Second, cfg.Capture.DefaultTimeout)
	assert.Equal(t, 15*time.Second, cfg.Capture.NavigationTimeout)
	assert.Equal(t, 10*time.Second, cfg.Capture.DOMReadyTimeout)
	assert.Equal(t, 3*time.Second, cfg.Capture.ScrollTimeout)
	assert.Equal(t, 2*time.Second, cfg.Capture.SettleDelay)
	assert.Equal(t, 20, cfg.Capture.DefaultPadding)
	assert.Equal(t, 4, cfg.Capture.MaxConcurrent)
	assert.Equal(t, 20*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 3, cfg.Webhook.RetryMax)
	assert.Equal(t, 2, cfg.RateLimit.MaxInFlight)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("EVIDENCE_BROWSER_MODE", "local")
	t.Setenv("EVIDENCE_BROWSER_DRIVER", "playwright")
	t.Setenv("EVIDENCE_CAPTURE_MAX_CONCURRENT", "0")
	t.Setenv("EVIDENCE_AUTH_API_KEYS", "a,b")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "playwright", cfg.Browser.Driver)
	assert.Equal(t, 1, cfg.Capture.MaxConcurrent)
	assert.Equal(t, []string{"a", "b"}, cfg.Auth.APIKeys)
}

func TestLoadRejectsBadSettings(t *testing.T) {
	t.Run("remote without credentials", func(t *testing.T) {
		t.Setenv("EVIDENCE_BROWSER_MODE", "remote")
		t.Setenv("EVIDENCE_REMOTE_API_KEY", "")
		_, err := Load()
		assert.ErrorContains(t, err, "remote mode requires")
	})
	t.Run("unknown driver", func(t *testing.T) {
		t.Setenv("EVIDENCE_BROWSER_MODE", "local")
		t.Setenv("EVIDENCE_BROWSER_DRIVER", "selenium")
		_, err := Load()
		assert.ErrorContains(t, err, "unknown browser driver")
	})
}
