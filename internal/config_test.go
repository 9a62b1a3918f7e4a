package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("ENV", "dev")

	cfg, err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, uint16(3000), cfg.Port)
	assert.Equal(t, "usd", cfg.Stripe.Currency)
	assert.Equal(t, "59601", cfg.Tax.FallbackPostalCode)
	assert.True(t, cfg.Pricing.PromotionsEnabled)
	assert.Equal(t, 2*time.Second, cfg.Worker.PollInterval)
	assert.Empty(t, cfg.CORSOrigins)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("ENV", "dev")
	t.Setenv("PORT", "8080")
	t.Setenv("BASE_URL", "https://shop.example.com/")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, ,https://b.example.com")
	t.Setenv("WORKER_POLL_INTERVAL", "500ms")
	t.Setenv("WORKER_BATCH_SIZE", "nope")
	t.Setenv("PROMOTIONS_ENABLED", "false")
	t.Setenv("LOG_LEVEL", "verbose")

	cfg, err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, uint16(8080), cfg.Port)
	assert.Equal(t, "https://shop.example.com", cfg.BaseURL)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSOrigins)
	assert.Equal(t, 500*time.Millisecond, cfg.Worker.PollInterval)
	assert.Equal(t, 20, cfg.Worker.BatchSize, "unparseable values keep the default")
	assert.False(t, cfg.Pricing.PromotionsEnabled)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfig_Production(t *testing.T) {
	t.Run("placeholders rejected", func(t *testing.T) {
		t.Setenv("ENV", "prod")

		_, err := loadConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "STRIPE_SECRET_KEY")
		assert.Contains(t, err.Error(), "TAX_API_URL")
	})

	t.Run("complete", func(t *testing.T) {
		t.Setenv("ENV", "prod")
		t.Setenv("STRIPE_SECRET_KEY", "sk_live_abc")
		t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_abc")
		t.Setenv("TAX_API_URL", "https://tax.example.com")
		t.Setenv("NUMBERS_API_URL", "https://numbers.example.com")

		cfg, err := loadConfig()
		require.NoError(t, err)
		assert.Equal(t, "prod", cfg.Env)
	})

	t.Run("unknown env treated as prod", func(t *testing.T) {
		t.Setenv("ENV", "staging")

		_, err := loadConfig()
		assert.Error(t, err)
	})
}
