package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "GATEWAY_API_KEY", "sk_test_abc123")
	setEnv(t, "GATEWAY_MERCHANT_CODE", "MK001")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultGatewayURL, cfg.GatewayBaseURL)
	assert.Equal(t, DefaultTimeout, cfg.GatewayTimeout)
	assert.Equal(t, DefaultMaxSweeps, cfg.MaxSweeps)
}

func TestLoad_MissingAPIKey(t *testing.T) {
	setEnv(t, "GATEWAY_API_KEY", "")
	setEnv(t, "GATEWAY_MERCHANT_CODE", "MK001")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "GATEWAY_API_KEY is required")
}

func TestLoad_DurationOverrides(t *testing.T) {
	setEnv(t, "GATEWAY_API_KEY", "sk_test_abc123")
	setEnv(t, "GATEWAY_MERCHANT_CODE", "MK001")
	setEnv(t, "GATEWAY_TIMEOUT", "5s")
	setEnv(t, "SWEEP_INTERVAL", "10s")
	setEnv(t, "SWEEP_GRACE", "30s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, 10*time.Second, cfg.SweepInterval)
	assert.Equal(t, 30*time.Second, cfg.SweepGrace)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid config",
			config: Config{
				GatewayAPIKey:   "sk_test_abc123",
				GatewayMerchant: "MK001",
				GatewayTimeout:  time.Second,
				MaxSweeps:       5,
			},
			wantErr: "",
		},
		{
			name: "missing merchant code",
			config: Config{
				GatewayAPIKey:  "sk_test_abc123",
				GatewayTimeout: time.Second,
				MaxSweeps:      5,
			},
			wantErr: "GATEWAY_MERCHANT_CODE is required",
		},
		{
			name: "non-positive timeout",
			config: Config{
				GatewayAPIKey:   "sk_test_abc123",
				GatewayMerchant: "MK001",
				MaxSweeps:       5,
			},
			wantErr: "GATEWAY_TIMEOUT must be positive",
		},
		{
			name: "non-positive max sweeps",
			config: Config{
				GatewayAPIKey:   "sk_test_abc123",
				GatewayMerchant: "MK001",
				GatewayTimeout:  time.Second,
			},
			wantErr: "MAX_SWEEPS must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_EnvHelpers(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.True(t, cfg.IsProduction())
}
