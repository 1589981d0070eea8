package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
environment: test
server:
  port: 8080
  read_timeout: 10s
  write_timeout: 10s
  shutdown_timeout: 15s
signals:
  efficient_threshold: 0.01
  neutral_threshold: 0.03
  persist_ttl: 24h
budget:
  total_capital: "10000.50"
delta:
  default:
    hard_limit: 5000
    soft_limit: 3000
  groups:
    politics:
      hard_limit: 2000
      soft_limit: 1000
circuit:
  default:
    failure_threshold: 3
    success_threshold: 2
    recovery_timeout: 60s
    call_timeout: 5s
ratelimit:
  default:
    max_requests: 60
    window: 60s
  classes:
    order:
      max_requests: 5
      window: 10s
risk:
  kelly_fraction: 0.25
  max_position_pct: 0.1
  max_daily_loss_pct: 0.05
  volatility_threshold: 0.15
  timezone: UTC
journal:
  backend: "off"
store:
  backend: memory
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValid(t *testing.T) {
	c, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "test", c.Environment)
	assert.Equal(t, 8080, c.Server.Port)
	assert.Equal(t, 10*time.Second, c.Server.ReadTimeout.Std())
	assert.Equal(t, 60*time.Second, c.Circuit.Default.RecoveryTimeout.Std())
	assert.Equal(t, "10000.50", c.Budget.TotalCapital)
	assert.Equal(t, 5, c.RateLimit.Classes["order"].MaxRequests)
	assert.Equal(t, float64(2000), c.Delta.Groups["politics"].HardLimit)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	bad := validYAML + "\nmarket:\n  reconnect_delay: soon\n"
	_, err := Load(writeConfig(t, bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "missing environment",
			mutate:  func(c *Config) { c.Environment = "" },
			wantErr: "environment is required",
		},
		{
			name:    "bad capital",
			mutate:  func(c *Config) { c.Budget.TotalCapital = "lots" },
			wantErr: "total_capital",
		},
		{
			name:    "negative capital",
			mutate:  func(c *Config) { c.Budget.TotalCapital = "-5" },
			wantErr: "must be positive",
		},
		{
			name:    "inverted spread thresholds",
			mutate:  func(c *Config) { c.Signals.NeutralThreshold = 0.005 },
			wantErr: "neutral_threshold",
		},
		{
			name: "soft above hard",
			mutate: func(c *Config) {
				g := c.Delta.Groups["politics"]
				g.SoftLimit = 9000
				c.Delta.Groups["politics"] = g
			},
			wantErr: "soft_limit",
		},
		{
			name:    "zero failure threshold",
			mutate:  func(c *Config) { c.Circuit.Default.FailureThreshold = 0 },
			wantErr: "failure_threshold",
		},
		{
			name:    "kelly out of range",
			mutate:  func(c *Config) { c.Risk.KellyFraction = 1.5 },
			wantErr: "kelly_fraction",
		},
		{
			name:    "unknown journal backend",
			mutate:  func(c *Config) { c.Journal.Backend = "postgres" },
			wantErr: "journal.backend",
		},
		{
			name:    "market tokens without url",
			mutate:  func(c *Config) { c.Market.Tokens = []string{"tok"} },
			wantErr: "websocket_url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Load(writeConfig(t, validYAML))
			require.NoError(t, err)

			tt.mutate(c)
			err = c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	t.Setenv("TOTAL_CAPITAL", "25000")
	t.Setenv("STORE_BACKEND", "off")

	c, err := LoadWithEnv(writeConfig(t, validYAML))
	require.NoError(t, err)
	assert.Equal(t, "25000", c.Budget.TotalCapital)
	assert.Equal(t, "off", c.Store.Backend)
}
