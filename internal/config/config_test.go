package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.True(t, cfg.FeeRate.Equal(decimal.RequireFromString("0.02")), "fee rate = %s", cfg.FeeRate)
	assert.Equal(t, DefaultFeeSinkUserID, cfg.FeeSinkUserID)
	assert.Equal(t, 30*time.Minute, cfg.StartTimeout)
	assert.Equal(t, 24*time.Hour, cfg.DisputeWindow)
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, int64(1_000_000), cfg.MaxStake)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("PLATFORM_FEE_RATE", "0.05")
	t.Setenv("MATCH_START_TIMEOUT", "45m")
	t.Setenv("VOTING_WINDOW", "90")
	t.Setenv("APP_PORT", "9000")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.True(t, cfg.FeeRate.Equal(decimal.RequireFromString("0.05")))
	assert.Equal(t, 45*time.Minute, cfg.StartTimeout)
	assert.Equal(t, 90*time.Minute, cfg.VotingWindow)
	assert.Equal(t, "9000", cfg.HTTPPort)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
	}{
		{
			name:    "Unparseable fee rate",
			envVars: map[string]string{"PLATFORM_FEE_RATE": "two percent"},
		},
		{
			name:    "Fee rate of one",
			envVars: map[string]string{"PLATFORM_FEE_RATE": "1"},
		},
		{
			name:    "Negative fee rate",
			envVars: map[string]string{"PLATFORM_FEE_RATE": "-0.01"},
		},
		{
			name:    "Zero max stake",
			envVars: map[string]string{"MAX_STAKE": "0"},
		},
		{
			name:    "Fee sink is not a uuid",
			envVars: map[string]string{"FEE_SINK_USER_ID": "house"},
		},
		{
			name:    "Zero scheduler interval",
			envVars: map[string]string{"SCHEDULER_INTERVAL": "0s"},
		},
		{
			name:    "Short signing key",
			envVars: map[string]string{"EVENT_SIGNING_KEY": "too-short"},
		},
		{
			name:    "Bucket without endpoint",
			envVars: map[string]string{"EVIDENCE_BUCKET": "evidence"},
		},
		{
			name:    "Empty database url",
			envVars: map[string]string{"DB_CONN_STR": ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}
