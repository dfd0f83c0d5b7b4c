package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := New()
	cfg.Currencies["BTC"] = CurrencyConfig{
		Endpoint:              "http://localhost:8332",
		Kind:                  "utxo",
		ConfirmationsRequired: 3,
		MinAmount:             1000000,
		MaxAmount:             1000000000,
		Denominations:         []int64{100000000, 10000000, 1000000},
	}
	return cfg
}

func TestDefaultsAreUsable(t *testing.T) {
	cfg := New()
	require.Equal(t, 3, cfg.Mixing.KMin)
	require.Equal(t, "0.0.0.0:8080", cfg.Server.ListenAddr())
	require.Equal(t, 0.8, cfg.Resource.HeapWarning)
	require.Equal(t, 5*time.Minute, cfg.Mixing.LeaseTTL())
	require.Equal(t, 10*time.Minute, cfg.Mixing.MinDelay())
}

func TestValidateRequiresCurrency(t *testing.T) {
	cfg := New()
	require.Error(t, cfg.Validate())
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsMissingDenominations(t *testing.T) {
	cfg := validConfig()
	cur := cfg.Currencies["BTC"]
	cur.Denominations = nil
	cfg.Currencies["BTC"] = cur
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsInvertedDelayWindow(t *testing.T) {
	cfg := validConfig()
	cfg.Mixing.MinDelayS = 100
	cfg.Mixing.MaxDelayS = 10
	require.Error(t, cfg.Validate())
}
