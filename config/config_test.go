package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Eth.RPCEndpoint = "http://localhost:8545"
	cfg.Eth.PrivateKey = "00"
	return cfg
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
verbosity: debug
eth:
  rpc-endpoint: http://localhost:8545
  chain-id: 1337
anchor:
  interval: 30s
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Verbosity)
	require.Equal(t, int64(1337), cfg.Eth.ChainID)
	require.Equal(t, 30*time.Second, cfg.Anchor.Interval)
	// Untouched fields keep their defaults.
	require.Equal(t, 12*time.Hour, cfg.Database.MaxAnchoringDelay)
	require.Equal(t, 1024, cfg.Anchor.MaxStreamLimit)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cas.yaml")
	require.NoError(t, os.WriteFile(path, []byte("no-such-key: 1\n"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	missingEndpoint := validConfig()
	missingEndpoint.Eth.RPCEndpoint = ""
	require.Error(t, missingEndpoint.Validate())

	missingKey := validConfig()
	missingKey.Eth.PrivateKey = ""
	require.Error(t, missingKey.Validate())

	badLimits := validConfig()
	badLimits.Anchor.MinStreamLimit = badLimits.Anchor.MaxStreamLimit + 1
	require.Error(t, badLimits.Validate())

	brokersNoTopic := validConfig()
	brokersNoTopic.Queue.Brokers = []string{"localhost:9092"}
	require.Error(t, brokersNoTopic.Validate())
}
