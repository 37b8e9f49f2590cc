package rcfg_test

import (
	"testing"
	"time"

	"github.com/keyrecovery/recoveryd/rcfg"
	"github.com/stretchr/testify/require"
)

// TestDefaultsValidate asserts that the defaults validate once the required
// URLs are filled in.
func TestDefaultsValidate(t *testing.T) {
	esplora := rcfg.DefaultEsploraConfig()
	esplora.URL = "http://localhost:3002"

	server := rcfg.DefaultServer()
	server.URL = "https://api.example.com"

	require.NoError(t, rcfg.Validate(
		esplora, server, rcfg.DefaultSweeper(), rcfg.DefaultRecovery(),
		rcfg.DefaultDB(), rcfg.DefaultPrometheus(),
		rcfg.DefaultHealthChecks(),
	))
}

func TestValidateEsplora(t *testing.T) {
	tests := []struct {
		name   string
		modify func(cfg *rcfg.Esplora)
		valid  bool
	}{
		{
			name:   "valid",
			modify: func(*rcfg.Esplora) {},
			valid:  true,
		},
		{
			name: "missing url",
			modify: func(cfg *rcfg.Esplora) {
				cfg.URL = ""
			},
		},
		{
			name: "bad scheme",
			modify: func(cfg *rcfg.Esplora) {
				cfg.URL = "ftp://localhost"
			},
		},
		{
			name: "zero timeout",
			modify: func(cfg *rcfg.Esplora) {
				cfg.RequestTimeout = 0
			},
		},
		{
			name: "negative retries",
			modify: func(cfg *rcfg.Esplora) {
				cfg.MaxRetries = -1
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := rcfg.DefaultEsploraConfig()
			cfg.URL = "https://mempool.space/testnet/api"
			test.modify(cfg)

			err := cfg.Validate()
			if test.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestValidateServer(t *testing.T) {
	cfg := rcfg.DefaultServer()
	require.Error(t, cfg.Validate())

	cfg.URL = "https://api.example.com"
	require.NoError(t, cfg.Validate())

	cfg.Burst = 0
	require.Error(t, cfg.Validate())
}

func TestValidateSweeper(t *testing.T) {
	cfg := rcfg.DefaultSweeper()
	require.NoError(t, cfg.Validate())

	cfg.CheckInterval = time.Second
	require.Error(t, cfg.Validate())

	// A disabled sweeper isn't checked.
	cfg.Disable = true
	require.NoError(t, cfg.Validate())
}

func TestValidateHealthChecks(t *testing.T) {
	cfg := rcfg.DefaultHealthChecks()
	require.NoError(t, cfg.Validate())

	cfg.ChainCheck.Interval = time.Second
	require.Error(t, cfg.Validate())

	// A check with zero attempts is disabled.
	cfg.ChainCheck.Attempts = 0
	require.NoError(t, cfg.Validate())

	cfg.DiskCheck.RequiredRemaining = 1
	require.Error(t, cfg.Validate())
}

func TestValidatePrometheus(t *testing.T) {
	cfg := rcfg.DefaultPrometheus()
	cfg.Listen = "nonsense"
	require.NoError(t, cfg.Validate())

	cfg.Enable = true
	require.Error(t, cfg.Validate())

	cfg.Listen = rcfg.DefaultPrometheusListen
	require.NoError(t, cfg.Validate())
}

func TestCleanAndExpandPath(t *testing.T) {
	t.Setenv("RECOVERYD_TEST_DIR", "/tmp/recoveryd")

	require.Equal(t, "", rcfg.CleanAndExpandPath(""))
	require.Equal(t, "/tmp/recoveryd/data",
		rcfg.CleanAndExpandPath("$RECOVERYD_TEST_DIR/./data"))
	require.Equal(t, "testnet", rcfg.NormalizeNetwork("testnet3"))
	require.Equal(t, "regtest", rcfg.NormalizeNetwork("regtest"))
}
