package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "paywatch.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestReadConfigFileFlattensToEnvNamespace(t *testing.T) {
	path := writeTempConfig(t, `
host = "0.0.0.0"
port = 9090
api_key = "file-key"
rate_limit = 25.5
webhook_url = "https://hooks.example.com/pay"
webhook_secret = "whsec"
target_amount = "49.99"
active_networks = ["BEP20_TESTNET", "POLYGON"]

[chains.BEP20_TESTNET]
rpc_url = "https://data-seed-prebsc-1-s1.binance.org:8545"
recipient = "0x1f9090aaE28b8a3dCeaDf281B0F12828e676c326"
required_confirmations = 3
poll_interval_ms = 2000
max_block_range = 200

[chains.POLYGON]
rpc_url = "https://polygon-rpc.com"
recipient = "0x1f9090aaE28b8a3dCeaDf281B0F12828e676c326"
token_decimals = 6
`)

	env, err := readConfigFile(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", env["HOST"])
	assert.Equal(t, "9090", env["PORT"])
	assert.Equal(t, "file-key", env["API_KEY"])
	assert.Equal(t, "25.5", env["RATE_LIMIT"])
	assert.Equal(t, "https://hooks.example.com/pay", env["WEBHOOK_URL"])
	assert.Equal(t, "whsec", env["WEBHOOK_SECRET"])
	assert.Equal(t, "49.99", env["TARGET_USDT_AMOUNT"])
	assert.Equal(t, "BEP20_TESTNET,POLYGON", env["ACTIVE_NETWORKS"])

	assert.Equal(t, "https://data-seed-prebsc-1-s1.binance.org:8545", env["BEP20_TESTNET_RPC_URL"])
	assert.Equal(t, "0x1f9090aaE28b8a3dCeaDf281B0F12828e676c326", env["BEP20_TESTNET_RECIPIENT"])
	assert.Equal(t, "3", env["BEP20_TESTNET_REQUIRED_CONFIRMATIONS"])
	assert.Equal(t, "2000", env["BEP20_TESTNET_POLL_INTERVAL_MS"])
	assert.Equal(t, "200", env["BEP20_TESTNET_MAX_BLOCK_RANGE"])
	assert.Equal(t, "6", env["POLYGON_TOKEN_DECIMALS"])

	// Unset fields do not shadow real environment variables with empties.
	_, present := env["SENDER_ADDRESS"]
	assert.False(t, present)
	_, present = env["BEP20_TESTNET_TOKEN_CONTRACT"]
	assert.False(t, present)
}

func TestReadConfigFileErrors(t *testing.T) {
	_, err := readConfigFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	path := writeTempConfig(t, "port = [not toml")
	_, err = readConfigFile(path)
	assert.Error(t, err)
}

func TestReadConfigFileZeroDecimalsIsExplicit(t *testing.T) {
	path := writeTempConfig(t, `
[chains.BEP20_TESTNET]
rpc_url = "https://rpc"
token_decimals = 0
`)
	env, err := readConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0", env["BEP20_TESTNET_TOKEN_DECIMALS"], "pointer field distinguishes 0 from unset")
}
