package api

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perp/pkg/access"
	"github.com/luxfi/perp/pkg/oracle"
	"github.com/luxfi/perp/pkg/vault"
)

func newTestServer(t *testing.T) (*JSONRPCServer, *vault.Vault, *vault.MemoryBank) {
	t.Helper()
	px := oracle.New(nil)
	px.SetStaleness(0)
	btc, err := oracle.ParsePrice("40000")
	require.NoError(t, err)
	px.SetPrice("BTC", btc)
	usdc, err := oracle.ParsePrice("1")
	require.NoError(t, err)
	px.SetPrice("USDC", usdc)

	bank := vault.NewMemoryBank("vault")
	v := vault.New(vault.DefaultConfig(), px, access.NewGate(nil), bank, nil)
	require.NoError(t, v.RegisterAsset(vault.AssetConfig{Symbol: "BTC", Decimals: 8, IsShortable: true}))
	require.NoError(t, v.RegisterAsset(vault.AssetConfig{Symbol: "USDC", Decimals: 6, IsStable: true}))
	v.Shorts().SetDataReady(true)

	level, _ := log.ToLevel("debug")
	return NewJSONRPCServer(v, log.NewTestLogger(level)), v, bank
}

func call(t *testing.T, server *JSONRPCServer, body string) map[string]interface{} {
	t.Helper()
	req := httptest.NewRequest("POST", "/rpc", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "2.0", resp["jsonrpc"])
	return resp
}

func TestJSONRPCServer_Ping(t *testing.T) {
	server, _, _ := newTestServer(t)
	resp := call(t, server, `{"jsonrpc":"2.0","method":"perp_ping","params":{},"id":1}`)
	assert.Equal(t, "pong", resp["result"])
	assert.Equal(t, float64(1), resp["id"])
}

func TestJSONRPCServer_GetPosition(t *testing.T) {
	server, v, bank := newTestServer(t)

	// Seed liquidity and open a $90 long with 0.00025 BTC collateral.
	bank.Mint("vault", "BTC", big.NewInt(100_000_000))
	_, err := v.DirectPoolDeposit("BTC")
	require.NoError(t, err)
	bank.Mint("vault", "BTC", big.NewInt(25_000))
	size := new(big.Int).Mul(big.NewInt(90), vault.PricePrecision)
	require.NoError(t, v.IncreasePosition("alice", "alice", "BTC", "BTC", size, true))

	resp := call(t, server,
		`{"jsonrpc":"2.0","method":"perp_getPosition","params":{"account":"alice","collateralAsset":"BTC","indexAsset":"BTC","isLong":true},"id":2}`)
	result := resp["result"].(map[string]interface{})
	assert.Equal(t, size.String(), result["size"])
	assert.Equal(t, true, result["exists"])

	t.Run("missing position is empty not an error", func(t *testing.T) {
		resp := call(t, server,
			`{"jsonrpc":"2.0","method":"perp_getPosition","params":{"account":"bob","collateralAsset":"BTC","indexAsset":"BTC","isLong":true},"id":3}`)
		result := resp["result"].(map[string]interface{})
		assert.Equal(t, "0", result["size"])
		assert.Equal(t, false, result["exists"])
	})
}

func TestJSONRPCServer_GetPoolState(t *testing.T) {
	server, v, bank := newTestServer(t)
	bank.Mint("vault", "BTC", big.NewInt(100_000_000))
	_, err := v.DirectPoolDeposit("BTC")
	require.NoError(t, err)

	resp := call(t, server,
		`{"jsonrpc":"2.0","method":"perp_getPoolState","params":{"asset":"BTC"},"id":4}`)
	result := resp["result"].(map[string]interface{})
	assert.Equal(t, "100000000", result["poolAmount"])
	assert.Equal(t, "0", result["reservedAmount"])
	assert.Equal(t, "100000000", result["tokenBalance"])

	t.Run("unknown asset", func(t *testing.T) {
		resp := call(t, server,
			`{"jsonrpc":"2.0","method":"perp_getPoolState","params":{"asset":"DOGE"},"id":5}`)
		require.NotNil(t, resp["error"])
		errObj := resp["error"].(map[string]interface{})
		assert.Equal(t, float64(InvalidParams), errObj["code"])
	})
}

func TestJSONRPCServer_GetPoolValue(t *testing.T) {
	server, v, bank := newTestServer(t)
	bank.Mint("vault", "BTC", big.NewInt(100_000_000))
	_, err := v.DirectPoolDeposit("BTC")
	require.NoError(t, err)

	resp := call(t, server, `{"jsonrpc":"2.0","method":"perp_getPoolValue","params":{},"id":6}`)
	result := resp["result"].(map[string]interface{})
	expected := new(big.Int).Mul(big.NewInt(40_000), vault.PricePrecision)
	assert.Equal(t, expected.String(), result["min"])
	assert.Equal(t, expected.String(), result["max"])
}

func TestJSONRPCServer_GetGlobalShortDelta(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp := call(t, server,
		`{"jsonrpc":"2.0","method":"perp_getGlobalShortDelta","params":{"asset":"BTC"},"id":7}`)
	result := resp["result"].(map[string]interface{})
	assert.Equal(t, "0", result["size"])
	assert.Equal(t, "0", result["delta"])
	assert.Equal(t, false, result["hasProfit"])
}

func TestJSONRPCServer_ProtocolErrors(t *testing.T) {
	server, _, _ := newTestServer(t)

	t.Run("parse error", func(t *testing.T) {
		resp := call(t, server, `{not json`)
		errObj := resp["error"].(map[string]interface{})
		assert.Equal(t, float64(ParseError), errObj["code"])
	})

	t.Run("wrong version", func(t *testing.T) {
		resp := call(t, server, `{"jsonrpc":"1.0","method":"perp_ping","id":8}`)
		errObj := resp["error"].(map[string]interface{})
		assert.Equal(t, float64(InvalidRequest), errObj["code"])
	})

	t.Run("unknown method", func(t *testing.T) {
		resp := call(t, server, `{"jsonrpc":"2.0","method":"perp_nope","id":9}`)
		errObj := resp["error"].(map[string]interface{})
		assert.Equal(t, float64(MethodNotFound), errObj["code"])
	})

	t.Run("GET not allowed", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/rpc", nil)
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}
