package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"tendervault/core"
	"tendervault/storage"
)

const testAuthToken = "local-test-token"

var (
	testDepositor = [20]byte{0x11}
	testBuyer     = [20]byte{0x22}
	testSeller    = [20]byte{0x33}
	testReceiver  = [20]byte{0x44}
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	node := core.NewNode(storage.NewMemDB())
	require.NoError(t, node.ApplyGenesisTokens([]core.GenesisToken{
		{
			Symbol:   "ASSET",
			Name:     "Asset Units",
			Decimals: 0,
			Balances: map[[20]byte]*big.Int{testDepositor: big.NewInt(1_000)},
		},
		{
			Symbol:   "PAY",
			Name:     "Payment Units",
			Decimals: 2,
			Balances: map[[20]byte]*big.Int{testBuyer: big.NewInt(10_000)},
		},
	}))
	server := httptest.NewServer(NewServer(node, testAuthToken).Router())
	t.Cleanup(server.Close)
	return server
}

func rpcCall(t *testing.T, url, token, method string, params interface{}) RPCResponse {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  []interface{}{params},
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded RPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return decoded
}

func testTerms() termsParam {
	return termsParam{
		SellerProceeds: hexAddress(testSeller),
		Receiver:       hexAddress(testReceiver),
		AssetToken:     "ASSET",
		PaymentToken:   "PAY",
		Depositor:      hexAddress(testDepositor),
	}
}

func TestTenderPurchaseRoundTrip(t *testing.T) {
	server := newTestServer(t)
	terms := testTerms()

	resp := rpcCall(t, server.URL, testAuthToken, "escrow_tender", tenderParams{
		Terms:  terms,
		Caller: hexAddress(testDepositor),
		Proof:  7,
		Cost:   "100",
		Qty:    "10",
	})
	require.Nil(t, resp.Error)

	resp = rpcCall(t, server.URL, testAuthToken, "escrow_get", deriveParams{Terms: terms, Proof: 7})
	require.Nil(t, resp.Error)
	status := decodeResult[statusResult](t, resp)
	require.Equal(t, "100", status.TotalPurchaseCost)
	require.Equal(t, "10", status.VaultBalance)

	resp = rpcCall(t, server.URL, testAuthToken, "escrow_purchase", purchaseParams{
		Terms: terms,
		Buyer: hexAddress(testBuyer),
		Proof: 7,
		Qty:   "4",
	})
	require.Nil(t, resp.Error)
	rec := decodeResult[recordResult](t, resp)
	require.Equal(t, "60", rec.TotalPurchaseCost)

	resp = rpcCall(t, server.URL, testAuthToken, "escrow_purchase", purchaseParams{
		Terms: terms,
		Buyer: hexAddress(testBuyer),
		Proof: 7,
	})
	require.Nil(t, resp.Error)

	resp = rpcCall(t, server.URL, testAuthToken, "escrow_get", deriveParams{Terms: terms, Proof: 7})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeEscrowNotFound, resp.Error.Code)

	resp = rpcCall(t, server.URL, "", "bank_balance", balanceParams{
		Address: hexAddress(testReceiver),
		Token:   "ASSET",
	})
	require.Nil(t, resp.Error)
	balance := decodeResult[map[string]string](t, resp)
	require.Equal(t, "10", balance["balance"])
}

func TestMutatingMethodsRequireAuth(t *testing.T) {
	server := newTestServer(t)

	resp := rpcCall(t, server.URL, "", "escrow_tender", tenderParams{
		Terms:  testTerms(),
		Caller: hexAddress(testDepositor),
		Proof:  1,
		Cost:   "100",
		Qty:    "10",
	})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeUnauthorized, resp.Error.Code)

	resp = rpcCall(t, server.URL, "wrong-token", "escrow_cancel", cancelParams{
		Terms:  testTerms(),
		Caller: hexAddress(testDepositor),
		Proof:  1,
	})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeUnauthorized, resp.Error.Code)
}

func TestDeriveIsStateless(t *testing.T) {
	server := newTestServer(t)

	resp := rpcCall(t, server.URL, "", "escrow_derive", deriveParams{Terms: testTerms(), Proof: 3})
	require.Nil(t, resp.Error)
	addrs := decodeResult[map[string]string](t, resp)
	require.Len(t, addrs["recordAddress"], 42)
	require.Len(t, addrs["vaultAddress"], 42)
	require.NotEqual(t, addrs["recordAddress"], addrs["vaultAddress"])
}

func TestDispatchErrors(t *testing.T) {
	server := newTestServer(t)

	resp := rpcCall(t, server.URL, "", "escrow_fly", struct{}{})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeMethodNotFound, resp.Error.Code)

	resp = rpcCall(t, server.URL, testAuthToken, "escrow_tender", tenderParams{
		Terms:  testTerms(),
		Caller: "not-an-address",
		Proof:  1,
		Cost:   "100",
		Qty:    "10",
	})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeInvalidParams, resp.Error.Code)

	httpResp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer httpResp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, httpResp.StatusCode)
}

func TestUnauthorizedCaller(t *testing.T) {
	server := newTestServer(t)
	terms := testTerms()

	resp := rpcCall(t, server.URL, testAuthToken, "escrow_tender", tenderParams{
		Terms:  terms,
		Caller: hexAddress(testBuyer),
		Proof:  1,
		Cost:   "100",
		Qty:    "10",
	})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeEscrowForbidden, resp.Error.Code)
}

func decodeResult[T any](t *testing.T, resp RPCResponse) T {
	t.Helper()
	var out T
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &out), fmt.Sprintf("result: %v", resp.Result))
	return out
}
