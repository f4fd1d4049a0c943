package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/smallbiznis/factora/internal/config"
	ledgerdomain "github.com/smallbiznis/factora/internal/ledger/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, handle func(method string, params json.RawMessage) (any, *Error)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		result, rpcErr := handle(req.Method, req.Params)
		body := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			body["error"] = rpcErr
		} else {
			body["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(url string) *Client {
	return NewClient(config.LedgerConfig{RPCURL: url, RPCTimeout: time.Second}, zap.NewNop())
}

func TestGetAccount(t *testing.T) {
	srv := newTestServer(t, func(method string, params json.RawMessage) (any, *Error) {
		assert.Equal(t, methodGetAccount, method)
		return map[string]string{"id": "GABC", "sequence": "41"}, nil
	})

	acct, err := newClient(srv.URL).GetAccount(context.Background(), "GABC")
	require.NoError(t, err)
	assert.Equal(t, int64(41), acct.Sequence)
}

func TestSimulateTransactionDecodesResult(t *testing.T) {
	srv := newTestServer(t, func(method string, params json.RawMessage) (any, *Error) {
		var p struct {
			Transaction ledgerdomain.Envelope `json:"transaction"`
		}
		require.NoError(t, json.Unmarshal(params, &p))
		assert.Equal(t, "get_status", p.Transaction.Operation.Function)
		return map[string]any{
			"minResourceFee": "5000",
			"results":        []any{map[string]any{"retval": ledgerdomain.NewValue("symbol", "Funded")}},
		}, nil
	})

	res, err := newClient(srv.URL).SimulateTransaction(context.Background(), ledgerdomain.Envelope{
		Operation: ledgerdomain.Operation{Function: "get_status"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), res.MinResourceFee)
	require.NotNil(t, res.Result)
	v, err := ledgerdomain.DecodeValue(*res.Result)
	require.NoError(t, err)
	assert.Equal(t, "Funded", v)
}

func TestRPCErrorIsReturned(t *testing.T) {
	srv := newTestServer(t, func(string, json.RawMessage) (any, *Error) {
		return nil, &Error{Code: -32602, Message: "invalid params"}
	})

	_, err := newClient(srv.URL).GetTransaction(context.Background(), "abc")
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32602, rpcErr.Code)
}

func TestSendAndGetTransaction(t *testing.T) {
	srv := newTestServer(t, func(method string, _ json.RawMessage) (any, *Error) {
		switch method {
		case methodSendTransaction:
			return map[string]string{"hash": "h1", "status": ledgerdomain.SendStatusPending}, nil
		case methodGetTransaction:
			return map[string]any{"status": ledgerdomain.TxStatusSuccess, "ledger": 99}, nil
		}
		return nil, &Error{Code: -32601, Message: "method not found"}
	})

	c := newClient(srv.URL)
	sent, err := c.SendTransaction(context.Background(), ledgerdomain.SignedEnvelope{})
	require.NoError(t, err)
	assert.Equal(t, "h1", sent.Hash)

	tx, err := c.GetTransaction(context.Background(), "h1")
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.TxStatusSuccess, tx.Status)
	assert.Equal(t, int64(99), tx.Ledger)
}

func TestUnconfiguredURL(t *testing.T) {
	_, err := newClient("").GetAccount(context.Background(), "G")
	assert.ErrorIs(t, err, ErrNotConfigured)
}
