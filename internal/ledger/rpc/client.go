// Package rpc is a JSON-RPC 2.0 client for the settlement network gateway.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/smallbiznis/factora/internal/config"
	ledgerdomain "github.com/smallbiznis/factora/internal/ledger/domain"
	"go.uber.org/zap"
)

const (
	methodGetAccount          = "getAccount"
	methodSimulateTransaction = "simulateTransaction"
	methodSendTransaction     = "sendTransaction"
	methodGetTransaction      = "getTransaction"
)

var ErrNotConfigured = errors.New("ledger rpc url not configured")

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type Client struct {
	http *resty.Client
	log  *zap.Logger
	seq  atomic.Uint64
}

func NewClient(cfg config.LedgerConfig, log *zap.Logger) *Client {
	timeout := cfg.RPCTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	http := resty.New().
		SetBaseURL(strings.TrimRight(strings.TrimSpace(cfg.RPCURL), "/")).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{http: http, log: log.Named("ledger.rpc")}
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	if c.http.BaseURL == "" {
		return ErrNotConfigured
	}

	req := request{JSONRPC: "2.0", ID: c.seq.Add(1), Method: method, Params: params}
	var res response
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&res).
		Post("")
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%s: http %d", method, resp.StatusCode())
	}
	if res.Error != nil {
		c.log.Debug("rpc returned error",
			zap.String("method", method),
			zap.Int("code", res.Error.Code),
			zap.String("message", res.Error.Message),
		)
		return fmt.Errorf("%s: %w", method, res.Error)
	}
	if out == nil || len(res.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

type accountResult struct {
	ID       string `json:"id"`
	Sequence string `json:"sequence"`
}

func (c *Client) GetAccount(ctx context.Context, address string) (ledgerdomain.Account, error) {
	var out accountResult
	if err := c.call(ctx, methodGetAccount, map[string]string{"address": address}, &out); err != nil {
		return ledgerdomain.Account{}, err
	}
	seq, err := strconv.ParseInt(out.Sequence, 10, 64)
	if err != nil {
		return ledgerdomain.Account{}, fmt.Errorf("%s: bad sequence %q", methodGetAccount, out.Sequence)
	}
	return ledgerdomain.Account{ID: out.ID, Sequence: seq}, nil
}

type simulateResult struct {
	Error          string `json:"error"`
	MinResourceFee string `json:"minResourceFee"`
	Results        []struct {
		Retval ledgerdomain.Value `json:"retval"`
	} `json:"results"`
}

func (c *Client) SimulateTransaction(ctx context.Context, env ledgerdomain.Envelope) (ledgerdomain.SimulateResult, error) {
	var out simulateResult
	if err := c.call(ctx, methodSimulateTransaction, map[string]any{"transaction": env}, &out); err != nil {
		return ledgerdomain.SimulateResult{}, err
	}

	res := ledgerdomain.SimulateResult{Error: out.Error}
	if out.MinResourceFee != "" {
		fee, err := strconv.ParseInt(out.MinResourceFee, 10, 64)
		if err != nil {
			return ledgerdomain.SimulateResult{}, fmt.Errorf("%s: bad fee %q", methodSimulateTransaction, out.MinResourceFee)
		}
		res.MinResourceFee = fee
	}
	if len(out.Results) > 0 {
		v := out.Results[0].Retval
		res.Result = &v
	}
	return res, nil
}

type sendResult struct {
	Hash        string `json:"hash"`
	Status      string `json:"status"`
	ErrorResult string `json:"errorResult"`
}

func (c *Client) SendTransaction(ctx context.Context, env ledgerdomain.SignedEnvelope) (ledgerdomain.SendResult, error) {
	var out sendResult
	if err := c.call(ctx, methodSendTransaction, map[string]any{"transaction": env}, &out); err != nil {
		return ledgerdomain.SendResult{}, err
	}
	return ledgerdomain.SendResult{Hash: out.Hash, Status: out.Status, ErrorResult: out.ErrorResult}, nil
}

type transactionResult struct {
	Status      string              `json:"status"`
	Ledger      int64               `json:"ledger"`
	ReturnValue *ledgerdomain.Value `json:"returnValue"`
	ResultError string              `json:"resultError"`
}

func (c *Client) GetTransaction(ctx context.Context, hash string) (ledgerdomain.TransactionResult, error) {
	var out transactionResult
	if err := c.call(ctx, methodGetTransaction, map[string]string{"hash": hash}, &out); err != nil {
		return ledgerdomain.TransactionResult{}, err
	}
	return ledgerdomain.TransactionResult{
		Status:      out.Status,
		Ledger:      out.Ledger,
		ReturnValue: out.ReturnValue,
		ResultError: out.ResultError,
	}, nil
}

var _ ledgerdomain.Client = (*Client)(nil)
