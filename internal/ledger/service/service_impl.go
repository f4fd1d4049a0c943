package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/smallbiznis/factora/internal/clock"
	"github.com/smallbiznis/factora/internal/config"
	ledgerdomain "github.com/smallbiznis/factora/internal/ledger/domain"
	"github.com/smallbiznis/factora/internal/ledger/signer"
	obslogger "github.com/smallbiznis/factora/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/factora/internal/observability/metrics"
	"github.com/smallbiznis/factora/internal/observability/tracing"
	"github.com/smallbiznis/factora/internal/ratelimit"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var errNotFinal = errors.New("transaction not final")

type Params struct {
	fx.In

	Client  ledgerdomain.Client
	Config  config.LedgerConfig
	Log     *zap.Logger
	Clock   clock.Clock
	Locker  *ratelimit.Locker   `optional:"true"`
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	client  ledgerdomain.Client
	cfg     config.LedgerConfig
	log     *zap.Logger
	clock   clock.Clock
	signer  *signer.KeyPair
	queue   *signerQueue
	metrics *obsmetrics.Metrics
}

// NewService builds the gateway. A blank signer secret is allowed; Invoke
// then fails with ErrConfig. A malformed one is a startup error.
func NewService(p Params) (ledgerdomain.Gateway, error) {
	cfg := withDefaults(p.Config)
	log := p.Log.Named("ledger.service")

	var kp *signer.KeyPair
	if secret := strings.TrimSpace(cfg.SignerSecret); secret != "" {
		parsed, err := signer.FromSeed(secret)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ledgerdomain.ErrConfig, err)
		}
		kp = parsed
	} else {
		log.Warn("ledger signer not configured; invocations will fail")
	}

	return &Service{
		client:  p.Client,
		cfg:     cfg,
		log:     log,
		clock:   p.Clock,
		signer:  kp,
		queue:   newSignerQueue(p.Locker, cfg.SignerLockTTL, log),
		metrics: p.Metrics,
	}, nil
}

func withDefaults(cfg config.LedgerConfig) config.LedgerConfig {
	if cfg.BaseFee <= 0 {
		cfg.BaseFee = 100
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = 30 * time.Second
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return cfg
}

func (s *Service) SignerAddress() (string, error) {
	if s.signer == nil {
		return "", fmt.Errorf("%w: ledger signer secret is not set", ledgerdomain.ErrConfig)
	}
	return s.signer.Address(), nil
}

func (s *Service) Invoke(ctx context.Context, contractID, function string, args ...ledgerdomain.Arg) (hash string, err error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "ledger.invoke",
		attribute.String("contract_id", contractID),
		attribute.String("function", function),
	)
	defer func() {
		s.metrics.RecordLedgerInvocation(ctx, function, err, time.Since(start))
		tracing.EndSpan(span, err)
	}()

	if s.signer == nil {
		return "", fmt.Errorf("%w: ledger signer secret is not set", ledgerdomain.ErrConfig)
	}
	if strings.TrimSpace(contractID) == "" {
		return "", fmt.Errorf("%w: contract id for %s is not set", ledgerdomain.ErrConfig, function)
	}

	encoded, err := ledgerdomain.EncodeArgs(args)
	if err != nil {
		return "", &ledgerdomain.InvocationError{Function: function, Stage: ledgerdomain.StageEncode, Err: err}
	}

	log := obslogger.WithLedgerCall(obslogger.WithContext(ctx, s.log), contractID, function)

	hash, err = s.submit(ctx, ledgerdomain.Operation{ContractID: contractID, Function: function, Args: encoded})
	if err != nil {
		log.Warn("ledger submission failed", zap.Error(err))
		return "", err
	}

	if err := s.awaitFinality(ctx, function, hash); err != nil {
		log.Warn("ledger transaction not confirmed", zap.String("tx_hash", hash), zap.Error(err))
		return "", err
	}

	log.Info("ledger transaction confirmed", zap.String("tx_hash", hash))
	return hash, nil
}

// submit holds the signer slot from account lookup until the network accepts the envelope.
func (s *Service) submit(ctx context.Context, op ledgerdomain.Operation) (string, error) {
	source := s.signer.Address()
	fail := func(stage, reason string, err error) error {
		return &ledgerdomain.InvocationError{Function: op.Function, Stage: stage, Reason: reason, Err: err}
	}

	release, err := s.queue.acquire(ctx, source)
	if err != nil {
		return "", fail(ledgerdomain.StageSignerKey, "", err)
	}
	defer release()

	account, err := s.client.GetAccount(ctx, source)
	if err != nil {
		return "", fail(ledgerdomain.StageAccount, "", err)
	}

	now := s.clock.Now()
	env := ledgerdomain.Envelope{
		Source:    source,
		Sequence:  account.Sequence + 1,
		Fee:       s.cfg.BaseFee,
		MaxTime:   now.Add(s.cfg.TxTimeout).Unix(),
		Operation: op,
	}

	sim, err := s.client.SimulateTransaction(ctx, env)
	if err != nil {
		return "", fail(ledgerdomain.StageSimulate, "", err)
	}
	if sim.Error != "" {
		return "", fail(ledgerdomain.StageSimulate, sim.Error, nil)
	}
	env.Fee += sim.MinResourceFee

	digest, err := env.Hash(s.cfg.NetworkPassphrase)
	if err != nil {
		return "", fail(ledgerdomain.StageEncode, "", err)
	}
	expectedHash, _ := env.HashHex(s.cfg.NetworkPassphrase)

	sent, err := s.client.SendTransaction(ctx, ledgerdomain.SignedEnvelope{
		Envelope:  env,
		Signer:    source,
		Signature: s.signer.SignHex(digest),
	})
	if err != nil {
		// The envelope may have reached the network before the transport failed.
		return "", &ledgerdomain.InvocationError{Function: op.Function, Stage: ledgerdomain.StageSend, TxHash: expectedHash, Err: err}
	}
	switch sent.Status {
	case ledgerdomain.SendStatusPending, ledgerdomain.SendStatusDuplicate:
	default:
		return "", fail(ledgerdomain.StageSend, fmt.Sprintf("%s %s", sent.Status, sent.ErrorResult), nil)
	}

	if sent.Hash == "" {
		return expectedHash, nil
	}
	return sent.Hash, nil
}

// awaitFinality polls getTransaction on a constant interval for PollAttempts tries.
func (s *Service) awaitFinality(ctx context.Context, function, hash string) error {
	var lastStatus string
	op := func() error {
		tx, err := s.client.GetTransaction(ctx, hash)
		if err != nil {
			return err
		}
		lastStatus = tx.Status
		switch tx.Status {
		case ledgerdomain.TxStatusSuccess:
			return nil
		case ledgerdomain.TxStatusFailed:
			return backoff.Permanent(fmt.Errorf("%w %s", ledgerdomain.ErrTransactionFailed, tx.ResultError))
		default:
			return errNotFinal
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.PollInterval), uint64(s.cfg.PollAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		reason := ""
		if errors.Is(err, errNotFinal) {
			reason = fmt.Sprintf("not final after %d attempts (last status %s)", s.cfg.PollAttempts, lastStatus)
		}
		return &ledgerdomain.InvocationError{
			Function: function,
			Stage:    ledgerdomain.StageFinality,
			TxHash:   hash,
			Reason:   reason,
			Err:      err,
		}
	}
	return nil
}

// TransactionStatus returns SUCCESS, FAILED or NOT_FOUND for hash.
func (s *Service) TransactionStatus(ctx context.Context, hash string) (string, error) {
	tx, err := s.client.GetTransaction(ctx, hash)
	if err != nil {
		return "", fmt.Errorf("get transaction %s: %w", hash, err)
	}
	return tx.Status, nil
}

// Call simulates from the simulation account (or the signer) and decodes the
// return value. Failures are logged and reported as (nil, nil).
func (s *Service) Call(ctx context.Context, contractID, function string, args ...ledgerdomain.Arg) (any, error) {
	ctx, span := tracing.StartSpan(ctx, "ledger.call",
		attribute.String("contract_id", contractID),
		attribute.String("function", function),
	)
	defer span.End()

	log := obslogger.WithLedgerCall(obslogger.WithContext(ctx, s.log), contractID, function)

	source := strings.TrimSpace(s.cfg.SimulationAccount)
	if source == "" && s.signer != nil {
		source = s.signer.Address()
	}
	if source == "" || strings.TrimSpace(contractID) == "" {
		log.Debug("ledger call skipped: source or contract not configured")
		return nil, nil
	}

	encoded, err := ledgerdomain.EncodeArgs(args)
	if err != nil {
		log.Warn("ledger call arguments rejected", zap.Error(err))
		return nil, nil
	}

	account, err := s.client.GetAccount(ctx, source)
	if err != nil {
		log.Debug("ledger call account lookup failed", zap.Error(err))
		return nil, nil
	}

	sim, err := s.client.SimulateTransaction(ctx, ledgerdomain.Envelope{
		Source:    source,
		Sequence:  account.Sequence + 1,
		Fee:       s.cfg.BaseFee,
		MaxTime:   s.clock.Now().Add(s.cfg.TxTimeout).Unix(),
		Operation: ledgerdomain.Operation{ContractID: contractID, Function: function, Args: encoded},
	})
	if err != nil || sim.Error != "" || sim.Result == nil {
		log.Debug("ledger call simulation failed", zap.Error(err), zap.String("sim_error", sim.Error))
		return nil, nil
	}

	value, err := ledgerdomain.DecodeValue(*sim.Result)
	if err != nil {
		log.Debug("ledger call result not decodable", zap.Error(err))
		return nil, nil
	}
	return value, nil
}

var _ ledgerdomain.Gateway = (*Service)(nil)
