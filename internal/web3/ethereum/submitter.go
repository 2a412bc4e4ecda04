package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "YieldHarvester-Agent/internal/errors"
	"YieldHarvester-Agent/internal/web3"
	"YieldHarvester-Agent/pkg/logger"
)

const (
	defaultGasLimit       = uint64(200_000)
	defaultReceiptTimeout = 60 * time.Second
	defaultSubmitTimeout  = 15 * time.Second
	defaultPollInterval   = time.Second
	gasPriceTTL           = 5 * time.Minute
)

var fallbackGasPrice = big.NewInt(1_000_000_000)

// Submitter signs and broadcasts contract calls with a single key and waits
// for their receipts. Calls to Submit are serialised so at most one
// transaction is between nonce lookup and broadcast at any time.
type Submitter struct {
	backend        Backend
	contract       common.Address
	key            *ecdsa.PrivateKey
	from           common.Address
	defaultGas     uint64
	submitTimeout  time.Duration
	receiptTimeout time.Duration
	pollInterval   time.Duration
	now            func() time.Time
	log            *slog.Logger

	mu      sync.Mutex
	chainID *big.Int

	gasMu       sync.Mutex
	cachedGas   *big.Int
	gasCachedAt time.Time
}

// SubmitterOption customises a Submitter.
type SubmitterOption func(*Submitter)

// WithReceiptTimeout bounds the wait for a receipt. A transaction not mined
// within the timeout is reported as a failed submission.
func WithReceiptTimeout(timeout time.Duration) SubmitterOption {
	return func(s *Submitter) {
		if timeout > 0 {
			s.receiptTimeout = timeout
		}
	}
}

// WithSubmitTimeout bounds the node calls made before the receipt wait:
// chain id, nonce, gas price, gas estimation and broadcast.
func WithSubmitTimeout(timeout time.Duration) SubmitterOption {
	return func(s *Submitter) {
		if timeout > 0 {
			s.submitTimeout = timeout
		}
	}
}

// WithDefaultGasLimit sets the limit used when gas estimation fails.
func WithDefaultGasLimit(limit uint64) SubmitterOption {
	return func(s *Submitter) {
		if limit > 0 {
			s.defaultGas = limit
		}
	}
}

// WithPollInterval sets how often the receipt is polled.
func WithPollInterval(interval time.Duration) SubmitterOption {
	return func(s *Submitter) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

// NewSubmitter creates a submitter that signs with key.
func NewSubmitter(backend Backend, contract common.Address, key *ecdsa.PrivateKey, opts ...SubmitterOption) *Submitter {
	s := &Submitter{
		backend:        backend,
		contract:       contract,
		key:            key,
		defaultGas:     defaultGasLimit,
		submitTimeout:  defaultSubmitTimeout,
		receiptTimeout: defaultReceiptTimeout,
		pollInterval:   defaultPollInterval,
		now:            time.Now,
		log:            logger.Named("tx_submitter"),
	}
	if key != nil {
		s.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// From returns the signing address.
func (s *Submitter) From() common.Address {
	return s.from
}

// Submit runs the full lifecycle of req and never returns an error: every
// failure is folded into the Outcome.
func (s *Submitter) Submit(ctx context.Context, req web3.TxRequest) web3.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	outcome := s.submit(ctx, req)
	s.audit(req, outcome)
	return outcome
}

func (s *Submitter) submit(ctx context.Context, req web3.TxRequest) web3.Outcome {
	outcome := web3.Outcome{Status: web3.StatusSubmissionFailed, Method: req.Method}
	fail := func(err error, message string) web3.Outcome {
		outcome.Err = xerrors.Wrap(xerrors.CodeTransaction, err, message,
			xerrors.WithMetadata("method", req.Method),
			xerrors.WithMetadata("nonce", strconv.FormatUint(outcome.Nonce, 10)))
		s.log.Warn("transaction failed",
			slog.String("method", req.Method),
			slog.String("stage", message),
			slog.Any("error", err))
		return outcome
	}

	if s.backend == nil || s.key == nil {
		return fail(errors.New("submitter not configured"), "未初始化的交易提交器")
	}

	data, err := contractABI.Pack(req.Method, req.Args...)
	if err != nil {
		return fail(err, "编码调用数据失败")
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.submitTimeout)
	defer cancel()

	chainID, err := s.loadChainID(sendCtx)
	if err != nil {
		return fail(err, "获取链 ID 失败")
	}

	nonce := req.Nonce
	if nonce == 0 {
		nonce, err = s.backend.PendingNonceAt(sendCtx, s.from)
		if err != nil {
			return fail(err, "获取 nonce 失败")
		}
	}
	outcome.Nonce = nonce

	gasPrice := req.GasPrice
	if gasPrice == nil {
		gasPrice = s.gasPrice(sendCtx)
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		gasLimit = s.estimateGas(sendCtx, data, gasPrice)
	}

	contract := s.contract
	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &contract,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return fail(err, "签名交易失败")
	}
	outcome.TxHash = signed.Hash()

	if err := s.backend.SendTransaction(sendCtx, signed); err != nil {
		return fail(err, "发送交易失败")
	}
	s.log.Info("transaction sent",
		slog.String("method", req.Method),
		slog.String("tx_hash", outcome.TxHash.Hex()),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas_limit", gasLimit),
		slog.String("gas_price_wei", gasPrice.String()))

	receipt, err := s.waitForReceipt(ctx, outcome.TxHash)
	if err != nil {
		return fail(err, "等待交易回执失败")
	}

	outcome.GasUsed = receipt.GasUsed
	if receipt.BlockNumber != nil {
		outcome.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		outcome.Status = web3.StatusReverted
		outcome.Err = xerrors.New(xerrors.CodeTransaction, "交易在链上被回滚",
			xerrors.WithMetadata("method", req.Method),
			xerrors.WithMetadata("tx_hash", outcome.TxHash.Hex()))
		return outcome
	}
	outcome.Status = web3.StatusConfirmed
	return outcome
}

func (s *Submitter) audit(req web3.TxRequest, outcome web3.Outcome) {
	attrs := []any{
		slog.String("method", req.Method),
		slog.String("args", fmt.Sprint(req.Args)),
		slog.String("status", outcome.Status.String()),
		slog.Uint64("nonce", outcome.Nonce),
	}
	if outcome.TxHash != (common.Hash{}) {
		attrs = append(attrs, slog.String("tx_hash", outcome.TxHash.Hex()))
	}
	if outcome.Confirmed() || outcome.Status == web3.StatusReverted {
		attrs = append(attrs, slog.Uint64("gas_used", outcome.GasUsed), slog.Uint64("block", outcome.BlockNumber))
	}
	if outcome.Err != nil {
		attrs = append(attrs, slog.String("error", outcome.Err.Error()))
	}
	logger.Audit().Info("transaction outcome", attrs...)
}

func (s *Submitter) loadChainID(ctx context.Context) (*big.Int, error) {
	if s.chainID != nil {
		return s.chainID, nil
	}
	id, err := s.backend.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	s.chainID = id
	return id, nil
}

// gasPrice returns the node's suggestion plus 10%, cached for five minutes.
// On failure the previous value is reused, or 1 gwei if there is none.
func (s *Submitter) gasPrice(ctx context.Context) *big.Int {
	s.gasMu.Lock()
	defer s.gasMu.Unlock()

	if s.cachedGas != nil && s.now().Sub(s.gasCachedAt) < gasPriceTTL {
		return new(big.Int).Set(s.cachedGas)
	}

	suggested, err := s.backend.SuggestGasPrice(ctx)
	if err != nil || suggested == nil || suggested.Sign() <= 0 {
		if s.cachedGas != nil {
			s.log.Warn("gas price lookup failed, reusing cached value", slog.Any("error", err))
			return new(big.Int).Set(s.cachedGas)
		}
		s.log.Warn("gas price lookup failed, using fallback", slog.Any("error", err))
		return new(big.Int).Set(fallbackGasPrice)
	}

	buffered := new(big.Int).Mul(suggested, big.NewInt(110))
	buffered.Div(buffered, big.NewInt(100))
	s.cachedGas = buffered
	s.gasCachedAt = s.now()
	return new(big.Int).Set(buffered)
}

// estimateGas adds a 20% margin to the node's estimate and falls back to the
// configured default limit when estimation fails.
func (s *Submitter) estimateGas(ctx context.Context, data []byte, gasPrice *big.Int) uint64 {
	contract := s.contract
	estimate, err := s.backend.EstimateGas(ctx, gethcore.CallMsg{
		From:     s.from,
		To:       &contract,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil || estimate == 0 {
		s.log.Warn("gas estimate failed, using default", slog.Any("error", err), slog.Uint64("limit", s.defaultGas))
		return s.defaultGas
	}
	return estimate * 12 / 10
}

func (s *Submitter) waitForReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.backend.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			s.log.Debug("receipt lookup failed", slog.String("tx_hash", hash.Hex()), slog.Any("error", err))
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() == nil {
				return nil, fmt.Errorf("交易 %s 在 %s 内未被打包: %w", hash.Hex(), s.receiptTimeout, waitCtx.Err())
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
