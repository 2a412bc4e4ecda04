package ethereum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "YieldHarvester-Agent/internal/errors"
	"YieldHarvester-Agent/internal/web3"
	"YieldHarvester-Agent/pkg/logger"
)

const defaultCallTimeout = 15 * time.Second

// errEmptyResult is returned when the contract call produced no data, which
// happens when the address holds no code or the strategy does not exist.
var errEmptyResult = errors.New("empty call result")

// Reader performs read-only contract calls. It has no side effects and keeps
// no state between calls.
type Reader struct {
	backend  Backend
	contract common.Address
	timeout  time.Duration
	log      *slog.Logger
}

// ReaderOption customises a Reader.
type ReaderOption func(*Reader)

// WithCallTimeout bounds every eth_call issued by the reader.
func WithCallTimeout(timeout time.Duration) ReaderOption {
	return func(r *Reader) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// NewReader creates a reader bound to the contract address.
func NewReader(backend Backend, contract common.Address, opts ...ReaderOption) *Reader {
	r := &Reader{
		backend:  backend,
		contract: contract,
		timeout:  defaultCallTimeout,
		log:      logger.Named("chain_reader"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// FetchStrategy reads getStrategy(id). Any failure, including an empty or
// zero-asset result, is returned as CHAIN_READ_FAILURE; callers fall back to
// the last known value.
func (r *Reader) FetchStrategy(ctx context.Context, id uint64) (web3.Strategy, error) {
	idText := strconv.FormatUint(id, 10)
	out, err := r.call(ctx, methodGetStrategy, new(big.Int).SetUint64(id))
	if err != nil {
		return web3.Strategy{}, xerrors.Wrap(xerrors.CodeChainRead, err, "读取策略失败",
			xerrors.WithMetadata("strategy_id", idText))
	}
	if len(out) != 1 {
		return web3.Strategy{}, xerrors.New(xerrors.CodeChainRead,
			fmt.Sprintf("getStrategy 返回了 %d 个值", len(out)), xerrors.WithMetadata("strategy_id", idText))
	}

	tuple, err := decodeStrategy(out[0])
	if err != nil {
		return web3.Strategy{}, xerrors.Wrap(xerrors.CodeChainRead, err, "解码策略失败",
			xerrors.WithMetadata("strategy_id", idText))
	}
	if tuple.Asset == (common.Address{}) {
		return web3.Strategy{}, xerrors.New(xerrors.CodeChainRead, "策略不存在",
			xerrors.WithMetadata("strategy_id", idText))
	}
	if tuple.Apr == nil || !tuple.Apr.IsInt64() {
		return web3.Strategy{}, xerrors.New(xerrors.CodeChainRead, "策略 APR 超出 int64 范围",
			xerrors.WithMetadata("strategy_id", idText))
	}

	return web3.Strategy{
		ID:             id,
		Asset:          tuple.Asset,
		Protocol:       web3.ProtocolFromUint8(tuple.Protocol),
		APR:            tuple.Apr.Int64(),
		TotalDeposited: tuple.TotalDeposited,
		TotalEarned:    tuple.TotalEarned,
		Active:         tuple.Active,
	}, nil
}

// FetchUserStrategy reads the strategy id a user's position in asset is
// currently allocated to.
func (r *Reader) FetchUserStrategy(ctx context.Context, user, asset common.Address) (uint64, error) {
	out, err := r.call(ctx, methodGetUserStrategy, user, asset)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeChainRead, err, "读取用户策略失败",
			xerrors.WithMetadata("user", user.Hex()))
	}
	if len(out) != 1 {
		return 0, xerrors.New(xerrors.CodeChainRead, "getUserStrategy 返回值数量错误",
			xerrors.WithMetadata("user", user.Hex()))
	}
	id, ok := out[0].(*big.Int)
	if !ok || id == nil || !id.IsUint64() {
		return 0, xerrors.New(xerrors.CodeChainRead, "getUserStrategy 返回值无效",
			xerrors.WithMetadata("user", user.Hex()))
	}
	return id.Uint64(), nil
}

func (r *Reader) call(ctx context.Context, method string, args ...any) ([]any, error) {
	if r == nil || r.backend == nil {
		return nil, errors.New("未初始化的链读取器")
	}
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	contract := r.contract
	raw, err := r.backend.CallContract(callCtx, gethcore.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		r.log.Debug("eth_call failed", slog.String("method", method), slog.Any("error", err))
		return nil, fmt.Errorf("eth_call %s: %w", method, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s: %w", method, errEmptyResult)
	}
	out, err := contractABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

func decodeStrategy(value any) (tuple *strategyTuple, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			tuple = nil
			err = fmt.Errorf("unexpected getStrategy layout: %v", rec)
		}
	}()
	return abi.ConvertType(value, new(strategyTuple)).(*strategyTuple), nil
}
