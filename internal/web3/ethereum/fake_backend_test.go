package ethereum

import (
	"context"
	"errors"
	"math/big"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// fakeBackend is a scriptable Backend. Zero values mean "succeed with a
// sensible default".
type fakeBackend struct {
	mu sync.Mutex

	callResult   map[string][]byte
	callErr      error
	nonce        uint64
	nonceErr     error
	stallNonce   bool
	gasPrice     *big.Int
	gasPriceErr  error
	gasPriceHits int
	estimate     uint64
	estimateErr  error
	sendErr      error
	receiptFor   func(tx *coretypes.Transaction) *coretypes.Receipt
	chainID      *big.Int

	sent     []*coretypes.Transaction
	inFlight int
	maxSeen  int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		callResult: map[string][]byte{},
		gasPrice:   big.NewInt(2_000_000_000),
		estimate:   50_000,
		chainID:    big.NewInt(1337),
		receiptFor: func(tx *coretypes.Transaction) *coretypes.Receipt {
			return &coretypes.Receipt{
				Status:      coretypes.ReceiptStatusSuccessful,
				TxHash:      tx.Hash(),
				GasUsed:     42_000,
				BlockNumber: big.NewInt(7),
			}
		},
	}
}

func (f *fakeBackend) CallContract(ctx context.Context, call gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callErr != nil {
		return nil, f.callErr
	}
	method, err := contractABI.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	return f.callResult[method.Name], nil
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, _ common.Address) (uint64, error) {
	if f.stallNonce {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	return f.nonce, f.nonceErr
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gasPriceHits++
	if f.gasPriceErr != nil {
		return nil, f.gasPriceErr
	}
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeBackend) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.estimate, f.estimateErr
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.sent {
		if tx.Hash() == hash {
			if receipt := f.receiptFor(tx); receipt != nil {
				return receipt, nil
			}
		}
	}
	return nil, gethcore.NotFound
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	if f.chainID == nil {
		return nil, errors.New("chain id unavailable")
	}
	return f.chainID, nil
}

func (f *fakeBackend) sentTxs() []*coretypes.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*coretypes.Transaction(nil), f.sent...)
}
