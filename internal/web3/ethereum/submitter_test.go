package ethereum

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "YieldHarvester-Agent/internal/errors"
	"YieldHarvester-Agent/internal/web3"
)

func newTestSubmitter(t *testing.T, backend Backend, opts ...SubmitterOption) *Submitter {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	opts = append([]SubmitterOption{WithPollInterval(5 * time.Millisecond), WithReceiptTimeout(time.Second)}, opts...)
	return NewSubmitter(backend, testContract, key, opts...)
}

func TestSubmitUpdateStrategyAPRConfirmed(t *testing.T) {
	backend := newFakeBackend()
	backend.nonce = 4
	submitter := newTestSubmitter(t, backend)

	outcome := submitter.Submit(context.Background(), UpdateStrategyAPR(0, 550))
	if !outcome.Confirmed() {
		t.Fatalf("expected confirmed outcome, got %+v", outcome)
	}
	if outcome.Nonce != 4 || outcome.GasUsed != 42_000 || outcome.BlockNumber != 7 {
		t.Fatalf("unexpected outcome fields: %+v", outcome)
	}

	sent := backend.sentTxs()
	if len(sent) != 1 {
		t.Fatalf("expected one transaction, got %d", len(sent))
	}
	tx := sent[0]
	if tx.To() == nil || *tx.To() != testContract {
		t.Fatalf("unexpected recipient %v", tx.To())
	}
	if tx.Gas() != 60_000 {
		t.Fatalf("expected 20%% gas buffer, got %d", tx.Gas())
	}
	if tx.GasPrice().Cmp(big.NewInt(2_200_000_000)) != 0 {
		t.Fatalf("expected 10%% gas price buffer, got %s", tx.GasPrice())
	}

	method, err := contractABI.MethodById(tx.Data()[:4])
	if err != nil || method.Name != methodUpdateStrategyApr {
		t.Fatalf("unexpected method: %v %v", method, err)
	}
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		t.Fatalf("unpack args: %v", err)
	}
	if args[0].(*big.Int).Uint64() != 0 || args[1].(*big.Int).Int64() != 550 {
		t.Fatalf("unexpected args: %v", args)
	}

	sender, err := coretypes.Sender(coretypes.LatestSignerForChainID(big.NewInt(1337)), tx)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != submitter.From() {
		t.Fatalf("signed by %s, want %s", sender.Hex(), submitter.From().Hex())
	}
}

func TestSubmitReverted(t *testing.T) {
	backend := newFakeBackend()
	backend.receiptFor = func(tx *coretypes.Transaction) *coretypes.Receipt {
		return &coretypes.Receipt{Status: coretypes.ReceiptStatusFailed, TxHash: tx.Hash(), GasUsed: 30_000, BlockNumber: big.NewInt(9)}
	}
	outcome := newTestSubmitter(t, backend).Submit(context.Background(), AutoRebalance(testUser, testUSDC))

	if outcome.Status != web3.StatusReverted {
		t.Fatalf("expected reverted, got %s", outcome.Status)
	}
	if !xerrors.HasCode(outcome.Err, xerrors.CodeTransaction) {
		t.Fatalf("expected TRANSACTION_FAILURE, got %v", outcome.Err)
	}
	if outcome.TxHash == (common.Hash{}) {
		t.Fatal("reverted outcome should carry the tx hash")
	}
}

func TestSubmitFailuresNeverEscape(t *testing.T) {
	cases := map[string]func(*fakeBackend){
		"nonce":    func(b *fakeBackend) { b.nonceErr = errors.New("dial tcp: connection refused") },
		"send":     func(b *fakeBackend) { b.sendErr = errors.New("nonce too low") },
		"chain_id": func(b *fakeBackend) { b.chainID = nil },
		"never_mined": func(b *fakeBackend) {
			b.receiptFor = func(*coretypes.Transaction) *coretypes.Receipt { return nil }
		},
	}
	for name, setup := range cases {
		backend := newFakeBackend()
		setup(backend)
		submitter := newTestSubmitter(t, backend, WithReceiptTimeout(50*time.Millisecond))

		outcome := submitter.Submit(context.Background(), UpdateStrategyAPR(1, 480))
		if outcome.Status != web3.StatusSubmissionFailed {
			t.Fatalf("%s: expected submission failure, got %s", name, outcome.Status)
		}
		if !xerrors.HasCode(outcome.Err, xerrors.CodeTransaction) {
			t.Fatalf("%s: expected TRANSACTION_FAILURE, got %v", name, outcome.Err)
		}
	}
}

func TestSubmitBoundsStalledNode(t *testing.T) {
	backend := newFakeBackend()
	backend.stallNonce = true
	submitter := newTestSubmitter(t, backend,
		WithSubmitTimeout(50*time.Millisecond),
		WithReceiptTimeout(50*time.Millisecond))

	done := make(chan web3.Outcome, 1)
	go func() { done <- submitter.Submit(context.Background(), UpdateStrategyAPR(0, 550)) }()

	select {
	case outcome := <-done:
		if outcome.Status != web3.StatusSubmissionFailed {
			t.Fatalf("expected submission failure, got %s", outcome.Status)
		}
		if !errors.Is(outcome.Err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline error, got %v", outcome.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Submit blocked on a node that never answers")
	}
	if len(backend.sentTxs()) != 0 {
		t.Fatal("no transaction should be broadcast without a nonce")
	}
}

func TestSubmitRejectsUnknownMethod(t *testing.T) {
	backend := newFakeBackend()
	outcome := newTestSubmitter(t, backend).Submit(context.Background(), web3.TxRequest{Method: "drain"})
	if outcome.Status != web3.StatusSubmissionFailed || len(backend.sentTxs()) != 0 {
		t.Fatalf("expected no transaction for unknown method, got %+v", outcome)
	}
}

func TestGasFallbacks(t *testing.T) {
	backend := newFakeBackend()
	backend.estimateErr = errors.New("execution reverted")
	backend.gasPriceErr = errors.New("method not found")
	submitter := newTestSubmitter(t, backend, WithDefaultGasLimit(123_456))

	if outcome := submitter.Submit(context.Background(), UpdateStrategyAPR(2, 500)); !outcome.Confirmed() {
		t.Fatalf("expected confirmed outcome, got %+v", outcome)
	}
	tx := backend.sentTxs()[0]
	if tx.Gas() != 123_456 {
		t.Fatalf("expected default gas limit, got %d", tx.Gas())
	}
	if tx.GasPrice().Cmp(fallbackGasPrice) != 0 {
		t.Fatalf("expected fallback gas price, got %s", tx.GasPrice())
	}
}

func TestGasPriceIsCached(t *testing.T) {
	backend := newFakeBackend()
	submitter := newTestSubmitter(t, backend)
	now := time.Unix(1_700_000_000, 0)
	submitter.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if outcome := submitter.Submit(context.Background(), UpdateStrategyAPR(0, int64(500+i))); !outcome.Confirmed() {
			t.Fatalf("submit %d: %+v", i, outcome)
		}
	}
	if backend.gasPriceHits != 1 {
		t.Fatalf("expected a single gas price lookup, got %d", backend.gasPriceHits)
	}

	now = now.Add(gasPriceTTL + time.Second)
	submitter.Submit(context.Background(), UpdateStrategyAPR(0, 510))
	if backend.gasPriceHits != 2 {
		t.Fatalf("expected cache refresh after ttl, got %d lookups", backend.gasPriceHits)
	}
}

func TestSubmitIsSerialised(t *testing.T) {
	backend := newFakeBackend()
	submitter := newTestSubmitter(t, backend)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			submitter.Submit(context.Background(), UpdateStrategyAPR(uint64(i%3), int64(400+i)))
		}(i)
	}
	wg.Wait()

	if backend.maxSeen != 1 {
		t.Fatalf("expected serialised submissions, saw %d concurrent", backend.maxSeen)
	}
	seen := map[uint64]bool{}
	for _, tx := range backend.sentTxs() {
		if seen[tx.Nonce()] {
			t.Fatalf("nonce %d reused", tx.Nonce())
		}
		seen[tx.Nonce()] = true
	}
}
