package rebalance

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	xerrors "YieldHarvester-Agent/internal/errors"
	"YieldHarvester-Agent/internal/state"
	"YieldHarvester-Agent/internal/web3"
)

var (
	usdc  = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	dai   = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	alice = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
)

type stubReader struct {
	id  uint64
	err error
}

func (r stubReader) FetchUserStrategy(context.Context, common.Address, common.Address) (uint64, error) {
	return r.id, r.err
}

type stubSubmitter struct {
	requests []web3.TxRequest
	outcome  web3.Outcome
}

func (s *stubSubmitter) Submit(_ context.Context, req web3.TxRequest) web3.Outcome {
	s.requests = append(s.requests, req)
	out := s.outcome
	out.Method = req.Method
	return out
}

func seed(t *testing.T, strategies ...web3.Strategy) *state.MemoryStore {
	t.Helper()
	store := state.NewMemoryStore()
	for _, s := range strategies {
		if err := store.Put(context.Background(), s); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return store
}

func TestEvaluateMovesToStrictlyBetterStrategy(t *testing.T) {
	store := seed(t,
		web3.Strategy{ID: 0, Asset: usdc, APR: 500, Active: true},
		web3.Strategy{ID: 1, Asset: usdc, APR: 480, Active: true},
		web3.Strategy{ID: 2, Asset: usdc, APR: 520, Active: true},
	)
	submitter := &stubSubmitter{outcome: web3.Outcome{Status: web3.StatusConfirmed, TxHash: common.HexToHash("0x01")}}
	evaluator := NewEvaluator(stubReader{id: 1}, store, submitter)

	decision, err := evaluator.Evaluate(context.Background(), alice, usdc)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Action != ActionMove || decision.TargetID != 2 || decision.CurrentAPR != 480 {
		t.Fatalf("unexpected decision: %+v", decision)
	}
	if len(submitter.requests) != 1 || submitter.requests[0].Method != "autoRebalance" {
		t.Fatalf("expected one autoRebalance request, got %+v", submitter.requests)
	}
	args := submitter.requests[0].Args
	if args[0].(common.Address) != alice || args[1].(common.Address) != usdc {
		t.Fatalf("unexpected args: %v", args)
	}
	if !decision.Moved() {
		t.Fatal("confirmed outcome should mark the decision as moved")
	}
}

func TestEvaluateHoldsWhenAlreadyBest(t *testing.T) {
	store := seed(t,
		web3.Strategy{ID: 0, Asset: usdc, APR: 500, Active: true},
		web3.Strategy{ID: 2, Asset: usdc, APR: 520, Active: true},
	)
	submitter := &stubSubmitter{}
	decision, err := NewEvaluator(stubReader{id: 2}, store, submitter).Evaluate(context.Background(), alice, usdc)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Action != ActionHold || len(submitter.requests) != 0 {
		t.Fatalf("expected hold without tx, got %+v", decision)
	}
}

func TestEvaluateEqualAPRDoesNotMove(t *testing.T) {
	store := seed(t,
		web3.Strategy{ID: 3, Asset: usdc, APR: 500, Active: true},
		web3.Strategy{ID: 4, Asset: usdc, APR: 500, Active: true},
	)
	decision, _ := NewEvaluator(stubReader{id: 4}, store, nil).Evaluate(context.Background(), alice, usdc)
	if decision.Action != ActionHold {
		t.Fatalf("equal APR must not trigger a move: %+v", decision)
	}
}

func TestEvaluateIgnoresInactiveAndOtherAssets(t *testing.T) {
	store := seed(t,
		web3.Strategy{ID: 0, Asset: usdc, APR: 500, Active: true},
		web3.Strategy{ID: 1, Asset: usdc, APR: 900, Active: false},
		web3.Strategy{ID: 2, Asset: dai, APR: 1500, Active: true},
	)
	decision, _ := NewEvaluator(stubReader{id: 0}, store, nil).Evaluate(context.Background(), alice, usdc)
	if decision.Action != ActionHold || decision.TargetID != 0 {
		t.Fatalf("inactive or foreign-asset strategies must not be targets: %+v", decision)
	}
}

func TestEvaluateRespectsMinImprovement(t *testing.T) {
	store := seed(t,
		web3.Strategy{ID: 0, Asset: usdc, APR: 500, Active: true},
		web3.Strategy{ID: 1, Asset: usdc, APR: 520, Active: true},
	)
	evaluator := NewEvaluator(stubReader{id: 0}, store, nil, WithMinImprovement(20))
	decision, _ := evaluator.Evaluate(context.Background(), alice, usdc)
	if decision.Action != ActionHold {
		t.Fatalf("20 bps improvement should not pass a 20 bps threshold: %+v", decision)
	}

	evaluator = NewEvaluator(stubReader{id: 0}, store, nil, WithMinImprovement(19))
	decision, _ = evaluator.Evaluate(context.Background(), alice, usdc)
	if decision.Action != ActionMove || decision.Outcome != nil {
		t.Fatalf("expected advisory move without submitter: %+v", decision)
	}
}

func TestEvaluateFallsBackToHint(t *testing.T) {
	store := seed(t,
		web3.Strategy{ID: 0, Asset: usdc, APR: 500, Active: true},
		web3.Strategy{ID: 1, Asset: usdc, APR: 600, Active: true},
	)
	reader := stubReader{err: xerrors.New(xerrors.CodeChainRead, "rpc down")}

	decision, err := NewEvaluator(reader, store, nil).Evaluate(context.Background(), alice, usdc)
	if err != nil || decision.Action != ActionUnknown {
		t.Fatalf("without hint the position is unknown: %+v %v", decision, err)
	}

	decision, err = NewEvaluator(reader, store, nil, WithPositionHint(alice, usdc, 0)).Evaluate(context.Background(), alice, usdc)
	if err != nil || decision.Action != ActionMove || decision.CurrentID != 0 {
		t.Fatalf("hint should be used when the chain read fails: %+v %v", decision, err)
	}
}

func TestEvaluateRecordsFailedSubmission(t *testing.T) {
	store := seed(t,
		web3.Strategy{ID: 0, Asset: usdc, APR: 500, Active: true},
		web3.Strategy{ID: 1, Asset: usdc, APR: 600, Active: true},
	)
	submitter := &stubSubmitter{outcome: web3.Outcome{
		Status: web3.StatusSubmissionFailed,
		Err:    xerrors.New(xerrors.CodeTransaction, "nonce too low"),
	}}
	decision, err := NewEvaluator(stubReader{id: 0}, store, submitter).Evaluate(context.Background(), alice, usdc)
	if err != nil {
		t.Fatalf("submission failure must not escape: %v", err)
	}
	if decision.Outcome == nil || decision.Moved() {
		t.Fatalf("expected failed outcome in decision: %+v", decision)
	}
}

func TestEvaluateStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEvaluator(stubReader{}, state.NewMemoryStore(), nil).Evaluate(ctx, alice, usdc)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBestActivePrefersLowerIDOnTie(t *testing.T) {
	best, ok := BestActive([]web3.Strategy{
		{ID: 5, Asset: usdc, APR: 700, Active: true},
		{ID: 2, Asset: usdc, APR: 700, Active: true},
	}, usdc)
	if !ok || best.ID != 2 {
		t.Fatalf("unexpected best: %+v", best)
	}
}
