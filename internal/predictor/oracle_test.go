package predictor

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"YieldHarvester-Agent/internal/llm"
)

type stubClient struct {
	reply string
	err   error
	delay time.Duration
	calls atomic.Int32
	last  llm.Request
}

func (s *stubClient) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.calls.Add(1)
	s.last = req
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Text: s.reply}, nil
}

func unlimited() OracleOption {
	return WithLimiter(rate.NewLimiter(rate.Inf, 1))
}

func TestOracleUsesModelReply(t *testing.T) {
	client := &stubClient{reply: " 612\n"}
	oracle := NewOracle(client, NewRandomWalk(fixedRand{}), unlimited())

	est := oracle.Estimate(context.Background(), "Aave V3 USDC", 500)
	if est.APR != 612 || est.Source != SourceOracle {
		t.Fatalf("unexpected estimate %+v", est)
	}
	if !strings.Contains(client.last.Prompt, "Aave V3 USDC") || !strings.Contains(client.last.Prompt, "500 basis points (5.00%)") {
		t.Fatalf("prompt missing context: %q", client.last.Prompt)
	}
}

func TestOracleClampsReply(t *testing.T) {
	oracle := NewOracle(&stubClient{reply: "25000"}, nil, unlimited())
	if got := oracle.Predict(context.Background(), "Yearn USDC", 520); got != 2000 {
		t.Fatalf("expected clamp to 2000, got %d", got)
	}
	oracle = NewOracle(&stubClient{reply: "-3"}, nil, unlimited())
	if got := oracle.Predict(context.Background(), "Yearn USDC", 520); got != 0 {
		t.Fatalf("expected clamp to 0, got %d", got)
	}
}

func TestOracleMalformedReplyFallsBack(t *testing.T) {
	for _, reply := range []string{"N/A", "", "5.5", "about 500", "500 bps"} {
		oracle := NewOracle(&stubClient{reply: reply}, NewRandomWalk(rand.New(rand.NewSource(1))), unlimited())
		est := oracle.Estimate(context.Background(), "Compound V3 USDC", 480)
		if est.Source != SourceFallback {
			t.Fatalf("reply %q: expected fallback, got %+v", reply, est)
		}
		if est.APR < 430 || est.APR > 530 {
			t.Fatalf("reply %q: fallback moved too far: %d", reply, est.APR)
		}
		if est.Reason == "" {
			t.Fatalf("reply %q: expected a degradation reason", reply)
		}
	}
}

func TestOracleTransportErrorFallsBack(t *testing.T) {
	oracle := NewOracle(&stubClient{err: errors.New("503 service unavailable")}, NewRandomWalk(fixedRand{}), unlimited())
	if est := oracle.Estimate(context.Background(), "Aave V3 USDC", 500); est.APR != 550 || est.Source != SourceFallback {
		t.Fatalf("unexpected estimate %+v", est)
	}
}

func TestOracleTimeoutFallsBack(t *testing.T) {
	client := &stubClient{reply: "700", delay: time.Second}
	oracle := NewOracle(client, NewRandomWalk(fixedRand{}), unlimited(), WithOracleTimeout(20*time.Millisecond))

	start := time.Now()
	est := oracle.Estimate(context.Background(), "Aave V3 USDC", 500)
	if est.Source != SourceFallback {
		t.Fatalf("expected fallback on timeout, got %+v", est)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("timeout not enforced, took %s", time.Since(start))
	}
}

func TestOracleWithoutClientNeverCalls(t *testing.T) {
	oracle := NewOracle(nil, NewRandomWalk(fixedRand{}))
	if est := oracle.Estimate(context.Background(), "Aave V3 USDC", 2000); est.APR != 2000 || est.Source != SourceFallback {
		t.Fatalf("unexpected estimate %+v", est)
	}
}

func TestOracleRateLimitFallsBack(t *testing.T) {
	client := &stubClient{reply: "600"}
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	oracle := NewOracle(client, NewRandomWalk(fixedRand{}), WithLimiter(limiter), WithOracleTimeout(50*time.Millisecond))

	first := oracle.Estimate(context.Background(), "Aave V3 USDC", 500)
	second := oracle.Estimate(context.Background(), "Aave V3 USDC", 500)
	if first.Source != SourceOracle || second.Source != SourceFallback {
		t.Fatalf("expected oracle then fallback, got %s then %s", first.Source, second.Source)
	}
	if client.calls.Load() != 1 {
		t.Fatalf("expected a single model call, got %d", client.calls.Load())
	}
}

func TestParseAPR(t *testing.T) {
	if v, err := ParseAPR("\t 1234 \n"); err != nil || v != 1234 {
		t.Fatalf("unexpected parse result %d %v", v, err)
	}
	if _, err := ParseAPR("12 34"); err == nil {
		t.Fatal("expected error for multiple tokens")
	}
}
