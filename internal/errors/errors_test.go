package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCauseAndCode(t *testing.T) {
	err := Wrap(CodeChainRead, context.DeadlineExceeded, "读取策略 1 失败", WithMetadata("strategy_id", "1"))
	wrapped := fmt.Errorf("cycle: %w", err)

	if !stdErrors.Is(wrapped, context.DeadlineExceeded) {
		t.Fatalf("expected cause to be reachable")
	}
	if !HasCode(wrapped, CodeChainRead) {
		t.Fatalf("expected CHAIN_READ_FAILURE in chain")
	}
	if HasCode(wrapped, CodeTransaction) {
		t.Fatalf("unexpected TRANSACTION_FAILURE match")
	}
	if CodeOf(wrapped) != CodeChainRead {
		t.Fatalf("unexpected code %s", CodeOf(wrapped))
	}
	if got := err.Metadata()["strategy_id"]; got != "1" {
		t.Fatalf("unexpected metadata %q", got)
	}
}

func TestDomainCodeAttributes(t *testing.T) {
	cases := map[Code]struct {
		retryable bool
		alert     bool
		severity  Severity
	}{
		CodeChainRead:     {retryable: true, alert: false, severity: SeverityWarning},
		CodePrediction:    {retryable: true, alert: false, severity: SeverityInfo},
		CodeTransaction:   {retryable: true, alert: true, severity: SeverityWarning},
		CodeConfiguration: {retryable: false, alert: true, severity: SeverityCritical},
	}
	for code, want := range cases {
		err := New(code, "")
		if err.Retryable() != want.retryable || err.ShouldAlert() != want.alert || err.Severity() != want.severity {
			t.Fatalf("%s: unexpected attributes retryable=%v alert=%v severity=%s",
				code, err.Retryable(), err.ShouldAlert(), err.Severity())
		}
		if err.Message() == "" {
			t.Fatalf("%s: expected default message", code)
		}
	}
}

func TestOverridesAndUnknownCode(t *testing.T) {
	err := New(CodeTransaction, "nonce too low", WithAlert(false), WithRetryable(false), WithSeverity(SeverityInfo))
	if err.ShouldAlert() || err.Retryable() || err.Severity() != SeverityInfo {
		t.Fatalf("options not applied: %+v", err)
	}
	if AttributesOf(Code("NOPE")).Message != AttributesOf(CodeUnknown).Message {
		t.Fatalf("unregistered code should fall back to UNKNOWN")
	}
	if RetryableError(stdErrors.New("plain")) {
		t.Fatalf("plain errors are not retryable")
	}
}
