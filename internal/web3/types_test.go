package web3

import (
	"math/big"
	"testing"
)

func TestFormatAPR(t *testing.T) {
	cases := map[int64]string{0: "0.00", 5: "0.05", 550: "5.50", 2000: "20.00"}
	for bps, want := range cases {
		if got := FormatAPR(bps); got != want {
			t.Fatalf("FormatAPR(%d) = %q, want %q", bps, got, want)
		}
	}
}

func TestProtocolFromUint8(t *testing.T) {
	if ProtocolFromUint8(2) != ProtocolYearn || ProtocolFromUint8(9) != ProtocolUnknown {
		t.Fatal("unexpected protocol mapping")
	}
	if ProtocolFromUint8(0).String() != "aave" {
		t.Fatalf("unexpected name %s", ProtocolFromUint8(0))
	}
}

func TestStrategyCloneIsDeep(t *testing.T) {
	s := Strategy{ID: 1, TotalDeposited: big.NewInt(10), TotalEarned: big.NewInt(1)}
	c := s.Clone()
	c.TotalDeposited.SetInt64(99)
	if s.TotalDeposited.Int64() != 10 {
		t.Fatal("clone shares big.Int with original")
	}
}
