package web3

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// MaxAPR is the upper bound, in basis points, for any APR written on-chain.
const MaxAPR int64 = 2000

// Protocol identifies the yield source behind a strategy. The numeric values
// match the contract's enum.
type Protocol uint8

const (
	ProtocolAave Protocol = iota
	ProtocolCompound
	ProtocolYearn
	ProtocolUnknown
)

// ProtocolFromUint8 maps the raw contract value, collapsing anything outside
// the known range to ProtocolUnknown.
func ProtocolFromUint8(v uint8) Protocol {
	if v >= uint8(ProtocolUnknown) {
		return ProtocolUnknown
	}
	return Protocol(v)
}

func (p Protocol) String() string {
	switch p {
	case ProtocolAave:
		return "aave"
	case ProtocolCompound:
		return "compound"
	case ProtocolYearn:
		return "yearn"
	default:
		return "unknown"
	}
}

// Strategy is the agent's view of one on-chain yield strategy. APR is in
// basis points.
type Strategy struct {
	ID             uint64         `json:"id"`
	Name           string         `json:"name"`
	Asset          common.Address `json:"asset"`
	Protocol       Protocol       `json:"protocol"`
	APR            int64          `json:"apr_bps"`
	TotalDeposited *big.Int       `json:"total_deposited"`
	TotalEarned    *big.Int       `json:"total_earned"`
	Active         bool           `json:"active"`
}

// Clone returns a deep copy so cached snapshots cannot be mutated through a
// shared big.Int.
func (s Strategy) Clone() Strategy {
	out := s
	if s.TotalDeposited != nil {
		out.TotalDeposited = new(big.Int).Set(s.TotalDeposited)
	}
	if s.TotalEarned != nil {
		out.TotalEarned = new(big.Int).Set(s.TotalEarned)
	}
	return out
}

// ChainSnapshot represents summarized network metadata for the status API.
type ChainSnapshot struct {
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
}

// TxRequest describes a contract call to be signed and submitted. Zero Nonce,
// GasLimit and GasPrice are filled in by the submitter at build time.
type TxRequest struct {
	Method   string
	Args     []any
	Nonce    uint64
	GasLimit uint64
	GasPrice *big.Int
}

func (r TxRequest) String() string {
	return fmt.Sprintf("%s%v", r.Method, r.Args)
}

// Status is the terminal state of a submitted transaction.
type Status int

const (
	StatusSubmissionFailed Status = iota
	StatusConfirmed
	StatusReverted
)

func (s Status) String() string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusReverted:
		return "reverted"
	default:
		return "submission_failed"
	}
}

// MarshalText lets Status appear as a string in JSON events and API output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome reports what happened to a TxRequest. Err is set for reverted and
// failed submissions and carries a TRANSACTION_FAILURE code.
type Outcome struct {
	Status      Status
	Method      string
	TxHash      common.Hash
	Nonce       uint64
	GasUsed     uint64
	BlockNumber uint64
	Err         error
}

// Confirmed reports whether the transaction was mined successfully.
func (o Outcome) Confirmed() bool {
	return o.Status == StatusConfirmed
}

// FormatAPR renders basis points as a percentage string, 550 -> "5.50".
func FormatAPR(bps int64) string {
	return decimal.New(bps, -2).StringFixed(2)
}
