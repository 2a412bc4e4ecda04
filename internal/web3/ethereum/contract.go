package ethereum

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"YieldHarvester-Agent/internal/web3"
)

// harvesterABI covers the subset of the diamond's facets the agent touches.
const harvesterABI = `[
	{
		"name": "getStrategy",
		"type": "function",
		"stateMutability": "view",
		"inputs": [{"name": "strategyId", "type": "uint256"}],
		"outputs": [{
			"name": "",
			"type": "tuple",
			"components": [
				{"name": "asset", "type": "address"},
				{"name": "protocol", "type": "uint8"},
				{"name": "apr", "type": "uint256"},
				{"name": "totalDeposited", "type": "uint256"},
				{"name": "totalEarned", "type": "uint256"},
				{"name": "active", "type": "bool"}
			]
		}]
	},
	{
		"name": "getUserStrategy",
		"type": "function",
		"stateMutability": "view",
		"inputs": [
			{"name": "user", "type": "address"},
			{"name": "asset", "type": "address"}
		],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"name": "updateStrategyApr",
		"type": "function",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "strategyId", "type": "uint256"},
			{"name": "newApr", "type": "uint256"}
		],
		"outputs": []
	},
	{
		"name": "autoRebalance",
		"type": "function",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "user", "type": "address"},
			{"name": "asset", "type": "address"}
		],
		"outputs": []
	}
]`

const (
	methodGetStrategy       = "getStrategy"
	methodGetUserStrategy   = "getUserStrategy"
	methodUpdateStrategyApr = "updateStrategyApr"
	methodAutoRebalance     = "autoRebalance"
)

var contractABI abi.ABI

func init() {
	var err error
	contractABI, err = abi.JSON(strings.NewReader(harvesterABI))
	if err != nil {
		panic("harvester abi parse: " + err.Error())
	}
}

// ContractABI returns the parsed ABI, mainly for tests that need to craft
// return data.
func ContractABI() abi.ABI {
	return contractABI
}

// strategyTuple mirrors the getStrategy return struct.
type strategyTuple struct {
	Asset          common.Address
	Protocol       uint8
	Apr            *big.Int
	TotalDeposited *big.Int
	TotalEarned    *big.Int
	Active         bool
}

// UpdateStrategyAPR builds the request that writes a new APR estimate.
func UpdateStrategyAPR(strategyID uint64, aprBps int64) web3.TxRequest {
	return web3.TxRequest{
		Method: methodUpdateStrategyApr,
		Args:   []any{new(big.Int).SetUint64(strategyID), big.NewInt(aprBps)},
	}
}

// AutoRebalance builds the request that moves a user's position to the
// contract's best strategy for the asset.
func AutoRebalance(user, asset common.Address) web3.TxRequest {
	return web3.TxRequest{
		Method: methodAutoRebalance,
		Args:   []any{user, asset},
	}
}
