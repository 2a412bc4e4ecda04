// Package web3 holds the chain-facing vocabulary shared by the harvester:
// strategies as read from the contract, transaction requests and their
// outcomes. The go-ethereum backed implementation lives in web3/ethereum.
package web3
