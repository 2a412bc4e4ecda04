// Package rebalance decides whether a tracked user position should move to a
// better strategy for the same asset and, when it should, submits the
// contract's autoRebalance call.
package rebalance
