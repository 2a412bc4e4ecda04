// Package predictor produces the next-period APR estimate for a strategy.
// The Oracle asks a language model through internal/llm and degrades to a
// bounded random walk whenever the model is missing, slow, rate limited or
// replies with anything other than a bare integer.
package predictor
