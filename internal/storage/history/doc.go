// Package history records what every agent cycle did: each APR write and
// each rebalance decision, with the transaction outcome. The file repository
// needs no infrastructure; the SQL repository targets MySQL or SQLite and
// applies the embedded migrations under deploy/migrations on open.
package history
