// Package api serves the read-only status surface of the agent: cached
// strategy snapshots, cycle history, scheduler state and Prometheus metrics.
package api
