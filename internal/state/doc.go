// Package state keeps the last known snapshot of every strategy. The memory
// store is always authoritative inside the process; the Redis store mirrors
// it so a restarted agent resumes from the previous values.
package state
