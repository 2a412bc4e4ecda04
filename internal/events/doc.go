// Package events publishes transaction outcomes and cycle summaries so other
// systems can follow what the agent does on chain without polling its API.
package events
