// Package agent runs the yield harvesting loop. An Agent executes one cycle:
// it reads every known strategy (falling back to the last snapshot when the
// chain is unreachable), asks the predictor for the next APR, writes changed
// values on chain and evaluates tracked user positions. The Scheduler repeats
// cycles on a fixed interval or cron schedule until its context is cancelled.
package agent
