// Package jobs holds the periodic work the scheduler triggers: the due
// reminder dispatch tick, the morning digest and the monthly quota renewal
// notice.
//
// Jobs never talk to the scheduler or the engine directly; Register binds
// them to schedule names and the engine provides timeouts, retries and
// overlap gating.
package jobs
