// Package dispatch finds due reminders and drives each occurrence through
// claim, entitlement, contact resolution, delivery and write-back.
//
// The claim is a single conditional update written before any network call,
// so overlapping ticks never deliver the same occurrence twice. A failed
// occurrence is reported and lost; it is never retried within the cycle.
package dispatch
