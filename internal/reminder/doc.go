// Package reminder holds the reminder data model, the delivery error taxonomy
// and the recurrence calculator.
//
// Everything here is pure: no storage, no network, no clocks. Callers pass
// "now" explicitly so schedule arithmetic stays deterministic under test.
package reminder
