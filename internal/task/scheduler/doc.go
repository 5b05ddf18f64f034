// Package scheduler turns cron specs, intervals and one-time timers into
// tasks on the engine. It never runs jobs itself.
//
// Stop bumps a generation counter. A trigger enqueued under an older
// generation is discarded when a worker picks it up, so nothing queued
// before Stop starts afterwards.
package scheduler
