// Package storage persists reminders, users, subscriptions, usage counters
// and the dispatch log.
//
// Drivers:
//   - "sqlite": embedded database file (modernc.org/sqlite, WAL mode)
//   - "postgres": shared database (pgx stdlib driver)
//   - "memory": process-local maps, used by tests and dry runs
//
// Instants are stored as unix milliseconds. Queries are built with goqu and
// scanned with sqlx so the same code serves both SQL dialects.
package storage
