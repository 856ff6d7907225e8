// Package storage persists broadcast settings, destination lists and the
// operator audit log.
//
// Drivers:
//   - "sqlite": a single database file (pure-Go modernc driver)
//   - "memory": process-local state, for tests and dry runs
//
// Every mutation is one SQL statement so the scheduler and the panel can
// share the store without extra locking.
package storage
