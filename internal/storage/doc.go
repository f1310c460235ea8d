// Package storage persists the run journal and notifier dedup state.
//
// Drivers:
//   - "file": JSON Lines journal plus a dedup snapshot/journal pair
//   - "sqlite": single database file (modernc.org/sqlite, no cgo)
//
// Schedule state is never persisted; a restart re-arms every plugin.
package storage
