// Package storage is the persistence layer for users, conversation triggers,
// calendars and update-sync ledger rows.
//
// Drivers:
//   - "memory": process-local maps, lost on exit
//   - "file":   memory driver plus an atomically rewritten JSON snapshot
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// Every read and write runs inside View or Update. Update is all-or-nothing:
// if fn returns an error none of its writes are visible afterwards.
package storage
