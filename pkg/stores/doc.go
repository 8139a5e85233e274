// Package stores persists deployments in SQLite.
//
// A SQLiteStore hands out deployment sequence numbers, acts as the
// engine's StatusSink, keeps an append-only event log and remembers the
// configuration every resource was last deployed with. File databases
// use WAL mode; migrations are embedded and applied with golang-migrate.
package stores
