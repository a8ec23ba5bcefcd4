// Package ledger persists transport activity to SQLite for audit and
// debugging.
//
// Two tables are maintained: session_events records every session lifecycle
// transition (created, resumed, expired, terminated, errored), and calls
// records the outcome and latency of each completed request/response
// exchange. The schema is created automatically and the database runs in
// WAL mode.
package ledger
