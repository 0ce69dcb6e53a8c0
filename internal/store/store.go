// Package store persists locks, jobs, schedules and credit transactions.
//
// Postgres is the production backend; Memory mirrors its conditional-write
// semantics for tests and local runs. RedisLocks is an alternative lock
// backend for deployments that keep coordination out of the database.
package store

import "errors"

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")
