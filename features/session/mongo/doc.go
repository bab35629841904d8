// Package mongo provides a MongoDB-backed implementation of session.Store.
// Build the low-level client via features/session/mongo/clients/mongo and pass
// it to NewStore; the store persists runs, steps and interactions so a
// suspended run can be resumed from any process.
package mongo
