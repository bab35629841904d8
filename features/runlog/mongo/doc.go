// Package mongo registers MongoDB-backed run event log storage.
//
// Use clients/mongo to build the low-level client and pass it to NewStore to
// obtain a runlog.Store that persists the append-only protocol events of each
// run.
package mongo
