// Package mongo provides a MongoDB-backed permission.Store so authorization
// decisions survive restarts and are shared by every runtime replica. Build
// the low-level client via features/permission/mongo/clients/mongo and pass it
// to NewStore.
package mongo
