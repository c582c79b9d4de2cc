// Package mongo provides a MongoDB-backed store for dagrun using the
// official mongo-driver. Runs and checkpoints are stored as JSON
// documents alongside extracted fields used for filtering and sorting.
//
// The caller owns the *mongo.Database lifecycle; the store never closes
// it. Call Migrate once at startup to create the collection indexes.
package mongo
