// Package store defines the run history contract shared by the progress sinks
// and the HTTP API. Implementations live in internal/storage; this package
// must not import database drivers or concrete clients.
package store
