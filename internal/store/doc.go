// Package store defines interfaces for persistence dependencies: the area
// hierarchy and the daily precipitation records. Implementations live in
// internal/storage/...; this package must not import database drivers or
// concrete clients.
package store
