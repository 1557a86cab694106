// Package store provides keyed point reads against the Planora backend.
// The realtime dispatcher uses it to enrich change events whose raw
// payload lacks joined relations (e.g. a comment's author profile).
package store

import "context"

// Record is one row as returned by the backend.
type Record = map[string]any

// Store fetches a single record by id. Implementations return (nil, nil)
// when the record does not exist; enrichment treats that as "already
// gone", never as an error.
type Store interface {
	GetByID(ctx context.Context, resource, id string) (Record, error)
}
