package store

import "time"

// Document is the canonical record of one blueprint. LiveData holds the
// latest committed CRDT snapshot; it is a best-effort checkpoint, not the
// merge authority while peers are live.
type Document struct {
	ID        string
	Name      string
	LiveData  []byte
	UpdatedBy string
	UpdatedAt time.Time
}
