// Package models defines the core data structures shared by the sync client
// and the reference sync server: records, pending changes and users.
package models

import "time"

// User represents an account authenticated through a magic link.
type User struct {
	// ID is the unique identifier for the user.
	ID string `json:"id"`
	// Email is the address magic links are delivered to.
	Email string `json:"email"`
}

// Record is the synced unit: a saved template or model owned by the remote
// store. The local copy is a cache.
type Record struct {
	// ID is a stable opaque identifier.
	ID string `json:"id"`
	// Title is the user-facing name.
	Title string `json:"title,omitempty"`
	// Content holds the record body.
	Content string `json:"content,omitempty"`
	// Category groups records in the UI.
	Category string `json:"category,omitempty"`
	// IsShared marks records owned by another user and merely visible to this one.
	IsShared bool `json:"isShared,omitempty"`
	// CreatedAt is the creation time.
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is the last modification time.
	UpdatedAt time.Time `json:"updatedAt"`
	// SyncVersion is the server-assigned monotonic version used for
	// optimistic concurrency.
	SyncVersion int64 `json:"syncVersion,omitempty"`
	// Deleted marks a tombstone returned by an incremental pull.
	Deleted bool `json:"deleted,omitempty"`
}

// Tombstone returns the reduced form retained for a pending delete:
// only the identity and the modification time.
func (r Record) Tombstone() Record {
	return Record{ID: r.ID, UpdatedAt: r.UpdatedAt}
}

// SharedLibrary describes a read-only library another user shares with the
// current one.
type SharedLibrary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	RecordCount int    `json:"recordCount"`
}

// Operation is the kind of local mutation recorded in a pending change.
type Operation string

const (
	// OpCreate records a newly created record.
	OpCreate Operation = "create"
	// OpUpdate records a modification of an existing record.
	OpUpdate Operation = "update"
	// OpDelete records a removal.
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}
