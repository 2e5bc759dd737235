package store

import "github.com/google/uuid"

// newID returns a fresh UUID string for any persisted record.
func newID() string {
	return uuid.NewString()
}

// NewID exposes ID generation for callers that pre-build records.
func NewID() string {
	return newID()
}
