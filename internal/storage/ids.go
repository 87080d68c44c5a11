package storage

import "github.com/google/uuid"

func newID() string {
	return uuid.NewString()
}

// NewID returns a random record id.
func NewID() string {
	return newID()
}
