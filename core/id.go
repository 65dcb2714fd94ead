package core

import "github.com/google/uuid"

// NewID returns a random identifier used for operations, hook registrations
// and events.
func NewID() string {
	return uuid.NewString()
}
