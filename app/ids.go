package app

import (
	"strings"

	"github.com/google/uuid"
)

// NewUserID returns a short random user id.
func NewUserID() string {
	return uuid.NewString()[:8]
}

// NewThreadID returns a random thread id. It never contains ':'.
func NewThreadID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
