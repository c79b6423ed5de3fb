package hts

import (
	"errors"
	"strings"
)

// ErrNotFound is returned when the responder has no row for a chunk.
var ErrNotFound = errors.New("hts: not found")

// ResponderError is a failure reported by the responder.
type ResponderError struct {
	Subject string
	Message string
}

func (e *ResponderError) Error() string {
	return "hts: " + e.Subject + ": " + e.Message
}

// Is makes responder "not found" failures match ErrNotFound.
func (e *ResponderError) Is(target error) bool {
	return target == ErrNotFound && isNotFound(e.Message)
}

func isNotFound(msg string) bool {
	return strings.Contains(msg, "not found")
}
