package experiment

import (
	"errors"
	"fmt"
)

// Sentinel errors for the experiment service layer.
var (
	// ErrNotFound is returned when a test, variant, or assignment does not exist.
	ErrNotFound = errors.New("experiment not found")

	// ErrDuplicateAssignment is returned by repositories when an insert would
	// violate the (test_id, user_id) uniqueness constraint. Callers treat it
	// as a benign skip: the losing side of a concurrent race must not fail.
	ErrDuplicateAssignment = errors.New("user already assigned to this test")

	// ErrUnreachable is returned (or wrapped) by transports when the
	// recipient cannot receive messages, e.g. they blocked the bot.
	ErrUnreachable = errors.New("recipient unreachable")
)

// ValidationError describes a malformed test definition rejected at
// creation time. Nothing is persisted when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
