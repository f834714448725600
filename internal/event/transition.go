package event

import (
	"fmt"
	"slices"

	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
)

// ErrInvalidTransition is returned when a write would move a record backwards.
var ErrInvalidTransition = errors.ValidationError("invalid status transition").Build()

// predecessors lists, for each status, the statuses it may be written over. Writing the same
// status again is always allowed so redelivered messages stay idempotent. ERROR may still be
// followed by COMPLETED when a later delivery succeeds; nothing follows COMPLETED.
var predecessors = map[Status][]Status{
	StatusCreated:    {StatusCreated},
	StatusUploaded:   {StatusUploaded},
	StatusProcessing: {StatusCreated, StatusUploaded, StatusProcessing},
	StatusProcessed:  {StatusCreated, StatusUploaded, StatusProcessing, StatusProcessed},
	StatusError:      {StatusCreated, StatusUploaded, StatusProcessing, StatusProcessed, StatusError},
	StatusCompleted:  {StatusCreated, StatusUploaded, StatusProcessing, StatusProcessed, StatusError, StatusCompleted},
}

// AllowedFrom returns the statuses a record may hold for next to be written over it. Stores
// use it to express the guard as a conditional update. Unknown statuses have no predecessors.
func AllowedFrom(next Status) []Status {
	return slices.Clone(predecessors[next])
}

// Next validates moving from current to next and returns next. An empty current (nothing
// written yet) accepts any known status.
func Next(current, next Status) (Status, error) {
	if !next.Valid() {
		return current, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}
	if current == "" || slices.Contains(predecessors[next], current) {
		return next, nil
	}
	return current, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
}
