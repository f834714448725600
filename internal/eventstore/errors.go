package eventstore

import (
	"fmt"

	"git.home.luguber.info/inful/eventpipe/internal/event"
	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
)

var (
	// ErrNotFound indicates no record exists under the key.
	ErrNotFound = errors.NotFoundError("event not found").Build()

	// ErrAlreadyExists indicates a record with the same key was already written.
	ErrAlreadyExists = errors.AlreadyExistsError("event already exists").Build()

	// ErrTransitionRejected indicates a conditional update lost against a more advanced status.
	ErrTransitionRejected = errors.ConflictError("status transition rejected").Build()

	// ErrInitializeSchemaFailed indicates the database schema could not be initialized.
	ErrInitializeSchemaFailed = errors.EventStoreError("failed to initialize event store schema").Build()
)

func rejected(k event.Key, current, next event.Status) error {
	return fmt.Errorf("%w: %s@%s %w", ErrTransitionRejected, k.EventID, k.Timestamp,
		fmt.Errorf("%w: %s -> %s", event.ErrInvalidTransition, current, next))
}

func storeErr(op string, err error) error {
	return errors.WrapError(err, errors.CategoryEventStore, op).Retryable().Build()
}
