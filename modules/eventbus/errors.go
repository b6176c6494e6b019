package eventbus

import "errors"

var (
	// Bus state errors
	ErrEventBusNotStarted       = errors.New("event bus not started")
	ErrEventBusShutdownTimedOut = errors.New("event bus shutdown timed out")

	// Subscription errors
	ErrEventHandlerNil         = errors.New("event handler cannot be nil")
	ErrSubjectEmpty            = errors.New("subject cannot be empty")
	ErrInvalidSubscriptionType = errors.New("invalid subscription type")

	// Dead letter errors
	ErrDeadLetterNotFound = errors.New("dead letter entry not found")
)
