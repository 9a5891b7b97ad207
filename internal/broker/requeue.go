package broker

import "errors"

// ErrRequeue, when wrapped in a handler's error, asks the consumer to return the
// delivery to its queue instead of rejecting it. Handlers use it when they stop
// mid-message because the process is shutting down.
var ErrRequeue = errors.New("requeue delivery")

func IsRequeue(err error) bool {
	return errors.Is(err, ErrRequeue)
}
