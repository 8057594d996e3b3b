package item

import "fmt"

// Op names an operation on the item state machine.
type Op string

const (
	OpReschedule     Op = "reschedule"
	OpCancel         Op = "cancel"
	OpPublishSuccess Op = "publish-success"
	OpPublishFailure Op = "publish-failure"
)

// allowed lists the statuses each operation may start from.
var allowed = map[Op][]Status{
	OpReschedule:     {StatusScheduled, StatusFailed, StatusCancelled},
	OpCancel:         {StatusScheduled},
	OpPublishSuccess: {StatusScheduled},
	OpPublishFailure: {StatusScheduled},
}

var results = map[Op]Status{
	OpReschedule:     StatusScheduled,
	OpCancel:         StatusCancelled,
	OpPublishSuccess: StatusPublished,
	OpPublishFailure: StatusFailed,
}

// Next returns the status op moves from to, or ErrInvalidTransition.
func Next(from Status, op Op) (Status, error) {
	for _, s := range allowed[op] {
		if s == from {
			return results[op], nil
		}
	}
	return from, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, from)
}

// AllowedFrom returns the statuses op may start from.
func AllowedFrom(op Op) []Status {
	return append([]Status(nil), allowed[op]...)
}
