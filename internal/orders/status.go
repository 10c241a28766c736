package orders

import "fmt"

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDelivering Status = "delivering"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

// Cancellation is allowed from any non-terminal state; refund only from
// delivered. Delivered, cancelled and refunded are terminal.
var validNext = map[Status]map[Status]bool{
	StatusPending:    {StatusProcessing: true, StatusCancelled: true},
	StatusProcessing: {StatusDelivering: true, StatusCancelled: true},
	StatusDelivering: {StatusDelivered: true, StatusCancelled: true},
	StatusDelivered:  {StatusRefunded: true},
	StatusCancelled:  {},
	StatusRefunded:   {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Terminal() bool {
	return len(validNext[s]) == 0
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := validNext[st]; !ok {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, s)
	}
	return st, nil
}

// Transition names the two automatic edges driven by the scheduler.
type Transition string

const (
	TransitionPendingToProcessing    Transition = "pending_to_processing"
	TransitionProcessingToDelivering Transition = "processing_to_delivering"
)

// Endpoints returns the from/to states of an automatic transition.
func (t Transition) Endpoints() (from, to Status) {
	switch t {
	case TransitionPendingToProcessing:
		return StatusPending, StatusProcessing
	case TransitionProcessingToDelivering:
		return StatusProcessing, StatusDelivering
	default:
		return "", ""
	}
}
