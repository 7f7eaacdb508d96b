package eventbus

import "fmt"

// EventError represents an error publishing or handling a message.
type EventError struct {
	Event   Event  // The message that failed, if any
	Handler string // Handler that failed, if known
	Message string
	Err     error
}

func (e *EventError) Error() string {
	id := "<nil>"
	if e.Event != nil {
		id = e.Event.ID()
	}
	if e.Err != nil {
		return fmt.Sprintf("message %s: %s: %v", id, e.Message, e.Err)
	}
	return fmt.Sprintf("message %s: %s", id, e.Message)
}

func (e *EventError) Unwrap() error {
	return e.Err
}
