package budget

import "fmt"

// Limit kinds.
const (
	KindIterations = "iterations"
	KindToolCalls  = "tool_calls"
	KindDuration   = "duration"
)

// ErrExceeded is returned when usage would surpass a configured limit.
type ErrExceeded struct {
	Kind  string
	Usage string
	Limit string
}

func (e ErrExceeded) Error() string {
	if e.Limit != "" {
		return fmt.Sprintf("budget %s exceeded: usage=%s limit=%s", e.Kind, e.Usage, e.Limit)
	}
	return fmt.Sprintf("budget %s exceeded: usage=%s", e.Kind, e.Usage)
}
