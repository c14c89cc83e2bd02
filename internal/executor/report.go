package executor

import (
	"fmt"
	"strings"
)

// ItemStatus is the outcome of one fan-out unit.
type ItemStatus string

const (
	ItemSuccess ItemStatus = "success"
	ItemError   ItemStatus = "error"
)

// OverallStatus summarises a fan-out call.
type OverallStatus string

const (
	AllSuccess     OverallStatus = "all_success"
	PartialSuccess OverallStatus = "partial_success"
	AllFailure     OverallStatus = "all_failure"
)

// MappedTaskResult is one item's outcome. Consumers identify items by
// InputItem, never by position.
type MappedTaskResult struct {
	Status    ItemStatus `json:"status"`
	InputItem any        `json:"input_item"`
	Output    any        `json:"output,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// MappedExecutionReport collects every item of a fan-out call in completion order.
type MappedExecutionReport struct {
	Tool          string             `json:"tool"`
	FanOutKey     string             `json:"fan_out_key"`
	Results       []MappedTaskResult `json:"results"`
	OverallStatus OverallStatus      `json:"overall_status"`
}

func newReport(tool, key string, results []MappedTaskResult) MappedExecutionReport {
	r := MappedExecutionReport{Tool: tool, FanOutKey: key, Results: results}
	r.OverallStatus = deriveStatus(results)
	return r
}

func deriveStatus(results []MappedTaskResult) OverallStatus {
	ok, failed := 0, 0
	for _, res := range results {
		if res.Status == ItemSuccess {
			ok++
		} else {
			failed++
		}
	}
	switch {
	case failed == 0:
		return AllSuccess
	case ok == 0:
		return AllFailure
	default:
		return PartialSuccess
	}
}

// SuccessfulOutputs returns the outputs of successful items.
func (r MappedExecutionReport) SuccessfulOutputs() []any {
	out := make([]any, 0, len(r.Results))
	for _, res := range r.Results {
		if res.Status == ItemSuccess {
			out = append(out, res.Output)
		}
	}
	return out
}

// FailedItems returns the input items whose unit failed.
func (r MappedExecutionReport) FailedItems() []any {
	out := make([]any, 0)
	for _, res := range r.Results {
		if res.Status != ItemSuccess {
			out = append(out, res.InputItem)
		}
	}
	return out
}

// Summary renders "<label>: k/N succeeded", listing up to three failed items.
func (r MappedExecutionReport) Summary(label string) string {
	ok := len(r.SuccessfulOutputs())
	var b strings.Builder
	if label != "" {
		b.WriteString(label)
		b.WriteString(": ")
	}
	fmt.Fprintf(&b, "%d/%d succeeded", ok, len(r.Results))
	failed := r.FailedItems()
	if len(failed) == 0 {
		return b.String()
	}
	shown := failed
	if len(shown) > 3 {
		shown = shown[:3]
	}
	parts := make([]string, len(shown))
	for i, item := range shown {
		parts[i] = fmt.Sprint(item)
	}
	fmt.Fprintf(&b, "; failed: %s", strings.Join(parts, ", "))
	if extra := len(failed) - len(shown); extra > 0 {
		fmt.Fprintf(&b, " (+%d more)", extra)
	}
	return b.String()
}
