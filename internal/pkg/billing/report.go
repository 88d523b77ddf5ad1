package billing

import (
	"context"
	"errors"
	"net"
)

// Outcome classifies the result of one side effect.
type Outcome string

const (
	OutcomeOk        Outcome = "ok"
	OutcomeRetryable Outcome = "retryable"
	OutcomeFatal     Outcome = "fatal"
)

// OperationResult is one entry of a Report.
type OperationResult struct {
	Operation string  `json:"operation"`
	Target    string  `json:"target,omitempty"`
	Outcome   Outcome `json:"outcome"`
	Error     string  `json:"error,omitempty"`
}

// Report collects the outcome of every best-effort side effect in a handler.
// Failures recorded here never roll back the payment that triggered them.
type Report struct {
	Operations []OperationResult `json:"operations"`
}

func NewReport() *Report {
	return &Report{Operations: []OperationResult{}}
}

// Add records err (or success when err is nil) for operation on target.
func (r *Report) Add(operation, target string, err error) {
	res := OperationResult{Operation: operation, Target: target, Outcome: Classify(err)}
	if err != nil {
		res.Error = err.Error()
	}
	r.Operations = append(r.Operations, res)
}

func (r *Report) Ok(operation, target string) {
	r.Add(operation, target, nil)
}

// Merge appends all entries of other.
func (r *Report) Merge(other *Report) {
	if other == nil {
		return
	}
	r.Operations = append(r.Operations, other.Operations...)
}

// Failed returns the retryable and fatal entries.
func (r *Report) Failed() []OperationResult {
	var out []OperationResult
	for _, op := range r.Operations {
		if op.Outcome != OutcomeOk {
			out = append(out, op)
		}
	}
	return out
}

func (r *Report) HasFailures() bool {
	for _, op := range r.Operations {
		if op.Outcome != OutcomeOk {
			return true
		}
	}
	return false
}

// Classify maps an error onto an Outcome. Provider outages, timeouts and
// network errors are retryable; everything else is fatal.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeOk
	}
	if errors.Is(err, ErrProviderUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return OutcomeRetryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return OutcomeRetryable
	}
	return OutcomeFatal
}
