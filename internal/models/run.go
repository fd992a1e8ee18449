package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// RunStatus represents the current state of an analysis run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"   // RunPending indicates the run is created but not started
	RunRunning   RunStatus = "running"   // RunRunning indicates the run is downloading or analyzing
	RunCompleted RunStatus = "completed" // RunCompleted indicates the run finished successfully
	RunFailed    RunStatus = "failed"    // RunFailed indicates the run stopped on an error
)

// AnalysisRun records one end-to-end execution of the gap analysis.
type AnalysisRun struct {
	ID           string     `json:"id" db:"id"`
	Exchange     string     `json:"exchange" db:"exchange"`
	Symbol       string     `json:"symbol" db:"symbol"`
	Interval     string     `json:"interval" db:"interval"`
	Start        time.Time  `json:"start" db:"start_time"`
	End          time.Time  `json:"end" db:"end_time"`
	Status       RunStatus  `json:"status" db:"status"`
	BarsAnalyzed int        `json:"bars_analyzed" db:"bars_analyzed"`
	GapsDetected int        `json:"gaps_detected" db:"gaps_detected"`
	GapsClosed   int        `json:"gaps_closed" db:"gaps_closed"`
	Error        string     `json:"error,omitempty" db:"error"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// RunError represents a validation error on a run field.
type RunError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error implements the error interface for RunError.
func (e RunError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewAnalysisRun creates a pending run for the given source and range.
func NewAnalysisRun(id, exchange, symbol, interval string, start, end time.Time) *AnalysisRun {
	return &AnalysisRun{
		ID:        id,
		Exchange:  exchange,
		Symbol:    symbol,
		Interval:  interval,
		Start:     start.UTC(),
		End:       end.UTC(),
		Status:    RunPending,
		CreatedAt: time.Now().UTC(),
	}
}

// Validate checks required fields and time consistency.
func (r *AnalysisRun) Validate() error {
	if r.ID == "" {
		return RunError{Field: "ID", Message: "run ID is required"}
	}
	if r.Exchange == "" {
		return RunError{Field: "Exchange", Message: "exchange is required"}
	}
	if !r.End.After(r.Start) {
		return RunError{Field: "End", Message: "end must be after start"}
	}
	switch r.Status {
	case RunPending, RunRunning, RunCompleted, RunFailed:
	default:
		return RunError{Field: "Status", Message: fmt.Sprintf("invalid status '%s'", r.Status)}
	}
	return nil
}

// Begin transitions the run from pending to running.
func (r *AnalysisRun) Begin() error {
	if r.Status != RunPending {
		return fmt.Errorf("cannot start run with status %s, must be %s", r.Status, RunPending)
	}
	now := time.Now().UTC()
	r.Status = RunRunning
	r.StartedAt = &now
	return nil
}

// Complete records the run outcome and transitions to completed.
func (r *AnalysisRun) Complete(bars, detected, closed int) error {
	if r.Status != RunRunning {
		return fmt.Errorf("cannot complete run with status %s, must be %s", r.Status, RunRunning)
	}
	now := time.Now().UTC()
	r.Status = RunCompleted
	r.BarsAnalyzed = bars
	r.GapsDetected = detected
	r.GapsClosed = closed
	r.CompletedAt = &now
	return nil
}

// Fail transitions a pending or running run to failed.
func (r *AnalysisRun) Fail(err error) error {
	if r.Status != RunRunning && r.Status != RunPending {
		return fmt.Errorf("cannot fail run with status %s", r.Status)
	}
	now := time.Now().UTC()
	r.Status = RunFailed
	if err != nil {
		r.Error = err.Error()
	}
	r.CompletedAt = &now
	return nil
}

// Elapsed returns how long the run took, or has taken so far.
func (r *AnalysisRun) Elapsed() time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	if r.CompletedAt != nil {
		return r.CompletedAt.Sub(*r.StartedAt)
	}
	return time.Since(*r.StartedAt)
}

// Summary returns a one-line description of the run.
func (r *AnalysisRun) Summary() string {
	return fmt.Sprintf("Run %s [%s] %s %s %s: %d bars, %d gaps (%d closed) in %v",
		r.ID, r.Status, r.Exchange, r.Symbol, r.Interval,
		r.BarsAnalyzed, r.GapsDetected, r.GapsClosed, r.Elapsed().Round(time.Millisecond))
}

// ToJSON serializes the run.
func (r *AnalysisRun) ToJSON() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal run to JSON: %w", err)
	}
	return string(data), nil
}
