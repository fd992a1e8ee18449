// Package errors classifies failures raised while fetching and analyzing price data.
// Classified errors carry a type, a severity and a retry decision; the classifier drives
// retries with configurable backoff and maps failures onto process exit codes.
package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/johnayoung/cme-gap-analyzer/internal/config"
	"github.com/johnayoung/cme-gap-analyzer/internal/models"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	// Retryable error types
	ErrorTypeNetwork     ErrorType = "network"      // Network connectivity issues
	ErrorTypeTimeout     ErrorType = "timeout"      // Request timeout
	ErrorTypeRateLimit   ErrorType = "rate_limit"   // HTTP 429 from the exchange
	ErrorTypeServerError ErrorType = "server_error" // HTTP 5xx errors
	ErrorTypeTemporary   ErrorType = "temporary"    // Temporary failures

	// Non-retryable error types
	ErrorTypeAuthentication ErrorType = "authentication" // HTTP 401/403
	ErrorTypeBadRequest     ErrorType = "bad_request"    // HTTP 4xx errors (except rate limit)
	ErrorTypeValidation     ErrorType = "validation"     // Bad bars or malformed input files
	ErrorTypeConfiguration  ErrorType = "configuration"  // Bad configuration or market schedule
	ErrorTypeNoData         ErrorType = "no_data"        // Source returned nothing for the window
	ErrorTypeCanceled       ErrorType = "canceled"       // Interrupted by the caller
	ErrorTypeInternal       ErrorType = "internal"       // Internal application errors

	ErrorTypeUnknown ErrorType = "unknown"
)

// Process exit codes used by the command line
const (
	ExitOK          = 0
	ExitUsage       = 1
	ExitConfig      = 2
	ExitConnection  = 3
	ExitData        = 4
	ExitInterrupted = 130
)

// Severity represents the severity level of an error
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of the severity
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// StatusCoder is implemented by transport errors that carry an HTTP status code.
type StatusCoder interface {
	StatusCode() int
}

// ClassifiedError represents an error with metadata for handling decisions
type ClassifiedError struct {
	Err         error                  `json:"error"`
	Type        ErrorType              `json:"type"`
	Severity    Severity               `json:"severity"`
	Retryable   bool                   `json:"retryable"`
	Component   string                 `json:"component"`
	Operation   string                 `json:"operation"`
	Context     map[string]interface{} `json:"context"`
	Timestamp   time.Time              `json:"timestamp"`
	Attempts    int                    `json:"attempts"`
	LastAttempt time.Time              `json:"last_attempt"`
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is matches another ClassifiedError by type, otherwise defers to the wrapped error
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return errors.Is(ce.Err, target)
}

// ErrorClassifier handles error classification and retry logic
type ErrorClassifier struct {
	config config.ErrorHandlingConfig
	logger *slog.Logger
	mu     sync.RWMutex
	stats  map[ErrorType]ErrorStats
	sleep  func(ctx context.Context, d time.Duration) error
}

// ErrorStats tracks error statistics for the run report
type ErrorStats struct {
	Count     int64     `json:"count"`
	LastSeen  time.Time `json:"last_seen"`
	FirstSeen time.Time `json:"first_seen"`
	Retries   int64     `json:"retries"`
	Successes int64     `json:"successes"`
}

// NewErrorClassifier creates a new error classifier with the given configuration
func NewErrorClassifier(cfg config.ErrorHandlingConfig, logger *slog.Logger) *ErrorClassifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &ErrorClassifier{
		config: cfg,
		logger: logger,
		stats:  make(map[ErrorType]ErrorStats),
		sleep:  sleepContext,
	}
}

// Classify analyzes an error and returns a ClassifiedError with retry metadata
func (ec *ErrorClassifier) Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var existing *ClassifiedError
	if errors.As(err, &existing) {
		return existing
	}

	errorType := classifyErrorType(err)
	retryable := ec.isRetryable(errorType)

	classified := &ClassifiedError{
		Err:       err,
		Type:      errorType,
		Severity:  determineSeverity(errorType),
		Retryable: retryable,
		Component: component,
		Operation: operation,
		Context:   make(map[string]interface{}),
		Timestamp: time.Now(),
	}

	ec.updateStats(errorType)

	ec.logger.Debug("error classified",
		"type", errorType,
		"severity", classified.Severity.String(),
		"retryable", retryable,
		"component", component,
		"operation", operation,
		"error", err.Error())

	return classified
}

// classifyErrorType prefers typed checks and falls back to message patterns
func classifyErrorType(err error) ErrorType {
	switch {
	case errors.Is(err, context.Canceled):
		return ErrorTypeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	case errors.Is(err, models.ErrMalformedSchedule):
		return ErrorTypeConfiguration
	case errors.Is(err, models.ErrNoData):
		return ErrorTypeNoData
	}

	var validationErr *models.ValidationError
	if errors.As(err, &validationErr) {
		return ErrorTypeValidation
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return classifyStatus(sc.StatusCode())
	}

	if isTimeoutError(err) {
		return ErrorTypeTimeout
	}
	if isNetworkError(err) {
		return ErrorTypeNetwork
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case containsAny(errStr, "rate limit", "too many requests"):
		return ErrorTypeRateLimit
	case containsAny(errStr, "unauthorized", "forbidden"):
		return ErrorTypeAuthentication
	case containsAny(errStr, "validation", "invalid", "malformed", "parse"):
		return ErrorTypeValidation
	case containsAny(errStr, "config", "missing required"):
		return ErrorTypeConfiguration
	case containsAny(errStr, "server error", "service unavailable", "bad gateway"):
		return ErrorTypeServerError
	case containsAny(errStr, "temporar", "try again"):
		return ErrorTypeTemporary
	}

	return ErrorTypeUnknown
}

func classifyStatus(code int) ErrorType {
	switch {
	case code == 429:
		return ErrorTypeRateLimit
	case code == 401 || code == 403:
		return ErrorTypeAuthentication
	case code == 408:
		return ErrorTypeTimeout
	case code >= 500:
		return ErrorTypeServerError
	case code >= 400:
		return ErrorTypeBadRequest
	default:
		return ErrorTypeUnknown
	}
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// isNetworkError checks if the error is network-related
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return containsAny(strings.ToLower(err.Error()),
		"connection refused",
		"connection reset",
		"no route to host",
		"host unreachable",
		"network unreachable",
		"no such host",
		"unexpected eof",
	)
}

// isTimeoutError checks if the error is timeout-related
func isTimeoutError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return containsAny(strings.ToLower(err.Error()), "timeout", "deadline exceeded")
}

// determineSeverity assigns a severity level based on error type
func determineSeverity(errorType ErrorType) Severity {
	switch errorType {
	case ErrorTypeInternal:
		return SeverityCritical
	case ErrorTypeAuthentication, ErrorTypeConfiguration:
		return SeverityHigh
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeCanceled:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// isRetryable determines if an error type should be retried
func (ec *ErrorClassifier) isRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeCanceled, ErrorTypeConfiguration, ErrorTypeValidation,
		ErrorTypeAuthentication, ErrorTypeBadRequest, ErrorTypeNoData:
		return false
	}

	for _, retryableType := range ec.config.GlobalRetryPolicy.RetryableErrors {
		if string(errorType) == retryableType {
			return true
		}
	}

	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit,
		ErrorTypeServerError, ErrorTypeTemporary:
		return true
	default:
		return false
	}
}

// updateStats updates error statistics
func (ec *ErrorClassifier) updateStats(errorType ErrorType) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	stats := ec.stats[errorType]
	stats.Count++
	stats.LastSeen = time.Now()
	if stats.FirstSeen.IsZero() {
		stats.FirstSeen = stats.LastSeen
	}
	ec.stats[errorType] = stats
}

// Retry executes fn until it succeeds, fails with a non-retryable error or the
// component's retry policy is exhausted.
func (ec *ErrorClassifier) Retry(ctx context.Context, component, operation string, fn func() error) error {
	policy := ec.getRetryPolicy(component)
	strategy := createBackoffStrategy(policy)

	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr *ClassifiedError
	attempts := 0

	for {
		attempts++

		err := fn()
		if err == nil {
			ec.recordSuccess(component, operation, attempts)
			return nil
		}

		lastErr = ec.Classify(err, component, operation)
		lastErr.Attempts = attempts
		lastErr.LastAttempt = time.Now()

		ec.logger.Warn("operation failed",
			"component", component,
			"operation", operation,
			"attempt", attempts,
			"max_attempts", maxAttempts,
			"error_type", lastErr.Type,
			"retryable", lastErr.Retryable,
			"error", err.Error())

		if !lastErr.Retryable || attempts >= maxAttempts {
			break
		}

		next := strategy.NextBackOff()
		if next == backoff.Stop {
			break
		}

		ec.recordRetry(lastErr.Type)
		if err := ec.sleep(ctx, next); err != nil {
			return ec.Classify(fmt.Errorf("%s canceled during backoff: %w", operation, err), component, operation)
		}
	}

	if attempts == 1 {
		return lastErr
	}

	ec.logger.Error("operation failed after all retries",
		"component", component,
		"operation", operation,
		"attempts", attempts)

	return &ClassifiedError{
		Err:         fmt.Errorf("failed after %d attempts: %w", attempts, lastErr.Err),
		Type:        lastErr.Type,
		Severity:    lastErr.Severity,
		Retryable:   false,
		Component:   component,
		Operation:   operation,
		Context:     lastErr.Context,
		Timestamp:   lastErr.Timestamp,
		Attempts:    attempts,
		LastAttempt: lastErr.LastAttempt,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// getRetryPolicy returns the retry policy for a component
func (ec *ErrorClassifier) getRetryPolicy(component string) config.RetryPolicyConfig {
	if policy, exists := ec.config.ComponentPolicies[component]; exists {
		return policy
	}
	return ec.config.GlobalRetryPolicy
}

// createBackoffStrategy creates a backoff strategy based on configuration
func createBackoffStrategy(policy config.RetryPolicyConfig) backoff.BackOff {
	initialDelay, _ := time.ParseDuration(policy.InitialDelay)
	maxDelay, _ := time.ParseDuration(policy.MaxDelay)
	if maxDelay < initialDelay {
		maxDelay = initialDelay
	}

	var strategy backoff.BackOff

	switch policy.BackoffStrategy {
	case "fixed":
		strategy = backoff.NewConstantBackOff(initialDelay)
	case "linear":
		strategy = &LinearBackoff{interval: initialDelay, max: maxDelay}
	default:
		exponential := backoff.NewExponentialBackOff()
		exponential.InitialInterval = initialDelay
		exponential.MaxInterval = maxDelay
		exponential.MaxElapsedTime = 0
		if !policy.Jitter {
			exponential.RandomizationFactor = 0
		}
		exponential.Reset()
		strategy = exponential
	}

	if policy.Jitter && (policy.BackoffStrategy == "fixed" || policy.BackoffStrategy == "linear") {
		strategy = &JitteredBackoff{BackOff: strategy}
	}

	retries := policy.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(strategy, uint64(retries))
}

func (ec *ErrorClassifier) recordSuccess(component, operation string, attempts int) {
	if attempts > 1 {
		ec.mu.Lock()
		for errorType, stats := range ec.stats {
			stats.Successes++
			ec.stats[errorType] = stats
		}
		ec.mu.Unlock()
	}

	ec.logger.Debug("operation succeeded",
		"component", component,
		"operation", operation,
		"attempts", attempts)
}

func (ec *ErrorClassifier) recordRetry(errorType ErrorType) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	stats := ec.stats[errorType]
	stats.Retries++
	ec.stats[errorType] = stats
}

// GetStats returns a copy of the error statistics
func (ec *ErrorClassifier) GetStats() map[ErrorType]ErrorStats {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	stats := make(map[ErrorType]ErrorStats, len(ec.stats))
	for k, v := range ec.stats {
		stats[k] = v
	}
	return stats
}

// LinearBackoff grows the delay by a fixed interval up to max
type LinearBackoff struct {
	interval time.Duration
	max      time.Duration
	current  time.Duration
}

// NextBackOff returns the next backoff interval
func (lb *LinearBackoff) NextBackOff() time.Duration {
	lb.current += lb.interval
	if lb.max > 0 && lb.current > lb.max {
		lb.current = lb.max
	}
	return lb.current
}

// Reset resets the backoff to its initial state
func (lb *LinearBackoff) Reset() {
	lb.current = 0
}

// JitteredBackoff adds up to ±10% jitter to another backoff strategy
type JitteredBackoff struct {
	backoff.BackOff
}

// NextBackOff returns the next backoff interval with jitter
func (jb *JitteredBackoff) NextBackOff() time.Duration {
	next := jb.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}

	jitter := float64(next) * 0.1
	offset := (2.0*float64(time.Now().UnixNano()%1000)/1000.0 - 1.0) * jitter
	return next + time.Duration(offset)
}

// WrapError wraps an error with additional context
func WrapError(err error, component, operation, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s in %s.%s: %w", message, component, operation, err)
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetErrorType extracts the error type, classifying unclassified errors on the fly
func GetErrorType(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return classifyErrorType(err)
}

// GetSeverity extracts the severity from a classified error
func GetSeverity(err error) Severity {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Severity
	}
	return SeverityMedium
}

// ExitCode maps an error onto the process exit code reported by the command line
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	switch GetErrorType(err) {
	case ErrorTypeConfiguration:
		return ExitConfig
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeServerError,
		ErrorTypeTemporary, ErrorTypeAuthentication, ErrorTypeBadRequest:
		return ExitConnection
	case ErrorTypeValidation, ErrorTypeNoData:
		return ExitData
	case ErrorTypeCanceled:
		return ExitInterrupted
	default:
		return ExitUsage
	}
}
