package series

import (
	"errors"
	"fmt"
	"time"
)

// DetectionError scopes a store failure during scanning to one series;
// other series continue.
type DetectionError struct {
	Series Key
	Err    error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("detect %s: %v", e.Series, e.Err)
}

func (e *DetectionError) Unwrap() error { return e.Err }

// FetchErrorKind distinguishes provider failures that resolve on their
// own (timeouts, 5xx, rate limiting) from ones that need an operator
// or config change (4xx, malformed requests).
type FetchErrorKind int

const (
	FetchRetryable FetchErrorKind = iota
	FetchTerminal
)

func (k FetchErrorKind) String() string {
	if k == FetchTerminal {
		return "terminal"
	}
	return "retryable"
}

// FetchError is a failed provider call for one sub-range of a gap.
type FetchError struct {
	Kind   FetchErrorKind
	Series Key
	Start  time.Time
	End    time.Time
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s [%s, %s): %s: %v",
		e.Series, e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339), e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// WriteError is a store failure during insert. The task gets zero
// credit; re-fetching next cycle is safe because writes are idempotent.
type WriteError struct {
	Series Key
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Series, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// IsRetryableFetch reports whether err is a provider failure worth
// leaving to next-cycle re-detection rather than operator attention.
func IsRetryableFetch(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == FetchRetryable
}

// ErrorKind returns a short label for report and ledger rows.
func ErrorKind(err error) string {
	var fe *FetchError
	if errors.As(err, &fe) {
		return "fetch_" + fe.Kind.String()
	}
	var we *WriteError
	if errors.As(err, &we) {
		return "write"
	}
	var de *DetectionError
	if errors.As(err, &de) {
		return "detection"
	}
	return "other"
}
