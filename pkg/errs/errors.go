package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrQuotaExceeded is returned when a provider reports an exhausted quota.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrUnauthorized is returned when a provider rejects the credentials.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNoEmbedding is returned when a provider answers without vectors.
	ErrNoEmbedding = errors.New("no embedding returned")
)

// Kind tells callers whether an external failure is worth retrying.
type Kind int

const (
	Retryable Kind = iota + 1
	Terminal
)

func (k Kind) String() string {
	switch k {
	case Retryable:
		return "retryable"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// ExternalServiceError wraps a failure of an embedding or generation
// provider.
type ExternalServiceError struct {
	Service    string
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *ExternalServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (%s, status %d): %v", e.Service, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Service, e.Kind, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// FromStatus classifies an HTTP status code returned by a provider.
// 401/402/403 and quota responses are terminal; timeouts, 429 rate limits
// and 5xx are retryable.
func FromStatus(service string, status int, err error) *ExternalServiceError {
	e := &ExternalServiceError{Service: service, StatusCode: status, Err: err, Kind: Retryable}
	switch {
	case status == 401 || status == 403:
		e.Kind = Terminal
		e.Err = fmt.Errorf("%w: %v", ErrUnauthorized, err)
	case status == 402:
		e.Kind = Terminal
		e.Err = fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	case status == 408 || status == 429 || status >= 500:
		e.Kind = Retryable
	case status >= 400:
		e.Kind = Terminal
	}
	return e
}

// FromError classifies a transport-level failure. Deadlines and network
// timeouts are retryable, cancellation is terminal.
func FromError(service string, err error) *ExternalServiceError {
	var ext *ExternalServiceError
	if errors.As(err, &ext) {
		return ext
	}
	e := &ExternalServiceError{Service: service, Err: err, Kind: Retryable}
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		e.Kind = Terminal
	case errors.Is(err, context.DeadlineExceeded):
		e.Kind = Retryable
	case errors.As(err, &netErr):
		e.Kind = Retryable
	}
	return e
}

func IsRetryable(err error) bool {
	var ext *ExternalServiceError
	return errors.As(err, &ext) && ext.Kind == Retryable
}

func IsTerminal(err error) bool {
	var ext *ExternalServiceError
	return errors.As(err, &ext) && ext.Kind == Terminal
}

// DataIntegrityError marks a unit that cannot be processed because the
// stored data is inconsistent. The unit is skipped, the batch continues.
type DataIntegrityError struct {
	DocumentID int64
	ChunkID    int64
	Reason     string
}

func (e *DataIntegrityError) Error() string {
	if e.ChunkID != 0 {
		return fmt.Sprintf("data integrity: document %d chunk %d: %s", e.DocumentID, e.ChunkID, e.Reason)
	}
	return fmt.Sprintf("data integrity: document %d: %s", e.DocumentID, e.Reason)
}

// RetrievalError is the typed failure of the query path.
type RetrievalError struct {
	Op  string
	Err error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval %s: %v", e.Op, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }
