package mailsync

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/Martian-dev/mail-sync-engine/internal/auth"
	"github.com/Martian-dev/mail-sync-engine/internal/model"
	"github.com/Martian-dev/mail-sync-engine/internal/providers/extract"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrNotSupported         = errors.New("operation not supported by provider")
	ErrAccountInactive      = errors.New("account inactive")
)

// TransientError is a provider failure worth retrying: timeouts, rate
// limits, 5xx, an open circuit
type TransientError struct {
	Provider   model.ProviderType
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: transient (status %d): %v", e.Provider.Name(), e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: transient: %v", e.Provider.Name(), e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried with backoff. Network
// failures of any kind count, as does a refresh that never got an answer.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if auth.IsRefreshUnavailable(err) {
		return true
	}
	var (
		op  *net.OpError
		dns *net.DNSError
		ne  net.Error
	)
	if errors.As(err, &op) || errors.As(err, &dns) {
		return true
	}
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	switch {
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone):
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// ExtractionError is a single malformed message; it never fails a batch
type ExtractionError struct {
	MessageID string
	Err       error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract message %s: %v", e.MessageID, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Class groups errors by how the engine reacts to them
type Class int

const (
	ClassOther Class = iota
	ClassAuth
	ClassTransient
	ClassExtraction
)

func (c Class) String() string {
	switch c {
	case ClassAuth:
		return "auth"
	case ClassTransient:
		return "transient"
	case ClassExtraction:
		return "extraction"
	default:
		return "other"
	}
}

// Classify maps an error onto the engine's taxonomy
func Classify(err error) Class {
	var ee *ExtractionError
	switch {
	case err == nil:
		return ClassOther
	case auth.IsAuthError(err):
		return ClassAuth
	case errors.As(err, &ee), errors.Is(err, extract.ErrPoisoned), errors.Is(err, extract.ErrTooDeep):
		return ClassExtraction
	case IsTransient(err):
		return ClassTransient
	default:
		return ClassOther
	}
}
