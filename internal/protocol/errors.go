package protocol

import (
	"errors"
	"fmt"

	"opsgate/internal/confirm"
)

// ConflictError reports an idempotency key whose first execution is still in
// flight. The caller should retry later rather than re-preview.
type ConflictError struct {
	Key string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("execution for idempotency key %q is already in progress", e.Key)
}

// DomainError wraps a business-rule failure from an action. The idempotency
// key used for the attempt remains retryable.
type DomainError struct {
	Op  string
	Err error
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// Error kinds shared with the token layer so callers can classify failures
// without matching message strings.
const (
	KindConflict    = "conflict"
	KindDomainError = "domain_error"
)

// KindOf classifies any error produced by the orchestrator into the protocol
// taxonomy; it returns "" for errors outside it (infrastructure failures).
func KindOf(err error) string {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return KindConflict
	}
	var domain *DomainError
	if errors.As(err, &domain) {
		return KindDomainError
	}
	if kind := confirm.KindOf(err); kind != "" {
		return string(kind)
	}
	return ""
}
