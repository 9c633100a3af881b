package driver

import (
	"errors"
	"fmt"
)

// Kind classifies adapter failures so the sync pipeline can decide retry
// vs. skip vs. abort at the right granularity.
type Kind int

const (
	// KindAuth: token invalid or revoked. Not retryable; the caller must
	// surface a reconnect signal and must never reset stored credentials.
	KindAuth Kind = iota
	// KindTransient: rate limit or provider 5xx. Safe to retry with backoff.
	KindTransient
	// KindNotFound: thread, message or cursor absent on the provider side.
	KindNotFound
	// KindUnsupported: the operation has no equivalent on this provider
	// (e.g. server-side drafts on the locally-backed adapter).
	KindUnsupported
	// KindValidation: malformed input rejected before any provider call.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindUnsupported:
		return "unsupported"
	case KindValidation:
		return "validation"
	}
	return "unknown"
}

// Error is the typed failure every adapter returns.
type Error struct {
	Kind     Kind
	Provider string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s %s: %v", e.Provider, e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s %s", e.Provider, e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind Kind, provider, op string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Op: op, Err: err}
}

func kindOf(err error) (Kind, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return 0, false
}

func IsAuth(err error) bool        { k, ok := kindOf(err); return ok && k == KindAuth }
func IsTransient(err error) bool   { k, ok := kindOf(err); return ok && k == KindTransient }
func IsNotFound(err error) bool    { k, ok := kindOf(err); return ok && k == KindNotFound }
func IsUnsupported(err error) bool { k, ok := kindOf(err); return ok && k == KindUnsupported }
func IsValidation(err error) bool  { k, ok := kindOf(err); return ok && k == KindValidation }
