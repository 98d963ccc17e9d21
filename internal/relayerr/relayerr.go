// Package relayerr implements the relay's tagged error taxonomy: an *Error
// carries a Kind that projects onto an
// HTTP status (for request handlers) and a retry classification (for job
// workers), per the relay's error handling design.
package relayerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind tags the category of failure carried by an *Error. Plain errors that
// are not an *Error have no Kind; Classify treats them as backoff-worthy.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotSubscribed
	KindNotAllowed
	KindWrongActor
	KindBadActor
	KindNoSignature
	KindActivityKind
	KindMissingID
	KindMissingDomain
	KindHostMismatch
	KindDuplicate
	KindBreaker
	KindStatus
	KindSendRequest
	KindReceiveResponse
	KindSignature
	KindVerifySignature
	KindCanceled
	KindConfig
	KindStorage
	KindBodyTooLarge
)

func (k Kind) String() string {
	switch k {
	case KindNotSubscribed:
		return "not_subscribed"
	case KindNotAllowed:
		return "not_allowed"
	case KindWrongActor:
		return "wrong_actor"
	case KindBadActor:
		return "bad_actor"
	case KindNoSignature:
		return "no_signature"
	case KindActivityKind:
		return "kind"
	case KindMissingID:
		return "missing_id"
	case KindMissingDomain:
		return "missing_domain"
	case KindHostMismatch:
		return "host_mismatch"
	case KindDuplicate:
		return "duplicate"
	case KindBreaker:
		return "breaker"
	case KindStatus:
		return "status"
	case KindSendRequest:
		return "send_request"
	case KindReceiveResponse:
		return "receive_response"
	case KindSignature:
		return "signature"
	case KindVerifySignature:
		return "verify_signature"
	case KindCanceled:
		return "canceled"
	case KindConfig:
		return "config"
	case KindStorage:
		return "storage"
	case KindBodyTooLarge:
		return "body_too_large"
	default:
		return "unknown"
	}
}

// Error is the relay's single structured error type. It is a value type —
// cloning it is just a struct copy — but still chains to an underlying cause
// via Source, so errors.Is/errors.As continue to work across the clone.
type Error struct {
	Kind      Kind
	Actor      string // actor IRI implicated, if any
	Authority string // remote authority implicated, if any (breaker/status errors)
	Code      int    // HTTP status code, for KindStatus
	Detail    string
	Source    error
}

func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

func Wrap(kind Kind, detail string, source error) *Error {
	return &Error{Kind: kind, Detail: detail, Source: source}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Detail != "" {
		msg = e.Detail
	}
	if e.Authority != "" {
		msg = fmt.Sprintf("%s (authority=%s)", msg, e.Authority)
	}
	if e.Source != nil {
		return fmt.Sprintf("%s: %v", msg, e.Source)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Source }

// HTTPStatus projects the error kind onto an HTTP status code, per the
// relay's error-to-response mapping.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotAllowed, KindWrongActor, KindBadActor:
		return http.StatusForbidden
	case KindNotSubscribed:
		return http.StatusUnauthorized
	case KindDuplicate:
		return http.StatusAccepted
	case KindActivityKind, KindMissingID, KindNoSignature, KindBodyTooLarge:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// RetryClass describes how a job worker should react to this error.
type RetryClass int

const (
	// RetryDrop means the job should be dead-lettered without another attempt.
	RetryDrop RetryClass = iota
	// RetryBackoff means the job should be rescheduled with exponential backoff.
	RetryBackoff
	// RetryImmediate means the job should be retried without delay and without
	// counting against the attempt budget (used for context cancellation).
	RetryImmediate
)

// Classify returns the retry classification for a delivery job failure, per
// the relay's retry policy. A plain (non-*Error) error is treated as a
// backoff-worthy failure — unknown failures are assumed transient.
func Classify(err error) RetryClass {
	var re *Error
	if !errors.As(err, &re) {
		return RetryBackoff
	}
	switch re.Kind {
	case KindBreaker, KindNotAllowed, KindWrongActor:
		return RetryDrop
	case KindStatus:
		if re.Code == 408 || re.Code == 429 || re.Code >= 500 {
			return RetryBackoff
		}
		return RetryDrop
	case KindSendRequest, KindReceiveResponse:
		return RetryBackoff
	case KindCanceled:
		return RetryImmediate
	default:
		return RetryBackoff
	}
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind == kind
	}
	return false
}
