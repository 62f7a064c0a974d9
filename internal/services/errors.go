package services

import (
	"errors"
	"fmt"
)

// ErrorKind groups CAS failures by the stage that produced them.
type ErrorKind string

const (
	KindConfiguration  ErrorKind = "configuration"
	KindProtocol       ErrorKind = "protocol"
	KindReconciliation ErrorKind = "reconciliation"
	KindPersistence    ErrorKind = "persistence"
	KindSync           ErrorKind = "sync"
)

const (
	ReasonDisabled                 = "disabled"
	ReasonTicketInvalid            = "ticket_invalid"
	ReasonServerUnreachable        = "server_unreachable"
	ReasonMalformedResponse        = "malformed_response"
	ReasonUserNotAllowed           = "user_not_allowed"
	ReasonExternalIdentityMismatch = "external_identity_mismatch"
)

// CASError is returned by the login pipeline. Two CASErrors match under
// errors.Is when kind and reason agree, so callers can compare against the
// sentinels below regardless of message or wrapped cause.
type CASError struct {
	Kind    ErrorKind
	Reason  string
	Message string
	Err     error
}

func (e *CASError) Error() string {
	msg := string(e.Kind)
	if e.Reason != "" {
		msg += "(" + e.Reason + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CASError) Unwrap() error { return e.Err }

func (e *CASError) Is(target error) bool {
	t, ok := target.(*CASError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Reason == t.Reason
}

var (
	ErrCASDisabled              = &CASError{Kind: KindConfiguration, Reason: ReasonDisabled}
	ErrTicketInvalid            = &CASError{Kind: KindProtocol, Reason: ReasonTicketInvalid}
	ErrServerUnreachable        = &CASError{Kind: KindProtocol, Reason: ReasonServerUnreachable}
	ErrMalformedResponse        = &CASError{Kind: KindProtocol, Reason: ReasonMalformedResponse}
	ErrUserNotAllowed           = &CASError{Kind: KindReconciliation, Reason: ReasonUserNotAllowed}
	ErrExternalIdentityMismatch = &CASError{Kind: KindReconciliation, Reason: ReasonExternalIdentityMismatch}
	ErrPersistence              = &CASError{Kind: KindPersistence}
)

func configurationError(reason, msg string) *CASError {
	return &CASError{Kind: KindConfiguration, Reason: reason, Message: msg}
}

func protocolError(reason string, err error, format string, args ...interface{}) *CASError {
	return &CASError{Kind: KindProtocol, Reason: reason, Message: fmt.Sprintf(format, args...), Err: err}
}

func reconciliationError(reason, msg string) *CASError {
	return &CASError{Kind: KindReconciliation, Reason: reason, Message: msg}
}

func persistenceError(op string, err error) *CASError {
	return &CASError{Kind: KindPersistence, Message: op, Err: err}
}

func syncError(op string, err error) *CASError {
	return &CASError{Kind: KindSync, Message: op, Err: err}
}

// IsCASError reports whether err carries a CASError and returns it.
func IsCASError(err error) (*CASError, bool) {
	var casErr *CASError
	if errors.As(err, &casErr) {
		return casErr, true
	}
	return nil, false
}
