// Package apperr is the error taxonomy every user-facing operation resolves to.
// Raw transport errors never cross the dispatcher boundary; they are
// converted here first.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"pottsmarket/internal/market"
	"pottsmarket/internal/settlement"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindAuthRequired
	KindInvalidCredentials
	KindValidation
	KindConflict
	KindInFlight
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuthRequired:
		return "auth_required"
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindInFlight:
		return "in_flight"
	case KindRejected:
		return "rejected"
	}
	return "unknown"
}

type Error struct {
	Kind    Kind
	Op      string
	Field   string
	Message string
	// Reason is the normalized server refusal, e.g. "insufficient funds".
	Reason string
	Fields map[string]string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func InFlight(op, target string) *Error {
	return &Error{Kind: KindInFlight, Op: op, Message: fmt.Sprintf("%s already in flight for %s", op, target)}
}

func Conflict(op, message string) *Error {
	return &Error{Kind: KindConflict, Op: op, Message: message}
}

func AuthRequired(op string) *Error {
	return &Error{Kind: KindAuthRequired, Op: op, Message: "sign in required"}
}

// Invalid wraps a local validation failure. market.FieldError supplies the field.
func Invalid(op string, err error) *Error {
	out := &Error{Kind: KindValidation, Op: op, Message: err.Error(), Err: err}
	var fe *market.FieldError
	if errors.As(err, &fe) {
		out.Field = fe.Field
		out.Message = fe.Err.Error()
	}
	return out
}

func InvalidField(op, field string, err error) *Error {
	return &Error{Kind: KindValidation, Op: op, Field: field, Message: err.Error(), Err: err}
}

// Classify converts a settlement client failure into the taxonomy.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return err
	}
	var apiErr *settlement.APIError
	if !errors.As(err, &apiErr) {
		msg := "settlement service unreachable"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "settlement service timed out"
		}
		return &Error{Kind: KindNetwork, Op: op, Message: msg, Err: err}
	}
	out := &Error{Op: op, Err: err, Message: apiErr.Message}
	switch {
	case apiErr.Status == http.StatusUnauthorized:
		out.Kind = KindAuthRequired
		if out.Message == "" {
			out.Message = "sign in required"
		}
	case apiErr.Status == http.StatusNotFound, apiErr.Status == http.StatusConflict:
		out.Kind = KindConflict
		if out.Message == "" {
			out.Message = "market changed or no longer exists"
		}
	case len(apiErr.Fields) > 0:
		out.Kind = KindValidation
		out.Fields = apiErr.Fields
		out.Field, out.Message = firstField(apiErr.Fields)
	case apiErr.Status >= 500:
		out.Kind = KindNetwork
		if out.Message == "" {
			out.Message = "settlement service error"
		}
	case apiErr.Status >= 400:
		out.Kind = KindRejected
		out.Reason = normalizeReason(apiErr.Message)
		if out.Message == "" {
			out.Message = http.StatusText(apiErr.Status)
		}
	default:
		out.Kind = KindNetwork
	}
	return out
}

func firstField(fields map[string]string) (string, string) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys[0], fields[keys[0]]
}

func normalizeReason(msg string) string {
	msg = strings.ToLower(strings.TrimSpace(msg))
	return strings.TrimRight(msg, ".!")
}
