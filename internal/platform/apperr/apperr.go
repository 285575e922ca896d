// Package apperr defines the failure kinds of a probe run.
//
// Every failure is fatal. An *Error carries one kind, a short context string
// (the config key, the certificate path, the SQL operation) and the cause, and
// matches both the kind and the cause under errors.Is / errors.As.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrConfig           = errors.New("config error")
	ErrCertificateIO    = errors.New("certificate io error")
	ErrCertificateParse = errors.New("certificate parse error")
	ErrPoolCreation     = errors.New("pool creation error")
	ErrConnection       = errors.New("connection error")
	ErrQuery            = errors.New("query error")
	ErrDecode           = errors.New("decode error")
)

// Error is a classified failure.
type Error struct {
	Kind    error
	Context string
	Err     error
}

// New classifies cause under kind. cause may be nil.
func New(kind error, context string, cause error) *Error {
	return &Error{Kind: kind, Context: context, Err: cause}
}

// Errorf is New with a formatted cause.
func Errorf(kind error, context, format string, args ...any) *Error {
	return New(kind, context, fmt.Errorf(format, args...))
}

func (e *Error) Error() string {
	s := e.Kind.Error()
	if e.Context != "" {
		s += ": " + e.Context
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

var kinds = []struct {
	kind error
	code int
}{
	{ErrConfig, 2},
	{ErrCertificateIO, 3},
	{ErrCertificateParse, 4},
	{ErrPoolCreation, 5},
	{ErrConnection, 6},
	{ErrQuery, 7},
	{ErrDecode, 8},
}

// KindOf returns the kind err was classified under, or nil.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nil
}

// ExitCode maps err to a process exit status: 0 for nil, a per-kind code for
// classified failures and 1 for anything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	kind := KindOf(err)
	for _, k := range kinds {
		if k.kind == kind {
			return k.code
		}
	}
	return 1
}
