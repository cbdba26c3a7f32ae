// Package s4err defines the error taxonomy shared by every protocol
// handler. A single typed error carries enough information for the
// HTTP layer to pick a status code without re-deriving intent from
// string matching, and for cmd-failure bodies to carry structured
// stdout/stderr/exitcode payloads.
package s4err

import "fmt"

// Kind is one of the seven error kinds every handler can return.
type Kind string

const (
	KindMalformed     Kind = "malformed"
	KindNotFound      Kind = "not_found"
	KindAlreadyExists Kind = "already_exists"
	KindBusy          Kind = "busy"
	KindCmdFailure    Kind = "cmd_failure"
	KindIntegrity     Kind = "integrity"
	KindInternal      Kind = "internal"
)

// CmdResult is the structured body returned alongside KindCmdFailure:
// {stdout, stderr, exitcode}.
type CmdResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitcode"`
}

// Error is the concrete error type every internal package returns.
type Error struct {
	Kind Kind
	Msg  string
	// Body carries the {stdout,stderr,exitcode} payload for
	// KindCmdFailure; nil otherwise.
	Body *CmdResult
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// New constructs an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WithBody attaches a CmdResult body, for KindCmdFailure.
func (e *Error) WithBody(body *CmdResult) *Error {
	e.Body = body
	return e
}

// Retryable reports whether the client-facing status for this error is
// in the retry set (429 always, 500 by policy).
func (e *Error) Retryable() bool {
	return e.Kind == KindBusy || e.Kind == KindInternal || e.Kind == KindIntegrity
}

// As extracts an *Error from err, if any, the way errors.As would.
func As(err error) (*Error, bool) {
	se, ok := err.(*Error)
	return se, ok
}
