package provider

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrNotReady      = errors.New("backend not ready")
	ErrQueryClosed   = errors.New("query closed")
	ErrUnsupported   = errors.New("operation not supported by backend")
	ErrUnknownKind   = errors.New("unknown backend kind")
	ErrProcessExited = errors.New("CLI process exited")
)

// ConfigurationError reports a backend that cannot serve a query: it is not
// registered, not active, or missing a credential. It is always returned
// synchronously, before any stream exists.
type ConfigurationError struct {
	Backend Kind
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("backend %s is not configured: %s", e.Backend, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrNotReady
}

// TransportError is a non-2xx response or a failed subprocess. Adapters never
// return it out of a stream; its text becomes the terminal Result.
type TransportError struct {
	Status int
	Body   string
	Err    error
}

func (e *TransportError) Error() string {
	switch {
	case e.Status != 0 && e.Body != "":
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
	case e.Status != 0:
		return fmt.Sprintf("HTTP %d", e.Status)
	case e.Err != nil && e.Body != "":
		return fmt.Sprintf("%v: %s", e.Err, e.Body)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return "transport failure"
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ParseError is a malformed frame or unparseable fragment. It is logged and
// recovered from where it happens.
type ParseError struct {
	Context string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Context, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
