// Package account defines the remote-account client the issuance flow drives,
// and a gRPC adapter for a gateway sidecar that speaks the account protocol.
package account

import (
	"context"
	"errors"
)

// Connector opens one connection to the remote account service per issuance attempt.
type Connector interface {
	Connect(ctx context.Context, phone string) (Conn, error)
}

// Conn is a single open connection. It is owned by exactly one issuance session,
// which must Close it exactly once.
type Conn interface {
	// RequestCode asks the remote service to send a login code to phone and
	// returns the verification handle needed by SignIn.
	RequestCode(ctx context.Context, phone string) (string, error)
	SignIn(ctx context.Context, phone, code, handle string) error
	// ExportSession returns the materialized session artifact after a successful
	// SignIn, or ErrArtifactMissing.
	ExportSession(ctx context.Context) ([]byte, error)
	Close() error
}

var (
	ErrUnavailable     = errors.New("account: remote service unavailable")
	ErrRejected        = errors.New("account: request rejected")
	ErrCodeInvalid     = errors.New("account: verification code rejected")
	ErrCodeExpired     = errors.New("account: verification code expired")
	ErrArtifactMissing = errors.New("account: session artifact not found")
)

// RemoteError carries the remote service's own message so it can be shown to the
// requester verbatim, while still matching one of the sentinel errors above.
type RemoteError struct {
	Method  string
	Message string
	Kind    error
}

func (e *RemoteError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Kind != nil {
		return e.Kind.Error()
	}
	return "remote call " + e.Method + " failed"
}

func (e *RemoteError) Unwrap() error { return e.Kind }

// Message returns the text to show a requester for err.
func Message(err error) string {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Error()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
