// Package accounttest provides an in-memory account.Connector for tests. It counts
// opened and closed connections so tests can assert that none leak or double-close.
package accounttest

import (
	"context"
	"sync"

	"sessiongen.org/internal/account"
)

// Connector is a scripted remote-account service.
type Connector struct {
	mu sync.Mutex

	// Code is the verification code SignIn accepts.
	Code string
	// Artifact is returned by ExportSession; empty means ErrArtifactMissing.
	Artifact []byte

	ConnectErr     error
	RequestCodeErr error
	SignInErr      error
	ExportErr      error

	// OnRequestCode, OnSignIn and OnClose run inside the call, e.g. to advance a fake clock.
	OnRequestCode func()
	OnSignIn      func()
	OnClose       func()

	opened       int
	closed       int
	doubleClosed int
	signIns      []SignIn
}

// SignIn records one verification attempt.
type SignIn struct {
	Phone  string
	Code   string
	Handle string
}

// New returns a connector that accepts code and materializes artifact.
func New(code string, artifact []byte) *Connector {
	return &Connector{Code: code, Artifact: artifact}
}

func (c *Connector) Connect(ctx context.Context, phone string) (account.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ConnectErr != nil {
		return nil, c.ConnectErr
	}
	c.opened++
	return &conn{parent: c, phone: phone}, nil
}

// Opened returns the number of connections handed out.
func (c *Connector) Opened() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened
}

// Closed returns the number of distinct connections closed.
func (c *Connector) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// DoubleClosed returns how many times an already closed connection was closed again.
func (c *Connector) DoubleClosed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doubleClosed
}

// Live returns the number of open connections.
func (c *Connector) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened - c.closed
}

// SignIns returns the recorded verification attempts.
func (c *Connector) SignIns() []SignIn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SignIn, len(c.signIns))
	copy(out, c.signIns)
	return out
}

type conn struct {
	parent *Connector
	phone  string
	closed bool
}

func (c *conn) RequestCode(ctx context.Context, phone string) (string, error) {
	p := c.parent
	p.mu.Lock()
	hook, err := p.OnRequestCode, p.RequestCodeErr
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return "", err
	}
	return "hash-" + phone, nil
}

func (c *conn) SignIn(ctx context.Context, phone, code, handle string) error {
	p := c.parent
	p.mu.Lock()
	p.signIns = append(p.signIns, SignIn{Phone: phone, Code: code, Handle: handle})
	hook, err, want := p.OnSignIn, p.SignInErr, p.Code
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return err
	}
	if handle != "hash-"+phone {
		return &account.RemoteError{Method: "SignIn", Message: "PHONE_CODE_EXPIRED", Kind: account.ErrCodeExpired}
	}
	if code != want {
		return &account.RemoteError{Method: "SignIn", Message: "PHONE_CODE_INVALID", Kind: account.ErrCodeInvalid}
	}
	return nil
}

func (c *conn) ExportSession(ctx context.Context) ([]byte, error) {
	p := c.parent
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ExportErr != nil {
		return nil, p.ExportErr
	}
	if len(p.Artifact) == 0 {
		return nil, account.ErrArtifactMissing
	}
	out := make([]byte, len(p.Artifact))
	copy(out, p.Artifact)
	return out, nil
}

func (c *conn) Close() error {
	p := c.parent
	p.mu.Lock()
	hook := p.OnClose
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.closed {
		p.doubleClosed++
		return nil
	}
	c.closed = true
	p.closed++
	return nil
}
