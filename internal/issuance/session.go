// Package issuance implements the per-requester issuance conversation:
// phone, then verification code, then artifact materialization.
package issuance

import (
	"time"

	"sessiongen.org/internal/account"
)

// State is the position of a Session in the issuance conversation.
type State int

const (
	AwaitingPhone State = iota
	AwaitingCode
	Terminal
)

func (s State) String() string {
	switch s {
	case AwaitingPhone:
		return "awaiting_phone"
	case AwaitingCode:
		return "awaiting_code"
	case Terminal:
		return "terminal"
	}
	return "unknown"
}

// Session is the live state of one issuance attempt. It exclusively owns at most one
// remote connection. A Session is not safe for concurrent use; the orchestrator
// serializes events per requester.
type Session struct {
	Requester string
	AttemptID string
	StartedAt time.Time

	state    State
	phone    string
	conn     account.Conn
	handle   string
	released bool
}

// State returns the current conversation state.
func (s *Session) State() State { return s.state }

// Phone returns the validated phone, empty before the phone step and after release.
func (s *Session) Phone() string { return s.phone }

// release closes the remote connection and clears buffered secrets. Only the first
// call has any effect.
func (s *Session) release() error {
	if s.released {
		return nil
	}
	s.released = true
	var err error
	if s.conn != nil {
		err = s.conn.Close()
		s.conn = nil
	}
	s.handle = ""
	s.phone = ""
	return err
}

// Artifact is a materialized session credential ready for delivery.
type Artifact struct {
	Filename string
	Data     []byte
}
