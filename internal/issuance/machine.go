package issuance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sessiongen.org/internal/account"
	"sessiongen.org/internal/audit"
	"sessiongen.org/internal/credstore"
	"sessiongen.org/internal/ids"
)

// ArtifactStore persists a materialized artifact for a phone number.
type ArtifactStore interface {
	Put(requester, phone string, artifact []byte) error
}

// AuditLog appends terminal outcomes.
type AuditLog interface {
	Append(rec audit.Record) error
}

// DefaultTTL bounds how long a session may wait for the requester.
const DefaultTTL = 5 * time.Minute

// Machine drives Sessions through their transitions. It holds no per-session
// state and is safe for concurrent use across different sessions.
type Machine struct {
	connector   account.Connector
	store       ArtifactStore
	log         AuditLog
	ttl         time.Duration
	callTimeout time.Duration
	now         func() time.Time
}

// Option customises a Machine.
type Option func(*Machine)

// WithTTL sets the session expiry measured from StartedAt.
func WithTTL(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithCallTimeout bounds each remote-account call. Zero disables the bound.
func WithCallTimeout(d time.Duration) Option {
	return func(m *Machine) { m.callTimeout = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// NewMachine wires the state machine to its collaborators.
func NewMachine(connector account.Connector, store ArtifactStore, log AuditLog, opts ...Option) *Machine {
	m := &Machine{
		connector:   connector,
		store:       store,
		log:         log,
		ttl:         DefaultTTL,
		callTimeout: 30 * time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the configured session lifetime.
func (m *Machine) TTL() time.Duration { return m.ttl }

// Begin creates a fresh session in AwaitingPhone.
func (m *Machine) Begin(requester string) *Session {
	now := m.now()
	return &Session{
		Requester: requester,
		AttemptID: ids.NewAt(now),
		StartedAt: now,
		state:     AwaitingPhone,
	}
}

// Expired reports whether a live session has outlived the TTL.
func (m *Machine) Expired(s *Session) bool {
	if s.state == Terminal {
		return false
	}
	return !m.now().Before(s.StartedAt.Add(m.ttl))
}

// SubmitPhone handles the phone step. An invalid format leaves the session in
// AwaitingPhone without touching the remote service.
func (m *Machine) SubmitPhone(ctx context.Context, s *Session, text string) Result {
	if s.state != AwaitingPhone {
		return m.finish(s, Result{Kind: StateLost, Err: ErrStateLost})
	}
	if m.Expired(s) {
		return m.Expire(s)
	}
	phone, err := ValidatePhone(text)
	if err != nil {
		return Result{Kind: PhoneRejected, Err: err}
	}
	s.phone = phone

	ctx, cancel := m.callContext(ctx)
	defer cancel()

	conn, err := m.connector.Connect(ctx, phone)
	if err != nil {
		return m.finish(s, Result{Kind: SendCodeFailed, Err: err})
	}
	s.conn = conn

	handle, err := conn.RequestCode(ctx, phone)
	if m.Expired(s) {
		// The session ran out while the call was in flight; its result is discarded.
		return m.Expire(s)
	}
	if err != nil {
		return m.finish(s, Result{Kind: SendCodeFailed, Err: err})
	}
	s.handle = handle
	s.state = AwaitingCode
	return Result{Kind: CodeSent, Phone: phone}
}

// SubmitCode handles the code step. The session is terminal afterwards whatever
// the outcome, and the remote connection is released.
func (m *Machine) SubmitCode(ctx context.Context, s *Session, text string) Result {
	if s.state != AwaitingCode {
		return m.finish(s, Result{Kind: StateLost, Err: ErrStateLost})
	}
	if m.Expired(s) {
		return m.Expire(s)
	}
	if s.conn == nil || s.handle == "" || s.phone == "" {
		return m.finish(s, Result{Kind: StateLost, Err: ErrStateLost})
	}
	code := NormalizeCode(text)
	phone := s.phone

	ctx, cancel := m.callContext(ctx)
	defer cancel()

	err := s.conn.SignIn(ctx, phone, code, s.handle)
	if m.Expired(s) {
		return m.Expire(s)
	}
	if err != nil {
		return m.finish(s, Result{Kind: SignInFailed, Err: err})
	}

	data, err := s.conn.ExportSession(ctx)
	switch {
	case errors.Is(err, account.ErrArtifactMissing), err == nil && len(data) == 0:
		return m.finish(s, Result{Kind: ArtifactMissing, Err: account.ErrArtifactMissing})
	case err != nil:
		return m.finish(s, Result{Kind: ArtifactMissing, Err: fmt.Errorf("%w: %v", account.ErrArtifactMissing, err)})
	}

	name, err := credstore.Filename(phone)
	if err != nil {
		return m.finish(s, Result{Kind: StateLost, Err: fmt.Errorf("%w: %v", ErrStateLost, err)})
	}
	if err := m.store.Put(s.Requester, phone, data); err != nil {
		return m.finish(s, Result{Kind: StorageFailed, Err: fmt.Errorf("%w: %v", ErrStorage, err)})
	}
	return m.finish(s, Result{Kind: Succeeded, Artifact: &Artifact{Filename: name, Data: data}})
}

// Cancel ends the session at the requester's request. Cancelling a finished
// session is a no-op.
func (m *Machine) Cancel(s *Session) Result {
	if s.state == Terminal {
		return Result{Kind: Cancelled}
	}
	return m.finish(s, Result{Kind: Cancelled})
}

// Expire ends a session that outlived its TTL.
func (m *Machine) Expire(s *Session) Result {
	if s.state == Terminal {
		return Result{Kind: Expired, Err: ErrExpired}
	}
	return m.finish(s, Result{Kind: Expired, Err: ErrExpired})
}

// Abort ends a session after an internal fault. It is recorded as a lost-state failure.
func (m *Machine) Abort(s *Session, cause error) Result {
	if s.state == Terminal {
		return Result{Kind: StateLost, Err: ErrStateLost}
	}
	return m.finish(s, Result{Kind: StateLost, Err: fmt.Errorf("%w: %v", ErrStateLost, cause)})
}

// finish is the single exit for every terminal transition: release the session's
// resources, then record the outcome. Without a phone only expiry is recorded.
func (m *Machine) finish(s *Session, res Result) Result {
	phone := s.phone
	if res.Phone == "" {
		res.Phone = phone
	}
	res.CloseErr = s.release()
	s.state = Terminal

	if phone == "" && res.Kind != Expired {
		return res
	}
	rec := audit.Record{
		Time:      m.now(),
		Requester: s.Requester,
		Phone:     phone,
		Outcome:   res.Kind.Outcome(),
		Reason:    res.Kind.String(),
	}
	if err := m.log.Append(rec); err != nil {
		res.AuditErr = err
		if res.Kind == Succeeded {
			// An unrecorded success is not delivered.
			res.Kind = StorageFailed
			res.Err = fmt.Errorf("%w: %v", ErrStorage, err)
			res.Artifact = nil
		}
	}
	return res
}

func (m *Machine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.callTimeout > 0 {
		return context.WithTimeout(ctx, m.callTimeout)
	}
	return context.WithCancel(ctx)
}
