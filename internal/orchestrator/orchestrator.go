// Package orchestrator routes chat events to per-requester issuance sessions.
// Events of one requester are processed one at a time; different requesters
// proceed concurrently.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sessiongen.org/internal/audit"
	"sessiongen.org/internal/auth"
	"sessiongen.org/internal/issuance"
	"sessiongen.org/internal/obs"
)

// Transport delivers replies back to the chat side.
type Transport interface {
	ReplyText(ctx context.Context, requester, text string) error
	ReplyDocument(ctx context.Context, requester string, data []byte, filename, caption string) error
}

// ArtifactCounter reports how many artifacts have been materialized.
type ArtifactCounter interface {
	CountArtifacts() (int, error)
}

// RecordCounter reports aggregate audit figures.
type RecordCounter interface {
	Count() (int, error)
	CountOutcomes() (map[audit.Outcome]int, error)
}

// DefaultSweepInterval is how often Run looks for expired sessions.
const DefaultSweepInterval = 15 * time.Second

var ErrClosed = errors.New("orchestrator: closed")

// Orchestrator owns the requester-keyed session map.
type Orchestrator struct {
	gate      *auth.Gate
	machine   *issuance.Machine
	artifacts ArtifactCounter
	records   RecordCounter
	out       Transport

	sweepEvery time.Duration
	now        func() time.Time

	mu     sync.Mutex
	slots  map[string]*slot
	closed bool
	live   atomic.Int64
}

// slot serializes the events of one requester and holds its live session, if any.
type slot struct {
	mu      sync.Mutex
	session *issuance.Session
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithSweepInterval sets how often Run checks for expired sessions.
func WithSweepInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.sweepEvery = d
		}
	}
}

// WithClock overrides time.Now for reply timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New builds an orchestrator from its collaborators.
func New(gate *auth.Gate, machine *issuance.Machine, artifacts ArtifactCounter, records RecordCounter, out Transport, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		gate:       gate,
		machine:    machine,
		artifacts:  artifacts,
		records:    records,
		out:        out,
		sweepEvery: DefaultSweepInterval,
		now:        time.Now,
		slots:      make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Active returns the number of live sessions.
func (o *Orchestrator) Active() int { return int(o.live.Load()) }

// Start begins a new issuance for an authorized requester. A live session is
// superseded: it is cancelled and the requester is told before the new prompt.
func (o *Orchestrator) Start(ctx context.Context, requester string) {
	ctx = auth.ContextWithRequester(ctx, requester)
	if err := o.gate.Admit(requester); err != nil {
		switch {
		case errors.Is(err, auth.ErrUnauthorized):
			o.deny(ctx, requester, "start", msgStartDenied)
		case errors.Is(err, auth.ErrRateLimited):
			_ = audit.LogEvent(ctx, "issuance.rate_limited", nil)
			o.reply(ctx, requester, msgRateLimited)
		default:
			o.reply(ctx, requester, msgInternal)
		}
		return
	}

	sl, err := o.slot(requester)
	if err != nil {
		o.reply(ctx, requester, msgShuttingDown)
		return
	}
	o.begin(ctx, requester, sl)
}

// begin replaces the slot's session with a fresh one.
func (o *Orchestrator) begin(ctx context.Context, requester string, sl *slot) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	// Close may have flipped the flag between slot and Lock.
	if o.isClosed() {
		o.reply(ctx, requester, msgShuttingDown)
		return
	}
	defer o.recoverStep(ctx, requester, sl)

	if old := sl.session; old != nil {
		octx := audit.WithAttemptID(ctx, old.AttemptID)
		res := o.machine.Cancel(old)
		o.clear(sl)
		o.record(octx, res, "superseded")
		o.reply(octx, requester, msgSuperseded)
	}

	s := o.machine.Begin(requester)
	o.set(sl, s)
	_ = audit.LogEvent(audit.WithAttemptID(ctx, s.AttemptID), "issuance.started", map[string]any{
		"ttl_seconds": int(o.machine.TTL().Seconds()),
	})
	o.reply(ctx, requester, msgPhonePrompt)
}

// Text feeds a plain message to the requester's live session.
func (o *Orchestrator) Text(ctx context.Context, requester, text string) {
	ctx = auth.ContextWithRequester(ctx, requester)
	sl := o.lookup(requester)
	if sl == nil {
		o.reply(ctx, requester, msgNoSession)
		return
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()

	s := sl.session
	if s == nil {
		o.reply(ctx, requester, msgNoSession)
		return
	}
	ctx = audit.WithAttemptID(ctx, s.AttemptID)
	defer o.recoverStep(ctx, requester, sl)

	// The roster may have been reloaded since Start.
	if !o.gate.IsAuthorized(requester) {
		res := o.machine.Cancel(s)
		o.clear(sl)
		o.record(ctx, res, "revoked")
		o.deny(ctx, requester, "text", msgStartDenied)
		return
	}
	if o.machine.Expired(s) {
		o.conclude(ctx, requester, sl, o.machine.Expire(s))
		return
	}

	var res issuance.Result
	switch s.State() {
	case issuance.AwaitingPhone:
		if phone, err := issuance.ValidatePhone(text); err == nil {
			o.reply(ctx, requester, fmt.Sprintf(msgSendingCode, phone))
		}
		res = o.machine.SubmitPhone(ctx, s, text)
	case issuance.AwaitingCode:
		res = o.machine.SubmitCode(ctx, s, text)
	default:
		res = o.machine.Abort(s, fmt.Errorf("session in state %v", s.State()))
	}
	o.conclude(ctx, requester, sl, res)
}

// Cancel ends the requester's live session, if any.
func (o *Orchestrator) Cancel(ctx context.Context, requester string) {
	ctx = auth.ContextWithRequester(ctx, requester)
	sl := o.lookup(requester)
	if sl == nil {
		o.reply(ctx, requester, msgNothingToCancel)
		return
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.session == nil {
		o.reply(ctx, requester, msgNothingToCancel)
		return
	}
	ctx = audit.WithAttemptID(ctx, sl.session.AttemptID)
	defer o.recoverStep(ctx, requester, sl)
	o.conclude(ctx, requester, sl, o.machine.Cancel(sl.session))
}

// Stats replies with aggregate counts. It never touches a session.
func (o *Orchestrator) Stats(ctx context.Context, requester string) {
	ctx = auth.ContextWithRequester(ctx, requester)
	if !o.gate.IsAuthorized(requester) {
		o.deny(ctx, requester, "stats", msgStatsDenied)
		return
	}
	artifacts, err := o.artifacts.CountArtifacts()
	if err != nil {
		obs.Error("stats: count artifacts", map[string]any{"error": err.Error()})
		o.reply(ctx, requester, msgStatsFailed)
		return
	}
	total, err := o.records.Count()
	if err != nil {
		obs.Error("stats: count records", map[string]any{"error": err.Error()})
		o.reply(ctx, requester, msgStatsFailed)
		return
	}
	outcomes, err := o.records.CountOutcomes()
	if err != nil {
		obs.Error("stats: count outcomes", map[string]any{"error": err.Error()})
		o.reply(ctx, requester, msgStatsFailed)
		return
	}
	o.reply(ctx, requester, formatStats(artifacts, total, outcomes, o.Active(), o.now()))
}

// Run sweeps expired sessions until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Sweep(ctx)
		}
	}
}

// Sweep expires sessions that outlived the TTL and returns how many it ended.
// Requesters with an event in flight are left for the next sweep; that event
// checks expiry itself.
func (o *Orchestrator) Sweep(ctx context.Context) int {
	n := 0
	for requester, sl := range o.snapshot() {
		if o.sweepSlot(ctx, requester, sl) {
			n++
		}
	}
	return n
}

func (o *Orchestrator) sweepSlot(ctx context.Context, requester string, sl *slot) (expired bool) {
	if !sl.mu.TryLock() {
		return false
	}
	defer sl.mu.Unlock()
	s := sl.session
	if s == nil || !o.machine.Expired(s) {
		return false
	}
	ctx = audit.WithAttemptID(auth.ContextWithRequester(ctx, requester), s.AttemptID)
	defer o.recoverStep(ctx, requester, sl)
	expired = true
	o.conclude(ctx, requester, sl, o.machine.Expire(s))
	return expired
}

// Close cancels every live session and refuses new ones. In-flight events finish first.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	for requester, sl := range o.snapshot() {
		o.closeSlot(requester, sl)
	}
}

func (o *Orchestrator) closeSlot(requester string, sl *slot) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	s := sl.session
	if s == nil {
		return
	}
	ctx := audit.WithAttemptID(auth.ContextWithRequester(context.Background(), requester), s.AttemptID)
	defer o.recoverStep(ctx, requester, sl)
	res := o.machine.Cancel(s)
	o.clear(sl)
	o.record(ctx, res, "shutdown")
	o.reply(ctx, requester, msgShuttingDown)
}

// conclude reports a step result and drops the session once it is terminal.
func (o *Orchestrator) conclude(ctx context.Context, requester string, sl *slot, res issuance.Result) {
	if res.Terminal() {
		o.clear(sl)
		o.record(ctx, res, "")
	}
	o.respond(ctx, requester, res)
}

// recoverStep turns a panic inside one requester's step into a recorded failure
// for that requester only.
func (o *Orchestrator) recoverStep(ctx context.Context, requester string, sl *slot) {
	r := recover()
	if r == nil {
		return
	}
	obs.Error("issuance step panicked", map[string]any{
		"requester":  requester,
		"attempt_id": audit.AttemptIDFromContext(ctx),
		"panic":      fmt.Sprint(r),
	})
	if s := sl.session; s != nil {
		res := o.machine.Abort(s, fmt.Errorf("panic: %v", r))
		o.clear(sl)
		o.record(ctx, res, "panic")
	}
	o.reply(ctx, requester, msgInternal)
}

func (o *Orchestrator) record(ctx context.Context, res issuance.Result, cause string) {
	fields := map[string]any{"kind": res.Kind.String()}
	if cause != "" {
		fields["cause"] = cause
	}
	if res.Err != nil {
		fields["error"] = res.Err.Error()
	}
	if res.CloseErr != nil {
		fields["close_error"] = res.CloseErr.Error()
	}
	if res.AuditErr != nil {
		fields["audit_error"] = res.AuditErr.Error()
		requester, _ := auth.RequesterFromContext(ctx)
		obs.Error("audit append failed", map[string]any{
			"requester":  requester,
			"attempt_id": audit.AttemptIDFromContext(ctx),
			"error":      res.AuditErr.Error(),
		})
	}
	_ = audit.LogEvent(ctx, "issuance.finished", fields)
	obs.ObserveOutcome(res.Kind.String())
}

func (o *Orchestrator) deny(ctx context.Context, requester, operation, msg string) {
	obs.CountDenial(operation)
	_ = audit.LogEvent(ctx, "authorization.denied", map[string]any{"operation": operation})
	o.reply(ctx, requester, msg)
}

func (o *Orchestrator) reply(ctx context.Context, requester, text string) {
	if err := o.out.ReplyText(ctx, requester, text); err != nil {
		o.transportFailed(requester, err)
	}
}

func (o *Orchestrator) transportFailed(requester string, err error) {
	obs.CountTransportError()
	obs.Warn("reply delivery failed", map[string]any{"requester": requester, "error": err.Error()})
}

// slot returns the requester's slot, creating it. Callers must have authorized
// the requester, which keeps the map bounded by the roster.
func (o *Orchestrator) slot(requester string) (*slot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrClosed
	}
	sl, ok := o.slots[requester]
	if !ok {
		sl = &slot{}
		o.slots[requester] = sl
	}
	return sl, nil
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Orchestrator) lookup(requester string) *slot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.slots[requester]
}

func (o *Orchestrator) snapshot() map[string]*slot {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]*slot, len(o.slots))
	for k, v := range o.slots {
		out[k] = v
	}
	return out
}

// set and clear run with the slot locked.
func (o *Orchestrator) set(sl *slot, s *issuance.Session) {
	if sl.session == nil {
		obs.SetActiveSessions(int(o.live.Add(1)))
	}
	sl.session = s
}

func (o *Orchestrator) clear(sl *slot) {
	if sl.session != nil {
		sl.session = nil
		obs.SetActiveSessions(int(o.live.Add(-1)))
	}
}
