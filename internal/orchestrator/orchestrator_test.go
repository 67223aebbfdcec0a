package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"sessiongen.org/internal/account/accounttest"
	"sessiongen.org/internal/audit"
	"sessiongen.org/internal/auth"
	"sessiongen.org/internal/credstore"
	"sessiongen.org/internal/issuance"
)

type sent struct {
	requester string
	text      string
	document  bool
	filename  string
	caption   string
	data      []byte
}

type fakeTransport struct {
	mu   sync.Mutex
	msgs []sent
	err  error
}

func (t *fakeTransport) ReplyText(ctx context.Context, requester, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgs = append(t.msgs, sent{requester: requester, text: text})
	return t.err
}

func (t *fakeTransport) ReplyDocument(ctx context.Context, requester string, data []byte, filename, caption string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgs = append(t.msgs, sent{requester: requester, document: true, filename: filename, caption: caption, data: data})
	return t.err
}

func (t *fakeTransport) to(requester string) []sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []sent
	for _, m := range t.msgs {
		if m.requester == requester {
			out = append(out, m)
		}
	}
	return out
}

func (t *fakeTransport) last(requester string) sent {
	msgs := t.to(requester)
	if len(msgs) == 0 {
		return sent{}
	}
	return msgs[len(msgs)-1]
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	remote *accounttest.Connector
	roster *auth.Roster
	store  *credstore.Store
	log    *audit.FileLog
	out    *fakeTransport
	clock  *clock
	o      *Orchestrator
}

func newFixture(t *testing.T, roster []string, gateOpts ...auth.GateOption) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := credstore.Open(filepath.Join(dir, "business_sessions"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	log, err := audit.OpenFile(filepath.Join(dir, "session_requests.log"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	f := &fixture{
		remote: accounttest.New("12345", []byte("session-blob")),
		roster: auth.NewRoster(roster...),
		store:  store,
		log:    log,
		out:    &fakeTransport{},
		clock:  &clock{now: time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)},
	}
	if len(gateOpts) == 0 {
		gateOpts = []auth.GateOption{auth.WithStartLimit(0, 0)}
	}
	gate := auth.NewGate(f.roster, gateOpts...)
	machine := issuance.NewMachine(f.remote, store, log,
		issuance.WithTTL(5*time.Minute),
		issuance.WithClock(f.clock.Now),
	)
	f.o = New(gate, machine, store, log, f.out, WithClock(f.clock.Now))
	return f
}

func (f *fixture) send(requester, text string) {
	f.o.Dispatch(context.Background(), Update{Requester: requester, Text: text})
}

func (f *fixture) outcomes(t *testing.T) []audit.Outcome {
	t.Helper()
	recs, err := f.log.Records()
	if err != nil {
		t.Fatalf("read records: %v", err)
	}
	out := make([]audit.Outcome, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Outcome)
	}
	return out
}

func (f *fixture) state(requester string) (issuance.State, bool) {
	sl := f.o.lookup(requester)
	if sl == nil {
		return 0, false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.session == nil {
		return 0, false
	}
	return sl.session.State(), true
}

func (f *fixture) assertReleased(t *testing.T) {
	t.Helper()
	if f.remote.Live() != 0 {
		t.Fatalf("connection leaked: opened=%d closed=%d", f.remote.Opened(), f.remote.Closed())
	}
	if f.remote.DoubleClosed() != 0 {
		t.Fatalf("connection closed %d extra times", f.remote.DoubleClosed())
	}
}

func TestIssuanceHappyPath(t *testing.T) {
	f := newFixture(t, []string{"111"})

	f.send("111", "/create_session")
	f.send("111", "+15551234567")
	f.send("111", "1 2 3 4 5")

	msgs := f.out.to("111")
	if len(msgs) != 4 {
		t.Fatalf("expected 4 replies, got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].text != msgPhonePrompt {
		t.Fatalf("expected connect prompt, got %q", msgs[0].text)
	}
	if msgs[1].text != "Sending verification code to +15551234567..." {
		t.Fatalf("expected progress reply, got %q", msgs[1].text)
	}
	if msgs[2].text != msgCodePrompt {
		t.Fatalf("expected code prompt, got %q", msgs[2].text)
	}
	doc := msgs[3]
	if !doc.document || doc.filename != "business_15551234567.session" || string(doc.data) != "session-blob" {
		t.Fatalf("unexpected document: %+v", doc)
	}
	if !strings.Contains(doc.caption, "+15551234567") || !strings.Contains(doc.caption, "secure") {
		t.Fatalf("unexpected caption: %q", doc.caption)
	}

	raw, err := os.ReadFile(f.log.Path())
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(string(raw), "\n"), "\n")
	if len(lines) != 1 || !strings.HasSuffix(lines[0], ",111,+15551234567,SUCCESS") {
		t.Fatalf("unexpected audit log: %q", raw)
	}
	if !f.store.Exists("+15551234567") {
		t.Fatal("artifact not retained in store")
	}
	if _, ok := f.state("111"); ok {
		t.Fatal("session must be discarded after success")
	}
	if f.o.Active() != 0 {
		t.Fatalf("expected no live sessions, got %d", f.o.Active())
	}
	f.assertReleased(t)
}

func TestUnauthorizedStartCreatesNoState(t *testing.T) {
	f := newFixture(t, []string{"111"})

	f.send("222", "/create_session")

	msgs := f.out.to("222")
	if len(msgs) != 1 || msgs[0].text != msgStartDenied {
		t.Fatalf("expected single rejection, got %+v", msgs)
	}
	if f.o.lookup("222") != nil {
		t.Fatal("unauthorized requester must not get a slot")
	}
	if f.remote.Opened() != 0 || len(f.outcomes(t)) != 0 {
		t.Fatal("unauthorized start must not touch remote or log")
	}

	f.send("222", "+15551234567")
	if got := f.out.last("222").text; got != msgNoSession {
		t.Fatalf("expected no-session reply, got %q", got)
	}
	if f.remote.Opened() != 0 {
		t.Fatal("text from unauthorized requester reached the remote service")
	}
}

func TestInvalidPhoneReprompts(t *testing.T) {
	f := newFixture(t, []string{"111"})

	f.send("111", "/create_session")
	f.send("111", "+1abc")

	if got := f.out.last("111").text; got != msgInvalidPhone {
		t.Fatalf("expected re-prompt, got %q", got)
	}
	if st, ok := f.state("111"); !ok || st != issuance.AwaitingPhone {
		t.Fatalf("expected AwaitingPhone, got %v (live=%v)", st, ok)
	}
	if f.remote.Opened() != 0 {
		t.Fatal("invalid phone must not open a connection")
	}

	f.send("111", "+15551234567")
	if st, _ := f.state("111"); st != issuance.AwaitingCode {
		t.Fatalf("expected AwaitingCode after valid phone, got %v", st)
	}
}

func TestTimeoutInAwaitingCode(t *testing.T) {
	f := newFixture(t, []string{"111"})

	f.send("111", "/create_session")
	f.send("111", "+15551234567")
	if f.remote.Live() != 1 {
		t.Fatalf("expected one open connection, got %d", f.remote.Live())
	}

	f.clock.Advance(5*time.Minute + time.Second)
	if n := f.o.Sweep(context.Background()); n != 1 {
		t.Fatalf("expected 1 expired session, got %d", n)
	}
	f.assertReleased(t)
	if got := f.outcomes(t); len(got) != 1 || got[0] != audit.Failed {
		t.Fatalf("expected one FAILED record, got %v", got)
	}
	if got := f.out.last("111").text; got != msgExpired {
		t.Fatalf("expected expiry notice, got %q", got)
	}

	f.send("111", "12345")
	if got := f.out.last("111").text; got != msgNoSession {
		t.Fatalf("expected no-session reply, got %q", got)
	}
	if len(f.remote.SignIns()) != 0 {
		t.Fatal("stale code reached the remote service")
	}
	if len(f.outcomes(t)) != 1 {
		t.Fatal("late code must not write another record")
	}
}

func TestExpiryCheckedBeforeSweep(t *testing.T) {
	f := newFixture(t, []string{"111"})

	f.send("111", "/create_session")
	f.send("111", "+15551234567")
	f.clock.Advance(10 * time.Minute)
	f.send("111", "12345")

	if got := f.out.last("111").text; got != msgExpired {
		t.Fatalf("expected expiry reply, got %q", got)
	}
	if len(f.remote.SignIns()) != 0 {
		t.Fatal("expired session must not verify the code")
	}
	if got := f.outcomes(t); len(got) != 1 || got[0] != audit.Failed {
		t.Fatalf("expected one FAILED record, got %v", got)
	}
	f.assertReleased(t)
	if f.o.Sweep(context.Background()) != 0 {
		t.Fatal("nothing left to sweep")
	}
}

func TestExpiryBeforePhoneIsRecorded(t *testing.T) {
	f := newFixture(t, []string{"111"})

	f.send("111", "/create_session")
	f.clock.Advance(6 * time.Minute)
	f.o.Sweep(context.Background())

	if got := f.out.last("111").text; got != msgExpired {
		t.Fatalf("expected expiry notice, got %q", got)
	}
	recs, err := f.log.Records()
	if err != nil {
		t.Fatalf("read records: %v", err)
	}
	if len(recs) != 1 || recs[0].Outcome != audit.Failed || recs[0].Phone != "" || recs[0].Requester != "111" {
		t.Fatalf("expected one FAILED record without phone, got %+v", recs)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t, []string{"111"})

	f.send("111", "/create_session")
	f.send("111", "+15551234567")
	f.send("111", "/cancel")

	if got := f.out.last("111").text; got != msgCancelled {
		t.Fatalf("expected cancel reply, got %q", got)
	}
	if got := f.outcomes(t); len(got) != 1 || got[0] != audit.Cancelled {
		t.Fatalf("expected one CANCELLED record, got %v", got)
	}
	f.assertReleased(t)

	f.send("111", "/cancel")
	if got := f.out.last("111").text; got != msgNothingToCancel {
		t.Fatalf("expected nothing-to-cancel, got %q", got)
	}
	if len(f.outcomes(t)) != 1 {
		t.Fatal("second cancel must not write a record")
	}
}

func TestCancelBeforePhoneWritesNoRecord(t *testing.T) {
	f := newFixture(t, []string{"111"})

	f.send("111", "/create_session")
	f.send("111", "/cancel")

	if got := f.out.last("111").text; got != msgCancelled {
		t.Fatalf("expected cancel reply, got %q", got)
	}
	if len(f.outcomes(t)) != 0 {
		t.Fatal("cancel without phone must not write a record")
	}
}

func TestSecondStartSupersedes(t *testing.T) {
	f := newFixture(t, []string{"111"})

	f.send("111", "/create_session")
	f.send("111", "+15551234567")
	f.send("111", "/start")

	msgs := f.out.to("111")
	if len(msgs) < 2 || msgs[len(msgs)-2].text != msgSuperseded || msgs[len(msgs)-1].text != msgPhonePrompt {
		t.Fatalf("unexpected replies: %+v", msgs)
	}
	if got := f.outcomes(t); len(got) != 1 || got[0] != audit.Cancelled {
		t.Fatalf("expected one CANCELLED record, got %v", got)
	}
	f.assertReleased(t)
	if st, ok := f.state("111"); !ok || st != issuance.AwaitingPhone {
		t.Fatalf("expected fresh session in AwaitingPhone, got %v (live=%v)", st, ok)
	}
	if f.o.Active() != 1 {
		t.Fatalf("expected 1 live session, got %d", f.o.Active())
	}
}

func TestRateLimitedStartKeepsSession(t *testing.T) {
	f := newFixture(t, []string{"111"}, auth.WithStartLimit(time.Hour, 1))

	f.send("111", "/create_session")
	f.send("111", "+15551234567")
	f.send("111", "/create_session")

	if got := f.out.last("111").text; got != msgRateLimited {
		t.Fatalf("expected rate-limit reply, got %q", got)
	}
	if st, ok := f.state("111"); !ok || st != issuance.AwaitingCode {
		t.Fatalf("limited start must not touch the live session, got %v (live=%v)", st, ok)
	}
}

func TestRemoteFailuresAreReported(t *testing.T) {
	t.Run("send code", func(t *testing.T) {
		f := newFixture(t, []string{"111"})
		f.remote.RequestCodeErr = errors.New("FLOOD_WAIT_420")

		f.send("111", "/create_session")
		f.send("111", "+15551234567")

		if got := f.out.last("111").text; got != "Error sending code: FLOOD_WAIT_420" {
			t.Fatalf("unexpected reply %q", got)
		}
		if got := f.outcomes(t); len(got) != 1 || got[0] != audit.Failed {
			t.Fatalf("expected FAILED record, got %v", got)
		}
		f.assertReleased(t)
	})

	t.Run("wrong code", func(t *testing.T) {
		f := newFixture(t, []string{"111"})

		f.send("111", "/create_session")
		f.send("111", "+15551234567")
		f.send("111", "54321")

		if got := f.out.last("111").text; got != "Login failed: PHONE_CODE_INVALID" {
			t.Fatalf("unexpected reply %q", got)
		}
		if _, ok := f.state("111"); ok {
			t.Fatal("session must be terminal after a wrong code")
		}
		f.assertReleased(t)
	})

	t.Run("artifact missing", func(t *testing.T) {
		f := newFixture(t, []string{"111"})
		f.remote.Artifact = nil

		f.send("111", "/create_session")
		f.send("111", "+15551234567")
		f.send("111", "12345")

		if got := f.out.last("111"); got.document || got.text != msgArtifactMissing {
			t.Fatalf("unexpected reply %+v", got)
		}
		if got := f.outcomes(t); len(got) != 1 || got[0] != audit.Failed {
			t.Fatalf("expected FAILED record, got %v", got)
		}
	})
}

func TestStats(t *testing.T) {
	f := newFixture(t, []string{"111"})

	f.send("111", "/create_session")
	f.send("111", "+15551234567")
	f.send("111", "12345")
	f.send("111", "/create_session")
	f.send("111", "/stats")

	got := f.out.last("111").text
	for _, want := range []string{
		"Issued artifacts: 1",
		"Total requests logged: 1",
		"SUCCESS: 1",
		"FAILED: 0",
		"Live sessions: 1",
		"Last updated: 2026-10-15 12:00:00",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("stats reply %q missing %q", got, want)
		}
	}
	if st, _ := f.state("111"); st != issuance.AwaitingPhone {
		t.Fatal("stats must not touch the live session")
	}
}

func TestUnauthorizedStats(t *testing.T) {
	f := newFixture(t, []string{"111"})

	f.send("222", "/stats")

	msgs := f.out.to("222")
	if len(msgs) != 1 || msgs[0].text != msgStatsDenied {
		t.Fatalf("expected single rejection, got %+v", msgs)
	}
	if f.o.lookup("222") != nil {
		t.Fatal("stats must not create state")
	}
}

func TestUnknownCommandAndStrayText(t *testing.T) {
	f := newFixture(t, []string{"111"})

	f.send("111", "/frobnicate")
	if got := f.out.last("111").text; got != msgUnknownCommand {
		t.Fatalf("expected unknown-command reply, got %q", got)
	}
	f.send("111", "hello")
	if got := f.out.last("111").text; got != msgNoSession {
		t.Fatalf("expected no-session reply, got %q", got)
	}
}

func TestPanicInStepIsContained(t *testing.T) {
	f := newFixture(t, []string{"111", "333"})
	f.remote.OnSignIn = func() { panic("remote client bug") }

	f.send("111", "/create_session")
	f.send("111", "+15551234567")
	f.send("111", "12345")

	if got := f.out.last("111").text; got != msgInternal {
		t.Fatalf("expected generic failure reply, got %q", got)
	}
	if _, ok := f.state("111"); ok {
		t.Fatal("panicking session must be discarded")
	}
	if got := f.outcomes(t); len(got) != 1 || got[0] != audit.Failed {
		t.Fatalf("expected FAILED record, got %v", got)
	}
	f.assertReleased(t)

	f.send("333", "/create_session")
	if got := f.out.last("333").text; got != msgPhonePrompt {
		t.Fatalf("other requesters must be unaffected, got %q", got)
	}
}

func TestPanicDuringSweepIsContained(t *testing.T) {
	f := newFixture(t, []string{"111", "333"})
	f.remote.OnClose = func() { panic("close boom") }

	f.send("111", "/create_session")
	f.send("111", "+15551234567")
	f.clock.Advance(6 * time.Minute)

	if n := f.o.Sweep(context.Background()); n != 1 {
		t.Fatalf("expected one swept session, got %d", n)
	}
	if got := f.out.last("111").text; got != msgInternal {
		t.Fatalf("expected generic failure reply, got %q", got)
	}
	if _, ok := f.state("111"); ok {
		t.Fatal("panicking session must be discarded")
	}
	if f.o.Active() != 0 {
		t.Fatalf("expected no live sessions, got %d", f.o.Active())
	}
	if got := f.outcomes(t); len(got) != 1 || got[0] != audit.Failed {
		t.Fatalf("expected FAILED record, got %v", got)
	}

	// The slot lock must have been released.
	f.remote.OnClose = nil
	f.send("111", "/create_session")
	if got := f.out.last("111").text; got != msgPhonePrompt {
		t.Fatalf("expected a fresh session, got %q", got)
	}
	f.send("333", "/create_session")
	if got := f.out.last("333").text; got != msgPhonePrompt {
		t.Fatalf("other requesters must be unaffected, got %q", got)
	}
}

func TestPanicDuringCloseIsContained(t *testing.T) {
	f := newFixture(t, []string{"111", "333"})
	f.remote.OnClose = func() { panic("close boom") }

	f.send("111", "/create_session")
	f.send("111", "+15551234567")
	f.send("333", "/create_session")

	f.o.Close()

	if f.o.Active() != 0 {
		t.Fatalf("expected no live sessions, got %d", f.o.Active())
	}
	if got := f.out.last("333").text; got != msgShuttingDown {
		t.Fatalf("expected shutdown notice, got %q", got)
	}
}

func TestRevokedRequesterCannotContinue(t *testing.T) {
	f := newFixture(t, []string{"111"})

	f.send("111", "/create_session")
	f.roster.Replace(nil)
	f.send("111", "+15551234567")
	f.send("111", "12345")

	if f.remote.Opened() != 0 {
		t.Fatalf("revoked requester opened %d remote connections", f.remote.Opened())
	}
	for _, m := range f.out.to("111") {
		if m.document {
			t.Fatal("revoked requester received a document")
		}
	}
	if f.store.Exists("+15551234567") {
		t.Fatal("revoked requester's artifact was stored")
	}
	if got := f.out.last("111").text; got != msgNoSession {
		t.Fatalf("expected no-session reply after denial, got %q", got)
	}
	if _, ok := f.state("111"); ok {
		t.Fatal("revoked session must be discarded")
	}
}

func TestRevokedAfterCodeSentIsCancelled(t *testing.T) {
	f := newFixture(t, []string{"111"})

	f.send("111", "/create_session")
	f.send("111", "+15551234567")
	f.roster.Replace(nil)
	f.send("111", "12345")

	if got := f.out.last("111").text; got != msgStartDenied {
		t.Fatalf("expected denial, got %q", got)
	}
	if len(f.remote.SignIns()) != 0 {
		t.Fatal("revoked requester reached verification")
	}
	if got := f.outcomes(t); len(got) != 1 || got[0] != audit.Cancelled {
		t.Fatalf("expected one CANCELLED record, got %v", got)
	}
	f.assertReleased(t)
}

type failingDocuments struct {
	fakeTransport
}

func (t *failingDocuments) ReplyDocument(ctx context.Context, requester string, data []byte, filename, caption string) error {
	return errors.New("queue full")
}

func TestDocumentDeliveryFailureIsReported(t *testing.T) {
	f := newFixture(t, []string{"111"})
	out := &failingDocuments{}
	f.o.out = out

	f.send("111", "/create_session")
	f.send("111", "+15551234567")
	f.send("111", "12345")

	if got := out.last("111").text; got != msgDeliveryFailed {
		t.Fatalf("expected delivery failure reply, got %q", got)
	}
	if got := f.outcomes(t); len(got) != 1 || got[0] != audit.Success {
		t.Fatalf("expected SUCCESS record, got %v", got)
	}
}

func TestBeginAfterCloseStartsNothing(t *testing.T) {
	f := newFixture(t, []string{"111"})
	// A Start that got its slot just before Close ran.
	sl, err := f.o.slot("111")
	if err != nil {
		t.Fatalf("slot: %v", err)
	}

	f.o.Close()
	ctx := auth.ContextWithRequester(context.Background(), "111")
	f.o.begin(ctx, "111", sl)

	if f.o.Active() != 0 {
		t.Fatalf("expected no live sessions, got %d", f.o.Active())
	}
	if _, ok := f.state("111"); ok {
		t.Fatal("no session may start after Close")
	}
	if got := f.out.last("111").text; got != msgShuttingDown {
		t.Fatalf("expected shutdown reply, got %q", got)
	}
}

func TestTransportErrorsDoNotStopTheFlow(t *testing.T) {
	f := newFixture(t, []string{"111"})
	f.out.err = errors.New("chat api down")

	f.send("111", "/create_session")
	f.send("111", "+15551234567")
	f.send("111", "12345")

	if got := f.outcomes(t); len(got) != 1 || got[0] != audit.Success {
		t.Fatalf("expected SUCCESS record, got %v", got)
	}
	f.assertReleased(t)
}

func TestCloseCancelsLiveSessions(t *testing.T) {
	f := newFixture(t, []string{"111", "333"})

	f.send("111", "/create_session")
	f.send("111", "+15551234567")
	f.send("333", "/create_session")

	f.o.Close()

	f.assertReleased(t)
	if f.o.Active() != 0 {
		t.Fatalf("expected no live sessions, got %d", f.o.Active())
	}
	if got := f.outcomes(t); len(got) != 1 || got[0] != audit.Cancelled {
		t.Fatalf("expected one CANCELLED record, got %v", got)
	}
	f.send("333", "/create_session")
	if got := f.out.last("333").text; got != msgShuttingDown {
		t.Fatalf("expected shutdown reply, got %q", got)
	}
}

func TestConcurrentRequesters(t *testing.T) {
	ids := make([]string, 16)
	for i := range ids {
		ids[i] = fmt.Sprintf("%d", 1000+i)
	}
	f := newFixture(t, ids)

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			f.send(id, "/create_session")
			f.send(id, fmt.Sprintf("+1555000%04d", i))
			f.send(id, "12345")
		}(i, id)
	}
	wg.Wait()

	got := f.outcomes(t)
	if len(got) != len(ids) {
		t.Fatalf("expected %d records, got %d", len(ids), len(got))
	}
	n, err := f.store.CountArtifacts()
	if err != nil || n != len(ids) {
		t.Fatalf("expected %d artifacts, got %d (%v)", len(ids), n, err)
	}
	for _, id := range ids {
		if !f.out.last(id).document {
			t.Fatalf("requester %s did not receive a document", id)
		}
	}
	f.assertReleased(t)
}

func TestSameRequesterEventsAreSerialized(t *testing.T) {
	f := newFixture(t, []string{"111"})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); f.send("111", "/create_session") }()
		go func() { defer wg.Done(); f.send("111", "+15551234567") }()
		go func() { defer wg.Done(); f.send("111", "/cancel") }()
	}
	wg.Wait()
	f.send("111", "/cancel")

	f.assertReleased(t)
	if f.o.Active() != 0 {
		t.Fatalf("expected no live sessions, got %d", f.o.Active())
	}
}

func TestRunStopsWithContext(t *testing.T) {
	f := newFixture(t, []string{"111"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.o.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in   string
		cmd  string
		isOK bool
	}{
		{"/create_session", CmdCreateSession, true},
		{"  /Stats@sessionbot  ", CmdStats, true},
		{"/cancel now", CmdCancel, true},
		{"+15551234567", "", false},
		{"1 2 3 4 5", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			cmd, ok := parseCommand(tc.in)
			if ok != tc.isOK || cmd != tc.cmd {
				t.Fatalf("parseCommand(%q) = %q, %v", tc.in, cmd, ok)
			}
		})
	}
}
