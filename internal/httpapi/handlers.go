package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"sessiongen.org/internal/auth"
	"sessiongen.org/internal/obs"
	"sessiongen.org/internal/orchestrator"
	"sessiongen.org/internal/outbox"
)

const serviceName = "sessiongend"

// ReadyProbe checks that the artifact directory and the audit log are usable.
type ReadyProbe struct {
	Store interface{ Check() error }
	Audit interface{ Path() string }
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store != nil {
		if err := rp.Store.Check(); err != nil {
			return fmt.Errorf("artifact store: %w", err)
		}
	}
	if rp.Audit != nil {
		if _, err := os.Stat(rp.Audit.Path()); err != nil {
			return fmt.Errorf("audit log: %w", err)
		}
	}
	return nil
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Dispatcher consumes inbound chat updates.
type Dispatcher interface {
	Dispatch(ctx context.Context, u orchestrator.Update)
}

// Mailbox holds the replies produced for each requester.
type Mailbox interface {
	Drain(requester string) []outbox.Message
	Subscribe(ctx context.Context, requester string) <-chan outbox.Message
}

// API is the HTTP side of the chat-transport bridge.
type API struct {
	mux        *http.ServeMux
	readyProbe readinessChecker
	version    string
	dispatcher Dispatcher
	mailbox    Mailbox

	rateBurst  int
	ratePerSec int
	maxBody    int64
}

// Option customises an API.
type Option func(*API)

// WithRateLimit sets the per-client-IP token bucket.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst = burst
			a.ratePerSec = perSecond
		}
	}
}

// WithMaxBody caps request bodies.
func WithMaxBody(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

func New(rp readinessChecker, version string, d Dispatcher, m Mailbox, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		dispatcher: d,
		mailbox:    m,
		rateBurst:  20,
		ratePerSec: 10,
		maxBody:    64 << 10,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	a.mux.Handle("/metrics", obs.Handler())

	transport := RequireRole(auth.RoleTransport)
	a.mux.Handle("/v1/updates", transport(http.HandlerFunc(a.handleUpdates)))
	a.mux.Handle("/v1/requesters/", transport(http.HandlerFunc(a.handleRequester)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = LoggingJSON(h)
	h = SecurityHeaders(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

type updatesResponse struct {
	Messages []outbox.Message `json:"messages"`
}

// handleUpdates feeds one chat message to the orchestrator and returns the
// replies it produced. Replies already taken by a live stream are not repeated.
func (a *API) handleUpdates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var u orchestrator.Update
	if err := decodeJSON(w, r, &u); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	u.Requester = strings.TrimSpace(u.Requester)
	if u.Requester == "" {
		writeError(w, r, http.StatusBadRequest, "requester is required")
		return
	}
	if strings.TrimSpace(u.Text) == "" {
		writeError(w, r, http.StatusBadRequest, "text is required")
		return
	}

	// A step must not be torn down halfway because the caller hung up.
	ctx := context.WithoutCancel(r.Context())
	a.dispatcher.Dispatch(ctx, u)

	msgs := a.mailbox.Drain(u.Requester)
	if msgs == nil {
		msgs = []outbox.Message{}
	}
	writeJSON(w, http.StatusAccepted, updatesResponse{Messages: msgs})
}

// handleRequester serves /v1/requesters/{id}/messages and /v1/requesters/{id}/stream.
func (a *API) handleRequester(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/requesters/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	requester := parts[0]
	switch parts[1] {
	case "messages":
		msgs := a.mailbox.Drain(requester)
		if msgs == nil {
			msgs = []outbox.Message{}
		}
		writeJSON(w, http.StatusOK, updatesResponse{Messages: msgs})
	case "stream":
		a.Stream(w, r, requester)
	default:
		writeError(w, r, http.StatusNotFound, "not found")
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
