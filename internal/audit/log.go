package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"sessiongen.org/internal/auth"
	"sessiongen.org/internal/obs"
)

type ctxKey string

const attemptIDKey ctxKey = "audit_attempt_id"

// WithAttemptID attaches the issuance attempt identifier to the context for audit logging.
func WithAttemptID(ctx context.Context, attemptID string) context.Context {
	attemptID = strings.TrimSpace(attemptID)
	if attemptID == "" {
		return ctx
	}
	return context.WithValue(ctx, attemptIDKey, attemptID)
}

// AttemptIDFromContext extracts the attempt id from context if present.
func AttemptIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(attemptIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes a structured audit event enriched with attempt and requester context.
// It complements the append-only record file and is never a substitute for it.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if aid := AttemptIDFromContext(ctx); aid != "" {
		entry["attempt_id"] = aid
	}
	if requester, ok := auth.RequesterFromContext(ctx); ok {
		entry["requester"] = requester
	}
	if len(fields) > 0 {
		copyFields := make(map[string]any, len(fields))
		for k, v := range fields {
			copyFields[k] = v
		}
		entry["fields"] = copyFields
	} else {
		entry["fields"] = map[string]any{}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
