package audit

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Outcome is the terminal result of one issuance attempt.
type Outcome string

const (
	Success   Outcome = "SUCCESS"
	Failed    Outcome = "FAILED"
	Cancelled Outcome = "CANCELLED"
)

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case Success, Failed, Cancelled:
		return true
	}
	return false
}

// Record is one line of the audit file. Reason is kept for structured logging only
// and is not part of the persisted line.
type Record struct {
	Time      time.Time
	Requester string
	Phone     string
	Outcome   Outcome
	Reason    string
}

var (
	ErrInvalidRecord = errors.New("audit: invalid record")
	ErrMalformedLine = errors.New("audit: malformed line")
)

const timeLayout = time.RFC3339Nano

// Line renders r as `timestamp,requester,phone,outcome` without a trailing newline.
func (r Record) Line() (string, error) {
	if !r.Outcome.Valid() {
		return "", fmt.Errorf("%w: outcome %q", ErrInvalidRecord, r.Outcome)
	}
	if strings.TrimSpace(r.Requester) == "" {
		return "", fmt.Errorf("%w: requester is required", ErrInvalidRecord)
	}
	return strings.Join([]string{
		r.Time.UTC().Format(timeLayout),
		sanitize(r.Requester),
		sanitize(r.Phone),
		string(r.Outcome),
	}, ","), nil
}

// ParseLine is the inverse of Line.
func ParseLine(line string) (Record, error) {
	parts := strings.Split(strings.TrimRight(line, "\r\n"), ",")
	if len(parts) != 4 {
		return Record{}, ErrMalformedLine
	}
	ts, err := time.Parse(timeLayout, parts[0])
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}
	outcome := Outcome(parts[3])
	if !outcome.Valid() {
		return Record{}, fmt.Errorf("%w: outcome %q", ErrMalformedLine, parts[3])
	}
	return Record{Time: ts, Requester: parts[1], Phone: parts[2], Outcome: outcome}, nil
}

// sanitize keeps every record on a single comma-separated line.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ',', '\n', '\r':
			return '_'
		}
		return r
	}, strings.TrimSpace(s))
}
