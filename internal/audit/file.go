package audit

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// FileLog is the append-only audit file. Every Append is flushed to disk before it returns.
type FileLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenFile opens (creating if needed) the audit file at path for appending.
func OpenFile(path string) (*FileLog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("audit: create dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &FileLog{path: path, f: f}, nil
}

// Path returns the file location.
func (l *FileLog) Path() string { return l.path }

// Append writes rec as one line and syncs the file.
func (l *FileLog) Append(rec Record) error {
	line, err := rec.Line()
	if err != nil {
		return err
	}
	buf := []byte(line + "\n")

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return errors.New("audit: log closed")
	}
	// One write per record: O_APPEND keeps concurrent readers from seeing interleaved lines.
	if _, err := l.f.Write(buf); err != nil {
		return fmt.Errorf("audit: write: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}
	return nil
}

// Count returns the number of complete records in the file.
func (l *FileLog) Count() (int, error) {
	n := 0
	err := l.scan(func(string) { n++ })
	return n, err
}

// CountOutcomes groups complete records by outcome. Malformed lines are skipped.
func (l *FileLog) CountOutcomes() (map[Outcome]int, error) {
	counts := make(map[Outcome]int, 3)
	err := l.scan(func(line string) {
		rec, err := ParseLine(line)
		if err != nil {
			return
		}
		counts[rec.Outcome]++
	})
	return counts, err
}

// Records returns every well-formed record in append order.
func (l *FileLog) Records() ([]Record, error) {
	var out []Record
	err := l.scan(func(line string) {
		if rec, err := ParseLine(line); err == nil {
			out = append(out, rec)
		}
	})
	return out, err
}

// Close releases the file handle. Further appends fail.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// scan visits complete lines only; a trailing fragment without newline is ignored.
func (l *FileLog) scan(fn func(line string)) error {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("audit: open for read: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("audit: read: %w", err)
		}
		fn(line)
	}
}
