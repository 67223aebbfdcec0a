package auth

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Roster is the set of requester identities allowed to use restricted operations.
// The core only reads it; Replace is for operator reloads.
type Roster struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewRoster builds a roster from identities, ignoring blanks and duplicates.
func NewRoster(ids ...string) *Roster {
	r := &Roster{}
	r.Replace(ids)
	return r
}

// Contains reports whether id is on the roster.
func (r *Roster) Contains(id string) bool {
	id = strings.TrimSpace(id)
	if r == nil || id == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ids[id]
	return ok
}

// Replace swaps the full membership atomically.
func (r *Roster) Replace(ids []string) {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	r.mu.Lock()
	r.ids = set
	r.mu.Unlock()
}

// Members returns a sorted copy of the roster.
func (r *Roster) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ids))
	for id := range r.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the roster size.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ids)
}

type rosterFile struct {
	Admins []string `yaml:"admins"`
}

// ReadRosterFile parses a YAML file of the form `admins: ["111", "222"]`.
func ReadRosterFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	var doc rosterFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: roster %s: %v", ErrInvalidInput, path, err)
	}
	return doc.Admins, nil
}

// Reload replaces the roster membership with the contents of path plus any static ids.
func (r *Roster) Reload(path string, static ...string) error {
	ids, err := ReadRosterFile(path)
	if err != nil {
		return err
	}
	r.Replace(append(ids, static...))
	return nil
}
