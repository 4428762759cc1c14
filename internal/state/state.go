// Package state persists the per-creator dedup ledger: the bounded set of
// all-time-seen post ids and the rolling per-day baseline sets.
package state

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const (
	// maxSeen caps the all-time-seen list per creator; oldest insertions
	// are evicted first.
	maxSeen = 200
	// maxDays caps the number of daily baseline keys kept per creator.
	maxDays = 7
)

// creatorState is the persisted record for one creator.
type creatorState struct {
	Seen  []string            `json:"seen"`
	Daily map[string][]string `json:"daily,omitempty"`
}

// Store is the dedup ledger. Safe for use from multiple creator loops:
// all operations take the store lock, and Save writes the file atomically
// (write-temp-then-rename) so a crash mid-write never corrupts it.
type Store struct {
	mu    sync.Mutex
	path  string
	dirty bool
	data  map[string]*creatorState
}

// Load opens the ledger at path, initializing it empty when the file is
// absent. A corrupt file is logged and replaced with an empty ledger on the
// next save rather than aborting startup.
func Load(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("state: creating data directory: %w", err)
	}

	s := &Store{path: path, data: make(map[string]*creatorState)}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: reading %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		log.Printf("state: %s is corrupt (%v), starting with empty ledger", path, err)
		s.data = make(map[string]*creatorState)
	}
	return s, nil
}

func (s *Store) creator(id string) *creatorState {
	cs, ok := s.data[id]
	if !ok {
		cs = &creatorState{}
		s.data[id] = cs
	}
	return cs
}

// HasSeen reports whether the post is in the creator's all-time-seen set.
func (s *Store) HasSeen(creatorID, postID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.data[creatorID]
	if !ok {
		return false
	}
	for _, id := range cs.Seen {
		if id == postID {
			return true
		}
	}
	return false
}

// MarkSeen inserts the post into the creator's all-time-seen set, evicting
// the oldest insertions beyond the capacity cap.
func (s *Store) MarkSeen(creatorID, postID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.creator(creatorID)
	for _, id := range cs.Seen {
		if id == postID {
			return
		}
	}
	cs.Seen = append(cs.Seen, postID)
	if len(cs.Seen) > maxSeen {
		cs.Seen = cs.Seen[len(cs.Seen)-maxSeen:]
	}
	s.dirty = true
}

// DailyBaseline returns a copy of the baseline set recorded for the day.
// An empty result signals the first encounter of this day for the creator.
func (s *Store) DailyBaseline(creatorID, dayKey string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.data[creatorID]
	if !ok || cs.Daily == nil {
		return nil
	}
	ids := cs.Daily[dayKey]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// SetDailyBaseline records the day's baseline wholesale, evicting the oldest
// day keys beyond the rolling cap.
func (s *Store) SetDailyBaseline(creatorID, dayKey string, ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.creator(creatorID)
	if cs.Daily == nil {
		cs.Daily = make(map[string][]string)
	}
	cs.Daily[dayKey] = append([]string(nil), ids...)
	s.evictOldDays(cs)
	s.dirty = true
}

// AddDailySeen adds one post id to the day's set, creating the day if needed.
func (s *Store) AddDailySeen(creatorID, dayKey, postID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.creator(creatorID)
	if cs.Daily == nil {
		cs.Daily = make(map[string][]string)
	}
	for _, id := range cs.Daily[dayKey] {
		if id == postID {
			return
		}
	}
	cs.Daily[dayKey] = append(cs.Daily[dayKey], postID)
	s.evictOldDays(cs)
	s.dirty = true
}

// evictOldDays drops the oldest day keys until the cap holds. Day keys are
// calendar-date strings, so lexicographic order is chronological order.
func (s *Store) evictOldDays(cs *creatorState) {
	if len(cs.Daily) <= maxDays {
		return
	}
	keys := make([]string, 0, len(cs.Daily))
	for k := range cs.Daily {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys[:len(keys)-maxDays] {
		delete(cs.Daily, k)
	}
}

// Save persists the ledger atomically. It is a no-op when nothing changed
// since the last successful save; a failed save leaves the store dirty so
// the next save retries.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshaling ledger: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("state: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("state: replacing %s: %w", s.path, err)
	}
	s.dirty = false
	return nil
}

// Dirty reports whether there are unsaved changes.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Reset backs up the current ledger file (as <path>.backup.json) and clears
// all state, so historical posts are treated as new again.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if raw, err := os.ReadFile(s.path); err == nil {
		backup := s.path + ".backup.json"
		if err := os.WriteFile(backup, raw, 0o644); err != nil {
			return fmt.Errorf("state: backing up ledger: %w", err)
		}
	}
	s.data = make(map[string]*creatorState)
	s.dirty = true
	return nil
}
