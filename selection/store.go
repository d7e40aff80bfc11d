// Package selection implements the shared biomarker selection store: the
// ordered list of selected codes that the sync and comparison engines
// read and the HTTP layer mutates. Entries are unique by canonical code
// form and carry a display name that falls back to the code itself until
// resolution supplies a better one.
package selection

import (
	"sync"

	"github.com/panelyt/panelyt-api/biomarkers"
)

// Entry is one selected biomarker.
type Entry struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// Resolved reports whether the entry carries a real display name rather
// than its own code standing in.
func (e Entry) Resolved() bool {
	return e.Name != "" && e.Name != e.Code
}

// Change is delivered to subscribers after every effective mutation.
type Change struct {
	Revision uint64
	Entries  []Entry
}

// Store holds the ordered biomarker selection. All methods are safe for
// concurrent use. Mutations that do not change the selection produce no
// notification.
type Store struct {
	mu       sync.Mutex
	entries  []Entry
	revision uint64
	subs     map[int]chan Change
	nextSub  int
}

// NewStore creates an empty selection store.
func NewStore() *Store {
	return &Store{subs: make(map[int]chan Change)}
}

// Add appends a biomarker unless its canonical form is already selected.
// A blank name falls back to the canonical code. Returns true when the
// selection changed.
func (s *Store) Add(code, name string) bool {
	canonical := biomarkers.Normalize(code)
	if canonical == "" {
		return false
	}
	if name == "" {
		name = canonical
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Code == canonical {
			return false
		}
	}
	s.entries = append(s.entries, Entry{Code: canonical, Name: name})
	s.notifyLocked()
	return true
}

// Remove deletes the entry matching the code's canonical form. Returns
// true when the selection changed.
func (s *Store) Remove(code string) bool {
	canonical := biomarkers.Normalize(code)
	if canonical == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.Code == canonical {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			s.notifyLocked()
			return true
		}
	}
	return false
}

// ReplaceAll swaps the whole selection, canonicalizing codes and dropping
// duplicates while preserving order. Replacing with an identical
// selection (same codes, order and names) is a no-op. Returns true when
// the selection changed.
func (s *Store) ReplaceAll(entries []Entry) bool {
	next := make([]Entry, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		canonical := biomarkers.Normalize(e.Code)
		if canonical == "" {
			continue
		}
		if _, ok := seen[canonical]; ok {
			continue
		}
		seen[canonical] = struct{}{}
		name := e.Name
		if name == "" {
			name = canonical
		}
		next = append(next, Entry{Code: canonical, Name: name})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if equalEntries(s.entries, next) {
		return false
	}
	s.entries = next
	s.notifyLocked()
	return true
}

// Clear empties the selection. Returns true when it was not already
// empty.
func (s *Store) Clear() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return false
	}
	s.entries = nil
	s.notifyLocked()
	return true
}

// ApplyNames updates display names in place from a canonical-code → name
// mapping, leaving order and membership untouched. Returns true when any
// name actually changed.
func (s *Store) ApplyNames(names map[string]string) bool {
	if len(names) == 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for i := range s.entries {
		name, ok := names[s.entries[i].Code]
		if !ok || name == "" || name == s.entries[i].Name {
			continue
		}
		s.entries[i].Name = name
		changed = true
	}
	if changed {
		s.notifyLocked()
	}
	return changed
}

// Snapshot returns a copy of the current entries.
func (s *Store) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Codes returns the canonical codes in selection order.
func (s *Store) Codes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := make([]string, len(s.entries))
	for i, e := range s.entries {
		codes[i] = e.Code
	}
	return codes
}

// CanonicalKey returns the comma-joined canonical code list identifying
// this selection, the exact value the URL parameter carries.
func (s *Store) CanonicalKey() string {
	return biomarkers.JoinCanonical(s.Codes())
}

// Names returns the canonical-code → display-name mapping.
func (s *Store) Names() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make(map[string]string, len(s.entries))
	for _, e := range s.entries {
		names[e.Code] = e.Name
	}
	return names
}

// Has reports whether the code's canonical form is currently selected.
func (s *Store) Has(code string) bool {
	canonical := biomarkers.Normalize(code)
	if canonical == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Code == canonical {
			return true
		}
	}
	return false
}

// Len returns the number of selected biomarkers.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Revision returns the mutation counter. It increases by one per
// effective mutation.
func (s *Store) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// Subscribe registers for change notifications. The returned channel has
// a one-element buffer holding the most recent change: a slow subscriber
// always observes the newest state, intermediate states may coalesce.
// The cancel function releases the subscription and closes the channel;
// it is safe to call more than once.
func (s *Store) Subscribe() (<-chan Change, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Change, 1)
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (s *Store) snapshotLocked() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// notifyLocked bumps the revision and pushes the new state to every
// subscriber, replacing any undelivered older change so the buffer always
// holds the latest one.
func (s *Store) notifyLocked() {
	s.revision++
	change := Change{Revision: s.revision, Entries: s.snapshotLocked()}
	for _, ch := range s.subs {
		select {
		case ch <- change:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- change:
		default:
		}
	}
}

func equalEntries(a, b []Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
