// Package presence tracks per-contact availability for one account.
package presence

import (
	"sync"
	"time"

	"github.com/meszmate/xmppgate/internal/jidutil"
)

// State is the last known availability of a bare JID.
type State struct {
	JID       string // bare, lowercased
	Available bool
	Status    string
	Show      string
	Priority  int
	LastSeen  time.Time
}

// Tracker keeps availability state keyed by bare JID. One tracker per
// account; it is not shared across accounts.
type Tracker struct {
	mu     sync.RWMutex
	states map[string]*State
	now    func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		states: make(map[string]*State),
		now:    time.Now,
	}
}

// Update records a presence change for a JID. Full JIDs are reduced to
// their bare form.
func (t *Tracker) Update(jid string, available bool, status, show string, priority int) {
	bare, ok := jidutil.Normalize(jid)
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.states[bare]
	if st == nil {
		st = &State{JID: bare}
		t.states[bare] = st
	}
	st.Available = available
	st.Status = status
	st.Show = show
	st.Priority = priority
	st.LastSeen = t.now()
}

// Get returns the state for a JID, or nil when the contact has never been
// seen.
func (t *Tracker) Get(jid string) *State {
	bare, ok := jidutil.Normalize(jid)
	if !ok {
		return nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	st := t.states[bare]
	if st == nil {
		return nil
	}
	cp := *st
	return &cp
}

// IsAvailable reports whether a JID is currently available.
func (t *Tracker) IsAvailable(jid string) bool {
	st := t.Get(jid)
	return st != nil && st.Available
}

// All returns a snapshot of every tracked state.
func (t *Tracker) All() []State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]State, 0, len(t.states))
	for _, st := range t.states {
		out = append(out, *st)
	}
	return out
}

// Clear drops all tracked state.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states = make(map[string]*State)
}
