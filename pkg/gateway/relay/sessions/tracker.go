// Package sessions tracks the relay sessions live in this process so shutdown
// can wait for them or cancel them.
package sessions

import (
	"context"
	"sort"
	"sync"
)

// Call describes a tracked call at one point in time.
type Call struct {
	SessionID string `json:"session_id"`
	StreamSID string `json:"stream_sid,omitempty"`
	State     string `json:"state"`
}

type Handle struct {
	Cancel   func()
	Describe func() Call
}

type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
}

type trackedSession struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string]*trackedSession),
	}
}

// Register adds a session and returns the func that removes it. Registering an
// id twice replaces the earlier entry.
func (t *Tracker) Register(sessionID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedSession{handle: h}

	t.mu.Lock()
	if t.sessions == nil {
		t.sessions = make(map[string]*trackedSession)
	}
	old := t.sessions[sessionID]
	t.sessions[sessionID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(sessionID, old)
	}

	return func() { t.unregister(sessionID, entry) }
}

func (t *Tracker) unregister(sessionID string, entry *trackedSession) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions != nil && t.sessions[sessionID] == entry {
			delete(t.sessions, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Snapshot returns the tracked calls ordered by session id.
func (t *Tracker) Snapshot() []Call {
	if t == nil {
		return nil
	}

	type described struct {
		id       string
		describe func() Call
	}
	var entries []described
	t.mu.Lock()
	for id, entry := range t.sessions {
		if entry == nil {
			continue
		}
		entries = append(entries, described{id: id, describe: entry.handle.Describe})
	}
	t.mu.Unlock()

	calls := make([]Call, 0, len(entries))
	for _, e := range entries {
		call := Call{SessionID: e.id}
		if e.describe != nil {
			call = e.describe()
			if call.SessionID == "" {
				call.SessionID = e.id
			}
		}
		calls = append(calls, call)
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].SessionID < calls[j].SessionID })
	return calls
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has unregistered or ctx ends. It
// reports whether all sessions finished.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
