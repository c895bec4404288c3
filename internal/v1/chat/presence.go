package chat

import (
	"sync"

	"github.com/cinesala/backend/internal/v1/metrics"
)

// Presence tracks which users currently hold at least one live chat session.
// A user appears in the registry iff their session set is non-empty. Store
// transitions (online/offline) are the hub's job; Attach/Detach only report
// the 0->1 and 1->0 edges so store calls never run under the registry lock.
type Presence struct {
	mu        sync.RWMutex
	sessions  map[string]map[*Client]struct{}
	usernames map[string]string
}

// NewPresence creates an empty registry.
func NewPresence() *Presence {
	return &Presence{
		sessions:  make(map[string]map[*Client]struct{}),
		usernames: make(map[string]string),
	}
}

// Attach adds a session to the user's set. Returns true on the 0->1 edge.
func (p *Presence) Attach(c *Client) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.sessions[c.UserID]
	if !ok {
		set = make(map[*Client]struct{})
		p.sessions[c.UserID] = set
	}
	set[c] = struct{}{}
	p.usernames[c.UserID] = c.Username

	metrics.OnlineUsers.Set(float64(len(p.sessions)))
	return !ok
}

// Detach removes a session. Returns true on the 1->0 edge, after which the
// user is no longer online.
func (p *Presence) Detach(c *Client) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.sessions[c.UserID]
	if !ok {
		return false
	}
	delete(set, c)
	if len(set) > 0 {
		return false
	}
	delete(p.sessions, c.UserID)
	delete(p.usernames, c.UserID)

	metrics.OnlineUsers.Set(float64(len(p.sessions)))
	return true
}

// IsOnline reports whether the user has at least one live session.
func (p *Presence) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.sessions[userID]
	return ok
}

// SessionsOf snapshots the user's live sessions.
func (p *Presence) SessionsOf(userID string) []*Client {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Client, 0, len(p.sessions[userID]))
	for c := range p.sessions[userID] {
		out = append(out, c)
	}
	return out
}

// Username returns the last-known username for an online user.
func (p *Presence) Username(userID string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.usernames[userID]
}

// OnlineCount returns the number of online users.
func (p *Presence) OnlineCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

// allSessions snapshots every live session, for the reaper and shutdown.
func (p *Presence) allSessions() []*Client {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*Client
	for _, set := range p.sessions {
		for c := range set {
			out = append(out, c)
		}
	}
	return out
}
