package session

import "sync"

// Presence tracks open notification-channel sessions per user. It is
// independent of chat conversation membership.
type Presence struct {
	mu     sync.RWMutex
	byUser map[uint64]set
}

func NewPresence() *Presence {
	return &Presence{byUser: make(map[uint64]set)}
}

func (p *Presence) Add(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sessions := p.byUser[s.UserID]
	if sessions == nil {
		sessions = make(set)
		p.byUser[s.UserID] = sessions
	}
	sessions[s] = struct{}{}
}

func (p *Presence) Remove(s *Session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	sessions := p.byUser[s.UserID]
	if _, ok := sessions[s]; !ok {
		return false
	}
	delete(sessions, s)
	if len(sessions) == 0 {
		delete(p.byUser, s.UserID)
	}
	return true
}

// Sessions returns the open sessions of userID.
func (p *Presence) Sessions(userID uint64) []*Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Session, 0, len(p.byUser[userID]))
	for s := range p.byUser[userID] {
		if !s.Closed() {
			out = append(out, s)
		}
	}
	return out
}

func (p *Presence) Online(userID uint64) bool {
	return len(p.Sessions(userID)) > 0
}

func (p *Presence) All() []*Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*Session
	for _, sessions := range p.byUser {
		for s := range sessions {
			out = append(out, s)
		}
	}
	return out
}

// Users is the number of users with at least one registered session.
func (p *Presence) Users() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byUser)
}
