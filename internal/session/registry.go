// Package session owns the process-wide indices of live connections: the
// chat registry keyed by conversation and the notification presence
// registry keyed by user.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var ErrNotRegistered = errors.New("session not registered")

type set map[*Session]struct{}

// Registry indexes chat sessions. Every mutation runs under one lock so
// that s is in byConversation[c] exactly when conversationOf[s] == c.
type Registry struct {
	mu             sync.RWMutex
	all            set
	conversationOf map[*Session]string
	byConversation map[string]set
}

func NewRegistry() *Registry {
	return &Registry{
		all:            make(set),
		conversationOf: make(map[*Session]string),
		byConversation: make(map[string]set),
	}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.all[s] = struct{}{}
	r.mu.Unlock()
}

// Join binds s to conv, dropping any previous binding. It returns the
// conversation s left, which is empty when there was none or when s was
// already in conv.
func (r *Registry) Join(s *Session, conv string) (left string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.all[s]; !ok {
		return "", ErrNotRegistered
	}
	prev, bound := r.conversationOf[s]
	if bound && prev == conv {
		return "", nil
	}
	if bound {
		r.unbindLocked(s, prev)
		left = prev
	}
	members := r.byConversation[conv]
	if members == nil {
		members = make(set)
		r.byConversation[conv] = members
	}
	members[s] = struct{}{}
	r.conversationOf[s] = conv
	return left, nil
}

// Leave unbinds s from its conversation but keeps it registered.
func (r *Registry) Leave(s *Session) {
	r.mu.Lock()
	if conv, ok := r.conversationOf[s]; ok {
		r.unbindLocked(s, conv)
	}
	r.mu.Unlock()
}

// Remove purges s from every index. It reports whether s was registered.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conv, ok := r.conversationOf[s]; ok {
		r.unbindLocked(s, conv)
	}
	if _, ok := r.all[s]; !ok {
		return false
	}
	delete(r.all, s)
	return true
}

func (r *Registry) unbindLocked(s *Session, conv string) {
	delete(r.conversationOf, s)
	if members := r.byConversation[conv]; members != nil {
		delete(members, s)
		if len(members) == 0 {
			delete(r.byConversation, conv)
		}
	}
}

func (r *Registry) ConversationOf(s *Session) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conv, ok := r.conversationOf[s]
	return conv, ok
}

// Members returns a snapshot of the sessions bound to conv.
func (r *Registry) Members(conv string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.byConversation[conv]
	out := make([]*Session, 0, len(members))
	for s := range members {
		out = append(out, s)
	}
	return out
}

// HasOpenSession reports whether username has an open session bound to conv.
func (r *Registry) HasOpenSession(username, conv string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for s := range r.byConversation[conv] {
		if !s.Closed() && strings.EqualFold(s.Username, username) {
			return true
		}
	}
	return false
}

func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.all))
	for s := range r.all {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.all)
}

func (r *Registry) Conversations() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConversation)
}

// CheckConsistency walks both conversation indices and reports the first
// disagreement between them.
func (r *Registry) CheckConsistency() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for s, conv := range r.conversationOf {
		if _, ok := r.all[s]; !ok {
			return fmt.Errorf("session %s bound to %q but not registered", s.ID, conv)
		}
		if _, ok := r.byConversation[conv][s]; !ok {
			return fmt.Errorf("session %s bound to %q but missing from its members", s.ID, conv)
		}
	}
	for conv, members := range r.byConversation {
		if len(members) == 0 {
			return fmt.Errorf("empty conversation %q retained", conv)
		}
		for s := range members {
			if r.conversationOf[s] != conv {
				return fmt.Errorf("session %s listed in %q but bound to %q", s.ID, conv, r.conversationOf[s])
			}
		}
	}
	return nil
}
