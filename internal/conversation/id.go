// Package conversation encodes conversation ids from their participants
// and answers membership questions about them.
//
// Three shapes exist:
//
//	direct     alice-bob              two usernames, case-insensitively sorted
//	group      group-alice-bob-carol  every member including the creator
//	assistant  assistant-alice        one per user, owned by that user
package conversation

import (
	"errors"
	"sort"
	"strings"
)

const (
	Separator       = "-"
	GroupPrefix     = "group" + Separator
	AssistantPrefix = "assistant" + Separator
)

type Kind int

const (
	KindInvalid Kind = iota
	KindDirect
	KindGroup
	KindAssistant
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindGroup:
		return "group"
	case KindAssistant:
		return "assistant"
	}
	return "invalid"
}

var (
	ErrBadUsername      = errors.New("username cannot be part of a conversation id")
	ErrTooFewMembers    = errors.New("conversation needs at least two distinct participants")
	ErrSelfConversation = errors.New("cannot start a direct conversation with yourself")
	ErrInvalidID        = errors.New("malformed conversation id")
)

// Direct returns the id shared by a and b, whichever side starts it.
func Direct(a, b string) (string, error) {
	if err := checkUsername(a); err != nil {
		return "", err
	}
	if err := checkUsername(b); err != nil {
		return "", err
	}
	if strings.EqualFold(a, b) {
		return "", ErrSelfConversation
	}
	names := []string{a, b}
	sortFold(names)
	return strings.Join(names, Separator), nil
}

// Group returns the id for creator plus members. Duplicates (ignoring
// case) collapse to one participant.
func Group(creator string, members ...string) (string, error) {
	seen := make(map[string]struct{}, len(members)+1)
	var names []string
	for _, n := range append([]string{creator}, members...) {
		n = strings.TrimSpace(n)
		if err := checkUsername(n); err != nil {
			return "", err
		}
		key := strings.ToLower(n)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		names = append(names, n)
	}
	if len(names) < 2 {
		return "", ErrTooFewMembers
	}
	sortFold(names)
	return GroupPrefix + strings.Join(names, Separator), nil
}

// Assistant returns username's assistant conversation. It exists
// implicitly for every user.
func Assistant(username string) string {
	return AssistantPrefix + username
}

// ID is a decoded conversation id.
type ID struct {
	Raw          string
	Kind         Kind
	Participants []string
}

// Parse decodes raw. Unknown shapes come back as KindInvalid with no participants.
func Parse(raw string) ID {
	id := ID{Raw: raw}
	switch {
	case strings.HasPrefix(raw, AssistantPrefix):
		owner := strings.TrimPrefix(raw, AssistantPrefix)
		if owner != "" && !strings.Contains(owner, Separator) {
			id.Kind = KindAssistant
			id.Participants = []string{owner}
		}
	case strings.HasPrefix(raw, GroupPrefix):
		if parts := split(strings.TrimPrefix(raw, GroupPrefix)); len(parts) >= 2 {
			id.Kind = KindGroup
			id.Participants = parts
		}
	default:
		if parts := split(raw); len(parts) == 2 {
			id.Kind = KindDirect
			id.Participants = parts
		}
	}
	return id
}

// Canonical rebuilds raw through Direct, Group or Assistant. Two ids name
// the same conversation only if their canonical forms are equal.
func Canonical(raw string) (string, error) {
	id := Parse(raw)
	switch id.Kind {
	case KindDirect:
		return Direct(id.Participants[0], id.Participants[1])
	case KindGroup:
		return Group(id.Participants[0], id.Participants[1:]...)
	case KindAssistant:
		if err := checkUsername(id.Participants[0]); err != nil {
			return "", err
		}
		return Assistant(id.Participants[0]), nil
	}
	return "", ErrInvalidID
}

// IsCanonical reports whether raw is already in canonical form.
func IsCanonical(raw string) bool {
	c, err := Canonical(raw)
	return err == nil && c == raw
}

// IsAssistantOf reports whether raw is username's own assistant conversation.
func IsAssistantOf(raw, username string) bool {
	return username != "" && raw == Assistant(username)
}

// IsMember reports whether username may take part in the conversation raw.
// Names match exactly as the user directory spells them.
func IsMember(raw, username string) bool {
	if username == "" {
		return false
	}
	id := Parse(raw)
	if id.Kind == KindAssistant {
		return IsAssistantOf(raw, username)
	}
	for _, p := range id.Participants {
		if p == username {
			return true
		}
	}
	return false
}

// Others returns the participants of raw other than username.
func Others(raw, username string) []string {
	id := Parse(raw)
	if id.Kind == KindAssistant {
		return nil
	}
	out := make([]string, 0, len(id.Participants))
	for _, p := range id.Participants {
		if p != username {
			out = append(out, p)
		}
	}
	return out
}

func checkUsername(n string) error {
	if n == "" || strings.Contains(n, Separator) {
		return ErrBadUsername
	}
	switch strings.ToLower(n) {
	case "group", "assistant":
		return ErrBadUsername
	}
	return nil
}

func split(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, Separator)
	for _, p := range parts {
		if p == "" {
			return nil
		}
	}
	return parts
}

func sortFold(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		li, lj := strings.ToLower(names[i]), strings.ToLower(names[j])
		if li != lj {
			return li < lj
		}
		return names[i] < names[j]
	})
}
