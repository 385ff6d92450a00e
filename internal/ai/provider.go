// Package ai talks to the assistant answer service behind the per-user
// assistant conversation.
package ai

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider returns one complete reply for the conversation so far.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}
