// Package push delivers notifications to devices that have no live
// connection.
package push

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/suPer8Hu/wardlink/internal/metrics"
	"go.uber.org/zap"
)

// Gateway payload caps, in runes.
const (
	MaxTitle     = 100
	MaxBody      = 1000
	MaxDataValue = 500
)

// ErrPermanent marks a token the gateway will never accept again.
var ErrPermanent = errors.New("permanent push failure")

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

type Message struct {
	Token    string
	Title    string
	Body     string
	Data     map[string]string
	Priority Priority
}

// Gateway sends one message. Errors wrapping ErrPermanent revoke the token.
type Gateway interface {
	Send(ctx context.Context, msg Message) error
}

type TokenSource interface {
	ActiveTokens(ctx context.Context, userID uint64) ([]string, error)
}

// TokenEvicter is implemented by caching token sources. A permanently
// rejected token is evicted before its revocation is queued.
type TokenEvicter interface {
	EvictToken(userID uint64, token string)
}

// TokenRevoker takes a token out of circulation. Implementations should
// return quickly and do the work asynchronously.
type TokenRevoker interface {
	RevokeToken(ctx context.Context, token string) error
}

type Pusher struct {
	gw      Gateway
	tokens  TokenSource
	revoker TokenRevoker
	log     *zap.Logger
	timeout time.Duration
}

func NewPusher(gw Gateway, tokens TokenSource, revoker TokenRevoker, log *zap.Logger) *Pusher {
	return &Pusher{gw: gw, tokens: tokens, revoker: revoker, log: log, timeout: 5 * time.Second}
}

// PushToUser sends to every active token of userID and returns how many
// sends succeeded. Gateway failures are logged, never returned.
func (p *Pusher) PushToUser(ctx context.Context, userID uint64, title, body string, data map[string]string, prio Priority) (int, error) {
	tokens, err := p.tokens.ActiveTokens(ctx, userID)
	if err != nil {
		return 0, err
	}
	if len(tokens) == 0 {
		p.log.Debug("push_no_tokens", zap.Uint64("user_id", userID))
		return 0, nil
	}

	title = Truncate(title, MaxTitle)
	body = Truncate(body, MaxBody)
	capped := make(map[string]string, len(data))
	for k, v := range data {
		capped[k] = Truncate(v, MaxDataValue)
	}
	if prio == "" {
		prio = PriorityNormal
	}

	sent := 0
	for _, tok := range tokens {
		sendCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err := p.gw.Send(sendCtx, Message{Token: tok, Title: title, Body: body, Data: capped, Priority: prio})
		cancel()
		switch {
		case err == nil:
			sent++
			metrics.PushSends.WithLabelValues("ok").Inc()
		case errors.Is(err, ErrPermanent):
			metrics.PushSends.WithLabelValues("permanent").Inc()
			p.log.Warn("push_token_rejected", zap.Uint64("user_id", userID), zap.String("token", mask(tok)), zap.Error(err))
			if ev, ok := p.tokens.(TokenEvicter); ok {
				ev.EvictToken(userID, tok)
			}
			if rerr := p.revoker.RevokeToken(context.WithoutCancel(ctx), tok); rerr != nil {
				p.log.Error("push_revoke_enqueue_failed", zap.String("token", mask(tok)), zap.Error(rerr))
			}
		default:
			metrics.PushSends.WithLabelValues("transient").Inc()
			p.log.Warn("push_send_failed", zap.Uint64("user_id", userID), zap.String("token", mask(tok)), zap.Error(err))
		}
	}
	return sent, nil
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

func mask(tok string) string {
	if len(tok) <= 8 {
		return "****"
	}
	return tok[:4] + "…" + tok[len(tok)-4:]
}
