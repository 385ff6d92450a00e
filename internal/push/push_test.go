package push

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"go.uber.org/zap"
)

type fakeGateway struct {
	mu   sync.Mutex
	sent []Message
	errs map[string]error
}

func (g *fakeGateway) Send(_ context.Context, m Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, m)
	return g.errs[m.Token]
}

type fakeTokens map[uint64][]string

func (f fakeTokens) ActiveTokens(_ context.Context, id uint64) ([]string, error) {
	return f[id], nil
}

type fakeRevoker struct{ revoked []string }

func (r *fakeRevoker) RevokeToken(_ context.Context, tok string) error {
	r.revoked = append(r.revoked, tok)
	return nil
}

func TestPushToUser_CapsPayload(t *testing.T) {
	gw := &fakeGateway{}
	p := NewPusher(gw, fakeTokens{1: {"T"}}, &fakeRevoker{}, zap.NewNop())

	n, err := p.PushToUser(context.Background(), 1,
		strings.Repeat("é", 150),
		strings.Repeat("b", 2000),
		map[string]string{"k": strings.Repeat("界", 600)},
		"")
	if err != nil || n != 1 {
		t.Fatalf("push: n=%d err=%v", n, err)
	}
	m := gw.sent[0]
	if utf8.RuneCountInString(m.Title) != MaxTitle || len(m.Body) != MaxBody || utf8.RuneCountInString(m.Data["k"]) != MaxDataValue {
		t.Fatalf("payload not capped: title=%d body=%d data=%d",
			utf8.RuneCountInString(m.Title), len(m.Body), utf8.RuneCountInString(m.Data["k"]))
	}
	if m.Priority != PriorityNormal {
		t.Fatalf("expected default priority, got %q", m.Priority)
	}
}

func TestPushToUser_PermanentFailureRevokes(t *testing.T) {
	gw := &fakeGateway{errs: map[string]error{
		"dead":  ErrPermanent,
		"flaky": errors.New("unavailable"),
	}}
	rev := &fakeRevoker{}
	p := NewPusher(gw, fakeTokens{1: {"dead", "flaky", "ok"}}, rev, zap.NewNop())

	n, err := p.PushToUser(context.Background(), 1, "t", "b", nil, PriorityHigh)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if n != 1 || len(gw.sent) != 3 {
		t.Fatalf("sent=%d attempted=%d", n, len(gw.sent))
	}
	if len(rev.revoked) != 1 || rev.revoked[0] != "dead" {
		t.Fatalf("only the permanent failure should be revoked, got %v", rev.revoked)
	}
}

func TestPushToUser_NoTokens(t *testing.T) {
	gw := &fakeGateway{}
	p := NewPusher(gw, fakeTokens{}, &fakeRevoker{}, zap.NewNop())
	if n, err := p.PushToUser(context.Background(), 9, "t", "b", nil, ""); n != 0 || err != nil {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if len(gw.sent) != 0 {
		t.Fatal("gateway should not be called without tokens")
	}
}
