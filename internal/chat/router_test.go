package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/suPer8Hu/wardlink/internal/ai"
	"github.com/suPer8Hu/wardlink/internal/models"
	"github.com/suPer8Hu/wardlink/internal/notify"
	"github.com/suPer8Hu/wardlink/internal/push"
	"github.com/suPer8Hu/wardlink/internal/session"
	"github.com/suPer8Hu/wardlink/internal/session/sessiontest"
	"github.com/suPer8Hu/wardlink/internal/store"
	"github.com/suPer8Hu/wardlink/internal/store/storetest"
	"github.com/suPer8Hu/wardlink/internal/throttle"
)

type dispatched struct {
	userID uint64
	title  string
	typ    string
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []dispatched
}

func (n *recordingNotifier) Dispatch(_ context.Context, userID uint64, title, _, typ string) notify.Delivery {
	n.mu.Lock()
	n.calls = append(n.calls, dispatched{userID, title, typ})
	n.mu.Unlock()
	return notify.Delivery{Users: 1}
}

type recordingPusher struct {
	mu    sync.Mutex
	users []uint64
	data  []map[string]string
}

func (p *recordingPusher) PushToUser(_ context.Context, userID uint64, _, _ string, data map[string]string, _ push.Priority) (int, error) {
	p.mu.Lock()
	p.users = append(p.users, userID)
	p.data = append(p.data, data)
	p.mu.Unlock()
	return 1, nil
}

func (p *recordingPusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.users)
}

type recordingProvider struct {
	last  []ai.Message
	reply string
	err   error
}

func (p *recordingProvider) Chat(_ context.Context, messages []ai.Message) (string, error) {
	p.last = append([]ai.Message(nil), messages...)
	return p.reply, p.err
}

type failingStore struct{}

func (failingStore) SaveMessage(context.Context, *models.ChatMessage) error {
	return errors.New("db down")
}

func (failingStore) ListRecentMessagesDesc(context.Context, string, int) ([]models.ChatMessage, error) {
	return nil, errors.New("db down")
}

type env struct {
	reg      *session.Registry
	repo     *store.Repo
	router   *Router
	notifier *recordingNotifier
	pusher   *recordingPusher
	provider *recordingProvider
	users    map[string]models.User
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := storetest.Open(t)
	users := map[string]models.User{}
	for _, u := range storetest.SeedUsers(t, db, "alice", "bob", "carol") {
		users[u.Username] = u
	}
	e := &env{
		reg:      session.NewRegistry(),
		repo:     store.NewRepo(db),
		notifier: &recordingNotifier{},
		pusher:   &recordingPusher{},
		provider: &recordingProvider{reply: "rest and hydrate"},
		users:    users,
	}
	e.router = NewRouter(Deps{
		Registry:  e.reg,
		Store:     e.repo,
		Users:     e.repo,
		Notifier:  e.notifier,
		Pusher:    e.pusher,
		Assistant: e.provider,
		Limiter:   throttle.NewMemoryLimiter(2, time.Hour),
		Cooldown:  throttle.NewMemoryCooldown(time.Minute),
	})
	return e
}

func (e *env) connect(username string) (*session.Session, *sessiontest.Conn) {
	u := e.users[username]
	s, c := sessiontest.NewSession(u.ID, u.Username, u.Role)
	e.reg.Add(s)
	return s, c
}

func (e *env) handle(s *session.Session, frame string) {
	e.router.Handle(context.Background(), s, []byte(frame))
}

func last(c *sessiontest.Conn) map[string]any {
	frames := c.Decoded()
	if len(frames) == 0 {
		return nil
	}
	return frames[len(frames)-1]
}

func TestSend_RequiresJoin(t *testing.T) {
	e := newEnv(t)
	alice, aliceConn := e.connect("alice")
	bob, bobConn := e.connect("bob")
	e.handle(bob, `{"type":"JOIN","roomId":"alice-bob"}`)

	e.handle(alice, `{"type":"SEND","roomId":"alice-bob","content":"hi"}`)
	got := last(aliceConn)
	if got["type"] != TypeError || got["text"] != ErrNotInConversation.Error() {
		t.Fatalf("expected not-in-conversation error, got %v", got)
	}
	if len(bobConn.Types()) != 1 {
		t.Fatalf("bob should only have his JOINED frame, got %v", bobConn.Types())
	}

	e.handle(alice, `{"type":"JOIN","roomId":"alice-bob"}`)
	if got := last(aliceConn); got["type"] != TypeJoined || got["conversationId"] != "alice-bob" {
		t.Fatalf("expected JOINED, got %v", got)
	}
	e.handle(alice, `{"type":"SEND","roomId":"alice-bob","content":"hi"}`)
	e.router.Wait()

	got = last(bobConn)
	if got["type"] != TypeMessage || got["content"] != "hi" || got["sender"] != "alice" {
		t.Fatalf("bob should receive the message, got %v", got)
	}
	for _, typ := range aliceConn.Types() {
		if typ == TypeMessage {
			t.Fatal("sender must not receive its own message")
		}
	}
	if len(e.notifier.calls) != 0 {
		t.Fatalf("bob is present, no notification expected: %+v", e.notifier.calls)
	}
	msgs, _ := e.repo.FindMessagesByConversation(context.Background(), "alice-bob")
	if len(msgs) != 1 || msgs[0].SenderID != e.users["alice"].ID {
		t.Fatalf("message not persisted: %+v", msgs)
	}
}

func TestJoin_NonMemberRejected(t *testing.T) {
	e := newEnv(t)
	carol, conn := e.connect("carol")
	e.handle(carol, `{"type":"JOIN","roomId":"alice-bob"}`)
	if got := last(conn); got["type"] != TypeError || got["text"] != ErrNotAuthorized.Error() {
		t.Fatalf("expected not authorized, got %v", got)
	}
	if _, ok := e.reg.ConversationOf(carol); ok {
		t.Fatal("rejected join must not bind")
	}
}

func TestJoin_RejectsNonCanonicalIDs(t *testing.T) {
	e := newEnv(t)
	alice, aliceConn := e.connect("alice")
	bob, bobConn := e.connect("bob")

	e.handle(alice, `{"type":"JOIN","roomId":"Alice-bob"}`)
	if got := last(aliceConn); got["text"] != ErrNotAuthorized.Error() {
		t.Fatalf("a respelled username is not alice, got %v", got)
	}
	for _, id := range []string{"bob-alice", "group-carol-bob-alice"} {
		e.handle(alice, `{"type":"JOIN","roomId":"`+id+`"}`)
		got := last(aliceConn)
		if got["type"] != TypeError || !strings.HasPrefix(got["text"].(string), ErrBadRequest.Error()) {
			t.Fatalf("join %q: expected bad request, got %v", id, got)
		}
		if _, ok := e.reg.ConversationOf(alice); ok {
			t.Fatalf("join %q must not bind", id)
		}
	}
	if got := last(aliceConn)["text"].(string); !strings.Contains(got, `"group-alice-bob-carol"`) {
		t.Fatalf("error should name the canonical id, got %q", got)
	}

	e.handle(bob, `{"type":"JOIN","roomId":"alice-bob"}`)
	e.handle(alice, `{"type":"SEND","roomId":"bob-alice","content":"hi"}`)
	if got := last(aliceConn); got["text"] != ErrNotInConversation.Error() {
		t.Fatalf("expected not-in-conversation for unbound send, got %v", got)
	}

	e.handle(alice, `{"type":"JOIN","roomId":"alice-bob"}`)
	e.handle(alice, `{"type":"SEND","roomId":"alice-bob","content":"hi"}`)
	e.router.Wait()
	if got := last(bobConn); got["type"] != TypeMessage || got["content"] != "hi" {
		t.Fatalf("bob should receive the message, got %v", got)
	}
	if len(e.notifier.calls) != 0 {
		t.Fatalf("bob is present, no notification expected: %+v", e.notifier.calls)
	}
}

func TestSend_EmptyAndUnknownFrames(t *testing.T) {
	e := newEnv(t)
	alice, conn := e.connect("alice")
	e.handle(alice, `{"type":"JOIN","roomId":"alice-bob"}`)

	e.handle(alice, `{"type":"SEND","roomId":"alice-bob","content":"  \u0000 "}`)
	if got := last(conn); got["text"] != ErrEmptyContent.Error() {
		t.Fatalf("expected empty content error, got %v", got)
	}
	e.handle(alice, `{"type":"TYPING","roomId":"alice-bob"}`)
	if got := last(conn); got["type"] != TypeError || !strings.Contains(got["text"].(string), ErrUnknownFrame.Error()) {
		t.Fatalf("expected unknown frame error, got %v", got)
	}
	e.handle(alice, `not json`)
	if got := last(conn); got["type"] != TypeError {
		t.Fatalf("expected error for malformed frame, got %v", got)
	}
}

func TestSend_NotifiesAbsentParticipants(t *testing.T) {
	e := newEnv(t)
	alice, _ := e.connect("alice")
	bob, _ := e.connect("bob")
	e.handle(alice, `{"type":"JOIN","roomId":"group-alice-bob-carol"}`)
	e.handle(bob, `{"type":"JOIN","roomId":"group-alice-bob-carol"}`)

	e.handle(alice, `{"type":"SEND","roomId":"group-alice-bob-carol","content":"rounds at 3"}`)
	e.router.Wait()

	if len(e.notifier.calls) != 1 {
		t.Fatalf("expected one notification, got %+v", e.notifier.calls)
	}
	c := e.notifier.calls[0]
	if c.userID != e.users["carol"].ID || c.title != "alice" || c.typ != NotificationTypeChat {
		t.Fatalf("unexpected notification %+v", c)
	}
}

func TestSend_PersistFailureStillDelivers(t *testing.T) {
	e := newEnv(t)
	e.router.store = failingStore{}
	alice, _ := e.connect("alice")
	bob, bobConn := e.connect("bob")
	e.handle(alice, `{"type":"JOIN","roomId":"alice-bob"}`)
	e.handle(bob, `{"type":"JOIN","roomId":"alice-bob"}`)

	e.handle(alice, `{"type":"SEND","roomId":"alice-bob","content":"still here"}`)
	if got := last(bobConn); got["content"] != "still here" {
		t.Fatalf("delivery should not depend on persistence, got %v", got)
	}
}

func TestBroadcast_PrunesBrokenSessions(t *testing.T) {
	e := newEnv(t)
	alice, _ := e.connect("alice")
	bob, bobConn := e.connect("bob")
	e.handle(alice, `{"type":"JOIN","roomId":"alice-bob"}`)
	e.handle(bob, `{"type":"JOIN","roomId":"alice-bob"}`)
	bobConn.SetFail(true)

	if n := e.router.Broadcast("alice-bob", map[string]string{"type": "X"}, alice); n != 0 {
		t.Fatalf("expected no deliveries, got %d", n)
	}
	if e.reg.Len() != 1 || len(e.reg.Members("alice-bob")) != 1 {
		t.Fatal("broken session should be purged")
	}
}

func TestAssistant_ReplyAndThrottle(t *testing.T) {
	e := newEnv(t)
	alice, conn := e.connect("alice")
	e.handle(alice, `{"type":"JOIN","roomId":"assistant-alice"}`)

	e.handle(alice, `{"type":"SEND","roomId":"assistant-alice","content":"I have a headache"}`)
	got := last(conn)
	if got["type"] != TypeMessage || got["sender"] != AssistantSender || got["content"] != "rest and hydrate" {
		t.Fatalf("expected assistant reply, got %v", got)
	}
	msgs := e.provider.last
	if len(msgs) != 2 || msgs[0].Role != ai.RoleSystem || msgs[1].Content != "I have a headache" {
		t.Fatalf("unexpected provider context %+v", msgs)
	}

	e.handle(alice, `{"type":"SEND","roomId":"assistant-alice","content":"and now?"}`)
	if msgs := e.provider.last; len(msgs) != 4 || msgs[2].Role != ai.RoleAssistant {
		t.Fatalf("history should alternate user/assistant, got %+v", msgs)
	}

	e.handle(alice, `{"type":"SEND","roomId":"assistant-alice","content":"hello?"}`)
	if got := last(conn); got["content"] != SlowDownReply {
		t.Fatalf("third call should be throttled, got %v", got)
	}

	stored, _ := e.repo.FindMessagesByConversation(context.Background(), "assistant-alice")
	if len(stored) != 6 || stored[5].Sender != AssistantSender {
		t.Fatalf("expected 6 stored messages, got %d", len(stored))
	}
}

func TestAssistant_ProviderFailure(t *testing.T) {
	e := newEnv(t)
	e.provider.err = errors.New("timeout")
	alice, conn := e.connect("alice")
	e.handle(alice, `{"type":"JOIN","roomId":"assistant-alice"}`)
	e.handle(alice, `{"type":"SEND","roomId":"assistant-alice","content":"hi"}`)
	if got := last(conn); got["content"] != UnavailableReply {
		t.Fatalf("expected canned reply, got %v", got)
	}
}

func TestAssistant_OnlyOwner(t *testing.T) {
	e := newEnv(t)
	bob, conn := e.connect("bob")
	e.handle(bob, `{"type":"JOIN","roomId":"assistant-alice"}`)
	if got := last(conn); got["text"] != ErrNotAuthorized.Error() {
		t.Fatalf("expected not authorized, got %v", got)
	}
}

func TestRelay_IncludesSender(t *testing.T) {
	e := newEnv(t)
	alice, aliceConn := e.connect("alice")
	bob, bobConn := e.connect("bob")
	e.handle(alice, `{"type":"JOIN","roomId":"alice-bob"}`)
	e.handle(bob, `{"type":"JOIN","roomId":"alice-bob"}`)

	raw := `{"type":"CALL_ICE","roomId":"alice-bob","from":"alice","candidate":{"sdpMid":"0"}}`
	e.handle(alice, raw)

	for name, c := range map[string]*sessiontest.Conn{"alice": aliceConn, "bob": bobConn} {
		frames := c.Frames()
		if string(frames[len(frames)-1]) != raw {
			t.Fatalf("%s should receive the frame verbatim, got %s", name, frames[len(frames)-1])
		}
	}
}

func TestRelay_EchoesUnjoinedSender(t *testing.T) {
	e := newEnv(t)
	alice, aliceConn := e.connect("alice")
	bob, bobConn := e.connect("bob")
	e.handle(bob, `{"type":"JOIN","roomId":"alice-bob"}`)
	e.handle(alice, `{"type":"JOIN","roomId":"alice-carol"}`)

	raw := `{"type":"CALL_ICE","roomId":"alice-bob","from":"alice","candidate":{"sdpMid":"0"}}`
	e.handle(alice, raw)

	for name, c := range map[string]*sessiontest.Conn{"alice": aliceConn, "bob": bobConn} {
		frames := c.Frames()
		if string(frames[len(frames)-1]) != raw {
			t.Fatalf("%s should receive the frame verbatim, got %s", name, frames[len(frames)-1])
		}
	}
	n := 0
	for _, f := range aliceConn.Frames() {
		if string(f) == raw {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("sender echoed %d times", n)
	}

	e.handle(alice, `{"type":"CALL_ICE","roomId":"bob-alice","from":"alice"}`)
	if got := last(aliceConn); !strings.HasPrefix(got["text"].(string), ErrBadRequest.Error()) {
		t.Fatalf("non-canonical relay must be rejected, got %v", got)
	}
}

func TestRelay_Rejections(t *testing.T) {
	e := newEnv(t)
	alice, conn := e.connect("alice")
	carol, carolConn := e.connect("carol")

	e.handle(alice, `{"type":"CALL_OFFER","from":"alice"}`)
	if got := last(conn); !strings.HasPrefix(got["text"].(string), ErrBadRequest.Error()) {
		t.Fatalf("expected bad request, got %v", got)
	}
	e.handle(alice, `{"type":"CALL_OFFER","roomId":"assistant-alice","from":"alice"}`)
	if got := last(conn); got["text"] != ErrNotAuthorized.Error() {
		t.Fatalf("assistant conversation must reject signaling, got %v", got)
	}
	e.handle(carol, `{"type":"CALL_OFFER","roomId":"alice-bob","from":"carol"}`)
	if got := last(carolConn); got["text"] != ErrNotAuthorized.Error() {
		t.Fatalf("non-member must be rejected, got %v", got)
	}
}

func TestRelay_OfferWakeCooldown(t *testing.T) {
	e := newEnv(t)
	alice, _ := e.connect("alice")
	e.handle(alice, `{"type":"JOIN","roomId":"alice-bob"}`)

	offer := `{"type":"CALL_OFFER","roomId":"alice-bob","from":"alice","sdp":"v=0"}`
	e.handle(alice, offer)
	e.handle(alice, offer)
	e.router.Wait()

	if e.pusher.count() != 1 {
		t.Fatalf("expected one wake-up push, got %d", e.pusher.count())
	}
	if e.pusher.users[0] != e.users["bob"].ID || e.pusher.data[0]["type"] != "CALL_WAKE" {
		t.Fatalf("unexpected wake-up %v %v", e.pusher.users, e.pusher.data)
	}
}

func TestRelay_OfferSkipsPresentCallee(t *testing.T) {
	e := newEnv(t)
	alice, _ := e.connect("alice")
	bob, _ := e.connect("bob")
	e.handle(alice, `{"type":"JOIN","roomId":"alice-bob"}`)
	e.handle(bob, `{"type":"JOIN","roomId":"alice-bob"}`)

	e.handle(alice, `{"type":"CALL_OFFER","roomId":"alice-bob","from":"alice"}`)
	e.router.Wait()
	if e.pusher.count() != 0 {
		t.Fatalf("present callee must not be pushed, got %d", e.pusher.count())
	}
}

func TestSanitize(t *testing.T) {
	in := "ok\x00 caf\xc3\xa9 \xff smile 😀 end"
	if got := Sanitize(in); got != "ok café  smile  end" {
		t.Fatalf("unexpected %q", got)
	}
}
