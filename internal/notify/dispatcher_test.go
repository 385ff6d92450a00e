package notify

import (
	"context"
	"sync"
	"testing"

	"github.com/suPer8Hu/wardlink/internal/devices"
	"github.com/suPer8Hu/wardlink/internal/push"
	"github.com/suPer8Hu/wardlink/internal/session"
	"github.com/suPer8Hu/wardlink/internal/session/sessiontest"
	"github.com/suPer8Hu/wardlink/internal/store"
	"github.com/suPer8Hu/wardlink/internal/store/storetest"
	"go.uber.org/zap"
)

type recordingGateway struct {
	mu   sync.Mutex
	sent []push.Message
}

func (g *recordingGateway) Send(_ context.Context, m push.Message) error {
	g.mu.Lock()
	g.sent = append(g.sent, m)
	g.mu.Unlock()
	return nil
}

func (g *recordingGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

type fixture struct {
	repo     *store.Repo
	presence *session.Presence
	gw       *recordingGateway
	disp     *Dispatcher
	bobID    uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storetest.Open(t)
	users := storetest.SeedUsers(t, db, "alice", "bob")
	repo := store.NewRepo(db)
	log := zap.NewNop()

	tokens := devices.NewRegistry(repo, log)
	if err := tokens.Register(context.Background(), users[1].ID, "T", "android"); err != nil {
		t.Fatalf("register token: %v", err)
	}
	gw := &recordingGateway{}
	presence := session.NewPresence()
	pusher := push.NewPusher(gw, tokens, devices.NewAsyncRevoker(tokens, log), log)
	return &fixture{
		repo:     repo,
		presence: presence,
		gw:       gw,
		disp:     NewDispatcher(repo, presence, pusher, log),
		bobID:    users[1].ID,
	}
}

func TestDispatch_PresenceAware(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.disp.Dispatch(ctx, f.bobID, "Appointment", "Tomorrow 9am", "APPOINTMENT_CREATED")
	if f.gw.count() != 1 || f.gw.sent[0].Token != "T" {
		t.Fatalf("expected one push to T, got %+v", f.gw.sent)
	}
	if d.Live != 0 || d.Pushed != 1 {
		t.Fatalf("unexpected delivery %+v", d)
	}

	s, conn := sessiontest.NewSession(f.bobID, "bob", "patient")
	f.presence.Add(s)

	d = f.disp.Dispatch(ctx, f.bobID, "Order", "Shipped", "ORDER_STATUS_CHANGED")
	if f.gw.count() != 1 {
		t.Fatalf("live delivery must not push, gateway calls=%d", f.gw.count())
	}
	if d.Live != 1 || d.Pushed != 0 {
		t.Fatalf("unexpected delivery %+v", d)
	}
	frames := conn.Decoded()
	if len(frames) != 1 || frames[0]["type"] != "ORDER_STATUS_CHANGED" || frames[0]["title"] != "Order" || frames[0]["content"] != "Shipped" {
		t.Fatalf("unexpected live frames %v", frames)
	}

	recent, err := f.disp.Recent(ctx, f.bobID, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("every dispatch should be recorded, got %d", len(recent))
	}
}

func TestDispatch_FailedLiveWritePrunes(t *testing.T) {
	f := newFixture(t)
	s, conn := sessiontest.NewSession(f.bobID, "bob", "patient")
	f.presence.Add(s)
	conn.SetFail(true)

	d := f.disp.Dispatch(context.Background(), f.bobID, "t", "c", "X")
	if d.Live != 0 || f.gw.count() != 0 {
		t.Fatalf("unexpected delivery %+v pushes=%d", d, f.gw.count())
	}
	if f.presence.Online(f.bobID) {
		t.Fatal("broken session should be pruned")
	}
}

func TestBroadcast_DecidesPerUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice, _ := f.repo.FindUserByUsername(ctx, "alice")
	s, conn := sessiontest.NewSession(alice.ID, "alice", "patient")
	f.presence.Add(s)

	d, err := f.disp.Broadcast(ctx, "Maintenance", "Tonight", "SYSTEM")
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if d.Users != 2 || d.Live != 1 || d.Pushed != 1 {
		t.Fatalf("unexpected delivery %+v", d)
	}
	if len(conn.Frames()) != 1 {
		t.Fatal("alice should get the live frame")
	}
	for _, id := range []uint64{alice.ID, f.bobID} {
		recs, _ := f.disp.Recent(ctx, id, 5)
		if len(recs) != 1 || recs[0].PublicID != d.ID {
			t.Fatalf("user %d should see the broadcast record, got %+v", id, recs)
		}
	}
}
