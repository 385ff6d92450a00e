package session_test

import (
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/suPer8Hu/wardlink/internal/session"
	"github.com/suPer8Hu/wardlink/internal/session/sessiontest"
)

func TestJoin_MovesMembershipExactlyOnce(t *testing.T) {
	reg := session.NewRegistry()
	s, _ := sessiontest.NewSession(1, "alice", "patient")
	reg.Add(s)

	if _, err := reg.Join(s, "A"); err != nil {
		t.Fatalf("join A: %v", err)
	}
	left, err := reg.Join(s, "B")
	if err != nil {
		t.Fatalf("join B: %v", err)
	}
	if left != "A" {
		t.Fatalf("expected to leave A, left %q", left)
	}
	if len(reg.Members("A")) != 0 || len(reg.Members("B")) != 1 {
		t.Fatalf("unexpected members A=%d B=%d", len(reg.Members("A")), len(reg.Members("B")))
	}

	if _, err := reg.Join(s, "A"); err != nil {
		t.Fatalf("rejoin A: %v", err)
	}
	if len(reg.Members("B")) != 0 || len(reg.Members("A")) != 1 {
		t.Fatal("stale membership after rejoin")
	}
	if reg.Conversations() != 1 {
		t.Fatalf("expected 1 conversation, got %d", reg.Conversations())
	}

	left, _ = reg.Join(s, "A")
	if left != "" || len(reg.Members("A")) != 1 {
		t.Fatal("rejoining the same conversation should be a no-op")
	}
	if err := reg.CheckConsistency(); err != nil {
		t.Fatal(err)
	}
}

func TestJoin_RequiresRegistration(t *testing.T) {
	reg := session.NewRegistry()
	s, _ := sessiontest.NewSession(1, "alice", "patient")
	if _, err := reg.Join(s, "A"); !errors.Is(err, session.ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestRemove_DropsEmptyConversation(t *testing.T) {
	reg := session.NewRegistry()
	a, _ := sessiontest.NewSession(1, "alice", "patient")
	b, _ := sessiontest.NewSession(2, "bob", "doctor")
	reg.Add(a)
	reg.Add(b)
	reg.Join(a, "alice-bob")
	reg.Join(b, "alice-bob")

	if !reg.Remove(a) {
		t.Fatal("expected a to be removed")
	}
	if reg.Remove(a) {
		t.Fatal("second remove should report false")
	}
	if got := reg.Members("alice-bob"); len(got) != 1 || got[0] != b {
		t.Fatalf("unexpected members: %v", got)
	}
	reg.Remove(b)
	if reg.Conversations() != 0 || reg.Len() != 0 {
		t.Fatalf("registry not empty: conv=%d all=%d", reg.Conversations(), reg.Len())
	}
	if _, ok := reg.ConversationOf(b); ok {
		t.Fatal("removed session still bound")
	}
}

func TestHasOpenSession(t *testing.T) {
	reg := session.NewRegistry()
	s, _ := sessiontest.NewSession(2, "Bob", "doctor")
	reg.Add(s)
	reg.Join(s, "alice-bob")

	if !reg.HasOpenSession("bob", "alice-bob") {
		t.Fatal("bob should be present")
	}
	if reg.HasOpenSession("bob", "bob-carol") {
		t.Fatal("bob is not in bob-carol")
	}
	s.Close()
	if reg.HasOpenSession("bob", "alice-bob") {
		t.Fatal("closed session must not count as present")
	}
}

func TestRegistry_ConsistentUnderConcurrency(t *testing.T) {
	reg := session.NewRegistry()
	convs := []string{"a-b", "a-c", "b-c", "group-a-b-c"}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			var mine []*session.Session
			for i := 0; i < 500; i++ {
				switch op := rnd.Intn(4); {
				case op == 0 || len(mine) == 0:
					s, _ := sessiontest.NewSession(uint64(seed), "u", "patient")
					reg.Add(s)
					mine = append(mine, s)
				case op == 1:
					s := mine[rnd.Intn(len(mine))]
					reg.Join(s, convs[rnd.Intn(len(convs))])
				case op == 2:
					reg.Leave(mine[rnd.Intn(len(mine))])
				default:
					idx := rnd.Intn(len(mine))
					reg.Remove(mine[idx])
					mine = append(mine[:idx], mine[idx+1:]...)
				}
			}
		}(int64(w + 1))
	}

	stop := make(chan struct{})
	checked := make(chan error, 1)
	go func() {
		for {
			select {
			case <-stop:
				checked <- nil
				return
			default:
				if err := reg.CheckConsistency(); err != nil {
					checked <- err
					return
				}
			}
		}
	}()

	wg.Wait()
	close(stop)
	if err := <-checked; err != nil {
		t.Fatal(err)
	}
	if err := reg.CheckConsistency(); err != nil {
		t.Fatal(err)
	}
}

func TestPresence(t *testing.T) {
	p := session.NewPresence()
	s1, _ := sessiontest.NewSession(5, "bob", "doctor")
	s2, _ := sessiontest.NewSession(5, "bob", "doctor")
	p.Add(s1)
	p.Add(s2)

	if got := len(p.Sessions(5)); got != 2 {
		t.Fatalf("expected 2 sessions, got %d", got)
	}
	s1.Close()
	if got := len(p.Sessions(5)); got != 1 {
		t.Fatalf("closed sessions should be hidden, got %d", got)
	}
	p.Remove(s1)
	p.Remove(s2)
	if p.Online(5) || p.Users() != 0 {
		t.Fatal("user should be offline with no entry left")
	}
}

func TestSweepOnce(t *testing.T) {
	reg := session.NewRegistry()
	live, liveConn := sessiontest.NewSession(1, "alice", "patient")
	dead, _ := sessiontest.NewSession(2, "bob", "patient")
	broken, brokenConn := sessiontest.NewSession(3, "carol", "patient")
	for _, s := range []*session.Session{live, dead, broken} {
		reg.Add(s)
		reg.Join(s, "group-alice-bob-carol")
	}
	dead.Close()
	brokenConn.SetFail(true)

	pinged, purged := session.SweepOnce(reg)
	if pinged != 1 || purged != 2 {
		t.Fatalf("pinged=%d purged=%d", pinged, purged)
	}
	if liveConn.Pings() != 1 {
		t.Fatalf("expected one ping, got %d", liveConn.Pings())
	}
	if reg.Len() != 1 || len(reg.Members("group-alice-bob-carol")) != 1 {
		t.Fatal("closed sessions should be purged from every index")
	}
}

func TestSession_FailedWriteCloses(t *testing.T) {
	s, conn := sessiontest.NewSession(1, "alice", "patient")
	if err := s.Send(map[string]string{"type": "X"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	conn.SetFail(true)
	if err := s.Send(map[string]string{"type": "Y"}); err == nil {
		t.Fatal("expected write error")
	}
	if !s.Closed() {
		t.Fatal("failed write should close the session")
	}
	if err := s.Send("z"); !errors.Is(err, session.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
