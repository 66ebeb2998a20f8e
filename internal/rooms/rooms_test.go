package rooms

import (
	"fmt"
	"sync"
	"testing"
)

func TestRouter_JoinIdempotent(t *testing.T) {
	r := New()

	if !r.Join("c1", "room") {
		t.Error("first Join should report true")
	}
	if r.Join("c1", "room") {
		t.Error("second Join should be a no-op")
	}

	members := r.MembersOf("room")
	if len(members) != 1 || members[0] != "c1" {
		t.Errorf("expected [c1], got %v", members)
	}
}

func TestRouter_MultipleRooms(t *testing.T) {
	r := New()
	r.Join("c1", "a")
	r.Join("c1", "b")
	r.Join("c2", "a")

	if got := r.RoomsOf("c1"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("expected [a b], got %v", got)
	}
	if got := r.MembersOf("a"); len(got) != 2 {
		t.Errorf("expected 2 members in a, got %v", got)
	}
}

func TestRouter_Leave(t *testing.T) {
	r := New()
	r.Join("c1", "a")
	r.Join("c2", "a")

	if !r.Leave("c1", "a") {
		t.Error("Leave should report true for member")
	}
	if r.Leave("c1", "a") {
		t.Error("Leave should report false for non member")
	}
	if r.IsMember("c1", "a") {
		t.Error("c1 still member of a")
	}

	r.Leave("c2", "a")
	if r.RoomCount() != 0 {
		t.Errorf("empty room not dropped, count %d", r.RoomCount())
	}
}

func TestRouter_LeaveAll(t *testing.T) {
	r := New()
	r.Join("c1", "a")
	r.Join("c1", "b")
	r.Join("c2", "b")

	left := r.LeaveAll("c1")
	if len(left) != 2 {
		t.Errorf("expected to leave 2 rooms, got %v", left)
	}
	if len(r.MembersOf("a")) != 0 {
		t.Error("room a should be empty")
	}
	if got := r.MembersOf("b"); len(got) != 1 || got[0] != "c2" {
		t.Errorf("expected [c2] in b, got %v", got)
	}
	if len(r.RoomsOf("c1")) != 0 {
		t.Error("c1 should have no rooms")
	}

	if left := r.LeaveAll("unknown"); len(left) != 0 {
		t.Errorf("expected nothing for unknown conn, got %v", left)
	}
}

func TestRouter_Concurrent(t *testing.T) {
	r := New()

	var wg sync.WaitGroup
	for i := range 100 {
		connID := fmt.Sprintf("c%d", i%10)
		wg.Go(func() {
			r.Join(connID, "room")
		})
	}
	wg.Wait()

	if got := r.MembersOf("room"); len(got) != 10 {
		t.Errorf("expected 10 distinct members, got %d", len(got))
	}
}
