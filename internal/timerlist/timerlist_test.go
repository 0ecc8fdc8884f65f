package timerlist

import (
	"testing"
	"time"
)

func TestInsertMaintainsAscendingOrder(t *testing.T) {
	var fired []int
	l := New(func(e *Entry) { fired = append(fired, e.Fd) })

	base := time.Now()
	e3 := &Entry{Fd: 3, Expire: base.Add(3 * time.Second)}
	e1 := &Entry{Fd: 1, Expire: base.Add(1 * time.Second)}
	e2 := &Entry{Fd: 2, Expire: base.Add(2 * time.Second)}

	l.Insert(e3)
	l.Insert(e1)
	l.Insert(e2)

	if l.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", l.Len())
	}

	var order []int
	for e := l.head; e != nil; e = e.next {
		order = append(order, e.Fd)
	}
	want := []int{1, 2, 3}
	for i, w := range want {
		if order[i] != w {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestTickFiresOnlyExpiredInOrder(t *testing.T) {
	var fired []int
	l := New(func(e *Entry) { fired = append(fired, e.Fd) })

	base := time.Now()
	l.Insert(&Entry{Fd: 1, Expire: base.Add(-2 * time.Second)})
	l.Insert(&Entry{Fd: 2, Expire: base.Add(-1 * time.Second)})
	l.Insert(&Entry{Fd: 3, Expire: base.Add(10 * time.Second)})

	l.Tick(base)

	if len(fired) != 2 || fired[0] != 1 || fired[1] != 2 {
		t.Fatalf("fired = %v, want [1 2]", fired)
	}
	if l.Len() != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", l.Len())
	}
}

func TestRepositionNoOpWhenStillPrecedesNext(t *testing.T) {
	l := New(nil)
	base := time.Now()

	e1 := l.NewEntry(1, "1.1.1.1", base)
	_ = l.NewEntry(2, "2.2.2.2", base.Add(time.Millisecond))

	// repositioning e1 "now" still keeps it before e2 since both were
	// inserted at nearly the same instant and IdleTimeout dominates.
	l.Reposition(e1, base.Add(time.Microsecond))

	var order []int
	for e := l.head; e != nil; e = e.next {
		order = append(order, e.Fd)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order = %v, want [1 2]", order)
	}
}

func TestRepositionReordersWhenExpiryMoves(t *testing.T) {
	l := New(nil)
	base := time.Now()

	e1 := l.NewEntry(1, "", base)
	_ = l.NewEntry(2, "", base)

	// advance e1 far into the future so it moves behind e2.
	l.Reposition(e1, base.Add(time.Hour))

	var order []int
	for e := l.head; e != nil; e = e.next {
		order = append(order, e.Fd)
	}
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("order = %v, want [2 1]", order)
	}
}

func TestRemoveUnlinksEntry(t *testing.T) {
	l := New(nil)
	base := time.Now()
	e1 := l.NewEntry(1, "", base)
	e2 := l.NewEntry(2, "", base.Add(time.Second))

	l.Remove(e1)
	if l.Len() != 1 {
		t.Fatalf("expected 1 entry after remove, got %d", l.Len())
	}
	if l.head != e2 {
		t.Fatalf("expected head == e2 after removing e1")
	}

	// removing again is a no-op, not a crash.
	l.Remove(e1)
	if l.Len() != 1 {
		t.Fatalf("double remove changed length")
	}
}

func TestEveryLiveConnectionHasExactlyOneEntry(t *testing.T) {
	l := New(nil)
	base := time.Now()
	entries := make(map[int]*Entry)
	for fd := 0; fd < 10; fd++ {
		entries[fd] = l.NewEntry(fd, "", base)
	}
	if l.Len() != 10 {
		t.Fatalf("expected 10 live entries, got %d", l.Len())
	}
	for fd, e := range entries {
		if e.Fd != fd {
			t.Fatalf("entry fd mismatch")
		}
	}
}
