// Package timerlist implements the dispatcher's per-connection idle-timeout
// list: a time-ordered doubly-linked list of expiry records, consulted and
// mutated only from the dispatcher goroutine.
package timerlist

import "time"

// Slot is the timer granularity; idle timeout is 3*Slot.
const Slot = 5 * time.Second

// IdleTimeout is the duration of inactivity after which a connection is closed.
const IdleTimeout = 3 * Slot

// Entry is a single timer node: absolute expiry, the descriptor it
// watches, and the callback to invoke on expiry. Entries never hold a
// pointer back to the owning connection struct — the callback looks
// the connection up by Fd in the dispatcher's connection table,
// collapsing the reference cycle a raw back-pointer would create.
type Entry struct {
	Expire time.Time
	Fd     int
	Peer   string

	prev, next *Entry
	inList     bool
}

// Callback is invoked by Tick for every entry whose expiry has elapsed.
type Callback func(e *Entry)

// List is a single-threaded, ascending-expiry doubly linked list.
// All methods must be called from the owning (dispatcher) goroutine only.
type List struct {
	head, tail *Entry
	onExpire   Callback
	len        int
}

// New creates an empty timer list. cb is invoked, in expiry order, for
// every entry Tick finds expired.
func New(cb Callback) *List {
	return &List{onExpire: cb}
}

// Len reports the number of live entries.
func (l *List) Len() int { return l.len }

// NewEntry constructs and inserts a timer entry expiring at now+IdleTimeout.
func (l *List) NewEntry(fd int, peer string, now time.Time) *Entry {
	e := &Entry{Expire: now.Add(IdleTimeout), Fd: fd, Peer: peer}
	l.Insert(e)
	return e
}

// Insert splices e into the list at the position preceding the first
// entry whose expiry is > e.Expire (linear scan from head), so entries
// with equal expiry keep their insertion order.
func (l *List) Insert(e *Entry) {
	if e.inList {
		return
	}
	l.insertFrom(e, l.head)
}

func (l *List) insertFrom(e *Entry, start *Entry) {
	e.inList = true
	l.len++

	if l.head == nil {
		l.head, l.tail = e, e
		e.prev, e.next = nil, nil
		return
	}

	cur := start
	for cur != nil && !cur.Expire.After(e.Expire) {
		cur = cur.next
	}

	if cur == nil {
		// append at tail
		e.prev = l.tail
		e.next = nil
		l.tail.next = e
		l.tail = e
		return
	}

	e.next = cur
	e.prev = cur.prev
	if cur.prev != nil {
		cur.prev.next = e
	} else {
		l.head = e
	}
	cur.prev = e
}

// Reposition updates e's expiry to now+IdleTimeout. If the new expiry
// still precedes e.next's expiry, this is a no-op splice-wise (the
// sorted invariant already holds); otherwise e is unlinked and
// re-inserted from its old position onward.
func (l *List) Reposition(e *Entry, now time.Time) {
	newExpire := now.Add(IdleTimeout)
	if !e.inList {
		e.Expire = newExpire
		l.Insert(e)
		return
	}

	if e.next == nil || !e.next.Expire.Before(newExpire) {
		e.Expire = newExpire
		return
	}

	from := e.next
	l.unlink(e)
	e.Expire = newExpire
	l.insertFrom(e, from)
}

// Remove unlinks e from the list. No-op if e is not currently linked.
func (l *List) Remove(e *Entry) {
	if !e.inList {
		return
	}
	l.unlink(e)
}

func (l *List) unlink(e *Entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}
	e.prev, e.next = nil, nil
	e.inList = false
	l.len--
}

// Tick fires the callback for, and unlinks, every entry whose expiry
// has elapsed as of now. Stops at the first non-expired entry since
// the list is sorted ascending.
func (l *List) Tick(now time.Time) {
	for l.head != nil && !l.head.Expire.After(now) {
		e := l.head
		l.unlink(e)
		if l.onExpire != nil {
			l.onExpire(e)
		}
	}
}
