// Package httpconn implements per-connection HTTP/1.1 state: growable
// read/write buffers, the streaming request parser, response assembly,
// and the scatter-gather writer. A Conn is owned exclusively by the
// dispatcher; a worker holds only a borrowed reference while a task is
// outstanding (see invariant in SPEC_FULL.md §3).
package httpconn

import (
	"io"
	"net"
	"syscall"

	"github.com/kfcemployee/goserver/internal/timerlist"
)

const (
	// ReadBufInitial is the read buffer's starting capacity.
	ReadBufInitial = 64 * 1024
	// ReadBufMax is the hard cap on body size (200 MiB) plus headroom
	// for in-place NUL termination and slack after Content-Length.
	ReadBufMax = 200*1024*1024 + 4*1024
	// WriteBufSize is the fixed status-line+headers buffer size.
	WriteBufSize = 8 * 1024
)

// ParseState is one of the three streaming parser states.
type ParseState int

const (
	StateRequestLine ParseState = iota
	StateHeader
	StateBody
)

// Method is the subset of HTTP methods the engine recognizes.
type Method int

const (
	MethodUnknown Method = iota
	MethodGet
	MethodPost
)

// Conn holds all per-connection state: buffers, parser cursors,
// request fields (views into ReadBuf), and response assembly state. A
// Conn is owned by exactly one goroutine at a time: the dispatcher
// loop until it hands a ready fd to a worker closure, then the worker
// until it returns control via rearm or close.
type Conn struct {
	Fd       int
	PeerAddr net.IP
	PeerPort int
	PeerIP   string // normalized, via ipstats.Normalize

	ReadBuf     []byte
	ReadCursor  int // bytes filled
	ParseCursor int // bytes consumed by the parser
	LineStart   int // start of the line currently being scanned

	WriteBuf   [WriteBufSize]byte
	WriteCursor int

	State   ParseState
	Method  Method
	URL     string
	Version string
	Host    string

	ContentLength  int
	bodyStartAtParse int // parse cursor value when body state was entered
	Boundary       string
	Cookie         string
	Username       string // from the ws_user cookie, once authenticated
	ForwardedIP    string
	KeepAlive      bool

	Headers []Header

	// Response state.
	Status         int
	ExtraHeaders   []Header
	StaticPath     string
	StaticSize     int64
	StaticMode     uint32
	MmapAddr       []byte // non-nil when serving a memory-mapped file
	OwnedBody      []byte // non-nil when serving a dynamic/subprocess body
	BytesToSend    int
	BytesSent      int
	iov            [2]syscall.Iovec
	headerConsumed bool

	Timer *timerlist.Entry
}

// Header is a single request or response header field.
type Header struct {
	Key, Value string
}

// New allocates a Conn with a freshly sized read buffer.
func New(fd int) *Conn {
	return &Conn{
		Fd:      fd,
		ReadBuf: make([]byte, ReadBufInitial),
	}
}

// Reset restores a Conn for a fresh request on the same (keep-alive)
// connection: cursors and parser state reset to zero, but the read
// buffer's capacity is kept — the read buffer never shrinks during a
// connection's life.
func (c *Conn) Reset() {
	c.ReadCursor = 0
	c.ParseCursor = 0
	c.LineStart = 0
	c.WriteCursor = 0
	c.State = StateRequestLine
	c.Method = MethodUnknown
	c.URL = ""
	c.Version = ""
	c.Host = ""
	c.ContentLength = 0
	c.bodyStartAtParse = 0
	c.Boundary = ""
	c.Cookie = ""
	c.ForwardedIP = ""
	c.KeepAlive = false
	c.Headers = c.Headers[:0]
	c.Status = 0
	c.ExtraHeaders = c.ExtraHeaders[:0]
	c.StaticPath = ""
	c.StaticSize = 0
	c.StaticMode = 0
	c.MmapAddr = nil
	c.OwnedBody = nil
	c.BytesToSend = 0
	c.BytesSent = 0
	c.headerConsumed = false
}

// ReleaseForReuse returns the connection to the request-line state for
// another keep-alive request, per spec.md §4.5's completion contract.
func (c *Conn) ReleaseForReuse() {
	c.releaseBody()
	c.Reset()
}

func (c *Conn) releaseBody() {
	if c.MmapAddr != nil {
		if len(c.MmapAddr) > 0 {
			syscall.Munmap(c.MmapAddr)
		}
		c.MmapAddr = nil
	}
	c.OwnedBody = nil
}

// EnsureCapacity grows ReadBuf (doubling) so it can hold at least
// need bytes total, never exceeding ReadBufMax. Returns false if need
// exceeds the cap.
func (c *Conn) EnsureCapacity(need int) bool {
	if need > ReadBufMax {
		return false
	}
	if cap(c.ReadBuf) >= need {
		if len(c.ReadBuf) < need {
			c.ReadBuf = c.ReadBuf[:cap(c.ReadBuf)]
		}
		return true
	}
	newCap := cap(c.ReadBuf)
	if newCap == 0 {
		newCap = ReadBufInitial
	}
	for newCap < need {
		newCap *= 2
	}
	if newCap > ReadBufMax {
		newCap = ReadBufMax
	}
	grown := make([]byte, newCap)
	copy(grown, c.ReadBuf[:c.ReadCursor])
	c.ReadBuf = grown
	return true
}

// ReadFill performs one syscall.Read into the read buffer at
// ReadCursor, growing the buffer first if it is already full.
// Returns (0, nil) on EAGAIN ("no progress, not an error"); returns
// io.EOF when the peer has performed an orderly close (recv returning
// 0 with no error) so callers can tell that apart from would-block.
func (c *Conn) ReadFill() (int, error) {
	if c.ReadCursor >= len(c.ReadBuf) {
		if !c.EnsureCapacity(len(c.ReadBuf) * 2) {
			return 0, errBodyTooLarge
		}
	}
	n, err := syscall.Read(c.Fd, c.ReadBuf[c.ReadCursor:])
	if err == syscall.EAGAIN {
		return 0, nil
	}
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	c.ReadCursor += n
	return n, nil
}
