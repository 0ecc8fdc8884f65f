package httpconn

import (
	"fmt"
	"syscall"
	"unsafe"
)

// SetStaticBody serves a memory-mapped static file as the response
// body. addr is the mmap'd region (length == size); callers obtain it
// via syscall.Mmap over the opened file.
func (c *Conn) SetStaticBody(addr []byte) {
	c.MmapAddr = addr
}

// SetOwnedBody serves a heap-allocated body (dynamic HTML, JSON
// status, subprocess stdout) for the duration of the write.
func (c *Conn) SetOwnedBody(body []byte) {
	c.OwnedBody = body
}

func (c *Conn) body() []byte {
	if c.MmapAddr != nil {
		return c.MmapAddr
	}
	return c.OwnedBody
}

// BuildResponse assembles the status line, headers, and blank line
// into WriteBuf (never the body) and arms the two-element
// scatter-gather descriptor pair: iov[0] is the header region,
// iov[1] is the body region (mmap'd file, owned buffer, or absent).
func (c *Conn) BuildResponse(status int, extraHeaders []Header) error {
	c.Status = status
	body := c.body()

	n := copy(c.WriteBuf[:], "HTTP/1.1 ")
	n += copy(c.WriteBuf[n:], StatusLine(status))
	n += copy(c.WriteBuf[n:], "\r\n")

	n += copy(c.WriteBuf[n:], "Content-Length: ")
	n += copy(c.WriteBuf[n:], fmt.Sprintf("%d", len(body)))
	n += copy(c.WriteBuf[n:], "\r\n")

	for _, h := range extraHeaders {
		if n+len(h.Key)+len(h.Value)+4 > len(c.WriteBuf) {
			return fmt.Errorf("httpconn: response headers exceed write buffer")
		}
		n += copy(c.WriteBuf[n:], h.Key)
		n += copy(c.WriteBuf[n:], ": ")
		n += copy(c.WriteBuf[n:], h.Value)
		n += copy(c.WriteBuf[n:], "\r\n")
	}

	if c.KeepAlive {
		n += copy(c.WriteBuf[n:], "Connection: keep-alive\r\n")
	} else {
		n += copy(c.WriteBuf[n:], "Connection: close\r\n")
	}

	n += copy(c.WriteBuf[n:], "\r\n")

	c.WriteCursor = n
	c.headerConsumed = false
	c.BytesSent = 0
	c.BytesToSend = n + len(body)

	c.iov[0] = syscall.Iovec{Base: &c.WriteBuf[0], Len: uint64(n)}
	if len(body) > 0 {
		c.iov[1] = syscall.Iovec{Base: &body[0], Len: uint64(len(body))}
	} else {
		c.iov[1] = syscall.Iovec{}
	}
	return nil
}

// BuildInterimResponse assembles a 1xx interim response (just the
// status line and the blank line, per RFC 9110 §15.2 no
// Content-Length or Connection header follows) for "100 Continue".
// Unlike BuildResponse, completing this write does not end the
// request/response cycle — the caller resumes reading the deferred
// request instead of releasing the connection for reuse.
func (c *Conn) BuildInterimResponse(status int) error {
	c.Status = status

	n := copy(c.WriteBuf[:], "HTTP/1.1 ")
	n += copy(c.WriteBuf[n:], StatusLine(status))
	n += copy(c.WriteBuf[n:], "\r\n\r\n")

	c.WriteCursor = n
	c.headerConsumed = false
	c.BytesSent = 0
	c.BytesToSend = n

	c.iov[0] = syscall.Iovec{Base: &c.WriteBuf[0], Len: uint64(n)}
	c.iov[1] = syscall.Iovec{}
	return nil
}

// WriteResult communicates the outcome of one Write attempt.
type WriteResult int

const (
	// WriteContinue: a partial write happened; reassert write-interest
	// and call Write again when the socket is ready.
	WriteContinue WriteResult = iota
	// WriteComplete: the full response has been sent.
	WriteComplete
	// WriteError: the underlying write syscall failed (not EAGAIN).
	WriteError
)

// Write issues one scatter-gather write per attempt, advancing the
// two-descriptor pair as bytes are consumed: while the header region
// still has unsent bytes, only its base/len are adjusted; once fully
// consumed, its length is zeroed and the body descriptor is advanced.
func (c *Conn) Write() (WriteResult, error) {
	iovs := c.activeIovecs()
	if len(iovs) == 0 {
		return WriteComplete, nil
	}

	n, _, errno := syscall.Syscall(syscall.SYS_WRITEV, uintptr(c.Fd), uintptr(unsafe.Pointer(&iovs[0])), uintptr(len(iovs)))
	if errno != 0 {
		if errno == syscall.EAGAIN {
			return WriteContinue, nil
		}
		return WriteError, errno
	}

	written := int(n)
	c.BytesSent += written
	c.advance(written)

	if c.BytesSent >= c.BytesToSend {
		c.releaseBody()
		return WriteComplete, nil
	}
	return WriteContinue, nil
}

// activeIovecs returns the remaining (non-empty-length) descriptors in order.
func (c *Conn) activeIovecs() []syscall.Iovec {
	var out []syscall.Iovec
	if c.iov[0].Len > 0 {
		out = append(out, c.iov[0])
	}
	if c.iov[1].Len > 0 {
		out = append(out, c.iov[1])
	}
	return out
}

// advance consumes `written` bytes from the front of the descriptor
// pair: header first, then body.
func (c *Conn) advance(written int) {
	if c.iov[0].Len > 0 {
		if uint64(written) < c.iov[0].Len {
			c.iov[0] = syscall.Iovec{Base: advanceBase(c.iov[0].Base, written), Len: c.iov[0].Len - uint64(written)}
			return
		}
		written -= int(c.iov[0].Len)
		c.iov[0] = syscall.Iovec{}
		c.headerConsumed = true
	}
	if written > 0 && c.iov[1].Len > 0 {
		if uint64(written) >= c.iov[1].Len {
			c.iov[1] = syscall.Iovec{}
			return
		}
		c.iov[1] = syscall.Iovec{Base: advanceBase(c.iov[1].Base, written), Len: c.iov[1].Len - uint64(written)}
	}
}

// advanceBase moves an iovec's base pointer forward by n bytes.
func advanceBase(base *byte, n int) *byte {
	return (*byte)(unsafe.Pointer(uintptr(unsafe.Pointer(base)) + uintptr(n)))
}
