// Package dispatcher implements the epoll-driven event loop: it owns
// the listener socket, the connection table, the timer list, and the
// worker pool handle, and drives each connection through accept,
// read-ready, write-ready, and close transitions under one-shot
// rearm. SIGTERM triggers shutdown via a dedicated signal-watching
// goroutine rather than a self-pipe; the tick that ages out idle
// connections runs off EpollWait's fixed timeout instead of SIGALRM.
package dispatcher

import (
	"net"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/kfcemployee/goserver/internal/config"
	"github.com/kfcemployee/goserver/internal/httpconn"
	"github.com/kfcemployee/goserver/internal/ipstats"
	"github.com/kfcemployee/goserver/internal/logging"
	"github.com/kfcemployee/goserver/internal/router"
	"github.com/kfcemployee/goserver/internal/timerlist"
	"github.com/kfcemployee/goserver/internal/workerpool"
)

const (
	maxEvents = 1024
	sendBufSz = 16 * 1024 * 1024
	recvBufSz = 16 * 1024 * 1024
	backlog   = 1024
	busyReply = "HTTP/1.1 503 Service Unavailable\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"

	// epollET is EPOLLIN's edge-triggered modifier bit (bit 31). Kept
	// as our own uint32 literal rather than syscall.EPOLLET, whose
	// generated value is a signed negative constant on some arches.
	epollET uint32 = 1 << 31
)

// Dispatch is the interface the dispatcher calls once a connection's
// parse state reaches completion; Registry.Dispatch from the handlers
// package implements this.
type Dispatch interface {
	Dispatch(c *httpconn.Conn, r *router.Router)
}

// Dispatcher owns the epoll instance, the listener, and the
// connection table; it is single-goroutine except for the worker pool
// it hands tasks to.
type Dispatcher struct {
	cfg     config.Config
	epfd    int
	lnFd    int
	conns   map[int]*httpconn.Conn
	mu      sync.Mutex // guards conns against worker goroutines closing/reading
	timers  *timerlist.List
	pool    *workerpool.Pool
	router  *router.Router
	handler Dispatch
	ip      *ipstats.Stats
	log     *logging.Logger

	sigCh chan os.Signal
	stop  chan struct{}
}

// New builds a Dispatcher bound to addr:port. Call Run to start serving.
func New(cfg config.Config, addr string, port int, r *router.Router, h Dispatch, ip *ipstats.Stats, log *logging.Logger) (*Dispatcher, error) {
	lnFd, err := listenSocket(addr, port)
	if err != nil {
		return nil, err
	}
	epfd, err := syscall.EpollCreate1(0)
	if err != nil {
		syscall.Close(lnFd)
		return nil, err
	}

	d := &Dispatcher{
		cfg:     cfg,
		epfd:    epfd,
		lnFd:    lnFd,
		conns:   make(map[int]*httpconn.Conn),
		router:  r,
		handler: h,
		ip:      ip,
		log:     log,
		sigCh:   make(chan os.Signal, 8),
		stop:    make(chan struct{}),
	}
	d.timers = timerlist.New(func(e *timerlist.Entry) {
		d.closeConn(e.Fd)
	})

	d.pool = workerpool.New(cfg.WorkerCount, 4096)

	listenEvents := uint32(syscall.EPOLLIN)
	if cfg.ListenTrigger == config.EdgeTriggered {
		listenEvents |= epollET
	}
	if err := syscall.EpollCtl(epfd, syscall.EPOLL_CTL_ADD, lnFd, &syscall.EpollEvent{
		Events: listenEvents, Fd: int32(lnFd),
	}); err != nil {
		syscall.Close(lnFd)
		syscall.Close(epfd)
		return nil, err
	}

	signal.Notify(d.sigCh, syscall.SIGTERM)
	signal.Ignore(syscall.SIGPIPE)

	return d, nil
}

// listenSocket creates, binds, and listens on a TCP socket for addr:port.
func listenSocket(addr string, port int) (int, error) {
	fd, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	if err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); err != nil {
		syscall.Close(fd)
		return -1, err
	}

	var ip [4]byte
	if addr == "" {
		ip = [4]byte{0, 0, 0, 0}
	} else {
		parsed := net.ParseIP(addr)
		if parsed == nil || parsed.To4() == nil {
			syscall.Close(fd)
			return -1, syscall.EINVAL
		}
		copy(ip[:], parsed.To4())
	}

	if err := syscall.Bind(fd, &syscall.SockaddrInet4{Port: port, Addr: ip}); err != nil {
		syscall.Close(fd)
		return -1, err
	}
	if err := syscall.Listen(fd, backlog); err != nil {
		syscall.Close(fd)
		return -1, err
	}
	if err := syscall.SetNonblock(fd, true); err != nil {
		syscall.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Run drives the main loop until Stop is called or SIGTERM arrives.
func (d *Dispatcher) Run() {
	events := make([]syscall.EpollEvent, maxEvents)
	go d.watchSignals()

	for {
		select {
		case <-d.stop:
			d.shutdown()
			return
		default:
		}

		n, err := syscall.EpollWait(d.epfd, events, 1000)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			if d.log != nil {
				d.log.Errorf("epoll_wait: %v", err)
			}
			continue
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)

			switch {
			case fd == d.lnFd:
				d.acceptAll()
			case ev.Events&(syscall.EPOLLHUP|syscall.EPOLLERR) != 0:
				d.closeConn(fd)
			case ev.Events&syscall.EPOLLIN != 0:
				d.onReadReady(fd)
			case ev.Events&syscall.EPOLLOUT != 0:
				d.onWriteReady(fd)
			}
		}

		d.timers.Tick(time.Now())
	}
}

// Stop requests the main loop to exit after the current iteration.
func (d *Dispatcher) Stop() {
	close(d.stop)
}

func (d *Dispatcher) watchSignals() {
	for sig := range d.sigCh {
		if sig == syscall.SIGTERM {
			select {
			case <-d.stop:
			default:
				close(d.stop)
			}
			return
		}
	}
}

func (d *Dispatcher) shutdown() {
	d.pool.Close(d.cfg.WorkerCount)
	d.mu.Lock()
	for fd := range d.conns {
		syscall.Close(fd)
	}
	d.conns = map[int]*httpconn.Conn{}
	d.mu.Unlock()
	syscall.Close(d.lnFd)
	syscall.Close(d.epfd)
}

// acceptAll accepts one connection under level-triggered listen mode,
// or loops until EAGAIN under edge-triggered mode.
func (d *Dispatcher) acceptAll() {
	for {
		nfd, sa, err := syscall.Accept(d.lnFd)
		if err != nil {
			return
		}

		peerIP, peerPort := peerFromSockaddr(sa)

		d.mu.Lock()
		full := len(d.conns) >= connCap
		d.mu.Unlock()
		if full {
			syscall.Write(nfd, []byte(busyReply))
			syscall.Close(nfd)
			if d.cfg.ListenTrigger != config.EdgeTriggered {
				return
			}
			continue
		}

		syscall.SetNonblock(nfd, true)
		syscall.SetsockoptInt(nfd, syscall.SOL_SOCKET, syscall.SO_SNDBUF, sendBufSz)
		syscall.SetsockoptInt(nfd, syscall.SOL_SOCKET, syscall.SO_RCVBUF, recvBufSz)

		c := httpconn.New(nfd)
		c.PeerIP = ipstats.Normalize(peerIP)
		c.PeerPort = peerPort

		d.mu.Lock()
		d.conns[nfd] = c
		d.mu.Unlock()

		d.ip.Connect(c.PeerIP)

		c.Timer = d.timers.NewEntry(nfd, c.PeerIP, time.Now())
		d.timers.Insert(c.Timer)

		connEvents := uint32(syscall.EPOLLIN | syscall.EPOLLONESHOT)
		if d.cfg.ConnTrigger == config.EdgeTriggered {
			connEvents |= epollET
		}
		syscall.EpollCtl(d.epfd, syscall.EPOLL_CTL_ADD, nfd, &syscall.EpollEvent{
			Events: connEvents, Fd: int32(nfd),
		})

		if d.cfg.ListenTrigger != config.EdgeTriggered {
			return
		}
	}
}

const connCap = 40000

// submit hands a task to the worker pool, retrying while the queue is
// momentarily saturated rather than dropping the fd's readiness event:
// the fd is epoll-registered one-shot, so a dropped Submit would leave
// it unrearmed until the idle timer eventually closes it. Once the
// pool has had a fair number of chances to drain, run the task inline
// on this goroutine as a last resort so the dispatcher still makes
// progress under sustained saturation.
func (d *Dispatcher) submit(fd int, run func(fd int)) {
	for i := 0; i < 64; i++ {
		if d.pool.Submit(fd, run) {
			return
		}
		runtime.Gosched()
	}
	run(fd)
}

func peerFromSockaddr(sa syscall.Sockaddr) (string, int) {
	if sa4, ok := sa.(*syscall.SockaddrInet4); ok {
		ip := net.IPv4(sa4.Addr[0], sa4.Addr[1], sa4.Addr[2], sa4.Addr[3])
		return ip.String(), sa4.Port
	}
	if sa6, ok := sa.(*syscall.SockaddrInet6); ok {
		ip := net.IP(sa6.Addr[:])
		return ip.String(), sa6.Port
	}
	return "", 0
}

// onReadReady either reads inline and hands processing to a worker (the
// "main reads, workers process" discipline) or runs read and process
// both on a worker (the "workers read and process" discipline), per
// cfg.IODiscipline.
func (d *Dispatcher) onReadReady(fd int) {
	d.mu.Lock()
	c, ok := d.conns[fd]
	d.mu.Unlock()
	if !ok {
		return
	}

	if d.cfg.IODiscipline == config.WorkersReadAndProcess {
		d.submit(fd, func(fd int) {
			d.workerReadAndProcess(c)
		})
		return
	}

	if _, err := c.ReadFill(); err != nil {
		d.closeConn(fd)
		return
	}
	d.timers.Reposition(c.Timer, time.Now())
	d.submit(fd, func(fd int) {
		d.processAndRearm(c)
	})
}

func (d *Dispatcher) workerReadAndProcess(c *httpconn.Conn) {
	if _, err := c.ReadFill(); err != nil {
		d.closeConn(c.Fd)
		return
	}
	d.processAndRearm(c)
}

func (d *Dispatcher) processAndRearm(c *httpconn.Conn) {
	outcome := c.Parse()

	// A forwarded-IP header moves this connection's accounting off its
	// raw socket peer IP as soon as it's seen; Rebind no-ops once
	// c.PeerIP already matches, so re-parsing across NeedMore calls
	// (or a repeated header) doesn't double-count.
	if c.ForwardedIP != "" && c.ForwardedIP != c.PeerIP {
		d.ip.Rebind(c.PeerIP, c.ForwardedIP)
		c.PeerIP = c.ForwardedIP
	}

	switch outcome {
	case httpconn.OutcomeNeedMore:
		d.timers.Reposition(c.Timer, time.Now())
		d.rearm(c.Fd, syscall.EPOLLIN)
		return
	case httpconn.OutcomeExpectContinue:
		c.BuildInterimResponse(100)
		d.rearm(c.Fd, syscall.EPOLLOUT)
		return
	case httpconn.OutcomeBadRequest:
		c.KeepAlive = false
		c.BuildResponse(400, nil)
	case httpconn.OutcomeTooLarge:
		c.KeepAlive = false
		c.BuildResponse(413, nil)
	case httpconn.OutcomeComplete:
		d.handler.Dispatch(c, d.router)
	}

	d.timers.Reposition(c.Timer, time.Now())
	d.rearm(c.Fd, syscall.EPOLLOUT)
}

func (d *Dispatcher) onWriteReady(fd int) {
	d.mu.Lock()
	c, ok := d.conns[fd]
	d.mu.Unlock()
	if !ok {
		return
	}

	if d.cfg.IODiscipline == config.WorkersReadAndProcess {
		d.submit(fd, func(fd int) { d.workerWrite(c) })
		return
	}
	d.workerWrite(c)
}

func (d *Dispatcher) workerWrite(c *httpconn.Conn) {
	res, err := c.Write()
	if err != nil {
		d.closeConn(c.Fd)
		return
	}
	if res == httpconn.WriteContinue {
		d.rearm(c.Fd, syscall.EPOLLOUT)
		return
	}

	if c.Status == 100 {
		// The interim response is not the end of the request/response
		// cycle: resume reading the deferred body with the parser's
		// cursors exactly where Parse left them, rather than resetting
		// the connection for a new request.
		d.timers.Reposition(c.Timer, time.Now())
		d.rearm(c.Fd, syscall.EPOLLIN)
		return
	}

	if !c.KeepAlive {
		d.closeConn(c.Fd)
		return
	}
	c.ReleaseForReuse()
	d.timers.Reposition(c.Timer, time.Now())
	d.rearm(c.Fd, syscall.EPOLLIN)
}

func (d *Dispatcher) rearm(fd int, events uint32) {
	ev := uint32(events | syscall.EPOLLONESHOT)
	if d.cfg.ConnTrigger == config.EdgeTriggered {
		ev |= epollET
	}
	syscall.EpollCtl(d.epfd, syscall.EPOLL_CTL_MOD, fd, &syscall.EpollEvent{Events: ev, Fd: int32(fd)})
}

func (d *Dispatcher) closeConn(fd int) {
	d.mu.Lock()
	c, ok := d.conns[fd]
	if ok {
		delete(d.conns, fd)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	syscall.EpollCtl(d.epfd, syscall.EPOLL_CTL_DEL, fd, nil)
	d.ip.Disconnect(c.PeerIP)
	if c.Timer != nil {
		d.timers.Remove(c.Timer)
	}
	c.ReleaseForReuse()
	syscall.Close(fd)
}
