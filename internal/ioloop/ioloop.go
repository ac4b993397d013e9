// Package ioloop is the non-blocking, epoll-driven I/O driver. It owns
// every raw socket fd, the fd-passing mechanics (SCM_RIGHTS via
// Sendmsg/Recvmsg), and the readiness loop; it feeds bytes and fds into an
// endpoint's wire buffers and calls into internal/proxycore to decode and
// dispatch.
package ioloop

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/mahkoh/wl-proxy-sub007/internal/endpoint"
	"github.com/mahkoh/wl-proxy-sub007/internal/proxycore"
)

const (
	readChunkSize = 64 * 1024
	// oobSize is sized for SCM_RIGHTS control data: a handful of fds is
	// the most any single message in the schemas this proxy ships with
	// carries (wl_keyboard.keymap: one; wlproxy_test.echo_fd: two).
	oobSize = 512
)

// conn pairs one raw, non-blocking socket fd with the endpoint it feeds.
type conn struct {
	fd        int
	ep        *endpoint.Endpoint
	wantWrite bool
}

// Driver runs the single-threaded epoll loop: one goroutine, no locks,
// serialised calls into internal/proxycore.
type Driver struct {
	ListenSocket     string
	UpstreamSocket   string
	MaxOutboundBytes int

	proxy *proxycore.Proxy
	log   *logrus.Entry

	epfd     int
	listenFD int
	conns    map[int]*conn
}

// New builds a Driver that will dispatch through proxy.
func New(proxy *proxycore.Proxy, log *logrus.Entry) *Driver {
	return &Driver{
		proxy: proxy,
		log:   log,
		conns: make(map[int]*conn),
	}
}

// Run connects to the upstream server, binds the listen socket, and runs
// the epoll loop until a fatal I/O error occurs (typically the upstream
// connection dying, which this proxy treats as fatal for the whole process
// since there is nothing left to forward to).
func (d *Driver) Run() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("epoll_create1: %w", err)
	}
	d.epfd = epfd
	defer unix.Close(epfd)

	upstreamFD, err := dialUnix(d.UpstreamSocket)
	if err != nil {
		return fmt.Errorf("connecting to upstream socket %s: %w", d.UpstreamSocket, err)
	}
	serverEP := endpoint.New(d.proxy.NewEndpointID(), endpoint.RoleServer, d.log)
	d.applyLimit(serverEP)
	d.proxy.SetServer(serverEP)
	d.addConn(upstreamFD, serverEP)

	listenFD, err := listenUnix(d.ListenSocket)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", d.ListenSocket, err)
	}
	d.listenFD = listenFD
	defer unix.Close(listenFD)
	if err := d.epollAdd(listenFD, unix.EPOLLIN); err != nil {
		return err
	}

	events := make([]unix.EpollEvent, 64)
	for {
		n, err := unix.EpollWait(d.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			if err := d.handleEvent(events[i]); err != nil {
				return err
			}
		}
	}
}

// Close tears every live connection down and closes the epoll fd itself;
// called once on a clean shutdown request.
func (d *Driver) Close() {
	for fd, c := range d.conns {
		d.teardown(c, nil)
		_ = fd
	}
	if d.listenFD != 0 {
		unix.Close(d.listenFD)
	}
	if d.epfd != 0 {
		unix.Close(d.epfd)
	}
}

func (d *Driver) handleEvent(ev unix.EpollEvent) error {
	fd := int(ev.Fd)

	if fd == d.listenFD {
		d.acceptLoop()
		return nil
	}

	c, ok := d.conns[fd]
	if !ok {
		return nil
	}

	if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		return d.teardown(c, fmt.Errorf("endpoint %d: socket hangup/error", c.ep.ID))
	}

	if ev.Events&unix.EPOLLIN != 0 {
		if err := d.readReady(c); err != nil {
			return d.teardown(c, err)
		}
	}

	if ev.Events&unix.EPOLLOUT != 0 {
		if err := d.flush(c); err != nil {
			return d.teardown(c, err)
		}
	}

	return nil
}

func (d *Driver) acceptLoop() {
	for {
		fd, _, err := unix.Accept4(d.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			d.log.WithError(err).Error("accept failed")
			return
		}

		ep := endpoint.New(d.proxy.NewEndpointID(), endpoint.RoleClient, d.log)
		d.applyLimit(ep)
		d.proxy.AddClient(ep)
		d.addConn(fd, ep)
	}
}

// readReady drains every message currently available on c's socket: it
// reads raw bytes plus any SCM_RIGHTS fds, feeds them into c.ep's inbound
// wire buffer, and lets proxycore decode and dispatch everything that is
// now a whole message. Any message dispatched during this call may itself
// have queued outbound bytes on another endpoint, so every connection with
// something queued is flushed before returning.
func (d *Driver) readReady(c *conn) error {
	buf := make([]byte, readChunkSize)
	oob := make([]byte, oobSize)

	for {
		n, oobn, _, _, err := unix.Recvmsg(c.fd, buf, oob, 0)
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			return err
		}
		if n == 0 {
			return fmt.Errorf("endpoint %d: peer closed connection", c.ep.ID)
		}

		fds, err := parseFDs(oob[:oobn])
		if err != nil {
			return err
		}

		c.ep.In.Feed(buf[:n])
		c.ep.In.FeedFDs(fds)

		if err := d.proxy.HandleReadable(c.ep); err != nil {
			return err
		}
	}

	return d.flushDirty()
}

// flushDirty writes out every connection with data queued since the last
// pass; each endpoint joins the flush pass at most once per tick. A raw
// epoll-driven loop has no separate tick boundary to defer to, so this
// runs inline at the end of each readReady batch instead.
func (d *Driver) flushDirty() error {
	for _, c := range d.conns {
		if c.ep.Closed || c.ep.Out.Empty() {
			continue
		}
		if err := d.flush(c); err != nil {
			d.teardown(c, err)
		}
	}
	return nil
}

// flush writes as much of c.ep's outbound buffer as the socket accepts,
// re-arming EPOLLOUT if a write would block. No backoff, just re-arm for
// the next writable event.
func (d *Driver) flush(c *conn) error {
	for {
		data := c.ep.Out.Bytes()
		if len(data) == 0 {
			if c.wantWrite {
				c.wantWrite = false
				if err := d.epollMod(c.fd, unix.EPOLLIN); err != nil {
					return err
				}
			}
			c.ep.FlushQueued = false
			return nil
		}

		var oob []byte
		fds := c.ep.Out.FDs()
		if len(fds) > 0 {
			oob = unix.UnixRights(fds...)
		}

		n, err := unix.SendmsgN(c.fd, data, oob, nil, 0)
		if err != nil {
			if err == unix.EAGAIN {
				if !c.wantWrite {
					c.wantWrite = true
					if err := d.epollMod(c.fd, unix.EPOLLIN|unix.EPOLLOUT); err != nil {
						return err
					}
				}
				return nil
			}
			return err
		}

		nFDs := 0
		if n > 0 {
			nFDs = len(fds)
		}
		if m := d.proxy.Metrics; m != nil {
			m.ObserveFlush(c.ep.Role.String(), n)
		}
		c.ep.Out.Drain(n, nFDs)

		if n < len(data) {
			if !c.wantWrite {
				c.wantWrite = true
				if err := d.epollMod(c.fd, unix.EPOLLIN|unix.EPOLLOUT); err != nil {
					return err
				}
			}
			return nil
		}
	}
}

// teardown tears c's endpoint down via proxycore, closes its socket, and
// removes it from the epoll set. Tearing down the server endpoint cascades
// to every client, since a dead upstream leaves nothing left to forward to.
func (d *Driver) teardown(c *conn, cause error) error {
	if cause != nil {
		c.ep.Log.WithError(cause).Warn("tearing down endpoint")
	}

	if err := d.proxy.Teardown(c.ep); err != nil {
		c.ep.Log.WithError(err).Warn("error while tearing down endpoint")
	}
	if m := d.proxy.Metrics; m != nil && cause != nil {
		m.ObserveTeardown(cause)
	}

	d.epollDel(c.fd)
	unix.Close(c.fd)
	delete(d.conns, c.fd)

	if c.ep.Role == endpoint.RoleServer {
		for _, other := range d.conns {
			d.teardown(other, fmt.Errorf("upstream endpoint %d gone", c.ep.ID))
		}
		return cause
	}

	return nil
}

func (d *Driver) addConn(fd int, ep *endpoint.Endpoint) {
	c := &conn{fd: fd, ep: ep}
	d.conns[fd] = c
	if err := d.epollAdd(fd, unix.EPOLLIN); err != nil {
		d.teardown(c, err)
	}
}

func (d *Driver) applyLimit(ep *endpoint.Endpoint) {
	if d.MaxOutboundBytes > 0 {
		ep.MaxOutboundBytes = d.MaxOutboundBytes
	}
}

func (d *Driver) epollAdd(fd int, events uint32) error {
	return unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
}

func (d *Driver) epollMod(fd int, events uint32) error {
	return unix.EpollCtl(d.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
}

func (d *Driver) epollDel(fd int) {
	_ = unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// dialUnix opens a non-blocking AF_UNIX SOCK_STREAM connection to path.
func dialUnix(path string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// listenUnix binds and listens on a non-blocking AF_UNIX SOCK_STREAM socket
// at path, removing a stale socket file left by a previous run first.
func listenUnix(path string) (int, error) {
	_ = os.Remove(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// parseFDs extracts every fd carried in an SCM_RIGHTS control message.
func parseFDs(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}

	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parsing socket control message: %w", err)
	}

	var fds []int
	for _, scm := range scms {
		if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		got, err := unix.ParseUnixRights(&scm)
		if err != nil {
			return nil, fmt.Errorf("parsing unix rights: %w", err)
		}
		fds = append(fds, got...)
	}
	return fds, nil
}
