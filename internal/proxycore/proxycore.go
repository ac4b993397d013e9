// Package proxycore wires a single server endpoint to many client
// endpoints around one dispatch.Dispatcher, and exposes the two entry
// points the I/O driver drives: HandleReadable (decode and dispatch every
// whole message currently buffered on an endpoint) and Flush (nothing more
// than reporting whether an endpoint has outbound data and clearing its
// flush-queued flag — the actual socket write is internal/ioloop's job). It also owns endpoint teardown: one upstream
// server connection multiplexed across many downstream client
// connections, each with its own object namespace.
package proxycore

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/mahkoh/wl-proxy-sub007/internal/dispatch"
	"github.com/mahkoh/wl-proxy-sub007/internal/endpoint"
	"github.com/mahkoh/wl-proxy-sub007/internal/metrics"
	"github.com/mahkoh/wl-proxy-sub007/internal/protoerr"
	"github.com/mahkoh/wl-proxy-sub007/internal/schema"
	"github.com/mahkoh/wl-proxy-sub007/internal/wire"
)

// Proxy is a single-threaded aggregate: no lock is needed because every
// method here is only ever called from the I/O driver's one goroutine, in
// program order.
type Proxy struct {
	Registry   *schema.Registry
	Dispatcher *dispatch.Dispatcher
	Metrics    *metrics.Metrics
	Log        *logrus.Entry

	server  *endpoint.Endpoint
	clients map[uint64]*endpoint.Endpoint
	nextID  uint64
}

// New builds a Proxy around reg. m may be nil (metrics become no-ops).
func New(reg *schema.Registry, log *logrus.Entry, m *metrics.Metrics) *Proxy {
	d := dispatch.New(reg)
	d.Log = log
	return &Proxy{
		Registry:   reg,
		Dispatcher: d,
		Metrics:    m,
		Log:        log,
		clients:    make(map[uint64]*endpoint.Endpoint),
		nextID:     1,
	}
}

// NewEndpointID returns a fresh, process-unique endpoint id for the I/O
// driver to hand to endpoint.New.
func (p *Proxy) NewEndpointID() uint64 {
	id := p.nextID
	p.nextID++
	return id
}

// SetServer installs the single upstream server endpoint. Called once, when
// the I/O driver's connection to the upstream socket completes.
func (p *Proxy) SetServer(ep *endpoint.Endpoint) {
	p.server = ep
	p.observeLiveEndpoints()
}

// Server returns the current server endpoint, if connected.
func (p *Proxy) Server() (*endpoint.Endpoint, bool) {
	return p.server, p.server != nil
}

// AddClient registers a newly-accepted client endpoint.
func (p *Proxy) AddClient(ep *endpoint.Endpoint) {
	p.clients[ep.ID] = ep
	p.observeLiveEndpoints()
}

// Client looks up a live client endpoint by id; this is the
// dispatch.ClientResolver the Dispatcher uses to find the endpoint an
// event's target object is bound to.
func (p *Proxy) Client(id uint64) (*endpoint.Endpoint, bool) {
	ep, ok := p.clients[id]
	return ep, ok
}

// HandleReadable decodes and dispatches every whole message currently
// buffered on ep.In, in order, stopping at the first fatal error (the
// caller must then tear ep down, and possibly its peer).
func (p *Proxy) HandleReadable(ep *endpoint.Endpoint) error {
	for {
		hdr, body, ok, err := ep.In.TryConsumeMessage()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		if err := p.dispatchOne(ep, hdr, body); err != nil {
			return err
		}
		p.observeLiveObjects()
	}
}

// dispatchOne routes one already-framed message to the right Dispatcher
// entry point depending on which direction ep receives on: requests
// arrive on a client endpoint, events on the server endpoint.
func (p *Proxy) dispatchOne(ep *endpoint.Endpoint, hdr wire.Header, body []byte) error {
	if ep.Role == endpoint.RoleClient {
		server, ok := p.Server()
		if !ok {
			return protoerr.New(protoerr.KindReceiverNoServerID)
		}
		if err := p.Dispatcher.DispatchRequest(ep, server, hdr, body); err != nil {
			return err
		}
		p.observeForward("request")
		return nil
	}

	if err := p.Dispatcher.DispatchEvent(ep, p.Client, hdr, body); err != nil {
		return err
	}
	p.observeForward("event")
	return nil
}

func (p *Proxy) observeForward(direction string) {
	if p.Metrics != nil {
		p.Metrics.ObserveForward(direction)
	}
}

// Flush is the proxycore half of the flush entry point: it just reports
// whether ep has anything queued and clears the
// flush-queued flag. internal/ioloop is the one that actually writes
// ep.Out.Bytes()/FDs() to the socket and calls Drain with however much the
// kernel accepted.
func (p *Proxy) Flush(ep *endpoint.Endpoint) (hasData bool) {
	ep.FlushQueued = false
	return !ep.Out.Empty()
}

// Teardown tears down the endpoint and every object anchored to it: every
// object this endpoint's table still holds a binding for has its
// back-reference to this side cleared and its destroyed flag set, so any
// pending send from the opposite side fails with ReceiverNoServerId/
// ReceiverNoClient instead of silently re-resolving a stale id. Any fd
// still sitting in ep's buffers, unread or unwritten, is closed since it
// will never reach its destination now.
func (p *Proxy) Teardown(ep *endpoint.Endpoint) error {
	if ep.Closed {
		return nil
	}
	ep.Teardown()

	var result *multierror.Error
	for _, fd := range ep.In.DrainFDs() {
		if err := unix.Close(fd); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "closing inbound fd %d", fd))
		}
	}
	for _, fd := range ep.Out.DrainFDs() {
		if err := unix.Close(fd); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "closing outbound fd %d", fd))
		}
	}

	if ep.Role == endpoint.RoleServer {
		for _, obj := range ep.Table.All() {
			obj.ClearServerID()
			obj.DestroyedServerSide = true
		}
		p.server = nil
	} else {
		for _, obj := range ep.Table.All() {
			obj.ClearClientID()
			obj.DestroyedClientSide = true
		}
		delete(p.clients, ep.ID)
	}

	p.observeLiveEndpoints()
	p.observeLiveObjects()
	return result.ErrorOrNil()
}

func (p *Proxy) observeLiveEndpoints() {
	if p.Metrics == nil {
		return
	}
	n := len(p.clients)
	if p.server != nil {
		n++
	}
	p.Metrics.LiveEndpoints.Set(float64(n))
}

func (p *Proxy) observeLiveObjects() {
	if p.Metrics == nil {
		return
	}
	n := 0
	if p.server != nil {
		n += p.server.Table.Len()
	}
	for _, c := range p.clients {
		n += c.Table.Len()
	}
	p.Metrics.LiveObjects.Set(float64(n))
}
