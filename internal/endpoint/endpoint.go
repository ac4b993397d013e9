// Package endpoint implements the proxy-side representation of one
// connected peer: its buffers, object table, and flush state. It knows
// how to frame and queue messages
// (delegating to internal/wire and internal/codec); it does not touch a
// socket directly — internal/ioloop owns the actual
// read/write/epoll syscalls and feeds bytes/fds in, drains bytes/fds out.
package endpoint

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mahkoh/wl-proxy-sub007/internal/codec"
	"github.com/mahkoh/wl-proxy-sub007/internal/object"
	"github.com/mahkoh/wl-proxy-sub007/internal/wire"
)

// Role distinguishes the one server endpoint from the many client
// endpoints a proxy instance manages.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// DefaultMaxOutboundBytes is the soft backpressure limit applied to each
// endpoint's outbound buffer: a conservative fixed default, overridable
// per-deployment.
const DefaultMaxOutboundBytes = 4 << 20 // 4 MiB

// ErrOutboundLimit is returned by Send once an endpoint's queued outbound
// bytes exceed MaxOutboundBytes. It is fatal for the endpoint: the peer is
// not draining its socket and the caller must tear it down.
var ErrOutboundLimit = errors.New("outbound buffer limit exceeded")

// Endpoint is one connected peer.
type Endpoint struct {
	ID   uint64
	Role Role

	Table *object.Table
	In    wire.InBuffer
	Out   wire.OutBuffer

	// FlushQueued is set the first time a send enqueues bytes since the
	// last flush, so the I/O driver adds this endpoint to its flush pass
	// at most once per tick.
	FlushQueued bool

	// Closed is set once the peer has disconnected or a fatal error was
	// raised against this endpoint; no further sends are attempted.
	Closed bool

	MaxOutboundBytes int

	Log *logrus.Entry
}

// New builds an endpoint in the given role with an empty table and the
// default backpressure limit.
func New(id uint64, role Role, log *logrus.Entry) *Endpoint {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Endpoint{
		ID:               id,
		Role:             role,
		Table:            object.NewTable(),
		MaxOutboundBytes: DefaultMaxOutboundBytes,
		Log:              log.WithFields(logrus.Fields{"endpoint_id": id, "role": role.String()}),
	}
}

// Send encodes (objectID, opcode, sig, args) into the endpoint's outbound
// buffer and marks it for flushing. Exceeding MaxOutboundBytes is fatal
// for this endpoint: the peer is not draining its socket.
func (e *Endpoint) Send(objectID uint32, opcode uint16, sig []codec.Field, args []codec.Arg) error {
	if e.Closed {
		return nil
	}
	if err := codec.Encode(&e.Out, objectID, opcode, sig, args); err != nil {
		return err
	}
	e.FlushQueued = true
	if e.Out.Len() > e.MaxOutboundBytes {
		return errors.Wrapf(ErrOutboundLimit, "endpoint %d has %d bytes queued", e.ID, e.Out.Len())
	}
	return nil
}

// Teardown marks the endpoint closed. Releasing the objects anchored to
// it, children before parents, is the caller's job — only it knows the
// forwarding graph between the two tables.
func (e *Endpoint) Teardown() {
	e.Closed = true
}
