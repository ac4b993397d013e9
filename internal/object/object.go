package object

import (
	"github.com/mahkoh/wl-proxy-sub007/internal/codec"
	"github.com/mahkoh/wl-proxy-sub007/internal/protoerr"
)

// Direction mirrors schema.Direction without importing the schema package:
// object is a lower-level package than schema and must not depend on it.
type Direction int

const (
	Request Direction = iota
	Event
)

// Handler is a user-installed callback for one object's messages. The
// dispatcher invokes it with the already-decoded
// arguments; returning a non-nil error aborts dispatch of this message
// exactly as if the default handler had failed.
type Handler interface {
	Handle(obj *Object, dir Direction, opcode uint16, args []codec.Arg) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(obj *Object, dir Direction, opcode uint16, args []codec.Arg) error

func (f HandlerFunc) Handle(obj *Object, dir Direction, opcode uint16, args []codec.Arg) error {
	return f(obj, dir, opcode, args)
}

// Object is one protocol object's core state. It holds no reference to
// any endpoint's socket or buffers; those
// live in internal/endpoint and internal/dispatch, which look the object
// up in the owning Table by id when they need to act on it.
type Object struct {
	Interface string
	Version   uint32

	serverID   uint32
	hasServer  bool
	clientID   uint32
	hasClient  bool
	clientEPID uint64 // which client endpoint, when hasClient

	handler Handler
	// borrowed is true for the duration of a dispatch that holds this
	// object's handler slot. The slot is exclusive; re-entrant
	// acquisition is HandlerBorrowed, not a crash.
	borrowed bool

	ForwardToServer bool
	ForwardToClient bool

	DestroyedServerSide bool
	DestroyedClientSide bool
}

// New constructs an object of the given interface/version with forwarding
// enabled on both sides, the default for any object created by decoding a
// new-id field.
func New(iface string, version uint32) *Object {
	return &Object{
		Interface:       iface,
		Version:         version,
		ForwardToServer: true,
		ForwardToClient: true,
	}
}

// ServerID returns the object's id on the server endpoint, if bound.
func (o *Object) ServerID() (uint32, bool) { return o.serverID, o.hasServer }

// SetServerID records id as this object's id on the server endpoint. It
// does not touch any Table; callers bind the Table separately and call
// this to keep the object's own back-reference in sync.
func (o *Object) SetServerID(id uint32) {
	o.serverID = id
	o.hasServer = true
}

// ClearServerID removes the object's server-side id back-reference
// (called alongside Table.Release on destroy/delete_id).
func (o *Object) ClearServerID() {
	o.hasServer = false
	o.serverID = 0
}

// ClientID returns the object's id on its client endpoint and that
// endpoint's id, if bound.
func (o *Object) ClientID() (id uint32, endpointID uint64, ok bool) {
	return o.clientID, o.clientEPID, o.hasClient
}

// SetClientID records id as this object's id on the client endpoint
// identified by endpointID.
func (o *Object) SetClientID(id uint32, endpointID uint64) {
	o.clientID = id
	o.clientEPID = endpointID
	o.hasClient = true
}

// ClearClientID removes the object's client-side id back-reference.
func (o *Object) ClearClientID() {
	o.hasClient = false
	o.clientID = 0
	o.clientEPID = 0
}

// SetHandler installs h as the object's handler, replacing any previous
// one. Setting while the slot is currently borrowed (a dispatch on this
// object is in progress further up the call stack) is rejected, which
// keeps the in-progress dispatch's view of the handler consistent for its
// whole invocation.
func (o *Object) SetHandler(h Handler) error {
	if o.borrowed {
		return handlerBorrowedErr()
	}
	o.handler = h
	return nil
}

// UnsetHandler removes any installed handler, reverting to the default
// forwarding behaviour.
func (o *Object) UnsetHandler() error {
	if o.borrowed {
		return handlerBorrowedErr()
	}
	o.handler = nil
	return nil
}

// GetHandler returns the currently installed handler, or nil if none (in
// which case the dispatcher's default forwarding handler applies).
func (o *Object) GetHandler() Handler { return o.handler }

// Acquire borrows the handler slot for the duration of one dispatch.
// Callers must call the returned release exactly once after the dispatch
// completes, regardless of outcome. Re-entrant Acquire on an
// already-borrowed object fails with HandlerBorrowed.
func (o *Object) Acquire() (release func(), err error) {
	if o.borrowed {
		return nil, handlerBorrowedErr()
	}
	o.borrowed = true
	return func() { o.borrowed = false }, nil
}

func handlerBorrowedErr() error {
	return protoerr.New(protoerr.KindHandlerBorrowed)
}
