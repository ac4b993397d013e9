// Package dispatch implements the dispatcher and default forwarding
// engine: given a fully-framed inbound message, it resolves
// the receiving object, decodes and type-checks its arguments, creates any
// objects a new-id field calls for, invokes the object's handler (or the
// default forwarding behaviour), and — when forwarding — translates every
// object id across the endpoint boundary while preserving fd order.
package dispatch

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/mahkoh/wl-proxy-sub007/internal/codec"
	"github.com/mahkoh/wl-proxy-sub007/internal/endpoint"
	"github.com/mahkoh/wl-proxy-sub007/internal/object"
	"github.com/mahkoh/wl-proxy-sub007/internal/protoerr"
	"github.com/mahkoh/wl-proxy-sub007/internal/schema"
	"github.com/mahkoh/wl-proxy-sub007/internal/wire"
)

// ClientResolver looks up a live client endpoint by id. Used when
// forwarding an event toward the client namespace the target object
// belongs to.
type ClientResolver func(endpointID uint64) (*endpoint.Endpoint, bool)

// Dispatcher holds the read-only interface registry every dispatch call
// consults. Log, when set, is where the infallible send forms report
// the errors they swallow.
type Dispatcher struct {
	Registry *schema.Registry
	Log      *logrus.Entry
}

// New builds a Dispatcher over reg.
func New(reg *schema.Registry) *Dispatcher {
	return &Dispatcher{Registry: reg}
}

// resolved is the per-field bookkeeping the dispatcher accumulates while
// walking a signature: the decoded Arg plus, for object/new-id fields,
// the *object.Object it refers to (so the forwarding pass below doesn't
// have to look anything up a second time).
type resolved struct {
	arg      codec.Arg
	argObj   *object.Object // object/nullable-object fields, non-null
	newChild *object.Object // new-id fields
}

// decodeAndResolve performs signature lookup, decode, and per-field
// object/new-id resolution against the receiver's table.
// dir says which id range a fixed/variable new-id field binds into
// on the receiver side (client range for requests, server range for
// events).
func decodeAndResolve(receiver *endpoint.Endpoint, reg *schema.Registry, dir object.Direction, hdr wire.Header, body []byte) (*object.Object, schema.Message, []resolved, error) {
	obj, ok := receiver.Table.Lookup(hdr.ObjectID)
	if !ok {
		if dir == object.Request {
			return nil, schema.Message{}, nil, protoerr.NoClientObject(receiver.ID, hdr.ObjectID)
		}
		return nil, schema.Message{}, nil, protoerr.NoServerObject(hdr.ObjectID)
	}

	var msg schema.Message
	if dir == object.Request {
		msg, ok = reg.Request(obj.Interface, hdr.Opcode)
	} else {
		msg, ok = reg.Event(obj.Interface, hdr.Opcode)
	}
	if !ok {
		return nil, schema.Message{}, nil, protoerr.UnknownMessageID(hdr.Opcode)
	}

	args, err := codec.Decode(body, &receiver.In, msg.Sig)
	if err != nil {
		return nil, schema.Message{}, nil, err
	}

	out := make([]resolved, len(msg.Sig))
	bind := receiver.Table.BindClientID
	if dir == object.Event {
		bind = receiver.Table.BindServerID
	}

	for i, f := range msg.Sig {
		out[i].arg = args[i]
		switch f.Kind {
		case codec.KindObject, codec.KindNullableObject:
			if args[i].U32 == 0 {
				continue
			}
			argObj, ok := receiver.Table.Lookup(args[i].U32)
			if !ok {
				if dir == object.Request {
					return nil, schema.Message{}, nil, protoerr.NoClientObject(receiver.ID, args[i].U32)
				}
				return nil, schema.Message{}, nil, protoerr.NoServerObject(args[i].U32)
			}
			if f.Interface != "" && argObj.Interface != f.Interface {
				return nil, schema.Message{}, nil, protoerr.WrongObjectType(f.Name, argObj.Interface, f.Interface)
			}
			out[i].argObj = argObj

		case codec.KindNewID:
			iface, ok := reg.Lookup(f.Interface)
			if !ok {
				return nil, schema.Message{}, nil, protoerr.UnknownInterface(f.Interface)
			}
			// The child inherits the receiving object's version, capped
			// at the child interface's own maximum.
			version := obj.Version
			if version > iface.Version {
				version = iface.Version
			}
			child := object.New(f.Interface, version)
			if err := bind(args[i].U32, child); err != nil {
				return nil, schema.Message{}, nil, err
			}
			out[i].newChild = child

		case codec.KindNewIDVariable:
			iface, ok := reg.Lookup(args[i].NewIface)
			if !ok {
				return nil, schema.Message{}, nil, protoerr.UnknownInterface(args[i].NewIface)
			}
			// The version here is wire-supplied and the peer is bound by
			// the registered ceiling.
			if args[i].NewVersion == 0 || args[i].NewVersion > iface.Version {
				return nil, schema.Message{}, nil, protoerr.VersionTooHigh(args[i].NewIface, args[i].NewVersion, iface.Version)
			}
			child := object.New(args[i].NewIface, args[i].NewVersion)
			if err := bind(args[i].U32, child); err != nil {
				return nil, schema.Message{}, nil, err
			}
			out[i].newChild = child
		}
	}

	return obj, msg, out, nil
}

// DispatchRequest handles one fully-framed message received on a client
// endpoint: decodes it against client's table, invokes the handler (or
// default-forwards to server).
func (d *Dispatcher) DispatchRequest(client, server *endpoint.Endpoint, hdr wire.Header, body []byte) error {
	obj, msg, fields, err := decodeAndResolve(client, d.Registry, object.Request, hdr, body)
	if err != nil {
		return err
	}

	release, err := obj.Acquire()
	if err != nil {
		return err
	}
	defer release()

	// The client-owning side of the id space considers the object dead
	// the instant it issues the destructor request, but the id stays
	// bound (inert) until the server acknowledges with delete_id: until
	// then any reference to the id must still resolve to this object,
	// not a successor. dispatchDeleteID frees both sides' slots.
	if msg.Destructor {
		obj.DestroyedClientSide = true
	}

	// A custom handler takes ownership of any fd-typed argument the moment
	// it is handed argsOf(fields): it must close what it doesn't forward
	// itself. Every path below this point has no handler to hand fds to,
	// so it must close them itself via closeFDs before returning.
	if h := obj.GetHandler(); h != nil {
		return h.Handle(obj, object.Request, hdr.Opcode, argsOf(fields))
	}

	if !obj.ForwardToServer {
		closeFDs(msg, fields)
		return nil
	}
	targetID, ok := obj.ServerID()
	if !ok {
		closeFDs(msg, fields)
		return protoerr.New(protoerr.KindReceiverNoServerID)
	}

	outArgs, err := translateForward(msg, fields, func(name string, argObj *object.Object) (uint32, error) {
		id, ok := argObj.ServerID()
		if !ok {
			return 0, protoerr.ArgNoServerID(name)
		}
		return id, nil
	}, func(child *object.Object) (uint32, error) {
		id, err := server.Table.AllocateServerID(child)
		if err != nil {
			return 0, err
		}
		child.SetServerID(id)
		return id, nil
	})
	closeFDs(msg, fields)
	if err != nil {
		return err
	}

	return server.Send(targetID, hdr.Opcode, msg.Sig, outArgs)
}

// DispatchEvent handles one fully-framed message received on the server
// endpoint: decodes it against the server's table, invokes the handler
// (or default-forwards to whichever client endpoint owns the target
// object).
func (d *Dispatcher) DispatchEvent(server *endpoint.Endpoint, resolveClient ClientResolver, hdr wire.Header, body []byte) error {
	obj, msg, fields, err := decodeAndResolve(server, d.Registry, object.Event, hdr, body)
	if err != nil {
		return err
	}

	// wl_display.delete_id gets core-level handling against the *named*
	// object, bypassing the receiving wl_display object's own handler
	// slot entirely — it is never routed through the generic handler/
	// forward path below.
	if msg.IsDeleteID {
		return dispatchDeleteID(server, resolveClient, obj, hdr.Opcode, msg, fields)
	}

	release, err := obj.Acquire()
	if err != nil {
		return err
	}
	defer release()

	// Mirror of the request-side destructor handling for a destructor
	// event (e.g. wl_callback.done fires once and the object is then dead
	// on the server side); runs before any handler/forward so the
	// object's bookkeeping is consistent for the rest of this dispatch.
	if msg.Destructor {
		obj.DestroyedServerSide = true
		server.Table.Release(hdr.ObjectID)
		obj.ClearServerID()
	}

	// As on the request path: a custom handler takes ownership of any
	// fd-typed argument; every non-handler exit below closes the inbound
	// originals itself via closeFDs.
	if h := obj.GetHandler(); h != nil {
		return h.Handle(obj, object.Event, hdr.Opcode, argsOf(fields))
	}

	if !obj.ForwardToClient {
		closeFDs(msg, fields)
		return nil
	}
	targetID, clientEPID, ok := obj.ClientID()
	if !ok {
		closeFDs(msg, fields)
		return protoerr.New(protoerr.KindReceiverNoClient)
	}
	client, ok := resolveClient(clientEPID)
	if !ok {
		closeFDs(msg, fields)
		return protoerr.New(protoerr.KindReceiverNoClient)
	}

	// Discard (silently skip, not an error) if any referenced object
	// belongs to a different client namespace than the receiving object
	// itself.
	for _, f := range fields {
		if f.argObj == nil {
			continue
		}
		_, epID, ok := f.argObj.ClientID()
		if !ok || epID != clientEPID {
			closeFDs(msg, fields)
			return nil
		}
	}

	outArgs, err := translateForward(msg, fields, func(name string, argObj *object.Object) (uint32, error) {
		id, epID, ok := argObj.ClientID()
		if !ok || epID != clientEPID {
			return 0, protoerr.ArgNoClientID(name, clientEPID)
		}
		return id, nil
	}, func(child *object.Object) (uint32, error) {
		id, err := client.Table.AllocateClientID(child)
		if err != nil {
			return 0, err
		}
		child.SetClientID(id, client.ID)
		return id, nil
	})
	closeFDs(msg, fields)
	if err != nil {
		return err
	}

	return client.Send(targetID, hdr.Opcode, msg.Sig, outArgs)
}

// dispatchDeleteID implements the standard wl_display.delete_id event
// specially rather than through the generic object/new-id forwarding table:
// its uint argument names an id in the *server's* table, not a scalar to
// copy verbatim, so it has to be translated to the corresponding id in the
// owning client's table before being forwarded, and both sides' bindings
// are released once the translation is done (see DESIGN.md for the
// id-reuse decision this follows). display is the wl_display object this
// event was addressed to,
// used only to find its own id on the destination client (the event is
// re-addressed to the client's view of wl_display, not the deleted id).
func dispatchDeleteID(server *endpoint.Endpoint, resolveClient ClientResolver, display *object.Object, opcode uint16, msg schema.Message, fields []resolved) error {
	id := fields[0].arg.U32

	target, ok := server.Table.Lookup(id)
	if !ok {
		return protoerr.NoServerObject(id)
	}

	// The target's own handler slot, not wl_display's, serialises this
	// against any dispatch already in progress on the object being freed.
	release, err := target.Acquire()
	if err != nil {
		return err
	}
	defer release()

	server.Table.Release(id)
	target.ClearServerID()
	target.DestroyedServerSide = true

	clientID, epID, ok := target.ClientID()
	if !ok {
		return nil
	}
	clientEP, ok := resolveClient(epID)
	if !ok {
		return nil
	}

	clientEP.Table.Release(clientID)
	target.ClearClientID()

	displayID, displayEPID, ok := display.ClientID()
	if !ok || displayEPID != epID {
		return nil
	}

	return clientEP.Send(displayID, opcode, msg.Sig, []codec.Arg{{U32: clientID}})
}

// translateForward implements the per-field translation table: it copies
// scalar/string/array fields verbatim, translates object ids via
// translateObj, allocates+binds new-id fields on the opposite side via
// allocateChild, and dup(2)s fds so each endpoint's outbound buffer owns
// its own descriptor. It never closes the *inbound* fd named by
// fields[i].arg.FD — the codec already popped that descriptor off the
// wire.InBuffer, it is not this function's to dispose of, and it is
// closed exactly once by the caller's closeFDs, however this call turns out.
// If a later field fails after an earlier KindFD field already succeeded,
// the dup it produced is orphaned along with the rest of out, so it is
// closed here before returning the error.
func translateForward(msg schema.Message, fields []resolved, translateObj func(string, *object.Object) (uint32, error), allocateChild func(*object.Object) (uint32, error)) ([]codec.Arg, error) {
	out := make([]codec.Arg, len(fields))
	var duped []int
	fail := func(err error) ([]codec.Arg, error) {
		for _, fd := range duped {
			unix.Close(fd)
		}
		return nil, err
	}

	for i, f := range msg.Sig {
		switch f.Kind {
		case codec.KindObject, codec.KindNullableObject:
			if fields[i].argObj == nil {
				if f.Kind == codec.KindObject {
					return fail(protoerr.MissingArgument(f.Name))
				}
				out[i] = codec.Arg{U32: 0}
				continue
			}
			id, err := translateObj(f.Name, fields[i].argObj)
			if err != nil {
				return fail(err)
			}
			out[i] = codec.Arg{U32: id}

		case codec.KindNewID:
			id, err := allocateChild(fields[i].newChild)
			if err != nil {
				return fail(err)
			}
			out[i] = codec.Arg{U32: id}

		case codec.KindNewIDVariable:
			id, err := allocateChild(fields[i].newChild)
			if err != nil {
				return fail(err)
			}
			out[i] = codec.Arg{NewIface: fields[i].arg.NewIface, NewVersion: fields[i].arg.NewVersion, U32: id}

		case codec.KindFD:
			dup, err := unix.Dup(fields[i].arg.FD)
			if err != nil {
				return fail(err)
			}
			duped = append(duped, dup)
			out[i] = codec.Arg{FD: dup}

		default:
			out[i] = fields[i].arg
		}
	}
	return out, nil
}

// closeFDs closes every fd-typed field's original descriptor once dispatch
// has decided not to hand it to translateForward for the remainder of this
// message — forwarding is disabled, the target endpoint is gone, or the
// translation itself failed. decodeAndResolve's codec.Decode call already
// popped these fds off the receiving wire.InBuffer's queue, so the proxy is
// their sole owner until either a dup reaches the opposite side or this
// runs; called exactly once per dispatch on every non-handler exit path so
// the descriptor is neither leaked nor closed twice.
func closeFDs(msg schema.Message, fields []resolved) {
	for i, f := range msg.Sig {
		if f.Kind == codec.KindFD {
			unix.Close(fields[i].arg.FD)
		}
	}
}

func argsOf(fields []resolved) []codec.Arg {
	out := make([]codec.Arg, len(fields))
	for i, f := range fields {
		out[i] = f.arg
	}
	return out
}
