package dispatch

import (
	"github.com/sirupsen/logrus"

	"github.com/mahkoh/wl-proxy-sub007/internal/codec"
	"github.com/mahkoh/wl-proxy-sub007/internal/endpoint"
	"github.com/mahkoh/wl-proxy-sub007/internal/object"
	"github.com/mahkoh/wl-proxy-sub007/internal/protoerr"
	"github.com/mahkoh/wl-proxy-sub007/internal/schema"
)

// SendArg pairs one signature field's outbound value with the live object
// it references, for the synthesised-send entry points below. Scalar,
// string, array and fd fields use Arg alone; object fields set Obj (nil
// means null for a nullable field); new-id fields set Child to the
// not-yet-addressed object the send will bind on the receiving side.
type SendArg struct {
	Arg   codec.Arg
	Obj   *object.Object
	Child *object.Object
}

func resolvedOf(args []SendArg) []resolved {
	out := make([]resolved, len(args))
	for i, a := range args {
		out[i] = resolved{arg: a.Arg, argObj: a.Obj, newChild: a.Child}
	}
	return out
}

// TrySendRequest synthesises a request on obj toward the server endpoint:
// it checks obj has a server-side id, translates every referenced object
// to its server-side id, binds new-id children into server's table,
// duplicates fds onto server's outbound queue, and enqueues the encoded
// message. It never borrows obj's handler slot, so a handler may call it
// on its own object from within its own invocation.
func (d *Dispatcher) TrySendRequest(server *endpoint.Endpoint, obj *object.Object, opcode uint16, args []SendArg) error {
	msg, ok := d.Registry.Request(obj.Interface, opcode)
	if !ok {
		return protoerr.UnknownMessageID(opcode)
	}
	targetID, ok := obj.ServerID()
	if !ok {
		return protoerr.New(protoerr.KindReceiverNoServerID)
	}

	outArgs, err := translateForward(msg, resolvedOf(args), func(name string, argObj *object.Object) (uint32, error) {
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
	if err != nil {
		return err
	}

	return server.Send(targetID, opcode, msg.Sig, outArgs)
}

// TrySendEvent synthesises an event on obj toward whichever client
// endpoint it is bound on, translating ids into that client's namespace.
func (d *Dispatcher) TrySendEvent(resolveClient ClientResolver, obj *object.Object, opcode uint16, args []SendArg) error {
	msg, ok := d.Registry.Event(obj.Interface, opcode)
	if !ok {
		return protoerr.UnknownMessageID(opcode)
	}
	targetID, clientEPID, ok := obj.ClientID()
	if !ok {
		return protoerr.New(protoerr.KindReceiverNoClient)
	}
	client, ok := resolveClient(clientEPID)
	if !ok {
		return protoerr.New(protoerr.KindReceiverNoClient)
	}

	outArgs, err := translateForward(msg, resolvedOf(args), func(name string, argObj *object.Object) (uint32, error) {
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
	if err != nil {
		return err
	}

	return client.Send(targetID, opcode, msg.Sig, outArgs)
}

// NewTrySendRequest allocates a fresh child for the request's new-id field,
// fills it into args at that position, performs TrySendRequest, and returns
// the child so the caller can install a handler or send on it next.
func (d *Dispatcher) NewTrySendRequest(server *endpoint.Endpoint, obj *object.Object, opcode uint16, args []SendArg) (*object.Object, error) {
	msg, ok := d.Registry.Request(obj.Interface, opcode)
	if !ok {
		return nil, protoerr.UnknownMessageID(opcode)
	}
	child, err := fillNewChild(msg, obj, args)
	if err != nil {
		return nil, err
	}
	if err := d.TrySendRequest(server, obj, opcode, args); err != nil {
		return nil, err
	}
	return child, nil
}

// NewTrySendEvent is the event-direction counterpart of NewTrySendRequest.
func (d *Dispatcher) NewTrySendEvent(resolveClient ClientResolver, obj *object.Object, opcode uint16, args []SendArg) (*object.Object, error) {
	msg, ok := d.Registry.Event(obj.Interface, opcode)
	if !ok {
		return nil, protoerr.UnknownMessageID(opcode)
	}
	child, err := fillNewChild(msg, obj, args)
	if err != nil {
		return nil, err
	}
	if err := d.TrySendEvent(resolveClient, obj, opcode, args); err != nil {
		return nil, err
	}
	return child, nil
}

// fillNewChild constructs the child object a message's new-id field will
// carry and stores it in the matching args slot. The message must have
// exactly one new-id field for the New* send forms to be meaningful.
func fillNewChild(msg schema.Message, parent *object.Object, args []SendArg) (*object.Object, error) {
	for i, f := range msg.Sig {
		switch f.Kind {
		case codec.KindNewID:
			child := object.New(f.Interface, parent.Version)
			args[i].Child = child
			return child, nil
		case codec.KindNewIDVariable:
			child := object.New(args[i].Arg.NewIface, args[i].Arg.NewVersion)
			args[i].Child = child
			return child, nil
		}
	}
	return nil, protoerr.MissingArgument(msg.Name)
}

// SendRequest is the infallible form of TrySendRequest: any error is
// written to the log and swallowed so a misconfigured handler cannot crash
// the proxy.
func (d *Dispatcher) SendRequest(server *endpoint.Endpoint, obj *object.Object, opcode uint16, args []SendArg) {
	if err := d.TrySendRequest(server, obj, opcode, args); err != nil {
		d.logger().WithError(err).WithFields(logrus.Fields{
			"interface": obj.Interface,
			"opcode":    opcode,
		}).Error("dropping synthesised request")
	}
}

// SendEvent is the infallible form of TrySendEvent.
func (d *Dispatcher) SendEvent(resolveClient ClientResolver, obj *object.Object, opcode uint16, args []SendArg) {
	if err := d.TrySendEvent(resolveClient, obj, opcode, args); err != nil {
		d.logger().WithError(err).WithFields(logrus.Fields{
			"interface": obj.Interface,
			"opcode":    opcode,
		}).Error("dropping synthesised event")
	}
}

func (d *Dispatcher) logger() *logrus.Entry {
	if d.Log != nil {
		return d.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
