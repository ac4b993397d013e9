// Package schema holds the interface registry the dispatcher consults to
// know a message's field signature and argument types. In a full
// deployment this table is generated from the hundreds of upstream
// protocol XML files; the core treats that generation step as external
// data and only ships a small, hand-built set exercising every signature
// shape, plus whatever interfaces a deployment adds at startup.
package schema

import "github.com/mahkoh/wl-proxy-sub007/internal/codec"

// Direction distinguishes a client-to-server request from a server-to-client
// event. Both travel the same wire format; only the table lookup differs.
type Direction int

const (
	Request Direction = iota
	Event
)

// Message is one opcode's signature within an interface.
type Message struct {
	Name string
	Sig  []codec.Field
	// Destructor marks a request or event that terminates the receiving
	// object's life on the side that issued it: a request like
	// wl_surface.destroy, or an event like wl_callback.done which the
	// protocol marks as destructor-by-convention.
	Destructor bool
	// IsDeleteID marks the one event the dispatcher gives core-level
	// special handling regardless of its declaring interface: the standard
	// wl_display.delete_id event, whose uint argument names an id in the
	// server's table to release rather than an ordinary scalar to copy
	// verbatim.
	IsDeleteID bool
}

// Interface is a named, versioned bundle of request and event signatures.
// Requests and events are indexed by opcode position in their respective
// slices, matching the wire format's flat opcode numbering.
type Interface struct {
	Name     string
	Version  uint32
	Requests []Message
	Events   []Message
}

// Registry maps interface names to their schema. It is built once at
// startup and only ever read from during dispatch, so no locking is
// needed.
type Registry struct {
	byName map[string]*Interface
}

// NewRegistry builds a Registry from a set of interfaces. Later entries
// with a duplicate name overwrite earlier ones, so callers can layer a
// deployment-specific registry on top of Builtin().
func NewRegistry(ifaces ...*Interface) *Registry {
	r := &Registry{byName: make(map[string]*Interface, len(ifaces))}
	for _, i := range ifaces {
		r.byName[i.Name] = i
	}
	return r
}

// Lookup returns the interface registered under name, if any.
func (r *Registry) Lookup(name string) (*Interface, bool) {
	i, ok := r.byName[name]
	return i, ok
}

// Request returns the signature for a request opcode on the named
// interface. The bool is false if the interface is unknown or the opcode
// is out of range — callers translate the latter into
// protoerr.UnknownMessageID.
func (r *Registry) Request(ifaceName string, opcode uint16) (Message, bool) {
	iface, ok := r.byName[ifaceName]
	if !ok || int(opcode) >= len(iface.Requests) {
		return Message{}, false
	}
	return iface.Requests[opcode], true
}

// Event returns the signature for an event opcode on the named interface.
func (r *Registry) Event(ifaceName string, opcode uint16) (Message, bool) {
	iface, ok := r.byName[ifaceName]
	if !ok || int(opcode) >= len(iface.Events) {
		return Message{}, false
	}
	return iface.Events[opcode], true
}
