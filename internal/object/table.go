// Package object implements the per-endpoint object table and per-object
// core state: id allocation and lookup with the split client/server id
// ranges, and the object's handler slot, interface tag, and lifecycle
// flags.
//
// This package deliberately knows nothing about sockets, wire bytes, or
// the schema registry. The endpoint's table owns its objects; an Object
// holds only the non-owning endpoint id it was bound under, which keeps
// teardown free of reference cycles.
package object

import "github.com/mahkoh/wl-proxy-sub007/internal/protoerr"

// Client-allocated ids are the low range, server-allocated ids the high
// range. Id 0 is reserved for "null" and never allocated.
const (
	ClientIDMin uint32 = 0x00000001
	ClientIDMax uint32 = 0xFEFFFFFF
	ServerIDMin uint32 = 0xFF000000
	ServerIDMax uint32 = 0xFFFFFFFF
)

// Origin distinguishes which id range a Table allocates from. A server
// endpoint's table only ever allocates/binds server ids for objects it
// creates locally when forwarding; a client endpoint's table allocates
// client ids the same way. A table also binds peer-supplied ids, each in
// its own range: a client endpoint's table binds the client-range new-ids
// of inbound requests, the server endpoint's table the server-range
// new-ids of inbound events.
type Origin int

const (
	OriginClient Origin = iota
	OriginServer
)

// InRange reports whether id falls within the range for origin.
func InRange(origin Origin, id uint32) bool {
	switch origin {
	case OriginClient:
		return id >= ClientIDMin && id <= ClientIDMax
	case OriginServer:
		return id >= ServerIDMin && id <= ServerIDMax
	default:
		return false
	}
}

// Table is one endpoint's id→object map, in both directions.
type Table struct {
	byID map[uint32]*Object
	// next is the id after the one this table last allocated in each
	// range; allocation falls back to a linear scan for the lowest free id
	// whenever the id at next is already taken, which is adequate at the
	// scale a single endpoint's object count reaches in practice.
	nextClient uint32
	nextServer uint32
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{
		byID:       make(map[uint32]*Object),
		nextClient: ClientIDMin,
		nextServer: ServerIDMin,
	}
}

// Lookup resolves id to its bound object, if any.
func (t *Table) Lookup(id uint32) (*Object, bool) {
	o, ok := t.byID[id]
	return o, ok
}

// BindClientID binds a client-allocated id to obj. Used when a
// client-allocated id appears in a new-id field of an inbound client
// request.
func (t *Table) BindClientID(id uint32, obj *Object) error {
	return t.bind(OriginClient, id, obj)
}

// BindServerID binds a server-allocated id to obj. Used when a
// server-allocated id appears in a new-id field of an inbound event.
func (t *Table) BindServerID(id uint32, obj *Object) error {
	return t.bind(OriginServer, id, obj)
}

func (t *Table) bind(origin Origin, id uint32, obj *Object) error {
	if id == 0 {
		return errSetID(origin)
	}
	if !InRange(origin, id) {
		return errSetID(origin)
	}
	if _, taken := t.byID[id]; taken {
		return errSetID(origin)
	}
	t.byID[id] = obj
	return nil
}

func errSetID(origin Origin) error {
	if origin == OriginClient {
		return protoerr.New(protoerr.KindSetClientID)
	}
	return protoerr.New(protoerr.KindSetServerID)
}

// AllocateServerID binds obj to the id after the last one this table
// allocated in the server range, or, when that id is already taken, to the
// lowest free id in the range; used when forwarding a client request that
// creates a new object. An id released below the cursor is not reused
// until the cursor hits a taken id and the scan falls back to it.
func (t *Table) AllocateServerID(obj *Object) (uint32, error) {
	return t.allocate(OriginServer, obj)
}

// AllocateClientID is the client-range counterpart of AllocateServerID,
// with the same cursor-then-scan order; used when forwarding an event that
// creates a new client-visible object.
func (t *Table) AllocateClientID(obj *Object) (uint32, error) {
	return t.allocate(OriginClient, obj)
}

func (t *Table) allocate(origin Origin, obj *Object) (uint32, error) {
	min, max := ClientIDMin, ClientIDMax
	next := &t.nextClient
	exhaustedErr := protoerr.New(protoerr.KindGenerateClientID)
	if origin == OriginServer {
		min, max = ServerIDMin, ServerIDMax
		next = &t.nextServer
		exhaustedErr = protoerr.New(protoerr.KindGenerateServerID)
	}

	// Fast path: the cached cursor is still free.
	if *next <= max {
		if _, taken := t.byID[*next]; !taken {
			id := *next
			t.byID[id] = obj
			if id == max {
				*next = max // saturate; fall back to scan next time
			} else {
				*next = id + 1
			}
			return id, nil
		}
	}

	// Slow path: linear scan for the lowest free id in range.
	for id := min; id <= max; id++ {
		if _, taken := t.byID[id]; !taken {
			t.byID[id] = obj
			if id != max {
				*next = id + 1
			}
			return id, nil
		}
		if id == max {
			break
		}
	}
	return 0, exhaustedErr
}

// Release removes id's binding, making it eligible for reuse; called on
// destroy/delete_id acknowledgement.
func (t *Table) Release(id uint32) {
	delete(t.byID, id)
}

// Len reports how many ids are currently bound; used by metrics and
// tests.
func (t *Table) Len() int { return len(t.byID) }

// All returns every object currently bound in the table, in no particular
// order. Used by endpoint teardown to walk the whole set once rather than
// hold a second index.
func (t *Table) All() []*Object {
	out := make([]*Object, 0, len(t.byID))
	for _, o := range t.byID {
		out = append(out, o)
	}
	return out
}
