package dispatch_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/mahkoh/wl-proxy-sub007/internal/codec"
	"github.com/mahkoh/wl-proxy-sub007/internal/dispatch"
	"github.com/mahkoh/wl-proxy-sub007/internal/endpoint"
	"github.com/mahkoh/wl-proxy-sub007/internal/object"
	"github.com/mahkoh/wl-proxy-sub007/internal/protoerr"
	"github.com/mahkoh/wl-proxy-sub007/internal/schema"
	"github.com/mahkoh/wl-proxy-sub007/internal/wire"
)

func newPair() (*endpoint.Endpoint, *endpoint.Endpoint, *dispatch.Dispatcher) {
	client := endpoint.New(1, endpoint.RoleClient, nil)
	server := endpoint.New(0, endpoint.RoleServer, nil)
	return client, server, dispatch.New(schema.Builtin())
}

// frameInbound encodes sig/args as a wire message and feeds it (plus any
// fds) into the given InBuffer, returning the framed header and body
// ready for dispatch.
func frameInbound(t *testing.T, in *wire.InBuffer, objectID uint32, opcode uint16, sig []codec.Field, args []codec.Arg, fds []int) (wire.Header, []byte) {
	t.Helper()
	var out wire.OutBuffer
	require.NoError(t, codec.Encode(&out, objectID, opcode, sig, args))
	in.Feed(out.Bytes())
	if len(fds) > 0 {
		in.FeedFDs(fds)
	}
	hdr, body, ok, err := in.TryConsumeMessage()
	require.NoError(t, err)
	require.True(t, ok)
	return hdr, body
}

// TestFdRoundTrip: a request carrying an fd forwards with the fd duped
// onto the server's ancillary queue.
func TestFdRoundTrip(t *testing.T) {
	client, server, d := newPair()

	obj := object.New("wlproxy_test", 1)
	obj.SetServerID(0xFF000001)
	require.NoError(t, client.Table.BindClientID(0x10, obj))
	require.NoError(t, server.Table.BindServerID(0xFF000001, obj))

	inFD := pipeFD(t)

	sig := []codec.Field{{Name: "fd", Kind: codec.KindFD}}
	hdr, body := frameInbound(t, &client.In, 0x10, 1, sig, []codec.Arg{{FD: inFD}}, []int{inFD})

	require.NoError(t, d.DispatchRequest(client, server, hdr, body))

	require.False(t, server.Out.Empty())
	// header: object id (server-side), opcode/length word; body: zero bytes (fd-only).
	gotObjID := le32(server.Out.Bytes()[0:4])
	assert.Equal(t, uint32(0xFF000001), gotObjID)
	require.Len(t, server.Out.FDs(), 1)
	assert.NotEqual(t, inFD, server.Out.FDs()[0], "forwarded fd must be a dup, not the same descriptor")

	// the inbound original belongs to the proxy once decoded, and a dup
	// has reached the opposite side, so it must have been closed.
	assert.True(t, fdClosed(inFD))
	assert.False(t, fdClosed(server.Out.FDs()[0]))
	unix.Close(server.Out.FDs()[0])
}

// pipeFD returns one end of a fresh pipe as a raw fd owned by the caller;
// the other end is closed when the test finishes.
func pipeFD(t *testing.T) int {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	fd, err := unix.Dup(int(r.Fd()))
	require.NoError(t, err)
	r.Close()
	return fd
}

func fdClosed(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == unix.EBADF
}

// TestArrayEchoWithNewID: a request carrying a new-id and an array binds
// the child on both sides and forwards the array verbatim.
func TestArrayEchoWithNewID(t *testing.T) {
	client, server, d := newPair()

	obj := object.New("wlproxy_test", 1)
	obj.SetServerID(0xFF000001)
	require.NoError(t, client.Table.BindClientID(0x10, obj))
	require.NoError(t, server.Table.BindServerID(0xFF000001, obj))

	sig := []codec.Field{
		{Name: "echo", Kind: codec.KindNewID, Interface: "wlproxy_test_array_echo"},
		{Name: "array", Kind: codec.KindArray},
	}
	data := []byte{0xde, 0xad, 0xbe, 0xef}
	hdr, body := frameInbound(t, &client.In, 0x10, 2, sig, []codec.Arg{{U32: 0x20}, {Bytes: data}}, nil)

	require.NoError(t, d.DispatchRequest(client, server, hdr, body))

	// the new-id must have been bound on the client side at 0x20 first.
	childOnClient, ok := client.Table.Lookup(0x20)
	require.True(t, ok)
	assert.Equal(t, "wlproxy_test_array_echo", childOnClient.Interface)

	serverID, ok := childOnClient.ServerID()
	require.True(t, ok)
	assert.Equal(t, object.ServerIDMin, serverID, "the receiving object holds ServerIDMin+1, so the lowest free server id is ServerIDMin")

	// server table must resolve the allocated id back to the same object.
	onServer, ok := server.Table.Lookup(serverID)
	require.True(t, ok)
	assert.Same(t, childOnClient, onServer)
}

// TestTypedObjectArgMismatch: an event whose typed object argument
// resolves to the wrong interface is fatal.
func TestTypedObjectArgMismatch(t *testing.T) {
	_, server, d := newPair()

	kb := object.New("wl_keyboard", 1)
	kb.SetClientID(0x5, 1)
	require.NoError(t, server.Table.BindServerID(0xFF000010, kb))

	notASurface := object.New("wl_callback", 1)
	require.NoError(t, server.Table.BindServerID(0xFF000011, notASurface))

	evSig, ok := schema.Builtin().Event("wl_keyboard", 1) // enter(serial, surface, keys)
	require.True(t, ok)

	hdr, body := frameInbound(t, &server.In, 0xFF000010, 1, evSig.Sig, []codec.Arg{
		{U32: 1},
		{U32: 0xFF000011},
		{Bytes: nil},
	}, nil)

	resolver := func(uint64) (*endpoint.Endpoint, bool) { return nil, false }
	err := d.DispatchEvent(server, resolver, hdr, body)
	require.Error(t, err)
	assert.True(t, protoerr.Is(err, protoerr.KindWrongObjectType))
}

// TestHopCounting: successive new-id requests allocate server ids in
// monotonically increasing order, mutually consistent under lookup.
func TestHopCounting(t *testing.T) {
	client, server, d := newPair()

	obj := object.New("wlproxy_test", 1)
	obj.SetServerID(0xFF000001)
	require.NoError(t, client.Table.BindClientID(0x10, obj))
	require.NoError(t, server.Table.BindServerID(0xFF000001, obj))

	sig := []codec.Field{{Name: "id", Kind: codec.KindNewID, Interface: "wlproxy_test_hops"}}

	hdr1, body1 := frameInbound(t, &client.In, 0x10, 5, sig, []codec.Arg{{U32: 0x20}}, nil)
	require.NoError(t, d.DispatchRequest(client, server, hdr1, body1))

	hdr2, body2 := frameInbound(t, &client.In, 0x10, 5, sig, []codec.Arg{{U32: 0x21}}, nil)
	require.NoError(t, d.DispatchRequest(client, server, hdr2, body2))

	c1, _ := client.Table.Lookup(0x20)
	c2, _ := client.Table.Lookup(0x21)
	id1, _ := c1.ServerID()
	id2, _ := c2.ServerID()

	assert.Less(t, id1, id2)
	// ServerIDMin+1 is the receiving object's own id, so the two hops take
	// the lowest free ids around it.
	assert.Equal(t, object.ServerIDMin, id1)
	assert.Equal(t, object.ServerIDMin+2, id2)

	s1, ok := server.Table.Lookup(id1)
	require.True(t, ok)
	assert.Same(t, c1, s1)
	s2, ok := server.Table.Lookup(id2)
	require.True(t, ok)
	assert.Same(t, c2, s2)
}

// TestNoForwardWhenFlagDisabled checks that forwarding is skipped (not
// erred) when the object's forward flag is off.
func TestNoForwardWhenFlagDisabled(t *testing.T) {
	client, server, d := newPair()

	obj := object.New("wlproxy_test", 1)
	obj.SetServerID(0xFF000001)
	obj.ForwardToServer = false
	require.NoError(t, client.Table.BindClientID(0x10, obj))

	sig := []codec.Field{{Name: "fd", Kind: codec.KindFD}}
	inFD := pipeFD(t)
	hdr, body := frameInbound(t, &client.In, 0x10, 1, sig, []codec.Arg{{FD: inFD}}, []int{inFD})

	require.NoError(t, d.DispatchRequest(client, server, hdr, body))
	assert.True(t, server.Out.Empty())
	assert.True(t, fdClosed(inFD), "fd must be closed when forwarding is skipped")
}

// TestEventFdsClosedWhenNotForwarded is the event-direction mirror of the
// test above: an event carrying a fd on an object with forwarding disabled
// must close the fd rather than leak it.
func TestEventFdsClosedWhenNotForwarded(t *testing.T) {
	_, server, d := newPair()

	kb := object.New("wl_keyboard", 1)
	kb.ForwardToClient = false
	require.NoError(t, server.Table.BindServerID(0xFF000010, kb))
	kb.SetServerID(0xFF000010)

	inFD := pipeFD(t)
	evSig, ok := schema.Builtin().Event("wl_keyboard", 0) // keymap(format, fd, size)
	require.True(t, ok)
	hdr, body := frameInbound(t, &server.In, 0xFF000010, 0, evSig.Sig, []codec.Arg{
		{U32: 1},
		{FD: inFD},
		{U32: 4096},
	}, []int{inFD})

	resolver := func(uint64) (*endpoint.Endpoint, bool) { return nil, false }
	require.NoError(t, d.DispatchEvent(server, resolver, hdr, body))
	assert.True(t, fdClosed(inFD))
}

// TestForwardPreservesBytesModuloID: with no handler installed, the bytes
// emitted toward the server are exactly the bytes received from the client
// with only the ids rewritten.
func TestForwardPreservesBytesModuloID(t *testing.T) {
	client, server, d := newPair()

	surf := object.New("wl_surface", 1)
	surf.SetServerID(0xFF000003)
	require.NoError(t, client.Table.BindClientID(0x30, surf))
	require.NoError(t, server.Table.BindServerID(0xFF000003, surf))

	// attach(null buffer, x, y): every body word is copied verbatim.
	attach, ok := schema.Builtin().Request("wl_surface", 1)
	require.True(t, ok)
	args := []codec.Arg{{U32: 0}, codec.IntArg(-3), codec.IntArg(7)}
	hdr, body := frameInbound(t, &client.In, 0x30, 1, attach.Sig, args, nil)

	require.NoError(t, d.DispatchRequest(client, server, hdr, body))

	var want wire.OutBuffer
	require.NoError(t, codec.Encode(&want, 0xFF000003, 1, attach.Sig, args))
	assert.Equal(t, want.Bytes(), server.Out.Bytes())
}

// TestDestroyRequestMarksInertUntilDeleteID: receiving an interface's
// destructor request marks the object destroyed on the client side and
// forwards the request, but the id stays bound (inert) until the server
// acknowledges with delete_id — a reference to the id must still resolve
// to this object, not a successor.
func TestDestroyRequestMarksInertUntilDeleteID(t *testing.T) {
	client, server, d := newPair()

	obj := object.New("wlproxy_test", 1)
	obj.SetClientID(0x10, client.ID)
	obj.SetServerID(0xFF000001)
	require.NoError(t, client.Table.BindClientID(0x10, obj))
	require.NoError(t, server.Table.BindServerID(0xFF000001, obj))

	hdr, body := frameInbound(t, &client.In, 0x10, 0, nil, nil, nil)
	require.NoError(t, d.DispatchRequest(client, server, hdr, body))

	assert.True(t, obj.DestroyedClientSide)
	got, ok := client.Table.Lookup(0x10)
	require.True(t, ok, "id stays bound until delete_id arrives")
	assert.Same(t, obj, got)

	// the destroy request itself forwards to the server so it can tear
	// the object down there too.
	assert.False(t, server.Out.Empty())
}

// TestClientDestroyThenDeleteIDForwardsToClient: the full client-initiated
// destroy sequence — destroy request in, delete_id event back — must
// release both sides' slots and forward the translated delete_id to the
// client that issued the destroy.
func TestClientDestroyThenDeleteIDForwardsToClient(t *testing.T) {
	client, server, d := newPair()

	display := object.New("wl_display", 1)
	require.NoError(t, server.Table.BindServerID(0xFF000001, display))
	require.NoError(t, client.Table.BindClientID(0x1, display))
	display.SetServerID(0xFF000001)
	display.SetClientID(0x1, client.ID)

	obj := object.New("wlproxy_test", 1)
	require.NoError(t, client.Table.BindClientID(0x20, obj))
	require.NoError(t, server.Table.BindServerID(0xFF000002, obj))
	obj.SetClientID(0x20, client.ID)
	obj.SetServerID(0xFF000002)

	hdr, body := frameInbound(t, &client.In, 0x20, 0, nil, nil, nil) // destroy
	require.NoError(t, d.DispatchRequest(client, server, hdr, body))
	assert.True(t, obj.DestroyedClientSide)
	_, stillBound := client.Table.Lookup(0x20)
	require.True(t, stillBound)

	evSig, ok := schema.Builtin().Event("wl_display", 1) // delete_id(id)
	require.True(t, ok)
	hdr2, body2 := frameInbound(t, &server.In, 0xFF000001, 1, evSig.Sig, []codec.Arg{{U32: 0xFF000002}}, nil)

	resolver := func(id uint64) (*endpoint.Endpoint, bool) {
		if id == client.ID {
			return client, true
		}
		return nil, false
	}
	require.NoError(t, d.DispatchEvent(server, resolver, hdr2, body2))

	_, ok = server.Table.Lookup(0xFF000002)
	assert.False(t, ok, "server-side slot released on delete_id")
	_, ok = client.Table.Lookup(0x20)
	assert.False(t, ok, "client-side slot released on delete_id")

	// the client receives the delete_id echo, addressed to its own
	// wl_display id and naming its own id for the object.
	out := client.Out.Bytes()
	require.Len(t, out, 12)
	assert.Equal(t, uint32(0x1), le32(out[0:4]))
	assert.Equal(t, uint32(0x20), le32(out[8:12]))
}

// TestDeleteIDReleasesBothSidesAndForwards: the server's delete_id event
// frees the server-side slot and, when the object still has a client
// binding, forwards the (translated) event to that client and frees the
// client-side slot too.
func TestDeleteIDReleasesBothSidesAndForwards(t *testing.T) {
	client, server, d := newPair()

	display := object.New("wl_display", 1)
	require.NoError(t, server.Table.BindServerID(0xFF000001, display))
	require.NoError(t, client.Table.BindClientID(0x1, display))
	display.SetServerID(0xFF000001)
	display.SetClientID(0x1, client.ID)

	target := object.New("wlproxy_test_dummy", 1)
	require.NoError(t, server.Table.BindServerID(0xFF000002, target))
	require.NoError(t, client.Table.BindClientID(0x20, target))
	target.SetServerID(0xFF000002)
	target.SetClientID(0x20, client.ID)

	evSig, ok := schema.Builtin().Event("wl_display", 1) // delete_id(id)
	require.True(t, ok)

	hdr, body := frameInbound(t, &server.In, 0xFF000001, 1, evSig.Sig, []codec.Arg{{U32: 0xFF000002}}, nil)

	resolver := func(id uint64) (*endpoint.Endpoint, bool) {
		if id == client.ID {
			return client, true
		}
		return nil, false
	}
	require.NoError(t, d.DispatchEvent(server, resolver, hdr, body))

	_, ok = server.Table.Lookup(0xFF000002)
	assert.False(t, ok, "server-side slot must be released")
	assert.True(t, target.DestroyedServerSide)
	_, hasServer := target.ServerID()
	assert.False(t, hasServer)

	_, ok = client.Table.Lookup(0x20)
	assert.False(t, ok, "client-side slot must be released once the event is forwarded")
	_, _, hasClient := target.ClientID()
	assert.False(t, hasClient)

	require.False(t, client.Out.Empty())
	gotObjID := le32(client.Out.Bytes()[0:4])
	assert.Equal(t, uint32(0x1), gotObjID, "forwarded to the client's own wl_display id")

	// Once both sides have released the id, a message addressed to it
	// must be rejected, not mis-resolved.
	hdr2, body2 := frameInbound(t, &client.In, 0x20, 0, nil, nil, nil)
	err := d.DispatchRequest(client, server, hdr2, body2)
	require.Error(t, err)
	assert.True(t, protoerr.Is(err, protoerr.KindNoClientObject))
}

// TestNewIDUnknownInterfaceIsFatal: a variable new-id naming an interface
// absent from the registry must not create an object.
func TestNewIDUnknownInterfaceIsFatal(t *testing.T) {
	client, server, d := newPair()

	reg := object.New("wl_registry", 1)
	reg.SetServerID(0xFF000001)
	require.NoError(t, client.Table.BindClientID(0x2, reg))
	require.NoError(t, server.Table.BindServerID(0xFF000001, reg))

	bind, ok := schema.Builtin().Request("wl_registry", 0) // bind(name, id)
	require.True(t, ok)
	hdr, body := frameInbound(t, &client.In, 0x2, 0, bind.Sig, []codec.Arg{
		{U32: 1},
		{NewIface: "wl_bogus", NewVersion: 1, U32: 0x3},
	}, nil)

	err := d.DispatchRequest(client, server, hdr, body)
	require.Error(t, err)
	assert.True(t, protoerr.Is(err, protoerr.KindBadInterface))
	_, bound := client.Table.Lookup(0x3)
	assert.False(t, bound)
}

// TestNewIDVersionAboveMaximumIsFatal: the wire-supplied version of a
// variable new-id is bound by the interface's registered ceiling.
func TestNewIDVersionAboveMaximumIsFatal(t *testing.T) {
	client, server, d := newPair()

	reg := object.New("wl_registry", 1)
	reg.SetServerID(0xFF000001)
	require.NoError(t, client.Table.BindClientID(0x2, reg))
	require.NoError(t, server.Table.BindServerID(0xFF000001, reg))

	bind, ok := schema.Builtin().Request("wl_registry", 0)
	require.True(t, ok)
	hdr, body := frameInbound(t, &client.In, 0x2, 0, bind.Sig, []codec.Arg{
		{U32: 1},
		{NewIface: "wl_surface", NewVersion: 99, U32: 0x3},
	}, nil)

	err := d.DispatchRequest(client, server, hdr, body)
	require.Error(t, err)
	assert.True(t, protoerr.Is(err, protoerr.KindBadInterface))
	_, bound := client.Table.Lookup(0x3)
	assert.False(t, bound)
}

// TestEventSkippedAcrossClientNamespaces: an event whose referenced
// object belongs to a different client than the receiving object is
// silently dropped, not an error.
func TestEventSkippedAcrossClientNamespaces(t *testing.T) {
	_, server, d := newPair()
	clientA := endpoint.New(1, endpoint.RoleClient, nil)
	clientB := endpoint.New(2, endpoint.RoleClient, nil)

	kb := object.New("wl_keyboard", 1)
	require.NoError(t, server.Table.BindServerID(0xFF000010, kb))
	kb.SetServerID(0xFF000010)
	require.NoError(t, clientA.Table.BindClientID(0x5, kb))
	kb.SetClientID(0x5, clientA.ID)

	surf := object.New("wl_surface", 1)
	require.NoError(t, server.Table.BindServerID(0xFF000011, surf))
	surf.SetServerID(0xFF000011)
	require.NoError(t, clientB.Table.BindClientID(0x6, surf))
	surf.SetClientID(0x6, clientB.ID)

	evSig, ok := schema.Builtin().Event("wl_keyboard", 1) // enter(serial, surface, keys)
	require.True(t, ok)
	hdr, body := frameInbound(t, &server.In, 0xFF000010, 1, evSig.Sig, []codec.Arg{
		{U32: 1},
		{U32: 0xFF000011},
		{Bytes: nil},
	}, nil)

	resolver := func(id uint64) (*endpoint.Endpoint, bool) {
		switch id {
		case clientA.ID:
			return clientA, true
		case clientB.ID:
			return clientB, true
		}
		return nil, false
	}
	require.NoError(t, d.DispatchEvent(server, resolver, hdr, body))
	assert.True(t, clientA.Out.Empty())
	assert.True(t, clientB.Out.Empty())
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
