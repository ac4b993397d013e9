package schema

import "github.com/mahkoh/wl-proxy-sub007/internal/codec"

// Builtin returns the registry of interfaces this proxy core ships with: a
// minimal slice of the real display-server core (wl_display down through
// wl_seat/wl_keyboard, enough to exercise typed object arguments and
// generic new-id/bind forwarding) plus a synthetic wlproxy_test interface
// that stands in for a protocol test suite, covering fd fields, arrays,
// strings, nullable object arguments, fixed-interface and
// variable-interface new-ids, and a generic/untyped object argument. No
// builtin message carries a fixed-point or nullable-string field.
func Builtin() *Registry {
	return NewRegistry(
		wlDisplay(),
		wlRegistry(),
		wlCallback(),
		wlCompositor(),
		wlSurface(),
		wlSeat(),
		wlKeyboard(),
		wlproxyTest(),
		wlproxyTestArrayEcho(),
		wlproxyTestFdEcho(),
		wlproxyTestHops(),
		wlproxyTestDummy(),
		wlproxyTestObjectEcho(),
		wlproxyTestServerSent(),
		wlproxyTestNonForward(),
	)
}

func wlDisplay() *Interface {
	return &Interface{
		Name:    "wl_display",
		Version: 1,
		Requests: []Message{
			{Name: "sync", Sig: []codec.Field{
				{Name: "callback", Kind: codec.KindNewID, Interface: "wl_callback"},
			}},
			{Name: "get_registry", Sig: []codec.Field{
				{Name: "registry", Kind: codec.KindNewID, Interface: "wl_registry"},
			}},
		},
		Events: []Message{
			{Name: "error", Sig: []codec.Field{
				// The one generic/untyped object argument in the core
				// protocol: the offending object can be of any interface.
				{Name: "object_id", Kind: codec.KindObject, Interface: ""},
				{Name: "code", Kind: codec.KindUint},
				{Name: "message", Kind: codec.KindString},
			}},
			{Name: "delete_id", Sig: []codec.Field{
				{Name: "id", Kind: codec.KindUint},
			}, IsDeleteID: true},
		},
	}
}

func wlRegistry() *Interface {
	return &Interface{
		Name:    "wl_registry",
		Version: 1,
		Requests: []Message{
			{Name: "bind", Sig: []codec.Field{
				{Name: "name", Kind: codec.KindUint},
				{Name: "id", Kind: codec.KindNewIDVariable},
			}},
		},
		Events: []Message{
			{Name: "global", Sig: []codec.Field{
				{Name: "name", Kind: codec.KindUint},
				{Name: "interface", Kind: codec.KindString},
				{Name: "version", Kind: codec.KindUint},
			}},
			{Name: "global_remove", Sig: []codec.Field{
				{Name: "name", Kind: codec.KindUint},
			}},
		},
	}
}

func wlCallback() *Interface {
	return &Interface{
		Name:    "wl_callback",
		Version: 1,
		Events: []Message{
			// done is destructor-by-convention in the real protocol: a
			// callback fires exactly once and is then dead.
			{Name: "done", Sig: []codec.Field{
				{Name: "callback_data", Kind: codec.KindUint},
			}, Destructor: true},
		},
	}
}

func wlCompositor() *Interface {
	return &Interface{
		Name:    "wl_compositor",
		Version: 1,
		Requests: []Message{
			{Name: "create_surface", Sig: []codec.Field{
				{Name: "id", Kind: codec.KindNewID, Interface: "wl_surface"},
			}},
		},
	}
}

func wlSurface() *Interface {
	return &Interface{
		Name:    "wl_surface",
		Version: 1,
		Requests: []Message{
			{Name: "destroy", Sig: nil, Destructor: true},
			{Name: "attach", Sig: []codec.Field{
				{Name: "buffer", Kind: codec.KindNullableObject, Interface: "wl_buffer"},
				{Name: "x", Kind: codec.KindInt},
				{Name: "y", Kind: codec.KindInt},
			}},
			{Name: "commit", Sig: nil},
		},
		Events: []Message{
			{Name: "enter", Sig: []codec.Field{
				{Name: "output", Kind: codec.KindObject, Interface: "wl_output"},
			}},
		},
	}
}

func wlSeat() *Interface {
	return &Interface{
		Name:    "wl_seat",
		Version: 1,
		Requests: []Message{
			{Name: "get_keyboard", Sig: []codec.Field{
				{Name: "id", Kind: codec.KindNewID, Interface: "wl_keyboard"},
			}},
			{Name: "release", Sig: nil, Destructor: true},
		},
		Events: []Message{
			{Name: "capabilities", Sig: []codec.Field{
				{Name: "capabilities", Kind: codec.KindUint},
			}},
		},
	}
}

// wlKeyboard exercises a typed object argument on an event: enter carries
// the wl_surface the key events now apply to, so the dispatcher's
// typed-object resolution runs in the server-to-client direction too.
func wlKeyboard() *Interface {
	return &Interface{
		Name:    "wl_keyboard",
		Version: 1,
		Requests: []Message{
			{Name: "release", Sig: nil, Destructor: true},
		},
		Events: []Message{
			{Name: "keymap", Sig: []codec.Field{
				{Name: "format", Kind: codec.KindUint},
				{Name: "fd", Kind: codec.KindFD},
				{Name: "size", Kind: codec.KindUint},
			}},
			{Name: "enter", Sig: []codec.Field{
				{Name: "serial", Kind: codec.KindUint},
				{Name: "surface", Kind: codec.KindObject, Interface: "wl_surface"},
				{Name: "keys", Kind: codec.KindArray},
			}},
		},
	}
}

// wlproxyTest is a synthetic conformance interface: each request is a
// minimal, isolated exercise of one wire-format shape (an fd, an array,
// two fds and a new-id, a fixed-interface new-id chain several hops deep,
// a generic object argument) rather than anything a real compositor would
// expose.
func wlproxyTest() *Interface {
	return &Interface{
		Name:    "wlproxy_test",
		Version: 1,
		Requests: []Message{
			{Name: "destroy", Sig: nil, Destructor: true},
			{Name: "recv_fd", Sig: []codec.Field{
				{Name: "fd", Kind: codec.KindFD},
			}},
			{Name: "echo_array", Sig: []codec.Field{
				{Name: "echo", Kind: codec.KindNewID, Interface: "wlproxy_test_array_echo"},
				{Name: "array", Kind: codec.KindArray},
			}},
			{Name: "echo_fd", Sig: []codec.Field{
				{Name: "echo", Kind: codec.KindNewID, Interface: "wlproxy_test_fd_echo"},
				{Name: "fd1", Kind: codec.KindFD},
				{Name: "fd2", Kind: codec.KindFD},
			}},
			{Name: "send_many_events", Sig: nil},
			{Name: "count_hops", Sig: []codec.Field{
				{Name: "id", Kind: codec.KindNewID, Interface: "wlproxy_test_hops"},
			}},
			{Name: "create_dummy", Sig: []codec.Field{
				{Name: "id", Kind: codec.KindNewID, Interface: "wlproxy_test_dummy"},
			}},
			{Name: "echo_object", Sig: []codec.Field{
				{Name: "echo", Kind: codec.KindNewID, Interface: "wlproxy_test_object_echo"},
				// The generic/untyped object argument: any interface is
				// accepted, the dispatcher only translates the id.
				{Name: "object", Kind: codec.KindObject, Interface: ""},
			}},
			{Name: "send_object", Sig: nil},
			{Name: "create_non_forward", Sig: []codec.Field{
				{Name: "id", Kind: codec.KindNewID, Interface: "wlproxy_test_non_forward"},
			}},
		},
		Events: []Message{
			{Name: "many_event", Sig: nil},
			{Name: "sent_object", Sig: []codec.Field{
				{Name: "echo", Kind: codec.KindNewID, Interface: "wlproxy_test_server_sent"},
			}},
		},
	}
}

func wlproxyTestArrayEcho() *Interface {
	return &Interface{Name: "wlproxy_test_array_echo", Version: 1}
}

func wlproxyTestFdEcho() *Interface {
	return &Interface{Name: "wlproxy_test_fd_echo", Version: 1}
}

// wlproxyTestHops exists for the hop-counting chain: each hop re-wraps the
// previous id in a fresh count_hops request, so the object itself carries
// no fields — only its presence in a chain of ids matters.
func wlproxyTestHops() *Interface {
	return &Interface{Name: "wlproxy_test_hops", Version: 1}
}

func wlproxyTestDummy() *Interface {
	return &Interface{Name: "wlproxy_test_dummy", Version: 1}
}

func wlproxyTestObjectEcho() *Interface {
	return &Interface{Name: "wlproxy_test_object_echo", Version: 1}
}

func wlproxyTestServerSent() *Interface {
	return &Interface{Name: "wlproxy_test_server_sent", Version: 1}
}

// wlproxyTestNonForward is the interface create_non_forward's new-id
// carries. The registry holds no forwarding flags, and the dispatcher
// creates objects of this interface like any other, with forwarding
// enabled in both directions; nothing here disables forwarding or rejects
// messages addressed to them.
func wlproxyTestNonForward() *Interface {
	return &Interface{Name: "wlproxy_test_non_forward", Version: 1}
}
