// Package protoerr defines the fatal error taxonomy produced by the proxy
// core. Every error in this package is non-recoverable for the
// peer that triggered it: the dispatcher or forwarding engine that returns
// one of these must abort the current message and the caller must tear the
// offending endpoint down.
package protoerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies which of the fixed set of fatal conditions occurred. It
// lets callers (notably tests and the I/O driver's log line) branch on the
// failure class without parsing the error string.
type Kind int

const (
	// KindReceiverNoServerID means a message needed to be sent toward the
	// server but the receiving object has no id on the server side.
	KindReceiverNoServerID Kind = iota
	// KindReceiverNoClient means a message needed to be sent toward a
	// client but the receiving object has no client endpoint attached.
	KindReceiverNoClient
	// KindArgNoServerID means an object argument has no id on the server
	// table it was about to be translated into.
	KindArgNoServerID
	// KindArgNoClientID means an object argument has no id on the target
	// client's table.
	KindArgNoClientID
	// KindNoClientObject means an inbound message referenced an id with
	// no bound object on a client endpoint's table.
	KindNoClientObject
	// KindNoServerObject means an inbound message referenced an id with
	// no bound object on the server endpoint's table.
	KindNoServerObject
	// KindWrongObjectType means a typed object argument resolved to an
	// object of a different interface than the schema declared.
	KindWrongObjectType
	// KindWrongMessageSize means the declared byte length did not match
	// what the signature requires.
	KindWrongMessageSize
	// KindTrailingBytes means decoding the signature left bytes unread.
	KindTrailingBytes
	// KindMissingArgument means the body ran out of words before every
	// field in the signature was decoded.
	KindMissingArgument
	// KindMissingFd means a fd-typed field had no fd left in the queue.
	KindMissingFd
	// KindBadString means a string field was not valid UTF-8 or lacked
	// its trailing NUL.
	KindBadString
	// KindUnknownMessageID means the (interface, direction, opcode)
	// tuple has no entry in the interface registry.
	KindUnknownMessageID
	// KindHandlerBorrowed means dispatch tried to acquire an object's
	// handler slot while it was already borrowed by an in-progress
	// dispatch (re-entrancy).
	KindHandlerBorrowed
	// KindSetClientID means bind_client_id was asked to bind outside the
	// client id range, onto id zero, or onto an id already taken.
	KindSetClientID
	// KindSetServerID is the bind_server_id analogue of KindSetClientID.
	KindSetServerID
	// KindGenerateServerID means the server id range is exhausted.
	KindGenerateServerID
	// KindGenerateClientID means a client's id range is exhausted.
	KindGenerateClientID
	// KindBadInterface means a new-id field named an interface absent
	// from the registry, or carried a version outside the interface's
	// registered range.
	KindBadInterface
)

var kindNames = [...]string{
	"ReceiverNoServerId",
	"ReceiverNoClient",
	"ArgNoServerId",
	"ArgNoClientId",
	"NoClientObject",
	"NoServerObject",
	"WrongObjectType",
	"WrongMessageSize",
	"TrailingBytes",
	"MissingArgument",
	"MissingFd",
	"BadString",
	"UnknownMessageId",
	"HandlerBorrowed",
	"SetClientId",
	"SetServerId",
	"GenerateServerId",
	"GenerateClientId",
	"BadInterface",
}

func (k Kind) String() string {
	if int(k) < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Error is a fatal protocol error. It carries the Kind plus whatever
// structured detail is available for that kind, and is always the cause of
// whatever error the caller wraps it in with pkg/errors so a log line can
// print the message and the failure class separately.
type Error struct {
	Kind Kind
	// Field, when non-empty, names the signature field implicated (the
	// argument name for ArgNoServerId/ArgNoClientId/WrongObjectType/
	// MissingArgument/MissingFd; a MissingArgument raised for a message
	// with no new-id field carries the message name instead).
	Field string
	// Actual and Expected carry interface names for WrongObjectType;
	// Object carries the interface name for BadInterface.
	Object, Actual, Expected string
	// ID carries the offending object id where relevant.
	ID uint32
	// ClientID carries the offending client endpoint id for
	// ArgNoClientId/NoClientObject.
	ClientID uint64
	// Got/Want carry the counts for WrongMessageSize, and the offered and
	// maximum versions for BadInterface.
	Got, Want int
	// Opcode carries the unknown opcode for UnknownMessageId.
	Opcode uint16
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindArgNoServerID:
		return fmt.Sprintf("%s: argument %q has no server-side id", e.Kind, e.Field)
	case KindArgNoClientID:
		return fmt.Sprintf("%s: argument %q has no id on client %d", e.Kind, e.Field, e.ClientID)
	case KindNoClientObject:
		return fmt.Sprintf("%s: client %d has no object bound to id %#x", e.Kind, e.ClientID, e.ID)
	case KindNoServerObject:
		return fmt.Sprintf("%s: no object bound to id %#x", e.Kind, e.ID)
	case KindWrongObjectType:
		return fmt.Sprintf("%s: argument %q resolved to %s, expected %s", e.Kind, e.Field, e.Actual, e.Expected)
	case KindWrongMessageSize:
		return fmt.Sprintf("%s: got %d bytes, expected %d", e.Kind, e.Got, e.Want)
	case KindMissingArgument:
		return fmt.Sprintf("%s: %s", e.Kind, e.Field)
	case KindMissingFd:
		return fmt.Sprintf("%s: %s", e.Kind, e.Field)
	case KindUnknownMessageID:
		return fmt.Sprintf("%s: opcode %d", e.Kind, e.Opcode)
	case KindBadInterface:
		if e.Want != 0 {
			return fmt.Sprintf("%s: interface %q at version %d (maximum %d)", e.Kind, e.Object, e.Got, e.Want)
		}
		return fmt.Sprintf("%s: unknown interface %q", e.Kind, e.Object)
	default:
		return e.Kind.String()
	}
}

// New builds a bare Error of the given kind with no extra detail
// (TrailingBytes, BadString, HandlerBorrowed, the id-range errors and the
// receiver errors carry no further structured fields).
func New(kind Kind) error {
	return errors.WithStack(&Error{Kind: kind})
}

// ArgNoServerID reports that an outbound object argument named field has no
// server-side id.
func ArgNoServerID(field string) error {
	return errors.WithStack(&Error{Kind: KindArgNoServerID, Field: field})
}

// ArgNoClientID reports that an outbound object argument named field has no
// id on the given client endpoint.
func ArgNoClientID(field string, clientID uint64) error {
	return errors.WithStack(&Error{Kind: KindArgNoClientID, Field: field, ClientID: clientID})
}

// NoClientObject reports an inbound reference to an unbound id on a client
// endpoint's table.
func NoClientObject(clientID uint64, id uint32) error {
	return errors.WithStack(&Error{Kind: KindNoClientObject, ClientID: clientID, ID: id})
}

// NoServerObject reports an inbound reference to an unbound id on the server
// endpoint's table.
func NoServerObject(id uint32) error {
	return errors.WithStack(&Error{Kind: KindNoServerObject, ID: id})
}

// WrongObjectType reports that a typed object argument resolved to an object
// of the wrong interface.
func WrongObjectType(field, actual, expected string) error {
	return errors.WithStack(&Error{Kind: KindWrongObjectType, Field: field, Actual: actual, Expected: expected})
}

// WrongMessageSize reports a byte-length mismatch at decode time.
func WrongMessageSize(got, want int) error {
	return errors.WithStack(&Error{Kind: KindWrongMessageSize, Got: got, Want: want})
}

// MissingArgument reports that decoding ran out of body before reaching the
// named field.
func MissingArgument(name string) error {
	return errors.WithStack(&Error{Kind: KindMissingArgument, Field: name})
}

// MissingFd reports that decoding a fd-typed field found the ancillary queue
// empty.
func MissingFd(name string) error {
	return errors.WithStack(&Error{Kind: KindMissingFd, Field: name})
}

// UnknownMessageID reports an opcode absent from the interface's signature
// table for the given direction.
func UnknownMessageID(opcode uint16) error {
	return errors.WithStack(&Error{Kind: KindUnknownMessageID, Opcode: opcode})
}

// UnknownInterface reports a new-id field naming an interface absent from
// the registry.
func UnknownInterface(name string) error {
	return errors.WithStack(&Error{Kind: KindBadInterface, Object: name})
}

// VersionTooHigh reports a new-id field carrying a version outside the
// named interface's registered range.
func VersionTooHigh(name string, got, max uint32) error {
	return errors.WithStack(&Error{Kind: KindBadInterface, Object: name, Got: int(got), Want: int(max)})
}

// Is reports whether err is a *Error of the given kind, unwrapping as
// needed. It lets tests and callers write protoerr.Is(err,
// protoerr.KindHandlerBorrowed) instead of type-asserting by hand.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
