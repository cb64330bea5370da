// Package envelope defines ActionMessage, the single record exchanged between
// every federate, core, and broker in the tree, and its binary wire codec.
//
// Every node — federate, core, or broker — speaks exactly this envelope.
// Routing, time coordination, and pub/sub/endpoint delivery are all driven
// by dispatching on the Action tag; nothing above this package knows or
// cares which transport carried the bytes.
//
// Called by: core, broker, coordinator
// Calls: encoding/binary, msgpack, xxhash
package envelope

import "github.com/tenzoki/agen/coresim/internal/cstime"

// Action is the command tag carried by every ActionMessage.
type Action uint16

// The action enumeration. Values are stable across versions: a peer must
// never renumber an existing tag, only append new ones, so that a codec
// built against an older version can still recognize older traffic.
const (
	ActionUnknown Action = iota // decode fallback for an unrecognized tag; never forwarded

	// Registration
	ActionRegFederate
	ActionRegPublication
	ActionRegInput
	ActionRegEndpoint
	ActionRegFilter
	ActionDeregFederate
	ActionDeregPublication
	ActionDeregInput
	ActionDeregEndpoint
	ActionDeregFilter

	// Dependency graph maintenance
	ActionAddDependency
	ActionRemoveDependency
	ActionAddDependent
	ActionRemoveDependent

	// Time coordination
	ActionTimeRequest
	ActionTimeGrant
	ActionTimeRequestIterative
	ActionTimeGrantIterative

	// Lifecycle barriers
	ActionEnterInit
	ActionEnterInitGrant
	ActionEnterExec
	ActionEnterExecGrant
	ActionFinalize
	ActionFinalizeAck
	ActionDisconnect
	ActionTerminate
	ActionError

	// Data plane
	ActionPublish
	ActionSendMessage
	ActionFilterResult

	// Broker/core bookkeeping
	ActionConnectCore
	ActionConnectBroker
	ActionRoutingSnapshot
	ActionQuery
	ActionQueryReply

	actionSentinelMax // keep last; used to bound the decode table
)

// Flags is a bitfield carried on every ActionMessage.
type Flags uint32

const (
	FlagRequired Flags = 1 << iota
	FlagOptional
	FlagError
	FlagIterationComplete
	FlagDestFilter // true: this SEND_MESSAGE was diverted through a destination filter
	FlagReserved1
	FlagReserved2
)

// GlobalFederateId uniquely identifies a federate across the whole tree.
type GlobalFederateId int32

// InterfaceHandle is locally unique within the owning federate.
type InterfaceHandle int32

// InvalidFederateId and InvalidHandle are the reserved sentinel values for
// "no federate"/"no handle". Zero is reserved rather than -1 so that a
// zero-valued ActionMessage (as produced by a bare struct literal) is
// trivially recognizable as addressed to nobody.
const (
	InvalidFederateId GlobalFederateId  = 0
	InvalidHandle     InterfaceHandle   = 0
)

// GlobalHandle is the globally unique pairing of a federate and one of its
// locally-scoped interface handles.
type GlobalHandle struct {
	Federate GlobalFederateId
	Handle   InterfaceHandle
}

// RouteId is opaque outside the node that issued it; it names an outbound
// transport link in that node's private routing table.
type RouteId int32

// Extra carries the fields that only some actions need: the originating
// and target interface names (used before a GlobalHandle is resolved) and
// the three times the time coordinator exchanges between dependency
// reports. It is encoded as a separate tagged sub-record (see codec.go) so
// that the common case — no Extra — costs only a one-byte presence flag
// and a four-byte zero length on the wire.
type Extra struct {
	SourceName     string        `msgpack:"sn,omitempty"`
	OriginalSource string        `msgpack:"os,omitempty"`
	TargetName     string        `msgpack:"tn,omitempty"`
	Te             cstime.Time   `msgpack:"te,omitempty"`
	Tdemin         cstime.Time   `msgpack:"td,omitempty"`
	Tso            cstime.Time   `msgpack:"ts,omitempty"`
}

// IsZero reports whether e carries none of its fields, in which case the
// codec omits the Extra sub-record entirely.
func (e *Extra) IsZero() bool {
	return e == nil || (*e == Extra{})
}

// ActionMessage is the single record exchanged between nodes.
//
// Equality for round-trip purposes (Decode(Encode(m)) == m) is field-wise,
// with nil and empty treated alike: an Extra whose fields are all zero is
// not encoded and decodes as nil, and an empty Payload decodes as nil.
// Encode never changes a logically-empty field into a non-empty one or
// vice versa.
type ActionMessage struct {
	Action Action

	SourceID     GlobalFederateId
	SourceHandle InterfaceHandle
	DestID       GlobalFederateId
	DestHandle   InterfaceHandle

	ActionTime     cstime.Time
	IterationIndex uint32
	Flags          Flags

	Payload []byte

	Extra *Extra

	// unknown carries tagged trailing sub-records this version doesn't
	// recognize, preserved verbatim so a message can be forwarded without
	// loss (forward compatibility, spec.md §4.1).
	unknown []taggedBlock
}

type taggedBlock struct {
	tag  uint16
	data []byte
}

// RequiresExtra reports whether this action's semantics depend on the Extra
// block being present (the time coordinator's dependency reports, and
// registration messages that carry a name before a handle is resolved).
func (a Action) RequiresExtra() bool {
	switch a {
	case ActionAddDependency, ActionRemoveDependency, ActionAddDependent, ActionRemoveDependent,
		ActionTimeRequest, ActionTimeGrant, ActionTimeRequestIterative, ActionTimeGrantIterative,
		ActionRegPublication, ActionRegInput, ActionRegEndpoint, ActionRegFilter:
		return true
	default:
		return false
	}
}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return "ACTION_UNKNOWN"
}

var actionNames = [...]string{
	ActionUnknown:              "UNKNOWN",
	ActionRegFederate:          "REG_FEDERATE",
	ActionRegPublication:       "REG_PUBLICATION",
	ActionRegInput:             "REG_INPUT",
	ActionRegEndpoint:          "REG_ENDPOINT",
	ActionRegFilter:            "REG_FILTER",
	ActionDeregFederate:        "DEREG_FEDERATE",
	ActionDeregPublication:     "DEREG_PUBLICATION",
	ActionDeregInput:           "DEREG_INPUT",
	ActionDeregEndpoint:        "DEREG_ENDPOINT",
	ActionDeregFilter:          "DEREG_FILTER",
	ActionAddDependency:        "ADD_DEPENDENCY",
	ActionRemoveDependency:     "REMOVE_DEPENDENCY",
	ActionAddDependent:         "ADD_DEPENDENT",
	ActionRemoveDependent:      "REMOVE_DEPENDENT",
	ActionTimeRequest:          "TIME_REQUEST",
	ActionTimeGrant:            "TIME_GRANT",
	ActionTimeRequestIterative: "TIME_REQUEST_ITERATIVE",
	ActionTimeGrantIterative:   "TIME_GRANT_ITERATIVE",
	ActionEnterInit:            "ENTER_INIT",
	ActionEnterInitGrant:       "ENTER_INIT_GRANT",
	ActionEnterExec:            "ENTER_EXEC",
	ActionEnterExecGrant:       "ENTER_EXEC_GRANT",
	ActionFinalize:             "FINALIZE",
	ActionFinalizeAck:          "FINALIZE_ACK",
	ActionDisconnect:           "DISCONNECT",
	ActionTerminate:            "TERMINATE",
	ActionError:                "ERROR",
	ActionPublish:              "PUBLISH",
	ActionSendMessage:          "SEND_MESSAGE",
	ActionFilterResult:         "FILTER_RESULT",
	ActionConnectCore:          "CONNECT_CORE",
	ActionConnectBroker:        "CONNECT_BROKER",
	ActionRoutingSnapshot:      "ROUTING_SNAPSHOT",
	ActionQuery:                "QUERY",
	ActionQueryReply:           "QUERY_REPLY",
}

// Clone returns a deep copy of m, including the Payload bytes and Extra
// block. The filter fan-out path (spec.md §9, Open Question on clone
// sharing) always uses Clone rather than a shallow struct copy, so that no
// two in-flight messages ever share a mutable backing array.
func (m *ActionMessage) Clone() *ActionMessage {
	c := *m
	if m.Payload != nil {
		c.Payload = make([]byte, len(m.Payload))
		copy(c.Payload, m.Payload)
	}
	if m.Extra != nil {
		e := *m.Extra
		c.Extra = &e
	}
	if m.unknown != nil {
		c.unknown = make([]taggedBlock, len(m.unknown))
		for i, b := range m.unknown {
			nb := taggedBlock{tag: b.tag, data: make([]byte, len(b.data))}
			copy(nb.data, b.data)
			c.unknown[i] = nb
		}
	}
	return &c
}
