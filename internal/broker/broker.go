// Package broker implements the root/relay broker that sits above a run's
// cores (spec.md §4.9). A broker never hosts federates itself; it connects
// cores together, resolves publication and endpoint names across core
// boundaries through a shared global table, coordinates the
// EnterInitializingMode and EnterExecutingMode barriers across every
// federate in the federation, and allocates each connecting core a
// disjoint GlobalFederateId block, accepting federate bindings for that
// core only inside its block. The core package numbers its federates on
// its own and does not read this block.
//
// A deployment may chain several brokers (spec.md §2): a leaf broker
// relays to the one above it, and the root broker is simply the broker
// with no parent. Service here implements one broker node regardless of
// its position in that chain.
package broker

import (
	"context"
	"fmt"
	"sync"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/go-logr/logr"

	"github.com/tenzoki/agen/coresim/internal/coordinator"
	"github.com/tenzoki/agen/coresim/internal/coreerr"
	"github.com/tenzoki/agen/coresim/internal/cstime"
	"github.com/tenzoki/agen/coresim/internal/envelope"
	"github.com/tenzoki/agen/coresim/internal/handles"
	"github.com/tenzoki/agen/coresim/internal/transport"
)

// coreIDBlockSize is how many GlobalFederateId values a broker hands a
// connecting core in one allocation. There is no call to extend a core's
// block once allocated.
const coreIDBlockSize = 1 << 16

// CoreLink is what the broker tracks about one connected core: its name,
// the transport used to reach it, and the block of federate ids it owns.
type CoreLink struct {
	Name      string
	Adapter   transport.Adapter
	IDFloor   envelope.GlobalFederateId
	IDCeiling envelope.GlobalFederateId
}

// Service is one broker node.
type Service struct {
	mu    sync.RWMutex
	cores map[string]*CoreLink

	// federateHome maps a federate id to the core that hosts it, so a
	// message addressed to that federate can be routed to the right link.
	federateHome map[envelope.GlobalFederateId]string

	globals  *handles.GlobalTable
	nextBase envelope.GlobalFederateId

	barrier *coordinator.Barrier
	parent  transport.Adapter // non-nil when this broker is not the root

	log logr.Logger
}

// NewService returns an empty broker. parent is the transport used to
// reach this broker's own parent broker, or nil if this is the root.
func NewService(log logr.Logger, parent transport.Adapter) (*Service, error) {
	globals, err := handles.NewGlobalTable()
	if err != nil {
		return nil, err
	}
	return &Service{
		cores:        make(map[string]*CoreLink),
		federateHome: make(map[envelope.GlobalFederateId]string),
		globals:      globals,
		parent:       parent,
		log:          log,
	}, nil
}

// ConnectCore admits a new core, handing it an exclusive block of
// GlobalFederateId values it may assign to its own federates.
func (s *Service) ConnectCore(name string, adapter transport.Adapter) (*CoreLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cores[name]; exists {
		return nil, &coreerr.RegistrationError{Kind: "core", Key: name, Err: fmt.Errorf("already connected")}
	}
	floor := s.nextBase + 1
	s.nextBase += coreIDBlockSize
	link := &CoreLink{Name: name, Adapter: adapter, IDFloor: floor, IDCeiling: s.nextBase}
	s.cores[name] = link
	s.log.Info("core connected", "name", name, "id_floor", floor, "id_ceiling", link.IDCeiling)
	return link, nil
}

// DisconnectCore removes a core and every federate id it owned.
func (s *Service) DisconnectCore(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.cores[name]
	if !ok {
		return
	}
	for fed, home := range s.federateHome {
		if home == name {
			delete(s.federateHome, fed)
		}
	}
	delete(s.cores, name)
	s.log.Info("core disconnected", "name", name, "had_id_floor", link.IDFloor)
}

// BindFederate records which core hosts fed, and binds its interface name
// in the global table so other cores can resolve subscriptions to it.
func (s *Service) BindFederate(fed envelope.GlobalFederateId, coreName, interfaceName string) error {
	s.mu.Lock()
	link, ok := s.cores[coreName]
	if !ok {
		s.mu.Unlock()
		return &coreerr.RegistrationError{Kind: "federate", Key: interfaceName, Err: fmt.Errorf("unknown core %q", coreName)}
	}
	if fed < link.IDFloor || fed > link.IDCeiling {
		s.mu.Unlock()
		return &coreerr.RegistrationError{Kind: "federate", Key: interfaceName, Err: fmt.Errorf("federate id %d outside core %q's allocated block", fed, coreName)}
	}
	s.federateHome[fed] = coreName
	s.mu.Unlock()

	s.globals.Bind(interfaceName, envelope.GlobalHandle{Federate: fed})
	return nil
}

// ResolveGlobalName looks up an interface name bound by any connected
// core.
func (s *Service) ResolveGlobalName(name string) (envelope.GlobalHandle, bool) {
	return s.globals.Resolve(name)
}

// Route forwards msg to the core hosting its destination federate,
// relaying to the parent broker if the destination is not known locally.
// A message whose action decoded as ActionUnknown is rejected, not
// forwarded.
func (s *Service) Route(ctx context.Context, msg *envelope.ActionMessage) error {
	if msg.Action == envelope.ActionUnknown {
		return &coreerr.ProtocolError{Reason: "unknown action tag is never forwarded"}
	}
	s.mu.RLock()
	home, ok := s.federateHome[msg.DestID]
	var link *CoreLink
	if ok {
		link = s.cores[home]
	}
	s.mu.RUnlock()

	if !ok || link == nil {
		if s.parent == nil {
			return &coreerr.ProtocolError{Reason: fmt.Sprintf("no route to federate %d", msg.DestID)}
		}
		frame, err := envelope.Encode(msg)
		if err != nil {
			return err
		}
		return s.parent.Send(ctx, "parent", frame)
	}

	frame, err := envelope.Encode(msg)
	if err != nil {
		return err
	}
	return link.Adapter.Send(ctx, home, frame)
}

// BeginPhaseBarrier starts a new barrier for transitioning every federate
// in participants into the same lifecycle phase together (spec.md §4.4),
// e.g. EnterInitializingMode or EnterExecutingMode.
func (s *Service) BeginPhaseBarrier(participants []envelope.GlobalFederateId) *coordinator.Barrier {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.barrier = coordinator.NewBarrier(participants)
	return s.barrier
}

// RoutingSnapshot is a set of (name -> GlobalFederateId) entries that
// BroadcastRoutingSnapshot sends to every connected core. The caller
// decides when to broadcast; nothing in this package does so when a phase
// barrier releases.
type RoutingSnapshot struct {
	Names     []string
	Federates []envelope.GlobalFederateId
}

// BuildRoutingSnapshot encodes snap (not the broker's own global table) as
// a flatbuffer so it can be broadcast to every core without a JSON marshal pass on a
// structure that can grow into the tens of thousands of entries in a large
// federation.
func (s *Service) BuildRoutingSnapshot(snap RoutingSnapshot) []byte {
	b := flatbuffers.NewBuilder(1024)

	nameOffsets := make([]flatbuffers.UOffsetT, len(snap.Names))
	for i, n := range snap.Names {
		nameOffsets[i] = b.CreateString(n)
	}

	b.StartVector(4, len(nameOffsets), 4)
	for i := len(nameOffsets) - 1; i >= 0; i-- {
		b.PrependUOffsetT(nameOffsets[i])
	}
	namesVec := b.EndVector(len(nameOffsets))

	b.StartVector(4, len(snap.Federates), 4)
	for i := len(snap.Federates) - 1; i >= 0; i-- {
		b.PrependInt32(int32(snap.Federates[i]))
	}
	fedsVec := b.EndVector(len(snap.Federates))

	b.StartObject(2)
	b.PrependUOffsetTSlot(0, namesVec, 0)
	b.PrependUOffsetTSlot(1, fedsVec, 0)
	root := b.EndObject()

	b.Finish(root)
	return b.FinishedBytes()
}

// BroadcastRoutingSnapshot sends the current routing snapshot to every
// connected core.
func (s *Service) BroadcastRoutingSnapshot(ctx context.Context, snap RoutingSnapshot) error {
	frame := s.BuildRoutingSnapshot(snap)
	msg := &envelope.ActionMessage{Action: envelope.ActionRoutingSnapshot, Payload: frame, ActionTime: cstime.Zero}
	encoded, err := envelope.Encode(msg)
	if err != nil {
		return err
	}

	s.mu.RLock()
	links := make([]*CoreLink, 0, len(s.cores))
	for _, l := range s.cores {
		links = append(links, l)
	}
	s.mu.RUnlock()

	for _, link := range links {
		if err := link.Adapter.Send(ctx, link.Name, encoded); err != nil {
			return &coreerr.TransportError{Adapter: "broker", Op: "broadcast_routing_snapshot", Err: err}
		}
	}
	return nil
}
