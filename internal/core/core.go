// Package core implements the Core node (spec.md §4.8): the process that
// hosts one or more federates, holds their interface registries, and
// either resolves a publication/input/endpoint binding locally or forwards
// it toward the broker when the other side lives elsewhere.
package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tenzoki/agen/coresim/internal/coordinator"
	"github.com/tenzoki/agen/coresim/internal/coreerr"
	"github.com/tenzoki/agen/coresim/internal/cstime"
	"github.com/tenzoki/agen/coresim/internal/envelope"
	"github.com/tenzoki/agen/coresim/internal/fedstate"
	"github.com/tenzoki/agen/coresim/internal/handles"
	"github.com/tenzoki/agen/coresim/internal/ifaceinfo"
	"github.com/tenzoki/agen/coresim/internal/mailbox"
	"github.com/tenzoki/agen/coresim/internal/profiler"
)

// SendFunc delivers an encoded-ready ActionMessage toward another core or
// the broker. The Core never encodes or dials directly; that is the job
// of whatever owns the transport.Adapter this func closes over.
type SendFunc func(ctx context.Context, dest envelope.GlobalFederateId, msg *envelope.ActionMessage) error

// Federate is one federate's state as tracked by its hosting Core.
type Federate struct {
	Name  string
	ID    envelope.GlobalFederateId
	State *fedstate.Machine
	Coord *coordinator.Coordinator
	Ifc   *handles.Registry

	publications map[envelope.InterfaceHandle]*ifaceinfo.Publication
	inputs       map[envelope.InterfaceHandle]*ifaceinfo.Input
	endpoints    map[envelope.InterfaceHandle]*ifaceinfo.Endpoint
	filters      map[envelope.InterfaceHandle]*ifaceinfo.Filter

	// fatalErr latches once this federate hits a fatal causality violation
	// (spec.md §4.5 step 3, §8 causality guard), either from its own
	// coordinator's grant or from a value/message arriving behind its last
	// granted time. Every subsequent RequestTime call returns this error
	// immediately.
	fatalErr error

	Inbox *mailbox.Mailbox
}

// filterRef locates a registered filter by the federate that owns it.
type filterRef struct {
	fed    envelope.GlobalFederateId
	handle envelope.InterfaceHandle
}

// Core hosts a set of federates and routes their interface traffic.
type Core struct {
	mu        sync.RWMutex
	federates map[envelope.GlobalFederateId]*Federate
	byName    map[string]envelope.GlobalFederateId
	globals   *handles.GlobalTable
	nextFed   envelope.GlobalFederateId

	// sourceFilters and destFilters index registered filters by the
	// endpoint they divert traffic around: sourceFilters by the sending
	// endpoint, destFilters by the receiving endpoint (spec.md §4.7).
	sourceFilters map[envelope.GlobalHandle]filterRef
	destFilters   map[envelope.GlobalHandle]filterRef

	log    logr.Logger
	tracer trace.Tracer
	meter  metric.Meter
	send   SendFunc

	profiler *profiler.Buffer
}

// AttachProfiler enables phase-transition recording for every federate this
// core hosts (spec.md §6 Observability). Safe to call once before any
// federate issues a time request; a nil buffer is a no-op everywhere else
// in Core, so profiling stays entirely optional.
func (c *Core) AttachProfiler(b *profiler.Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiler = b
}

// FlushProfiler compresses and returns everything profiled so far, logging
// the pre-compression buffer size in human-readable form.
func (c *Core) FlushProfiler() ([]byte, error) {
	c.mu.RLock()
	p := c.profiler
	c.mu.RUnlock()
	if p == nil {
		return nil, nil
	}
	c.log.V(1).Info("flushing profiler buffer", "buffered", p.Size())
	return p.Flush()
}

// New returns an empty Core. send is invoked whenever routing determines a
// message must leave this core (its destination federate is not hosted
// here); it is nil-safe to leave unset for single-core runs, in which case
// such messages fail with a TransportError instead of being dropped
// silently.
func New(log logr.Logger, tracer trace.Tracer, meter metric.Meter, send SendFunc) (*Core, error) {
	globals, err := handles.NewGlobalTable()
	if err != nil {
		return nil, err
	}
	return &Core{
		federates:     make(map[envelope.GlobalFederateId]*Federate),
		byName:        make(map[string]envelope.GlobalFederateId),
		globals:       globals,
		sourceFilters: make(map[envelope.GlobalHandle]filterRef),
		destFilters:   make(map[envelope.GlobalHandle]filterRef),
		log:           log,
		tracer:        tracer,
		meter:         meter,
		send:          send,
	}, nil
}

// latchFederateError records err as f's fatal error and moves it into
// fedstate.ErrorState. Every RequestTime call for f returns err from this
// point on instead of attempting to grant or block.
func (c *Core) latchFederateError(f *Federate, err error) {
	c.mu.Lock()
	f.fatalErr = err
	c.mu.Unlock()
	_ = f.State.Transition(fedstate.ErrorState)
}

// RegisterFederate admits a new federate to this core.
func (c *Core) RegisterFederate(name string, policy fedstate.IterationPolicy) (envelope.GlobalFederateId, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byName[name]; exists {
		return envelope.InvalidFederateId, &coreerr.RegistrationError{Kind: "federate", Key: name, Err: fmt.Errorf("already registered")}
	}
	c.nextFed++
	id := c.nextFed

	coord, err := coordinator.New(id, c.tracer, c.meter)
	if err != nil {
		return envelope.InvalidFederateId, err
	}

	fed := &Federate{
		Name:  name,
		ID:    id,
		State: fedstate.New(name, policy),
		Coord: coord,
		Ifc:   handles.New(),

		publications: make(map[envelope.InterfaceHandle]*ifaceinfo.Publication),
		inputs:       make(map[envelope.InterfaceHandle]*ifaceinfo.Input),
		endpoints:    make(map[envelope.InterfaceHandle]*ifaceinfo.Endpoint),
		filters:      make(map[envelope.InterfaceHandle]*ifaceinfo.Filter),

		Inbox: mailbox.New(),
	}
	c.federates[id] = fed
	c.byName[name] = id
	c.log.V(1).Info("federate registered", "name", name, "id", id)
	return id, nil
}

// Federate looks up a hosted federate by id.
func (c *Core) Federate(id envelope.GlobalFederateId) (*Federate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.federates[id]
	return f, ok
}

// FederateByName looks up a hosted federate by name.
func (c *Core) FederateByName(name string) (*Federate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byName[name]
	if !ok {
		return nil, false
	}
	return c.federates[id], true
}

// RegisterPublication adds a publication interface to fed.
func (c *Core) RegisterPublication(fed envelope.GlobalFederateId, key, typ, units string) (envelope.InterfaceHandle, error) {
	f, ok := c.Federate(fed)
	if !ok {
		return envelope.InvalidHandle, &coreerr.RegistrationError{Kind: "publication", Key: key, Err: fmt.Errorf("unknown federate %d", fed)}
	}
	h, err := f.Ifc.Register(handles.KindPublication, key, typ, units, 0)
	if err != nil {
		return envelope.InvalidHandle, &coreerr.RegistrationError{Kind: "publication", Key: key, Err: err}
	}
	c.mu.Lock()
	f.publications[h] = ifaceinfo.NewPublication(key, typ, units)
	c.mu.Unlock()
	c.globals.Bind(key, envelope.GlobalHandle{Federate: fed, Handle: h})
	return h, nil
}

// RegisterInput adds an input interface to fed.
func (c *Core) RegisterInput(fed envelope.GlobalFederateId, key, typ, units string, required, onlyUpdateOnChange bool) (envelope.InterfaceHandle, error) {
	f, ok := c.Federate(fed)
	if !ok {
		return envelope.InvalidHandle, &coreerr.RegistrationError{Kind: "input", Key: key, Err: fmt.Errorf("unknown federate %d", fed)}
	}
	flags := envelope.Flags(0)
	if required {
		flags |= envelope.FlagRequired
	} else {
		flags |= envelope.FlagOptional
	}
	h, err := f.Ifc.Register(handles.KindInput, key, typ, units, flags)
	if err != nil {
		return envelope.InvalidHandle, &coreerr.RegistrationError{Kind: "input", Key: key, Err: err}
	}
	c.mu.Lock()
	f.inputs[h] = ifaceinfo.NewInput(key, typ, units, required, onlyUpdateOnChange)
	c.mu.Unlock()
	return h, nil
}

// RegisterEndpoint adds a message endpoint interface to fed.
func (c *Core) RegisterEndpoint(fed envelope.GlobalFederateId, key, typ string) (envelope.InterfaceHandle, error) {
	f, ok := c.Federate(fed)
	if !ok {
		return envelope.InvalidHandle, &coreerr.RegistrationError{Kind: "endpoint", Key: key, Err: fmt.Errorf("unknown federate %d", fed)}
	}
	h, err := f.Ifc.Register(handles.KindEndpoint, key, typ, "", 0)
	if err != nil {
		return envelope.InvalidHandle, &coreerr.RegistrationError{Kind: "endpoint", Key: key, Err: err}
	}
	c.mu.Lock()
	f.endpoints[h] = ifaceinfo.NewEndpoint(key, typ, envelope.GlobalHandle{Federate: fed, Handle: h})
	c.mu.Unlock()
	c.globals.Bind(key, envelope.GlobalHandle{Federate: fed, Handle: h})
	return h, nil
}

// RegisterFilter adds a message filter interface to fed.
func (c *Core) RegisterFilter(fed envelope.GlobalFederateId, key, inputType, outputType string, destFilter bool) (envelope.InterfaceHandle, error) {
	f, ok := c.Federate(fed)
	if !ok {
		return envelope.InvalidHandle, &coreerr.RegistrationError{Kind: "filter", Key: key, Err: fmt.Errorf("unknown federate %d", fed)}
	}
	h, err := f.Ifc.Register(handles.KindFilter, key, inputType, outputType, 0)
	if err != nil {
		return envelope.InvalidHandle, &coreerr.RegistrationError{Kind: "filter", Key: key, Err: err}
	}
	c.mu.Lock()
	f.filters[h] = ifaceinfo.NewFilter(key, inputType, outputType, destFilter)
	c.mu.Unlock()
	return h, nil
}

// BindFilterTarget attaches target to the filter at filterHandle (owned by
// fed), so traffic through target is diverted into the filter's queue
// instead of delivered straight through (spec.md §4.7). A source filter's
// target is the endpoint messages are sent from; a destination filter's
// target is the endpoint messages are sent to.
func (c *Core) BindFilterTarget(fed envelope.GlobalFederateId, filterHandle envelope.InterfaceHandle, target envelope.GlobalHandle) error {
	f, ok := c.Federate(fed)
	if !ok {
		return &coreerr.RegistrationError{Kind: "filter_target", Key: "", Err: fmt.Errorf("unknown federate %d", fed)}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	filt, ok := f.filters[filterHandle]
	if !ok {
		return &coreerr.RegistrationError{Kind: "filter_target", Key: "", Err: fmt.Errorf("unknown filter handle")}
	}
	filt.AddTarget(target)
	ref := filterRef{fed: fed, handle: filterHandle}
	if filt.DestFilter {
		c.destFilters[target] = ref
	} else {
		c.sourceFilters[target] = ref
	}
	return nil
}

// GetFilteredMessage removes and returns the earliest message diverted to
// the filter at filterHandle (owned by fed) whose time is at most
// currentTime, for the owning federate to transform and re-send via
// SendMessage (spec.md §4.7).
func (c *Core) GetFilteredMessage(fed envelope.GlobalFederateId, filterHandle envelope.InterfaceHandle, currentTime cstime.Time) (ifaceinfo.EndpointMessage, bool, error) {
	f, ok := c.Federate(fed)
	if !ok {
		return ifaceinfo.EndpointMessage{}, false, &coreerr.ProtocolError{Reason: fmt.Sprintf("unknown federate %d", fed)}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	filt, ok := f.filters[filterHandle]
	if !ok {
		return ifaceinfo.EndpointMessage{}, false, &coreerr.ProtocolError{Reason: "unknown filter handle"}
	}
	msg, ok := filt.GetMessage(currentTime)
	return msg, ok, nil
}

// Subscribe binds inputKey (on fed) to pubKey, resolving pubKey through the
// global table. The publication may belong to any federate registered with
// this core; cross-core subscriptions are an Open Question the broker's
// global table resolves (spec.md §9) and are out of scope for a single
// Core instance.
func (c *Core) Subscribe(fed envelope.GlobalFederateId, inputHandle envelope.InterfaceHandle, pubKey string) error {
	target, ok := c.globals.Resolve(pubKey)
	if !ok {
		return &coreerr.RegistrationError{Kind: "subscription", Key: pubKey, Err: fmt.Errorf("publication not found")}
	}
	pubFed, ok := c.Federate(target.Federate)
	if !ok {
		return &coreerr.RegistrationError{Kind: "subscription", Key: pubKey, Err: fmt.Errorf("publishing federate not hosted here")}
	}
	f, ok := c.Federate(fed)
	if !ok {
		return &coreerr.RegistrationError{Kind: "subscription", Key: pubKey, Err: fmt.Errorf("unknown federate %d", fed)}
	}

	c.mu.Lock()
	pub, ok := pubFed.publications[target.Handle]
	if !ok {
		c.mu.Unlock()
		return &coreerr.RegistrationError{Kind: "subscription", Key: pubKey, Err: fmt.Errorf("handle is not a publication")}
	}
	in, ok := f.inputs[inputHandle]
	if !ok {
		c.mu.Unlock()
		return &coreerr.RegistrationError{Kind: "subscription", Key: pubKey, Err: fmt.Errorf("unknown input handle")}
	}
	selfHandle := envelope.GlobalHandle{Federate: fed, Handle: inputHandle}
	pub.AddSubscriber(selfHandle)
	in.BindSource(target, pub.Type)
	c.mu.Unlock()

	f.Coord.AddDependency(target.Federate)
	pubFed.Coord.AddDependent(fed)
	return nil
}

// Publish delivers a value from pubHandle at time t to every subscriber,
// local or remote.
func (c *Core) Publish(ctx context.Context, fed envelope.GlobalFederateId, pubHandle envelope.InterfaceHandle, t cstime.Time, iteration uint32, payload []byte) error {
	f, ok := c.Federate(fed)
	if !ok {
		return &coreerr.ProtocolError{Reason: fmt.Sprintf("publish from unknown federate %d", fed)}
	}
	c.mu.RLock()
	pub, ok := f.publications[pubHandle]
	c.mu.RUnlock()
	if !ok {
		return &coreerr.ProtocolError{Reason: "publish from an unregistered publication handle"}
	}

	source := envelope.GlobalHandle{Federate: fed, Handle: pubHandle}
	for _, sub := range pub.SubscriberList() {
		if err := c.deliverValue(ctx, source, sub, t, iteration, payload); err != nil {
			return err
		}
	}
	return nil
}

// Deliver routes a value already resolved to a local destination straight
// to its input queue, bypassing publication lookup. It exists for callers
// that receive an already-addressed ActionPublish from across the wire
// (spec.md §4.8) rather than federate code publishing locally.
func (c *Core) Deliver(ctx context.Context, source, dest envelope.GlobalHandle, t cstime.Time, iteration uint32, payload []byte) error {
	return c.deliverValue(ctx, source, dest, t, iteration, payload)
}

func (c *Core) deliverValue(ctx context.Context, source, dest envelope.GlobalHandle, t cstime.Time, iteration uint32, payload []byte) error {
	destFed, ok := c.Federate(dest.Federate)
	if !ok {
		if c.send == nil {
			return &coreerr.TransportError{Adapter: "core", Op: "publish", Err: fmt.Errorf("federate %d not hosted and no remote sender configured", dest.Federate)}
		}
		msg := &envelope.ActionMessage{
			Action: envelope.ActionPublish, SourceID: source.Federate, SourceHandle: source.Handle,
			DestID: dest.Federate, DestHandle: dest.Handle,
			ActionTime: t, IterationIndex: iteration, Payload: payload,
		}
		return c.send(ctx, dest.Federate, msg)
	}

	c.mu.RLock()
	fatalErr := destFed.fatalErr
	c.mu.RUnlock()
	if fatalErr != nil {
		return fatalErr
	}

	// A value arriving behind the destination's already-granted time is a
	// fatal causality violation (spec.md §4.5 step 3, §8 causality guard):
	// it latches the destination federate rather than being enqueued.
	if last := destFed.Coord.LastGrant(); t < last {
		causalityErr := &coreerr.CausalityError{
			Federate: dest.Federate,
			Message:  fmt.Sprintf("value arrived at time %v before last granted time %v", t, last),
		}
		c.latchFederateError(destFed, causalityErr)
		return causalityErr
	}

	c.mu.Lock()
	in, ok := destFed.inputs[dest.Handle]
	c.mu.Unlock()
	if !ok {
		return &coreerr.ProtocolError{Reason: "subscriber handle is not an input"}
	}
	in.Enqueue(source, t, iteration, payload)

	c.mu.RLock()
	p := c.profiler
	c.mu.RUnlock()
	if p != nil {
		p.Record(profiler.Record{Federate: dest.Federate, Phase: profiler.PhaseValueDelivered, SimTime: t, Iteration: iteration})
	}
	return nil
}

// SendMessage routes an endpoint-to-endpoint message, local or remote,
// first consulting the source and destination endpoints' registered
// filters (spec.md §4.7): a message is diverted into a filter's own queue
// instead of continuing to its endpoint whenever the source or
// destination is one of that filter's bound targets. The filter's owning
// federate drains diverted messages with GetFilteredMessage, transforms
// them, and re-sends the result(s) through SendMessage again.
func (c *Core) SendMessage(ctx context.Context, srcFed envelope.GlobalFederateId, srcHandle envelope.InterfaceHandle, dest envelope.GlobalHandle, t cstime.Time, originalSource string, payload []byte) error {
	src := envelope.GlobalHandle{Federate: srcFed, Handle: srcHandle}
	msg := ifaceinfo.EndpointMessage{Time: t, OriginalSource: originalSource, Dest: dest, Payload: payload}

	c.mu.Lock()
	if ref, ok := c.sourceFilters[src]; ok {
		if owner, ok := c.federates[ref.fed]; ok {
			if filt, ok := owner.filters[ref.handle]; ok {
				filt.Enqueue(msg)
				c.mu.Unlock()
				return nil
			}
		}
	}
	if ref, ok := c.destFilters[dest]; ok {
		if owner, ok := c.federates[ref.fed]; ok {
			if filt, ok := owner.filters[ref.handle]; ok {
				filt.Enqueue(msg)
				c.mu.Unlock()
				return nil
			}
		}
	}
	c.mu.Unlock()

	destFed, ok := c.Federate(dest.Federate)
	if !ok {
		if c.send == nil {
			return &coreerr.TransportError{Adapter: "core", Op: "send_message", Err: fmt.Errorf("federate %d not hosted and no remote sender configured", dest.Federate)}
		}
		msg := &envelope.ActionMessage{
			Action: envelope.ActionSendMessage, SourceID: srcFed, SourceHandle: srcHandle,
			DestID: dest.Federate, DestHandle: dest.Handle, ActionTime: t, Payload: payload,
			Extra: &envelope.Extra{OriginalSource: originalSource},
		}
		return c.send(ctx, dest.Federate, msg)
	}
	c.mu.Lock()
	ep, ok := destFed.endpoints[dest.Handle]
	c.mu.Unlock()
	if !ok {
		return &coreerr.ProtocolError{Reason: "destination handle is not an endpoint"}
	}
	ep.Enqueue(msg)
	return nil
}

// RequestTime asks fed's coordinator to grant requested under fed's own
// iteration policy, returning whether the grant fully satisfies the
// request and whether it is a same-time iterative re-entry (spec.md §4.4,
// §4.5). A federate already latched into a fatal causality error
// (spec.md §8 causality guard) gets that same error back immediately,
// never a block.
func (c *Core) RequestTime(ctx context.Context, fed envelope.GlobalFederateId, requested cstime.Time) (cstime.Time, bool, bool, error) {
	f, ok := c.Federate(fed)
	if !ok {
		return cstime.Zero, false, false, &coreerr.ProtocolError{Reason: fmt.Sprintf("time request from unknown federate %d", fed)}
	}
	c.mu.RLock()
	fatalErr := f.fatalErr
	p := c.profiler
	c.mu.RUnlock()
	if fatalErr != nil {
		return cstime.Zero, false, false, fatalErr
	}
	if p != nil {
		p.Record(profiler.Record{Federate: fed, Phase: profiler.PhaseRequestSent, SimTime: requested})
	}

	grant, granted, iterating, err := f.Coord.RequestTime(ctx, requested, f.State.Policy())
	if err != nil {
		c.latchFederateError(f, err)
		return grant, false, false, err
	}

	if p != nil && granted {
		p.Record(profiler.Record{Federate: fed, Phase: profiler.PhaseGrantReceived, SimTime: grant})
	}
	return grant, granted, iterating, nil
}

// ReportGrant records fed's own grant as the state a dependent would read
// back from it, and propagates it to every locally-hosted dependent's
// coordinator.
func (c *Core) ReportGrant(fed envelope.GlobalFederateId, grantTime, nextTime, tdemin cstime.Time, minFed envelope.GlobalFederateId) {
	f, ok := c.Federate(fed)
	if !ok {
		return
	}
	for _, dependent := range f.Coord.Dependents() {
		if df, ok := c.Federate(dependent); ok {
			df.Coord.UpdateDependency(fed, nextTime, grantTime, tdemin, minFed, false)
		}
	}
}
