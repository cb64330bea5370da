// Package inproc implements the transport.Adapter used when every federate,
// core, and broker in a run share one process: delivery is a direct
// channel send, with no encoding round trip required (though callers still
// pass already-encoded frames, so swapping to tcp is transparent).
package inproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/tenzoki/agen/coresim/internal/coreerr"
)

// Hub is the process-wide registry of named inproc endpoints. A run using
// the inproc transport shares exactly one Hub.
type Hub struct {
	mu    sync.RWMutex
	boxes map[string]chan []byte
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{boxes: make(map[string]chan []byte)}
}

// Register creates and returns the named endpoint's Adapter. Registering
// the same name twice is an error.
func (h *Hub) Register(name string, bufferSize int) (*Adapter, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.boxes[name]; exists {
		return nil, &coreerr.RegistrationError{Kind: "inproc-endpoint", Key: name, Err: fmt.Errorf("already registered")}
	}
	box := make(chan []byte, bufferSize)
	h.boxes[name] = box
	return &Adapter{hub: h, name: name, inbox: box}, nil
}

func (h *Hub) lookup(name string) (chan []byte, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	box, ok := h.boxes[name]
	return box, ok
}

func (h *Hub) unregister(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.boxes, name)
}

// Adapter is one endpoint's view of a Hub: its own inbox plus the ability
// to send to any other registered name.
type Adapter struct {
	hub   *Hub
	name  string
	inbox chan []byte
	once  sync.Once
}

// Send delivers frame to dest's inbox, or returns a TransportError if dest
// is not registered or ctx is canceled first.
func (a *Adapter) Send(ctx context.Context, dest string, frame []byte) error {
	box, ok := a.hub.lookup(dest)
	if !ok {
		return &coreerr.TransportError{Adapter: "inproc", Op: "send", Err: fmt.Errorf("unknown destination %q", dest)}
	}
	select {
	case box <- frame:
		return nil
	case <-ctx.Done():
		return &coreerr.TransportError{Adapter: "inproc", Op: "send", Err: ctx.Err()}
	}
}

// Recv blocks for the next frame addressed to this adapter's name.
func (a *Adapter) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-a.inbox:
		if !ok {
			return nil, &coreerr.TransportError{Adapter: "inproc", Op: "recv", Err: fmt.Errorf("adapter closed")}
		}
		return frame, nil
	case <-ctx.Done():
		return nil, &coreerr.TransportError{Adapter: "inproc", Op: "recv", Err: ctx.Err()}
	}
}

// Close unregisters this adapter's name and closes its inbox.
func (a *Adapter) Close() error {
	a.once.Do(func() {
		a.hub.unregister(a.name)
		close(a.inbox)
	})
	return nil
}
