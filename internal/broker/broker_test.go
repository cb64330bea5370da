package broker

import (
	"context"
	"testing"

	"github.com/go-logr/logr"

	"github.com/tenzoki/agen/coresim/internal/coreerr"
	"github.com/tenzoki/agen/coresim/internal/envelope"
	"github.com/tenzoki/agen/coresim/internal/transport/inproc"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := NewService(logr.Discard(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestConnectCoreAllocatesDisjointIDBlocks(t *testing.T) {
	s := newTestService(t)
	hub := inproc.NewHub()
	a1, _ := hub.Register("coreA", 4)
	a2, _ := hub.Register("coreB", 4)

	linkA, err := s.ConnectCore("coreA", a1)
	if err != nil {
		t.Fatal(err)
	}
	linkB, err := s.ConnectCore("coreB", a2)
	if err != nil {
		t.Fatal(err)
	}
	if linkA.IDCeiling >= linkB.IDFloor {
		t.Fatalf("expected disjoint blocks, got A=[%d,%d] B=[%d,%d]", linkA.IDFloor, linkA.IDCeiling, linkB.IDFloor, linkB.IDCeiling)
	}
}

func TestConnectCoreRejectsDuplicateName(t *testing.T) {
	s := newTestService(t)
	hub := inproc.NewHub()
	a, _ := hub.Register("coreA", 4)
	if _, err := s.ConnectCore("coreA", a); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ConnectCore("coreA", a); err == nil {
		t.Fatal("expected duplicate core connection to fail")
	}
}

func TestBindFederateRejectsIDOutsideBlock(t *testing.T) {
	s := newTestService(t)
	hub := inproc.NewHub()
	a, _ := hub.Register("coreA", 4)
	link, err := s.ConnectCore("coreA", a)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.BindFederate(link.IDCeiling+1, "coreA", "fedX/value"); err == nil {
		t.Fatal("expected a federate id outside the allocated block to be rejected")
	}
	if err := s.BindFederate(link.IDFloor, "coreA", "fedX/value"); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.ResolveGlobalName("fedX/value"); !ok {
		t.Fatal("expected the bound name to resolve")
	}
}

func TestRouteFailsWithNoKnownDestinationAndNoParent(t *testing.T) {
	s := newTestService(t)
	msg := &envelope.ActionMessage{Action: envelope.ActionPublish, DestID: 999}
	err := s.Route(context.Background(), msg)
	if err == nil {
		t.Fatal("expected Route to fail with no known home and no parent broker")
	}
	if _, ok := err.(*coreerr.ProtocolError); !ok {
		t.Fatalf("expected a ProtocolError, got %T: %v", err, err)
	}
}
