package inproc

import (
	"context"
	"testing"
	"time"
)

func TestSendRecvRoundTrip(t *testing.T) {
	hub := NewHub()
	a, err := hub.Register("fedA", 4)
	if err != nil {
		t.Fatal(err)
	}
	b, err := hub.Register("fedB", 4)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Send(ctx, "fedB", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	got, err := b.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestSendToUnknownDestinationFails(t *testing.T) {
	hub := NewHub()
	a, err := hub.Register("fedA", 1)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if err := a.Send(context.Background(), "ghost", []byte("x")); err == nil {
		t.Fatal("expected Send to an unregistered destination to fail")
	}
}

func TestDuplicateRegistrationFails(t *testing.T) {
	hub := NewHub()
	a, err := hub.Register("fedA", 1)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if _, err := hub.Register("fedA", 1); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestRecvHonorsContextCancellation(t *testing.T) {
	hub := NewHub()
	a, err := hub.Register("fedA", 1)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := a.Recv(ctx); err == nil {
		t.Fatal("expected Recv to time out on an empty inbox")
	}
}
