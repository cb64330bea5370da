package mailbox

import "testing"

func TestIPCRingThreeStage(t *testing.T) {
	r, err := NewIPCRing(4096)
	if err != nil {
		t.Fatalf("NewIPCRing: %v", err)
	}
	defer r.Close()

	recs := []struct {
		size int
		fill byte
	}{
		{571, 'a'},
		{249, 'b'},
		{393, 'c'},
	}
	for _, rec := range recs {
		data := make([]byte, rec.size)
		for i := range data {
			data[i] = rec.fill
		}
		if err := r.Push(data); err != nil {
			t.Fatalf("Push %d bytes: %v", rec.size, err)
		}
	}

	for _, rec := range recs {
		got, err := r.Pop()
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if len(got) != rec.size {
			t.Fatalf("Pop size = %d, want %d", len(got), rec.size)
		}
		for i, b := range got {
			if b != rec.fill {
				t.Fatalf("byte %d = %q, want %q", i, b, rec.fill)
			}
		}
	}

	if !r.Empty() {
		t.Fatal("expected ring empty after third pop")
	}
}

func TestIPCRingPriorityFirst(t *testing.T) {
	r, err := NewIPCRing(4096)
	if err != nil {
		t.Fatalf("NewIPCRing: %v", err)
	}
	defer r.Close()

	if err := r.Push([]byte("normal")); err != nil {
		t.Fatal(err)
	}
	if err := r.PushPriority([]byte("urgent")); err != nil {
		t.Fatal(err)
	}

	got, err := r.Pop()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "urgent" {
		t.Fatalf("got %q, want priority item first", got)
	}
}
