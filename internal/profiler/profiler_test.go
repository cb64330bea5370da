package profiler

import (
	"testing"

	"github.com/tenzoki/agen/coresim/internal/cstime"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	r := Record{Federate: 7, Phase: PhaseGrantReceived, SimTime: cstime.FromSeconds(3.5), Iteration: 2}
	got, err := Decode(Encode(r))
	if err != nil {
		t.Fatal(err)
	}
	if got != r {
		t.Fatalf("round trip mismatch: want %+v got %+v", r, got)
	}
}

func TestBufferFlushWithoutIndexing(t *testing.T) {
	buf, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer buf.Close()

	for i := 0; i < 3; i++ {
		if err := buf.Record(Record{Federate: 1, Phase: PhaseRequestSent, SimTime: cstime.FromSeconds(float64(i))}); err != nil {
			t.Fatal(err)
		}
	}
	compressed, err := buf.Flush()
	if err != nil {
		t.Fatal(err)
	}
	if len(compressed) == 0 {
		t.Fatal("expected non-empty compressed output")
	}
}

func TestBufferSizeReflectsBufferedRecords(t *testing.T) {
	buf, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer buf.Close()

	if got := buf.Size(); got != "0 B" {
		t.Fatalf("expected an empty buffer to report 0 B, got %q", got)
	}
	if err := buf.Record(Record{Federate: 1, Phase: PhaseRequestSent, SimTime: cstime.FromSeconds(1)}); err != nil {
		t.Fatal(err)
	}
	if got := buf.Size(); got == "0 B" {
		t.Fatal("expected a non-empty size after recording an event")
	}
}
