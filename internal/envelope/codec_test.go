package envelope

import (
	"bytes"
	"testing"

	"github.com/tenzoki/agen/coresim/internal/cstime"
)

func roundTrip(t *testing.T, m *ActionMessage) *ActionMessage {
	t.Helper()
	enc, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	dec, err := Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return dec
}

func TestCodecRoundTripAllActions(t *testing.T) {
	for a := ActionUnknown; a < actionSentinelMax; a++ {
		m := &ActionMessage{
			Action:         a,
			SourceID:       GlobalFederateId(7),
			SourceHandle:   InterfaceHandle(3),
			DestID:         GlobalFederateId(9),
			DestHandle:     InterfaceHandle(1),
			ActionTime:     cstime.FromSeconds(42.5),
			IterationIndex: 2,
			Flags:          FlagRequired | FlagIterationComplete,
			Payload:        []byte("payload-for-" + a.String()),
		}
		if a.RequiresExtra() {
			m.Extra = &Extra{SourceName: "src", TargetName: "dst", Te: cstime.FromSeconds(1)}
		}
		got := roundTrip(t, m)
		assertEqual(t, m, got)
	}
}

func TestCodecEmptyAndBinaryPayload(t *testing.T) {
	cases := [][]byte{
		nil,
		{},
		[]byte{0, 0, 0},
		append([]byte("before\x00after"), 0, 1, 2, 255),
	}
	for _, p := range cases {
		m := &ActionMessage{Action: ActionPublish, DestID: 1, Payload: p}
		got := roundTrip(t, m)
		if !bytes.Equal(got.Payload, p) {
			t.Errorf("payload mismatch: got %v, want %v", got.Payload, p)
		}
	}
}

func TestCodecRejectsOversizedPayload(t *testing.T) {
	c := &Codec{MaxPayload: 16}
	m := &ActionMessage{Action: ActionPublish, DestID: 1, Payload: make([]byte, 17)}
	if _, err := c.Encode(m); err == nil {
		t.Fatal("expected Encode to reject oversized payload")
	}
}

func TestCodecRejectsTruncatedInput(t *testing.T) {
	m := &ActionMessage{Action: ActionPublish, DestID: 1, Payload: []byte("hello")}
	enc, err := Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(enc[:len(enc)-1]); err == nil {
		t.Fatal("expected Decode to reject truncated frame")
	}
	if _, err := Decode(enc[:3]); err == nil {
		t.Fatal("expected Decode to reject very short frame")
	}
}

func TestCodecUnknownActionDecodesButNotForwarded(t *testing.T) {
	m := &ActionMessage{Action: Action(9999), DestID: 1}
	enc, err := Encode(m)
	// Encode of an out-of-range action still writes the raw tag; Decode is
	// where the unknown-tag downgrade happens.
	if err != nil {
		t.Fatal(err)
	}
	dec, err := Decode(enc)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Action != ActionUnknown {
		t.Fatalf("expected ActionUnknown, got %v", dec.Action)
	}
}

func assertEqual(t *testing.T, want, got *ActionMessage) {
	t.Helper()
	if want.Action != got.Action || want.SourceID != got.SourceID || want.SourceHandle != got.SourceHandle ||
		want.DestID != got.DestID || want.DestHandle != got.DestHandle || want.ActionTime != got.ActionTime ||
		want.IterationIndex != got.IterationIndex || want.Flags != got.Flags {
		t.Fatalf("header mismatch:\n want %+v\n got  %+v", want, got)
	}
	if !bytes.Equal(want.Payload, got.Payload) {
		t.Fatalf("payload mismatch: want %q got %q", want.Payload, got.Payload)
	}
	if (want.Extra == nil) != (got.Extra == nil) {
		t.Fatalf("extra presence mismatch: want %v got %v", want.Extra, got.Extra)
	}
	if want.Extra != nil && *want.Extra != *got.Extra {
		t.Fatalf("extra mismatch: want %+v got %+v", want.Extra, got.Extra)
	}
}
