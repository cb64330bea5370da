// Package profiler implements the optional per-core profiler buffer
// (spec.md §6 Observability): an in-memory list of phase-transition
// records (time request issued, time granted, value delivered) encoded
// with protobuf's wire primitives directly (no .proto/codegen, since the
// record shape is fixed and small), returned as one zstd frame by Flush
// (this package writes no file), and optionally written to a local badger
// store as each record arrives. Lookup reads back only from a ristretto
// cache of those records, never from badger.
package profiler

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tenzoki/agen/coresim/internal/cstime"
	"github.com/tenzoki/agen/coresim/internal/envelope"
)

// Field tags for the hand-rolled wire encoding of a Record.
const (
	tagFederate  = 1
	tagPhase     = 2
	tagSimTime   = 3
	tagIteration = 4
)

// Phase names a profiler event.
type Phase uint8

const (
	PhaseRequestSent Phase = iota
	PhaseGrantReceived
	PhaseValueDelivered
)

// Record is one profiler event.
type Record struct {
	Federate  envelope.GlobalFederateId
	Phase     Phase
	SimTime   cstime.Time
	Iteration uint32
}

// Encode writes r using raw protobuf wire primitives: three varint fields
// and one more varint, no message schema required since the field set
// never grows independently of this package.
func Encode(r Record) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, tagFederate, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(int64(r.Federate)))
	buf = protowire.AppendTag(buf, tagPhase, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(r.Phase))
	buf = protowire.AppendTag(buf, tagSimTime, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(int64(r.SimTime)))
	buf = protowire.AppendTag(buf, tagIteration, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(r.Iteration))
	return buf
}

// Decode parses a Record written by Encode.
func Decode(buf []byte) (Record, error) {
	var r Record
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return r, fmt.Errorf("profiler: malformed tag: %w", protowire.ParseError(n))
		}
		buf = buf[n:]
		if typ != protowire.VarintType {
			return r, fmt.Errorf("profiler: unexpected wire type %d for field %d", typ, num)
		}
		v, n := protowire.ConsumeVarint(buf)
		if n < 0 {
			return r, fmt.Errorf("profiler: malformed varint: %w", protowire.ParseError(n))
		}
		buf = buf[n:]
		switch num {
		case tagFederate:
			r.Federate = envelope.GlobalFederateId(int64(v))
		case tagPhase:
			r.Phase = Phase(v)
		case tagSimTime:
			r.SimTime = cstime.Time(int64(v))
		case tagIteration:
			r.Iteration = uint32(v)
		}
	}
	return r, nil
}

// Buffer accumulates encoded Records in memory; Flush returns them as one
// zstd-compressed frame. With indexing enabled, Record also writes each
// record to badger as it is added; Close only releases resources.
type Buffer struct {
	mu      sync.Mutex
	records [][]byte
	encoder *zstd.Encoder

	store *badger.DB
	cache *ristretto.Cache[uint64, Record]
	seq   uint64
}

// Open returns a Buffer. If indexPath is non-empty, events are also
// indexed into a badger store at that path, read-accelerated by a small
// ristretto cache. An empty indexPath keeps the buffer purely in-memory
// until Flush.
func Open(indexPath string) (*Buffer, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("profiler: init zstd encoder: %w", err)
	}
	b := &Buffer{encoder: enc}

	if indexPath == "" {
		return b, nil
	}

	opts := badger.DefaultOptions(indexPath)
	store, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("profiler: open badger index at %s: %w", indexPath, err)
	}
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, Record]{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("profiler: init cache: %w", err)
	}
	b.store = store
	b.cache = cache
	return b, nil
}

// Record appends r to the in-memory buffer and, if indexing is enabled,
// writes it to badger and warms the cache.
func (b *Buffer) Record(r Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.records = append(b.records, Encode(r))

	if b.store == nil {
		return nil
	}
	b.seq++
	seq := b.seq
	var key [8]byte
	for i := 0; i < 8; i++ {
		key[i] = byte(seq >> (8 * (7 - i)))
	}
	if err := b.store.Update(func(txn *badger.Txn) error {
		return txn.Set(key[:], Encode(r))
	}); err != nil {
		return fmt.Errorf("profiler: index write: %w", err)
	}
	b.cache.Set(seq, r, 1)
	return nil
}

// Flush compresses every buffered record into one zstd frame and returns
// it, resetting the in-memory buffer.
func (b *Buffer) Flush() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var raw bytes.Buffer
	for _, rec := range b.records {
		var lenPrefix []byte
		lenPrefix = protowire.AppendVarint(lenPrefix, uint64(len(rec)))
		raw.Write(lenPrefix)
		raw.Write(rec)
	}
	b.records = b.records[:0]

	compressed := b.encoder.EncodeAll(raw.Bytes(), nil)
	return compressed, nil
}

// Size reports the current in-memory buffer size in human-readable form
// (e.g. "2.1 kB"), so a long-running core can log profiler growth without
// the reader doing byte-count arithmetic.
func (b *Buffer) Size() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var total uint64
	for _, rec := range b.records {
		total += uint64(len(rec))
	}
	return humanize.Bytes(total)
}

// Lookup returns the cached Record for seq, if any was recorded with
// indexing enabled.
func (b *Buffer) Lookup(seq uint64) (Record, bool) {
	if b.cache == nil {
		return Record{}, false
	}
	return b.cache.Get(seq)
}

// Close releases the zstd encoder and, if open, the badger store.
func (b *Buffer) Close() error {
	b.encoder.Close()
	if b.store != nil {
		return b.store.Close()
	}
	return nil
}
