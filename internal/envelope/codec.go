package envelope

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tenzoki/agen/coresim/internal/cstime"
)

// DefaultMaxPayload bounds Payload size absent an explicit Codec
// configuration. SEND_MESSAGE/PUBLISH payloads larger than this are
// rejected at decode, per spec.md §4.1.
const DefaultMaxPayload = 64 << 20 // 64 MiB

const headerSize = 2 + 4 + 4 + 4 + 4 + 4 + 8 + 4 + 4 // action..payload length
const checksumSize = 8

// Codec encodes and decodes ActionMessage to the wire format described in
// spec.md §4.1: a fixed-width little-endian header, a length-prefixed
// payload, an optional msgpack-encoded Extra sub-record, zero or more
// preserved-but-unrecognized trailing tagged blocks, and a trailing xxhash
// checksum over everything before it.
type Codec struct {
	MaxPayload int
}

// DefaultCodec is ready to use with DefaultMaxPayload.
var DefaultCodec = &Codec{MaxPayload: DefaultMaxPayload}

// Encode serializes m to the wire format.
func (c *Codec) Encode(m *ActionMessage) ([]byte, error) {
	if len(m.Payload) > c.maxPayload() {
		return nil, fmt.Errorf("envelope: payload of %d bytes exceeds max %d", len(m.Payload), c.maxPayload())
	}

	var extraBytes []byte
	if m.Extra != nil && !m.Extra.IsZero() {
		var err error
		extraBytes, err = msgpack.Marshal(m.Extra)
		if err != nil {
			return nil, fmt.Errorf("envelope: encode extra: %w", err)
		}
	}

	size := headerSize + len(m.Payload) + 1 + 4 + len(extraBytes) + 2
	for _, b := range m.unknown {
		size += 2 + 4 + len(b.data)
	}
	size += checksumSize

	buf := make([]byte, size)
	off := 0

	binary.LittleEndian.PutUint16(buf[off:], uint16(m.Action))
	off += 2
	binary.LittleEndian.PutUint32(buf[off:], uint32(m.Flags))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(m.SourceID))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(m.SourceHandle))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(m.DestID))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(m.DestHandle))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], uint64(m.ActionTime))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], m.IterationIndex)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(m.Payload)))
	off += 4
	copy(buf[off:], m.Payload)
	off += len(m.Payload)

	if len(extraBytes) > 0 {
		buf[off] = 1
	} else {
		buf[off] = 0
	}
	off++
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(extraBytes)))
	off += 4
	copy(buf[off:], extraBytes)
	off += len(extraBytes)

	binary.LittleEndian.PutUint16(buf[off:], uint16(len(m.unknown)))
	off += 2
	for _, b := range m.unknown {
		binary.LittleEndian.PutUint16(buf[off:], b.tag)
		off += 2
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(b.data)))
		off += 4
		copy(buf[off:], b.data)
		off += len(b.data)
	}

	sum := xxhash.Sum64(buf[:off])
	binary.LittleEndian.PutUint64(buf[off:], sum)
	off += 8

	return buf[:off], nil
}

// Decode parses the wire format produced by Encode. It rejects truncated
// input, a checksum mismatch, and a payload exceeding MaxPayload. An
// unrecognized action tag decodes successfully as ActionUnknown so the
// receiver can observe and drop it rather than crash on an unknown value,
// per spec.md §4.1 ("the receiver must not forward" it).
func (c *Codec) Decode(data []byte) (*ActionMessage, error) {
	if len(data) < headerSize+1+4+2+checksumSize {
		return nil, fmt.Errorf("envelope: truncated frame: %d bytes", len(data))
	}

	body := data[:len(data)-checksumSize]
	wantSum := binary.LittleEndian.Uint64(data[len(data)-checksumSize:])
	if xxhash.Sum64(body) != wantSum {
		return nil, fmt.Errorf("envelope: checksum mismatch")
	}

	off := 0
	m := &ActionMessage{}

	rawAction := binary.LittleEndian.Uint16(body[off:])
	off += 2
	if rawAction >= uint16(actionSentinelMax) {
		m.Action = ActionUnknown
	} else {
		m.Action = Action(rawAction)
	}

	m.Flags = Flags(binary.LittleEndian.Uint32(body[off:]))
	off += 4
	m.SourceID = GlobalFederateId(binary.LittleEndian.Uint32(body[off:]))
	off += 4
	m.SourceHandle = InterfaceHandle(binary.LittleEndian.Uint32(body[off:]))
	off += 4
	m.DestID = GlobalFederateId(binary.LittleEndian.Uint32(body[off:]))
	off += 4
	m.DestHandle = InterfaceHandle(binary.LittleEndian.Uint32(body[off:]))
	off += 4
	m.ActionTime = cstime.Time(int64(binary.LittleEndian.Uint64(body[off:])))
	off += 8
	m.IterationIndex = binary.LittleEndian.Uint32(body[off:])
	off += 4

	if off+4 > len(body) {
		return nil, fmt.Errorf("envelope: truncated payload length")
	}
	payloadLen := binary.LittleEndian.Uint32(body[off:])
	off += 4
	if int(payloadLen) > c.maxPayload() {
		return nil, fmt.Errorf("envelope: payload of %d bytes exceeds max %d", payloadLen, c.maxPayload())
	}
	if off+int(payloadLen) > len(body) {
		return nil, fmt.Errorf("envelope: truncated payload")
	}
	if payloadLen > 0 {
		m.Payload = make([]byte, payloadLen)
		copy(m.Payload, body[off:off+int(payloadLen)])
	}
	off += int(payloadLen)

	if off+1+4 > len(body) {
		return nil, fmt.Errorf("envelope: truncated extra header")
	}
	hasExtra := body[off] != 0
	off++
	extraLen := binary.LittleEndian.Uint32(body[off:])
	off += 4
	if off+int(extraLen) > len(body) {
		return nil, fmt.Errorf("envelope: truncated extra block")
	}
	if hasExtra {
		var e Extra
		if err := msgpack.Unmarshal(body[off:off+int(extraLen)], &e); err != nil {
			return nil, fmt.Errorf("envelope: decode extra: %w", err)
		}
		m.Extra = &e
	}
	off += int(extraLen)

	if off+2 > len(body) {
		return nil, fmt.Errorf("envelope: truncated unknown-block count")
	}
	nUnknown := binary.LittleEndian.Uint16(body[off:])
	off += 2
	for i := 0; i < int(nUnknown); i++ {
		if off+2+4 > len(body) {
			return nil, fmt.Errorf("envelope: truncated unknown block header")
		}
		tag := binary.LittleEndian.Uint16(body[off:])
		off += 2
		blen := binary.LittleEndian.Uint32(body[off:])
		off += 4
		if off+int(blen) > len(body) {
			return nil, fmt.Errorf("envelope: truncated unknown block body")
		}
		data := make([]byte, blen)
		copy(data, body[off:off+int(blen)])
		off += int(blen)
		m.unknown = append(m.unknown, taggedBlock{tag: tag, data: data})
	}

	return m, nil
}

func (c *Codec) maxPayload() int {
	if c == nil || c.MaxPayload <= 0 {
		return DefaultMaxPayload
	}
	return c.MaxPayload
}

// Encode and Decode on the package-level DefaultCodec, for callers that
// don't need a custom payload limit.
func Encode(m *ActionMessage) ([]byte, error) { return DefaultCodec.Encode(m) }
func Decode(data []byte) (*ActionMessage, error) { return DefaultCodec.Decode(data) }
