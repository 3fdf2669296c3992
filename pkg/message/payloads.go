package message

import (
	"encoding/binary"

	"github.com/sessamekesh/spanreed-netsync/pkg/errors"
)

// Payload is implemented by every typed message body.
type Payload interface {
	Kind() MessageKind
	appendTo(out []byte) []byte
	readFrom(r *payloadReader) error
}

// Marshal serializes a typed payload into frame payload bytes.
func Marshal(p Payload) []byte {
	return p.appendTo(nil)
}

// Unmarshal parses payload bytes into p. Truncated input and trailing bytes both fail
// with MalformedFrame.
func Unmarshal(raw []byte, p Payload) error {
	r := &payloadReader{name: p.Kind().String(), buf: raw}
	if err := p.readFrom(r); err != nil {
		return err
	}
	if r.ptr != len(raw) {
		return &errors.MalformedFrame{
			MessageName: r.name,
			Reason:      "trailing bytes after payload",
			MsgSize:     len(raw),
			Needed:      r.ptr,
		}
	}
	return nil
}

type HandshakeRequest struct {
	ProtocolID uint64
	Token      []byte
}

func (m *HandshakeRequest) Kind() MessageKind { return MessageKind_HandshakeRequest }

func (m *HandshakeRequest) appendTo(out []byte) []byte {
	out = binary.LittleEndian.AppendUint64(out, m.ProtocolID)
	return appendBytes(out, m.Token)
}

func (m *HandshakeRequest) readFrom(r *payloadReader) (err error) {
	if m.ProtocolID, err = r.uint64(); err != nil {
		return err
	}
	m.Token, err = r.bytes()
	return err
}

type HandshakeAccept struct {
	ClientID         uint64
	ServerTick       uint32
	TickHz           uint16
	FullSyncInterval uint32
}

func (m *HandshakeAccept) Kind() MessageKind { return MessageKind_HandshakeAccept }

func (m *HandshakeAccept) appendTo(out []byte) []byte {
	out = binary.LittleEndian.AppendUint64(out, m.ClientID)
	out = binary.LittleEndian.AppendUint32(out, m.ServerTick)
	out = binary.LittleEndian.AppendUint16(out, m.TickHz)
	return binary.LittleEndian.AppendUint32(out, m.FullSyncInterval)
}

func (m *HandshakeAccept) readFrom(r *payloadReader) (err error) {
	if m.ClientID, err = r.uint64(); err != nil {
		return err
	}
	if m.ServerTick, err = r.uint32(); err != nil {
		return err
	}
	if m.TickHz, err = r.uint16(); err != nil {
		return err
	}
	m.FullSyncInterval, err = r.uint32()
	return err
}

type RejectCode uint8

const (
	RejectCode_TokenInvalid RejectCode = iota + 1
	RejectCode_ProtocolMismatch
	RejectCode_ServerFull
	RejectCode_Duplicate
	RejectCode_Malformed
)

type HandshakeReject struct {
	Code   RejectCode
	Reason string
}

func (m *HandshakeReject) Kind() MessageKind { return MessageKind_HandshakeReject }

func (m *HandshakeReject) appendTo(out []byte) []byte {
	out = append(out, uint8(m.Code))
	return appendBytes(out, []byte(m.Reason))
}

func (m *HandshakeReject) readFrom(r *payloadReader) error {
	code, err := r.uint8()
	if err != nil {
		return err
	}
	m.Code = RejectCode(code)
	reason, err := r.bytes()
	m.Reason = string(reason)
	return err
}

// Heartbeat is sent on idle connections; the peer answers with a HeartbeatEcho carrying
// the same timestamp so the sender can sample round-trip time.
type Heartbeat struct {
	Echo      bool
	Timestamp int64
}

func (m *Heartbeat) Kind() MessageKind {
	if m.Echo {
		return MessageKind_HeartbeatEcho
	}
	return MessageKind_Heartbeat
}

func (m *Heartbeat) appendTo(out []byte) []byte {
	return binary.LittleEndian.AppendUint64(out, uint64(m.Timestamp))
}

func (m *Heartbeat) readFrom(r *payloadReader) error {
	ts, err := r.uint64()
	m.Timestamp = int64(ts)
	return err
}

// Ack acknowledges one reliable frame. Cumulative is the highest sequence already
// released in order, which also covers every earlier frame.
type Ack struct {
	Cumulative uint32
	Sequence   uint32
}

func (m *Ack) Kind() MessageKind { return MessageKind_Ack }

func (m *Ack) appendTo(out []byte) []byte {
	out = binary.LittleEndian.AppendUint32(out, m.Cumulative)
	return binary.LittleEndian.AppendUint32(out, m.Sequence)
}

func (m *Ack) readFrom(r *payloadReader) (err error) {
	if m.Cumulative, err = r.uint32(); err != nil {
		return err
	}
	m.Sequence, err = r.uint32()
	return err
}

type Disconnect struct {
	Reason string
}

func (m *Disconnect) Kind() MessageKind { return MessageKind_Disconnect }

func (m *Disconnect) appendTo(out []byte) []byte {
	return appendBytes(out, []byte(m.Reason))
}

func (m *Disconnect) readFrom(r *payloadReader) error {
	reason, err := r.bytes()
	m.Reason = string(reason)
	return err
}

type Input struct {
	ClientTick uint32
	Payload    []byte
}

func (m *Input) Kind() MessageKind { return MessageKind_Input }

func (m *Input) appendTo(out []byte) []byte {
	out = binary.LittleEndian.AppendUint32(out, m.ClientTick)
	return appendBytes(out, m.Payload)
}

func (m *Input) readFrom(r *payloadReader) (err error) {
	if m.ClientTick, err = r.uint32(); err != nil {
		return err
	}
	m.Payload, err = r.bytes()
	return err
}

// SnapshotEnvelope wraps an encoded snapshot body (full or delta) with the ticks the
// receiver needs for reconciliation. InputAck is the highest client_tick the server has
// integrated for the recipient.
type SnapshotEnvelope struct {
	Full     bool
	Tick     uint32
	BaseTick uint32
	InputAck uint32
	Body     []byte
}

func (m *SnapshotEnvelope) Kind() MessageKind {
	if m.Full {
		return MessageKind_SnapshotFull
	}
	return MessageKind_SnapshotDelta
}

func (m *SnapshotEnvelope) appendTo(out []byte) []byte {
	out = binary.LittleEndian.AppendUint32(out, m.Tick)
	out = binary.LittleEndian.AppendUint32(out, m.BaseTick)
	out = binary.LittleEndian.AppendUint32(out, m.InputAck)
	return appendBytes(out, m.Body)
}

func (m *SnapshotEnvelope) readFrom(r *payloadReader) (err error) {
	if m.Tick, err = r.uint32(); err != nil {
		return err
	}
	if m.BaseTick, err = r.uint32(); err != nil {
		return err
	}
	if m.InputAck, err = r.uint32(); err != nil {
		return err
	}
	m.Body, err = r.bytes()
	return err
}

type ResyncRequest struct {
	BaselineTick uint32
}

func (m *ResyncRequest) Kind() MessageKind { return MessageKind_ResyncRequest }

func (m *ResyncRequest) appendTo(out []byte) []byte {
	return binary.LittleEndian.AppendUint32(out, m.BaselineTick)
}

func (m *ResyncRequest) readFrom(r *payloadReader) (err error) {
	m.BaselineTick, err = r.uint32()
	return err
}

//
// Wire helpers

func appendBytes(out []byte, b []byte) []byte {
	out = binary.LittleEndian.AppendUint32(out, uint32(len(b)))
	return append(out, b...)
}

type payloadReader struct {
	name string
	buf  []byte
	ptr  int
}

func (r *payloadReader) need(n int) error {
	if n < 0 || len(r.buf)-r.ptr < n {
		return &errors.MalformedFrame{
			MessageName: r.name,
			MsgSize:     len(r.buf),
			Needed:      r.ptr + n,
		}
	}
	return nil
}

func (r *payloadReader) uint8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.ptr]
	r.ptr++
	return v, nil
}

func (r *payloadReader) uint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.ptr : r.ptr+2])
	r.ptr += 2
	return v, nil
}

func (r *payloadReader) uint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.ptr : r.ptr+4])
	r.ptr += 4
	return v, nil
}

func (r *payloadReader) uint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.ptr : r.ptr+8])
	r.ptr += 8
	return v, nil
}

func (r *payloadReader) bytes() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(len(r.buf)-r.ptr) {
		return nil, &errors.MalformedFrame{
			MessageName: r.name,
			Reason:      "length prefix exceeds buffer",
			MsgSize:     len(r.buf),
			Needed:      r.ptr + int(n),
		}
	}
	out := make([]byte, n)
	copy(out, r.buf[r.ptr:r.ptr+int(n)])
	r.ptr += int(n)
	return out, nil
}
