package nt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"
)

// ErrBadMessage is wrapped by every decode failure: malformed frame, unknown
// type byte, invalid UTF-8, unexpected EOF, a 3.0-only message on a 2.0
// connection, or a clear-entries with the wrong magic. Decoding never
// panics -- see Design Notes on exception-for-control-flow.
var ErrBadMessage = errors.New("bad message")

func badMessage(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrBadMessage)
}

const (
	maxWireString2 = 0xFFFF // strings truncate at 64KiB on protocol 2.0
	maxWireArray2  = 0xFF   // arrays truncate at 255 elements on protocol 2.0
)

// Codec encodes and decodes framed messages for a single negotiated protocol
// revision. It holds no state beyond Rev, so a connection's reader and writer
// share the same Codec.
type Codec struct {
	Rev ProtoRev
}

// GetEntryType is how the 2.0 decoder recovers a value's type for
// entry-update messages, which (unlike entry-assign) carry no type byte of
// their own on that revision -- the receiver is expected to already know the
// entry's type from a prior assign.
type GetEntryType func(id uint16) Type

func writeUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func writeUint16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeDouble(w io.Writer, v float64) error {
	return writeUint64(w, math.Float64bits(v))
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint8(r io.Reader) (uint8, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func readUint16(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func readDouble(r io.Reader) (float64, error) {
	v, err := readUint64(r)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// writeULEB128 writes v as an unsigned LEB128 varint (protocol 3.0 only).
func writeULEB128(w io.Writer, v uint64) error {
	var buf []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if v == 0 {
			break
		}
	}
	_, err := w.Write(buf)
	return err
}

func readULEB128(r io.Reader) (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := readUint8(r)
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, badMessage("uleb128 overflow")
		}
	}
}

func (c Codec) writeCount(w io.Writer, n int) error {
	if c.Rev == ProtoRev2 {
		if n > maxWireArray2 {
			n = maxWireArray2
		}
		return writeUint8(w, uint8(n))
	}
	return writeULEB128(w, uint64(n))
}

func (c Codec) readCount(r io.Reader) (int, error) {
	if c.Rev == ProtoRev2 {
		n, err := readUint8(r)
		return int(n), err
	}
	n, err := readULEB128(r)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (c Codec) writeBytes(w io.Writer, b []byte) error {
	if c.Rev == ProtoRev2 && len(b) > maxWireString2 {
		b = b[:maxWireString2]
	}
	if c.Rev == ProtoRev2 {
		if err := writeUint16(w, uint16(len(b))); err != nil {
			return err
		}
	} else {
		if err := writeULEB128(w, uint64(len(b))); err != nil {
			return err
		}
	}
	_, err := w.Write(b)
	return err
}

func (c Codec) readBytes(r io.Reader) ([]byte, error) {
	var n int
	if c.Rev == ProtoRev2 {
		v, err := readUint16(r)
		if err != nil {
			return nil, err
		}
		n = int(v)
	} else {
		v, err := readULEB128(r)
		if err != nil {
			return nil, err
		}
		n = int(v)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c Codec) writeString(w io.Writer, s string) error {
	return c.writeBytes(w, []byte(s))
}

func (c Codec) readString(r io.Reader) (string, error) {
	b, err := c.readBytes(r)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", badMessage("invalid utf-8 in string")
	}
	return string(b), nil
}

// EncodeValue writes a value's payload, with a leading type byte only when
// withType is set -- entry-update sets it only on protocol 3.0 (on 2.0 the
// type must be looked up via the entry id instead); entry-assign never sets
// it, because Encode writes the assign's type byte ahead of its id and seq.
func (c Codec) EncodeValue(w io.Writer, v Value, withType bool) error {
	if withType {
		if err := writeUint8(w, byte(v.Type())); err != nil {
			return err
		}
	}

	switch v.Type() {
	case TypeBoolean:
		b := byte(0)
		if v.Boolean() {
			b = 1
		}
		return writeUint8(w, b)
	case TypeDouble:
		return writeDouble(w, v.Double())
	case TypeString:
		return c.writeString(w, v.String())
	case TypeRaw, TypeRPCDefinition:
		return c.writeBytes(w, v.Raw())
	case TypeBooleanArray:
		arr := v.BooleanArray()
		if err := c.writeCount(w, len(arr)); err != nil {
			return err
		}
		n := len(arr)
		if c.Rev == ProtoRev2 && n > maxWireArray2 {
			n = maxWireArray2
		}
		for i := 0; i < n; i++ {
			b := byte(0)
			if arr[i] {
				b = 1
			}
			if err := writeUint8(w, b); err != nil {
				return err
			}
		}
		return nil
	case TypeDoubleArray:
		arr := v.DoubleArray()
		if err := c.writeCount(w, len(arr)); err != nil {
			return err
		}
		n := len(arr)
		if c.Rev == ProtoRev2 && n > maxWireArray2 {
			n = maxWireArray2
		}
		for i := 0; i < n; i++ {
			if err := writeDouble(w, arr[i]); err != nil {
				return err
			}
		}
		return nil
	case TypeStringArray:
		arr := v.StringArray()
		if err := c.writeCount(w, len(arr)); err != nil {
			return err
		}
		n := len(arr)
		if c.Rev == ProtoRev2 && n > maxWireArray2 {
			n = maxWireArray2
		}
		for i := 0; i < n; i++ {
			if err := c.writeString(w, arr[i]); err != nil {
				return err
			}
		}
		return nil
	}

	return badMessage("cannot encode value of type %v", v.Type())
}

// DecodeValue reads a value payload given its type. On protocol 2.0, typ must
// come from the caller (GetEntryType for updates; the type byte just read off
// the wire for assigns). On protocol 3.0, every value call site reads its own
// type byte first and passes it in the same way -- DecodeValue itself never
// reads a type byte.
func (c Codec) DecodeValue(r io.Reader, typ Type) (Value, error) {
	switch typ {
	case TypeBoolean:
		b, err := readUint8(r)
		if err != nil {
			return Value{}, err
		}
		return MakeBoolean(b != 0), nil
	case TypeDouble:
		d, err := readDouble(r)
		if err != nil {
			return Value{}, err
		}
		return MakeDouble(d), nil
	case TypeString:
		s, err := c.readString(r)
		if err != nil {
			return Value{}, err
		}
		return MakeString(s), nil
	case TypeRaw:
		b, err := c.readBytes(r)
		if err != nil {
			return Value{}, err
		}
		return MakeRaw(b), nil
	case TypeRPCDefinition:
		b, err := c.readBytes(r)
		if err != nil {
			return Value{}, err
		}
		return MakeRPCDefinition(b), nil
	case TypeBooleanArray:
		n, err := c.readCount(r)
		if err != nil {
			return Value{}, err
		}
		arr := make([]bool, n)
		for i := 0; i < n; i++ {
			b, err := readUint8(r)
			if err != nil {
				return Value{}, err
			}
			arr[i] = b != 0
		}
		return MakeBooleanArray(arr), nil
	case TypeDoubleArray:
		n, err := c.readCount(r)
		if err != nil {
			return Value{}, err
		}
		arr := make([]float64, n)
		for i := 0; i < n; i++ {
			d, err := readDouble(r)
			if err != nil {
				return Value{}, err
			}
			arr[i] = d
		}
		return MakeDoubleArray(arr), nil
	case TypeStringArray:
		n, err := c.readCount(r)
		if err != nil {
			return Value{}, err
		}
		arr := make([]string, n)
		for i := 0; i < n; i++ {
			s, err := c.readString(r)
			if err != nil {
				return Value{}, err
			}
			arr[i] = s
		}
		return MakeStringArray(arr), nil
	}

	return Value{}, badMessage("cannot decode value of type %v", typ)
}

// Encode writes a single framed message. The caller is responsible for
// flushing w (connections wrap their net.Conn in a *bufio.Writer and flush
// once per batch -- see Connection's outbound coalescing).
func (c Codec) Encode(w io.Writer, m *Message) error {
	switch m.Type {
	case MsgKeepAlive:
		return writeUint8(w, byte(MsgKeepAlive))

	case MsgClientHello:
		if err := writeUint8(w, byte(MsgClientHello)); err != nil {
			return err
		}
		if err := writeUint16(w, uint16(m.ClientProtoRev)); err != nil {
			return err
		}
		if m.ClientProtoRev < ProtoRev3 {
			return nil
		}
		return c.writeString(w, m.Identity)

	case MsgProtoUnsupported:
		if err := writeUint8(w, byte(MsgProtoUnsupported)); err != nil {
			return err
		}
		return writeUint16(w, uint16(m.SupportedProtoRev))

	case MsgServerHelloDone:
		return writeUint8(w, byte(MsgServerHelloDone))

	case MsgServerHello:
		if c.Rev < ProtoRev3 {
			return nil
		}
		if err := writeUint8(w, byte(MsgServerHello)); err != nil {
			return err
		}
		if err := writeUint8(w, m.ServerFlags); err != nil {
			return err
		}
		return c.writeString(w, m.Identity)

	case MsgClientHelloDone:
		if c.Rev < ProtoRev3 {
			return nil
		}
		return writeUint8(w, byte(MsgClientHelloDone))

	case MsgEntryAssign:
		if err := writeUint8(w, byte(MsgEntryAssign)); err != nil {
			return err
		}
		if err := c.writeString(w, m.Name); err != nil {
			return err
		}
		if err := writeUint8(w, byte(m.Value.Type())); err != nil {
			return err
		}
		if err := writeUint16(w, m.ID); err != nil {
			return err
		}
		if err := writeUint16(w, uint16(m.SeqNum)); err != nil {
			return err
		}
		if c.Rev >= ProtoRev3 {
			if err := writeUint8(w, byte(m.Flags)); err != nil {
				return err
			}
		}
		return c.EncodeValue(w, m.Value, false)

	case MsgEntryUpdate:
		if err := writeUint8(w, byte(MsgEntryUpdate)); err != nil {
			return err
		}
		if err := writeUint16(w, m.ID); err != nil {
			return err
		}
		if err := writeUint16(w, uint16(m.SeqNum)); err != nil {
			return err
		}
		return c.EncodeValue(w, m.Value, c.Rev >= ProtoRev3)

	case MsgFlagsUpdate:
		if c.Rev < ProtoRev3 {
			return nil
		}
		if err := writeUint8(w, byte(MsgFlagsUpdate)); err != nil {
			return err
		}
		if err := writeUint16(w, m.ID); err != nil {
			return err
		}
		return writeUint8(w, byte(m.Flags))

	case MsgEntryDelete:
		if c.Rev < ProtoRev3 {
			return nil
		}
		if err := writeUint8(w, byte(MsgEntryDelete)); err != nil {
			return err
		}
		return writeUint16(w, m.ID)

	case MsgClearEntries:
		if c.Rev < ProtoRev3 {
			return nil
		}
		if err := writeUint8(w, byte(MsgClearEntries)); err != nil {
			return err
		}
		return writeUint32(w, clearEntriesMagic)

	case MsgExecuteRPC:
		if c.Rev < ProtoRev3 {
			return nil
		}
		if err := writeUint8(w, byte(MsgExecuteRPC)); err != nil {
			return err
		}
		if err := writeUint16(w, m.ID); err != nil {
			return err
		}
		if err := writeUint16(w, uint16(m.RPCUID)); err != nil {
			return err
		}
		return c.writeBytes(w, m.RPCParams)

	case MsgRPCResponse:
		if c.Rev < ProtoRev3 {
			return nil
		}
		if err := writeUint8(w, byte(MsgRPCResponse)); err != nil {
			return err
		}
		if err := writeUint16(w, m.ID); err != nil {
			return err
		}
		if err := writeUint16(w, uint16(m.RPCUID)); err != nil {
			return err
		}
		return c.writeBytes(w, m.RPCResult)
	}

	return badMessage("cannot encode message of type %v", m.Type)
}

// Decode reads a single framed message. getType resolves an entry's current
// type for protocol-2.0 entry-update messages; it may be nil when decoding on
// protocol 3.0, which never needs it.
func (c Codec) Decode(r io.Reader, getType GetEntryType) (*Message, error) {
	b, err := readUint8(r)
	if err != nil {
		return nil, err
	}
	typ := MessageType(b)

	m := &Message{Type: typ}

	switch typ {
	case MsgKeepAlive:
		return m, nil

	case MsgClientHello:
		rev, err := readUint16(r)
		if err != nil {
			return nil, err
		}
		m.ClientProtoRev = ProtoRev(rev)
		if m.ClientProtoRev < ProtoRev3 {
			return m, nil
		}
		m.Identity, err = c.readString(r)
		return m, err

	case MsgProtoUnsupported:
		rev, err := readUint16(r)
		if err != nil {
			return nil, err
		}
		m.SupportedProtoRev = ProtoRev(rev)
		return m, nil

	case MsgServerHelloDone:
		return m, nil

	case MsgServerHello:
		if c.Rev < ProtoRev3 {
			return nil, badMessage("server-hello received on protocol %#04x", c.Rev)
		}
		if m.ServerFlags, err = readUint8(r); err != nil {
			return nil, err
		}
		m.Identity, err = c.readString(r)
		return m, err

	case MsgClientHelloDone:
		if c.Rev < ProtoRev3 {
			return nil, badMessage("client-hello-done received on protocol %#04x", c.Rev)
		}
		return m, nil

	case MsgEntryAssign:
		if m.Name, err = c.readString(r); err != nil {
			return nil, err
		}
		tb, err := readUint8(r)
		if err != nil {
			return nil, err
		}
		valType := Type(tb)

		id, err := readUint16(r)
		if err != nil {
			return nil, err
		}
		m.ID = id

		seq, err := readUint16(r)
		if err != nil {
			return nil, err
		}
		m.SeqNum = SequenceNumber(seq)

		if c.Rev >= ProtoRev3 {
			fb, err := readUint8(r)
			if err != nil {
				return nil, err
			}
			m.Flags = EntryFlags(fb)
		}

		m.Value, err = c.DecodeValue(r, valType)
		if err != nil {
			return nil, err
		}
		return m, nil

	case MsgEntryUpdate:
		id, err := readUint16(r)
		if err != nil {
			return nil, err
		}
		m.ID = id

		seq, err := readUint16(r)
		if err != nil {
			return nil, err
		}
		m.SeqNum = SequenceNumber(seq)

		var valType Type
		if c.Rev >= ProtoRev3 {
			tb, err := readUint8(r)
			if err != nil {
				return nil, err
			}
			valType = Type(tb)
		} else {
			if getType == nil {
				return nil, badMessage("no entry-type resolver for protocol 2.0 update")
			}
			valType = getType(m.ID)
		}

		m.Value, err = c.DecodeValue(r, valType)
		if err != nil {
			return nil, err
		}
		return m, nil

	case MsgFlagsUpdate:
		if c.Rev < ProtoRev3 {
			return nil, badMessage("flags-update received on protocol %#04x", c.Rev)
		}
		id, err := readUint16(r)
		if err != nil {
			return nil, err
		}
		m.ID = id
		fb, err := readUint8(r)
		if err != nil {
			return nil, err
		}
		m.Flags = EntryFlags(fb)
		return m, nil

	case MsgEntryDelete:
		if c.Rev < ProtoRev3 {
			return nil, badMessage("entry-delete received on protocol %#04x", c.Rev)
		}
		id, err := readUint16(r)
		if err != nil {
			return nil, err
		}
		m.ID = id
		return m, nil

	case MsgClearEntries:
		if c.Rev < ProtoRev3 {
			return nil, badMessage("clear-entries received on protocol %#04x", c.Rev)
		}
		magic, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		if magic != clearEntriesMagic {
			return nil, badMessage("clear-entries had wrong magic %#08x", magic)
		}
		return m, nil

	case MsgExecuteRPC:
		if c.Rev < ProtoRev3 {
			return nil, badMessage("execute-rpc received on protocol %#04x", c.Rev)
		}
		id, err := readUint16(r)
		if err != nil {
			return nil, err
		}
		m.ID = id
		uid, err := readUint16(r)
		if err != nil {
			return nil, err
		}
		m.RPCUID = uint32(uid)
		m.RPCParams, err = c.readBytes(r)
		return m, err

	case MsgRPCResponse:
		if c.Rev < ProtoRev3 {
			return nil, badMessage("rpc-response received on protocol %#04x", c.Rev)
		}
		id, err := readUint16(r)
		if err != nil {
			return nil, err
		}
		m.ID = id
		uid, err := readUint16(r)
		if err != nil {
			return nil, err
		}
		m.RPCUID = uint32(uid)
		m.RPCResult, err = c.readBytes(r)
		return m, err
	}

	return nil, badMessage("unknown message type %#02x", b)
}
