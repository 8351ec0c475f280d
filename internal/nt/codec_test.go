package nt

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A boolean array longer than 255 elements truncates at protocol 2.0, whose
// array length is a single byte.
func TestBooleanArrayCapAt2_0(t *testing.T) {
	arr := make([]bool, 300)
	for i := range arr {
		arr[i] = i%2 == 0
	}

	c := Codec{Rev: ProtoRev2}
	var buf bytes.Buffer
	require.NoError(t, c.EncodeValue(&buf, MakeBooleanArray(arr), false))

	lenByte, err := buf.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0xFF), lenByte)
	assert.Equal(t, 255, buf.Len())

	got, err := c.DecodeValue(&buf, TypeBooleanArray)
	require.NoError(t, err)
	assert.Len(t, got.BooleanArray(), 255)
	assert.Equal(t, arr[:255], got.BooleanArray())
}

// A clear-entries message is its fixed 5-byte magic sequence; any other
// bytes in that position are rejected.
func TestClearEntriesMagic(t *testing.T) {
	c := Codec{Rev: ProtoRev3}
	var buf bytes.Buffer
	require.NoError(t, c.Encode(&buf, &Message{Type: MsgClearEntries}))
	assert.Equal(t, []byte{0x14, 0xD0, 0x6C, 0xB2, 0x7A}, buf.Bytes())

	msg, err := c.Decode(&buf, nil)
	require.NoError(t, err)
	assert.Equal(t, MsgClearEntries, msg.Type)

	bad := []byte{0x14, 0x00, 0x00, 0x00, 0x00}
	_, err = c.Decode(bytes.NewReader(bad), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBadMessage))
}

func TestMessageRoundTripEntryAssign3_0(t *testing.T) {
	c := Codec{Rev: ProtoRev3}
	msg := &Message{
		Type: MsgEntryAssign, Name: "/x", Value: MakeDouble(1), ID: 3,
		Flags: FlagPersistent, SeqNum: 7,
	}
	var buf bytes.Buffer
	require.NoError(t, c.Encode(&buf, msg))

	got, err := c.Decode(&buf, nil)
	require.NoError(t, err)
	assert.Equal(t, msg.Name, got.Name)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, msg.Flags, got.Flags)
	assert.Equal(t, msg.SeqNum, got.SeqNum)
	assert.True(t, msg.Value.Equal(got.Value))
}

func TestMessageRoundTripEntryUpdate2_0NeedsTypeResolver(t *testing.T) {
	c := Codec{Rev: ProtoRev2}
	msg := &Message{Type: MsgEntryUpdate, ID: 9, SeqNum: 2, Value: MakeDouble(3.5)}
	var buf bytes.Buffer
	require.NoError(t, c.Encode(&buf, msg))

	_, err := c.Decode(&buf, nil)
	require.Error(t, err)

	buf.Reset()
	require.NoError(t, c.Encode(&buf, msg))
	got, err := c.Decode(&buf, func(id uint16) Type { return TypeDouble })
	require.NoError(t, err)
	assert.True(t, msg.Value.Equal(got.Value))
}

func TestHandshakeMessagesOmittedOn2_0(t *testing.T) {
	c := Codec{Rev: ProtoRev2}
	var buf bytes.Buffer
	require.NoError(t, c.Encode(&buf, &Message{Type: MsgServerHello, Identity: "srv"}))
	assert.Equal(t, 0, buf.Len())
}

// A 3.0-only message received on a 2.0 connection is a decode error, unlike
// the encode side, which drops it silently.
func TestThreeOhOnlyMessageRejectedOnReceiveAt2_0(t *testing.T) {
	c3 := Codec{Rev: ProtoRev3}
	var buf bytes.Buffer
	require.NoError(t, c3.Encode(&buf, &Message{Type: MsgServerHello, Identity: "srv"}))

	c2 := Codec{Rev: ProtoRev2}
	_, err := c2.Decode(&buf, nil)
	require.Error(t, err)
}
