package nt

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueRoundTripAllTypes(t *testing.T) {
	cases := []Value{
		MakeBoolean(true),
		MakeBoolean(false),
		MakeDouble(0.5),
		MakeDouble(-0.0),
		MakeString("hello"),
		MakeString(""),
		MakeRaw([]byte{0x00, 0x01, 0xff, 0x00}),
		MakeBooleanArray([]bool{true, false, true}),
		MakeDoubleArray([]float64{1, 2, 3.5}),
		MakeStringArray([]string{"a", "b", "c"}),
		MakeRPCDefinition([]byte{1, 2, 3}),
	}

	for _, rev := range []ProtoRev{ProtoRev2, ProtoRev3} {
		c := Codec{Rev: rev}
		for _, v := range cases {
			var buf bytes.Buffer
			require.NoError(t, c.EncodeValue(&buf, v, true))

			tb, err := readUint8(&buf)
			require.NoError(t, err)

			got, err := c.DecodeValue(&buf, Type(tb))
			require.NoError(t, err)
			assert.True(t, v.Equal(got), "rev %#04x: %v != %v", rev, v, got)
		}
	}
}

// A double value's wire encoding is the IEEE-754 big-endian bytes, unchanged
// across protocol revisions.
func TestDoubleRoundTripScenario(t *testing.T) {
	c := Codec{Rev: ProtoRev3}
	var buf bytes.Buffer
	require.NoError(t, c.EncodeValue(&buf, MakeDouble(0.5), true))

	want := []byte{0x01, 0x3F, 0xE0, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	assert.Equal(t, want, buf.Bytes())

	tb, err := readUint8(&buf)
	require.NoError(t, err)
	got, err := c.DecodeValue(&buf, Type(tb))
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.Double())
}

func TestValueEqualDistinguishesTags(t *testing.T) {
	assert.False(t, MakeDouble(1).Equal(MakeBoolean(true)))
	assert.False(t, MakeBooleanArray([]bool{true}).Equal(MakeBooleanArray([]bool{true, false})))
}

func TestTypeBitMatchesClassicMask(t *testing.T) {
	assert.Equal(t, uint8(0x01), TypeBoolean.Bit())
	assert.Equal(t, uint8(0x02), TypeDouble.Bit())
	assert.Equal(t, uint8(0x04), TypeString.Bit())
	assert.Equal(t, uint8(0x08), TypeRaw.Bit())
	assert.Equal(t, uint8(0x10), TypeBooleanArray.Bit())
	assert.Equal(t, uint8(0x20), TypeDoubleArray.Bit())
	assert.Equal(t, uint8(0x40), TypeStringArray.Bit())
	assert.Equal(t, uint8(0x80), TypeRPCDefinition.Bit())
	assert.Equal(t, uint8(0), TypeNone.Bit())
}
