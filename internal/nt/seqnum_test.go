package nt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequenceNumberWrap(t *testing.T) {
	var s SequenceNumber = 0xFFFF
	assert.Equal(t, SequenceNumber(0), s.Next())
}

func TestSequenceNumberTotalOrderExceptAntipode(t *testing.T) {
	for a := 0; a < 0x10000; a += 4099 {
		for b := 0; b < 0x10000; b += 4099 {
			sa, sb := SequenceNumber(a), SequenceNumber(b)
			dist := a - b
			if dist < 0 {
				dist = -dist
			}
			if dist == 1<<15 {
				continue
			}

			results := 0
			if sa.Less(sb) {
				results++
			}
			if sa.Greater(sb) {
				results++
			}
			if sa == sb {
				results++
			}
			assert.Equal(t, 1, results, "a=%d b=%d", a, b)
		}
	}
}

func TestSequenceNumberGreaterOrEqual(t *testing.T) {
	assert.True(t, SequenceNumber(5).GreaterOrEqual(5))
	assert.True(t, SequenceNumber(6).GreaterOrEqual(5))
	assert.False(t, SequenceNumber(4).GreaterOrEqual(5))
}

func TestSequenceNumberWrapAcrossBoundary(t *testing.T) {
	assert.True(t, SequenceNumber(0).Greater(SequenceNumber(0xFFFF)))
	assert.True(t, SequenceNumber(0xFFFF).Less(SequenceNumber(0)))
}
