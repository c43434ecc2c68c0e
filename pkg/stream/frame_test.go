package stream

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frameBytes builds a wire frame whose sample codes come from fill, indexed
// by channel and absolute sample position.
func frameBytes(seq uint32, batches uint8, batchSize int, fill func(c, s int) int16) []byte {
	buf := make([]byte, headerLen, headerLen+int(batches)*NumChannels*batchSize*2)
	binary.LittleEndian.PutUint16(buf[0:2], frameMagic)
	buf[2] = 1
	buf[3] = batches
	binary.LittleEndian.PutUint32(buf[4:8], seq)
	for b := 0; b < int(batches); b++ {
		for c := 0; c < NumChannels; c++ {
			for s := 0; s < batchSize; s++ {
				var tmp [2]byte
				binary.LittleEndian.PutUint16(tmp[:], uint16(fill(c, b*batchSize+s)))
				buf = append(buf, tmp[0], tmp[1])
			}
		}
	}
	return buf
}

func TestParseFrame(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	buf := frameBytes(42, 2, 3, func(c, s int) int16 {
		return int16(c*100 + s)
	})

	f, err := ParseFrame(buf)
	require.NoError(err)
	assert.Equal(uint8(1), f.Format)
	assert.Equal(uint8(2), f.Batches)
	assert.Equal(uint32(42), f.Seq)
	assert.Equal(6, f.SamplesPerChannel())

	// Batches concatenate per channel in order.
	for c := 0; c < NumChannels; c++ {
		require.Len(f.Data[c], 6)
		for s := 0; s < 6; s++ {
			want := float64(c*100+s) * FullScale / 32768
			assert.InDelta(want, f.Data[c][s], 1e-12, "channel %d sample %d", c, s)
		}
	}
}

func TestParseFrameFullScale(t *testing.T) {
	assert := assert.New(t)

	buf := frameBytes(0, 1, 2, func(c, s int) int16 {
		if s == 0 {
			return -32768
		}
		return 32767
	})
	f, err := ParseFrame(buf)
	assert.NoError(err)
	assert.Equal(-FullScale, f.Data[0][0])
	assert.InDelta(FullScale, f.Data[0][1], 1e-3)
	assert.Less(f.Data[0][1], FullScale)
}

func TestParseFrameErrors(t *testing.T) {
	assert := assert.New(t)

	// Too short for a header.
	_, err := ParseFrame([]byte{0x7b, 0x05, 1})
	assert.Error(err)

	// Wrong magic.
	buf := frameBytes(0, 1, 2, func(c, s int) int16 { return 0 })
	buf[0] = 0xff
	_, err = ParseFrame(buf)
	assert.Error(err)

	// Zero batches.
	buf = frameBytes(0, 1, 2, func(c, s int) int16 { return 0 })
	buf[3] = 0
	_, err = ParseFrame(buf)
	assert.Error(err)

	// Payload not divisible into batches.
	buf = frameBytes(0, 1, 2, func(c, s int) int16 { return 0 })
	_, err = ParseFrame(buf[:len(buf)-1])
	assert.Error(err)

	// Header only, no payload.
	buf = frameBytes(0, 1, 2, func(c, s int) int16 { return 0 })
	_, err = ParseFrame(buf[:headerLen])
	assert.Error(err)
}

func TestLossCounting(t *testing.T) {
	assert := assert.New(t)

	var l Loss
	frame := func(seq uint32, batches uint8) *Frame {
		return &Frame{Batches: batches, Seq: seq}
	}

	l.Update(frame(0, 2))
	l.Update(frame(2, 2))
	received, dropped := l.Counts()
	assert.Equal(uint64(4), received)
	assert.Zero(dropped)

	// Two batches went missing between seq 4 and seq 6.
	l.Update(frame(6, 2))
	received, dropped = l.Counts()
	assert.Equal(uint64(6), received)
	assert.Equal(uint64(2), dropped)
}

func TestLossSequenceWrap(t *testing.T) {
	assert := assert.New(t)

	var l Loss
	l.Update(&Frame{Batches: 2, Seq: 0xfffffffc})
	l.Update(&Frame{Batches: 2, Seq: 0xfffffffe})
	// The counter wraps through zero without registering a gap.
	l.Update(&Frame{Batches: 2, Seq: 0})
	_, dropped := l.Counts()
	assert.Zero(dropped)

	// A gap across the wrap still counts.
	l.Update(&Frame{Batches: 2, Seq: 4})
	_, dropped = l.Counts()
	assert.Equal(uint64(2), dropped)
}
