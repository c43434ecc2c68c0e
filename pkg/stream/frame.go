// Package stream receives the instrument's raw sample stream over UDP (or
// replays it from a recording) and exposes it as a capture source.
package stream

import (
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog/log"
)

const (
	// frameMagic opens every stream frame.
	frameMagic = 0x057b
	headerLen  = 8

	// NumChannels is fixed by the instrument: two amplitude and two
	// quadrature streams per frame.
	NumChannels = 4

	// FullScale is the voltage at positive full scale of the 16-bit front
	// end. Sample codes map linearly onto [-FullScale, FullScale).
	FullScale = 10.24
)

// ChannelNames names the four streams in wire order.
var ChannelNames = [NumChannels]string{"AR", "AT", "BI", "BQ"}

// Frame is one decoded stream datagram: a header and the per-channel sample
// payload converted to volts.
type Frame struct {
	Format  uint8
	Batches uint8
	Seq     uint32
	Data    [NumChannels][]float64
}

// ParseFrame decodes one wire frame. The payload is batches of four channel
// blocks of equal length, each sample a little-endian int16.
func ParseFrame(buf []byte) (*Frame, error) {
	if len(buf) < headerLen {
		return nil, fmt.Errorf("frame too short: %d bytes", len(buf))
	}
	if m := binary.LittleEndian.Uint16(buf[0:2]); m != frameMagic {
		return nil, fmt.Errorf("bad frame magic %#04x", m)
	}
	f := &Frame{
		Format:  buf[2],
		Batches: buf[3],
		Seq:     binary.LittleEndian.Uint32(buf[4:8]),
	}
	if f.Batches == 0 {
		return nil, fmt.Errorf("frame with zero batches")
	}

	payload := buf[headerLen:]
	stride := int(f.Batches) * NumChannels * 2
	if len(payload) == 0 || len(payload)%stride != 0 {
		return nil, fmt.Errorf("payload of %d bytes does not divide into %d batches of %d channels", len(payload), f.Batches, NumChannels)
	}
	batchSize := len(payload) / stride

	for c := range f.Data {
		f.Data[c] = make([]float64, 0, int(f.Batches)*batchSize)
	}
	off := 0
	for b := 0; b < int(f.Batches); b++ {
		for c := 0; c < NumChannels; c++ {
			for s := 0; s < batchSize; s++ {
				code := int16(binary.LittleEndian.Uint16(payload[off : off+2]))
				f.Data[c] = append(f.Data[c], float64(code)*FullScale/32768)
				off += 2
			}
		}
	}
	return f, nil
}

// SamplesPerChannel returns the number of samples each channel carries.
func (f *Frame) SamplesPerChannel() int {
	return len(f.Data[0])
}

// Loss tracks dropped batches from gaps in the frame sequence numbers. The
// sequence counts batches, so a frame advances it by its batch count.
type Loss struct {
	received uint64
	dropped  uint64
	next     uint32
	primed   bool
}

// Update accounts for one received frame.
func (l *Loss) Update(f *Frame) {
	if l.primed && f.Seq != l.next {
		l.dropped += uint64(f.Seq - l.next)
	}
	l.received += uint64(f.Batches)
	l.next = f.Seq + uint32(f.Batches)
	l.primed = true
}

// Counts returns batches received and batches lost to sequence gaps.
func (l *Loss) Counts() (received, dropped uint64) {
	return l.received, l.dropped
}

// Analyze logs the loss totals, warning when anything was dropped.
func (l *Loss) Analyze() {
	total := l.received + l.dropped
	if total == 0 {
		return
	}
	ratio := float64(l.dropped) / float64(total)
	ev := log.Info()
	if l.dropped > 0 {
		ev = log.Warn()
	}
	ev.Uint64("received", l.received).Uint64("dropped", l.dropped).Float64("loss", ratio).Msg("stream loss")
}
