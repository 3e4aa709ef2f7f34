package frame

import "iter"

// State is the decoder's position inside a frame.
type State uint8

const (
	StateScanning State = iota
	StateHeader
	StatePayload
	StateChecksum
)

func (s State) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StateHeader:
		return "header"
	case StatePayload:
		return "payload"
	case StateChecksum:
		return "checksum"
	default:
		return "unknown"
	}
}

// DecoderStats counts decoder outcomes since construction.
type DecoderStats struct {
	Frames           uint64
	ChecksumFailures uint64
	SkippedBytes     uint64
}

// Decoder turns a byte stream into frames. It is not safe for concurrent
// use; callers keep one decoder per stream.
type Decoder struct {
	seeds SeedSource
	state State
	buf   [MaxFrameLen]byte
	n     int
	end   int

	// pending holds bytes not yet stepped, including bytes replayed
	// after a checksum failure.
	pending []byte
	scratch []byte
	head    int

	stats DecoderStats
}

func NewDecoder(seeds SeedSource) *Decoder {
	return &Decoder{seeds: seeds}
}

func (d *Decoder) State() State {
	return d.state
}

func (d *Decoder) Stats() DecoderStats {
	return d.stats
}

// Reset drops any partial frame and queued bytes.
func (d *Decoder) Reset() {
	d.state = StateScanning
	d.n = 0
	d.end = 0
	d.pending = d.pending[:0]
	d.head = 0
}

// Frames queues p and yields frames as they complete. p is queued the
// first time the sequence is ranged over. Stopping early leaves the
// remaining bytes queued; they are decoded ahead of the next input.
func (d *Decoder) Frames(p []byte) iter.Seq[Frame] {
	queued := false
	return func(yield func(Frame) bool) {
		if !queued {
			d.pending = append(d.pending, p...)
			queued = true
		}
		d.drain(yield)
	}
}

// Decode feeds p and returns every frame it completes.
func (d *Decoder) Decode(p []byte) []Frame {
	var out []Frame
	for f := range d.Frames(p) {
		out = append(out, f)
	}
	return out
}

func (d *Decoder) drain(yield func(Frame) bool) {
	for d.head < len(d.pending) {
		c := d.pending[d.head]
		d.head++
		f, ok := d.step(c)
		if ok && !yield(f) {
			return
		}
	}
	d.pending = d.pending[:0]
	d.head = 0
}

func (d *Decoder) step(c byte) (Frame, bool) {
	switch d.state {
	case StateScanning:
		if c != SyncByte {
			d.stats.SkippedBytes++
			return Frame{}, false
		}
		d.buf[0] = c
		d.n = 1
		d.state = StateHeader
	case StateHeader:
		d.buf[d.n] = c
		d.n++
		if d.n == HeaderLen {
			d.end = HeaderLen + int(d.buf[offLen])
			if d.end == HeaderLen {
				d.state = StateChecksum
			} else {
				d.state = StatePayload
			}
		}
	case StatePayload:
		d.buf[d.n] = c
		d.n++
		if d.n == d.end {
			d.state = StateChecksum
		}
	case StateChecksum:
		d.buf[d.n] = c
		d.n++
		if d.n == d.end+ChecksumLen {
			return d.verify()
		}
	}
	return Frame{}, false
}

func (d *Decoder) verify() (Frame, bool) {
	want := Checksum(d.buf[1:d.end], seedFor(d.seeds, d.buf[offKind]))
	got := uint16(d.buf[d.end]) | uint16(d.buf[d.end+1])<<8
	if want == got {
		f := frameFrom(d.buf[:d.end])
		d.stats.Frames++
		d.state = StateScanning
		d.n = 0
		return f, true
	}

	// Rescan everything after the failed sync byte ahead of unread input.
	d.stats.ChecksumFailures++
	d.stats.SkippedBytes++
	d.scratch = append(d.scratch[:0], d.buf[1:d.n]...)
	d.scratch = append(d.scratch, d.pending[d.head:]...)
	d.pending, d.scratch = d.scratch, d.pending
	d.head = 0
	d.state = StateScanning
	d.n = 0
	return Frame{}, false
}
