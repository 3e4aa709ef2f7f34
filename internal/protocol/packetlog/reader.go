package packetlog

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"
	"time"

	"github.com/danmuck/gcslink/internal/protocol/frame"
)

var (
	ErrTruncated     = errors.New("packetlog: truncated record")
	ErrCorruptRecord = errors.New("packetlog: corrupt record")
)

// Record is one logged frame.
type Record struct {
	At    time.Time
	Wire  []byte
	Frame frame.Frame
}

// Reader walks records in file order.
type Reader struct {
	r      *bufio.Reader
	seeds  frame.SeedSource
	closer []io.Closer
}

func NewReader(r io.Reader, seeds frame.SeedSource) *Reader {
	return &Reader{r: bufio.NewReader(r), seeds: seeds}
}

// OpenFile opens a log file. Rotated backups compressed with gzip are
// read transparently.
func OpenFile(path string, seeds frame.SeedSource) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		rd := NewReader(f, seeds)
		rd.closer = []io.Closer{f}
		return rd, nil
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("packetlog: gzip: %w", err)
	}
	rd := NewReader(zr, seeds)
	rd.closer = []io.Closer{zr, f}
	return rd, nil
}

// Next returns the next record. It returns io.EOF at a clean end of input.
// A record whose checksum does not verify is returned together with an
// ErrCorruptRecord error; the reader stays aligned and Next may be called
// again.
func (r *Reader) Next() (Record, error) {
	var ts [TimestampLen]byte
	if _, err := io.ReadFull(r.r, ts[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, ErrTruncated
		}
		return Record{}, err
	}

	var head [2]byte
	if _, err := io.ReadFull(r.r, head[:]); err != nil {
		return Record{}, truncated(err)
	}
	if head[0] != frame.SyncByte {
		return Record{}, fmt.Errorf("%w: sync byte %#02x", ErrCorruptRecord, head[0])
	}
	wire := make([]byte, frame.HeaderLen+int(head[1])+frame.ChecksumLen)
	copy(wire, head[:])
	if _, err := io.ReadFull(r.r, wire[2:]); err != nil {
		return Record{}, truncated(err)
	}

	rec := Record{
		At:   time.UnixMicro(int64(binary.BigEndian.Uint64(ts[:]))),
		Wire: wire,
	}
	f, err := frame.Parse(wire, r.seeds)
	if err != nil {
		return rec, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	rec.Frame = f
	return rec, nil
}

// All yields records until EOF. A record that fails its checksum is yielded
// with its error and iteration continues; any other error ends the sequence
// after it is yielded.
func (r *Reader) All() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for {
			rec, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(rec, err) {
				return
			}
			if err != nil && rec.Wire == nil {
				return
			}
		}
	}
}

func (r *Reader) Close() error {
	var first error
	for _, c := range r.closer {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.closer = nil
	return first
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return err
}
