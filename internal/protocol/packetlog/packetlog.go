// Package packetlog stores decoded frames as timestamped records.
//
// Record layout:
//
//	timestamp  8 bytes  big-endian microseconds since the Unix epoch
//	frame      the exact wire frame, sync byte through checksum
package packetlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/danmuck/gcslink/internal/protocol/frame"
)

const TimestampLen = 8

var (
	ErrClosed        = errors.New("packetlog: closed")
	ErrInvalidConfig = errors.New("packetlog: invalid config")
)

// Config controls the rotating file sink.
type Config struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func DefaultConfig() Config {
	return Config{
		Path:       "gcslink.pktlog",
		MaxSizeMB:  100,
		MaxBackups: 5,
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return fmt.Errorf("%w: path is required", ErrInvalidConfig)
	}
	if c.MaxSizeMB < 0 || c.MaxBackups < 0 || c.MaxAgeDays < 0 {
		return fmt.Errorf("%w: rotation limits must be non-negative", ErrInvalidConfig)
	}
	return nil
}

// Writer appends records to a sink. It is safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	out     io.WriteCloser
	buf     []byte
	records uint64
	closed  bool
}

// Open creates the log directory and returns a writer backed by a
// size-rotated file.
func Open(cfg Config) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("packetlog: create dir: %w", err)
	}
	return NewWriter(&lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}), nil
}

func NewWriter(out io.WriteCloser) *Writer {
	return &Writer{out: out, buf: make([]byte, 0, TimestampLen+frame.MaxFrameLen)}
}

// Write appends one record holding wire received at at.
func (w *Writer) Write(at time.Time, wire []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.buf = AppendRecord(w.buf[:0], at, wire)
	if _, err := w.out.Write(w.buf); err != nil {
		return fmt.Errorf("packetlog: write: %w", err)
	}
	w.records++
	return nil
}

// WriteFrame encodes f and appends it.
func (w *Writer) WriteFrame(at time.Time, f frame.Frame, seeds frame.SeedSource) error {
	wire, err := frame.Encode(f, seeds)
	if err != nil {
		return err
	}
	return w.Write(at, wire)
}

func (w *Writer) Records() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.records
}

// Close releases the sink. Later writes return ErrClosed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.out.Close()
}

// AppendRecord appends the record bytes for wire to dst.
func AppendRecord(dst []byte, at time.Time, wire []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, uint64(at.UnixMicro()))
	return append(dst, wire...)
}
