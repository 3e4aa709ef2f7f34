// Package link owns the byte channels the engine reads from and writes to,
// and the registry that assigns them ids.
package link

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

const (
	DefaultPollInterval = 50 * time.Millisecond
	DefaultCloseWait    = time.Second
	// MaxManualRead caps a single read in ManualReading mode.
	MaxManualRead = 400 * 1024
)

var (
	ErrLinkNotFound  = errors.New("link: not found")
	ErrLinkNil       = errors.New("link: link is nil")
	ErrNotConnected  = errors.New("link: not connected")
	ErrAlreadyBound  = errors.New("link: registry already bound to an engine")
	ErrNotBound      = errors.New("link: registry has no engine bound")
	ErrRegistryFull  = errors.New("link: no free link id")
	ErrUnknownKind   = errors.New("link: unknown kind")
	ErrInvalidConfig = errors.New("link: invalid config")
)

// Kind tags the concrete link type.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindUDP
	KindSerial
	KindReplay
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindUDP:
		return "udp"
	case KindSerial:
		return "serial"
	case KindReplay:
		return "replay"
	case KindMem:
		return "mem"
	default:
		return "unknown"
	}
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "udp":
		return KindUDP, nil
	case "serial":
		return KindSerial, nil
	case "replay":
		return KindReplay, nil
	case "mem":
		return KindMem, nil
	default:
		return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// ReadingMode selects how the registry pulls bytes from a link.
type ReadingMode uint8

const (
	// AutoReading: the read loop calls Read, which blocks for at most the
	// poll interval.
	AutoReading ReadingMode = iota
	// ManualReading: the link signals Ready and the read loop drains
	// BytesAvailable bytes, capped at MaxManualRead.
	ManualReading
)

func (m ReadingMode) String() string {
	if m == ManualReading {
		return "manual"
	}
	return "auto"
}

// Stats is a point-in-time view of a link's counters. Rates are bits per
// second since the link last connected.
type Stats struct {
	BytesSent      uint64    `json:"bytes_sent" yaml:"bytes_sent"`
	BytesReceived  uint64    `json:"bytes_received" yaml:"bytes_received"`
	ConnectedAt    time.Time `json:"connected_at" yaml:"connected_at"`
	NominalRate    uint64    `json:"nominal_rate" yaml:"nominal_rate"`
	UpstreamRate   float64   `json:"upstream_rate" yaml:"upstream_rate"`
	DownstreamRate float64   `json:"downstream_rate" yaml:"downstream_rate"`
	FullDuplex     bool      `json:"full_duplex" yaml:"full_duplex"`
	// Quality is a percentage, or -1 when the link cannot measure it.
	Quality int `json:"quality" yaml:"quality"`
}

func (s Stats) BitsSent() uint64     { return s.BytesSent * 8 }
func (s Stats) BitsReceived() uint64 { return s.BytesReceived * 8 }

// Link is a bidirectional byte channel.
type Link interface {
	Name() string
	Kind() Kind
	Mode() ReadingMode

	Connect() error
	// Disconnect releases OS resources. A disconnected link may be
	// connected again.
	Disconnect() error
	IsConnected() bool

	// Read blocks for at most the poll interval and returns 0, nil when
	// nothing arrived.
	Read(p []byte) (int, error)
	// Ready and BytesAvailable serve ManualReading links.
	Ready() <-chan struct{}
	BytesAvailable() int

	Write(p []byte) (int, error)
	Stats() Stats
}

// base carries identity and counters shared by every implementation.
type base struct {
	name        string
	kind        Kind
	poll        time.Duration
	sent        atomic.Uint64
	received    atomic.Uint64
	connectedAt atomic.Int64
	now         func() time.Time
}

func (b *base) init(name string, kind Kind, poll time.Duration) {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if strings.TrimSpace(name) == "" {
		name = kind.String()
	}
	b.name = name
	b.kind = kind
	b.poll = poll
	b.now = time.Now
}

func (b *base) Name() string                { return b.name }
func (b *base) Kind() Kind                  { return b.kind }
func (b *base) Mode() ReadingMode           { return AutoReading }
func (b *base) Ready() <-chan struct{}      { return nil }
func (b *base) BytesAvailable() int         { return 0 }
func (b *base) countSent(n int)             { b.sent.Add(uint64(n)) }
func (b *base) countReceived(n int)         { b.received.Add(uint64(n)) }
func (b *base) IsConnected() bool           { return b.connectedAt.Load() != 0 }
func (b *base) markDisconnected()           { b.connectedAt.Store(0) }
func (b *base) markConnected()              { b.connectedAt.Store(b.now().UnixNano()) }
func (b *base) pollInterval() time.Duration { return b.poll }

func (b *base) stats(nominal uint64, fullDuplex bool, quality int) Stats {
	st := Stats{
		BytesSent:     b.sent.Load(),
		BytesReceived: b.received.Load(),
		NominalRate:   nominal,
		FullDuplex:    fullDuplex,
		Quality:       quality,
	}
	if at := b.connectedAt.Load(); at != 0 {
		st.ConnectedAt = time.Unix(0, at)
		if secs := b.now().Sub(st.ConnectedAt).Seconds(); secs > 0 {
			st.UpstreamRate = float64(st.BitsSent()) / secs
			st.DownstreamRate = float64(st.BitsReceived()) / secs
		}
	}
	return st
}
