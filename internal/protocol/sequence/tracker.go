// Package sequence accounts for lost frames per (system, component) pair
// using the 8-bit wrapping sequence number each frame carries. The loss
// ratio is computed over every pair together.
package sequence

import (
	"errors"
	"fmt"
	"sort"
)

var ErrInvalidConfig = errors.New("sequence: invalid config")

// Config bounds gap accounting and ratio emission.
type Config struct {
	// MaxGap is the largest gap counted as loss. Larger gaps resynchronize
	// the pair without counting.
	MaxGap int
	// RatioInterval emits a ratio every time the tracker-wide received
	// total is a multiple of it.
	RatioInterval uint64
}

func DefaultConfig() Config {
	return Config{
		MaxGap:        255,
		RatioInterval: 128,
	}
}

func (c Config) Validate() error {
	if c.MaxGap < 0 || c.MaxGap > 255 {
		return fmt.Errorf("%w: max gap %d outside 0..255", ErrInvalidConfig, c.MaxGap)
	}
	if c.RatioInterval == 0 {
		return fmt.Errorf("%w: ratio interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// Key identifies one sender.
type Key struct {
	SystemID    uint8
	ComponentID uint8
}

// Observation is the outcome of one Observe call.
type Observation struct {
	Lost         int
	RatioChanged bool
	// Ratio is the lost percentage, across all pairs, over the window that
	// just closed.
	Ratio float64
}

// PairStats is a read-only view of one pair's counters.
type PairStats struct {
	Key
	LastSequence int
	Received     uint64
	Lost         uint64
}

type counter struct {
	last     int
	received uint64
	lost     uint64
}

// Tracker holds counters for every pair seen so far. It is not safe for
// concurrent use.
type Tracker struct {
	cfg   Config
	pairs map[Key]*counter

	received       uint64
	windowReceived uint64
	windowLost     uint64
}

func NewTracker(cfg Config) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Tracker{cfg: cfg, pairs: make(map[Key]*counter)}, nil
}

// Observe records seq for the pair and reports newly lost frames.
func (t *Tracker) Observe(systemID, componentID, seq uint8) Observation {
	key := Key{SystemID: systemID, ComponentID: componentID}
	c, ok := t.pairs[key]
	if !ok {
		c = &counter{last: -1}
		t.pairs[key] = c
	}

	var obs Observation
	if c.last >= 0 {
		expected := uint8(c.last + 1)
		gap := int(seq - expected)
		if gap <= t.cfg.MaxGap {
			obs.Lost = gap
		}
	}
	c.last = int(seq)
	c.received++
	c.lost += uint64(obs.Lost)

	t.received++
	t.windowReceived++
	t.windowLost += uint64(obs.Lost)
	if obs.Lost > 0 || t.received%t.cfg.RatioInterval == 0 {
		total := t.windowReceived + t.windowLost
		obs.RatioChanged = true
		obs.Ratio = float64(t.windowLost) / float64(total) * 100
		t.windowReceived = 0
		t.windowLost = 0
	}
	return obs
}

// Stats returns the counters for one pair.
func (t *Tracker) Stats(systemID, componentID uint8) (PairStats, bool) {
	key := Key{SystemID: systemID, ComponentID: componentID}
	c, ok := t.pairs[key]
	if !ok {
		return PairStats{}, false
	}
	return c.stats(key), true
}

// Snapshot lists every pair ordered by system then component.
func (t *Tracker) Snapshot() []PairStats {
	out := make([]PairStats, 0, len(t.pairs))
	for key, c := range t.pairs {
		out = append(out, c.stats(key))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SystemID != out[j].SystemID {
			return out[i].SystemID < out[j].SystemID
		}
		return out[i].ComponentID < out[j].ComponentID
	})
	return out
}

// Forget drops every pair belonging to systemID. The shared window is
// left as is.
func (t *Tracker) Forget(systemID uint8) {
	for key := range t.pairs {
		if key.SystemID == systemID {
			delete(t.pairs, key)
		}
	}
}

// Received is the total number of frames observed across all pairs.
func (t *Tracker) Received() uint64 {
	return t.received
}

func (c *counter) stats(key Key) PairStats {
	return PairStats{
		Key:          key,
		LastSequence: c.last,
		Received:     c.received,
		Lost:         c.lost,
	}
}
