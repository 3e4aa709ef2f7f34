package link

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/gcslink/internal/protocol/frame"
	"github.com/danmuck/gcslink/internal/protocol/packetlog"
)

// ReplayConfig describes a link that plays back a packet log.
type ReplayConfig struct {
	Name  string
	Path  string
	Seeds frame.SeedSource
	// Speed scales recorded pacing; 2 plays twice as fast. Zero or less
	// plays as fast as the reader drains.
	Speed        float64
	Loop         bool
	PollInterval time.Duration
}

func (c ReplayConfig) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return fmt.Errorf("%w: replay path is required", ErrInvalidConfig)
	}
	return nil
}

// Replay emits the frames of a packet log at their recorded pacing.
// Outbound writes are counted and discarded.
type Replay struct {
	base
	cfg ReplayConfig

	mu        sync.Mutex
	rd        *packetlog.Reader
	pending   []byte
	next      *packetlog.Record
	firstAt   time.Time
	startWall time.Time
	records   uint64
	pass      uint64
	done      bool
	sleep     func(time.Duration)
}

func NewReplay(cfg ReplayConfig) (*Replay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Replay{cfg: cfg, sleep: time.Sleep}
	r.init(cfg.Name, KindReplay, cfg.PollInterval)
	return r, nil
}

func (r *Replay) Connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rd != nil {
		return nil
	}
	if err := r.openLocked(); err != nil {
		return err
	}
	r.markConnected()
	log.Info().Str("name", r.Name()).Str("path", r.cfg.Path).Msg("link.Replay.Connect opened")
	return nil
}

func (r *Replay) openLocked() error {
	rd, err := packetlog.OpenFile(r.cfg.Path, r.cfg.Seeds)
	if err != nil {
		return fmt.Errorf("open replay %q: %w", r.cfg.Path, err)
	}
	r.rd = rd
	r.pending = nil
	r.next = nil
	r.firstAt = time.Time{}
	r.startWall = time.Time{}
	r.pass = 0
	r.done = false
	return nil
}

func (r *Replay) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markDisconnected()
	if r.rd == nil {
		return nil
	}
	err := r.rd.Close()
	r.rd = nil
	return err
}

// Done reports whether a non-looping replay reached the end of its log.
func (r *Replay) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Records counts frames emitted since construction.
func (r *Replay) Records() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records
}

func (r *Replay) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rd == nil {
		return 0, ErrNotConnected
	}
	if len(r.pending) == 0 {
		wait, err := r.advanceLocked()
		if err != nil {
			return 0, err
		}
		if wait > 0 {
			r.mu.Unlock()
			r.sleep(min(wait, r.pollInterval()))
			r.mu.Lock()
			return 0, nil
		}
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	r.countReceived(n)
	return n, nil
}

// advanceLocked loads the next record into pending once it is due. It
// returns how long to wait when the next record is not due yet.
func (r *Replay) advanceLocked() (time.Duration, error) {
	if r.done {
		return r.pollInterval(), nil
	}
	if r.next == nil {
		rec, err := r.rd.Next()
		switch {
		case errors.Is(err, io.EOF):
			return r.endLocked()
		case errors.Is(err, packetlog.ErrCorruptRecord) && rec.Wire != nil:
			// replay the exact bytes that were logged
		case err != nil:
			return 0, err
		}
		r.next = &rec
	}
	now := r.now()
	if r.startWall.IsZero() {
		r.startWall = now
		r.firstAt = r.next.At
	}
	if r.cfg.Speed > 0 {
		offset := time.Duration(float64(r.next.At.Sub(r.firstAt)) / r.cfg.Speed)
		if wait := r.startWall.Add(offset).Sub(now); wait > 0 {
			return wait, nil
		}
	}
	r.pending = r.next.Wire
	r.next = nil
	r.records++
	r.pass++
	return 0, nil
}

func (r *Replay) endLocked() (time.Duration, error) {
	if !r.cfg.Loop || r.pass == 0 {
		if !r.done {
			log.Info().Str("name", r.Name()).Uint64("records", r.records).Msg("link.Replay end of log")
		}
		r.done = true
		return r.pollInterval(), nil
	}
	if err := r.rd.Close(); err != nil {
		log.Debug().Str("name", r.Name()).Err(err).Msg("link.Replay close before loop")
	}
	if err := r.openLocked(); err != nil {
		r.rd = nil
		return 0, err
	}
	return 0, nil
}

func (r *Replay) Write(p []byte) (int, error) {
	if !r.IsConnected() {
		return 0, ErrNotConnected
	}
	r.countSent(len(p))
	return len(p), nil
}

func (r *Replay) Stats() Stats {
	return r.stats(0, false, -1)
}
