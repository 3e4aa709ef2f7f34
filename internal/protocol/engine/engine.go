// Package engine turns link bytes into published frames and frames into
// link bytes.
//
// Inbound, every link gets its own decoder. Each decoded frame is appended
// to the packet log when logging is on, then:
//   - an announcement from a system without a session creates the session
//     and publishes NewSession before anything else about that frame;
//   - a frame from a system with a session updates loss accounting,
//     publishes LossRatioChanged when the tracker closes a window, then
//     publishes FrameDecoded and hands the frame to the session handle;
//   - any other frame is dropped without loss accounting.
//
// All inbound work for one engine is serialized by a single decode mutex.
// Outbound framing uses its own mutex so sends never wait on decoding.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/gcslink/internal/events"
	"github.com/danmuck/gcslink/internal/observability"
	"github.com/danmuck/gcslink/internal/protocol/dialect"
	"github.com/danmuck/gcslink/internal/protocol/frame"
	"github.com/danmuck/gcslink/internal/protocol/packetlog"
	"github.com/danmuck/gcslink/internal/protocol/sequence"
	"github.com/danmuck/gcslink/internal/protocol/session"
)

var (
	ErrClosed         = errors.New("engine: closed")
	ErrNoTransmitter  = errors.New("engine: no transmitter")
	ErrInvalidRate    = errors.New("engine: heartbeat rate must be in (0, 1000] Hz")
	ErrLoggingFailure = errors.New("engine: packet log unavailable")
)

// Drop reasons reported to metrics.
const (
	dropUnknownSource = "unknown_source"
	dropSessionError  = "session_error"
)

// Transmitter delivers outbound wire bytes. An empty id list means every
// connected link. Implementations must not retain p.
type Transmitter interface {
	Write(linkIDs []int, p []byte) error
}

// Config holds engine identity and runtime switches.
type Config struct {
	SystemID          uint8
	ComponentID       uint8
	HeartbeatRate     float64
	HeartbeatsEnabled bool
	LoggingEnabled    bool
	Log               packetlog.Config
	Tracker           sequence.Config
}

func DefaultConfig() Config {
	return Config{
		SystemID:          255,
		ComponentID:       0,
		HeartbeatRate:     1,
		HeartbeatsEnabled: true,
		Log:               packetlog.DefaultConfig(),
		Tracker:           sequence.DefaultConfig(),
	}
}

func (c Config) Validate() error {
	if !validRate(c.HeartbeatRate) {
		return fmt.Errorf("%w: %v Hz", ErrInvalidRate, c.HeartbeatRate)
	}
	if err := c.Tracker.Validate(); err != nil {
		return err
	}
	if c.LoggingEnabled {
		if err := c.Log.Validate(); err != nil {
			return err
		}
	}
	return nil
}

type logOpener func(packetlog.Config) (*packetlog.Writer, error)

// Option customizes an Engine.
type Option func(*Engine)

func WithTransmitter(t Transmitter) Option        { return func(e *Engine) { e.out = t } }
func WithBus(b *events.Bus) Option                { return func(e *Engine) { e.bus = b } }
func WithMetrics(m *observability.Metrics) Option { return func(e *Engine) { e.metrics = m } }
func WithDialect(d dialect.Dialect) Option        { return func(e *Engine) { e.dialect = d } }
func WithFactory(f *session.Factory) Option       { return func(e *Engine) { e.factory = f } }
func WithClock(now func() time.Time) Option       { return func(e *Engine) { e.now = now } }

func withLogOpener(open logOpener) Option { return func(e *Engine) { e.openLog = open } }

// Engine is safe for concurrent use.
type Engine struct {
	cfg     Config
	dialect dialect.Dialect
	factory *session.Factory
	bus     *events.Bus
	out     Transmitter
	metrics *observability.Metrics
	now     func() time.Time
	openLog logOpener

	// mu is the decode mutex. It covers decoders, tracker, sessions and
	// the packet log.
	mu       sync.Mutex
	decoders map[int]*frame.Decoder
	tracker  *sequence.Tracker
	sessions *session.Registry
	plog     *packetlog.Writer
	closed   bool

	sendMu  sync.Mutex
	sendSeq uint8
	sendBuf []byte

	hb heartbeat
}

func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:      cfg,
		dialect:  dialect.Common(),
		now:      time.Now,
		openLog:  packetlog.Open,
		decoders: make(map[int]*frame.Decoder),
		sendBuf:  make([]byte, 0, frame.MaxFrameLen),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.bus == nil {
		e.bus = events.NewBus()
	}
	tracker, err := sequence.NewTracker(cfg.Tracker)
	if err != nil {
		return nil, err
	}
	e.tracker = tracker
	e.sessions = session.NewRegistry(cfg.SystemID, e.factory, e.dialect.Variant)
	e.hb.rate = cfg.HeartbeatRate

	if cfg.LoggingEnabled {
		if err := e.EnableLogging(true); err != nil {
			return nil, err
		}
	}
	if cfg.HeartbeatsEnabled {
		e.EnableHeartbeats(true)
	}
	log.Info().
		Uint8("system_id", cfg.SystemID).
		Uint8("component_id", cfg.ComponentID).
		Str("dialect", e.dialect.Name).
		Msg("engine.New ready")
	return e, nil
}

// HandleInput decodes p as the next bytes received on linkID. p is not
// retained.
func (e *Engine) HandleInput(linkID int, p []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	dec, ok := e.decoders[linkID]
	if !ok {
		dec = frame.NewDecoder(e.dialect)
		e.decoders[linkID] = dec
	}
	before := dec.Stats().ChecksumFailures
	at := e.now()
	for f := range dec.Frames(p) {
		e.dispatchLocked(linkID, f, at)
	}
	e.metrics.RecordChecksumFailures(linkID, dec.Stats().ChecksumFailures-before)
}

func (e *Engine) dispatchLocked(linkID int, f frame.Frame, at time.Time) {
	e.logFrameLocked(f, at)

	sess, ok := e.sessions.Get(f.SystemID)
	if !ok {
		if !e.dialect.IsAnnouncement(f.Kind) {
			log.Debug().
				Int("link_id", linkID).
				Uint8("system_id", f.SystemID).
				Uint8("kind", f.Kind).
				Msg("engine.Engine.HandleInput drop unknown source")
			e.metrics.RecordFrameDropped(dropUnknownSource)
			return
		}
		s, created, err := e.sessions.Ensure(f.SystemID, f.Payload)
		if err != nil {
			log.Warn().
				Int("link_id", linkID).
				Uint8("system_id", f.SystemID).
				Err(err).
				Msg("engine.Engine.HandleInput session not created")
			e.metrics.RecordFrameDropped(dropSessionError)
			return
		}
		sess = s
		if created {
			e.metrics.SetSessions(e.sessions.Len())
			e.bus.Publish(events.Event{Kind: events.KindNewSession, At: at, SystemID: f.SystemID, LinkID: linkID})
		}
	}

	obs := e.tracker.Observe(f.SystemID, f.ComponentID, f.Sequence)
	e.metrics.RecordLoss(f.SystemID, obs.Lost)
	if obs.RatioChanged {
		e.metrics.SetLossRatio(obs.Ratio)
		e.bus.Publish(events.Event{Kind: events.KindLossRatioChanged, At: at, SystemID: f.SystemID, LinkID: linkID, Ratio: obs.Ratio})
	}
	e.metrics.RecordFrameDecoded(linkID)
	e.bus.Publish(events.Event{Kind: events.KindFrameDecoded, At: at, SystemID: f.SystemID, LinkID: linkID, Frame: f})
	sess.Handle.HandleFrame(f, at)
}

func (e *Engine) logFrameLocked(f frame.Frame, at time.Time) {
	if e.plog == nil {
		return
	}
	err := e.plog.WriteFrame(at, f, e.dialect)
	e.metrics.RecordPacketLog(err)
	if err != nil {
		log.Warn().Err(err).Msg("engine.Engine packet log write failed")
	}
}

// RemoveLink drops the decoder state for linkID.
func (e *Engine) RemoveLink(linkID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.decoders, linkID)
}

// Send encodes f as is and writes it to linkIDs, or to every connected
// link when none are given.
func (e *Engine) Send(f frame.Frame, linkIDs ...int) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	return e.sendLocked(f, linkIDs)
}

// SendMessage stamps the local ids and the next outbound sequence number
// on a frame of kind and sends it.
func (e *Engine) SendMessage(kind uint8, payload []byte, linkIDs ...int) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	f := frame.Frame{
		SystemID:    e.cfg.SystemID,
		ComponentID: e.cfg.ComponentID,
		Kind:        kind,
		Sequence:    e.sendSeq,
		Payload:     payload,
	}
	if err := e.sendLocked(f, linkIDs); err != nil {
		return err
	}
	e.sendSeq++
	return nil
}

// SendHeartbeat sends one announcement outside the periodic schedule.
func (e *Engine) SendHeartbeat() error {
	err := e.SendMessage(e.dialect.AnnouncementKind, e.dialect.Announcement())
	if err == nil {
		e.metrics.RecordHeartbeat()
	}
	return err
}

func (e *Engine) sendLocked(f frame.Frame, linkIDs []int) error {
	if e.out == nil {
		return ErrNoTransmitter
	}
	wire, err := frame.Append(e.sendBuf[:0], f, e.dialect)
	if err != nil {
		return err
	}
	e.sendBuf = wire
	if err := e.out.Write(linkIDs, wire); err != nil {
		return fmt.Errorf("engine: send kind=%d: %w", f.Kind, err)
	}
	return nil
}

// EnableLogging opens the packet log on true and releases it on false.
// Open failures are logged, counted and returned; decoding continues.
func (e *Engine) EnableLogging(on bool) error {
	e.mu.Lock()
	changed, err := e.setLoggingLocked(on)
	e.mu.Unlock()
	if changed {
		e.bus.Publish(events.Event{Kind: events.KindLoggingChanged, Enabled: on})
	}
	return err
}

func (e *Engine) setLoggingLocked(on bool) (bool, error) {
	if on == (e.plog != nil) {
		return false, nil
	}
	if !on {
		err := e.plog.Close()
		e.plog = nil
		if err != nil {
			log.Warn().Err(err).Msg("engine.Engine.EnableLogging close failed")
		}
		log.Info().Msg("engine.Engine.EnableLogging disabled")
		return true, nil
	}
	w, err := e.openLog(e.cfg.Log)
	if err != nil {
		e.metrics.RecordPacketLog(err)
		log.Warn().Str("path", e.cfg.Log.Path).Err(err).Msg("engine.Engine.EnableLogging open failed")
		return false, fmt.Errorf("%w: %v", ErrLoggingFailure, err)
	}
	e.plog = w
	log.Info().Str("path", e.cfg.Log.Path).Msg("engine.Engine.EnableLogging enabled")
	return true, nil
}

func (e *Engine) LoggingEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plog != nil
}

// Subscribe registers a synchronous event handler. Handlers run while the
// engine holds its decode mutex and must not call HandleInput.
func (e *Engine) Subscribe(id string, fn events.Handler) error {
	return e.bus.Subscribe(id, fn)
}

func (e *Engine) Bus() *events.Bus { return e.bus }

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Dialect() dialect.Dialect { return e.dialect }

// Sessions lists current sessions ordered by system id.
func (e *Engine) Sessions() []*session.Session {
	return e.sessions.List()
}

// RemoveSession drops the session for sys and forgets its sequence
// counters. The next announcement from sys starts a new session.
func (e *Engine) RemoveSession(sys uint8) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.sessions.Remove(sys)
	if err != nil {
		return err
	}
	e.tracker.Forget(sys)
	e.metrics.SetSessions(e.sessions.Len())
	log.Info().
		Uint8("system_id", sys).
		Str("session_id", s.ID.String()).
		Msg("engine.Engine.RemoveSession removed")
	return nil
}

// Loss returns per-pair sequence counters.
func (e *Engine) Loss() []sequence.PairStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracker.Snapshot()
}

// DecoderStats returns decoder counters for linkID.
func (e *Engine) DecoderStats(linkID int) (frame.DecoderStats, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	dec, ok := e.decoders[linkID]
	if !ok {
		return frame.DecoderStats{}, false
	}
	return dec.Stats(), true
}

// Close stops heartbeats and releases the packet log. Later input is
// ignored.
func (e *Engine) Close() error {
	e.hb.stop()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.closed = true
	if e.plog != nil {
		err := e.plog.Close()
		e.plog = nil
		if err != nil {
			return fmt.Errorf("engine: close packet log: %w", err)
		}
	}
	log.Info().Msg("engine.Engine.Close closed")
	return nil
}
