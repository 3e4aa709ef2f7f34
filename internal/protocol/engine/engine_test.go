package engine

import (
	"bytes"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/gcslink/internal/events"
	"github.com/danmuck/gcslink/internal/link"
	"github.com/danmuck/gcslink/internal/observability"
	"github.com/danmuck/gcslink/internal/protocol/dialect"
	"github.com/danmuck/gcslink/internal/protocol/frame"
	"github.com/danmuck/gcslink/internal/protocol/packetlog"
	"github.com/danmuck/gcslink/internal/protocol/session"
	"github.com/danmuck/gcslink/internal/testutil/testlog"
)

type captureTx struct {
	mu     sync.Mutex
	writes [][]byte
	ids    [][]int
	err    error
}

func (c *captureTx) Write(ids []int, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, bytes.Clone(p))
	c.ids = append(c.ids, ids)
	return c.err
}

func (c *captureTx) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) handle(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func (r *recorder) ofKind(k events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.evs {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.evs...)
}

func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.HeartbeatsEnabled = false
	return cfg
}

func newEngine(t *testing.T, cfg Config, opts ...Option) (*Engine, *recorder) {
	t.Helper()
	e, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	rec := &recorder{}
	if err := e.Subscribe("test", rec.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e, rec
}

func wireFor(t *testing.T, f frame.Frame) []byte {
	t.Helper()
	wire, err := frame.Encode(f, dialect.Common())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return wire
}

func heartbeatFrame(sys, seq uint8, a dialect.Autopilot) frame.Frame {
	payload, _ := dialect.Heartbeat{Type: dialect.TypeQuadrotor, Autopilot: a, Version: dialect.ProtocolVersion}.MarshalBinary()
	return frame.Frame{SystemID: sys, ComponentID: 1, Kind: dialect.KindHeartbeat, Sequence: seq, Payload: payload}
}

func TestAnnouncementsCreateOneSession(t *testing.T) {
	testlog.Start(t)
	e, rec := newEngine(t, quietConfig())

	var stream []byte
	for seq := uint8(0); seq < 3; seq++ {
		stream = append(stream, wireFor(t, heartbeatFrame(7, seq, dialect.AutopilotArdupilot))...)
	}
	stream = append(stream, wireFor(t, frame.Frame{SystemID: 7, ComponentID: 1, Kind: dialect.KindAttitude, Sequence: 3, Payload: make([]byte, 28)})...)
	e.HandleInput(0, stream)

	all := rec.all()
	if len(all) == 0 || all[0].Kind != events.KindNewSession || all[0].SystemID != 7 {
		t.Fatalf("NewSession must come first, got %v", all)
	}
	if n := len(rec.ofKind(events.KindNewSession)); n != 1 {
		t.Fatalf("NewSession count got=%d want=1", n)
	}
	if n := len(rec.ofKind(events.KindLossRatioChanged)); n != 0 {
		t.Fatalf("unexpected ratio events: %d", n)
	}
	if n := len(rec.ofKind(events.KindFrameDecoded)); n != 4 {
		t.Fatalf("FrameDecoded count got=%d want=4", n)
	}
	loss := e.Loss()
	if len(loss) != 1 || loss[0].Lost != 0 || loss[0].LastSequence != 3 {
		t.Fatalf("unexpected loss: %+v", loss)
	}
	sessions := e.Sessions()
	if len(sessions) != 1 || sessions[0].Variant != dialect.AutopilotArdupilot {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
}

func TestUnknownSourceIsDroppedWithoutAccounting(t *testing.T) {
	testlog.Start(t)
	e, rec := newEngine(t, quietConfig())
	e.HandleInput(0, wireFor(t, frame.Frame{SystemID: 3, Kind: dialect.KindAttitude, Payload: []byte{1}}))
	if len(rec.all()) != 0 {
		t.Fatalf("no events expected, got %v", rec.all())
	}
	if len(e.Loss()) != 0 {
		t.Fatalf("tracker must not see frames before a session exists")
	}
}

func TestUnknownVariantDoesNotCreateSession(t *testing.T) {
	testlog.Start(t)
	reg := prometheus.NewRegistry()
	m, err := observability.NewMetrics(reg)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	e, rec := newEngine(t, quietConfig(), WithMetrics(m))
	e.HandleInput(0, wireFor(t, heartbeatFrame(9, 0, dialect.Autopilot(99))))
	if len(rec.all()) != 0 || len(e.Sessions()) != 0 {
		t.Fatalf("factory failure must not publish or create a session")
	}
	if got := testutil.ToFloat64(m.FramesDropped.WithLabelValues(dropSessionError)); got != 1 {
		t.Fatalf("session_error drops got=%v want=1", got)
	}
}

func TestMalformedAnnouncementIsLogged(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	e, rec := newEngine(t, quietConfig())
	e.HandleInput(2, wireFor(t, frame.Frame{SystemID: 12, Kind: dialect.KindHeartbeat, Payload: []byte{1, 2}}))
	if len(rec.all()) != 0 || len(e.Sessions()) != 0 {
		t.Fatalf("malformed announcement must not create a session")
	}
	out := buf.String()
	if !strings.Contains(out, "engine.Engine.HandleInput session not created") {
		t.Fatalf("missing warning in log output: %s", out)
	}
	if !strings.Contains(out, `"level":"warn"`) || !strings.Contains(out, `"system_id":12`) || !strings.Contains(out, `"link_id":2`) {
		t.Fatalf("warning lacks fields: %s", out)
	}
}

func TestDialectVariantDrivesSessions(t *testing.T) {
	testlog.Start(t)
	d := dialect.Common()
	d.VariantOf = func(payload []byte) (dialect.Autopilot, error) {
		if len(payload) != 1 {
			return 0, errors.New("one byte announcement expected")
		}
		return dialect.Autopilot(payload[0]), nil
	}
	e, rec := newEngine(t, quietConfig(), WithDialect(d))
	e.HandleInput(0, wireFor(t, frame.Frame{SystemID: 21, Kind: dialect.KindHeartbeat, Payload: []byte{byte(dialect.AutopilotSlugs)}}))

	sessions := e.Sessions()
	if len(sessions) != 1 || sessions[0].Variant != dialect.AutopilotSlugs {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
	if got := len(rec.ofKind(events.KindNewSession)); got != 1 {
		t.Fatalf("new session events got=%d want=1", got)
	}
}

func TestRemoveSessionForgetsCounters(t *testing.T) {
	testlog.Start(t)
	reg := prometheus.NewRegistry()
	m, err := observability.NewMetrics(reg)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	e, rec := newEngine(t, quietConfig(), WithMetrics(m))
	e.HandleInput(0, wireFor(t, heartbeatFrame(7, 0, dialect.AutopilotPixhawk)))
	e.HandleInput(0, wireFor(t, frame.Frame{SystemID: 7, ComponentID: 1, Kind: dialect.KindAttitude, Sequence: 1, Payload: make([]byte, 28)}))
	if len(e.Loss()) != 1 {
		t.Fatalf("expected one tracked pair, got %+v", e.Loss())
	}

	if err := e.RemoveSession(7); err != nil {
		t.Fatalf("remove session: %v", err)
	}
	if len(e.Sessions()) != 0 || len(e.Loss()) != 0 {
		t.Fatalf("session and counters should be gone: sessions=%d loss=%+v", len(e.Sessions()), e.Loss())
	}
	if got := testutil.ToFloat64(m.Sessions); got != 0 {
		t.Fatalf("sessions gauge got=%v want=0", got)
	}
	if err := e.RemoveSession(7); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	decoded := len(rec.ofKind(events.KindFrameDecoded))
	e.HandleInput(0, wireFor(t, frame.Frame{SystemID: 7, ComponentID: 1, Kind: dialect.KindAttitude, Sequence: 2, Payload: make([]byte, 28)}))
	if got := len(rec.ofKind(events.KindFrameDecoded)); got != decoded {
		t.Fatalf("frames from a removed session must be dropped")
	}

	e.HandleInput(0, wireFor(t, heartbeatFrame(7, 3, dialect.AutopilotPixhawk)))
	if got := len(rec.ofKind(events.KindNewSession)); got != 2 {
		t.Fatalf("new session events got=%d want=2", got)
	}
	loss := e.Loss()
	if len(loss) != 1 || loss[0].Received != 1 || loss[0].Lost != 0 {
		t.Fatalf("counters should restart after removal: %+v", loss)
	}
}

func TestLossRatioOnGap(t *testing.T) {
	testlog.Start(t)
	e, rec := newEngine(t, quietConfig())
	e.HandleInput(0, wireFor(t, heartbeatFrame(2, 0, dialect.AutopilotPixhawk)))
	for _, seq := range []uint8{1, 2, 5} {
		e.HandleInput(0, wireFor(t, frame.Frame{SystemID: 2, ComponentID: 1, Kind: dialect.KindPing, Sequence: seq, Payload: []byte{seq}}))
	}
	ratios := rec.ofKind(events.KindLossRatioChanged)
	if len(ratios) != 1 || ratios[0].SystemID != 2 {
		t.Fatalf("unexpected ratio events: %+v", ratios)
	}
	want := 100.0 / 3
	if math.Abs(ratios[0].Ratio-want) > 1e-9 {
		t.Fatalf("ratio got=%v want=%v", ratios[0].Ratio, want)
	}

	// the ratio event precedes the frame event for the same frame
	all := rec.all()
	last := all[len(all)-1]
	prev := all[len(all)-2]
	if prev.Kind != events.KindLossRatioChanged || last.Kind != events.KindFrameDecoded || last.Frame.Sequence != 5 {
		t.Fatalf("unexpected tail ordering: %v then %v", prev.Kind, last.Kind)
	}
}

func TestRatioEventEvery128Frames(t *testing.T) {
	testlog.Start(t)
	e, rec := newEngine(t, quietConfig())
	e.HandleInput(0, wireFor(t, heartbeatFrame(5, 0, dialect.AutopilotGeneric)))
	for i := 1; i < 130; i++ {
		e.HandleInput(0, wireFor(t, frame.Frame{SystemID: 5, ComponentID: 1, Kind: dialect.KindPing, Sequence: uint8(i)}))
	}
	ratios := rec.ofKind(events.KindLossRatioChanged)
	if len(ratios) != 1 || ratios[0].Ratio != 0 {
		t.Fatalf("ratio events got=%+v want one at 0.0", ratios)
	}
	frames := rec.ofKind(events.KindFrameDecoded)
	if len(frames) != 130 {
		t.Fatalf("frames got=%d want=130", len(frames))
	}
	all := rec.all()
	for i, ev := range all {
		if ev.Kind == events.KindLossRatioChanged {
			if next := all[i+1]; next.Frame.Sequence != 127 {
				t.Fatalf("ratio event should precede frame 128 (seq 127), got seq %d", next.Frame.Sequence)
			}
		}
	}
}

func TestRatioWindowCoversAllSystems(t *testing.T) {
	testlog.Start(t)
	e, rec := newEngine(t, quietConfig())
	var stream []byte
	for i := 0; i < 64; i++ {
		for _, sys := range []uint8{10, 11} {
			if i == 0 {
				stream = append(stream, wireFor(t, heartbeatFrame(sys, 0, dialect.AutopilotGeneric))...)
				continue
			}
			stream = append(stream, wireFor(t, frame.Frame{SystemID: sys, ComponentID: 1, Kind: dialect.KindPing, Sequence: uint8(i)})...)
		}
	}
	e.HandleInput(0, stream)

	if n := len(rec.ofKind(events.KindFrameDecoded)); n != 128 {
		t.Fatalf("frames got=%d want=128", n)
	}
	ratios := rec.ofKind(events.KindLossRatioChanged)
	if len(ratios) != 1 || ratios[0].Ratio != 0 || ratios[0].SystemID != 11 {
		t.Fatalf("ratio events got=%+v want one at frame 128 from system 11", ratios)
	}
}

func TestLinksDecodeIndependently(t *testing.T) {
	testlog.Start(t)
	e, rec := newEngine(t, quietConfig())
	a := wireFor(t, heartbeatFrame(1, 0, dialect.AutopilotGeneric))
	b := wireFor(t, heartbeatFrame(2, 0, dialect.AutopilotGeneric))
	for i := range a {
		e.HandleInput(0, a[i:i+1])
		e.HandleInput(1, b[i:i+1])
	}
	if n := len(rec.ofKind(events.KindNewSession)); n != 2 {
		t.Fatalf("interleaved links should yield two sessions, got %d", n)
	}
	frames := rec.ofKind(events.KindFrameDecoded)
	if len(frames) != 2 || frames[0].LinkID != 0 || frames[1].LinkID != 1 {
		t.Fatalf("unexpected frames: %+v", frames)
	}

	e.HandleInput(0, a[:4])
	e.RemoveLink(0)
	if _, ok := e.DecoderStats(0); ok {
		t.Fatalf("decoder for removed link should be gone")
	}
	e.HandleInput(0, a)
	if n := len(rec.ofKind(events.KindFrameDecoded)); n != 3 {
		t.Fatalf("fresh decoder should decode a whole frame, frames=%d", n)
	}
}

func TestSendMessageStampsSequence(t *testing.T) {
	testlog.Start(t)
	tx := &captureTx{}
	cfg := quietConfig()
	cfg.SystemID = 250
	cfg.ComponentID = 190
	e, _ := newEngine(t, cfg, WithTransmitter(tx))

	for i := 0; i < 257; i++ {
		if err := e.SendMessage(dialect.KindPing, []byte{byte(i)}, 3); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	dec := frame.NewDecoder(dialect.Common())
	var got []frame.Frame
	for _, w := range tx.writes {
		got = append(got, dec.Decode(w)...)
	}
	if len(got) != 257 {
		t.Fatalf("decoded %d frames", len(got))
	}
	if got[0].SystemID != 250 || got[0].ComponentID != 190 || got[0].Sequence != 0 {
		t.Fatalf("unexpected first frame: %v", got[0])
	}
	if got[255].Sequence != 255 || got[256].Sequence != 0 {
		t.Fatalf("sequence should wrap, got %d then %d", got[255].Sequence, got[256].Sequence)
	}
	if len(tx.ids[0]) != 1 || tx.ids[0][0] != 3 {
		t.Fatalf("link ids not forwarded: %v", tx.ids[0])
	}
}

func TestSendErrors(t *testing.T) {
	testlog.Start(t)
	e, _ := newEngine(t, quietConfig())
	if err := e.Send(frame.Frame{}); !errors.Is(err, ErrNoTransmitter) {
		t.Fatalf("expected ErrNoTransmitter, got %v", err)
	}
	boom := errors.New("link down")
	e2, _ := newEngine(t, quietConfig(), WithTransmitter(&captureTx{err: boom}))
	if err := e2.SendHeartbeat(); !errors.Is(err, boom) {
		t.Fatalf("expected transmitter error, got %v", err)
	}
	if err := e2.Send(frame.Frame{Payload: make([]byte, 300)}); !errors.Is(err, frame.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestHeartbeatsFollowRateAndSwitch(t *testing.T) {
	testlog.Start(t)
	tx := &captureTx{}
	e, rec := newEngine(t, quietConfig(), WithTransmitter(tx))
	if err := e.SetHeartbeatRate(0); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate, got %v", err)
	}
	if err := e.SetHeartbeatRate(100); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	e.EnableHeartbeats(true)
	deadline := time.Now().Add(2 * time.Second)
	for tx.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if tx.count() < 3 {
		t.Fatalf("expected heartbeats, got %d", tx.count())
	}
	e.EnableHeartbeats(false)
	n := tx.count()
	time.Sleep(50 * time.Millisecond)
	if tx.count() != n {
		t.Fatalf("heartbeats continued after disable")
	}
	if on, rate := e.HeartbeatState(); on || rate != 100 {
		t.Fatalf("state got on=%v rate=%v", on, rate)
	}

	f := frame.NewDecoder(dialect.Common()).Decode(tx.writes[0])
	if len(f) != 1 || f[0].Kind != dialect.KindHeartbeat || f[0].SystemID != 255 {
		t.Fatalf("unexpected heartbeat frame: %v", f)
	}
	if n := len(rec.ofKind(events.KindHeartbeatChanged)); n != 3 {
		t.Fatalf("heartbeat events got=%d want=3", n)
	}
}

func TestHeartbeatRejectsUnusableRates(t *testing.T) {
	testlog.Start(t)
	e, _ := newEngine(t, quietConfig(), WithTransmitter(&captureTx{}))
	e.EnableHeartbeats(true)
	bad := []float64{0, -1, 2e9, MaxHeartbeatRate + 1, math.Inf(1), math.Inf(-1), math.NaN()}
	for _, hz := range bad {
		if err := e.SetHeartbeatRate(hz); !errors.Is(err, ErrInvalidRate) {
			t.Fatalf("rate %v: expected ErrInvalidRate, got %v", hz, err)
		}
		cfg := quietConfig()
		cfg.HeartbeatRate = hz
		if _, err := New(cfg); !errors.Is(err, ErrInvalidRate) {
			t.Fatalf("config rate %v: expected ErrInvalidRate, got %v", hz, err)
		}
	}
	if on, rate := e.HeartbeatState(); !on || rate != 1 {
		t.Fatalf("state changed by rejected rates: on=%v rate=%v", on, rate)
	}
	if err := e.SetHeartbeatRate(MaxHeartbeatRate); err != nil {
		t.Fatalf("max rate: %v", err)
	}
	e.EnableHeartbeats(false)
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestPacketLogRecordsDecodedFrames(t *testing.T) {
	testlog.Start(t)
	clock := time.UnixMicro(1_700_000_000_000_001)
	cfg := quietConfig()
	cfg.Log.Path = filepath.Join(t.TempDir(), "session.pktlog")
	e, rec := newEngine(t, cfg, WithClock(func() time.Time { return clock }))

	if err := e.EnableLogging(true); err != nil {
		t.Fatalf("enable logging: %v", err)
	}
	hb := heartbeatFrame(4, 0, dialect.AutopilotGeneric)
	e.HandleInput(0, wireFor(t, hb))
	e.HandleInput(0, wireFor(t, frame.Frame{SystemID: 6, Kind: dialect.KindPing}))
	if err := e.EnableLogging(false); err != nil {
		t.Fatalf("disable logging: %v", err)
	}
	if e.LoggingEnabled() {
		t.Fatalf("logging should be off")
	}
	if n := len(rec.ofKind(events.KindLoggingChanged)); n != 2 {
		t.Fatalf("logging events got=%d want=2", n)
	}

	r, err := packetlog.OpenFile(cfg.Log.Path, dialect.Common())
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer r.Close()
	var got []packetlog.Record
	for record, err := range r.All() {
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		got = append(got, record)
	}
	if len(got) != 2 {
		t.Fatalf("records got=%d want=2", len(got))
	}
	if !got[0].Frame.Equal(hb) || !got[0].At.Equal(clock) {
		t.Fatalf("unexpected first record: %+v", got[0])
	}
}

func TestPacketLogOpenFailureIsNotFatal(t *testing.T) {
	testlog.Start(t)
	reg := prometheus.NewRegistry()
	m, _ := observability.NewMetrics(reg)
	failing := withLogOpener(func(packetlog.Config) (*packetlog.Writer, error) {
		return nil, errors.New("read-only filesystem")
	})
	e, rec := newEngine(t, quietConfig(), WithMetrics(m), failing)
	if err := e.EnableLogging(true); !errors.Is(err, ErrLoggingFailure) {
		t.Fatalf("expected ErrLoggingFailure, got %v", err)
	}
	if e.LoggingEnabled() || len(rec.ofKind(events.KindLoggingChanged)) != 0 {
		t.Fatalf("failed open must leave logging off")
	}
	if got := testutil.ToFloat64(m.PacketLogFailures); got != 1 {
		t.Fatalf("failures got=%v want=1", got)
	}
	e.HandleInput(0, wireFor(t, heartbeatFrame(1, 0, dialect.AutopilotGeneric)))
	if len(rec.ofKind(events.KindFrameDecoded)) != 1 {
		t.Fatalf("decoding must continue without a log")
	}
}

func TestCloseStopsInput(t *testing.T) {
	testlog.Start(t)
	e, rec := newEngine(t, quietConfig())
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	e.HandleInput(0, wireFor(t, heartbeatFrame(1, 0, dialect.AutopilotGeneric)))
	if len(rec.all()) != 0 {
		t.Fatalf("closed engine must ignore input")
	}
	if err := e.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	testlog.Start(t)
	cfg := quietConfig()
	cfg.HeartbeatRate = 0
	if _, err := New(cfg); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate, got %v", err)
	}
	cfg = quietConfig()
	cfg.LoggingEnabled = true
	cfg.Log.Path = ""
	if _, err := New(cfg); !errors.Is(err, packetlog.ErrInvalidConfig) {
		t.Fatalf("expected packetlog.ErrInvalidConfig, got %v", err)
	}
}

func TestEngineOverLinkRegistry(t *testing.T) {
	testlog.Start(t)
	bus := events.NewBus()
	reg := link.NewRegistry(link.Config{PollInterval: 5 * time.Millisecond}, bus, nil)
	defer reg.Close()
	e, rec := newEngine(t, quietConfig(), WithTransmitter(reg), WithBus(bus))
	if err := reg.Bind(e); err != nil {
		t.Fatalf("bind: %v", err)
	}

	gcs, vehicle := link.NewMemPair("gcs", "vehicle", link.AutoReading)
	_ = vehicle.Connect()
	id, err := reg.Register(gcs)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Connect(id); err != nil {
		t.Fatalf("connect: %v", err)
	}

	wire := wireFor(t, heartbeatFrame(12, 0, dialect.AutopilotPixhawk))
	if _, err := vehicle.Write(wire); err != nil {
		t.Fatalf("vehicle write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(rec.ofKind(events.KindFrameDecoded)) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	frames := rec.ofKind(events.KindFrameDecoded)
	if len(frames) != 1 || frames[0].LinkID != id || frames[0].SystemID != 12 {
		t.Fatalf("unexpected frames: %+v", frames)
	}

	if err := e.SendHeartbeat(); err != nil {
		t.Fatalf("send heartbeat: %v", err)
	}
	buf := make([]byte, frame.MaxFrameLen)
	n, _ := vehicle.Read(buf)
	got := frame.NewDecoder(dialect.Common()).Decode(buf[:n])
	if len(got) != 1 || got[0].Kind != dialect.KindHeartbeat {
		t.Fatalf("vehicle did not receive a heartbeat: %v", got)
	}

	if _, err := reg.Remove(id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := e.DecoderStats(id); ok {
		t.Fatalf("removing the link should drop its decoder")
	}
}
