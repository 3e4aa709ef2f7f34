package link

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/gcslink/internal/protocol/dialect"
	"github.com/danmuck/gcslink/internal/protocol/frame"
	"github.com/danmuck/gcslink/internal/protocol/packetlog"
	"github.com/danmuck/gcslink/internal/testutil/testlog"
)

func readAtLeast(t *testing.T, l Link, n int) []byte {
	t.Helper()
	var got []byte
	buf := make([]byte, 512)
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < n && time.Now().Before(deadline) {
		k, err := l.Read(buf)
		if err != nil {
			t.Fatalf("%s read: %v", l.Name(), err)
		}
		got = append(got, buf[:k]...)
	}
	if len(got) < n {
		t.Fatalf("%s read %d bytes, want %d", l.Name(), len(got), n)
	}
	return got
}

func TestUDPLearnsPeerAndReplies(t *testing.T) {
	testlog.Start(t)
	gcs, err := NewUDP(UDPConfig{Name: "gcs", LocalAddr: "127.0.0.1:0", PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new udp: %v", err)
	}
	if err := gcs.Connect(); err != nil {
		t.Fatalf("connect gcs: %v", err)
	}
	defer gcs.Disconnect()

	vehicle, err := NewUDP(UDPConfig{
		Name:         "vehicle",
		LocalAddr:    "127.0.0.1:0",
		Remotes:      []string{gcs.LocalAddr().String()},
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new udp: %v", err)
	}
	if err := vehicle.Connect(); err != nil {
		t.Fatalf("connect vehicle: %v", err)
	}
	defer vehicle.Disconnect()

	if n, err := vehicle.Write([]byte("ping")); err != nil || n != 4 {
		t.Fatalf("vehicle write n=%d err=%v", n, err)
	}
	if got := readAtLeast(t, gcs, 4); string(got) != "ping" {
		t.Fatalf("gcs got %q", got)
	}
	if peers := gcs.Peers(); len(peers) != 1 || peers[0] != vehicle.LocalAddr().String() {
		t.Fatalf("gcs peers=%v", peers)
	}
	if _, err := gcs.Write([]byte("pong")); err != nil {
		t.Fatalf("gcs write: %v", err)
	}
	if got := readAtLeast(t, vehicle, 4); string(got) != "pong" {
		t.Fatalf("vehicle got %q", got)
	}
	st := gcs.Stats()
	if st.NominalRate != UDPNominalRate || !st.FullDuplex || st.Quality != -1 || st.BytesReceived != 4 || st.BytesSent != 4 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestUDPReadTimesOutQuietly(t *testing.T) {
	testlog.Start(t)
	u, _ := NewUDP(UDPConfig{LocalAddr: "127.0.0.1:0", PollInterval: 5 * time.Millisecond})
	if _, err := u.Read(make([]byte, 8)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := u.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer u.Disconnect()
	n, err := u.Read(make([]byte, 8))
	if n != 0 || err != nil {
		t.Fatalf("idle read n=%d err=%v", n, err)
	}
	if u.Name() != "udp" {
		t.Fatalf("default name got=%q", u.Name())
	}
}

func writeLog(t *testing.T, frames []frame.Frame, step time.Duration) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replay.pktlog")
	cfg := packetlog.DefaultConfig()
	cfg.Path = path
	w, err := packetlog.Open(cfg)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	at := time.UnixMicro(1_700_000_000_000_000)
	for _, f := range frames {
		if err := w.WriteFrame(at, f, dialect.Common()); err != nil {
			t.Fatalf("write: %v", err)
		}
		at = at.Add(step)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close log: %v", err)
	}
	return path
}

func TestReplayEmitsLoggedWireBytes(t *testing.T) {
	testlog.Start(t)
	d := dialect.Common()
	frames := []frame.Frame{
		{SystemID: 1, ComponentID: 1, Kind: dialect.KindHeartbeat, Payload: d.Announcement()},
		{SystemID: 1, ComponentID: 1, Kind: dialect.KindAttitude, Sequence: 1, Payload: make([]byte, 28)},
	}
	path := writeLog(t, frames, time.Hour)

	r, err := NewReplay(ReplayConfig{Path: path, Seeds: d, PollInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("new replay: %v", err)
	}
	if err := r.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer r.Disconnect()

	var want []byte
	for _, f := range frames {
		wire, _ := frame.Encode(f, d)
		want = append(want, wire...)
	}
	got := readAtLeast(t, r, len(want))
	decoded := frame.NewDecoder(d).Decode(got)
	if len(decoded) != 2 || !decoded[1].Equal(frames[1]) {
		t.Fatalf("replayed frames: %v", decoded)
	}
	waitUntil(t, "replay end", func() bool {
		_, _ = r.Read(make([]byte, 16))
		return r.Done()
	})
	if r.Records() != 2 {
		t.Fatalf("records got=%d want=2", r.Records())
	}
}

func TestReplayHonorsPacing(t *testing.T) {
	testlog.Start(t)
	d := dialect.Common()
	path := writeLog(t, []frame.Frame{
		{SystemID: 1, Kind: dialect.KindPing, Payload: []byte{1}},
		{SystemID: 1, Kind: dialect.KindPing, Payload: []byte{2}},
	}, time.Second)

	r, _ := NewReplay(ReplayConfig{Path: path, Seeds: d, Speed: 1})
	var slept time.Duration
	r.sleep = func(d time.Duration) { slept += d }
	clock := time.Unix(100, 0)
	r.now = func() time.Time { return clock }
	if err := r.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer r.Disconnect()

	buf := make([]byte, 64)
	if n, _ := r.Read(buf); n == 0 {
		t.Fatalf("first record should be due immediately")
	}
	if n, _ := r.Read(buf); n != 0 || slept == 0 {
		t.Fatalf("second record should wait, n=%d slept=%v", n, slept)
	}
	clock = clock.Add(time.Second)
	if n, _ := r.Read(buf); n == 0 {
		t.Fatalf("second record should be due after one second")
	}
}

func TestReplayLoops(t *testing.T) {
	testlog.Start(t)
	d := dialect.Common()
	path := writeLog(t, []frame.Frame{{SystemID: 1, Kind: dialect.KindPing, Payload: []byte{1}}}, 0)
	r, _ := NewReplay(ReplayConfig{Path: path, Seeds: d, Loop: true})
	if err := r.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer r.Disconnect()
	buf := make([]byte, 64)
	for i := 0; i < 10 && r.Records() < 3; i++ {
		_, _ = r.Read(buf)
	}
	if r.Records() < 3 || r.Done() {
		t.Fatalf("looping replay records=%d done=%v", r.Records(), r.Done())
	}
}

func TestSerialConfigValidation(t *testing.T) {
	testlog.Start(t)
	if _, err := NewSerial(SerialConfig{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for missing port, got %v", err)
	}
	if _, err := NewSerial(SerialConfig{Port: "/dev/null", Parity: "sideways"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for parity, got %v", err)
	}
	s, err := NewSerial(SerialConfig{Port: "/dev/gcslink-does-not-exist", Baud: 115200})
	if err != nil {
		t.Fatalf("new serial: %v", err)
	}
	if s.Name() != "/dev/gcslink-does-not-exist" || s.Kind() != KindSerial {
		t.Fatalf("unexpected identity %q %s", s.Name(), s.Kind())
	}
	if err := s.Connect(); err == nil {
		t.Fatalf("expected open failure for missing device")
	}
	if s.IsConnected() {
		t.Fatalf("failed open must leave link disconnected")
	}
	if st := s.Stats(); st.NominalRate != 115200 {
		t.Fatalf("nominal rate got=%d want=115200", st.NominalRate)
	}
}

func TestParseKind(t *testing.T) {
	testlog.Start(t)
	for _, k := range []Kind{KindUDP, KindSerial, KindReplay, KindMem} {
		got, err := ParseKind(k.String())
		if err != nil || got != k {
			t.Fatalf("parse %s got=%s err=%v", k, got, err)
		}
	}
	if _, err := ParseKind("tcp"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}
