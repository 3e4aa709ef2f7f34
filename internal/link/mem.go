package link

import (
	"sync"
	"time"
)

// Mem is one end of an in-process link pair. Bytes written to one end are
// readable on the other.
type Mem struct {
	base
	mode ReadingMode
	peer *Mem

	mu    sync.Mutex
	buf   []byte
	ready chan struct{}
}

// NewMemPair returns two connected-on-demand ends wired to each other.
func NewMemPair(nameA, nameB string, mode ReadingMode) (*Mem, *Mem) {
	a := newMem(nameA, mode)
	b := newMem(nameB, mode)
	a.peer, b.peer = b, a
	return a, b
}

func newMem(name string, mode ReadingMode) *Mem {
	m := &Mem{mode: mode, ready: make(chan struct{}, 1)}
	m.init(name, KindMem, DefaultPollInterval)
	return m
}

func (m *Mem) Mode() ReadingMode { return m.mode }

func (m *Mem) Connect() error {
	if !m.IsConnected() {
		m.markConnected()
	}
	return nil
}

func (m *Mem) Disconnect() error {
	m.markDisconnected()
	m.mu.Lock()
	m.buf = nil
	m.mu.Unlock()
	return nil
}

func (m *Mem) Write(p []byte) (int, error) {
	if !m.IsConnected() {
		return 0, ErrNotConnected
	}
	m.peer.push(p)
	m.countSent(len(p))
	return len(p), nil
}

// Inject queues p as if the peer had written it.
func (m *Mem) Inject(p []byte) {
	m.push(p)
}

func (m *Mem) push(p []byte) {
	m.mu.Lock()
	m.buf = append(m.buf, p...)
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *Mem) Read(p []byte) (int, error) {
	if !m.IsConnected() {
		return 0, ErrNotConnected
	}
	if n := m.take(p); n > 0 || m.mode == ManualReading {
		return n, nil
	}
	timer := time.NewTimer(m.pollInterval())
	defer timer.Stop()
	select {
	case <-m.ready:
	case <-timer.C:
	}
	return m.take(p), nil
}

func (m *Mem) take(p []byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := copy(p, m.buf)
	m.buf = m.buf[n:]
	if len(m.buf) == 0 {
		m.buf = nil
	}
	m.countReceived(n)
	return n
}

func (m *Mem) Ready() <-chan struct{} { return m.ready }

func (m *Mem) BytesAvailable() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buf)
}

func (m *Mem) Stats() Stats {
	return m.stats(0, true, -1)
}
