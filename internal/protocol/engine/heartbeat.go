package engine

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/gcslink/internal/events"
)

type heartbeat struct {
	mu      sync.Mutex
	rate    float64
	enabled bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// MaxHeartbeatRate bounds the announcement rate in Hz.
const MaxHeartbeatRate = 1000

func validRate(hz float64) bool {
	return !math.IsNaN(hz) && hz > 0 && hz <= MaxHeartbeatRate
}

func interval(hz float64) time.Duration {
	return time.Duration(float64(time.Second) / hz)
}

// startLocked launches the ticker loop. Caller holds mu.
func (h *heartbeat) startLocked(send func()) {
	stop := make(chan struct{})
	done := make(chan struct{})
	h.stopCh, h.doneCh = stop, done
	ticker := time.NewTicker(interval(h.rate))
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				send()
			}
		}
	}()
}

// stopLocked halts the loop and waits for it. Caller holds mu.
func (h *heartbeat) stopLocked() {
	if h.stopCh == nil {
		return
	}
	close(h.stopCh)
	<-h.doneCh
	h.stopCh, h.doneCh = nil, nil
}

func (h *heartbeat) setEnabled(on bool, send func()) (bool, float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.enabled == on {
		return false, h.rate
	}
	h.enabled = on
	if on {
		h.startLocked(send)
	} else {
		h.stopLocked()
	}
	return true, h.rate
}

// setRate stores hz and re-arms a running ticker. It reports whether
// heartbeats are enabled.
func (h *heartbeat) setRate(hz float64, send func()) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rate = hz
	if h.enabled {
		h.stopLocked()
		h.startLocked(send)
	}
	return h.enabled
}

func (h *heartbeat) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
	h.enabled = false
}

// EnableHeartbeats starts or stops periodic announcements. Disabling stops
// emission only.
func (e *Engine) EnableHeartbeats(on bool) {
	changed, rate := e.hb.setEnabled(on, e.emitHeartbeat)
	if !changed {
		return
	}
	log.Info().Bool("enabled", on).Float64("rate_hz", rate).Msg("engine.Engine.EnableHeartbeats")
	e.bus.Publish(events.Event{Kind: events.KindHeartbeatChanged, Enabled: on, Rate: rate})
}

// SetHeartbeatRate changes the emission rate in Hz and re-arms a running
// ticker.
func (e *Engine) SetHeartbeatRate(hz float64) error {
	if !validRate(hz) {
		return fmt.Errorf("%w: %v Hz", ErrInvalidRate, hz)
	}
	enabled := e.hb.setRate(hz, e.emitHeartbeat)

	log.Info().Float64("rate_hz", hz).Msg("engine.Engine.SetHeartbeatRate")
	e.bus.Publish(events.Event{Kind: events.KindHeartbeatChanged, Enabled: enabled, Rate: hz})
	return nil
}

// HeartbeatState reports whether heartbeats are on and at what rate.
func (e *Engine) HeartbeatState() (bool, float64) {
	e.hb.mu.Lock()
	defer e.hb.mu.Unlock()
	return e.hb.enabled, e.hb.rate
}

func (e *Engine) emitHeartbeat() {
	if err := e.SendHeartbeat(); err != nil {
		log.Debug().Err(err).Msg("engine.Engine heartbeat not sent")
	}
}
