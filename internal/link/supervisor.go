package link

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// BackoffConfig defines how reconnect delays grow.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Delay returns the wait before reconnect attempt N (1-based).
func (c BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 || c.InitialDelay <= 0 {
		return max(c.InitialDelay, 0)
	}
	mult := math.Max(c.Multiplier, 1.0)
	delay := float64(c.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if c.MaxDelay > 0 {
		delay = math.Min(delay, float64(c.MaxDelay))
	}
	if c.Jitter {
		f := 0.5
		if rng != nil {
			f += rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}

// SupervisorConfig tunes reconnect supervision.
type SupervisorConfig struct {
	CheckInterval time.Duration
	Backoff       BackoffConfig
	// MaxAttempts stops retrying a link after this many consecutive
	// failures. Zero retries forever.
	MaxAttempts int
}

func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		CheckInterval: 500 * time.Millisecond,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

type retryState struct {
	attempts int
	nextAt   time.Time
}

// Supervisor reconnects links that were asked to connect but are down,
// either because Connect failed or because their read loop failed.
// Links disconnected on purpose are left alone.
type Supervisor struct {
	reg   *Registry
	cfg   SupervisorConfig
	rng   *rand.Rand
	now   func() time.Time
	state map[int]*retryState
}

func NewSupervisor(reg *Registry, cfg SupervisorConfig) *Supervisor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultSupervisorConfig().CheckInterval
	}
	return &Supervisor{
		reg:   reg,
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		now:   time.Now,
		state: make(map[int]*retryState),
	}
}

// Run checks pending links every CheckInterval until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Check()
		}
	}
}

// Check runs one supervision pass. It returns the ids it tried to connect.
func (s *Supervisor) Check() []int {
	pending := s.reg.Pending()
	live := make(map[int]bool, len(pending))
	var tried []int
	now := s.now()
	for _, id := range pending {
		live[id] = true
		st, ok := s.state[id]
		if !ok {
			st = &retryState{}
			s.state[id] = st
		}
		if s.cfg.MaxAttempts > 0 && st.attempts >= s.cfg.MaxAttempts {
			continue
		}
		if now.Before(st.nextAt) {
			continue
		}
		tried = append(tried, id)
		if err := s.reg.Connect(id); err != nil {
			st.attempts++
			delay := s.cfg.Backoff.Delay(st.attempts, s.rng)
			st.nextAt = now.Add(delay)
			log.Warn().
				Int("link_id", id).
				Int("attempt", st.attempts).
				Dur("retry_in", delay).
				Err(err).
				Msg("link.Supervisor reconnect failed")
			continue
		}
		log.Info().Int("link_id", id).Int("attempts", st.attempts+1).Msg("link.Supervisor reconnected")
		delete(s.state, id)
	}
	for id := range s.state {
		if !live[id] {
			delete(s.state, id)
		}
	}
	return tried
}
