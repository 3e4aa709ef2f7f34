package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/gcslink/internal/protocol/dialect"
	"github.com/danmuck/gcslink/internal/protocol/frame"
)

var (
	ErrUnknownVariant = errors.New("session: unknown variant")
	ErrBuilderExists  = errors.New("session: builder already registered")
	ErrBuilderNil     = errors.New("session: builder is nil")
)

// Handle is the collaborator a factory builds for a session. It receives
// every frame the engine publishes for its system.
type Handle interface {
	HandleFrame(f frame.Frame, at time.Time)
}

// Builder constructs the handle for one announced system. announcement is
// the raw payload that introduced it.
type Builder func(systemID uint8, variant dialect.Autopilot, announcement []byte) (Handle, error)

// Factory stores builders by variant code.
type Factory struct {
	mu       sync.RWMutex
	builders map[dialect.Autopilot]Builder
}

func NewFactory() *Factory {
	return &Factory{builders: make(map[dialect.Autopilot]Builder)}
}

// DefaultFactory builds a Vehicle for every known autopilot code.
func DefaultFactory() *Factory {
	f := NewFactory()
	for _, a := range []dialect.Autopilot{
		dialect.AutopilotGeneric,
		dialect.AutopilotPixhawk,
		dialect.AutopilotSlugs,
		dialect.AutopilotArdupilot,
	} {
		_ = f.Register(a, buildVehicle)
	}
	return f
}

// Register adds a builder for variant.
func (f *Factory) Register(variant dialect.Autopilot, b Builder) error {
	if b == nil {
		return ErrBuilderNil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.builders[variant]; ok {
		return fmt.Errorf("%w: %s", ErrBuilderExists, variant)
	}
	f.builders[variant] = b
	return nil
}

// Build runs the builder registered for variant.
func (f *Factory) Build(systemID uint8, variant dialect.Autopilot, announcement []byte) (Handle, error) {
	f.mu.RLock()
	b, ok := f.builders[variant]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVariant, variant)
	}
	return b(systemID, variant, announcement)
}

// Variants lists registered variant codes in ascending order.
func (f *Factory) Variants() []dialect.Autopilot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]dialect.Autopilot, 0, len(f.builders))
	for v := range f.builders {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// buildVehicle seeds the vehicle from the announcement when it decodes as
// a heartbeat and falls back to the variant alone otherwise.
func buildVehicle(systemID uint8, variant dialect.Autopilot, announcement []byte) (Handle, error) {
	var hb dialect.Heartbeat
	if err := hb.UnmarshalBinary(announcement); err != nil {
		hb = dialect.Heartbeat{}
	}
	hb.Autopilot = variant
	return NewVehicle(systemID, hb), nil
}
