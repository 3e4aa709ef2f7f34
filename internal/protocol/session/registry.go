package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/gcslink/internal/protocol/dialect"
)

var (
	ErrBadAnnouncement = errors.New("session: malformed announcement")
	ErrBuildFailed     = errors.New("session: build failed")
	ErrNotFound        = errors.New("session: not found")
)

// Session binds one remote system id to the collaborator built for it.
type Session struct {
	ID        uuid.UUID
	SystemID  uint8
	Variant   dialect.Autopilot
	Handle    Handle
	CreatedAt time.Time
}

// VariantFunc extracts the variant code from an announcement payload.
type VariantFunc func(payload []byte) (dialect.Autopilot, error)

// Registry maps system ids to sessions. At most one session exists per
// system id.
type Registry struct {
	mu      sync.RWMutex
	items   map[uint8]*Session
	factory *Factory
	variant VariantFunc
	localID uint8
	now     func() time.Time
}

// NewRegistry creates an empty registry. A nil factory uses DefaultFactory
// and a nil variant uses the common dialect's extractor.
func NewRegistry(localID uint8, factory *Factory, variant VariantFunc) *Registry {
	if factory == nil {
		factory = DefaultFactory()
	}
	if variant == nil {
		variant = dialect.Common().Variant
	}
	return &Registry{
		items:   make(map[uint8]*Session),
		factory: factory,
		variant: variant,
		localID: localID,
		now:     time.Now,
	}
}

// Ensure returns the session for systemID, building one from the
// announcement payload when none exists. created reports whether this call
// built it.
func (r *Registry) Ensure(systemID uint8, payload []byte) (*Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.items[systemID]; ok {
		return s, false, nil
	}

	variant, err := r.variant(payload)
	if err != nil {
		return nil, false, fmt.Errorf("%w: system_id=%d: %v", ErrBadAnnouncement, systemID, err)
	}
	if systemID == r.localID {
		log.Warn().
			Uint8("system_id", systemID).
			Msg("session.Registry.Ensure remote system uses the local system id")
	}

	handle, err := r.factory.Build(systemID, variant, payload)
	if err != nil {
		log.Warn().
			Uint8("system_id", systemID).
			Stringer("variant", variant).
			Err(err).
			Msg("session.Registry.Ensure build failed")
		if errors.Is(err, ErrUnknownVariant) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("%w: system_id=%d: %v", ErrBuildFailed, systemID, err)
	}
	if handle == nil {
		return nil, false, fmt.Errorf("%w: system_id=%d: nil handle", ErrBuildFailed, systemID)
	}

	s := &Session{
		ID:        uuid.New(),
		SystemID:  systemID,
		Variant:   variant,
		Handle:    handle,
		CreatedAt: r.now(),
	}
	r.items[systemID] = s
	log.Info().
		Uint8("system_id", systemID).
		Stringer("variant", variant).
		Str("session_id", s.ID.String()).
		Msg("session.Registry.Ensure created")
	return s, true, nil
}

func (r *Registry) Get(systemID uint8) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.items[systemID]
	return s, ok
}

// Remove drops the session for systemID.
func (r *Registry) Remove(systemID uint8) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.items[systemID]
	if !ok {
		return nil, fmt.Errorf("%w: system_id=%d", ErrNotFound, systemID)
	}
	delete(r.items, systemID)
	return s, nil
}

// List returns sessions ordered by system id.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.items))
	for _, s := range r.items {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SystemID < out[j].SystemID
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
