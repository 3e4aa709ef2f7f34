package link

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/gcslink/internal/events"
	"github.com/danmuck/gcslink/internal/observability"
)

// InputSink consumes inbound bytes. The protocol engine is the only
// implementation outside tests. HandleInput must not retain p.
type InputSink interface {
	HandleInput(linkID int, p []byte)
	RemoveLink(linkID int)
}

// Config tunes read loops.
type Config struct {
	PollInterval time.Duration
	CloseWait    time.Duration
	MaxLinks     int
}

func DefaultConfig() Config {
	return Config{
		PollInterval: DefaultPollInterval,
		CloseWait:    DefaultCloseWait,
		MaxLinks:     256,
	}
}

// Info describes one registered link.
type Info struct {
	ID        int    `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	Kind      string `json:"kind" yaml:"kind"`
	Mode      string `json:"mode" yaml:"mode"`
	Connected bool   `json:"connected" yaml:"connected"`
	Wanted    bool   `json:"wanted" yaml:"wanted"`
	Stats     Stats  `json:"stats" yaml:"stats"`
}

type entry struct {
	// mu serializes connect, disconnect and read-loop teardown.
	mu     sync.Mutex
	link   Link
	reader *reader
	// wanted is set by Connect and cleared by Disconnect; a link that is
	// wanted but not connected failed and is eligible for supervision.
	wanted bool
}

// Registry owns registered links, assigns their ids and moves bytes
// between them and the bound engine. It is safe for concurrent use.
type Registry struct {
	cfg     Config
	bus     *events.Bus
	metrics *observability.Metrics

	mu    sync.RWMutex
	links map[int]*entry
	sink  InputSink
}

func NewRegistry(cfg Config, bus *events.Bus, metrics *observability.Metrics) *Registry {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.CloseWait <= 0 {
		cfg.CloseWait = def.CloseWait
	}
	if cfg.MaxLinks <= 0 {
		cfg.MaxLinks = def.MaxLinks
	}
	return &Registry{
		cfg:     cfg,
		bus:     bus,
		metrics: metrics,
		links:   make(map[int]*entry),
	}
}

// Bind attaches the engine that receives inbound bytes. Exactly one engine
// may be bound.
func (r *Registry) Bind(sink InputSink) error {
	if sink == nil {
		return ErrNotBound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sink != nil {
		return ErrAlreadyBound
	}
	r.sink = sink
	return nil
}

// Register adds l under the lowest free id. A link that is already
// connected starts reading immediately.
func (r *Registry) Register(l Link) (int, error) {
	if l == nil {
		return -1, ErrLinkNil
	}
	r.mu.Lock()
	id := -1
	for i := 0; i < r.cfg.MaxLinks; i++ {
		if _, used := r.links[i]; !used {
			id = i
			break
		}
	}
	if id < 0 {
		r.mu.Unlock()
		return -1, ErrRegistryFull
	}
	e := &entry{link: l}
	r.links[id] = e
	r.mu.Unlock()

	log.Info().
		Int("link_id", id).
		Str("name", l.Name()).
		Stringer("kind", l.Kind()).
		Msg("link.Registry.Register added")
	r.publish(events.Event{Kind: events.KindLinkAdded, LinkID: id})

	if l.IsConnected() {
		e.mu.Lock()
		e.wanted = true
		r.startReaderLocked(id, e)
		e.mu.Unlock()
		r.updateConnected()
	}
	return id, nil
}

// Remove unregisters the link and stops its read loop. The link is handed
// back to the caller, who is responsible for disconnecting it.
func (r *Registry) Remove(id int) (Link, error) {
	r.mu.Lock()
	e, ok := r.links[id]
	if ok {
		delete(r.links, id)
	}
	sink := r.sink
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: id=%d", ErrLinkNotFound, id)
	}

	e.mu.Lock()
	r.stopReaderLocked(id, e)
	e.wanted = false
	e.mu.Unlock()

	if sink != nil {
		sink.RemoveLink(id)
	}
	log.Info().Int("link_id", id).Str("name", e.link.Name()).Msg("link.Registry.Remove removed")
	r.publish(events.Event{Kind: events.KindLinkRemoved, LinkID: id})
	r.updateConnected()
	return e.link, nil
}

func (r *Registry) Get(id int) (Link, bool) {
	e, ok := r.entry(id)
	if !ok {
		return nil, false
	}
	return e.link, true
}

// IDs returns registered ids in ascending order.
func (r *Registry) IDs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int, 0, len(r.links))
	for id := range r.links {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// ForEach calls fn for every link in id order. fn runs without registry
// locks held.
func (r *Registry) ForEach(fn func(id int, l Link)) {
	for _, id := range r.IDs() {
		if l, ok := r.Get(id); ok {
			fn(id, l)
		}
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.links)
}

// Route hands bytes received on link id to the bound engine.
func (r *Registry) Route(id int, p []byte) error {
	r.mu.RLock()
	_, ok := r.links[id]
	sink := r.sink
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: id=%d", ErrLinkNotFound, id)
	}
	if sink == nil {
		return ErrNotBound
	}
	r.metrics.RecordLinkBytes(id, "rx", len(p))
	sink.HandleInput(id, p)
	return nil
}

// Write sends p on each listed link, or on every connected link when ids
// is empty. Failures are joined; the remaining links are still written.
func (r *Registry) Write(ids []int, p []byte) error {
	broadcast := len(ids) == 0
	if broadcast {
		ids = r.IDs()
	}
	var errs []error
	for _, id := range ids {
		e, ok := r.entry(id)
		if !ok {
			errs = append(errs, fmt.Errorf("%w: id=%d", ErrLinkNotFound, id))
			continue
		}
		if !e.link.IsConnected() {
			if !broadcast {
				errs = append(errs, fmt.Errorf("%w: id=%d", ErrNotConnected, id))
			}
			continue
		}
		n, err := e.link.Write(p)
		r.metrics.RecordLinkBytes(id, "tx", n)
		if err != nil {
			r.metrics.RecordSendFailure(id)
			errs = append(errs, fmt.Errorf("link %d write: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Connect opens the link and starts its read loop.
func (r *Registry) Connect(id int) error {
	e, ok := r.entry(id)
	if !ok {
		return fmt.Errorf("%w: id=%d", ErrLinkNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.wanted = true
	if e.reader != nil && e.link.IsConnected() {
		return nil
	}
	if !e.link.IsConnected() {
		if err := e.link.Connect(); err != nil {
			log.Warn().
				Int("link_id", id).
				Str("name", e.link.Name()).
				Err(err).
				Msg("link.Registry.Connect failed")
			return fmt.Errorf("link %d connect: %w", id, err)
		}
	}
	r.startReaderLocked(id, e)
	log.Info().Int("link_id", id).Str("name", e.link.Name()).Msg("link.Registry.Connect connected")
	r.publish(events.Event{Kind: events.KindLinkStateChanged, LinkID: id, Enabled: true})
	r.updateConnected()
	return nil
}

// Disconnect stops the read loop, waiting at most the close wait, and
// releases the link regardless.
func (r *Registry) Disconnect(id int) error {
	e, ok := r.entry(id)
	if !ok {
		return fmt.Errorf("%w: id=%d", ErrLinkNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.wanted = false
	r.stopReaderLocked(id, e)
	wasConnected := e.link.IsConnected()
	err := e.link.Disconnect()
	if wasConnected {
		log.Info().Int("link_id", id).Str("name", e.link.Name()).Msg("link.Registry.Disconnect disconnected")
		r.publish(events.Event{Kind: events.KindLinkStateChanged, LinkID: id, Enabled: false})
	}
	r.updateConnected()
	if err != nil {
		return fmt.Errorf("link %d disconnect: %w", id, err)
	}
	return nil
}

func (r *Registry) ConnectAll() error {
	var errs []error
	for _, id := range r.IDs() {
		if err := r.Connect(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) DisconnectAll() error {
	var errs []error
	for _, id := range r.IDs() {
		if err := r.Disconnect(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pending lists links that were asked to connect but are not connected.
func (r *Registry) Pending() []int {
	var out []int
	for _, id := range r.IDs() {
		e, ok := r.entry(id)
		if !ok {
			continue
		}
		e.mu.Lock()
		if e.wanted && !e.link.IsConnected() {
			out = append(out, id)
		}
		e.mu.Unlock()
	}
	return out
}

func (r *Registry) Info(id int) (Info, error) {
	e, ok := r.entry(id)
	if !ok {
		return Info{}, fmt.Errorf("%w: id=%d", ErrLinkNotFound, id)
	}
	e.mu.Lock()
	wanted := e.wanted
	e.mu.Unlock()
	l := e.link
	return Info{
		ID:        id,
		Name:      l.Name(),
		Kind:      l.Kind().String(),
		Mode:      l.Mode().String(),
		Connected: l.IsConnected(),
		Wanted:    wanted,
		Stats:     l.Stats(),
	}, nil
}

func (r *Registry) List() []Info {
	ids := r.IDs()
	out := make([]Info, 0, len(ids))
	for _, id := range ids {
		if info, err := r.Info(id); err == nil {
			out = append(out, info)
		}
	}
	return out
}

// Close disconnects every link. Links stay registered.
func (r *Registry) Close() error {
	return r.DisconnectAll()
}

func (r *Registry) entry(id int) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.links[id]
	return e, ok
}

func (r *Registry) startReaderLocked(id int, e *entry) {
	if e.reader != nil {
		return
	}
	e.reader = startReader(id, e.link, r.cfg.PollInterval, r.deliver, func(rd *reader) {
		r.readerFailed(id, e, rd)
	})
}

func (r *Registry) stopReaderLocked(id int, e *entry) {
	if e.reader == nil {
		return
	}
	if !e.reader.halt(r.cfg.CloseWait) {
		log.Warn().
			Int("link_id", id).
			Dur("wait", r.cfg.CloseWait).
			Msg("link.Registry read loop did not stop in time")
	}
	e.reader = nil
}

func (r *Registry) readerFailed(id int, e *entry, rd *reader) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reader != rd {
		return
	}
	e.reader = nil
	log.Warn().
		Int("link_id", id).
		Str("name", e.link.Name()).
		Err(rd.err).
		Msg("link.Registry read failed")
	if err := e.link.Disconnect(); err != nil {
		log.Debug().Int("link_id", id).Err(err).Msg("link.Registry disconnect after read failure")
	}
	r.publish(events.Event{Kind: events.KindLinkStateChanged, LinkID: id, Enabled: false})
	r.updateConnected()
}

func (r *Registry) deliver(id int, p []byte) {
	if err := r.Route(id, p); err != nil {
		log.Debug().Int("link_id", id).Err(err).Msg("link.Registry.deliver dropped")
	}
}

func (r *Registry) updateConnected() {
	if r.metrics == nil {
		return
	}
	n := 0
	r.ForEach(func(_ int, l Link) {
		if l.IsConnected() {
			n++
		}
	})
	r.metrics.SetLinksConnected(n)
}

func (r *Registry) publish(ev events.Event) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(ev)
}
