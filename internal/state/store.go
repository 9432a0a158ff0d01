package state

import (
	"fmt"
	"maps"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/core"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/metrics"
)

// SetOption configures a Set or Remove call.
type SetOption func(*setOptions)

type setOptions struct {
	force   bool
	context core.Context
}

// ForceUpdate writes and fires state_changed even when nothing changed.
func ForceUpdate() SetOption {
	return func(o *setOptions) { o.force = true }
}

// WithContext attributes the write to c instead of a fresh system Context.
func WithContext(c core.Context) SetOption {
	return func(o *setOptions) { o.context = c }
}

// Store holds the current State of every entity.
//
// All methods are safe for concurrent use. Returned States are copies.
type Store struct {
	bus     *core.Bus
	clock   core.Clock
	logger  core.Logger
	metrics *metrics.Metrics

	writeMu sync.Mutex
	states  atomic.Pointer[map[string]*State]
}

// NewStore creates an empty store that announces changes on bus.
func NewStore(bus *core.Bus) *Store {
	s := &Store{
		bus:    bus,
		clock:  core.SystemClock{},
		logger: core.NopLogger(),
	}
	empty := make(map[string]*State)
	s.states.Store(&empty)
	return s
}

// SetLogger sets the logger.
func (s *Store) SetLogger(logger core.Logger) {
	s.logger = logger
}

// SetMetrics enables write counters and the entity gauge.
func (s *Store) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// SetClock replaces the clock used for timestamps.
func (s *Store) SetClock(c core.Clock) {
	s.clock = c
}

func (s *Store) snapshot() map[string]*State {
	return *s.states.Load()
}

// Get returns the state of entityID, or nil if it is unknown.
func (s *Store) Get(entityID string) *State {
	return s.snapshot()[strings.ToLower(entityID)].Copy()
}

// Count returns the number of entities.
func (s *Store) Count() int {
	return len(s.snapshot())
}

// EntityIDs returns the sorted entity ids, optionally limited to one domain.
func (s *Store) EntityIDs(domain string) []string {
	snap := s.snapshot()
	ids := make([]string, 0, len(snap))
	for id, st := range snap {
		if domain == "" || st.Domain() == domain {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// All returns every state sorted by entity id. When domains are given,
// only entities in those domains are returned.
func (s *Store) All(domains ...string) []*State {
	snap := s.snapshot()

	var filter map[string]bool
	if len(domains) > 0 {
		filter = make(map[string]bool, len(domains))
		for _, d := range domains {
			filter[strings.ToLower(d)] = true
		}
	}

	out := make([]*State, 0, len(snap))
	for _, st := range snap {
		if filter != nil && !filter[st.Domain()] {
			continue
		}
		out = append(out, st.Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Set writes the state of an entity.
//
// If the entity exists with the same state and attributes and ForceUpdate
// is not given, nothing is written, no event fires and the existing state
// is returned. Otherwise the new state is stored and state_changed fires.
// LastChanged is kept when only attributes changed.
//
// Returns ErrInvalidEntityID, ErrInvalidState or ErrInvalidAttributes for
// bad input; the store is untouched in that case.
func (s *Store) Set(entityID, newState string, attributes map[string]any, opts ...SetOption) (*State, error) {
	entityID = strings.ToLower(entityID)
	if !ValidEntityID(entityID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEntityID, entityID)
	}
	if len(newState) > MaxStateLength {
		return nil, fmt.Errorf("%w: %d characters exceeds %d", ErrInvalidState, len(newState), MaxStateLength)
	}
	attrs, err := normalizeAttributes(attributes)
	if err != nil {
		return nil, err
	}

	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current := s.snapshot()
	old := current[entityID]

	if old != nil && !o.force && old.State == newState && reflect.DeepEqual(old.Attributes, attrs) {
		s.metrics.StateWrite("unchanged")
		return old.Copy(), nil
	}

	now := s.clock.Now()
	lastChanged := now
	if old != nil {
		if now.Before(old.LastUpdated) {
			now = old.LastUpdated
		}
		lastChanged = now
		if old.State == newState {
			lastChanged = old.LastChanged
		}
	}

	ctx := o.context
	if ctx.IsZero() {
		ctx = core.NewContext()
	}

	next := &State{
		EntityID:    entityID,
		State:       newState,
		Attributes:  attrs,
		LastChanged: lastChanged,
		LastUpdated: now,
		Context:     ctx,
	}

	updated := maps.Clone(current)
	updated[entityID] = next
	s.states.Store(&updated)

	s.metrics.StateWrite("changed")
	s.metrics.SetEntities(len(updated))
	s.announce(entityID, old, next, ctx)

	return next.Copy(), nil
}

// Remove deletes an entity. It returns false if the entity did not exist.
// A state_changed event with a nil new_state fires on removal.
func (s *Store) Remove(entityID string, opts ...SetOption) bool {
	entityID = strings.ToLower(entityID)

	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current := s.snapshot()
	old, ok := current[entityID]
	if !ok {
		return false
	}

	updated := maps.Clone(current)
	delete(updated, entityID)
	s.states.Store(&updated)

	ctx := o.context
	if ctx.IsZero() {
		ctx = core.NewContext()
	}

	s.metrics.StateWrite("removed")
	s.metrics.SetEntities(len(updated))
	s.announce(entityID, old, nil, ctx)
	return true
}

// announce must be called with writeMu held so events for one entity are
// queued in write order.
func (s *Store) announce(entityID string, old, next *State, ctx core.Context) {
	data := map[string]any{
		"entity_id": entityID,
		"old_state": old.Copy(),
		"new_state": next.Copy(),
	}
	if _, err := s.bus.Fire(core.EventStateChanged, data, core.WithContext(ctx)); err != nil {
		s.logger.Error("failed to fire state_changed", "entity_id", entityID, "error", err)
	}
}
