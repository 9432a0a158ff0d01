package state

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/core"
)

// MaxStateLength bounds the length of a state value.
const MaxStateLength = 255

var entityIDPattern = regexp.MustCompile(`^[a-z0-9_]+\.[a-z0-9_]+$`)

// ValidEntityID reports whether id is a well-formed entity id.
func ValidEntityID(id string) bool {
	return entityIDPattern.MatchString(id)
}

// SplitEntityID returns the domain and object id of an entity id.
func SplitEntityID(id string) (domain, objectID string, err error) {
	if !ValidEntityID(id) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidEntityID, id)
	}
	domain, objectID, _ = strings.Cut(id, ".")
	return domain, objectID, nil
}

// State is the recorded condition of one entity.
//
// LastChanged moves only when State changes; LastUpdated moves on every
// write, including attribute-only changes and forced updates.
type State struct {
	EntityID    string
	State       string
	Attributes  map[string]any
	LastChanged time.Time
	LastUpdated time.Time
	Context     core.Context
}

// Domain returns the part of the entity id before the dot.
func (s *State) Domain() string {
	domain, _, _ := strings.Cut(s.EntityID, ".")
	return domain
}

// ObjectID returns the part of the entity id after the dot.
func (s *State) ObjectID() string {
	_, objectID, _ := strings.Cut(s.EntityID, ".")
	return objectID
}

// Copy returns a deep copy; callers may modify it freely.
func (s *State) Copy() *State {
	if s == nil {
		return nil
	}
	cpy := *s
	cpy.Attributes = deepCopyMap(s.Attributes)
	return &cpy
}

type stateJSON struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged string         `json:"last_changed"`
	LastUpdated string         `json:"last_updated"`
	Context     core.Context   `json:"context"`
}

// MarshalJSON produces the wire representation used by get_states and events.
func (s *State) MarshalJSON() ([]byte, error) {
	attrs := s.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	return json.Marshal(stateJSON{
		EntityID:    s.EntityID,
		State:       s.State,
		Attributes:  attrs,
		LastChanged: core.FormatTime(s.LastChanged),
		LastUpdated: core.FormatTime(s.LastUpdated),
		Context:     s.Context,
	})
}

// UnmarshalJSON reads the wire representation, for clients of the MQTT mirror
// and REST API.
func (s *State) UnmarshalJSON(b []byte) error {
	var raw stateJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	changed, err := time.Parse(time.RFC3339Nano, raw.LastChanged)
	if err != nil {
		return fmt.Errorf("parsing last_changed: %w", err)
	}
	updated, err := time.Parse(time.RFC3339Nano, raw.LastUpdated)
	if err != nil {
		return fmt.Errorf("parsing last_updated: %w", err)
	}
	*s = State{
		EntityID:    raw.EntityID,
		State:       raw.State,
		Attributes:  raw.Attributes,
		LastChanged: changed,
		LastUpdated: updated,
		Context:     raw.Context,
	}
	return nil
}

// Change is the decoded payload of a state_changed event.
// Old is nil for a new entity and New is nil for a removal.
type Change struct {
	EntityID string
	Old      *State
	New      *State
}

// ChangeFromEvent decodes a state_changed event.
func ChangeFromEvent(ev core.Event) (Change, bool) {
	if ev.Type != core.EventStateChanged {
		return Change{}, false
	}
	id, ok := ev.Data["entity_id"].(string)
	if !ok {
		return Change{}, false
	}
	c := Change{EntityID: id}
	c.Old, _ = ev.Data["old_state"].(*State)
	c.New, _ = ev.Data["new_state"].(*State)
	return c, true
}

// normalizeAttributes round-trips attrs through JSON. The result is a fresh
// map in canonical form (numbers as float64, structs as maps), which makes
// equality checks reliable and detaches the store from the caller's map.
func normalizeAttributes(attrs map[string]any) (map[string]any, error) {
	if len(attrs) == 0 {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAttributes, err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAttributes, err)
	}
	return out, nil
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		return v
	}
}
