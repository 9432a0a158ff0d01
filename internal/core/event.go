package core

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Origin records whether an event was produced in this process.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// MatchAll subscribes a listener to every event type.
const MatchAll = "*"

// MaxEventTypeLength bounds event type names.
const MaxEventTypeLength = 64

// Well-known event types fired by the kernel.
const (
	EventStateChanged      = "state_changed"
	EventServiceRegistered = "service_registered"
	EventServiceRemoved    = "service_removed"
	EventServiceCalled     = "service_called"
	EventComponentLoaded   = "component_loaded"
	EventCoreConfigUpdated = "core_config_updated"
	EventUserAdded         = "user_added"
	EventUserRemoved       = "user_removed"
	EventStart             = "openpeerpower_start"
	EventStop              = "openpeerpower_stop"
)

var eventTypePattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)*$`)

// ValidateEventType checks that t can be fired.
func ValidateEventType(t string) error {
	if len(t) == 0 || len(t) > MaxEventTypeLength || !eventTypePattern.MatchString(t) {
		return fmt.Errorf("%w: %q", ErrInvalidEventType, t)
	}
	return nil
}

// Event is an immutable notification delivered by the Bus.
// Listeners must treat Data as read-only.
type Event struct {
	Type      string
	Data      map[string]any
	Origin    Origin
	TimeFired time.Time
	Context   Context
}

type eventJSON struct {
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
	Origin    Origin         `json:"origin"`
	TimeFired string         `json:"time_fired"`
	Context   Context        `json:"context"`
}

// MarshalJSON produces the wire shape used by WebSocket event messages.
func (e Event) MarshalJSON() ([]byte, error) {
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	return json.Marshal(eventJSON{
		EventType: e.Type,
		Data:      data,
		Origin:    e.Origin,
		TimeFired: FormatTime(e.TimeFired),
		Context:   e.Context,
	})
}
