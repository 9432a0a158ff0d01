package mqtt

import (
	"fmt"
	"strings"
)

// Topic segments under the configured prefix.
const (
	segmentState   = "state"
	segmentEvent   = "event"
	segmentService = "service"
	segmentStatus  = "status"
)

// Topics builds and parses topics under one prefix.
//
//	topics := mqtt.Topics{Prefix: "opp"}
//	topics.State("light.kitchen")          // opp/state/light.kitchen
//	topics.Service("light", "turn_on")     // opp/service/light/turn_on
type Topics struct {
	Prefix string
}

// State returns the retained topic carrying the state of one entity.
func (t Topics) State(entityID string) string {
	return fmt.Sprintf("%s/%s/%s", t.Prefix, segmentState, entityID)
}

// Event returns the topic remote publishers use to fire eventType.
func (t Topics) Event(eventType string) string {
	return fmt.Sprintf("%s/%s/%s", t.Prefix, segmentEvent, eventType)
}

// Service returns the topic remote publishers use to call domain.service.
func (t Topics) Service(domain, service string) string {
	return fmt.Sprintf("%s/%s/%s/%s", t.Prefix, segmentService, domain, service)
}

// Status returns the retained online/offline status topic (also the LWT topic).
func (t Topics) Status() string {
	return fmt.Sprintf("%s/%s", t.Prefix, segmentStatus)
}

// AllStates matches every entity state topic.
func (t Topics) AllStates() string {
	return fmt.Sprintf("%s/%s/+", t.Prefix, segmentState)
}

// AllEvents matches every event topic.
func (t Topics) AllEvents() string {
	return fmt.Sprintf("%s/%s/+", t.Prefix, segmentEvent)
}

// AllServices matches every service call topic.
func (t Topics) AllServices() string {
	return fmt.Sprintf("%s/%s/+/+", t.Prefix, segmentService)
}

// ParseEvent extracts the event type from an event topic.
func (t Topics) ParseEvent(topic string) (string, bool) {
	parts, ok := t.split(topic, segmentEvent, 1)
	if !ok {
		return "", false
	}
	return parts[0], true
}

// ParseService extracts domain and service from a service call topic.
func (t Topics) ParseService(topic string) (domain, service string, ok bool) {
	parts, ok := t.split(topic, segmentService, 2)
	if !ok {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// split strips "<prefix>/<segment>/" and expects exactly n non-empty levels after it.
func (t Topics) split(topic, segment string, n int) ([]string, bool) {
	rest, found := strings.CutPrefix(topic, t.Prefix+"/"+segment+"/")
	if !found {
		return nil, false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != n {
		return nil, false
	}
	for _, p := range parts {
		if p == "" {
			return nil, false
		}
	}
	return parts, true
}
