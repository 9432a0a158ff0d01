package mqtt

import (
	"fmt"
	"strings"
)

// maxPayloadSize caps a single entity state document.
const maxPayloadSize = 1 << 20

// PublishRetained publishes payload on topic with the retain flag set and
// the configured QoS. The broker keeps the last payload per topic, so new
// subscribers see current entity state without waiting for a change.
//
// Topics may not contain wildcards.
func (c *Client) PublishRetained(topic string, payload []byte) error {
	return c.publish(topic, payload, byte(c.cfg.QoS), true)
}

// publish validates and sends one message, waiting for the broker's
// acknowledgement at QoS 1 and 2.
func (c *Client) publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := validateTopicName(topic); err != nil {
		return err
	}
	if qos > maxQoS {
		return fmt.Errorf("%w: %d", ErrInvalidQoS, qos)
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: %d bytes on %s", ErrPayloadTooLarge, len(payload), topic)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	return c.await(c.client.Publish(topic, qos, retained, payload), defaultAckTimeout, ErrPublish, topic)
}

// validateTopicName checks a concrete topic a message is published to.
func validateTopicName(topic string) error {
	switch {
	case topic == "":
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	case strings.ContainsAny(topic, "+#"):
		return fmt.Errorf("%w: wildcard in %q", ErrInvalidTopic, topic)
	case strings.ContainsRune(topic, 0):
		return fmt.Errorf("%w: NUL in %q", ErrInvalidTopic, topic)
	}
	return nil
}

// validateTopicFilter checks a subscription filter: '+' must fill a whole
// level and '#' must be the whole last level.
func validateTopicFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") && (level != "#" || i != len(levels)-1) {
			return fmt.Errorf("%w: '#' must be the last level in %q", ErrInvalidTopic, filter)
		}
		if strings.Contains(level, "+") && level != "+" {
			return fmt.Errorf("%w: '+' must fill a level in %q", ErrInvalidTopic, filter)
		}
	}
	return nil
}
