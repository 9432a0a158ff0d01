package mqtt

import (
	"errors"
	"fmt"
)

// subscription is remembered so it can be replayed after a reconnect.
// Sessions are clean, so the broker forgets them on every disconnect.
type subscription struct {
	qos     byte
	handler MessageHandler
}

// Subscribe routes messages matching filter to handler. Filters may use
// '+' and '#'; the bridge subscribes to Topics().AllEvents() and
// Topics().AllServices().
//
// Subscribing again to the same filter replaces its handler.
func (c *Client) Subscribe(filter string, qos byte, handler MessageHandler) error {
	if err := validateTopicFilter(filter); err != nil {
		return err
	}
	if qos > maxQoS {
		return fmt.Errorf("%w: %d", ErrInvalidQoS, qos)
	}
	if handler == nil {
		return errors.New("mqtt: nil handler")
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	if err := c.await(c.client.Subscribe(filter, qos, c.wrapHandler(handler)), defaultAckTimeout, ErrSubscribe, filter); err != nil {
		return err
	}

	c.subMu.Lock()
	c.subscriptions[filter] = subscription{qos: qos, handler: handler}
	c.subMu.Unlock()
	return nil
}

// Unsubscribe forgets filter locally and at the broker. Messages already
// in flight may still reach the old handler.
func (c *Client) Unsubscribe(filter string) error {
	if err := validateTopicFilter(filter); err != nil {
		return err
	}

	c.subMu.Lock()
	delete(c.subscriptions, filter)
	c.subMu.Unlock()

	if !c.IsConnected() {
		return ErrNotConnected
	}
	return c.await(c.client.Unsubscribe(filter), defaultAckTimeout, ErrSubscribe, filter)
}

// resubscribe replays every remembered subscription. It runs from the
// connect handler, so failures are logged rather than returned.
func (c *Client) resubscribe() {
	c.subMu.RLock()
	subs := make(map[string]subscription, len(c.subscriptions))
	for filter, sub := range c.subscriptions {
		subs[filter] = sub
	}
	c.subMu.RUnlock()

	for filter, sub := range subs {
		if err := c.await(c.client.Subscribe(filter, sub.qos, c.wrapHandler(sub.handler)), defaultAckTimeout, ErrSubscribe, filter); err != nil {
			c.log().Warn("restoring MQTT subscription", "filter", filter, "error", err)
		}
	}
}
