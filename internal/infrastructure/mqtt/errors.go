package mqtt

import "errors"

// Errors returned by the client. Broker-side failures wrap the paho error.
var (
	// ErrNotConnected means the broker session is down; paho is reconnecting.
	ErrNotConnected = errors.New("mqtt: not connected to broker")

	// ErrConnect means the first CONNECT was refused or never acknowledged.
	ErrConnect = errors.New("mqtt: broker connect failed")

	// ErrPublish means the broker did not acknowledge a publish in time.
	ErrPublish = errors.New("mqtt: publish not acknowledged")

	// ErrSubscribe means a SUBSCRIBE or UNSUBSCRIBE was not acknowledged.
	ErrSubscribe = errors.New("mqtt: subscription not acknowledged")

	// ErrInvalidQoS is returned for a QoS above 2.
	ErrInvalidQoS = errors.New("mqtt: qos must be 0, 1 or 2")

	// ErrInvalidTopic is returned for an empty topic, a wildcard in a
	// publish topic, or a misplaced wildcard in a filter.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")

	// ErrPayloadTooLarge is returned for payloads above maxPayloadSize.
	ErrPayloadTooLarge = errors.New("mqtt: payload too large")
)
