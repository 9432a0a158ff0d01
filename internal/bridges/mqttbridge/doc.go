// Package mqttbridge mirrors the kernel onto an MQTT broker.
//
// Outbound, every state_changed event is published retained to
// <prefix>/state/<entity_id>; a removed entity gets an empty retained
// payload, which clears the topic on the broker. Inbound, messages on
// <prefix>/event/<event_type> are fired on the bus with origin remote and
// messages on <prefix>/service/<domain>/<service> become non-blocking
// service calls under a fresh system context. Inbound payloads must be a
// JSON object or empty.
package mqttbridge
