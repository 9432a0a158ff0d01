// Package mqtt provides MQTT broker connectivity for the kernel.
//
// The kernel only publishes retained entity state and its own status; it
// subscribes to wildcard filters for inbound events and service calls.
// Sessions are clean, so Client replays its filters after each reconnect
// and the LWT marks the kernel offline if the session dies.
//
// All topics live under the configured prefix (mqtt.topic_prefix):
//
//	<prefix>/status                      online/offline, retained
//	<prefix>/state/<entity_id>           entity state JSON, retained
//	<prefix>/event/<event_type>          inbound remote events
//	<prefix>/service/<domain>/<service>  inbound service calls
//
// # Security Considerations
//
//   - Enable TLS (cfg.Broker.TLS=true) whenever the broker is not on loopback
//   - Inbound messages are trusted as much as the broker ACL allows
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := client.Topics()
//	err = client.PublishRetained(topics.State("light.kitchen"), stateJSON)
//	err = client.Subscribe(topics.AllEvents(), 1,
//	    func(topic string, payload []byte) error {
//	        eventType, _ := topics.ParseEvent(topic)
//	        ...
//	    })
package mqtt
