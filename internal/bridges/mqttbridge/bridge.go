package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/core"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/infrastructure/mqtt"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/kernel"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/service"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/state"
)

// outboxSize bounds state publications waiting for the broker.
const outboxSize = 1024

// SignalConnection is sent with one bool argument whenever the broker
// session goes up (true) or down (false).
const SignalConnection = "mqtt_connection"

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("mqttbridge: already started")

	// ErrInvalidPayload is returned for inbound payloads that are not a JSON object.
	ErrInvalidPayload = errors.New("mqttbridge: payload must be a JSON object")
)

// Broker is the subset of *mqtt.Client the bridge needs.
type Broker interface {
	Topics() mqtt.Topics
	PublishRetained(topic string, payload []byte) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

type publication struct {
	topic   string
	payload []byte
}

// Stats reports bridge traffic since Start.
type Stats struct {
	Published     uint64
	PublishFailed uint64
	Dropped       uint64
	EventsFired   uint64
	ServiceCalls  uint64
	Rejected      uint64
	Resyncs       uint64
}

// Bridge connects one kernel to one broker.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	broker Broker
	kernel *kernel.Kernel
	topics mqtt.Topics
	qos    byte
	logger core.Logger

	outbox     chan publication
	unlisten   func()
	disconnect func()
	offline    atomic.Bool
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	mu       sync.Mutex
	started  bool
	stopOnce sync.Once

	published     atomic.Uint64
	publishFailed atomic.Uint64
	dropped       atomic.Uint64
	eventsFired   atomic.Uint64
	serviceCalls  atomic.Uint64
	rejected      atomic.Uint64
	resyncs       atomic.Uint64
}

// New creates a bridge publishing at qos.
func New(broker Broker, k *kernel.Kernel, qos byte) *Bridge {
	return &Bridge{
		broker: broker,
		kernel: k,
		topics: broker.Topics(),
		qos:    qos,
		logger: core.NopLogger(),
		outbox: make(chan publication, outboxSize),
	}
}

// SetLogger sets the logger.
func (b *Bridge) SetLogger(logger core.Logger) {
	b.logger = logger
}

// Start subscribes to the inbound topics, publishes every current state
// and then mirrors each state_changed event until Stop.
func (b *Bridge) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return ErrAlreadyStarted
	}

	if err := b.broker.Subscribe(b.topics.AllEvents(), b.qos, b.handleEvent); err != nil {
		return fmt.Errorf("subscribe to events: %w", err)
	}
	if err := b.broker.Subscribe(b.topics.AllServices(), b.qos, b.handleService); err != nil {
		b.broker.Unsubscribe(b.topics.AllEvents()) //nolint:errcheck // best-effort rollback
		return fmt.Errorf("subscribe to services: %w", err)
	}

	// Listening and snapshotting in one loop task means any state written
	// after the snapshot reaches the listener.
	ready := make(chan struct{})
	err := b.kernel.Loop.Submit(func() {
		defer close(ready)
		b.unlisten = b.kernel.Bus.Listen(core.EventStateChanged, b.handleStateChanged)
		for _, st := range b.kernel.States.All() {
			b.enqueue(b.statePublication(st.EntityID, st))
		}
	})
	if err != nil {
		b.unsubscribe()
		return fmt.Errorf("listen for state changes: %w", err)
	}
	<-ready
	b.disconnect = b.kernel.Signals.Connect(SignalConnection, b.handleConnection)

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.wg.Add(1)
	go b.publishLoop(runCtx)

	b.started = true
	b.logger.Info("mqtt bridge started",
		"events", b.topics.AllEvents(),
		"services", b.topics.AllServices())
	return nil
}

// Stop detaches from the bus and broker and publishes what is still queued.
func (b *Bridge) Stop() {
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if !started {
		return
	}

	b.stopOnce.Do(func() {
		b.disconnect()
		if b.unlisten != nil {
			b.unlisten()
		}
		b.unsubscribe()
		b.cancel()
		b.wg.Wait()
		b.logger.Info("mqtt bridge stopped")
	})
}

// Stats returns traffic counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Published:     b.published.Load(),
		PublishFailed: b.publishFailed.Load(),
		Dropped:       b.dropped.Load(),
		EventsFired:   b.eventsFired.Load(),
		ServiceCalls:  b.serviceCalls.Load(),
		Rejected:      b.rejected.Load(),
		Resyncs:       b.resyncs.Load(),
	}
}

func (b *Bridge) unsubscribe() {
	for _, topic := range []string{b.topics.AllEvents(), b.topics.AllServices()} {
		if err := b.broker.Unsubscribe(topic); err != nil {
			b.logger.Debug("mqtt unsubscribe failed", "topic", topic, "error", err)
		}
	}
}

// handleStateChanged runs on the loop; it must not block.
func (b *Bridge) handleStateChanged(ev core.Event) {
	entityID, _ := ev.Data["entity_id"].(string)
	if entityID == "" {
		return
	}
	newState, _ := ev.Data["new_state"].(*state.State)
	b.enqueue(b.statePublication(entityID, newState))
}

// statePublication encodes st, or the empty removal payload when st is nil.
func (b *Bridge) statePublication(entityID string, st *state.State) publication {
	p := publication{topic: b.topics.State(entityID)}
	if st == nil {
		return p
	}
	payload, err := json.Marshal(st)
	if err != nil {
		b.logger.Error("encoding state for mqtt", "entity_id", entityID, "error", err)
		return p
	}
	p.payload = payload
	return p
}

func (b *Bridge) enqueue(p publication) {
	select {
	case b.outbox <- p:
	default:
		b.dropped.Add(1)
		b.logger.Warn("mqtt outbox full, dropping state", "topic", p.topic)
	}
}

func (b *Bridge) publishLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case p := <-b.outbox:
			b.publish(p)
		case <-ctx.Done():
			for {
				select {
				case p := <-b.outbox:
					b.publish(p)
				default:
					return
				}
			}
		}
	}
}

func (b *Bridge) publish(p publication) {
	if err := b.broker.PublishRetained(p.topic, p.payload); err != nil {
		b.publishFailed.Add(1)
		b.logger.Warn("mqtt state publish failed", "topic", p.topic, "error", err)
		return
	}
	b.published.Add(1)
}

// handleConnection runs on the loop. Publications fail while the session
// is down, so the first connect after a disconnect republishes every state.
func (b *Bridge) handleConnection(args ...any) {
	if len(args) != 1 {
		return
	}
	connected, ok := args[0].(bool)
	if !ok {
		return
	}
	if !connected {
		if b.offline.CompareAndSwap(false, true) {
			b.logger.Warn("mqtt bridge offline, state publications will fail until reconnect")
		}
		return
	}
	if !b.offline.CompareAndSwap(true, false) {
		return
	}

	states := b.kernel.States.All()
	for _, st := range states {
		b.enqueue(b.statePublication(st.EntityID, st))
	}
	b.resyncs.Add(1)
	b.logger.Info("mqtt bridge resynced", "states", len(states))
}

// handleEvent fires <prefix>/event/<event_type> messages on the bus.
func (b *Bridge) handleEvent(topic string, payload []byte) error {
	eventType, ok := b.topics.ParseEvent(topic)
	if !ok {
		b.rejected.Add(1)
		return fmt.Errorf("unexpected event topic %q", topic)
	}
	data, err := decodePayload(payload)
	if err != nil {
		b.rejected.Add(1)
		return fmt.Errorf("event %s: %w", eventType, err)
	}

	if _, err := b.kernel.Bus.Fire(eventType, data, core.WithOrigin(core.OriginRemote)); err != nil {
		b.rejected.Add(1)
		return fmt.Errorf("firing %s: %w", eventType, err)
	}
	b.eventsFired.Add(1)
	return nil
}

// handleService turns <prefix>/service/<domain>/<service> messages into calls.
func (b *Bridge) handleService(topic string, payload []byte) error {
	domain, name, ok := b.topics.ParseService(topic)
	if !ok {
		b.rejected.Add(1)
		return fmt.Errorf("unexpected service topic %q", topic)
	}
	data, err := decodePayload(payload)
	if err != nil {
		b.rejected.Add(1)
		return fmt.Errorf("service %s.%s: %w", domain, name, err)
	}

	err = b.kernel.Services.Call(context.Background(), domain, name, data,
		service.WithContext(core.NewContext()))
	if err != nil {
		b.rejected.Add(1)
		return fmt.Errorf("calling %s.%s: %w", domain, name, err)
	}
	b.serviceCalls.Add(1)
	return nil
}

// decodePayload accepts an empty payload or a JSON object.
func decodePayload(payload []byte) (map[string]any, error) {
	if len(payload) == 0 {
		return map[string]any{}, nil
	}
	var data map[string]any
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if data == nil {
		return map[string]any{}, nil
	}
	return data, nil
}
