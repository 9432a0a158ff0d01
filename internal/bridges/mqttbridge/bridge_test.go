package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/core"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/infrastructure/mqtt"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/kernel"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/service"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/storage"
)

// fakeBroker records publications and lets tests deliver inbound messages.
type fakeBroker struct {
	mu           sync.Mutex
	handlers     map[string]mqtt.MessageHandler
	subscribeErr error
	published    chan publication
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		handlers:  make(map[string]mqtt.MessageHandler),
		published: make(chan publication, 100),
	}
}

func (f *fakeBroker) Topics() mqtt.Topics { return mqtt.Topics{Prefix: "opp"} }

func (f *fakeBroker) PublishRetained(topic string, payload []byte) error {
	f.published <- publication{topic: topic, payload: payload}
	return nil
}

func (f *fakeBroker) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.handlers[topic] = handler
	return nil
}

func (f *fakeBroker) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, topic)
	return nil
}

func (f *fakeBroker) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

// deliver hands payload on topic to the handler subscribed with pattern.
func (f *fakeBroker) deliver(t *testing.T, pattern, topic, payload string) error {
	t.Helper()
	f.mu.Lock()
	handler, ok := f.handlers[pattern]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no subscription for %s", pattern)
	}
	return handler(topic, []byte(payload))
}

// next waits for the next publication on topic, skipping others.
func (f *fakeBroker) next(t *testing.T, topic string) publication {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case p := <-f.published:
			if p.topic == topic {
				return p
			}
		case <-timeout:
			t.Fatalf("no publication on %s", topic)
			return publication{}
		}
	}
}

func newKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	k, err := kernel.New(kernel.Options{
		Version: "test",
		Workers: 2,
		Storage: storage.NewFileStore(t.TempDir()),
	})
	if err != nil {
		t.Fatalf("kernel.New() error = %v", err)
	}
	if err := k.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		k.Stop(ctx) //nolint:errcheck // Test cleanup
	})
	return k
}

func startBridge(t *testing.T, k *kernel.Kernel, broker *fakeBroker) *Bridge {
	t.Helper()
	b := New(broker, k, 1)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(b.Stop)
	return b
}

func TestBridge_PublishesStateChanges(t *testing.T) {
	k := newKernel(t)
	broker := newFakeBroker()
	startBridge(t, k, broker)

	if _, err := k.States.Set("light.kitchen", "on", map[string]any{"brightness": 200}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	p := broker.next(t, "opp/state/light.kitchen")

	var got map[string]any
	if err := json.Unmarshal(p.payload, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got["entity_id"] != "light.kitchen" || got["state"] != "on" {
		t.Errorf("payload = %v", got)
	}
	if attrs, _ := got["attributes"].(map[string]any); attrs["brightness"] != float64(200) {
		t.Errorf("attributes = %v, want brightness 200", got["attributes"])
	}

	k.States.Remove("light.kitchen")
	p = broker.next(t, "opp/state/light.kitchen")
	if len(p.payload) != 0 {
		t.Errorf("removal payload = %q, want empty", p.payload)
	}
}

func TestBridge_PublishesExistingStatesOnStart(t *testing.T) {
	k := newKernel(t)
	if _, err := k.States.Set("sensor.outdoor", "12.5", nil); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	broker := newFakeBroker()
	startBridge(t, k, broker)

	p := broker.next(t, "opp/state/sensor.outdoor")
	if len(p.payload) == 0 {
		t.Error("snapshot payload is empty")
	}
}

func TestBridge_InboundEvent(t *testing.T) {
	k := newKernel(t)
	broker := newFakeBroker()
	b := startBridge(t, k, broker)

	received := make(chan core.Event, 1)
	k.Bus.Listen("doorbell_pressed", func(ev core.Event) { received <- ev })

	if err := broker.deliver(t, "opp/event/+", "opp/event/doorbell_pressed", `{"door":"front"}`); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	select {
	case ev := <-received:
		if ev.Origin != core.OriginRemote {
			t.Errorf("Origin = %q, want %q", ev.Origin, core.OriginRemote)
		}
		if ev.Data["door"] != "front" {
			t.Errorf("Data = %v", ev.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not fired")
	}

	if got := b.Stats().EventsFired; got != 1 {
		t.Errorf("EventsFired = %d, want 1", got)
	}
}

func TestBridge_InboundRejected(t *testing.T) {
	k := newKernel(t)
	broker := newFakeBroker()
	b := startBridge(t, k, broker)

	tests := []struct {
		name    string
		pattern string
		topic   string
		payload string
		wantErr error
	}{
		{"event array payload", "opp/event/+", "opp/event/doorbell_pressed", `[1,2]`, ErrInvalidPayload},
		{"event malformed json", "opp/event/+", "opp/event/doorbell_pressed", `{`, ErrInvalidPayload},
		{"service bad payload", "opp/service/+/+", "opp/service/light/turn_on", `"on"`, ErrInvalidPayload},
		{"unknown service", "opp/service/+/+", "opp/service/light/turn_on", `{}`, service.ErrServiceNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := broker.deliver(t, tt.pattern, tt.topic, tt.payload)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("handler error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if got := b.Stats().Rejected; got != uint64(len(tests)) {
		t.Errorf("Rejected = %d, want %d", got, len(tests))
	}
}

func TestBridge_InboundServiceCall(t *testing.T) {
	k := newKernel(t)
	broker := newFakeBroker()
	startBridge(t, k, broker)

	calls := make(chan *service.Call, 1)
	err := k.Services.Register("light", "turn_on", func(_ context.Context, call *service.Call) error {
		calls <- call
		return nil
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := broker.deliver(t, "opp/service/+/+", "opp/service/light/turn_on", `{"entity_id":"light.kitchen"}`); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	select {
	case call := <-calls:
		if call.Data["entity_id"] != "light.kitchen" {
			t.Errorf("Data = %v", call.Data)
		}
		if call.Context.UserID != "" {
			t.Errorf("UserID = %q, want system context", call.Context.UserID)
		}
		if call.Blocking {
			t.Error("bridge calls should not block")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("service not called")
	}
}

func TestBridge_EmptyServicePayload(t *testing.T) {
	k := newKernel(t)
	broker := newFakeBroker()
	startBridge(t, k, broker)

	calls := make(chan *service.Call, 1)
	err := k.Services.Register("scene", "reload", func(_ context.Context, call *service.Call) error {
		calls <- call
		return nil
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := broker.deliver(t, "opp/service/+/+", "opp/service/scene/reload", ""); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	select {
	case call := <-calls:
		if len(call.Data) != 0 {
			t.Errorf("Data = %v, want empty", call.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("service not called")
	}
}

func TestBridge_Stop(t *testing.T) {
	k := newKernel(t)
	broker := newFakeBroker()
	b := New(broker, k, 1)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := b.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
	if broker.subscriptions() != 2 {
		t.Errorf("subscriptions = %d, want 2", broker.subscriptions())
	}

	b.Stop()
	b.Stop()

	if broker.subscriptions() != 0 {
		t.Errorf("subscriptions after Stop = %d, want 0", broker.subscriptions())
	}

	if _, err := k.States.Set("light.hall", "on", nil); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := k.Loop.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	select {
	case p := <-broker.published:
		t.Errorf("published %s after Stop", p.topic)
	default:
	}
}

func TestBridge_StartSubscribeFailure(t *testing.T) {
	k := newKernel(t)
	broker := newFakeBroker()
	broker.subscribeErr = mqtt.ErrNotConnected

	b := New(broker, k, 1)
	if err := b.Start(context.Background()); !errors.Is(err, mqtt.ErrNotConnected) {
		t.Errorf("Start() error = %v, want ErrNotConnected", err)
	}
	b.Stop()
}

func TestBridge_ResyncsAfterReconnect(t *testing.T) {
	k := newKernel(t)
	if _, err := k.States.Set("sensor.outdoor", "12.5", nil); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	broker := newFakeBroker()
	b := startBridge(t, k, broker)
	broker.next(t, "opp/state/sensor.outdoor")

	if n := k.Signals.Connected(SignalConnection); n != 1 {
		t.Fatalf("Connected(%s) = %d, want 1", SignalConnection, n)
	}

	flush := func() {
		t.Helper()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := k.Loop.Flush(ctx); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
	}

	// A connect without a preceding disconnect is the initial session.
	k.Signals.Send(SignalConnection, true)
	flush()
	if got := b.Stats().Resyncs; got != 0 {
		t.Errorf("Resyncs after initial connect = %d, want 0", got)
	}

	k.Signals.Send(SignalConnection, false)
	k.Signals.Send(SignalConnection, false)
	k.Signals.Send(SignalConnection, true)
	flush()

	p := broker.next(t, "opp/state/sensor.outdoor")
	var got map[string]any
	if err := json.Unmarshal(p.payload, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got["state"] != "12.5" {
		t.Errorf("resynced state = %v, want 12.5", got["state"])
	}
	if got := b.Stats().Resyncs; got != 1 {
		t.Errorf("Resyncs = %d, want 1", got)
	}

	b.Stop()
	if n := k.Signals.Connected(SignalConnection); n != 0 {
		t.Errorf("Connected(%s) after Stop = %d, want 0", SignalConnection, n)
	}
}
