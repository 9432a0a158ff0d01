package audit

import (
	"context"
	"sort"
	"time"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/core"
)

// Actions recorded by the Trail.
const (
	ActionUserAdded         = "user_added"
	ActionUserRemoved       = "user_removed"
	ActionServiceCalled     = "service_called"
	ActionCoreConfigUpdated = "core_config_updated"
	ActionRemoteEvent       = "remote_event"
)

// writeTimeout bounds one audit insert.
const writeTimeout = 5 * time.Second

// Trail writes audit entries for bus activity. Writes run off the loop
// as async listeners, so entries may be committed out of firing order;
// CreatedAt is the event's fire time.
type Trail struct {
	repo   Repository
	bus    *core.Bus
	logger core.Logger
	unsubs []func()
}

// NewTrail creates a trail writing to repo.
func NewTrail(repo Repository, bus *core.Bus) *Trail {
	return &Trail{repo: repo, bus: bus, logger: core.NopLogger()}
}

// SetLogger sets the logger for failed writes.
func (t *Trail) SetLogger(logger core.Logger) {
	t.logger = logger
}

// Start subscribes to the audited events.
func (t *Trail) Start() {
	t.unsubs = []func(){
		t.bus.Listen(core.EventUserAdded, t.handle, core.Async()),
		t.bus.Listen(core.EventUserRemoved, t.handle, core.Async()),
		t.bus.Listen(core.EventServiceCalled, t.handle, core.Async()),
		t.bus.Listen(core.EventCoreConfigUpdated, t.handle, core.Async()),
		t.bus.Listen(core.MatchAll, t.handleRemote, core.Async()),
	}
}

// Stop unsubscribes. Writes already scheduled still complete.
func (t *Trail) Stop() {
	for _, unsub := range t.unsubs {
		unsub()
	}
	t.unsubs = nil
}

// List returns recorded entries, newest first.
func (t *Trail) List(ctx context.Context, filter Filter) (*ListResult, error) {
	return t.repo.List(ctx, filter)
}

func (t *Trail) handle(ev core.Event) {
	entry := newEntry(ev)
	switch ev.Type {
	case core.EventUserAdded:
		entry.Action = ActionUserAdded
		entry.Subject, _ = ev.Data["user_id"].(string)
	case core.EventUserRemoved:
		entry.Action = ActionUserRemoved
		entry.Subject, _ = ev.Data["user_id"].(string)
	case core.EventServiceCalled:
		domain, _ := ev.Data["domain"].(string)
		name, _ := ev.Data["service"].(string)
		entry.Action = ActionServiceCalled
		entry.Subject = domain + "." + name
		// Only field names: service data may carry credentials.
		if data, ok := ev.Data["service_data"].(map[string]any); ok {
			entry.Details = map[string]any{"fields": fieldNames(data)}
		}
	case core.EventCoreConfigUpdated:
		entry.Action = ActionCoreConfigUpdated
		entry.Details = ev.Data
	default:
		return
	}
	t.write(entry)
}

// handleRemote records every event fired by a remote client.
func (t *Trail) handleRemote(ev core.Event) {
	if ev.Origin != core.OriginRemote {
		return
	}
	entry := newEntry(ev)
	entry.Action = ActionRemoteEvent
	entry.Subject = ev.Type
	entry.Details = map[string]any{"fields": fieldNames(ev.Data)}
	t.write(entry)
}

func (t *Trail) write(entry *AuditLog) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := t.repo.Create(ctx, entry); err != nil {
		t.logger.Error("writing audit log", "action", entry.Action, "subject", entry.Subject, "error", err)
	}
}

func newEntry(ev core.Event) *AuditLog {
	return &AuditLog{
		UserID:    ev.Context.UserID,
		Origin:    string(ev.Origin),
		ContextID: ev.Context.ID,
		CreatedAt: ev.TimeFired,
	}
}

func fieldNames(data map[string]any) []string {
	names := make([]string, 0, len(data))
	for k := range data {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
