package audit

import (
	"context"
	"testing"
	"time"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/core"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/infrastructure/database"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/migrations"
)

func newRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{Path: database.MemoryPath})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewSQLiteRepository(db.DB)
}

func create(t *testing.T, repo *SQLiteRepository, log *AuditLog) {
	t.Helper()
	if err := repo.Create(context.Background(), log); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
}

func TestRepository_CreateAndList(t *testing.T) {
	repo := newRepo(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	create(t, repo, &AuditLog{Action: ActionUserAdded, Subject: "u1", Origin: "local", ContextID: "c1", CreatedAt: base})
	create(t, repo, &AuditLog{
		Action: ActionServiceCalled, Subject: "light.turn_on", UserID: "u1", Origin: "local", ContextID: "c2",
		Details: map[string]any{"fields": []string{"entity_id"}}, CreatedAt: base.Add(time.Minute),
	})

	result, err := repo.List(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Total != 2 || len(result.Logs) != 2 {
		t.Fatalf("Total=%d len=%d, want 2", result.Total, len(result.Logs))
	}
	if result.Limit != defaultLimit {
		t.Errorf("Limit = %d, want %d", result.Limit, defaultLimit)
	}

	newest := result.Logs[0]
	if newest.Action != ActionServiceCalled || newest.UserID != "u1" {
		t.Errorf("newest = %+v, want the service call", newest)
	}
	if !newest.CreatedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("CreatedAt = %v, want %v", newest.CreatedAt, base.Add(time.Minute))
	}
	fields, _ := newest.Details["fields"].([]any)
	if len(fields) != 1 || fields[0] != "entity_id" {
		t.Errorf("Details = %v", newest.Details)
	}
	if newest.ID == "" {
		t.Error("ID should be generated")
	}

	if result.Logs[1].UserID != "" || result.Logs[1].Details != nil {
		t.Errorf("system entry = %+v, want no user and no details", result.Logs[1])
	}
}

func TestRepository_ListFilters(t *testing.T) {
	repo := newRepo(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, a := range []struct{ action, subject, user string }{
		{ActionUserAdded, "u1", ""},
		{ActionServiceCalled, "light.turn_on", "u1"},
		{ActionServiceCalled, "light.turn_off", "u2"},
		{ActionRemoteEvent, "doorbell_pressed", "u2"},
	} {
		create(t, repo, &AuditLog{
			Action: a.action, Subject: a.subject, UserID: a.user,
			Origin: "local", ContextID: "c", CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}

	tests := []struct {
		name      string
		filter    Filter
		wantTotal int
		wantLen   int
	}{
		{"all", Filter{}, 4, 4},
		{"by action", Filter{Action: ActionServiceCalled}, 2, 2},
		{"by subject", Filter{Subject: "light.turn_off"}, 1, 1},
		{"by user", Filter{UserID: "u2"}, 2, 2},
		{"combined", Filter{Action: ActionServiceCalled, UserID: "u2"}, 1, 1},
		{"paged", Filter{Limit: 3, Offset: 2}, 4, 2},
		{"negative offset", Filter{Limit: 1, Offset: -5}, 4, 1},
		{"no match", Filter{Action: "nope"}, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := repo.List(context.Background(), tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if result.Total != tt.wantTotal || len(result.Logs) != tt.wantLen {
				t.Errorf("Total=%d len=%d, want %d and %d", result.Total, len(result.Logs), tt.wantTotal, tt.wantLen)
			}
			if result.Logs == nil {
				t.Error("Logs should be an empty slice, not nil")
			}
		})
	}
}

func TestRepository_LimitClamped(t *testing.T) {
	repo := newRepo(t)
	result, err := repo.List(context.Background(), Filter{Limit: 10000})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Limit != maxLimit {
		t.Errorf("Limit = %d, want %d", result.Limit, maxLimit)
	}
}

// waitForTotal polls until the trail has written want entries.
func waitForTotal(t *testing.T, trail *Trail, filter Filter, want int) *ListResult {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		result, err := trail.List(context.Background(), filter)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if result.Total == want {
			return result
		}
		if time.Now().After(deadline) {
			t.Fatalf("Total = %d, want %d", result.Total, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func newTrail(t *testing.T) (*Trail, *core.Bus) {
	t.Helper()
	loop := core.NewLoop(2)
	loop.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		loop.Stop(ctx) //nolint:errcheck // Test cleanup
	})
	bus := core.NewBus(loop)

	trail := NewTrail(newRepo(t), bus)
	trail.Start()
	t.Cleanup(trail.Stop)
	return trail, bus
}

func fire(t *testing.T, bus *core.Bus, eventType string, data map[string]any, opts ...core.FireOption) {
	t.Helper()
	if _, err := bus.Fire(eventType, data, opts...); err != nil {
		t.Fatalf("Fire(%s) error = %v", eventType, err)
	}
}

func TestTrail_RecordsAuditedEvents(t *testing.T) {
	trail, bus := newTrail(t)
	userCtx := core.NewUserContext("u1")

	fire(t, bus, core.EventUserAdded, map[string]any{"user_id": "u2"})
	fire(t, bus, core.EventServiceCalled, map[string]any{
		"domain":       "light",
		"service":      "turn_on",
		"service_data": map[string]any{"entity_id": "light.kitchen", "brightness": 10},
	}, core.WithContext(userCtx))
	fire(t, bus, core.EventUserRemoved, map[string]any{"user_id": "u2"})
	fire(t, bus, core.EventStateChanged, map[string]any{"entity_id": "light.kitchen"})

	waitForTotal(t, trail, Filter{}, 3)

	calls := waitForTotal(t, trail, Filter{Action: ActionServiceCalled}, 1)
	call := calls.Logs[0]
	if call.Subject != "light.turn_on" || call.UserID != "u1" || call.ContextID != userCtx.ID {
		t.Errorf("service entry = %+v", call)
	}
	fields, _ := call.Details["fields"].([]any)
	if len(fields) != 2 || fields[0] != "brightness" || fields[1] != "entity_id" {
		t.Errorf("fields = %v, want [brightness entity_id]", call.Details["fields"])
	}

	added := waitForTotal(t, trail, Filter{Action: ActionUserAdded}, 1)
	if added.Logs[0].Subject != "u2" {
		t.Errorf("user_added subject = %q, want u2", added.Logs[0].Subject)
	}
}

func TestTrail_RecordsRemoteEventsOnly(t *testing.T) {
	trail, bus := newTrail(t)

	fire(t, bus, "doorbell_pressed", map[string]any{"door": "front"})
	fire(t, bus, "doorbell_pressed", map[string]any{"door": "back"}, core.WithOrigin(core.OriginRemote))

	result := waitForTotal(t, trail, Filter{Action: ActionRemoteEvent}, 1)
	entry := result.Logs[0]
	if entry.Subject != "doorbell_pressed" || entry.Origin != string(core.OriginRemote) {
		t.Errorf("remote entry = %+v", entry)
	}
}

func TestTrail_StopUnsubscribes(t *testing.T) {
	trail, bus := newTrail(t)
	trail.Stop()

	fire(t, bus, core.EventUserAdded, map[string]any{"user_id": "u3"})
	time.Sleep(50 * time.Millisecond)

	result, err := trail.List(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Total != 0 {
		t.Errorf("Total = %d after Stop, want 0", result.Total)
	}
}
