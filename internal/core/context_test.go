package core

import (
	"context"
	"encoding/json"
	"testing"
)

func TestNewID_Sortable(t *testing.T) {
	prev := NewID()
	for i := 0; i < 1000; i++ {
		next := NewID()
		if next <= prev {
			t.Fatalf("NewID() not increasing: %q after %q", next, prev)
		}
		prev = next
	}
	if len(prev) != 26 {
		t.Errorf("len(NewID()) = %d, want 26", len(prev))
	}
}

func TestContext_Child(t *testing.T) {
	parent := NewUserContext("user-1")
	child := parent.Child()

	if child.ID == parent.ID {
		t.Error("child shares parent id")
	}
	if child.ParentID != parent.ID {
		t.Errorf("ParentID = %q, want %q", child.ParentID, parent.ID)
	}
	if child.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", child.UserID)
	}
}

func TestContext_JSON(t *testing.T) {
	tests := []struct {
		name string
		ctx  Context
		want string
	}{
		{
			name: "system context",
			ctx:  Context{ID: "abc"},
			want: `{"id":"abc","parent_id":null,"user_id":null}`,
		},
		{
			name: "user context with parent",
			ctx:  Context{ID: "abc", UserID: "u1", ParentID: "p1"},
			want: `{"id":"abc","parent_id":"p1","user_id":"u1"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := json.Marshal(tt.ctx)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if string(b) != tt.want {
				t.Errorf("Marshal() = %s, want %s", b, tt.want)
			}

			var back Context
			if err := json.Unmarshal(b, &back); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if back != tt.ctx {
				t.Errorf("round trip = %+v, want %+v", back, tt.ctx)
			}
		})
	}
}

func TestEventContextFrom(t *testing.T) {
	if _, ok := EventContextFrom(context.Background()); ok {
		t.Error("EventContextFrom(empty) ok = true")
	}

	c := NewUserContext("u1")
	got, ok := EventContextFrom(WithEventContext(context.Background(), c))
	if !ok || got != c {
		t.Errorf("EventContextFrom() = %+v, %v; want %+v, true", got, ok, c)
	}
}

func TestError(t *testing.T) {
	inner := context.DeadlineExceeded
	err := &Error{Message: "light unreachable", Err: inner}

	if err.Error() != "light unreachable: context deadline exceeded" {
		t.Errorf("Error() = %q", err.Error())
	}
	if Errorf("code %d", 7).Error() != "code 7" {
		t.Errorf("Errorf() message wrong")
	}
}
