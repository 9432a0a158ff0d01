package core

import (
	"context"
	"encoding/json"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // ids need ordering, not secrecy
)

// NewID returns a lexicographically sortable identifier.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Context identifies the cause of an event, state change or service call.
// UserID is empty for system actions. ParentID links to the Context that
// triggered this one.
type Context struct {
	ID       string
	UserID   string
	ParentID string
}

// NewContext returns a system Context with a fresh id.
func NewContext() Context {
	return Context{ID: NewID()}
}

// NewUserContext returns a Context attributed to userID.
func NewUserContext(userID string) Context {
	return Context{ID: NewID(), UserID: userID}
}

// Child returns a new Context caused by c, keeping its user.
func (c Context) Child() Context {
	return Context{ID: NewID(), UserID: c.UserID, ParentID: c.ID}
}

// IsZero reports whether c has no id.
func (c Context) IsZero() bool {
	return c.ID == ""
}

type contextJSON struct {
	ID       string  `json:"id"`
	ParentID *string `json:"parent_id"`
	UserID   *string `json:"user_id"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// MarshalJSON encodes empty ids as null.
func (c Context) MarshalJSON() ([]byte, error) {
	return json.Marshal(contextJSON{ID: c.ID, ParentID: optional(c.ParentID), UserID: optional(c.UserID)})
}

// UnmarshalJSON accepts null ids.
func (c *Context) UnmarshalJSON(b []byte) error {
	var raw contextJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	c.ID = raw.ID
	c.ParentID, c.UserID = "", ""
	if raw.ParentID != nil {
		c.ParentID = *raw.ParentID
	}
	if raw.UserID != nil {
		c.UserID = *raw.UserID
	}
	return nil
}

type eventContextKey struct{}

// WithEventContext returns a copy of ctx carrying c.
func WithEventContext(ctx context.Context, c Context) context.Context {
	return context.WithValue(ctx, eventContextKey{}, c)
}

// EventContextFrom extracts the Context stored by WithEventContext.
func EventContextFrom(ctx context.Context) (Context, bool) {
	c, ok := ctx.Value(eventContextKey{}).(Context)
	return c, ok
}
