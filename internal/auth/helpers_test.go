package auth

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/core"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/storage"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	dir     string
	backend *storage.FileStore
	loop    *core.Loop
	bus     *core.Bus
	store   *Store
	local   *LocalProvider
	manager *Manager
	clock   *manualClock
}

// newFixture builds a loaded manager persisting to a temp directory.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	loop := core.NewLoop(2)
	loop.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		loop.Stop(ctx) //nolint:errcheck // Test cleanup
	})

	dir := filepath.Join(t.TempDir(), ".storage")
	f := &fixture{
		dir:     dir,
		backend: storage.NewFileStore(dir),
		loop:    loop,
		bus:     core.NewBus(loop),
		clock:   &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.reload(t)
	return f
}

// reload builds a fresh store, provider and manager over the same backend.
func (f *fixture) reload(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	f.store = NewStore(f.backend, f.loop)
	if err := f.store.Load(ctx); err != nil {
		t.Fatalf("Store.Load() error = %v", err)
	}
	f.local = NewLocalProvider(f.backend, f.loop)
	if err := f.local.Load(ctx); err != nil {
		t.Fatalf("LocalProvider.Load() error = %v", err)
	}
	f.manager = NewManager(f.store, f.bus, f.local)
	f.manager.SetClock(f.clock)
}

func (f *fixture) createUser(t *testing.T, name string, opts ...UserOption) *User {
	t.Helper()
	u, err := f.manager.CreateUser(context.Background(), name, opts...)
	if err != nil {
		t.Fatalf("CreateUser(%s) error = %v", name, err)
	}
	return u
}

func (f *fixture) refreshToken(t *testing.T, u *User, opts ...TokenOption) *RefreshToken {
	t.Helper()
	rt, err := f.manager.CreateRefreshToken(context.Background(), u, opts...)
	if err != nil {
		t.Fatalf("CreateRefreshToken() error = %v", err)
	}
	return rt
}
