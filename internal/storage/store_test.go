package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/infrastructure/database"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/migrations"
)

type doc struct {
	Users []string `json:"users"`
	Count int      `json:"count"`
}

func newSQLiteStore(t *testing.T) *SQLiteStore {
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
	return NewSQLiteStore(db)
}

func backends(t *testing.T) map[string]Store {
	t.Helper()
	return map[string]Store{
		"file":   NewFileStore(filepath.Join(t.TempDir(), ".storage")),
		"sqlite": newSQLiteStore(t),
	}
}

func TestStore_LoadMissing(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var got doc
			version, found, err := s.Load(context.Background(), "auth", &got)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if found || version != 0 {
				t.Errorf("Load() = (%d, %v), want (0, false)", version, found)
			}
		})
	}
}

func TestStore_SaveLoadReplace(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Save(ctx, "auth", 1, doc{Users: []string{"a"}, Count: 1}); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			if err := s.Save(ctx, "auth", 2, doc{Users: []string{"a", "b"}, Count: 2}); err != nil {
				t.Fatalf("second Save() error = %v", err)
			}

			var got doc
			version, found, err := s.Load(ctx, "auth", &got)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if !found || version != 2 {
				t.Fatalf("Load() = (%d, %v), want (2, true)", version, found)
			}
			if got.Count != 2 || len(got.Users) != 2 {
				t.Errorf("Load() doc = %+v", got)
			}

			if err := s.Remove(ctx, "auth"); err != nil {
				t.Fatalf("Remove() error = %v", err)
			}
			if err := s.Remove(ctx, "auth"); err != nil {
				t.Errorf("Remove() of missing key error = %v", err)
			}
			if _, found, _ := s.Load(ctx, "auth", &got); found {
				t.Error("document still found after Remove")
			}
		})
	}
}

func TestStore_InvalidKey(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"", "../escape", "Auth", "a/b"} {
				if err := s.Save(ctx, key, 1, doc{}); !errors.Is(err, ErrInvalidKey) {
					t.Errorf("Save(%q) error = %v, want ErrInvalidKey", key, err)
				}
			}
		})
	}
}

func TestFileStore_Envelope(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)

	if err := s.Save(context.Background(), "auth_provider.openpeerpower", 1, doc{Count: 3}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	path := filepath.Join(dir, "auth_provider.openpeerpower")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != filePermissions {
		t.Errorf("permissions = %o, want %o", perm, filePermissions)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	for _, want := range []string{`"version": 1`, `"key": "auth_provider.openpeerpower"`, `"data"`} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("file missing %s:\n%s", want, raw)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want 1 (no temp files left behind)", len(entries))
	}
}

func TestFileStore_KeyMismatch(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)

	body := `{"version":1,"key":"other","data":{}}`
	if err := os.WriteFile(filepath.Join(dir, "auth"), []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	var got doc
	if _, _, err := s.Load(context.Background(), "auth", &got); !errors.Is(err, ErrKeyMismatch) {
		t.Errorf("Load() error = %v, want ErrKeyMismatch", err)
	}
}

func TestFileStore_CancelledContext(t *testing.T) {
	s := NewFileStore(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Save(ctx, "auth", 1, doc{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Save() error = %v, want context.Canceled", err)
	}
}
