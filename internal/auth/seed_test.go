package auth

import (
	"context"
	"testing"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/core"
)

func TestSeedOwner_CreatesOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	password, err := SeedOwner(ctx, f.manager, f.local, OwnerSeed{Name: "Home Owner", Username: "Admin"}, core.NopLogger())
	if err != nil {
		t.Fatalf("SeedOwner() error = %v", err)
	}
	if len(password) != 2*seedPasswordBytes {
		t.Fatalf("generated password length = %d", len(password))
	}

	user, err := f.manager.Login(ctx, LocalProviderType, "", map[string]string{"username": "admin", "password": password})
	if err != nil {
		t.Fatalf("Login() with seeded password error = %v", err)
	}
	if !user.IsOwner || !user.IsAdmin() || user.Name != "Home Owner" {
		t.Errorf("seeded owner = %+v", user)
	}
	if n := len(f.manager.Users()); n != 1 {
		t.Errorf("Users() = %d, want 1 (login must reuse the owner)", n)
	}
}

func TestSeedOwner_SkipsWhenOwnerExists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := SeedOwner(ctx, f.manager, f.local, OwnerSeed{Password: "given"}, core.NopLogger()); err != nil {
		t.Fatalf("first SeedOwner() error = %v", err)
	}
	password, err := SeedOwner(ctx, f.manager, f.local, OwnerSeed{Username: "second"}, core.NopLogger())
	if err != nil {
		t.Fatalf("second SeedOwner() error = %v", err)
	}
	if password != "" {
		t.Error("SeedOwner() should return empty password when an owner exists")
	}
	if got := f.local.Usernames(); len(got) != 1 || got[0] != "owner" {
		t.Errorf("Usernames() = %v, want [owner]", got)
	}
}
