package auth

import (
	"context"
	"errors"
	"testing"
)

func TestAddLocalLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.createUser(t, "Dana")

	creds, err := AddLocalLogin(ctx, f.manager, f.local, user.ID, "Dana", "hunter22")
	if err != nil {
		t.Fatalf("AddLocalLogin() error = %v", err)
	}
	if creds.UserID != user.ID || creds.IsNew || creds.Data["username"] != "dana" {
		t.Errorf("credentials = %+v", creds)
	}

	got, err := f.manager.Login(ctx, LocalProviderType, "", map[string]string{"username": "dana", "password": "hunter22"})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if got.ID != user.ID {
		t.Errorf("Login() user = %s, want %s", got.ID, user.ID)
	}
	if name, ok := LocalUsername(f.manager.GetUser(user.ID), f.local); !ok || name != "dana" {
		t.Errorf("LocalUsername() = %q, %v", name, ok)
	}

	// Survives a restart.
	f.reload(t)
	if _, err := f.manager.Login(ctx, LocalProviderType, "", map[string]string{"username": "dana", "password": "hunter22"}); err != nil {
		t.Errorf("Login() after reload error = %v", err)
	}
}

func TestAddLocalLogin_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.createUser(t, "Erin")
	if _, err := AddLocalLogin(ctx, f.manager, f.local, user.ID, "erin", "pw-one"); err != nil {
		t.Fatalf("AddLocalLogin() error = %v", err)
	}
	other := f.createUser(t, "Frank")

	tests := []struct {
		name     string
		userID   string
		username string
		wantErr  error
	}{
		{"unknown user", "missing", "nobody", ErrUserNotFound},
		{"taken username", other.ID, "ERIN", ErrUsernameExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := AddLocalLogin(ctx, f.manager, f.local, tt.userID, tt.username, "pw"); !errors.Is(err, tt.wantErr) {
				t.Errorf("AddLocalLogin() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if _, ok := LocalUsername(f.manager.GetUser(other.ID), f.local); ok {
		t.Error("failed AddLocalLogin left credentials behind")
	}
}

func TestRemoveLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.createUser(t, "Gail")
	creds, err := AddLocalLogin(ctx, f.manager, f.local, user.ID, "gail", "pw")
	if err != nil {
		t.Fatalf("AddLocalLogin() error = %v", err)
	}

	if err := RemoveLogin(ctx, f.manager, f.local, creds); err != nil {
		t.Fatalf("RemoveLogin() error = %v", err)
	}
	if u := f.manager.GetUser(user.ID); len(u.Credentials) != 0 {
		t.Errorf("credentials after remove = %v", u.Credentials)
	}
	if _, err := f.manager.Login(ctx, LocalProviderType, "", map[string]string{"username": "gail", "password": "pw"}); !errors.Is(err, ErrInvalidAuth) {
		t.Errorf("Login() error = %v, want ErrInvalidAuth", err)
	}

	// The username is free again.
	if _, err := AddLocalLogin(ctx, f.manager, f.local, user.ID, "gail", "pw2"); err != nil {
		t.Errorf("AddLocalLogin() reuse error = %v", err)
	}
}

func TestManager_UserUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.createUser(t, "Hank")
	owner, err := f.manager.CreateOwner(ctx, "Owner")
	if err != nil {
		t.Fatalf("CreateOwner() error = %v", err)
	}

	renamed, err := f.manager.RenameUser(ctx, user.ID, "Henry")
	if err != nil || renamed.Name != "Henry" {
		t.Fatalf("RenameUser() = %+v, %v", renamed, err)
	}

	updated, err := f.manager.SetUserGroups(ctx, user.ID, []string{GroupAdmin})
	if err != nil || !updated.IsAdmin() {
		t.Fatalf("SetUserGroups() = %+v, %v", updated, err)
	}

	tests := []struct {
		name    string
		id      string
		groups  []string
		wantErr error
	}{
		{"unknown group", user.ID, []string{"wizards"}, ErrGroupNotFound},
		{"unknown user", "missing", []string{GroupUser}, ErrUserNotFound},
		{"owner demoted", owner.ID, []string{GroupUser}, ErrOwnerProtected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.manager.SetUserGroups(ctx, tt.id, tt.groups); !errors.Is(err, tt.wantErr) {
				t.Errorf("SetUserGroups() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if err := f.manager.DeactivateUser(ctx, owner.ID); !errors.Is(err, ErrOwnerProtected) {
		t.Errorf("DeactivateUser(owner) error = %v, want ErrOwnerProtected", err)
	}
}

func TestManager_RevokeUserTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.createUser(t, "Ivy")
	first := f.refreshToken(t, user, WithClient("https://one"))
	f.clock.Advance(1)
	f.refreshToken(t, user, WithClient("https://two"))
	access, err := f.manager.CreateAccessToken(first, "10.0.0.1")
	if err != nil {
		t.Fatalf("CreateAccessToken() error = %v", err)
	}

	tokens := f.manager.RefreshTokens(user.ID)
	if len(tokens) != 2 || tokens[0].ID != first.ID {
		t.Fatalf("RefreshTokens() = %v, want oldest first", tokens)
	}

	n, err := f.manager.RevokeUserTokens(ctx, user.ID)
	if err != nil || n != 2 {
		t.Fatalf("RevokeUserTokens() = %d, %v", n, err)
	}
	if rt := f.manager.ValidateAccessToken(ctx, access); rt != nil {
		t.Error("access token still valid after revoking the user's tokens")
	}
	if _, err := f.manager.RevokeUserTokens(ctx, "missing"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("RevokeUserTokens(missing) error = %v", err)
	}
}
