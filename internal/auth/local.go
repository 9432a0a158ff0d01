package auth

import (
	"context"
	"errors"
	"fmt"
)

// AddLocalLogin creates a username/password login at the local provider
// and links it to an existing user. The username is rolled back if linking
// fails.
//
// Returns ErrUserNotFound, ErrUsernameExists or ErrCredentialsLinked.
func AddLocalLogin(ctx context.Context, m *Manager, local *LocalProvider, userID, username, password string) (*Credentials, error) {
	if m.GetUser(userID) == nil {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	if err := local.AddUser(ctx, username, password); err != nil {
		return nil, err
	}

	creds := m.GetOrCreateCredentials(local, map[string]string{"username": username})
	err := ErrCredentialsLinked
	if creds.IsNew {
		err = m.LinkCredentials(ctx, userID, creds)
	}
	if err != nil {
		local.RemoveUser(ctx, username) //nolint:errcheck // Best effort rollback
		return nil, err
	}
	return m.GetOrCreateCredentials(local, map[string]string{"username": username}), nil
}

// RemoveLogin detaches credentials from their user. Local-provider
// credentials also lose their username and password.
func RemoveLogin(ctx context.Context, m *Manager, local *LocalProvider, c *Credentials) error {
	if err := m.RemoveCredentials(ctx, c.ID); err != nil {
		return err
	}
	if local == nil || c.AuthProviderType != local.Type() || c.AuthProviderID != local.ID() {
		return nil
	}
	if err := local.RemoveUser(ctx, c.Data["username"]); err != nil && !errors.Is(err, ErrUserNotFound) {
		return fmt.Errorf("removing local username: %w", err)
	}
	return nil
}

// LocalUsername returns the username u logs in with at the local provider.
func LocalUsername(u *User, local *LocalProvider) (string, bool) {
	for _, c := range u.Credentials {
		if c.AuthProviderType == local.Type() && c.AuthProviderID == local.ID() {
			return c.Data["username"], true
		}
	}
	return "", false
}
