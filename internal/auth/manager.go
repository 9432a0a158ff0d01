package auth

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/core"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/metrics"
)

// UserOption configures CreateUser.
type UserOption func(*User)

// AsOwner marks the user as the instance owner.
func AsOwner() UserOption {
	return func(u *User) { u.IsOwner = true }
}

// InGroups sets the user's groups, replacing the default system-users.
func InGroups(ids ...string) UserOption {
	return func(u *User) { u.GroupIDs = slices.Clone(ids) }
}

// Inactive creates the user deactivated.
func Inactive() UserOption {
	return func(u *User) { u.IsActive = false }
}

// WithCredentials links credentials to the new user.
func WithCredentials(c *Credentials) UserOption {
	return func(u *User) { u.Credentials = append(u.Credentials, c.Copy()) }
}

// TokenOption configures CreateRefreshToken.
type TokenOption func(*RefreshToken)

// WithClient sets the OAuth client id. Normal tokens require one.
func WithClient(clientID string) TokenOption {
	return func(rt *RefreshToken) { rt.ClientID = clientID }
}

// WithClientName sets the display name. Long-lived tokens require one.
func WithClientName(name string) TokenOption {
	return func(rt *RefreshToken) { rt.ClientName = name }
}

// WithClientIcon sets the client icon.
func WithClientIcon(icon string) TokenOption {
	return func(rt *RefreshToken) { rt.ClientIcon = icon }
}

// WithTokenType overrides the token type chosen from the user.
func WithTokenType(t TokenType) TokenOption {
	return func(rt *RefreshToken) { rt.TokenType = t }
}

// WithAccessTokenExpiration sets the lifetime of access tokens minted
// from the refresh token.
func WithAccessTokenExpiration(d time.Duration) TokenOption {
	return func(rt *RefreshToken) { rt.AccessTokenExpiration = d }
}

type providerKey struct {
	typ string
	id  string
}

// Manager implements login, user lifecycle and token issuance on top of a
// Store and a set of providers.
type Manager struct {
	store     *Store
	bus       *core.Bus
	clock     core.Clock
	logger    core.Logger
	metrics   *metrics.Metrics
	providers map[providerKey]Provider
	order     []Provider

	accessTTL    time.Duration
	longLivedTTL time.Duration
}

// NewManager creates a manager. bus receives user_added and user_removed;
// it may be nil.
func NewManager(store *Store, bus *core.Bus, providers ...Provider) *Manager {
	m := &Manager{
		store:        store,
		bus:          bus,
		clock:        core.SystemClock{},
		logger:       core.NopLogger(),
		providers:    make(map[providerKey]Provider),
		accessTTL:    AccessTokenExpiration,
		longLivedTTL: LongLivedTokenExpiration,
	}
	for _, p := range providers {
		m.providers[providerKey{p.Type(), p.ID()}] = p
		m.order = append(m.order, p)
	}
	return m
}

// SetLogger sets the logger.
func (m *Manager) SetLogger(logger core.Logger) {
	m.logger = logger
}

// SetMetrics enables auth attempt counters.
func (m *Manager) SetMetrics(mt *metrics.Metrics) {
	m.metrics = mt
}

// SetClock replaces the clock used for token timestamps.
func (m *Manager) SetClock(c core.Clock) {
	m.clock = c
}

// SetTokenLifetimes overrides the normal access token lifetime and the
// maximum long-lived token lifetime. Zero keeps the current value.
func (m *Manager) SetTokenLifetimes(access, longLived time.Duration) {
	if access > 0 {
		m.accessTTL = access
	}
	if longLived > 0 {
		m.longLivedTTL = longLived
	}
}

// Store returns the underlying store.
func (m *Manager) Store() *Store {
	return m.store
}

// Providers returns the registered providers in registration order.
func (m *Manager) Providers() []Provider {
	return slices.Clone(m.order)
}

// Provider returns the provider with type and id, or nil.
func (m *Manager) Provider(typ, id string) Provider {
	return m.providers[providerKey{typ, id}]
}

// Login validates data with a provider and returns the user linked to the
// resulting credentials, creating one for first-time credentials.
//
// Returns ErrProviderNotFound, ErrInvalidAuth or ErrUserInactive.
func (m *Manager) Login(ctx context.Context, providerType, providerID string, data map[string]string) (*User, error) {
	p := m.Provider(providerType, providerID)
	if p == nil {
		m.metrics.AuthAttempt("login", false)
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, providerType)
	}
	if err := p.ValidateLogin(ctx, data); err != nil {
		m.metrics.AuthAttempt("login", false)
		m.logger.Warn("login failed", "provider", providerType, "error", err)
		return nil, err
	}

	creds := m.GetOrCreateCredentials(p, data)
	user, err := m.GetOrCreateUserForCredentials(ctx, creds)
	if err != nil {
		m.metrics.AuthAttempt("login", false)
		return nil, err
	}
	if !user.IsActive {
		m.metrics.AuthAttempt("login", false)
		return nil, fmt.Errorf("%w: %s", ErrUserInactive, user.ID)
	}
	m.metrics.AuthAttempt("login", true)
	return user, nil
}

// GetOrCreateCredentials returns the stored credentials matching the
// provider identity in data, or new unlinked credentials.
func (m *Manager) GetOrCreateCredentials(p Provider, data map[string]string) *Credentials {
	identity := p.CredentialIdentity(data)
	if c := m.store.FindCredentials(p.Type(), p.ID(), identity); c != nil {
		return c
	}
	return &Credentials{
		ID:               uuid.NewString(),
		AuthProviderType: p.Type(),
		AuthProviderID:   p.ID(),
		Data:             identity,
		IsNew:            true,
	}
}

// GetOrCreateUserForCredentials returns the user owning c, or creates one
// in system-users for new credentials.
func (m *Manager) GetOrCreateUserForCredentials(ctx context.Context, c *Credentials) (*User, error) {
	if !c.IsNew {
		for _, u := range m.store.Users() {
			for _, uc := range u.Credentials {
				if uc.ID == c.ID {
					return u, nil
				}
			}
		}
		return nil, fmt.Errorf("%w: no user for credentials %s", ErrUserNotFound, c.ID)
	}

	p := m.Provider(c.AuthProviderType, c.AuthProviderID)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, c.AuthProviderType)
	}
	meta := p.UserMeta(c)

	opts := []UserOption{WithCredentials(c)}
	if !meta.IsActive {
		opts = append(opts, Inactive())
	}
	return m.CreateUser(ctx, meta.Name, opts...)
}

// CreateUser adds an active user in system-users and fires user_added.
func (m *Manager) CreateUser(ctx context.Context, name string, opts ...UserOption) (*User, error) {
	return m.addUser(ctx, &User{
		ID:       uuid.NewString(),
		Name:     name,
		IsActive: true,
		GroupIDs: []string{GroupUser},
	}, opts)
}

// CreateOwner adds the owner: an administrator flagged as owner.
func (m *Manager) CreateOwner(ctx context.Context, name string, opts ...UserOption) (*User, error) {
	return m.CreateUser(ctx, name, append(opts, AsOwner(), InGroups(GroupAdmin))...)
}

// CreateSystemUser adds a system-generated user for integrations. Such
// users cannot log in and only hold system refresh tokens.
func (m *Manager) CreateSystemUser(ctx context.Context, name string, groupIDs ...string) (*User, error) {
	return m.addUser(ctx, &User{
		ID:              uuid.NewString(),
		Name:            name,
		IsActive:        true,
		SystemGenerated: true,
		GroupIDs:        slices.Clone(groupIDs),
	}, nil)
}

func (m *Manager) addUser(ctx context.Context, u *User, opts []UserOption) (*User, error) {
	for _, opt := range opts {
		opt(u)
	}
	if err := m.store.AddUser(ctx, u); err != nil {
		return nil, err
	}
	m.fire(core.EventUserAdded, u.ID)
	m.logger.Info("user created", "user_id", u.ID, "name", u.Name, "owner", u.IsOwner)
	return m.store.User(u.ID), nil
}

// GetUser returns a user or nil.
func (m *Manager) GetUser(id string) *User {
	return m.store.User(id)
}

// Users returns every user.
func (m *Manager) Users() []*User {
	return m.store.Users()
}

// HasOwner reports whether an owner account exists.
func (m *Manager) HasOwner() bool {
	for _, u := range m.store.Users() {
		if u.IsOwner {
			return true
		}
	}
	return false
}

// RemoveUser deletes a user with its credentials and tokens, then fires
// user_removed.
func (m *Manager) RemoveUser(ctx context.Context, id string) error {
	if err := m.store.RemoveUser(ctx, id); err != nil {
		return err
	}
	m.fire(core.EventUserRemoved, id)
	return nil
}

// ActivateUser re-enables a user.
func (m *Manager) ActivateUser(ctx context.Context, id string) error {
	_, err := m.store.UpdateUser(ctx, id, func(u *User) error {
		u.IsActive = true
		return nil
	})
	return err
}

// DeactivateUser disables a user. The owner cannot be deactivated.
func (m *Manager) DeactivateUser(ctx context.Context, id string) error {
	_, err := m.store.UpdateUser(ctx, id, func(u *User) error {
		if u.IsOwner {
			return fmt.Errorf("%w: cannot deactivate", ErrOwnerProtected)
		}
		u.IsActive = false
		return nil
	})
	return err
}

// RenameUser changes a user's display name.
func (m *Manager) RenameUser(ctx context.Context, id, name string) (*User, error) {
	return m.store.UpdateUser(ctx, id, func(u *User) error {
		u.Name = name
		return nil
	})
}

// SetUserGroups replaces a user's groups. The owner always stays an
// administrator.
//
// Returns ErrUserNotFound, ErrGroupNotFound or ErrOwnerProtected.
func (m *Manager) SetUserGroups(ctx context.Context, id string, groupIDs []string) (*User, error) {
	return m.store.UpdateUser(ctx, id, func(u *User) error {
		if u.IsOwner && !slices.Contains(groupIDs, GroupAdmin) {
			return fmt.Errorf("%w: cannot leave %s", ErrOwnerProtected, GroupAdmin)
		}
		u.GroupIDs = slices.Clone(groupIDs)
		return nil
	})
}

// LinkCredentials attaches c to an existing user. c is usually fresh from
// GetOrCreateCredentials.
//
// Returns ErrUserNotFound or ErrCredentialsLinked.
func (m *Manager) LinkCredentials(ctx context.Context, userID string, c *Credentials) error {
	if err := m.store.LinkCredentials(ctx, userID, c); err != nil {
		return err
	}
	m.logger.Info("credentials linked", "user_id", userID, "provider", c.AuthProviderType)
	return nil
}

// RemoveCredentials detaches the credentials with id from their user.
// The user can no longer log in through them.
func (m *Manager) RemoveCredentials(ctx context.Context, id string) error {
	if err := m.store.RemoveCredentials(ctx, id); err != nil {
		return err
	}
	m.logger.Info("credentials removed", "credentials_id", id)
	return nil
}

// RefreshTokens returns a user's refresh tokens, oldest first.
func (m *Manager) RefreshTokens(userID string) []*RefreshToken {
	u := m.store.User(userID)
	if u == nil {
		return nil
	}
	out := make([]*RefreshToken, 0, len(u.RefreshTokens))
	for _, rt := range u.RefreshTokens {
		out = append(out, rt)
	}
	slices.SortFunc(out, func(a, b *RefreshToken) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// RevokeUserTokens removes every refresh token of a user and returns how
// many were revoked.
func (m *Manager) RevokeUserTokens(ctx context.Context, userID string) (int, error) {
	if m.store.User(userID) == nil {
		return 0, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	revoked := 0
	for _, rt := range m.RefreshTokens(userID) {
		if err := m.RemoveRefreshToken(ctx, rt.ID); err != nil {
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}

// CreateRefreshToken issues a refresh token for user.
//
// System users get system tokens and nothing else. Normal tokens need a
// client id. Long-lived tokens need a client name unique for the user and
// an expiration no longer than the long-lived maximum.
func (m *Manager) CreateRefreshToken(ctx context.Context, user *User, opts ...TokenOption) (*RefreshToken, error) {
	current := m.store.User(user.ID)
	if current == nil {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, user.ID)
	}
	if !current.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrUserInactive, user.ID)
	}

	rt := &RefreshToken{
		ID:        uuid.NewString(),
		UserID:    current.ID,
		TokenType: TokenTypeNormal,
		CreatedAt: m.clock.Now(),
	}
	if current.SystemGenerated {
		rt.TokenType = TokenTypeSystem
	}
	for _, opt := range opts {
		opt(rt)
	}

	if err := m.checkTokenRequest(current, rt); err != nil {
		return nil, err
	}

	var err error
	if rt.JWTKey, err = generateSecret(); err != nil {
		return nil, err
	}
	if rt.Token, err = generateSecret(); err != nil {
		return nil, err
	}

	if err := m.store.AddRefreshToken(ctx, rt); err != nil {
		return nil, err
	}
	return rt.Copy(), nil
}

func (m *Manager) checkTokenRequest(user *User, rt *RefreshToken) error {
	switch {
	case user.SystemGenerated != (rt.TokenType == TokenTypeSystem):
		return fmt.Errorf("%w: system users and system tokens go together", ErrInvalidTokenType)
	case rt.TokenType == TokenTypeSystem && rt.ClientID != "":
		return fmt.Errorf("%w: system tokens have no client id", ErrInvalidTokenType)
	case rt.TokenType == TokenTypeNormal && rt.ClientID == "":
		return fmt.Errorf("%w: client id required", ErrInvalidTokenType)
	}

	switch rt.TokenType {
	case TokenTypeNormal, TokenTypeSystem:
		if rt.AccessTokenExpiration <= 0 {
			rt.AccessTokenExpiration = m.accessTTL
		}
	case TokenTypeLongLived:
		if rt.ClientName == "" {
			return fmt.Errorf("%w: client name required", ErrInvalidTokenType)
		}
		for _, existing := range user.RefreshTokens {
			if existing.TokenType == TokenTypeLongLived && existing.ClientName == rt.ClientName {
				return fmt.Errorf("%w: %s already has a long-lived token named %q",
					ErrInvalidTokenType, user.ID, rt.ClientName)
			}
		}
		if rt.AccessTokenExpiration <= 0 {
			rt.AccessTokenExpiration = m.longLivedTTL
		}
		if rt.AccessTokenExpiration > m.longLivedTTL {
			return fmt.Errorf("%w: lifespan exceeds %s", ErrInvalidTokenType, m.longLivedTTL)
		}
	default:
		return fmt.Errorf("%w: unknown token type %q", ErrInvalidTokenType, rt.TokenType)
	}
	return nil
}

// GetRefreshToken returns a refresh token by id, or nil.
func (m *Manager) GetRefreshToken(id string) *RefreshToken {
	return m.store.RefreshToken(id)
}

// GetRefreshTokenByToken returns the refresh token with the given secret,
// or nil.
func (m *Manager) GetRefreshTokenByToken(token string) *RefreshToken {
	return m.store.RefreshTokenByToken(token)
}

// RemoveRefreshToken revokes a refresh token. Access tokens minted from it
// stop validating immediately.
func (m *Manager) RemoveRefreshToken(ctx context.Context, id string) error {
	if err := m.store.RemoveRefreshToken(ctx, id); err != nil {
		return err
	}
	m.logger.Info("refresh token revoked", "token_id", id)
	return nil
}

// CreateAccessToken mints an access token from rt and records its use.
func (m *Manager) CreateAccessToken(rt *RefreshToken, remoteIP string) (string, error) {
	now := m.clock.Now()
	token, err := signAccessToken(rt, now)
	if err != nil {
		return "", err
	}
	m.store.MarkRefreshTokenUsed(rt.ID, remoteIP, now)
	return token, nil
}

// ValidateAccessToken returns the refresh token an access token was minted
// from, or nil if the token is malformed, unsigned by that refresh token's
// key, expired, revoked or owned by an inactive user.
func (m *Manager) ValidateAccessToken(_ context.Context, token string) *RefreshToken {
	issuer, ok := unverifiedIssuer(token)
	if !ok {
		m.metrics.AuthAttempt("access_token", false)
		return nil
	}
	rt := m.store.RefreshToken(issuer)
	if rt == nil {
		m.metrics.AuthAttempt("access_token", false)
		return nil
	}
	if err := verifyAccessToken(token, rt.JWTKey, m.clock.Now()); err != nil {
		m.metrics.AuthAttempt("access_token", false)
		return nil
	}
	if user := m.store.User(rt.UserID); user == nil || !user.IsActive {
		m.metrics.AuthAttempt("access_token", false)
		return nil
	}
	m.metrics.AuthAttempt("access_token", true)
	return rt
}

// IsAdmin reports whether userID belongs to an active administrator.
func (m *Manager) IsAdmin(_ context.Context, userID string) (bool, error) {
	u := m.store.User(userID)
	if u == nil {
		return false, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return u.IsActive && u.IsAdmin(), nil
}

func (m *Manager) fire(eventType, userID string) {
	if m.bus == nil {
		return
	}
	if _, err := m.bus.Fire(eventType, map[string]any{"user_id": userID}); err != nil {
		m.logger.Warn("failed to fire user event", "event_type", eventType, "error", err)
	}
}
