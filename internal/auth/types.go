package auth

import (
	"errors"
	"maps"
	"slices"
	"time"
)

// Built-in group ids.
const (
	GroupAdmin    = "system-admin"
	GroupUser     = "system-users"
	GroupReadOnly = "system-read-only"
)

// TokenType classifies a refresh token.
type TokenType string

const (
	// TokenTypeNormal is issued to a client after an interactive login.
	TokenTypeNormal TokenType = "normal"

	// TokenTypeSystem belongs to a system-generated user (integrations,
	// supervisors). It has no client id.
	TokenTypeSystem TokenType = "system"

	// TokenTypeLongLived backs a long-lived access token created by a user
	// for scripts and devices. One per (user, client name).
	TokenTypeLongLived TokenType = "long_lived_access_token"
)

// Token lifetimes.
const (
	AccessTokenExpiration    = 30 * time.Minute
	LongLivedTokenExpiration = 3650 * 24 * time.Hour
)

// Group is a named set of users.
type Group struct {
	ID              string
	Name            string
	SystemGenerated bool
}

// User is an account. Users returned by the Manager and Store are copies.
type User struct {
	ID              string
	Name            string
	IsOwner         bool
	IsActive        bool
	SystemGenerated bool
	GroupIDs        []string
	Credentials     []*Credentials
	RefreshTokens   map[string]*RefreshToken
}

// IsAdmin reports whether the user belongs to the system-admin group.
func (u *User) IsAdmin() bool {
	return slices.Contains(u.GroupIDs, GroupAdmin)
}

// Copy returns a deep copy of u.
func (u *User) Copy() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.GroupIDs = slices.Clone(u.GroupIDs)
	c.Credentials = make([]*Credentials, len(u.Credentials))
	for i, cr := range u.Credentials {
		c.Credentials[i] = cr.Copy()
	}
	c.RefreshTokens = make(map[string]*RefreshToken, len(u.RefreshTokens))
	for id, rt := range u.RefreshTokens {
		c.RefreshTokens[id] = rt.Copy()
	}
	return &c
}

// Credentials link a user to an identity at an auth provider.
type Credentials struct {
	ID               string
	UserID           string
	AuthProviderType string
	AuthProviderID   string
	Data             map[string]string

	// IsNew is true for credentials that are not yet linked to a user.
	IsNew bool
}

// Copy returns a deep copy of c.
func (c *Credentials) Copy() *Credentials {
	if c == nil {
		return nil
	}
	out := *c
	out.Data = maps.Clone(c.Data)
	return &out
}

// RefreshToken is a long-lived secret from which access tokens are minted.
type RefreshToken struct {
	ID                    string
	UserID                string
	ClientID              string
	ClientName            string
	ClientIcon            string
	TokenType             TokenType
	CreatedAt             time.Time
	AccessTokenExpiration time.Duration

	// JWTKey signs every access token minted from this refresh token.
	JWTKey string

	// Token is the secret the client presents to mint access tokens.
	Token string

	LastUsedAt *time.Time
	LastUsedIP string
}

// Copy returns a copy of rt.
func (rt *RefreshToken) Copy() *RefreshToken {
	if rt == nil {
		return nil
	}
	out := *rt
	if rt.LastUsedAt != nil {
		t := *rt.LastUsedAt
		out.LastUsedAt = &t
	}
	return &out
}

// Sentinel errors for auth operations.
var (
	ErrInvalidAuth       = errors.New("auth: invalid username or password")
	ErrUsernameExists    = errors.New("auth: username already exists")
	ErrUserNotFound      = errors.New("auth: user not found")
	ErrUserInactive      = errors.New("auth: user account is inactive")
	ErrGroupNotFound     = errors.New("auth: group not found")
	ErrTokenNotFound     = errors.New("auth: refresh token not found")
	ErrInvalidTokenType  = errors.New("auth: invalid refresh token request")
	ErrProviderNotFound  = errors.New("auth: auth provider not found")
	ErrCredentialsLinked = errors.New("auth: credentials already linked to a user")
	ErrNotLoaded         = errors.New("auth: store not loaded")
	ErrOwnerProtected    = errors.New("auth: operation not allowed on the owner")
)
