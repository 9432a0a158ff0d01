package auth

import (
	"cmp"
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/core"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/storage"
)

// Provider verifies identities for one login method.
type Provider interface {
	// Type names the provider kind, e.g. "openpeerpower".
	Type() string

	// ID distinguishes several providers of one type. It may be empty.
	ID() string

	// Name is shown to users choosing how to log in.
	Name() string

	// ValidateLogin returns ErrInvalidAuth unless data proves the identity.
	ValidateLogin(ctx context.Context, data map[string]string) error

	// CredentialIdentity extracts the part of login data that identifies
	// the account, used to find existing credentials.
	CredentialIdentity(data map[string]string) map[string]string

	// UserMeta describes the user to create for new credentials.
	UserMeta(c *Credentials) UserMeta
}

// UserMeta describes a user created from new credentials.
type UserMeta struct {
	Name     string
	IsActive bool
}

// LocalProviderType is the type of the built-in username/password provider.
const LocalProviderType = "openpeerpower"

const (
	localStorageKey     = "auth_provider." + LocalProviderType
	localStorageVersion = 1
)

// usernamePattern: alphanumeric, dots, hyphens, underscores, 1-64 characters.
var usernamePattern = regexp.MustCompile(`^[a-z0-9._-]{1,64}$`)

// IsValidUsername reports whether a normalised username is acceptable.
func IsValidUsername(username string) bool {
	return usernamePattern.MatchString(username)
}

// NormalizeUsername trims and lowercases a username.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

type localUser struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type localDocument struct {
	Users []localUser `json:"users"`
}

// LocalProvider stores usernames with Argon2id password hashes in its own
// storage document.
type LocalProvider struct {
	backend storage.Store
	loop    *core.Loop

	mu    sync.RWMutex
	users map[string]string
}

// NewLocalProvider creates the provider. loop may be nil, in which case
// hashing and saves run on the calling goroutine.
func NewLocalProvider(backend storage.Store, loop *core.Loop) *LocalProvider {
	return &LocalProvider{backend: backend, loop: loop}
}

// Type implements Provider.
func (p *LocalProvider) Type() string { return LocalProviderType }

// ID implements Provider.
func (p *LocalProvider) ID() string { return "" }

// Name implements Provider.
func (p *LocalProvider) Name() string { return "Open Peer Power Local" }

func (p *LocalProvider) runBlocking(ctx context.Context, fn func() error) error {
	if p.loop == nil {
		return fn()
	}
	return p.loop.RunBlocking(ctx, fn)
}

// Load reads the provider's users.
func (p *LocalProvider) Load(ctx context.Context) error {
	var doc localDocument
	err := p.runBlocking(ctx, func() error {
		_, _, err := p.backend.Load(ctx, localStorageKey, &doc)
		return err
	})
	if err != nil {
		return fmt.Errorf("loading local auth provider: %w", err)
	}

	users := make(map[string]string, len(doc.Users))
	for _, u := range doc.Users {
		users[NormalizeUsername(u.Username)] = u.Password
	}

	p.mu.Lock()
	p.users = users
	p.mu.Unlock()
	return nil
}

// Usernames returns the sorted list of usernames.
func (p *LocalProvider) Usernames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.users))
	for u := range p.users {
		names = append(names, u)
	}
	slices.Sort(names)
	return names
}

// AddUser creates a username with a password.
func (p *LocalProvider) AddUser(ctx context.Context, username, password string) error {
	username = NormalizeUsername(username)
	if !IsValidUsername(username) {
		return fmt.Errorf("invalid username %q", username)
	}

	hash, err := p.hash(ctx, password)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.users[username]; ok {
		return fmt.Errorf("%w: %s", ErrUsernameExists, username)
	}
	return p.commit(ctx, func(users map[string]string) { users[username] = hash })
}

// ChangePassword replaces the password of an existing username.
func (p *LocalProvider) ChangePassword(ctx context.Context, username, password string) error {
	username = NormalizeUsername(username)

	hash, err := p.hash(ctx, password)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.users[username]; !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	return p.commit(ctx, func(users map[string]string) { users[username] = hash })
}

// RemoveUser deletes a username.
func (p *LocalProvider) RemoveUser(ctx context.Context, username string) error {
	username = NormalizeUsername(username)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.users[username]; !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	return p.commit(ctx, func(users map[string]string) { delete(users, username) })
}

// ValidateLogin implements Provider. data must hold username and password.
// Unknown usernames cost as much as a wrong password.
func (p *LocalProvider) ValidateLogin(ctx context.Context, data map[string]string) error {
	username := NormalizeUsername(data["username"])
	password := data["password"]

	p.mu.RLock()
	hash, ok := p.users[username]
	p.mu.RUnlock()

	var match bool
	err := p.runBlocking(ctx, func() error {
		if !ok {
			burnPasswordCheck(password)
			return nil
		}
		var err error
		match, err = VerifyPassword(password, hash)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAuth, err)
	}
	if !ok || !match {
		return ErrInvalidAuth
	}
	return nil
}

// CredentialIdentity implements Provider.
func (p *LocalProvider) CredentialIdentity(data map[string]string) map[string]string {
	return map[string]string{"username": NormalizeUsername(data["username"])}
}

// UserMeta implements Provider.
func (p *LocalProvider) UserMeta(c *Credentials) UserMeta {
	return UserMeta{Name: c.Data["username"], IsActive: true}
}

func (p *LocalProvider) hash(ctx context.Context, password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("empty password")
	}
	var hash string
	err := p.runBlocking(ctx, func() error {
		var err error
		hash, err = HashPassword(password)
		return err
	})
	return hash, err
}

// commit must be called with mu held.
func (p *LocalProvider) commit(ctx context.Context, mutate func(map[string]string)) error {
	next := make(map[string]string, len(p.users)+1)
	for k, v := range p.users {
		next[k] = v
	}
	mutate(next)

	doc := localDocument{Users: make([]localUser, 0, len(next))}
	for u, h := range next {
		doc.Users = append(doc.Users, localUser{Username: u, Password: h})
	}
	slices.SortFunc(doc.Users, func(a, b localUser) int { return cmp.Compare(a.Username, b.Username) })

	err := p.runBlocking(ctx, func() error {
		return p.backend.Save(ctx, localStorageKey, localStorageVersion, doc)
	})
	if err != nil {
		return fmt.Errorf("saving local auth provider: %w", err)
	}
	p.users = next
	return nil
}
