package auth

import (
	"cmp"
	"context"
	"crypto/subtle"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/core"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/storage"
)

const (
	storageKey     = "auth"
	storageVersion = 1
)

// authData is one immutable generation of the store's contents. Mutations
// build a new generation from a clone.
type authData struct {
	users  map[string]*User
	groups map[string]*Group
}

func defaultData() *authData {
	return &authData{
		users: make(map[string]*User),
		groups: map[string]*Group{
			GroupAdmin:    {ID: GroupAdmin, Name: "Administrators", SystemGenerated: true},
			GroupUser:     {ID: GroupUser, Name: "Users", SystemGenerated: true},
			GroupReadOnly: {ID: GroupReadOnly, Name: "Read Only", SystemGenerated: true},
		},
	}
}

func (d *authData) clone() *authData {
	out := &authData{
		users:  make(map[string]*User, len(d.users)),
		groups: make(map[string]*Group, len(d.groups)),
	}
	for id, u := range d.users {
		out.users[id] = u.Copy()
	}
	for id, g := range d.groups {
		gc := *g
		out.groups[id] = &gc
	}
	return out
}

func (d *authData) refreshToken(id string) *RefreshToken {
	for _, u := range d.users {
		if rt, ok := u.RefreshTokens[id]; ok {
			return rt
		}
	}
	return nil
}

// Store is the system of record for users, groups, credentials and
// refresh tokens.
//
// Reads are served from memory. Mutations are serialised; each one saves
// the new contents through the storage backend on the loop's blocking
// executor and only then makes them visible.
type Store struct {
	backend storage.Store
	loop    *core.Loop
	logger  core.Logger

	saveMu sync.Mutex

	mu    sync.RWMutex
	data  *authData
	dirty bool
}

// NewStore creates a store persisting to backend. loop may be nil, in which
// case saves run on the calling goroutine.
func NewStore(backend storage.Store, loop *core.Loop) *Store {
	return &Store{
		backend: backend,
		loop:    loop,
		logger:  core.NopLogger(),
	}
}

// SetLogger sets the logger.
func (s *Store) SetLogger(logger core.Logger) {
	s.logger = logger
}

// Load reads the auth document, creating it with the built-in groups on
// first start.
func (s *Store) Load(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	var doc authDocument
	var found bool
	err := s.runBlocking(ctx, func() error {
		var err error
		_, found, err = s.backend.Load(ctx, storageKey, &doc)
		return err
	})
	if err != nil {
		return fmt.Errorf("loading auth store: %w", err)
	}

	data := defaultData()
	if found {
		data = doc.toData()
	} else if err := s.save(ctx, data); err != nil {
		return err
	}

	s.mu.Lock()
	s.data = data
	s.dirty = false
	s.mu.Unlock()

	s.logger.Info("auth store loaded", "users", len(data.users), "created", !found)
	return nil
}

func (s *Store) runBlocking(ctx context.Context, fn func() error) error {
	if s.loop == nil {
		return fn()
	}
	return s.loop.RunBlocking(ctx, fn)
}

func (s *Store) save(ctx context.Context, data *authData) error {
	doc := fromData(data)
	if err := s.runBlocking(ctx, func() error {
		return s.backend.Save(ctx, storageKey, storageVersion, doc)
	}); err != nil {
		return fmt.Errorf("saving auth store: %w", err)
	}
	return nil
}

func (s *Store) current() (*authData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data == nil {
		return nil, ErrNotLoaded
	}
	return s.data, nil
}

func (s *Store) update(ctx context.Context, fn func(*authData) error) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	cur, err := s.current()
	if err != nil {
		return err
	}
	next := cur.clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := s.save(ctx, next); err != nil {
		return err
	}

	s.mu.Lock()
	s.data = next
	s.dirty = false
	s.mu.Unlock()
	return nil
}

// Users returns every user sorted by name.
func (s *Store) Users() []*User {
	data, err := s.current()
	if err != nil {
		return nil
	}
	out := make([]*User, 0, len(data.users))
	for _, u := range data.users {
		out = append(out, u.Copy())
	}
	slices.SortFunc(out, func(a, b *User) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// User returns the user with id, or nil.
func (s *Store) User(id string) *User {
	data, err := s.current()
	if err != nil {
		return nil
	}
	return data.users[id].Copy()
}

// Groups returns every group sorted by id.
func (s *Store) Groups() []*Group {
	data, err := s.current()
	if err != nil {
		return nil
	}
	out := make([]*Group, 0, len(data.groups))
	for _, g := range data.groups {
		gc := *g
		out = append(out, &gc)
	}
	slices.SortFunc(out, func(a, b *Group) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// RefreshToken returns the refresh token with id, or nil.
func (s *Store) RefreshToken(id string) *RefreshToken {
	data, err := s.current()
	if err != nil {
		return nil
	}
	return data.refreshToken(id).Copy()
}

// RefreshTokenByToken finds a refresh token by its secret. Every token is
// compared in constant time.
func (s *Store) RefreshTokenByToken(token string) *RefreshToken {
	data, err := s.current()
	if err != nil || token == "" {
		return nil
	}
	var found *RefreshToken
	for _, u := range data.users {
		for _, rt := range u.RefreshTokens {
			if subtle.ConstantTimeCompare([]byte(rt.Token), []byte(token)) == 1 {
				found = rt
			}
		}
	}
	return found.Copy()
}

// FindCredentials returns the linked credentials at a provider whose data
// contains every identity key/value, or nil.
func (s *Store) FindCredentials(providerType, providerID string, identity map[string]string) *Credentials {
	data, err := s.current()
	if err != nil {
		return nil
	}
	for _, u := range data.users {
		for _, c := range u.Credentials {
			if c.AuthProviderType != providerType || c.AuthProviderID != providerID {
				continue
			}
			if matchesIdentity(c.Data, identity) {
				return c.Copy()
			}
		}
	}
	return nil
}

func matchesIdentity(data, identity map[string]string) bool {
	if len(identity) == 0 {
		return false
	}
	for k, v := range identity {
		if data[k] != v {
			return false
		}
	}
	return true
}

// AddUser stores a new user. Its groups must exist.
func (s *Store) AddUser(ctx context.Context, u *User) error {
	return s.update(ctx, func(d *authData) error {
		if _, ok := d.users[u.ID]; ok {
			return fmt.Errorf("user %s already exists", u.ID)
		}
		for _, gid := range u.GroupIDs {
			if _, ok := d.groups[gid]; !ok {
				return fmt.Errorf("%w: %s", ErrGroupNotFound, gid)
			}
		}
		nu := u.Copy()
		for _, c := range nu.Credentials {
			c.UserID = nu.ID
			c.IsNew = false
		}
		d.users[u.ID] = nu
		return nil
	})
}

// RemoveUser deletes a user with its credentials and refresh tokens.
func (s *Store) RemoveUser(ctx context.Context, id string) error {
	return s.update(ctx, func(d *authData) error {
		if _, ok := d.users[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUserNotFound, id)
		}
		delete(d.users, id)
		return nil
	})
}

// UpdateUser applies fn to a copy of the user and stores the result.
func (s *Store) UpdateUser(ctx context.Context, id string, fn func(*User) error) (*User, error) {
	var updated *User
	err := s.update(ctx, func(d *authData) error {
		u, ok := d.users[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUserNotFound, id)
		}
		if err := fn(u); err != nil {
			return err
		}
		for _, gid := range u.GroupIDs {
			if _, ok := d.groups[gid]; !ok {
				return fmt.Errorf("%w: %s", ErrGroupNotFound, gid)
			}
		}
		updated = u.Copy()
		return nil
	})
	return updated, err
}

// LinkCredentials attaches credentials to a user.
func (s *Store) LinkCredentials(ctx context.Context, userID string, c *Credentials) error {
	return s.update(ctx, func(d *authData) error {
		u, ok := d.users[userID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		for _, other := range d.users {
			for _, existing := range other.Credentials {
				if existing.ID == c.ID {
					return fmt.Errorf("%w: %s", ErrCredentialsLinked, c.ID)
				}
			}
		}
		nc := c.Copy()
		nc.UserID = userID
		nc.IsNew = false
		u.Credentials = append(u.Credentials, nc)
		return nil
	})
}

// RemoveCredentials detaches credentials from whichever user holds them.
func (s *Store) RemoveCredentials(ctx context.Context, credentialsID string) error {
	return s.update(ctx, func(d *authData) error {
		for _, u := range d.users {
			u.Credentials = slices.DeleteFunc(u.Credentials, func(c *Credentials) bool {
				return c.ID == credentialsID
			})
		}
		return nil
	})
}

// AddRefreshToken stores a refresh token on its user.
func (s *Store) AddRefreshToken(ctx context.Context, rt *RefreshToken) error {
	return s.update(ctx, func(d *authData) error {
		u, ok := d.users[rt.UserID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUserNotFound, rt.UserID)
		}
		if u.RefreshTokens == nil {
			u.RefreshTokens = make(map[string]*RefreshToken)
		}
		u.RefreshTokens[rt.ID] = rt.Copy()
		return nil
	})
}

// RemoveRefreshToken deletes a refresh token.
func (s *Store) RemoveRefreshToken(ctx context.Context, id string) error {
	return s.update(ctx, func(d *authData) error {
		for _, u := range d.users {
			if _, ok := u.RefreshTokens[id]; ok {
				delete(u.RefreshTokens, id)
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrTokenNotFound, id)
	})
}

// MarkRefreshTokenUsed records when and from where a refresh token was
// last used. The change is kept in memory and written with the next save
// or SaveIfDirty.
func (s *Store) MarkRefreshTokenUsed(id, remoteIP string, at time.Time) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	cur, err := s.current()
	if err != nil || cur.refreshToken(id) == nil {
		return
	}
	next := cur.clone()
	rt := next.refreshToken(id)
	rt.LastUsedAt = &at
	rt.LastUsedIP = remoteIP

	s.mu.Lock()
	s.data = next
	s.dirty = true
	s.mu.Unlock()
}

// SaveIfDirty writes usage stamps recorded since the last save.
func (s *Store) SaveIfDirty(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	data, dirty := s.data, s.dirty
	s.mu.RUnlock()
	if data == nil || !dirty {
		return nil
	}
	if err := s.save(ctx, data); err != nil {
		return err
	}

	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	return nil
}

// authDocument is the persisted form of the store.
type authDocument struct {
	Users         []storedUser         `json:"users"`
	Groups        []storedGroup        `json:"groups"`
	Credentials   []storedCredentials  `json:"credentials"`
	RefreshTokens []storedRefreshToken `json:"refresh_tokens"`
}

type storedUser struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	IsOwner         bool     `json:"is_owner"`
	IsActive        bool     `json:"is_active"`
	SystemGenerated bool     `json:"system_generated"`
	GroupIDs        []string `json:"group_ids"`
}

type storedGroup struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	SystemGenerated bool   `json:"system_generated"`
}

type storedCredentials struct {
	ID               string            `json:"id"`
	UserID           string            `json:"user_id"`
	AuthProviderType string            `json:"auth_provider_type"`
	AuthProviderID   string            `json:"auth_provider_id,omitempty"`
	Data             map[string]string `json:"data"`
}

type storedRefreshToken struct {
	ID                    string     `json:"id"`
	UserID                string     `json:"user_id"`
	ClientID              string     `json:"client_id,omitempty"`
	ClientName            string     `json:"client_name,omitempty"`
	ClientIcon            string     `json:"client_icon,omitempty"`
	TokenType             TokenType  `json:"token_type"`
	CreatedAt             time.Time  `json:"created_at"`
	AccessTokenExpiration float64    `json:"access_token_expiration"`
	JWTKey                string     `json:"jwt_key"`
	Token                 string     `json:"token"`
	LastUsedAt            *time.Time `json:"last_used_at,omitempty"`
	LastUsedIP            string     `json:"last_used_ip,omitempty"`
}

func fromData(d *authData) authDocument {
	doc := authDocument{
		Users:         []storedUser{},
		Groups:        []storedGroup{},
		Credentials:   []storedCredentials{},
		RefreshTokens: []storedRefreshToken{},
	}

	for _, gid := range slices.Sorted(maps.Keys(d.groups)) {
		g := d.groups[gid]
		doc.Groups = append(doc.Groups, storedGroup{ID: g.ID, Name: g.Name, SystemGenerated: g.SystemGenerated})
	}

	for _, uid := range slices.Sorted(maps.Keys(d.users)) {
		u := d.users[uid]
		doc.Users = append(doc.Users, storedUser{
			ID:              u.ID,
			Name:            u.Name,
			IsOwner:         u.IsOwner,
			IsActive:        u.IsActive,
			SystemGenerated: u.SystemGenerated,
			GroupIDs:        slices.Clone(u.GroupIDs),
		})
		for _, c := range u.Credentials {
			doc.Credentials = append(doc.Credentials, storedCredentials{
				ID:               c.ID,
				UserID:           u.ID,
				AuthProviderType: c.AuthProviderType,
				AuthProviderID:   c.AuthProviderID,
				Data:             maps.Clone(c.Data),
			})
		}
		for _, rid := range slices.Sorted(maps.Keys(u.RefreshTokens)) {
			rt := u.RefreshTokens[rid]
			doc.RefreshTokens = append(doc.RefreshTokens, storedRefreshToken{
				ID:                    rt.ID,
				UserID:                u.ID,
				ClientID:              rt.ClientID,
				ClientName:            rt.ClientName,
				ClientIcon:            rt.ClientIcon,
				TokenType:             rt.TokenType,
				CreatedAt:             rt.CreatedAt,
				AccessTokenExpiration: rt.AccessTokenExpiration.Seconds(),
				JWTKey:                rt.JWTKey,
				Token:                 rt.Token,
				LastUsedAt:            rt.LastUsedAt,
				LastUsedIP:            rt.LastUsedIP,
			})
		}
	}
	return doc
}

func (doc authDocument) toData() *authData {
	d := &authData{
		users:  make(map[string]*User, len(doc.Users)),
		groups: make(map[string]*Group, len(doc.Groups)),
	}

	for _, g := range doc.Groups {
		d.groups[g.ID] = &Group{ID: g.ID, Name: g.Name, SystemGenerated: g.SystemGenerated}
	}
	for id, g := range defaultData().groups {
		if _, ok := d.groups[id]; !ok {
			d.groups[id] = g
		}
	}

	for _, su := range doc.Users {
		d.users[su.ID] = &User{
			ID:              su.ID,
			Name:            su.Name,
			IsOwner:         su.IsOwner,
			IsActive:        su.IsActive,
			SystemGenerated: su.SystemGenerated,
			GroupIDs:        slices.Clone(su.GroupIDs),
			RefreshTokens:   make(map[string]*RefreshToken),
		}
	}

	for _, sc := range doc.Credentials {
		u, ok := d.users[sc.UserID]
		if !ok {
			continue
		}
		u.Credentials = append(u.Credentials, &Credentials{
			ID:               sc.ID,
			UserID:           sc.UserID,
			AuthProviderType: sc.AuthProviderType,
			AuthProviderID:   sc.AuthProviderID,
			Data:             maps.Clone(sc.Data),
		})
	}

	for _, sr := range doc.RefreshTokens {
		u, ok := d.users[sr.UserID]
		if !ok {
			continue
		}
		u.RefreshTokens[sr.ID] = &RefreshToken{
			ID:                    sr.ID,
			UserID:                sr.UserID,
			ClientID:              sr.ClientID,
			ClientName:            sr.ClientName,
			ClientIcon:            sr.ClientIcon,
			TokenType:             sr.TokenType,
			CreatedAt:             sr.CreatedAt,
			AccessTokenExpiration: time.Duration(sr.AccessTokenExpiration * float64(time.Second)),
			JWTKey:                sr.JWTKey,
			Token:                 sr.Token,
			LastUsedAt:            sr.LastUsedAt,
			LastUsedIP:            sr.LastUsedIP,
		}
	}
	return d
}
