package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/auth"
)

// minPasswordLength applies to passwords set through the API.
const minPasswordLength = 8

type createUserRequest struct {
	Name            string   `json:"name"`
	Username        string   `json:"username,omitempty"`
	Password        string   `json:"password,omitempty"`
	GroupIDs        []string `json:"group_ids,omitempty"`
	SystemGenerated bool     `json:"system_generated,omitempty"`
}

type updateUserRequest struct {
	Name     *string  `json:"name,omitempty"`
	IsActive *bool    `json:"is_active,omitempty"`
	GroupIDs []string `json:"group_ids,omitempty"`
}

type passwordRequest struct {
	Password string `json:"password"`
}

type credentialsView struct {
	ID               string `json:"id"`
	AuthProviderType string `json:"auth_provider_type"`
	AuthProviderID   string `json:"auth_provider_id,omitempty"`
	Username         string `json:"username,omitempty"`
}

type userView struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	IsOwner         bool              `json:"is_owner"`
	IsActive        bool              `json:"is_active"`
	IsAdmin         bool              `json:"is_admin"`
	SystemGenerated bool              `json:"system_generated"`
	GroupIDs        []string          `json:"group_ids"`
	Credentials     []credentialsView `json:"credentials"`
}

// sessionView is a refresh token without its secrets.
type sessionView struct {
	ID         string     `json:"id"`
	ClientID   string     `json:"client_id,omitempty"`
	ClientName string     `json:"client_name,omitempty"`
	TokenType  string     `json:"token_type"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	LastUsedIP string     `json:"last_used_ip,omitempty"`
}

func newUserView(u *auth.User) userView {
	v := userView{
		ID:              u.ID,
		Name:            u.Name,
		IsOwner:         u.IsOwner,
		IsActive:        u.IsActive,
		IsAdmin:         u.IsAdmin(),
		SystemGenerated: u.SystemGenerated,
		GroupIDs:        u.GroupIDs,
		Credentials:     make([]credentialsView, 0, len(u.Credentials)),
	}
	if v.GroupIDs == nil {
		v.GroupIDs = []string{}
	}
	for _, c := range u.Credentials {
		v.Credentials = append(v.Credentials, credentialsView{
			ID:               c.ID,
			AuthProviderType: c.AuthProviderType,
			AuthProviderID:   c.AuthProviderID,
			Username:         c.Data["username"],
		})
	}
	return v
}

// writeAuthError maps auth sentinel errors to responses.
func (s *Server) writeAuthError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, auth.ErrUserNotFound):
		writeNotFound(w, "user not found")
	case errors.Is(err, auth.ErrGroupNotFound):
		writeBadRequest(w, err.Error())
	case errors.Is(err, auth.ErrUsernameExists), errors.Is(err, auth.ErrCredentialsLinked):
		writeConflict(w, "username already exists")
	case errors.Is(err, auth.ErrOwnerProtected):
		writeForbidden(w, err.Error())
	default:
		s.logger.Error(action+" failed", "error", err)
		writeInternalError(w, action+" failed")
	}
}

// userParam loads the user named by the {id} URL parameter, writing 404
// when it does not exist.
func (s *Server) userParam(w http.ResponseWriter, r *http.Request) *auth.User {
	user := s.kernel.Auth.GetUser(chi.URLParam(r, "id"))
	if user == nil {
		writeNotFound(w, "user not found")
	}
	return user
}

// handleListUsers returns every user account.
func (s *Server) handleListUsers(w http.ResponseWriter, _ *http.Request) {
	users := s.kernel.Auth.Users()
	views := make([]userView, len(users))
	for i, u := range users {
		views[i] = newUserView(u)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"users": views,
		"count": len(views),
	})
}

// handleCreateUser creates a user, optionally with a local login, or a
// system-generated user for integrations.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeBadRequest(w, "name is required")
		return
	}
	if req.SystemGenerated && req.Username != "" {
		writeBadRequest(w, "system users cannot have a login")
		return
	}
	if req.Username != "" {
		if !auth.IsValidUsername(auth.NormalizeUsername(req.Username)) {
			writeBadRequest(w, "invalid username")
			return
		}
		if len(req.Password) < minPasswordLength {
			writeBadRequest(w, "password must be at least 8 characters")
			return
		}
	}

	ctx := r.Context()
	var user *auth.User
	var err error
	switch {
	case req.SystemGenerated:
		user, err = s.kernel.Auth.CreateSystemUser(ctx, req.Name, req.GroupIDs...)
	case len(req.GroupIDs) > 0:
		user, err = s.kernel.Auth.CreateUser(ctx, req.Name, auth.InGroups(req.GroupIDs...))
	default:
		user, err = s.kernel.Auth.CreateUser(ctx, req.Name)
	}
	if err != nil {
		s.writeAuthError(w, err, "create user")
		return
	}

	if req.Username != "" {
		if _, err := auth.AddLocalLogin(ctx, s.kernel.Auth, s.kernel.Local, user.ID, req.Username, req.Password); err != nil {
			s.kernel.Auth.RemoveUser(ctx, user.ID) //nolint:errcheck // Best effort rollback
			s.writeAuthError(w, err, "create login")
			return
		}
		user = s.kernel.Auth.GetUser(user.ID)
	}

	s.logger.Info("user created via API", "user_id", user.ID, "created_by", requestUserID(r))
	writeJSON(w, http.StatusCreated, newUserView(user))
}

// handleGetUser returns a single user by id.
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	if user := s.userParam(w, r); user != nil {
		writeJSON(w, http.StatusOK, newUserView(user))
	}
}

// handleUpdateUser patches name, activation and groups.
func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	user := s.userParam(w, r)
	if user == nil {
		return
	}
	var req updateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	self := user.ID == requestUserID(r)
	if self && req.IsActive != nil && !*req.IsActive {
		writeForbidden(w, "cannot deactivate your own account")
		return
	}
	if self && req.GroupIDs != nil {
		writeForbidden(w, "cannot change your own groups")
		return
	}

	ctx := r.Context()
	var err error
	if req.Name != nil {
		if *req.Name == "" {
			writeBadRequest(w, "name cannot be empty")
			return
		}
		_, err = s.kernel.Auth.RenameUser(ctx, user.ID, *req.Name)
	}
	if err == nil && req.GroupIDs != nil {
		_, err = s.kernel.Auth.SetUserGroups(ctx, user.ID, req.GroupIDs)
	}
	if err == nil && req.IsActive != nil {
		if *req.IsActive {
			err = s.kernel.Auth.ActivateUser(ctx, user.ID)
		} else {
			err = s.kernel.Auth.DeactivateUser(ctx, user.ID)
		}
	}
	if err != nil {
		s.writeAuthError(w, err, "update user")
		return
	}

	s.logger.Info("user updated via API", "user_id", user.ID, "updated_by", requestUserID(r))
	writeJSON(w, http.StatusOK, newUserView(s.kernel.Auth.GetUser(user.ID)))
}

// handleDeleteUser removes a user with its logins and sessions.
func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	user := s.userParam(w, r)
	if user == nil {
		return
	}
	if user.ID == requestUserID(r) {
		writeForbidden(w, "cannot delete your own account")
		return
	}
	if user.IsOwner {
		writeForbidden(w, "cannot delete the owner")
		return
	}

	ctx := r.Context()
	for _, c := range user.Credentials {
		if err := auth.RemoveLogin(ctx, s.kernel.Auth, s.kernel.Local, c); err != nil {
			s.writeAuthError(w, err, "delete user")
			return
		}
	}
	if err := s.kernel.Auth.RemoveUser(ctx, user.ID); err != nil {
		s.writeAuthError(w, err, "delete user")
		return
	}

	s.logger.Info("user deleted via API", "user_id", user.ID, "deleted_by", requestUserID(r))
	w.WriteHeader(http.StatusNoContent)
}

// handleSetPassword replaces the password of the user's local login.
func (s *Server) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	user := s.userParam(w, r)
	if user == nil {
		return
	}
	var req passwordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Password) < minPasswordLength {
		writeBadRequest(w, "password must be at least 8 characters")
		return
	}
	username, ok := auth.LocalUsername(user, s.kernel.Local)
	if !ok {
		writeNotFound(w, "user has no local login")
		return
	}
	if err := s.kernel.Local.ChangePassword(r.Context(), username, req.Password); err != nil {
		s.writeAuthError(w, err, "change password")
		return
	}

	s.logger.Info("password changed via API", "user_id", user.ID, "changed_by", requestUserID(r))
	writeJSON(w, http.StatusOK, map[string]string{"status": "password_changed"})
}

// handleRemoveCredentials detaches one login from a user.
func (s *Server) handleRemoveCredentials(w http.ResponseWriter, r *http.Request) {
	user := s.userParam(w, r)
	if user == nil {
		return
	}
	id := chi.URLParam(r, "credentials_id")
	for _, c := range user.Credentials {
		if c.ID != id {
			continue
		}
		if err := auth.RemoveLogin(r.Context(), s.kernel.Auth, s.kernel.Local, c); err != nil {
			s.writeAuthError(w, err, "remove credentials")
			return
		}
		s.logger.Info("credentials removed via API", "user_id", user.ID, "credentials_id", id)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeNotFound(w, "credentials not found")
}

// handleListUserSessions returns a user's refresh tokens without secrets.
func (s *Server) handleListUserSessions(w http.ResponseWriter, r *http.Request) {
	user := s.userParam(w, r)
	if user == nil {
		return
	}
	tokens := s.kernel.Auth.RefreshTokens(user.ID)
	sessions := make([]sessionView, len(tokens))
	for i, rt := range tokens {
		sessions[i] = sessionView{
			ID:         rt.ID,
			ClientID:   rt.ClientID,
			ClientName: rt.ClientName,
			TokenType:  string(rt.TokenType),
			CreatedAt:  rt.CreatedAt,
			LastUsedAt: rt.LastUsedAt,
			LastUsedIP: rt.LastUsedIP,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// handleRevokeUserSessions revokes every refresh token of a user.
func (s *Server) handleRevokeUserSessions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	revoked, err := s.kernel.Auth.RevokeUserTokens(r.Context(), id)
	if err != nil {
		s.writeAuthError(w, err, "revoke sessions")
		return
	}

	s.logger.Info("user sessions revoked", "user_id", id, "revoked", revoked, "revoked_by", requestUserID(r))
	writeJSON(w, http.StatusOK, map[string]any{"status": "sessions_revoked", "revoked": revoked})
}
