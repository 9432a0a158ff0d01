package api

import (
	"errors"
	"net/http"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/auth"
)

// OAuth 2 error codes used by the token endpoint.
const (
	oauthInvalidRequest       = "invalid_request"
	oauthInvalidGrant         = "invalid_grant"
	oauthAccessDenied         = "access_denied"
	oauthUnsupportedGrantType = "unsupported_grant_type"
	oauthServerError          = "server_error"
)

// tokenResponse is the body returned by a successful grant.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
}

// handleToken serves POST /auth/token.
//
// Form fields:
//   - grant_type=password with client_id, username, password: logs in with the
//     local provider and returns an access token plus a refresh token
//   - grant_type=refresh_token with client_id, refresh_token: returns a new
//     access token
//   - action=revoke with token: revokes a refresh token (always 200)
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeTokenError(w, http.StatusBadRequest, oauthInvalidRequest, "invalid form body")
		return
	}

	if r.PostForm.Get("action") == "revoke" {
		s.revokeToken(w, r)
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "password":
		s.grantPassword(w, r)
	case "refresh_token":
		s.grantRefreshToken(w, r)
	default:
		writeTokenError(w, http.StatusBadRequest, oauthUnsupportedGrantType, "")
	}
}

func (s *Server) grantPassword(w http.ResponseWriter, r *http.Request) {
	clientID := r.PostForm.Get("client_id")
	username := r.PostForm.Get("username")
	password := r.PostForm.Get("password")
	if clientID == "" || username == "" || password == "" {
		writeTokenError(w, http.StatusBadRequest, oauthInvalidRequest, "client_id, username and password are required")
		return
	}

	user, err := s.kernel.Auth.Login(r.Context(), auth.LocalProviderType, "", map[string]string{
		"username": username,
		"password": password,
	})
	switch {
	case errors.Is(err, auth.ErrInvalidAuth):
		writeTokenError(w, http.StatusBadRequest, oauthInvalidGrant, "invalid username or password")
		return
	case errors.Is(err, auth.ErrUserInactive):
		writeTokenError(w, http.StatusForbidden, oauthAccessDenied, "user is not active")
		return
	case err != nil:
		s.logger.Error("login failed", "error", err)
		writeTokenError(w, http.StatusInternalServerError, oauthServerError, "")
		return
	}

	rt, err := s.kernel.Auth.CreateRefreshToken(r.Context(), user, auth.WithClient(clientID))
	if err != nil {
		s.logger.Error("failed to create refresh token", "user_id", user.ID, "error", err)
		writeTokenError(w, http.StatusInternalServerError, oauthServerError, "")
		return
	}
	access, err := s.kernel.Auth.CreateAccessToken(rt, clientIP(r))
	if err != nil {
		s.logger.Error("failed to sign access token", "user_id", user.ID, "error", err)
		writeTokenError(w, http.StatusInternalServerError, oauthServerError, "")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		RefreshToken: rt.Token,
		ExpiresIn:    int(rt.AccessTokenExpiration.Seconds()),
	})
}

func (s *Server) grantRefreshToken(w http.ResponseWriter, r *http.Request) {
	clientID := r.PostForm.Get("client_id")
	token := r.PostForm.Get("refresh_token")
	if token == "" {
		writeTokenError(w, http.StatusBadRequest, oauthInvalidRequest, "refresh_token is required")
		return
	}

	rt := s.kernel.Auth.GetRefreshTokenByToken(token)
	if rt == nil {
		writeTokenError(w, http.StatusBadRequest, oauthInvalidGrant, "")
		return
	}
	if rt.ClientID != clientID {
		writeTokenError(w, http.StatusBadRequest, oauthInvalidRequest, "invalid client id")
		return
	}
	if user := s.kernel.Auth.GetUser(rt.UserID); user == nil || !user.IsActive {
		writeTokenError(w, http.StatusForbidden, oauthAccessDenied, "user is not active")
		return
	}

	access, err := s.kernel.Auth.CreateAccessToken(rt, clientIP(r))
	if err != nil {
		s.logger.Error("failed to sign access token", "token_id", rt.ID, "error", err)
		writeTokenError(w, http.StatusInternalServerError, oauthServerError, "")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int(rt.AccessTokenExpiration.Seconds()),
	})
}

// revokeToken answers 200 whether or not the token existed (RFC 7009).
func (s *Server) revokeToken(w http.ResponseWriter, r *http.Request) {
	rt := s.kernel.Auth.GetRefreshTokenByToken(r.PostForm.Get("token"))
	if rt != nil {
		if err := s.kernel.Auth.RemoveRefreshToken(r.Context(), rt.ID); err != nil {
			s.logger.Error("failed to revoke refresh token", "token_id", rt.ID, "error", err)
			writeTokenError(w, http.StatusInternalServerError, oauthServerError, "")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}
