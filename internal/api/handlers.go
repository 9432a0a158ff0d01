package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/core"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/schema"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/service"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/state"
)

var setStateSchema = schema.MustCompile(`{
	"type": "object",
	"properties": {
		"state": {"type": "string"},
		"attributes": {"type": "object"},
		"force_update": {"type": "boolean"}
	},
	"required": ["state"]
}`)

// decodeObject reads an optional JSON object body. An empty body decodes
// to an empty map.
func decodeObject(r *http.Request) (map[string]any, error) {
	var body map[string]any
	err := json.NewDecoder(r.Body).Decode(&body)
	if errors.Is(err, io.EOF) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	if body == nil {
		body = map[string]any{}
	}
	return body, nil
}

// handleAPIStatus confirms the API is up and the token is valid.
func (s *Server) handleAPIStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "API running."})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.kernel.Info())
}

func (s *Server) handleListStates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.kernel.States.All())
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	st := s.kernel.States.Get(chi.URLParam(r, "entity_id"))
	if st == nil {
		writeNotFound(w, "entity not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleSetState writes a state. It answers 201 when the entity is new.
func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entity_id")
	body, err := decodeObject(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if err := setStateSchema.Validate(body); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	newState, _ := body["state"].(string)
	attrs, _ := body["attributes"].(map[string]any)
	opts := []state.SetOption{state.WithContext(core.NewUserContext(requestUserID(r)))}
	if force, _ := body["force_update"].(bool); force {
		opts = append(opts, state.ForceUpdate())
	}

	existed := s.kernel.States.Get(entityID) != nil
	st, err := s.kernel.States.Set(entityID, newState, attrs, opts...)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	status := http.StatusOK
	if !existed {
		status = http.StatusCreated
	}
	w.Header().Set("Location", "/api/states/"+url.PathEscape(st.EntityID))
	writeJSON(w, status, st)
}

func (s *Server) handleRemoveState(w http.ResponseWriter, r *http.Request) {
	ctx := core.NewUserContext(requestUserID(r))
	if !s.kernel.States.Remove(chi.URLParam(r, "entity_id"), state.WithContext(ctx)) {
		writeNotFound(w, "entity not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Entity removed."})
}

func (s *Server) handleListServices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.kernel.Services.Services())
}

// handleCallService makes a blocking call on behalf of the token's user.
func (s *Server) handleCallService(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	name := chi.URLParam(r, "service")
	data, err := decodeObject(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	callCtx := core.NewUserContext(requestUserID(r))
	err = s.kernel.Services.Call(r.Context(), domain, name, data, service.Blocking(), service.WithContext(callCtx))
	if err != nil {
		s.writeServiceError(w, domain, name, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"context": callCtx})
}

func (s *Server) writeServiceError(w http.ResponseWriter, domain, name string, err error) {
	var domainErr *core.Error
	switch {
	case errors.Is(err, service.ErrServiceNotFound):
		writeNotFound(w, "service not found")
	case errors.Is(err, service.ErrInvalidData):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, service.ErrUnauthorized):
		writeForbidden(w, "unauthorized")
	case errors.Is(err, service.ErrServiceTimeout):
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, "service call timed out")
	case errors.As(err, &domainErr):
		writeError(w, http.StatusBadRequest, ErrCodeDomain, domainErr.Message)
	default:
		s.logger.Error("service call failed", "domain", domain, "service", name, "error", err)
		writeInternalError(w, "service call failed")
	}
}

// handleFireEvent fires an event with remote origin.
func (s *Server) handleFireEvent(w http.ResponseWriter, r *http.Request) {
	eventType := chi.URLParam(r, "event_type")
	data, err := decodeObject(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	ctx := core.NewUserContext(requestUserID(r))
	if _, err := s.kernel.Bus.Fire(eventType, data, core.WithOrigin(core.OriginRemote), core.WithContext(ctx)); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("Event %s fired.", eventType)})
}
