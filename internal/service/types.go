package service

import (
	"context"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/core"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/schema"
)

// Call is one invocation of a service, as seen by its handler.
type Call struct {
	Domain   string
	Service  string
	Data     map[string]any
	Context  core.Context
	Blocking bool

	// ID correlates the service_called event with this invocation.
	ID string
}

// Handler executes a service call. ctx is cancelled when a blocking caller
// gives up or the kernel stops; long-running handlers should watch it.
// Return a *core.Error to report a failure meant for the caller.
type Handler func(ctx context.Context, call *Call) error

// Service is a registered handler and its metadata.
type Service struct {
	Domain        string
	Name          string
	Handler       Handler
	Schema        *schema.Schema
	RequiresAdmin bool
	Description   string
}

// Description is the client-facing description returned by get_services.
type Description struct {
	Description   string         `json:"description"`
	Fields        map[string]any `json:"fields"`
	RequiresAdmin bool           `json:"requires_admin,omitempty"`
}

// AdminResolver decides whether a user may call admin-only services.
// The auth manager implements it.
type AdminResolver interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

// RegisterOption configures a registration.
type RegisterOption func(*Service)

// WithSchema validates call data against s before the handler runs.
func WithSchema(s *schema.Schema) RegisterOption {
	return func(svc *Service) { svc.Schema = s }
}

// RequiresAdmin restricts the service to admin users and system calls.
func RequiresAdmin() RegisterOption {
	return func(svc *Service) { svc.RequiresAdmin = true }
}

// WithDescription sets the human-readable description.
func WithDescription(text string) RegisterOption {
	return func(svc *Service) { svc.Description = text }
}
