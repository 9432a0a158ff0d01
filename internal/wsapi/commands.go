package wsapi

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/auth"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/core"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/schema"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/service"
)

// Command types.
const (
	CmdSubscribeEvents    = "subscribe_events"
	CmdUnsubscribeEvents  = "unsubscribe_events"
	CmdCallService        = "call_service"
	CmdGetStates          = "get_states"
	CmdGetConfig          = "get_config"
	CmdGetServices        = "get_services"
	CmdPing               = "ping"
	CmdFireEvent          = "fire_event"
	CmdCurrentUser        = "auth/current_user"
	CmdLongLivedToken     = "auth/long_lived_access_token"
	CmdDeleteRefreshToken = "auth/delete_refresh_token"
	CmdHistory            = "recorder/history"
)

// History query limits.
const (
	defaultHistoryWindow = 24 * time.Hour
	defaultHistoryLimit  = 100
	maxHistoryLimit      = 1000
)

// Event types a non-admin user may subscribe to.
var subscribeAllowlist = map[string]bool{
	core.EventStateChanged:      true,
	core.EventServiceRegistered: true,
	core.EventServiceRemoved:    true,
	core.EventCoreConfigUpdated: true,
	core.EventComponentLoaded:   true,
}

type commandHandler func(ctx context.Context, c *Connection, id int, msg map[string]any)

type command struct {
	schema    *schema.Schema
	adminOnly bool
	// async commands run on their own goroutine so slow work does not
	// hold up the connection's later commands.
	async  bool
	handle commandHandler
}

var (
	subscribeSchema = schema.MustCompile(`{
		"type": "object",
		"properties": {"event_type": {"type": "string", "minLength": 1}}
	}`)
	unsubscribeSchema = schema.MustCompile(`{
		"type": "object",
		"properties": {"subscription": {"type": "integer", "minimum": 1}},
		"required": ["subscription"]
	}`)
	callServiceSchema = schema.MustCompile(`{
		"type": "object",
		"properties": {
			"domain": {"type": "string", "minLength": 1},
			"service": {"type": "string", "minLength": 1},
			"service_data": {"type": "object"},
			"target": {"type": "object"}
		},
		"required": ["domain", "service"]
	}`)
	fireEventSchema = schema.MustCompile(`{
		"type": "object",
		"properties": {
			"event_type": {"type": "string", "minLength": 1},
			"event_data": {"type": "object"}
		},
		"required": ["event_type"]
	}`)
	longLivedTokenSchema = schema.MustCompile(`{
		"type": "object",
		"properties": {
			"client_name": {"type": "string", "minLength": 1},
			"client_icon": {"type": "string"},
			"lifespan": {"type": "integer", "minimum": 1}
		},
		"required": ["client_name"]
	}`)
	deleteRefreshTokenSchema = schema.MustCompile(`{
		"type": "object",
		"properties": {"refresh_token_id": {"type": "string", "minLength": 1}},
		"required": ["refresh_token_id"]
	}`)
	historySchema = schema.MustCompile(`{
		"type": "object",
		"properties": {
			"entity_id": {"type": "string", "minLength": 1},
			"start_time": {"type": "string", "format": "date-time"},
			"end_time": {"type": "string", "format": "date-time"},
			"limit": {"type": "integer", "minimum": 1}
		},
		"required": ["entity_id"]
	}`)
)

func (g *Gateway) defaultCommands() map[string]command {
	return map[string]command{
		CmdSubscribeEvents:    {schema: subscribeSchema, handle: g.subscribeEvents},
		CmdUnsubscribeEvents:  {schema: unsubscribeSchema, handle: g.unsubscribeEvents},
		CmdCallService:        {schema: callServiceSchema, async: true, handle: g.callService},
		CmdGetStates:          {handle: g.getStates},
		CmdGetConfig:          {handle: g.getConfig},
		CmdGetServices:        {handle: g.getServices},
		CmdPing:               {handle: g.ping},
		CmdFireEvent:          {schema: fireEventSchema, adminOnly: true, handle: g.fireEvent},
		CmdCurrentUser:        {handle: g.currentUser},
		CmdLongLivedToken:     {schema: longLivedTokenSchema, async: true, handle: g.longLivedToken},
		CmdDeleteRefreshToken: {schema: deleteRefreshTokenSchema, async: true, handle: g.deleteRefreshToken},
		CmdHistory:            {schema: historySchema, async: true, handle: g.recorderHistory},
	}
}

func (g *Gateway) dispatch(c *Connection, id int, typ string, msg map[string]any) {
	cmd, ok := g.commands[typ]
	if !ok {
		c.sendError(id, CodeUnknownCommand, "Unknown command.")
		return
	}
	if cmd.schema != nil {
		if err := cmd.schema.Validate(msg); err != nil {
			c.sendError(id, CodeInvalidFormat, fmt.Sprintf("Message incorrectly formatted: %v", err))
			return
		}
	}
	if cmd.adminOnly && !c.isAdmin() {
		c.sendError(id, CodeUnauthorized, "Unauthorized.")
		return
	}

	if !cmd.async {
		g.run(cmd, c, id, typ, msg)
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.run(cmd, c, id, typ, msg)
	}()
}

func (g *Gateway) run(cmd command, c *Connection, id int, typ string, msg map[string]any) {
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("websocket command panicked",
				"type", typ, "panic", rec, "stack", string(debug.Stack()))
			c.sendError(id, CodeUnknownError, "Unknown error.")
		}
	}()
	cmd.handle(c.ctx, c, id, msg)
}

func (g *Gateway) subscribeEvents(_ context.Context, c *Connection, id int, msg map[string]any) {
	eventType, _ := msg["event_type"].(string)
	if eventType == "" {
		eventType = core.MatchAll
	}
	if !subscribeAllowlist[eventType] && !c.isAdmin() {
		c.sendError(id, CodeUnauthorized, "Unauthorized.")
		return
	}
	c.subscribe(id, func() func() {
		return g.kernel.Bus.Listen(eventType, func(ev core.Event) {
			c.forwardEvent(id, ev)
		})
	})
}

func (g *Gateway) unsubscribeEvents(_ context.Context, c *Connection, id int, msg map[string]any) {
	sub, _ := intField(msg["subscription"])
	if !c.unsubscribe(sub) {
		c.sendError(id, CodeNotFound, "Subscription not found.")
		return
	}
	c.sendResult(id, nil)
}

func (g *Gateway) callService(ctx context.Context, c *Connection, id int, msg map[string]any) {
	domain, _ := msg["domain"].(string)
	name, _ := msg["service"].(string)

	data := map[string]any{}
	if sd, ok := msg["service_data"].(map[string]any); ok {
		for k, v := range sd {
			data[k] = v
		}
	}
	if target, ok := msg["target"].(map[string]any); ok {
		for k, v := range target {
			data[k] = v
		}
	}

	callCtx := core.NewUserContext(c.userID())
	err := g.kernel.Services.Call(ctx, domain, name, data, service.Blocking(), service.WithContext(callCtx))
	if err != nil {
		code, message := serviceError(err)
		if code == CodeUnknownError {
			g.logger.Error("service call failed",
				"domain", domain, "service", name, "user_id", callCtx.UserID, "error", err)
		}
		c.sendError(id, code, message)
		return
	}
	c.sendResult(id, map[string]any{"context": callCtx})
}

func (g *Gateway) getStates(_ context.Context, c *Connection, id int, _ map[string]any) {
	c.sendResult(id, g.kernel.States.All())
}

func (g *Gateway) getConfig(_ context.Context, c *Connection, id int, _ map[string]any) {
	c.sendResult(id, g.kernel.Info())
}

func (g *Gateway) getServices(_ context.Context, c *Connection, id int, _ map[string]any) {
	c.sendResult(id, g.kernel.Services.Services())
}

func (g *Gateway) ping(_ context.Context, c *Connection, id int, _ map[string]any) {
	c.enqueue(pongMessage{ID: id, Type: TypePong})
}

func (g *Gateway) fireEvent(_ context.Context, c *Connection, id int, msg map[string]any) {
	eventType, _ := msg["event_type"].(string)
	data, _ := msg["event_data"].(map[string]any)

	evCtx := core.NewUserContext(c.userID())
	_, err := g.kernel.Bus.Fire(eventType, data, core.WithOrigin(core.OriginRemote), core.WithContext(evCtx))
	if err != nil {
		c.sendError(id, CodeInvalidFormat, err.Error())
		return
	}
	c.sendResult(id, map[string]any{"context": evCtx})
}

type credentialInfo struct {
	AuthProviderType string  `json:"auth_provider_type"`
	AuthProviderID   *string `json:"auth_provider_id"`
}

type currentUserResult struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	IsOwner     bool             `json:"is_owner"`
	IsAdmin     bool             `json:"is_admin"`
	Credentials []credentialInfo `json:"credentials"`
}

func (g *Gateway) currentUser(_ context.Context, c *Connection, id int, _ map[string]any) {
	user := g.kernel.Auth.GetUser(c.userID())
	if user == nil {
		c.sendError(id, CodeNotFound, "User not found.")
		return
	}
	res := currentUserResult{
		ID:          user.ID,
		Name:        user.Name,
		IsOwner:     user.IsOwner,
		IsAdmin:     user.IsAdmin(),
		Credentials: make([]credentialInfo, 0, len(user.Credentials)),
	}
	for _, cred := range user.Credentials {
		info := credentialInfo{AuthProviderType: cred.AuthProviderType}
		if cred.AuthProviderID != "" {
			providerID := cred.AuthProviderID
			info.AuthProviderID = &providerID
		}
		res.Credentials = append(res.Credentials, info)
	}
	c.sendResult(id, res)
}

func (g *Gateway) longLivedToken(ctx context.Context, c *Connection, id int, msg map[string]any) {
	user := g.kernel.Auth.GetUser(c.userID())
	if user == nil {
		c.sendError(id, CodeNotFound, "User not found.")
		return
	}

	clientName, _ := msg["client_name"].(string)
	opts := []auth.TokenOption{
		auth.WithTokenType(auth.TokenTypeLongLived),
		auth.WithClientName(clientName),
	}
	if icon, ok := msg["client_icon"].(string); ok && icon != "" {
		opts = append(opts, auth.WithClientIcon(icon))
	}
	if days, ok := intField(msg["lifespan"]); ok {
		opts = append(opts, auth.WithAccessTokenExpiration(time.Duration(days)*24*time.Hour))
	}

	rt, err := g.kernel.Auth.CreateRefreshToken(ctx, user, opts...)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidTokenType) {
			c.sendError(id, CodeInvalidFormat, strings.TrimPrefix(err.Error(), "auth: "))
			return
		}
		g.logger.Error("failed to create long-lived token", "user_id", user.ID, "error", err)
		c.sendError(id, CodeUnknownError, "Unknown error.")
		return
	}
	token, err := g.kernel.Auth.CreateAccessToken(rt, c.remoteIP)
	if err != nil {
		g.logger.Error("failed to sign long-lived token", "user_id", user.ID, "error", err)
		c.sendError(id, CodeUnknownError, "Unknown error.")
		return
	}
	c.sendResult(id, token)
}

func (g *Gateway) deleteRefreshToken(ctx context.Context, c *Connection, id int, msg map[string]any) {
	tokenID, _ := msg["refresh_token_id"].(string)
	rt := g.kernel.Auth.GetRefreshToken(tokenID)
	if rt == nil || rt.UserID != c.userID() {
		c.sendError(id, CodeNotFound, "Refresh token not found.")
		return
	}
	if err := g.kernel.Auth.RemoveRefreshToken(ctx, rt.ID); err != nil {
		g.logger.Error("failed to remove refresh token", "token_id", rt.ID, "error", err)
		c.sendError(id, CodeUnknownError, "Unknown error.")
		return
	}
	c.sendResult(id, nil)
}

func (g *Gateway) recorderHistory(ctx context.Context, c *Connection, id int, msg map[string]any) {
	if g.history == nil {
		c.sendError(id, CodeNotFound, "Recorder is not enabled.")
		return
	}

	entityID, _ := msg["entity_id"].(string)
	end := time.Now()
	if s, ok := msg["end_time"].(string); ok {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.sendError(id, CodeInvalidFormat, "Invalid end_time.")
			return
		}
		end = t
	}
	start := end.Add(-defaultHistoryWindow)
	if s, ok := msg["start_time"].(string); ok {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.sendError(id, CodeInvalidFormat, "Invalid start_time.")
			return
		}
		start = t
	}
	if !start.Before(end) {
		c.sendError(id, CodeInvalidFormat, "start_time must be before end_time.")
		return
	}
	limit := defaultHistoryLimit
	if n, ok := intField(msg["limit"]); ok {
		limit = min(n, maxHistoryLimit)
	}

	states, err := g.history.History(ctx, strings.ToLower(entityID), start, end, limit)
	if err != nil {
		g.logger.Error("history query failed", "entity_id", entityID, "error", err)
		c.sendError(id, CodeUnknownError, "Unknown error.")
		return
	}
	c.sendResult(id, states)
}
