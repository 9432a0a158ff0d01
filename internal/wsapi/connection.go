package wsapi

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/auth"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/core"
)

// Connection is one authenticated client.
//
// The read goroutine owns authentication and command dispatch; the write
// goroutine owns the socket's data frames. Everything else talks to the
// client by enqueueing messages.
type Connection struct {
	gw       *Gateway
	ws       *websocket.Conn
	remoteIP string
	send     chan []byte
	limiter  *rate.Limiter

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu           sync.Mutex
	user         *auth.User
	refreshToken *auth.RefreshToken
	subs         map[int]func()
	lastID       int
	closed       bool
}

func newConnection(g *Gateway, ws *websocket.Conn, remoteIP string) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		gw:       g,
		ws:       ws,
		remoteIP: remoteIP,
		send:     make(chan []byte, g.cfg.MaxPendingMessages),
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[int]func()),
	}
	if g.cfg.CommandsPerSecond > 0 {
		burst := max(g.cfg.CommandBurst, 1)
		c.limiter = rate.NewLimiter(rate.Limit(g.cfg.CommandsPerSecond), burst)
	}
	return c
}

// User returns the authenticated user, or nil before authentication.
func (c *Connection) User() *auth.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user.Copy()
}

// RefreshToken returns the refresh token the client authenticated with.
func (c *Connection) RefreshToken() *auth.RefreshToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshToken.Copy()
}

func (c *Connection) userID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return ""
	}
	return c.user.ID
}

// isAdmin checks the current user record, so a demotion applies to open
// connections immediately.
func (c *Connection) isAdmin() bool {
	admin, err := c.gw.kernel.Auth.IsAdmin(c.ctx, c.userID())
	return err == nil && admin
}

func (c *Connection) serve() {
	defer c.close(websocket.CloseNormalClosure, "")

	if c.gw.cfg.MaxMessageSize > 0 {
		c.ws.SetReadLimit(int64(c.gw.cfg.MaxMessageSize))
	}
	if !c.authenticate() {
		return
	}

	c.gw.wg.Add(1)
	go func() {
		defer c.gw.wg.Done()
		c.writePump()
	}()
	c.readPump()
}

// authenticate runs the handshake. It writes directly to the socket; the
// write goroutine has not started yet.
func (c *Connection) authenticate() bool {
	version := c.gw.kernel.Version()
	if err := c.writeDirect(authMessage{Type: TypeAuthRequired, Version: version}); err != nil {
		return false
	}

	timeout := time.Duration(c.gw.cfg.AuthTimeout) * time.Second
	c.ws.SetReadDeadline(time.Now().Add(timeout)) //nolint:errcheck // Best-effort deadline
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			c.rejectAuth("Did not receive auth message in time")
		}
		return false
	}

	var msg struct {
		Type        string `json:"type"`
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != TypeAuth || msg.AccessToken == "" {
		c.rejectAuth("Auth message incorrectly formatted")
		return false
	}

	rt := c.gw.kernel.Auth.ValidateAccessToken(c.ctx, msg.AccessToken)
	if rt == nil {
		c.rejectAuth("Invalid access token or password")
		return false
	}
	user := c.gw.kernel.Auth.GetUser(rt.UserID)
	if user == nil {
		c.rejectAuth("Invalid access token or password")
		return false
	}

	c.mu.Lock()
	c.user = user
	c.refreshToken = rt
	c.mu.Unlock()

	if err := c.writeDirect(authMessage{Type: TypeAuthOK, Version: version}); err != nil {
		return false
	}
	c.gw.logger.Debug("websocket client authenticated", "user_id", user.ID, "remote", c.remoteIP)
	return true
}

func (c *Connection) rejectAuth(message string) {
	c.gw.logger.Warn("websocket authentication failed", "remote", c.remoteIP, "reason", message)
	c.writeDirect(authMessage{Type: TypeAuthInvalid, Message: message}) //nolint:errcheck // Closing anyway
	c.close(CloseAuthFailure, "")
}

func (c *Connection) writeDirect(v any) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // Write error caught below
	return c.ws.WriteJSON(v)
}

// readPump reads commands until the socket fails or closes.
func (c *Connection) readPump() {
	pingInterval := time.Duration(c.gw.cfg.PingInterval) * time.Second
	pongWait := time.Duration(c.gw.cfg.PongTimeout) * time.Second

	//nolint:errcheck // Best-effort deadline
	c.ws.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gw.logger.Warn("websocket read error", "error", err)
			} else {
				c.gw.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Any client message resets the read deadline.
		//nolint:errcheck // Best-effort deadline reset
		c.ws.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.gw.metrics.Message("in")
		c.handleMessage(message)
	}
}

// writePump writes queued messages and keepalive pings.
func (c *Connection) writePump() {
	pingInterval := time.Duration(c.gw.cfg.PingInterval) * time.Second
	pongWait := time.Duration(c.gw.cfg.PongTimeout) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close() //nolint:errcheck // Unblocks the read goroutine
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case message := <-c.send:
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.ws.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			c.gw.metrics.Message("out")
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.ws.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close releases subscriptions, sends a close frame and drops the socket.
// Only the first call has any effect.
func (c *Connection) close(code int, text string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		subs := c.subs
		c.subs = nil
		c.mu.Unlock()

		for _, unsub := range subs {
			unsub()
		}
		c.cancel()

		msg := websocket.FormatCloseMessage(code, text)
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)) //nolint:errcheck // Peer may be gone
		c.ws.Close()                                                           //nolint:errcheck // Already closing
		c.gw.unregister(c)
	})
}

func (c *Connection) handleMessage(data []byte) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError(0, CodeInvalidFormat, "Message incorrectly formatted.")
		return
	}

	id, ok := intField(msg["id"])
	typ, _ := msg["type"].(string)
	if !ok || typ == "" {
		c.sendError(id, CodeInvalidFormat, "Message incorrectly formatted.")
		return
	}

	c.mu.Lock()
	if id <= c.lastID {
		c.mu.Unlock()
		c.sendError(id, CodeIDReuse, "Identifier values have to increase.")
		return
	}
	c.lastID = id
	c.mu.Unlock()

	if c.limiter != nil && !c.limiter.Allow() {
		c.sendError(id, CodeRateLimited, "Too many commands.")
		return
	}

	c.gw.dispatch(c, id, typ, msg)
}

// intField reads a positive integer from a decoded JSON number.
func intField(v any) (int, bool) {
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) || f < 1 || f > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

func (c *Connection) sendResult(id int, result any) {
	c.enqueue(resultOK(id, result))
}

func (c *Connection) sendError(id int, code, message string) {
	c.enqueue(resultError(id, code, message))
}

func (c *Connection) enqueue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.gw.logger.Error("failed to marshal websocket message", "error", err)
		return
	}
	c.mu.Lock()
	ok := c.pushLocked(data)
	c.mu.Unlock()
	if !ok {
		c.overflow()
	}
}

// pushLocked queues data without blocking. It returns false when the
// queue is full. Messages for a closed connection are dropped.
func (c *Connection) pushLocked(data []byte) bool {
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Connection) overflow() {
	c.gw.metrics.QueueOverflow()
	c.gw.logger.Warn("websocket client too slow, closing connection",
		"remote", c.remoteIP, "max_pending", c.gw.cfg.MaxPendingMessages)
	// Closing writes a control frame; keep that off the caller, which may
	// be the bus dispatch goroutine.
	go c.close(CloseQueueOverflow, "message_queue_full")
}

// subscribe stores unsub under id and queues the acknowledgement in the
// same critical section, so no event for id can be queued before it.
func (c *Connection) subscribe(id int, listen func() func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.subs[id] = listen()
	data, _ := json.Marshal(resultOK(id, nil)) //nolint:errcheck // Static shape
	ok := c.pushLocked(data)
	c.mu.Unlock()
	if !ok {
		c.overflow()
	}
}

func (c *Connection) unsubscribe(id int) bool {
	c.mu.Lock()
	unsub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		unsub()
	}
	return ok
}

// forwardEvent queues ev for subscription id if it is still active.
func (c *Connection) forwardEvent(id int, ev core.Event) {
	data, err := json.Marshal(eventMessage{ID: id, Type: TypeEvent, Event: ev})
	if err != nil {
		c.gw.logger.Error("failed to marshal event", "event_type", ev.Type, "error", err)
		return
	}
	c.mu.Lock()
	if _, active := c.subs[id]; !active {
		c.mu.Unlock()
		return
	}
	ok := c.pushLocked(data)
	c.mu.Unlock()
	if !ok {
		c.overflow()
	}
}
