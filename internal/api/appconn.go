package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pairwire/broker/internal/engine"
	"github.com/pairwire/broker/internal/registry"
	"github.com/pairwire/broker/internal/runnerrpc"
	"github.com/pairwire/broker/internal/wire"
)

func unmarshalPayload(env wire.Envelope, dst any) error {
	return json.Unmarshal(env.Payload, dst)
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBufferSize = 32
)

func newUpgrader(checkOrigin func(*http.Request) bool) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}
}

// AppConn represents one connected App peer. Unlike a server-push-only
// feed, this protocol is bidirectional: readPump decodes every inbound
// frame and dispatches it to the engine instead of merely watching for
// pong frames and disconnection.
type AppConn struct {
	conn   *websocket.Conn
	send   chan wire.Envelope
	engine *engine.Engine
	reg    *registry.Registry

	appID         string
	authenticated bool

	logger *zap.Logger
}

// NewAppConn upgrades the HTTP connection and attaches the App identity
// resolved from the handshake. appID is empty for connections that
// failed identity verification; authenticated records whether a valid
// identity token was presented.
func NewAppConn(w http.ResponseWriter, r *http.Request, eng *engine.Engine, reg *registry.Registry, appID string, authenticated bool, checkOrigin func(*http.Request) bool, logger *zap.Logger) (*AppConn, error) {
	conn, err := newUpgrader(checkOrigin).Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	return &AppConn{
		conn:          conn,
		send:          make(chan wire.Envelope, sendBufferSize),
		engine:        eng,
		reg:           reg,
		appID:         appID,
		authenticated: authenticated,
		logger:        logger.With(zap.String("remote_addr", r.RemoteAddr), zap.String("app_id", appID)),
	}, nil
}

// Send implements registry.Handle. A full send buffer means the peer is
// too slow to keep up; the message is dropped rather than blocking the
// caller, matching the silent-drop semantics the connection registry
// documents for detached identities.
func (c *AppConn) Send(event any) error {
	env, ok := event.(wire.Envelope)
	if !ok {
		return fmt.Errorf("api: unsupported event type %T", event)
	}
	select {
	case c.send <- env:
		return nil
	default:
		return fmt.Errorf("api: send buffer full, dropping message for app %s", c.appID)
	}
}

// Run attaches the connection to the registry (if authenticated) and
// blocks until the connection closes.
func (c *AppConn) Run() {
	if c.authenticated {
		c.reg.AttachApp(c.appID, c)
	}

	go c.writePump()
	c.readPump()
}

func (c *AppConn) readPump() {
	defer func() {
		if kind, id, ok := c.reg.Detach(c); ok && kind == "app" {
			c.engine.HandleAppDisconnect(context.Background(), id)
		}
		close(c.send)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("ws: failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env wire.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}
		c.dispatch(env)
	}
}

func (c *AppConn) dispatch(env wire.Envelope) {
	ctx := context.Background()

	switch env.Type {
	case wire.TypeAppPair:
		if !c.authenticated {
			c.reply(mustEnvelope(wire.TypeAppPairError, wire.ErrorPayload{Code: wire.ErrNotAuthenticated, Message: "authentication required"}))
			return
		}
		var req wire.PairRequest
		if err := unmarshalPayload(env, &req); err != nil {
			return
		}
		c.reply(c.engine.HandlePair(ctx, c.appID, req))

	case wire.TypeAppUnpair:
		if !c.authenticated {
			c.reply(mustEnvelope(wire.TypeAppUnpairError, wire.ErrorPayload{Code: wire.ErrNotAuthenticated, Message: "authentication required"}))
			return
		}
		c.reply(c.engine.HandleUnpair(ctx, c.appID))

	case wire.TypeAppPairingStatus:
		if !c.authenticated {
			c.reply(mustEnvelope(wire.TypeAppPairingStatusReply, wire.PairingStatusResponse{Paired: false}))
			return
		}
		c.reply(c.engine.HandleStatus(ctx, c.appID))

	case wire.TypeConnectRunner:
		var req wire.ConnectRunnerRequest
		if err := unmarshalPayload(env, &req); err != nil {
			return
		}
		decision := c.engine.HandleConnectRunner(ctx, c.appID, c.authenticated, req)
		c.reply(decision.Reply)
		if decision.Allowed {
			c.reg.SendToRunner(req.RunnerID, runnerrpc.OpenSessionEvent{SessionID: req.SessionID, AppID: c.appID})
		}

	default:
		c.logger.Debug("ignoring unknown frame type", zap.String("type", string(env.Type)))
	}
}

func (c *AppConn) reply(env wire.Envelope) {
	select {
	case c.send <- env:
	default:
		c.logger.Warn("dropped reply: send buffer full")
	}
}

func (c *AppConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				c.logger.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ws: ping error", zap.Error(err))
				return
			}
		}
	}
}

// mustEnvelope wraps a payload this package constructs itself, where a
// marshal failure would mean a bug in the payload type rather than
// anything caller-dependent.
func mustEnvelope(t wire.Type, payload any) wire.Envelope {
	env, err := wire.NewEnvelope(t, payload)
	if err != nil {
		return wire.Envelope{Type: t}
	}
	return env
}
