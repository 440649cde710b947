package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/boxaltcoin/fosscord-server/internal/events"
	"github.com/boxaltcoin/fosscord-server/internal/metrics"
	"github.com/boxaltcoin/fosscord-server/internal/models"
	"github.com/boxaltcoin/fosscord-server/internal/presence"
	"github.com/boxaltcoin/fosscord-server/internal/store"
	"github.com/boxaltcoin/fosscord-server/internal/telemetry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handlerFunc processes one decoded payload on behalf of a connection.
// Handlers receive an explicit connection; there is no ambient state.
type handlerFunc func(c *Connection, p *RawPayload) error

// Options carries the gateway's tunables, resolved from config at startup.
type Options struct {
	JWTSecret         string
	IdentifyTimeout   time.Duration
	HeartbeatInterval time.Duration
	EndpointPublic    string
}

// Gateway owns the live connection set and the opcode dispatch table.
type Gateway struct {
	cfg      Options
	store    store.Store
	sessions store.SessionStore
	bus      *events.Bus
	reporter telemetry.Reporter

	// handlers is built once at startup; unknown opcodes fall through to
	// the ignore policy in the dispatcher.
	handlers map[int]handlerFunc

	mu    sync.Mutex
	conns map[*Connection]struct{}
}

func New(cfg Options, st store.Store, sessions store.SessionStore, bus *events.Bus, reporter telemetry.Reporter) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		store:    st,
		sessions: sessions,
		bus:      bus,
		reporter: reporter,
		conns:    make(map[*Connection]struct{}),
	}
	g.handlers = map[int]handlerFunc{
		OpIdentify:       g.handleIdentify,
		OpHeartbeat:      g.handleHeartbeat,
		OpPresenceUpdate: g.handlePresenceUpdate,
		OpLazyRequest:    g.handleLazyRequest,
	}
	return g
}

func (g *Gateway) newSessionID() string {
	return uuid.New().String()
}

// Handler upgrades an HTTP request into a gateway connection. The encoding
// is negotiated from the query string; unsupported encodings are refused
// before the state machine starts.
func (g *Gateway) Handler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		codec, err := NegotiateCodec(ctx.Query("encoding"))
		if err != nil {
			conn, upgradeErr := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
			if upgradeErr != nil {
				return
			}
			deadline := time.Now().Add(writeWait)
			msg := websocket.FormatCloseMessage(int(CloseUnsupportedCompression), "")
			conn.WriteControl(websocket.CloseMessage, msg, deadline)
			conn.Close()
			return
		}

		conn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
		if err != nil {
			slog.Error("websocket upgrade failed", "error", err)
			return
		}

		c := newConnection(g, conn, codec)
		g.addConnection(c)
		metrics.ConnectionsOpen.Inc()
		slog.Info("connection accepted", "sessionID", c.sessionID, "encoding", codec.Name())

		go c.run()
	}
}

func (g *Gateway) addConnection(c *Connection) {
	g.mu.Lock()
	g.conns[c] = struct{}{}
	g.mu.Unlock()
}

func (g *Gateway) removeConnection(c *Connection) {
	g.mu.Lock()
	delete(g.conns, c)
	g.mu.Unlock()
}

// Shutdown closes every live connection and waits for their loops to drain
// or the context to expire.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.mu.Lock()
	conns := make([]*Connection, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, c := range conns {
			wg.Add(1)
			go func(c *Connection) {
				defer wg.Done()
				c.Close(CloseNormal)
				c.wg.Wait()
			}(c)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("gateway drained", "connections", len(conns))
	case <-ctx.Done():
		slog.Warn("gateway shutdown timed out", "connections", len(conns))
	}
}

// publishSessionState fans the user's current session list and resolved
// presence out to subscribers. Called whenever the session set changes
// outside the normal presence-update path.
func (g *Gateway) publishSessionState(ctx context.Context, userID string) {
	sessions, err := g.sessions.ListByUser(ctx, userID)
	if err != nil {
		slog.Error("failed to list sessions", "userID", userID, "error", err)
		return
	}
	pub := make([]models.PublicSession, 0, len(sessions))
	for i := range sessions {
		pub = append(pub, sessions[i].Public())
	}
	g.bus.Publish(userID, &events.Event{Type: EventSessionsReplace, Data: pub})
	g.bus.Publish(userID, &events.Event{
		Type: EventPresenceUpdate,
		Data: presence.Resolve(userID, sessions, g.defaultStatus(ctx, userID)),
	})
}

// defaultStatus fetches the user's standing default status; empty when the
// user or setting is unavailable.
func (g *Gateway) defaultStatus(ctx context.Context, userID string) string {
	user, err := g.store.UserWithRelationships(ctx, userID)
	if err != nil || user == nil {
		return models.StatusOnline
	}
	if user.Settings.Status == "" {
		return models.StatusOnline
	}
	return user.Settings.Status
}
