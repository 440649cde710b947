package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/boxaltcoin/fosscord-server/internal/events"
	"github.com/boxaltcoin/fosscord-server/internal/metrics"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 1 << 16

	// Buffered outbound frames before the peer is considered too slow
	sendBufferSize = 256

	// Buffered inbound items (frames, fan-out events, timer fires)
	inboxBufferSize = 64
)

type connState int32

const (
	stateConnecting connState = iota
	stateAwaitingIdentify
	stateIdentified
	stateClosed
)

// wireConn is the subset of *websocket.Conn the connection needs; tests
// substitute an in-memory implementation.
type wireConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	Close() error
}

type control int

const (
	controlNone control = iota
	controlIdentifyTimeout
	controlHeartbeatTimeout
)

// inboxItem is one unit of work for the dispatch loop: an inbound frame, a
// fan-out event, or a timer fire. Routing everything through one loop keeps
// per-connection processing strictly sequential.
type inboxItem struct {
	frame []byte
	event *events.Event
	ctl   control
}

// Connection owns one physical socket for its lifetime: handshake, opcode
// dispatch, heartbeat liveness, the outbound sequence counter and the
// connection's dynamic subscriptions.
type Connection struct {
	gw    *Gateway
	conn  wireConn
	codec Codec

	sessionID  string
	userID     string
	intents    int64
	shardID    int
	shardCount int

	state atomic.Int32
	seq   int64 // owned by the dispatch loop

	inbox chan inboxItem
	send  chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once

	identifyTimer     *time.Timer
	heartbeatTimer    *time.Timer
	heartbeatDeadline time.Time

	// mu guards the subscription maps and the user binding; they are
	// mutated by the dispatch loop and read or torn down by Close, which
	// may run on another goroutine.
	mu         sync.Mutex
	subs       map[string]*events.Handle
	memberSubs map[string]*events.Handle
	subsClosed bool
}

func newConnection(gw *Gateway, conn wireConn, codec Codec) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		gw:         gw,
		conn:       conn,
		codec:      codec,
		sessionID:  gw.newSessionID(),
		inbox:      make(chan inboxItem, inboxBufferSize),
		send:       make(chan []byte, sendBufferSize),
		ctx:        ctx,
		cancel:     cancel,
		shardID:    -1,
		shardCount: -1,
		subs:       make(map[string]*events.Handle),
		memberSubs: make(map[string]*events.Handle),
	}
	c.state.Store(int32(stateConnecting))
	return c
}

func (c *Connection) SessionID() string { return c.sessionID }

// UserID is safe to call from any goroutine; the binding is written once,
// during identify.
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Connection) setUserID(id string) {
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
}

func (c *Connection) currentState() connState {
	return connState(c.state.Load())
}

// run drives the connection: Hello, pumps, then the serial dispatch loop.
func (c *Connection) run() {
	defer c.Close(CloseNormal)

	c.conn.SetReadLimit(maxMessageSize)

	c.wg.Add(2)
	go c.readPump()
	go c.writePump()

	interval := c.gw.cfg.HeartbeatInterval
	if err := c.sendOp(OpHello, helloData{HeartbeatInterval: interval.Milliseconds()}); err != nil {
		return
	}
	c.state.CompareAndSwap(int32(stateConnecting), int32(stateAwaitingIdentify))

	c.identifyTimer = time.AfterFunc(c.gw.cfg.IdentifyTimeout, func() {
		c.enqueueControl(controlIdentifyTimeout)
	})
	defer c.identifyTimer.Stop()

	c.heartbeatDeadline = time.Now().Add(2 * interval)
	c.heartbeatTimer = time.AfterFunc(2*interval, func() {
		c.enqueueControl(controlHeartbeatTimeout)
	})
	defer c.heartbeatTimer.Stop()

	for {
		select {
		case item := <-c.inbox:
			c.process(item)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) process(item inboxItem) {
	// Close may race items already sitting in the inbox; a closed
	// connection accepts no further work.
	if c.currentState() == stateClosed {
		return
	}
	switch {
	case item.frame != nil:
		c.dispatchFrame(item.frame)
	case item.event != nil:
		c.dispatchEvent(item.event)
	case item.ctl != controlNone:
		c.handleControl(item.ctl)
	}
}

func (c *Connection) handleControl(ctl control) {
	switch ctl {
	case controlIdentifyTimeout:
		if c.currentState() != stateIdentified {
			slog.Debug("identify timeout", "sessionID", c.sessionID)
			c.Close(CloseAuthenticationFailed)
		}
	case controlHeartbeatTimeout:
		// The deadline may have been pushed forward by a heartbeat that
		// raced the timer fire; recheck before acting on it.
		if time.Now().After(c.heartbeatDeadline) {
			slog.Debug("heartbeat deadline expired", "sessionID", c.sessionID)
			c.Close(CloseSessionTimedOut)
		}
	}
}

// resetHeartbeatDeadline is called from the dispatch loop on every accepted
// heartbeat.
func (c *Connection) resetHeartbeatDeadline() {
	d := 2 * c.gw.cfg.HeartbeatInterval
	c.heartbeatDeadline = time.Now().Add(d)
	if c.heartbeatTimer != nil {
		c.heartbeatTimer.Reset(d)
	}
}

// dispatchFrame decodes one frame and routes it through the opcode table.
// Any handler failure closes the connection instead of crashing the process.
func (c *Connection) dispatchFrame(frame []byte) {
	if c.currentState() == stateClosed {
		return
	}
	payload, err := c.codec.Decode(frame)
	if err != nil {
		slog.Debug("frame decode failed", "sessionID", c.sessionID, "error", err)
		c.Close(CloseDecodeError)
		return
	}
	slog.Debug("frame received", "sessionID", c.sessionID, "op", payload.Op)

	handler, ok := c.gw.handlers[payload.Op]
	if !ok {
		// Forward-compatibility: unknown opcodes are ignored, never fatal.
		slog.Warn("unknown opcode", "sessionID", c.sessionID, "op", payload.Op)
		return
	}

	if c.currentState() != stateIdentified && payload.Op != OpIdentify && payload.Op != OpHeartbeat {
		c.Close(CloseNotAuthenticated)
		return
	}

	c.invoke(handler, payload)
}

func (c *Connection) invoke(handler handlerFunc, payload *RawPayload) {
	defer func() {
		if r := recover(); r != nil {
			c.gw.reporter.ReportPanic(c.sessionID, c.userID, payload.Op, r)
			c.Close(CloseUnknownError)
		}
	}()

	if err := handler(c, payload); err != nil {
		switch e := err.(type) {
		case *closeError:
			slog.Debug("handler closed connection", "sessionID", c.sessionID, "op", payload.Op, "code", int(e.code), "reason", e.why)
			c.Close(e.code)
		case *requestError:
			// Request-level failure: the connection survives.
			slog.Debug("request rejected", "sessionID", c.sessionID, "op", payload.Op, "reason", e.why)
		default:
			c.gw.reporter.ReportError(c.sessionID, c.userID, payload.Op, err)
			c.Close(CloseUnknownError)
		}
	}
}

// dispatchEvent forwards one fan-out event to the peer, interleaved with
// normal opcode processing so the per-connection ordering guarantee holds.
func (c *Connection) dispatchEvent(e *events.Event) {
	if c.currentState() != stateIdentified {
		return
	}
	if err := c.sendDispatch(e.Type, e.Data); err != nil {
		slog.Debug("event delivery failed", "sessionID", c.sessionID, "type", e.Type, "error", err)
	}
}

// sendDispatch emits one dispatch event, assigning the next sequence number
// atomically with the send. Only the dispatch loop calls it.
func (c *Connection) sendDispatch(t string, d any) error {
	seq := c.seq
	data, err := c.codec.Encode(&Payload{Op: OpDispatch, Type: t, Seq: &seq, Data: d})
	if err != nil {
		return err
	}
	if err := c.enqueueOutbound(data); err != nil {
		return err
	}
	c.seq++
	metrics.EventsSent.WithLabelValues(t).Inc()
	return nil
}

func (c *Connection) sendOp(op int, d any) error {
	data, err := c.codec.Encode(&Payload{Op: op, Data: d})
	if err != nil {
		return err
	}
	return c.enqueueOutbound(data)
}

func (c *Connection) enqueueOutbound(data []byte) error {
	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("connection closed")
	default:
		// Peer cannot keep up; drop it rather than blocking the loop.
		slog.Warn("send buffer full, closing connection", "sessionID", c.sessionID, "userID", c.userID)
		c.Close(CloseRateLimited)
		return fmt.Errorf("send buffer full")
	}
}

func (c *Connection) enqueueControl(ctl control) {
	select {
	case c.inbox <- inboxItem{ctl: ctl}:
	case <-c.ctx.Done():
	}
}

// deliver is the bus-facing entry: fan-out events are queued into the
// dispatch loop. Deliveries must not block the bus; when the inbox is full
// the event is dropped and logged.
func (c *Connection) deliver(e *events.Event) {
	select {
	case c.inbox <- inboxItem{event: e}:
	case <-c.ctx.Done():
	default:
		slog.Warn("inbox full, dropping event", "sessionID", c.sessionID, "type", e.Type)
	}
}

// subscribe registers a dynamic subscription for subject unless one already
// exists (directly or via the member list). Returns true when a new
// subscription was created.
func (c *Connection) subscribe(subject string, member bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subsClosed {
		return false
	}
	if _, ok := c.subs[subject]; ok {
		return false
	}
	if _, ok := c.memberSubs[subject]; ok {
		return false
	}
	h := c.gw.bus.Subscribe(subject, c.deliver)
	if member {
		c.memberSubs[subject] = h
	} else {
		c.subs[subject] = h
	}
	return true
}

// pruneMemberSubs cancels member-list subscriptions for users no longer in
// any visible range.
func (c *Connection) pruneMemberSubs(visible map[string]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for subject, h := range c.memberSubs {
		if _, ok := visible[subject]; !ok {
			h.Cancel()
			delete(c.memberSubs, subject)
		}
	}
}

func (c *Connection) teardownSubscriptions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subsClosed = true
	for subject, h := range c.subs {
		h.Cancel()
		delete(c.subs, subject)
	}
	for subject, h := range c.memberSubs {
		h.Cancel()
		delete(c.memberSubs, subject)
	}
}

// Close tears the connection down exactly once: subscriptions are cancelled
// synchronously so no fan-out can reach a dead connection, then the session
// row is removed and the remaining presence republished.
func (c *Connection) Close(code CloseCode) {
	c.closeOnce.Do(func() {
		// Swap makes Closed the terminal state atomically; an identify
		// still in flight observes it when it tries to commit.
		prev := connState(c.state.Swap(int32(stateClosed)))
		c.cancel()

		c.teardownSubscriptions()
		userID := c.UserID()

		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(int(code), "")
		if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			slog.Debug("failed to write close frame", "sessionID", c.sessionID, "error", err)
		}
		if err := c.conn.Close(); err != nil {
			slog.Debug("failed to close socket", "sessionID", c.sessionID, "error", err)
		}

		if prev == stateIdentified && userID != "" {
			c.cleanupSession(userID)
		}

		c.gw.removeConnection(c)
		metrics.ConnectionsOpen.Dec()
		metrics.ConnectionsClosed.WithLabelValues(strconv.Itoa(int(code))).Inc()
		slog.Info("connection closed", "sessionID", c.sessionID, "userID", userID, "code", int(code))
	})
}

// cleanupSession deletes the session row and lets the remaining sessions of
// the user speak for their presence.
func (c *Connection) cleanupSession(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.gw.sessions.Delete(ctx, userID, c.sessionID); err != nil {
		slog.Error("failed to delete session", "sessionID", c.sessionID, "userID", userID, "error", err)
	}
	c.gw.publishSessionState(ctx, userID)
}

func (c *Connection) readPump() {
	defer func() {
		c.wg.Done()
		c.cancel()
	}()

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Debug("read failed", "sessionID", c.sessionID, "error", err)
			}
			return
		}
		select {
		case c.inbox <- inboxItem{frame: frame}:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) writePump() {
	defer c.wg.Done()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("write failed", "sessionID", c.sessionID, "error", err)
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}
