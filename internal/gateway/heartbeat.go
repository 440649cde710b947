package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// handleHeartbeat resets the liveness deadline and acks. The payload is the
// client's last received sequence number (or null before the first event); a
// payload that is not a well-formed number is a decode error, not ignored.
func (g *Gateway) handleHeartbeat(c *Connection, p *RawPayload) error {
	var seq *json.Number
	if len(p.Data) > 0 {
		if err := json.Unmarshal(p.Data, &seq); err != nil {
			return errClose(CloseDecodeError, "heartbeat payload is not a number")
		}
	}

	c.resetHeartbeatDeadline()

	// Keep the session row alive alongside the connection.
	if c.currentState() == stateIdentified {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := g.sessions.Touch(ctx, c.userID, c.sessionID); err != nil {
			slog.Debug("session touch failed", "sessionID", c.sessionID, "error", err)
		}
		cancel()
	}

	return c.sendOp(OpHeartbeatAck, seq)
}
