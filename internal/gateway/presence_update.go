package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/boxaltcoin/fosscord-server/internal/events"
	"github.com/boxaltcoin/fosscord-server/internal/models"
	"github.com/boxaltcoin/fosscord-server/internal/presence"
)

func validStatus(s string) bool {
	switch s {
	case models.StatusOnline, models.StatusIdle, models.StatusDND, models.StatusInvisible, models.StatusOffline:
		return true
	}
	return false
}

func toActivities(in []activityPayload) []models.Activity {
	out := make([]models.Activity, 0, len(in))
	for _, a := range in {
		out = append(out, models.Activity{Name: a.Name, Type: a.Type, URL: a.URL, State: a.State})
	}
	return out
}

// handlePresenceUpdate persists the session's new status and fans the
// resolved presence out to everyone subscribed to this user.
func (g *Gateway) handlePresenceUpdate(c *Connection, p *RawPayload) error {
	var update statusUpdateData
	if err := json.Unmarshal(p.Data, &update); err != nil {
		return errClose(CloseDecodeError, "malformed presence update")
	}
	if !validStatus(update.Status) {
		return errRequest("invalid status " + update.Status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	activities := toActivities(update.Activities)
	if err := g.sessions.UpdatePresence(ctx, c.userID, c.sessionID, update.Status, activities); err != nil {
		return err
	}

	sessions, err := g.sessions.ListByUser(ctx, c.userID)
	if err != nil {
		return err
	}
	resolved := presence.Resolve(c.userID, sessions, g.defaultStatus(ctx, c.userID))

	g.bus.Publish(c.userID, &events.Event{Type: EventPresenceUpdate, Data: resolved})
	return nil
}
