// Package presence resolves one effective presence from the set of a user's
// live sessions.
package presence

import (
	"sort"

	"github.com/boxaltcoin/fosscord-server/internal/models"
)

// statusRank orders session statuses by relevance; lower rank wins.
var statusRank = map[string]int{
	models.StatusOnline:    0,
	models.StatusIdle:      1,
	models.StatusDND:       2,
	models.StatusInvisible: 3,
	models.StatusOffline:   4,
}

// Rank returns the relevance rank of a status. Unknown statuses rank as
// offline.
func Rank(status string) int {
	if r, ok := statusRank[status]; ok {
		return r
	}
	return statusRank[models.StatusOffline]
}

// score combines status rank and activity count. A session busy with more
// activities is more relevant among equal statuses; the activity signal is
// weighted at twice the rank delta.
func score(s *models.Session) int {
	return Rank(s.Status) - 2*len(s.Activities)
}

// MostRelevant picks the session whose presence represents the user. Returns
// nil when the user has no live sessions.
func MostRelevant(sessions []models.Session) *models.Session {
	if len(sessions) == 0 {
		return nil
	}
	sorted := make([]models.Session, len(sessions))
	copy(sorted, sessions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return score(&sorted[i]) < score(&sorted[j])
	})
	return &sorted[0]
}

// Resolve computes the user's effective presence. A user with zero sessions
// is offline. When the chosen session reports offline, the user's standing
// default status is substituted for the top-level status while the
// client_status map keeps the per-device truth.
func Resolve(userID string, sessions []models.Session, defaultStatus string) models.Presence {
	p := models.Presence{
		User:         models.PresenceUser{ID: userID},
		Status:       models.StatusOffline,
		Activities:   []models.Activity{},
		ClientStatus: map[string]string{},
	}
	best := MostRelevant(sessions)
	if best == nil {
		return p
	}
	for i := range sessions {
		s := &sessions[i]
		if s.ClientInfo.Client != "" {
			p.ClientStatus[s.ClientInfo.Client] = s.Status
		}
	}
	p.Status = best.Status
	if best.Activities != nil {
		p.Activities = best.Activities
	}
	if p.Status == models.StatusOffline && defaultStatus != "" {
		p.Status = defaultStatus
	}
	return p
}

// Visible reports whether a resolved status counts toward the online side of
// a member list. Invisible and offline members still count toward total
// membership but land in the trailing offline bucket.
func Visible(status string) bool {
	return status != models.StatusOffline && status != models.StatusInvisible && status != ""
}
