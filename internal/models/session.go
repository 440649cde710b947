package models

// Session is one row per live gateway connection. Rows live in Redis with a
// TTL so a crashed gateway cannot leave ghost sessions behind.
type Session struct {
	SessionID  string     `json:"session_id"`
	UserID     string     `json:"user_id"`
	Status     string     `json:"status"`
	ClientInfo ClientInfo `json:"client_info"`
	Activities []Activity `json:"activities"`
}

type ClientInfo struct {
	Client  string `json:"client"`
	OS      string `json:"os"`
	Version int    `json:"version"`
}

type Activity struct {
	Name  string  `json:"name"`
	Type  int     `json:"type"`
	URL   *string `json:"url,omitempty"`
	State *string `json:"state,omitempty"`
}

// Session statuses, ordered by relevance rank (see the presence package).
const (
	StatusOnline    = "online"
	StatusIdle      = "idle"
	StatusDND       = "dnd"
	StatusInvisible = "invisible"
	StatusOffline   = "offline"
)

// PublicSession hides client internals when a session list is sent to the
// owning user.
type PublicSession struct {
	SessionID  string     `json:"session_id"`
	Status     string     `json:"status"`
	ClientInfo ClientInfo `json:"client_info"`
	Activities []Activity `json:"activities"`
}

func (s *Session) Public() PublicSession {
	return PublicSession{
		SessionID:  s.SessionID,
		Status:     s.Status,
		ClientInfo: s.ClientInfo,
		Activities: s.Activities,
	}
}

// Presence is the wire block attached to presence updates and member list
// items.
type Presence struct {
	User         PresenceUser      `json:"user"`
	Status       string            `json:"status"`
	Activities   []Activity        `json:"activities"`
	ClientStatus map[string]string `json:"client_status"`
}

type PresenceUser struct {
	ID string `json:"id"`
}
