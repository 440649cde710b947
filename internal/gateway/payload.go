package gateway

import "encoding/json"

// Operation codes routed by the connection dispatcher. The table is an open
// set; codes this core does not own are routed to the handlers registered by
// the embedding process.
const (
	OpDispatch       = 0
	OpHeartbeat      = 1
	OpIdentify       = 2
	OpPresenceUpdate = 3
	OpHello          = 10
	OpHeartbeatAck   = 11
	OpLazyRequest    = 14
)

// Close codes, semantically aligned with the protocol the clients speak.
type CloseCode int

const (
	CloseUnknownError           CloseCode = 4000
	CloseUnknownOpcode          CloseCode = 4001
	CloseDecodeError            CloseCode = 4002
	CloseNotAuthenticated       CloseCode = 4003
	CloseAuthenticationFailed   CloseCode = 4004
	CloseAlreadyAuthenticated   CloseCode = 4005
	CloseRateLimited            CloseCode = 4008
	CloseSessionTimedOut        CloseCode = 4009
	CloseInvalidShard           CloseCode = 4010
	CloseUnsupportedCompression CloseCode = 4012
	// CloseNormal is used for server-initiated shutdown.
	CloseNormal CloseCode = 1000
)

// Dispatch event types produced by this core.
const (
	EventReady                 = "READY"
	EventGuildCreate           = "GUILD_CREATE"
	EventSessionsReplace       = "SESSIONS_REPLACE"
	EventPresenceUpdate        = "PRESENCE_UPDATE"
	EventGuildMemberListUpdate = "GUILD_MEMBER_LIST_UPDATE"
)

// RawPayload is an inbound frame after decoding: the opcode plus its still-
// undecoded data.
type RawPayload struct {
	Op   int             `json:"op"`
	Data json.RawMessage `json:"d"`
	Seq  *int64          `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
}

// Payload is an outbound frame.
type Payload struct {
	Op   int    `json:"op"`
	Data any    `json:"d"`
	Seq  *int64 `json:"s,omitempty"`
	Type string `json:"t,omitempty"`
}

// closeError carries a connection-fatal close code out of a handler.
type closeError struct {
	code CloseCode
	why  string
}

func (e *closeError) Error() string { return e.why }

func errClose(code CloseCode, why string) error {
	return &closeError{code: code, why: why}
}

// requestError marks a request-level failure: the request is rejected but
// the connection survives.
type requestError struct {
	why string
}

func (e *requestError) Error() string { return e.why }

func errRequest(why string) error {
	return &requestError{why: why}
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type identifyData struct {
	Token      string              `json:"token"`
	Intents    *int64              `json:"intents,omitempty"`
	Shard      []int               `json:"shard,omitempty"`
	Presence   *statusUpdateData   `json:"presence,omitempty"`
	Properties *identifyProperties `json:"properties,omitempty"`
	Compress   bool                `json:"compress,omitempty"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type statusUpdateData struct {
	Status     string            `json:"status"`
	Activities []activityPayload `json:"activities"`
	Since      *int64            `json:"since,omitempty"`
	AFK        bool              `json:"afk,omitempty"`
}

type activityPayload struct {
	Name  string  `json:"name"`
	Type  int     `json:"type"`
	URL   *string `json:"url,omitempty"`
	State *string `json:"state,omitempty"`
}

type lazyRequestData struct {
	GuildID    string                  `json:"guild_id"`
	Channels   map[string][]rangeShape `json:"channels"`
	Typing     bool                    `json:"typing,omitempty"`
	Activities bool                    `json:"activities,omitempty"`
	Threads    bool                    `json:"threads,omitempty"`
}

// rangeShape is one [offset, limit] pair. Anything else is a malformed
// range and a request-level failure.
type rangeShape []int

func (r rangeShape) valid() bool {
	return len(r) == 2 && r[0] >= 0 && r[1] >= 0
}
