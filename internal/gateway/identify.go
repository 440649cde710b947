package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/errgroup"

	"github.com/boxaltcoin/fosscord-server/internal/events"
	"github.com/boxaltcoin/fosscord-server/internal/metrics"
	"github.com/boxaltcoin/fosscord-server/internal/models"
)

// defaultIntents is granted when the client does not declare any.
const defaultIntents int64 = 30064771071

const readyVersion = 9

type readyGuild struct {
	models.Guild
	JoinedAt    time.Time `json:"joined_at"`
	Unavailable bool      `json:"unavailable"`
}

type unavailableGuild struct {
	ID          string `json:"id"`
	Unavailable bool   `json:"unavailable"`
}

type mergedMember struct {
	models.Member
	Roles []string `json:"roles"`
}

type readStateBlock struct {
	Entries []readStateEntry `json:"entries"`
	Partial bool             `json:"partial"`
	Version int              `json:"version"`
}

type readStateEntry struct {
	ID               string     `json:"id"`
	ChannelID        string     `json:"channel_id"`
	LastMessageID    *string    `json:"last_message_id"`
	LastPinTimestamp *time.Time `json:"last_pin_timestamp"`
	MentionCount     int        `json:"mention_count"`
}

type guildSettingsEntry struct {
	models.UserGuildSettings
	GuildID          string                   `json:"guild_id"`
	ChannelOverrides []models.ChannelOverride `json:"channel_overrides"`
}

type guildSettingsBlock struct {
	Entries []guildSettingsEntry `json:"entries"`
	Partial bool                 `json:"partial"`
	Version int                  `json:"version"`
}

type readyData struct {
	Version           int                       `json:"v"`
	User              models.PrivateUser        `json:"user"`
	UserSettings      models.UserSettings       `json:"user_settings"`
	Application       *models.Application       `json:"application,omitempty"`
	Guilds            []readyGuild              `json:"guilds"`
	Relationships     []models.PublicRelationship `json:"relationships"`
	ReadState         readStateBlock            `json:"read_state"`
	UserGuildSettings guildSettingsBlock        `json:"user_guild_settings"`
	PrivateChannels   []models.Channel          `json:"private_channels"`
	SessionID         string                    `json:"session_id"`
	CountryCode       string                    `json:"country_code"`
	Users             []models.PublicUser       `json:"users"`
	MergedMembers     [][]mergedMember          `json:"merged_members"`
	Sessions          []models.PublicSession    `json:"sessions"`

	// Scaffolding the client expects even when empty.
	Consents              map[string]any `json:"consents"`
	Experiments           []any          `json:"experiments"`
	GuildJoinRequests     []any          `json:"guild_join_requests"`
	ConnectedAccounts     []any          `json:"connected_accounts"`
	GuildExperiments      []any          `json:"guild_experiments"`
	GeoOrderedRTCRegions  []any          `json:"geo_ordered_rtc_regions"`
	FriendSuggestionCount int            `json:"friend_suggestion_count"`
	APICodeVersion        int            `json:"api_code_version"`
	ResumeGatewayURL      string         `json:"resume_gateway_url"`
	SessionType           string         `json:"session_type"`
}

// userFromToken validates the bearer credential and returns the claimed
// user id.
func (g *Gateway) userFromToken(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(g.cfg.JWTSecret), nil
	})
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}
	id, ok := claims["id"].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("token carries no user id")
	}
	return id, nil
}

// handleIdentify converts an anonymous connection into a user-bound session
// and replays the initial state snapshot.
func (g *Gateway) handleIdentify(c *Connection, p *RawPayload) error {
	started := time.Now()

	if c.currentState() == stateIdentified {
		return errClose(CloseAlreadyAuthenticated, "already identified")
	}

	var identify identifyData
	if err := json.Unmarshal(p.Data, &identify); err != nil {
		return errClose(CloseDecodeError, "malformed identify")
	}

	userID, err := g.userFromToken(identify.Token)
	if err != nil {
		slog.Info("identify rejected", "sessionID", c.sessionID, "error", err)
		return errClose(CloseAuthenticationFailed, "invalid credential")
	}

	// Shard validity is connection-fatal and checked before any session
	// row exists.
	if identify.Shard != nil {
		if len(identify.Shard) != 2 {
			return errClose(CloseInvalidShard, "shard must be [id, count]")
		}
		id, count := identify.Shard[0], identify.Shard[1]
		if count <= 0 || id < 0 || id >= count {
			return errClose(CloseInvalidShard, fmt.Sprintf("invalid shard [%d, %d]", id, count))
		}
		c.shardID, c.shardCount = id, count
	}

	c.setUserID(userID)
	if c.identifyTimer != nil {
		c.identifyTimer.Stop()
	}
	if identify.Intents != nil {
		c.intents = *identify.Intents
	} else {
		c.intents = defaultIntents
	}

	status := models.StatusOnline
	var activities []models.Activity
	if identify.Presence != nil {
		if validStatus(identify.Presence.Status) {
			status = identify.Presence.Status
		}
		activities = toActivities(identify.Presence.Activities)
	}
	clientInfo := models.ClientInfo{Client: "unknown"}
	if identify.Properties != nil {
		clientInfo = models.ClientInfo{Client: identify.Properties.Device, OS: identify.Properties.OS}
	}

	session := &models.Session{
		SessionID:  c.sessionID,
		UserID:     userID,
		Status:     status,
		ClientInfo: clientInfo,
		Activities: activities,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := g.sessions.Create(ctx, session); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	// Gather the snapshot inputs concurrently; any failure aborts the whole
	// handshake rather than emitting a partial snapshot. The side-effect
	// events (SESSIONS_REPLACE, PRESENCE_UPDATE) are published from the
	// same group, concurrently with assembly of the Ready payload.
	var (
		user        *models.User
		application *models.Application
		readStates  []models.ReadState
		memberships []models.Member
		recipients  []models.Recipient
		allSessions []models.Session
	)

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		user, err = g.store.UserWithRelationships(gctx, userID)
		return err
	})
	eg.Go(func() error {
		var err error
		application, err = g.store.Application(gctx, userID)
		return err
	})
	eg.Go(func() error {
		var err error
		readStates, err = g.store.ReadStates(gctx, userID)
		return err
	})
	eg.Go(func() error {
		var err error
		memberships, err = g.store.MembershipsForUser(gctx, userID)
		return err
	})
	eg.Go(func() error {
		var err error
		recipients, err = g.store.RecipientsForUser(gctx, userID)
		return err
	})
	eg.Go(func() error {
		var err error
		allSessions, err = g.sessions.ListByUser(gctx, userID)
		if err != nil {
			return err
		}
		pub := make([]models.PublicSession, 0, len(allSessions))
		for i := range allSessions {
			pub = append(pub, allSessions[i].Public())
		}
		g.bus.Publish(userID, &events.Event{Type: EventSessionsReplace, Data: pub})
		g.bus.Publish(userID, &events.Event{Type: EventPresenceUpdate, Data: models.Presence{
			User:         models.PresenceUser{ID: userID},
			Status:       session.Status,
			Activities:   session.Activities,
			ClientStatus: map[string]string{clientInfo.Client: session.Status},
		}})
		return nil
	})
	if err := eg.Wait(); err != nil {
		// The handshake aborts whole; do not leave the half-born session
		// row to its TTL, and correct whatever the side-effect branch may
		// already have broadcast.
		if delErr := g.sessions.Delete(ctx, userID, c.sessionID); delErr != nil {
			slog.Debug("failed to delete aborted session", "sessionID", c.sessionID, "error", delErr)
		}
		g.publishSessionState(ctx, userID)
		return fmt.Errorf("snapshot gather: %w", err)
	}

	ready, placeholders := g.assembleReady(c, user, application, readStates, memberships, recipients, allSessions)

	// Subscribe to our own events and to each friend's presence before the
	// snapshot goes out, so nothing published after Ready is missed.
	c.subscribe(userID, false)
	for i := range user.Relationships {
		c.subscribe(user.Relationships[i].ToID, false)
	}

	if !c.state.CompareAndSwap(int32(stateAwaitingIdentify), int32(stateIdentified)) {
		// Closed while the handshake was in flight. The close path ran
		// before this session row existed, so remove it here and correct
		// the presence broadcast from the gather step.
		slog.Debug("identify lost to close", "sessionID", c.sessionID, "userID", userID)
		if delErr := g.sessions.Delete(ctx, userID, c.sessionID); delErr != nil {
			slog.Debug("failed to delete session of closed connection", "sessionID", c.sessionID, "error", delErr)
		}
		g.publishSessionState(ctx, userID)
		return nil
	}

	if err := c.sendDispatch(EventReady, ready); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}
	metrics.IdentifyDuration.Observe(time.Since(started).Seconds())

	// Bots receive full guild data lazily: one placeholder per guild,
	// best-effort.
	for _, placeholder := range placeholders {
		if err := c.sendDispatch(EventGuildCreate, placeholder); err != nil {
			slog.Error("failed to send guild placeholder", "sessionID", c.sessionID, "guildID", placeholder.ID, "error", err)
		}
	}

	slog.Info("session identified", "sessionID", c.sessionID, "userID", userID, "guilds", len(memberships))
	return nil
}

// assembleReady composes the snapshot per the composition rules: bot guilds
// become placeholders, every referenced user is deduplicated into one flat
// list, DM recipient lists exclude the identifying user, and guild settings
// are defaults overlaid with persisted per-guild rows.
func (g *Gateway) assembleReady(
	c *Connection,
	user *models.User,
	application *models.Application,
	readStates []models.ReadState,
	memberships []models.Member,
	recipients []models.Recipient,
	allSessions []models.Session,
) (*readyData, []unavailableGuild) {
	users := newUserDedup()

	guilds := make([]readyGuild, 0, len(memberships))
	var placeholders []unavailableGuild
	merged := make([][]mergedMember, 0, len(memberships))
	settingsEntries := make([]guildSettingsEntry, 0, len(memberships))

	for i := range memberships {
		m := &memberships[i]
		if user.Bot {
			placeholders = append(placeholders, unavailableGuild{ID: m.GuildID, Unavailable: true})
		} else {
			guilds = append(guilds, readyGuild{Guild: m.Guild, JoinedAt: m.JoinedAt})
		}
		merged = append(merged, []mergedMember{{Member: *m, Roles: m.RoleIDs()}})
		settingsEntries = append(settingsEntries, overlayGuildSettings(m.GuildID, m.Settings))
	}

	channels := make([]models.Channel, 0, len(recipients))
	for i := range recipients {
		ch := recipients[i].Channel
		for j := range ch.Recipients {
			users.add(ch.Recipients[j].User.Public())
		}
		if ch.IsDM() {
			kept := make([]models.Recipient, 0, len(ch.Recipients))
			for _, rec := range ch.Recipients {
				if rec.UserID != c.userID {
					kept = append(kept, rec)
				}
			}
			ch.Recipients = kept
		}
		channels = append(channels, ch)
	}

	relationships := make([]models.PublicRelationship, 0, len(user.Relationships))
	for i := range user.Relationships {
		r := &user.Relationships[i]
		relationships = append(relationships, r.Public())
		users.add(r.To.Public())
	}

	stateEntries := make([]readStateEntry, 0, len(readStates))
	for _, rs := range readStates {
		stateEntries = append(stateEntries, readStateEntry{
			ID:               rs.ChannelID,
			ChannelID:        rs.ChannelID,
			LastMessageID:    rs.LastMessageID,
			LastPinTimestamp: rs.LastPinTimestamp,
			MentionCount:     rs.MentionCount,
		})
	}

	sessions := make([]models.PublicSession, 0, len(allSessions))
	for i := range allSessions {
		sessions = append(sessions, allSessions[i].Public())
	}

	return &readyData{
		Version:           readyVersion,
		User:              user.Private(),
		UserSettings:      user.Settings,
		Application:       application,
		Guilds:            guilds,
		Relationships:     relationships,
		ReadState:         readStateBlock{Entries: stateEntries, Version: 304128},
		UserGuildSettings: guildSettingsBlock{Entries: settingsEntries, Version: 642},
		PrivateChannels:   channels,
		SessionID:         c.sessionID,
		CountryCode:       user.Settings.Locale,
		Users:             users.list(),
		MergedMembers:     merged,
		Sessions:          sessions,

		Consents:             map[string]any{"personalization": map[string]any{"consented": false}},
		Experiments:          []any{},
		GuildJoinRequests:    []any{},
		ConnectedAccounts:    []any{},
		GuildExperiments:     []any{},
		GeoOrderedRTCRegions: []any{},
		APICodeVersion:       1,
		ResumeGatewayURL:     g.cfg.EndpointPublic,
		SessionType:          "normal",
	}, placeholders
}

// overlayGuildSettings applies the persisted per-guild row on top of the
// compiled defaults and flattens the channel override map into a list.
func overlayGuildSettings(guildID string, persisted *models.UserGuildSettings) guildSettingsEntry {
	settings := models.DefaultUserGuildSettings()
	if persisted != nil {
		settings = *persisted
	}

	overrides := make([]models.ChannelOverride, 0, len(settings.ChannelOverrides))
	for channelID, override := range settings.ChannelOverrides {
		override.ChannelID = channelID
		overrides = append(overrides, override)
	}
	settings.ChannelOverrides = nil

	return guildSettingsEntry{
		UserGuildSettings: settings,
		GuildID:           guildID,
		ChannelOverrides:  overrides,
	}
}

// userDedup flattens every user referenced by the snapshot into one list.
type userDedup struct {
	seen map[string]struct{}
	out  []models.PublicUser
}

func newUserDedup() *userDedup {
	return &userDedup{seen: make(map[string]struct{})}
}

func (d *userDedup) add(u models.PublicUser) {
	if _, ok := d.seen[u.ID]; ok {
		return
	}
	d.seen[u.ID] = struct{}{}
	d.out = append(d.out, u)
}

func (d *userDedup) list() []models.PublicUser {
	if d.out == nil {
		return []models.PublicUser{}
	}
	return d.out
}
