package gateway

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/boxaltcoin/fosscord-server/internal/events"
	"github.com/boxaltcoin/fosscord-server/internal/models"
	"github.com/boxaltcoin/fosscord-server/internal/store"
	"github.com/boxaltcoin/fosscord-server/internal/telemetry"
)

const testSecret = "test-secret"

var errWireClosed = errors.New("wire closed")

// fakeWire is an in-memory wireConn; tests feed frames through the dispatch
// loop directly and read writes back from the send channel.
type fakeWire struct {
	mu        sync.Mutex
	closed    bool
	closeCode int
	writes    [][]byte
	done      chan struct{}
}

func newFakeWire() *fakeWire {
	return &fakeWire{done: make(chan struct{})}
}

// ReadMessage blocks until the wire is closed; tests drive dispatchFrame
// directly.
func (f *fakeWire) ReadMessage() (int, []byte, error) {
	<-f.done
	return 0, nil, errWireClosed
}

func (f *fakeWire) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeWire) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

func (f *fakeWire) WriteControl(messageType int, data []byte, deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(data) >= 2 {
		f.closeCode = int(binary.BigEndian.Uint16(data[:2]))
	}
	return nil
}

func (f *fakeWire) SetReadLimit(limit int64)           {}
func (f *fakeWire) SetWriteDeadline(t time.Time) error { return nil }

func (f *fakeWire) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

func (f *fakeWire) closedWith() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}

// fakeStore serves a small fixed world.
type fakeStore struct {
	users      map[string]*models.User
	apps       map[string]*models.Application
	readStates map[string][]models.ReadState
	members    map[string][]models.Member // by user id
	recipients map[string][]models.Recipient
	guildRoles map[string][]models.Role
	guild      map[string][]models.Member // by guild id
	channels   map[string]string          // channel id -> guild id
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:      map[string]*models.User{},
		apps:       map[string]*models.Application{},
		readStates: map[string][]models.ReadState{},
		members:    map[string][]models.Member{},
		recipients: map[string][]models.Recipient{},
		guildRoles: map[string][]models.Role{},
		guild:      map[string][]models.Member{},
		channels:   map[string]string{},
	}
}

func (s *fakeStore) UserWithRelationships(ctx context.Context, userID string) (*models.User, error) {
	u, ok := s.users[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func (s *fakeStore) Application(ctx context.Context, userID string) (*models.Application, error) {
	return s.apps[userID], nil
}

func (s *fakeStore) ReadStates(ctx context.Context, userID string) ([]models.ReadState, error) {
	return s.readStates[userID], nil
}

func (s *fakeStore) MembershipsForUser(ctx context.Context, userID string) ([]models.Member, error) {
	return s.members[userID], nil
}

func (s *fakeStore) RecipientsForUser(ctx context.Context, userID string) ([]models.Recipient, error) {
	return s.recipients[userID], nil
}

func (s *fakeStore) GuildRoles(ctx context.Context, guildID string) ([]models.Role, error) {
	return s.guildRoles[guildID], nil
}

func (s *fakeStore) GuildMembers(ctx context.Context, guildID string) ([]models.Member, error) {
	return s.guild[guildID], nil
}

func (s *fakeStore) CountGuildMembers(ctx context.Context, guildID string) (int, error) {
	return len(s.guild[guildID]), nil
}

func (s *fakeStore) HasViewChannel(ctx context.Context, userID, guildID, channelID string) (bool, error) {
	if s.channels[channelID] != guildID {
		return false, nil
	}
	for _, m := range s.guild[guildID] {
		if m.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

// fakeSessions is an in-memory SessionStore.
type fakeSessions struct {
	mu   sync.Mutex
	rows map[string][]models.Session // by user id
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{rows: map[string][]models.Session{}}
}

func (s *fakeSessions) Create(ctx context.Context, row *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[row.UserID] = append(s.rows[row.UserID], *row)
	return nil
}

func (s *fakeSessions) UpdatePresence(ctx context.Context, userID, sessionID, status string, activities []models.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows[userID] {
		if s.rows[userID][i].SessionID == sessionID {
			s.rows[userID][i].Status = status
			s.rows[userID][i].Activities = activities
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *fakeSessions) Delete(ctx context.Context, userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.rows[userID]
	for i := range rows {
		if rows[i].SessionID == sessionID {
			s.rows[userID] = append(rows[:i], rows[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *fakeSessions) Touch(ctx context.Context, userID, sessionID string) error { return nil }

func (s *fakeSessions) ListByUser(ctx context.Context, userID string) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Session, len(s.rows[userID]))
	copy(out, s.rows[userID])
	return out, nil
}

func (s *fakeSessions) ListByUsers(ctx context.Context, userIDs []string) (map[string][]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]models.Session, len(userIDs))
	for _, id := range userIDs {
		if rows, ok := s.rows[id]; ok {
			cp := make([]models.Session, len(rows))
			copy(cp, rows)
			out[id] = cp
		}
	}
	return out, nil
}

func (s *fakeSessions) countFor(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows[userID])
}

type fixture struct {
	gw       *Gateway
	store    *fakeStore
	sessions *fakeSessions
	bus      *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := newFakeStore()
	sessions := newFakeSessions()
	bus := events.NewBus()
	gw := New(Options{
		JWTSecret:         testSecret,
		IdentifyTimeout:   time.Minute,
		HeartbeatInterval: time.Minute,
		EndpointPublic:    "ws://test",
	}, st, sessions, bus, telemetry.SlogReporter{})
	return &fixture{gw: gw, store: st, sessions: sessions, bus: bus}
}

func (f *fixture) newConn(t *testing.T) (*Connection, *fakeWire) {
	t.Helper()
	wire := newFakeWire()
	c := newConnection(f.gw, wire, jsonCodec{})
	c.state.Store(int32(stateAwaitingIdentify))
	return c, wire
}

func token(t *testing.T, userID string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"id": userID}).
		SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func frame(t *testing.T, op int, d any) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{"op": op, "d": d})
	require.NoError(t, err)
	return data
}

// drainEvents decodes everything currently queued on the send channel.
func drainEvents(t *testing.T, c *Connection) []Payload {
	t.Helper()
	var out []Payload
	for {
		select {
		case data := <-c.send:
			var p struct {
				Op   int             `json:"op"`
				Data json.RawMessage `json:"d"`
				Seq  *int64          `json:"s"`
				Type string          `json:"t"`
			}
			require.NoError(t, json.Unmarshal(data, &p))
			out = append(out, Payload{Op: p.Op, Data: p.Data, Seq: p.Seq, Type: p.Type})
		default:
			return out
		}
	}
}

// seedUser registers a plain user with settings.
func (f *fixture) seedUser(id, username, defaultStatus string) *models.User {
	u := &models.User{
		ID:            id,
		Username:      username,
		Discriminator: "0001",
		Settings:      models.UserSettings{UserID: id, Status: defaultStatus, Locale: "en-US"},
	}
	f.store.users[id] = u
	return u
}

// seedGuild builds a small guild: Admin(pos=2), Mod(pos=1), everyone(pos=0),
// one text channel.
func (f *fixture) seedGuild(guildID, channelID string) (admin, mod, everyone models.Role) {
	admin = models.Role{ID: guildID + "-admin", GuildID: guildID, Name: "Admin", Position: 2}
	mod = models.Role{ID: guildID + "-mod", GuildID: guildID, Name: "Mod", Position: 1}
	everyone = models.Role{ID: guildID, GuildID: guildID, Name: "everyone", Position: 0}
	f.store.guildRoles[guildID] = []models.Role{admin, mod, everyone}
	f.store.channels[channelID] = guildID
	return admin, mod, everyone
}

func (f *fixture) seedMember(guildID string, user *models.User, roles ...models.Role) {
	m := models.Member{
		UserID:   user.ID,
		GuildID:  guildID,
		JoinedAt: time.Now(),
		User:     *user,
		Roles:    roles,
	}
	f.store.guild[guildID] = append(f.store.guild[guildID], m)
	f.store.members[user.ID] = append(f.store.members[user.ID], m)
}

func (f *fixture) seedSession(userID, sessionID, status string, activities int) {
	acts := make([]models.Activity, activities)
	for i := range acts {
		acts[i] = models.Activity{Name: "playing"}
	}
	f.sessions.rows[userID] = append(f.sessions.rows[userID], models.Session{
		SessionID:  sessionID,
		UserID:     userID,
		Status:     status,
		ClientInfo: models.ClientInfo{Client: "desktop"},
		Activities: acts,
	})
}

// identify runs the full identify flow for userID and returns the emitted
// payloads.
func (f *fixture) identify(t *testing.T, c *Connection, userID string) []Payload {
	t.Helper()
	c.dispatchFrame(frame(t, OpIdentify, map[string]any{"token": token(t, userID)}))
	return drainEvents(t, c)
}
