package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boxaltcoin/fosscord-server/internal/events"
)

func TestSequenceNumbersStartAtZeroAndIncrementByOne(t *testing.T) {
	f := newFixture(t)
	f.seedUser("u1", "alice", "online")
	c, _ := f.newConn(t)

	payloads := f.identify(t, c, "u1")
	require.NotEmpty(t, payloads)
	require.Equal(t, EventReady, payloads[0].Type)
	require.NotNil(t, payloads[0].Seq)
	assert.EqualValues(t, 0, *payloads[0].Seq)

	c.dispatchEvent(&events.Event{Type: EventPresenceUpdate, Data: map[string]any{}})
	c.dispatchEvent(&events.Event{Type: EventPresenceUpdate, Data: map[string]any{}})

	more := drainEvents(t, c)
	require.Len(t, more, 2)
	assert.EqualValues(t, 1, *more[0].Seq)
	assert.EqualValues(t, 2, *more[1].Seq)
}

func TestRunSendsHelloBeforeAnythingElse(t *testing.T) {
	f := newFixture(t)
	c, wire := f.newConn(t)

	go c.run()
	defer c.Close(CloseNormal)

	deadline := time.Now().Add(time.Second)
	var writes [][]byte
	for len(writes) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no frame written")
		}
		time.Sleep(5 * time.Millisecond)
		writes = wire.written()
	}

	var hello struct {
		Op   int `json:"op"`
		Data struct {
			HeartbeatInterval int64 `json:"heartbeat_interval"`
		} `json:"d"`
	}
	require.NoError(t, json.Unmarshal(writes[0], &hello))
	assert.Equal(t, OpHello, hello.Op)
	assert.EqualValues(t, time.Minute.Milliseconds(), hello.Data.HeartbeatInterval)
}

func TestUnknownOpcodeIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.seedUser("u1", "alice", "online")
	c, wire := f.newConn(t)
	f.identify(t, c, "u1")

	c.dispatchFrame(frame(t, 99, map[string]any{"whatever": true}))

	closed, _ := wire.closedWith()
	assert.False(t, closed)
}

func TestMalformedFrameClosesWithDecodeError(t *testing.T) {
	f := newFixture(t)
	c, wire := f.newConn(t)

	c.dispatchFrame([]byte("{not json"))

	closed, code := wire.closedWith()
	assert.True(t, closed)
	assert.Equal(t, int(CloseDecodeError), code)
}

func TestOpcodeBeforeIdentifyClosesNotAuthenticated(t *testing.T) {
	f := newFixture(t)
	c, wire := f.newConn(t)

	c.dispatchFrame(frame(t, OpLazyRequest, map[string]any{"guild_id": "g1"}))

	closed, code := wire.closedWith()
	assert.True(t, closed)
	assert.Equal(t, int(CloseNotAuthenticated), code)
}

func TestHeartbeatAcksAndResetsDeadline(t *testing.T) {
	f := newFixture(t)
	c, wire := f.newConn(t)
	before := c.heartbeatDeadline

	c.dispatchFrame(frame(t, OpHeartbeat, 41))

	closed, _ := wire.closedWith()
	assert.False(t, closed)
	assert.True(t, c.heartbeatDeadline.After(before))

	out := drainEvents(t, c)
	require.Len(t, out, 1)
	assert.Equal(t, OpHeartbeatAck, out[0].Op)
	assert.Nil(t, out[0].Seq)
}

func TestNonNumericHeartbeatClosesWithDecodeError(t *testing.T) {
	f := newFixture(t)
	c, wire := f.newConn(t)

	c.dispatchFrame(frame(t, OpHeartbeat, "not-a-number"))

	closed, code := wire.closedWith()
	assert.True(t, closed)
	assert.Equal(t, int(CloseDecodeError), code)
}

func TestHeartbeatTimeoutRechecksDeadline(t *testing.T) {
	f := newFixture(t)
	c, wire := f.newConn(t)

	// A heartbeat raced the timer: the fire must not close a connection
	// whose deadline was just pushed forward.
	c.heartbeatDeadline = time.Now().Add(time.Minute)
	c.handleControl(controlHeartbeatTimeout)
	closed, _ := wire.closedWith()
	assert.False(t, closed)

	c.heartbeatDeadline = time.Now().Add(-time.Second)
	c.handleControl(controlHeartbeatTimeout)
	closed, code := wire.closedWith()
	assert.True(t, closed)
	assert.Equal(t, int(CloseSessionTimedOut), code)
}

func TestIdentifyTimeoutClosesAnonymousConnection(t *testing.T) {
	f := newFixture(t)
	c, wire := f.newConn(t)

	c.handleControl(controlIdentifyTimeout)

	closed, code := wire.closedWith()
	assert.True(t, closed)
	assert.Equal(t, int(CloseAuthenticationFailed), code)
}

func TestIdentifyTimeoutIgnoredOnceIdentified(t *testing.T) {
	f := newFixture(t)
	f.seedUser("u1", "alice", "online")
	c, wire := f.newConn(t)
	f.identify(t, c, "u1")

	c.handleControl(controlIdentifyTimeout)

	closed, _ := wire.closedWith()
	assert.False(t, closed)
}

func TestCloseTearsDownSubscriptionsSynchronously(t *testing.T) {
	f := newFixture(t)
	f.seedUser("u1", "alice", "online")
	c, _ := f.newConn(t)
	f.identify(t, c, "u1")
	require.NotZero(t, f.bus.SubscriberCount("u1"))

	c.Close(CloseNormal)

	assert.Zero(t, f.bus.SubscriberCount("u1"))

	// A later publish produces zero deliveries to the closed connection.
	f.bus.Publish("u1", &events.Event{Type: EventPresenceUpdate})
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, drainEvents(t, c))
}

func TestCloseDeletesSessionRow(t *testing.T) {
	f := newFixture(t)
	f.seedUser("u1", "alice", "online")
	c, _ := f.newConn(t)
	f.identify(t, c, "u1")
	require.Equal(t, 1, f.sessions.countFor("u1"))

	c.Close(CloseNormal)

	assert.Zero(t, f.sessions.countFor("u1"))
}

func TestSlowConsumerIsDroppedWithRateLimited(t *testing.T) {
	f := newFixture(t)
	f.seedUser("u1", "alice", "online")
	c, wire := f.newConn(t)
	f.identify(t, c, "u1")

	// Nothing drains the send buffer; once it is full the next event must
	// drop the connection instead of blocking the dispatch loop.
	for i := 0; i < sendBufferSize+1; i++ {
		c.dispatchEvent(&events.Event{Type: EventPresenceUpdate, Data: map[string]any{}})
	}

	closed, code := wire.closedWith()
	assert.True(t, closed)
	assert.Equal(t, int(CloseRateLimited), code)
}

func TestFrameQueuedBeforeCloseIsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.seedUser("u1", "alice", "online")
	c, wire := f.newConn(t)

	c.Close(CloseRateLimited)

	// An identify that was already queued when the close ran must not
	// create a session row, register subscriptions, or revive the state.
	c.dispatchFrame(frame(t, OpIdentify, map[string]any{"token": token(t, "u1")}))

	assert.Equal(t, stateClosed, c.currentState())
	assert.Zero(t, f.sessions.countFor("u1"))
	assert.Zero(t, f.bus.SubscriberCount("u1"))
	assert.Empty(t, drainEvents(t, c))
	_, code := wire.closedWith()
	assert.Equal(t, int(CloseRateLimited), code)
}

func TestItemsQueuedBeforeCloseAreDiscarded(t *testing.T) {
	f := newFixture(t)
	f.seedUser("u1", "alice", "online")
	c, _ := f.newConn(t)
	f.identify(t, c, "u1")

	c.Close(CloseNormal)

	c.process(inboxItem{frame: frame(t, OpHeartbeat, 1)})
	c.process(inboxItem{event: &events.Event{Type: EventPresenceUpdate}})
	c.process(inboxItem{ctl: controlHeartbeatTimeout})

	assert.Equal(t, stateClosed, c.currentState())
	assert.Empty(t, drainEvents(t, c))
}

func TestSubscribeAfterTeardownIsRefused(t *testing.T) {
	f := newFixture(t)
	f.seedUser("u1", "alice", "online")
	c, _ := f.newConn(t)
	f.identify(t, c, "u1")

	c.Close(CloseNormal)

	// A handler still mid-flight on another goroutine must not be able to
	// plant a handle that nothing will ever cancel.
	assert.False(t, c.subscribe("u-other", true))
	assert.Zero(t, f.bus.SubscriberCount("u-other"))
}

func TestConcurrentCloseDuringIdentifyLeavesNoSession(t *testing.T) {
	f := newFixture(t)
	f.seedUser("u1", "alice", "online")
	c, _ := f.newConn(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Close(CloseNormal)
	}()
	c.dispatchFrame(frame(t, OpIdentify, map[string]any{"token": token(t, "u1")}))
	<-done

	// Whichever side won, the terminal state holds and the session row is
	// gone: the close path deletes it when identify committed first, the
	// identify commit unwinds it when the close won.
	assert.Equal(t, stateClosed, c.currentState())
	assert.Zero(t, f.sessions.countFor("u1"))
	assert.Zero(t, f.bus.SubscriberCount("u1"))
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	c, wire := f.newConn(t)

	c.Close(CloseDecodeError)
	c.Close(CloseUnknownError)

	_, code := wire.closedWith()
	assert.Equal(t, int(CloseDecodeError), code)
}
