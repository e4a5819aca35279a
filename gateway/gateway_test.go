package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akadon/zent-voice/bridge"
	"github.com/akadon/zent-voice/errors"
	"github.com/akadon/zent-voice/mediatoken"
	"github.com/akadon/zent-voice/ratelimit"
	"github.com/akadon/zent-voice/voicestate"
)

const (
	testInternalKey = "internal-key-123"
	testAuthSecret  = "a-secret-long-enough-for-tests"
)

type fakeService struct {
	mu      sync.Mutex
	joins   []voicestate.JoinRequest
	leaves  [][2]string // userID, guildID
	joinErr error
}

func (f *fakeService) Join(_ context.Context, req voicestate.JoinRequest) (*voicestate.JoinResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return nil, f.joinErr
	}
	f.joins = append(f.joins, req)
	return &voicestate.JoinResult{
		Membership: voicestate.Membership{
			UserID:    req.UserID,
			GuildID:   req.GuildID,
			ChannelID: req.ChannelID,
			SessionID: req.SessionID,
		},
		MediaToken:    "media-token",
		MediaEndpoint: "wss://media.example.com",
	}, nil
}

func (f *fakeService) Leave(_ context.Context, userID, guildID string) (*voicestate.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, [2]string{userID, guildID})
	return &voicestate.Membership{UserID: userID, GuildID: guildID}, nil
}

type fakeLimiter struct {
	mu       sync.Mutex
	classes  []ratelimit.Class
	decision ratelimit.Decision
	err      error
}

func (f *fakeLimiter) Allow(_ context.Context, class ratelimit.Class, _ string) (ratelimit.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.classes = append(f.classes, class)
	if f.err != nil {
		return ratelimit.Decision{}, f.err
	}
	return f.decision, nil
}

type fakeBus struct {
	mu        sync.Mutex
	published []bridge.Event
	handler   func(context.Context, bridge.Event)
}

func (f *fakeBus) Publish(_ context.Context, ev bridge.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, ev)
	return nil
}

func (f *fakeBus) Subscribe(_ context.Context, handler func(context.Context, bridge.Event)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return nil
}

type testEnv struct {
	gw      *Gateway
	service *fakeService
	limiter *fakeLimiter
	bus     *fakeBus
}

func newTestGateway(t *testing.T) *testEnv {
	t.Helper()

	issuer, err := mediatoken.NewIssuer([]byte(testAuthSecret), "zent-voice")
	require.NoError(t, err)

	env := &testEnv{
		service: &fakeService{},
		limiter: &fakeLimiter{decision: ratelimit.Decision{Allowed: true, Remaining: 9}},
		bus:     &fakeBus{},
	}

	gw, err := New(Config{
		Service:     env.service,
		Limiter:     env.limiter,
		Bus:         env.bus,
		Issuer:      issuer,
		InternalKey: testInternalKey,
	})
	require.NoError(t, err)
	require.NoError(t, gw.Start(context.Background()))

	env.gw = gw
	return env
}

// capturedSession registers a session whose outbound messages land in the
// returned slice.
func capturedSession(gw *Gateway, id string) (*Session, *[]any) {
	var mu sync.Mutex
	msgs := &[]any{}
	s := &Session{
		ID: id,
		send: func(v any) error {
			mu.Lock()
			defer mu.Unlock()
			*msgs = append(*msgs, v)
			return nil
		},
		close: func() error { return nil },
	}
	gw.registry.Register(s)
	return s, msgs
}

func identifyMsg(userID, sessionID string, guilds ...string) []byte {
	data, _ := json.Marshal(map[string]any{
		"type":      "identify",
		"userId":    userID,
		"sessionId": sessionID,
		"guildIds":  guilds,
	})
	return data
}

func lastError(t *testing.T, msgs []any) errorMessage {
	t.Helper()
	require.NotEmpty(t, msgs)
	em, ok := msgs[len(msgs)-1].(errorMessage)
	require.True(t, ok, "last message is %T, want errorMessage", msgs[len(msgs)-1])
	return em
}

func TestIdentifyReady(t *testing.T) {
	env := newTestGateway(t)
	sess, msgs := capturedSession(env.gw, "c1")

	env.gw.handleMessage(sess, "", true, identifyMsg("u1", "sess-1", "g1"))

	require.Len(t, *msgs, 1)
	ready, ok := (*msgs)[0].(readyMessage)
	require.True(t, ok)
	assert.Equal(t, "sess-1", ready.SessionID)
	assert.True(t, env.gw.registry.IsMember(sess, "g1"))
}

func TestIdentifyInvalidPayload(t *testing.T) {
	env := newTestGateway(t)
	sess, msgs := capturedSession(env.gw, "c1")

	env.gw.handleMessage(sess, "", true, []byte(`{"type":"identify","userId":"u1"}`))

	assert.Equal(t, codeInvalidPayload, lastError(t, *msgs).Code)
}

func TestIdentifyUserTokenMismatch(t *testing.T) {
	env := newTestGateway(t)
	sess, msgs := capturedSession(env.gw, "c1")

	env.gw.handleMessage(sess, "u-actual", false, identifyMsg("u-claimed", "sess-1", "g1"))

	assert.Equal(t, codeIdentityMismatch, lastError(t, *msgs).Code)
	assert.False(t, env.gw.registry.Identified(sess))
}

func TestIdentifyUserTokenMatch(t *testing.T) {
	env := newTestGateway(t)
	sess, msgs := capturedSession(env.gw, "c1")

	env.gw.handleMessage(sess, "u1", false, identifyMsg("u1", "sess-1", "g1"))

	require.Len(t, *msgs, 1)
	_, ok := (*msgs)[0].(readyMessage)
	assert.True(t, ok)
}

func TestMalformedJSON(t *testing.T) {
	env := newTestGateway(t)
	sess, msgs := capturedSession(env.gw, "c1")

	env.gw.handleMessage(sess, "", true, []byte("{nope"))

	assert.Equal(t, codeInvalidPayload, lastError(t, *msgs).Code)
}

func TestUnknownMessageType(t *testing.T) {
	env := newTestGateway(t)
	sess, msgs := capturedSession(env.gw, "c1")

	env.gw.handleMessage(sess, "", true, []byte(`{"type":"shrug"}`))

	assert.Equal(t, codeInvalidPayload, lastError(t, *msgs).Code)
}

func stateUpdateMsg(guildID string, channelID any, extra map[string]any) []byte {
	m := map[string]any{
		"type":      "voice_state_update",
		"guildId":   guildID,
		"channelId": channelID,
	}
	for k, v := range extra {
		m[k] = v
	}
	data, _ := json.Marshal(m)
	return data
}

func TestStateUpdateBeforeIdentify(t *testing.T) {
	env := newTestGateway(t)
	sess, msgs := capturedSession(env.gw, "c1")

	env.gw.handleMessage(sess, "", true, stateUpdateMsg("g1", "c1", nil))

	assert.Equal(t, codeNotMember, lastError(t, *msgs).Code)
	assert.Empty(t, env.service.joins)
}

func TestStateUpdateNonMemberGuild(t *testing.T) {
	env := newTestGateway(t)
	sess, msgs := capturedSession(env.gw, "c1")
	env.gw.handleMessage(sess, "", true, identifyMsg("u1", "sess-1", "g1"))

	env.gw.handleMessage(sess, "", true, stateUpdateMsg("g-other", "c1", nil))

	assert.Equal(t, codeNotMember, lastError(t, *msgs).Code)
}

func TestJoinSendsServerUpdateToOriginator(t *testing.T) {
	env := newTestGateway(t)
	sess, msgs := capturedSession(env.gw, "c1")
	env.gw.handleMessage(sess, "", true, identifyMsg("u1", "sess-1", "g1"))

	env.gw.handleMessage(sess, "", true, stateUpdateMsg("g1", "chan-9", map[string]any{
		"channelType": 2,
		"username":    "alice",
		"userLimit":   5,
		"selfMute":    true,
	}))

	require.Len(t, env.service.joins, 1)
	join := env.service.joins[0]
	assert.Equal(t, "u1", join.UserID)
	assert.Equal(t, "chan-9", join.ChannelID)
	assert.Equal(t, "sess-1", join.SessionID)
	assert.Equal(t, "alice", join.Username)
	assert.Equal(t, 5, join.UserLimit)
	assert.True(t, join.SelfMute)

	update, ok := (*msgs)[len(*msgs)-1].(serverUpdateMessage)
	require.True(t, ok)
	assert.Equal(t, "voice_server_update", update.Type)
	assert.Equal(t, "g1", update.GuildID)
	assert.Equal(t, "media-token", update.Token)
	assert.Equal(t, "wss://media.example.com", update.Endpoint)
}

func TestJoinDefaultsChannelTypeAndUsername(t *testing.T) {
	env := newTestGateway(t)
	sess, _ := capturedSession(env.gw, "c1")
	env.gw.handleMessage(sess, "", true, identifyMsg("u1", "sess-1", "g1"))

	env.gw.handleMessage(sess, "", true, stateUpdateMsg("g1", "chan-9", nil))

	require.Len(t, env.service.joins, 1)
	assert.Equal(t, voicestate.ChannelTypeVoice, env.service.joins[0].ChannelType)
	assert.Equal(t, "Unknown", env.service.joins[0].Username)
}

func TestNullChannelLeaves(t *testing.T) {
	env := newTestGateway(t)
	sess, _ := capturedSession(env.gw, "c1")
	env.gw.handleMessage(sess, "", true, identifyMsg("u1", "sess-1", "g1"))

	env.gw.handleMessage(sess, "", true, stateUpdateMsg("g1", nil, nil))

	require.Len(t, env.service.leaves, 1)
	assert.Equal(t, [2]string{"u1", "g1"}, env.service.leaves[0])
	// Leaves count against the state class.
	assert.Equal(t, []ratelimit.Class{ratelimit.ClassState}, env.limiter.classes)
}

func TestNullChannelLeaveRateLimited(t *testing.T) {
	env := newTestGateway(t)
	env.limiter.decision = ratelimit.Decision{Allowed: false, RetryAfter: 3 * time.Second}
	sess, msgs := capturedSession(env.gw, "c1")
	env.gw.handleMessage(sess, "", true, identifyMsg("u1", "sess-1", "g1"))

	env.gw.handleMessage(sess, "", true, stateUpdateMsg("g1", nil, nil))

	em := lastError(t, *msgs)
	assert.Equal(t, codeRateLimited, em.Code)
	assert.Equal(t, 3, em.RetryAfter)
	assert.Empty(t, env.service.leaves)
}

func TestJoinRateLimited(t *testing.T) {
	env := newTestGateway(t)
	env.limiter.decision = ratelimit.Decision{Allowed: false, RetryAfter: 7 * time.Second}
	sess, msgs := capturedSession(env.gw, "c1")
	env.gw.handleMessage(sess, "", true, identifyMsg("u1", "sess-1", "g1"))

	env.gw.handleMessage(sess, "", true, stateUpdateMsg("g1", "chan-9", nil))

	em := lastError(t, *msgs)
	assert.Equal(t, codeRateLimited, em.Code)
	assert.Equal(t, 7, em.RetryAfter)
	assert.Empty(t, env.service.joins)
	assert.Equal(t, []ratelimit.Class{ratelimit.ClassJoin}, env.limiter.classes)
}

func TestLimiterFailureIsInternalError(t *testing.T) {
	env := newTestGateway(t)
	env.limiter.err = errors.New("bucket offline")
	sess, msgs := capturedSession(env.gw, "c1")
	env.gw.handleMessage(sess, "", true, identifyMsg("u1", "sess-1", "g1"))

	env.gw.handleMessage(sess, "", true, stateUpdateMsg("g1", "chan-9", nil))

	assert.Equal(t, codeInternal, lastError(t, *msgs).Code)
	assert.Empty(t, env.service.joins)
}

func TestJoinDomainRejections(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		message string
	}{
		{"not a voice channel", errors.ErrNotVoiceChannel, "not a voice channel"},
		{"channel full", errors.ErrChannelFull, "voice channel is full"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestGateway(t)
			env.service.joinErr = tt.err
			sess, msgs := capturedSession(env.gw, "c1")
			env.gw.handleMessage(sess, "", true, identifyMsg("u1", "sess-1", "g1"))

			env.gw.handleMessage(sess, "", true, stateUpdateMsg("g1", "chan-9", nil))

			em := lastError(t, *msgs)
			assert.Equal(t, codeInvalidPayload, em.Code)
			assert.Equal(t, tt.message, em.Message)
		})
	}
}

func TestPositionUpdateFansOut(t *testing.T) {
	env := newTestGateway(t)
	sess, _ := capturedSession(env.gw, "c1")
	env.gw.handleMessage(sess, "", true, identifyMsg("u1", "sess-1", "g1"))

	data, _ := json.Marshal(map[string]any{
		"type":      "voice_position_update",
		"guildId":   "g1",
		"channelId": "chan-9",
		"x":         3, "y": -1, "z": 12,
	})
	env.gw.handleMessage(sess, "", true, data)

	require.Len(t, env.bus.published, 1)
	ev := env.bus.published[0]
	assert.Equal(t, bridge.EventVoicePosition, ev.Type)
	assert.Equal(t, "g1", ev.GuildID)

	var payload positionPayload
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	assert.Equal(t, "u1", payload.UserID)
	assert.Equal(t, 12, payload.Z)

	assert.Equal(t, []ratelimit.Class{ratelimit.ClassPosition}, env.limiter.classes)
}

func TestDeliverEventReachesGuildRoom(t *testing.T) {
	env := newTestGateway(t)
	a, msgsA := capturedSession(env.gw, "c-a")
	b, msgsB := capturedSession(env.gw, "c-b")
	env.gw.handleMessage(a, "", true, identifyMsg("u1", "s1", "g1"))
	env.gw.handleMessage(b, "", true, identifyMsg("u2", "s2", "g2"))

	require.NotNil(t, env.bus.handler)
	env.bus.handler(context.Background(), bridge.Event{
		Type:    bridge.EventVoiceState,
		GuildID: "g1",
		Data:    json.RawMessage(`{"userId":"u9"}`),
	})

	// Session a got the event on top of its ready message; b did not.
	require.Len(t, *msgsA, 2)
	ev, ok := (*msgsA)[1].(voiceEventMessage)
	require.True(t, ok)
	assert.Equal(t, "voice_event", ev.Type)
	assert.Equal(t, bridge.EventVoiceState, ev.Event)
	assert.Len(t, *msgsB, 1)
}

func wsURL(server *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(server.URL, "http") + "/voice-gateway"
	if query != "" {
		u += "?" + query
	}
	return u
}

func TestUpgradeRequiresToken(t *testing.T) {
	env := newTestGateway(t)
	mux := http.NewServeMux()
	mux.Handle("/voice-gateway", env.gw)
	server := httptest.NewServer(mux)
	defer server.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server, ""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUpgradeRejectsBadToken(t *testing.T) {
	env := newTestGateway(t)
	server := httptest.NewServer(env.gw)
	defer server.Close()

	_, resp, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(server.URL, "http")+"?token=wrong", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEndToEndIdentify(t *testing.T) {
	env := newTestGateway(t)
	server := httptest.NewServer(env.gw)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(server.URL, "http")+"?token="+testInternalKey, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, identifyMsg("u1", "sess-1", "g1")))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ready readyMessage
	require.NoError(t, conn.ReadJSON(&ready))
	assert.Equal(t, "ready", ready.Type)
	assert.Equal(t, "sess-1", ready.SessionID)
}

func TestDisconnectCleansUpMemberships(t *testing.T) {
	env := newTestGateway(t)
	server := httptest.NewServer(env.gw)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(server.URL, "http")+"?token="+testInternalKey, nil)
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, identifyMsg("u1", "sess-1", "g1", "g2")))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ready readyMessage
	require.NoError(t, conn.ReadJSON(&ready))

	conn.Close()

	assert.Eventually(t, func() bool {
		env.service.mu.Lock()
		defer env.service.mu.Unlock()
		return len(env.service.leaves) == 2
	}, 2*time.Second, 10*time.Millisecond)
}
