package voicestate

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akadon/zent-voice/bridge"
	"github.com/akadon/zent-voice/errors"
	"github.com/akadon/zent-voice/mediatoken"
)

type capturingPublisher struct {
	mu     sync.Mutex
	events []bridge.Event
}

func (p *capturingPublisher) Publish(_ context.Context, ev bridge.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturingPublisher) all() []bridge.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bridge.Event{}, p.events...)
}

func newTestService(t *testing.T) (*Service, *capturingPublisher, Store) {
	t.Helper()

	issuer, err := mediatoken.NewIssuer([]byte("a-secret-long-enough-for-tests"), "zent-voice")
	require.NoError(t, err)

	pub := &capturingPublisher{}
	store := NewMemoryStore()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	svc, err := NewService(ctx, ServiceConfig{
		Store:         store,
		Issuer:        issuer,
		Publisher:     pub,
		MediaEndpoint: "wss://media.example.com",
	})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	return svc, pub, store
}

func joinReq(userID string) JoinRequest {
	return JoinRequest{
		UserID:      userID,
		GuildID:     "g1",
		ChannelID:   "c1",
		ChannelType: ChannelTypeVoice,
		SessionID:   "sess-" + userID,
		Username:    "name-" + userID,
	}
}

func TestServiceJoinVoiceChannel(t *testing.T) {
	svc, pub, _ := newTestService(t)

	res, err := svc.Join(context.Background(), joinReq("u1"))
	require.NoError(t, err)

	assert.Equal(t, "c1", res.Membership.ChannelID)
	assert.False(t, res.Membership.Suppress)
	assert.NotEmpty(t, res.MediaToken)
	assert.Equal(t, "wss://media.example.com", res.MediaEndpoint)

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, bridge.EventVoiceState, events[0].Type)
	assert.Equal(t, "g1", events[0].GuildID)
}

func TestServiceJoinRejectsTextChannel(t *testing.T) {
	svc, pub, _ := newTestService(t)

	req := joinReq("u1")
	req.ChannelType = 0
	_, err := svc.Join(context.Background(), req)
	assert.ErrorIs(t, err, errors.ErrNotVoiceChannel)
	assert.Empty(t, pub.all())
}

func TestServiceStageJoinIsSuppressed(t *testing.T) {
	svc, _, _ := newTestService(t)

	req := joinReq("u1")
	req.ChannelType = ChannelTypeStage
	res, err := svc.Join(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Membership.Suppress)
	assert.NotEmpty(t, res.MediaToken)
}

func TestServiceJoinChannelFull(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	req := joinReq("u1")
	req.UserLimit = 1
	_, err := svc.Join(ctx, req)
	require.NoError(t, err)

	req2 := joinReq("u2")
	req2.UserLimit = 1
	_, err = svc.Join(ctx, req2)
	assert.ErrorIs(t, err, errors.ErrChannelFull)
}

func TestServiceLeaveEmitsNullChannel(t *testing.T) {
	svc, pub, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Join(ctx, joinReq("u1"))
	require.NoError(t, err)

	prior, err := svc.Leave(ctx, "u1", "g1")
	require.NoError(t, err)
	require.NotNil(t, prior)

	events := pub.all()
	require.Len(t, events, 2)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(events[1].Data, &payload))
	assert.Equal(t, "u1", payload["userId"])
	assert.Contains(t, payload, "channelId")
	assert.Nil(t, payload["channelId"])
	assert.Equal(t, "sess-u1", payload["sessionId"])
}

func TestServiceLeaveAbsentIsSilent(t *testing.T) {
	svc, pub, _ := newTestService(t)

	prior, err := svc.Leave(context.Background(), "ghost", "g1")
	require.NoError(t, err)
	assert.Nil(t, prior)
	assert.Empty(t, pub.all())
}

func TestServiceUpdateSelf(t *testing.T) {
	svc, pub, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Join(ctx, joinReq("u1"))
	require.NoError(t, err)

	updated, err := svc.UpdateSelf(ctx, "u1", "g1", SelfUpdate{SelfMute: boolPtr(true)})
	require.NoError(t, err)
	assert.True(t, updated.SelfMute)
	assert.Len(t, pub.all(), 2)
}

func TestServiceUpdateSelfEmptyRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.UpdateSelf(context.Background(), "u1", "g1", SelfUpdate{})
	assert.Error(t, err)
}

func TestServiceUpdateSelfNotPresent(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.UpdateSelf(context.Background(), "ghost", "g1", SelfUpdate{SelfMute: boolPtr(true)})
	assert.ErrorIs(t, err, errors.ErrNotPresent)
}

func TestServiceUpdateServer(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Join(ctx, joinReq("u1"))
	require.NoError(t, err)

	updated, err := svc.UpdateServer(ctx, "u1", "g1", ServerUpdate{Deaf: boolPtr(true)})
	require.NoError(t, err)
	assert.True(t, updated.Deaf)
}

func TestServiceGuildStatesCaches(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	_, err := svc.Join(ctx, joinReq("u1"))
	require.NoError(t, err)

	states, err := svc.GuildStates(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, states, 1)

	// Mutate the store behind the service's back: a warm cache serves the
	// old roster.
	_, err = store.Join(ctx, JoinParams{Membership: testMembership("u2", "g1", "c1")})
	require.NoError(t, err)

	states, err = svc.GuildStates(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, states, 1)
}

func TestServiceMutationInvalidatesCache(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Join(ctx, joinReq("u1"))
	require.NoError(t, err)

	_, err = svc.GuildStates(ctx, "g1")
	require.NoError(t, err)

	_, err = svc.Join(ctx, joinReq("u2"))
	require.NoError(t, err)

	states, err := svc.GuildStates(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, states, 2)
}

func TestServiceEmptyGuildNotCached(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	states, err := svc.GuildStates(ctx, "g1")
	require.NoError(t, err)
	assert.Empty(t, states)

	_, err = store.Join(ctx, JoinParams{Membership: testMembership("u1", "g1", "c1")})
	require.NoError(t, err)

	states, err = svc.GuildStates(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, states, 1)
}
