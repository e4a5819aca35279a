package voicestate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/akadon/zent-voice/bridge"
	"github.com/akadon/zent-voice/errors"
	"github.com/akadon/zent-voice/mediatoken"
	"github.com/akadon/zent-voice/pkg/cache"
)

// guildCacheTTL bounds how stale a guild roster read may be.
const guildCacheTTL = 5 * time.Minute

// Publisher fans a guild event out to every gateway instance.
// *bridge.Bridge satisfies it.
type Publisher interface {
	Publish(ctx context.Context, ev bridge.Event) error
}

// JoinRequest carries everything a join needs. The caller owns channel
// metadata (type, user limit) since this service does not own the
// channels table.
type JoinRequest struct {
	UserID      string
	GuildID     string
	ChannelID   string
	ChannelType int
	SessionID   string
	Username    string
	UserLimit   int
	SelfMute    bool
	SelfDeaf    bool
}

// JoinResult is a committed join plus the media room credentials.
type JoinResult struct {
	Membership    Membership
	MediaToken    string
	MediaEndpoint string
}

// Service applies membership operations: the channel-type gate, the store
// transaction, cache invalidation, media token issue and event dispatch.
// REST- and socket-originated mutations share this path, so both emit
// identical events.
type Service struct {
	store         Store
	issuer        *mediatoken.Issuer
	publisher     Publisher
	cache         *cache.TTL[[]Membership]
	mediaEndpoint string
	logger        *slog.Logger
}

// ServiceConfig collects Service dependencies.
type ServiceConfig struct {
	Store         Store
	Issuer        *mediatoken.Issuer
	Publisher     Publisher
	MediaEndpoint string
	Logger        *slog.Logger
}

// NewService creates a Service. The guild cache sweeper runs until ctx is
// cancelled.
func NewService(ctx context.Context, cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil || cfg.Issuer == nil || cfg.Publisher == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("store, issuer and publisher are required"),
			"Service", "NewService", "validate config")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:         cfg.Store,
		issuer:        cfg.Issuer,
		publisher:     cfg.Publisher,
		cache:         cache.NewTTL[[]Membership](ctx, guildCacheTTL, time.Minute),
		mediaEndpoint: cfg.MediaEndpoint,
		logger:        logger,
	}, nil
}

// Join admits a user to a voice or stage channel. Any prior membership in
// the guild is replaced in the same transaction. Stage joins start
// suppressed with a subscribe-only media token.
func (s *Service) Join(ctx context.Context, req JoinRequest) (*JoinResult, error) {
	if req.ChannelType != ChannelTypeVoice && req.ChannelType != ChannelTypeStage {
		return nil, errors.ErrNotVoiceChannel
	}

	isStage := req.ChannelType == ChannelTypeStage
	committed, err := s.store.Join(ctx, JoinParams{
		Membership: Membership{
			UserID:    req.UserID,
			GuildID:   req.GuildID,
			ChannelID: req.ChannelID,
			SessionID: req.SessionID,
			Username:  req.Username,
			SelfMute:  req.SelfMute,
			SelfDeaf:  req.SelfDeaf,
			Suppress:  isStage,
		},
		UserLimit: req.UserLimit,
	})
	if err != nil {
		return nil, err
	}

	s.cache.Delete(req.GuildID)

	room := fmt.Sprintf("voice-%s-%s", req.GuildID, req.ChannelID)
	token, err := s.issuer.RoomToken(req.UserID, req.Username, room, !isStage)
	if err != nil {
		return nil, err
	}

	s.dispatchState(ctx, *committed)

	return &JoinResult{
		Membership:    *committed,
		MediaToken:    token,
		MediaEndpoint: s.mediaEndpoint,
	}, nil
}

// leavePayload is the wire shape for a departure: channelId is
// explicitly null.
type leavePayload struct {
	UserID    string  `json:"userId"`
	GuildID   string  `json:"guildId"`
	ChannelID *string `json:"channelId"`
	SessionID string  `json:"sessionId"`
}

// Leave removes a user's membership in a guild. Idempotent: leaving while
// absent returns (nil, nil) and emits nothing.
func (s *Service) Leave(ctx context.Context, userID, guildID string) (*Membership, error) {
	prior, err := s.store.Leave(ctx, userID, guildID)
	if err != nil {
		return nil, err
	}
	if prior == nil {
		return nil, nil
	}

	s.cache.Delete(guildID)

	data, _ := json.Marshal(leavePayload{
		UserID:    userID,
		GuildID:   guildID,
		SessionID: prior.SessionID,
	})
	s.dispatch(ctx, bridge.Event{
		Type:    bridge.EventVoiceState,
		GuildID: guildID,
		Data:    data,
	})
	return prior, nil
}

// UpdateSelf applies user-controlled flag changes.
func (s *Service) UpdateSelf(ctx context.Context, userID, guildID string, update SelfUpdate) (*Membership, error) {
	if update.IsEmpty() {
		return nil, errors.WrapInvalid(
			fmt.Errorf("no fields to update"), "Service", "UpdateSelf", "validate update")
	}

	updated, err := s.store.UpdateSelf(ctx, userID, guildID, update)
	if err != nil {
		return nil, err
	}

	s.cache.Delete(guildID)
	s.dispatchState(ctx, *updated)
	return updated, nil
}

// UpdateServer applies moderator mute/deafen changes.
func (s *Service) UpdateServer(ctx context.Context, userID, guildID string, update ServerUpdate) (*Membership, error) {
	if update.IsEmpty() {
		return nil, errors.WrapInvalid(
			fmt.Errorf("no fields to update"), "Service", "UpdateServer", "validate update")
	}

	updated, err := s.store.UpdateServer(ctx, userID, guildID, update)
	if err != nil {
		return nil, err
	}

	s.cache.Delete(guildID)
	s.dispatchState(ctx, *updated)
	return updated, nil
}

// GuildStates returns every membership in a guild, served from the TTL
// cache when warm. Empty rosters are not cached.
func (s *Service) GuildStates(ctx context.Context, guildID string) ([]Membership, error) {
	if states, ok := s.cache.Get(guildID); ok {
		return states, nil
	}

	states, err := s.store.ListByGuild(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if len(states) > 0 {
		s.cache.Set(guildID, states)
	}
	return states, nil
}

// ChannelStates returns every membership in a channel, always from the
// store.
func (s *Service) ChannelStates(ctx context.Context, channelID string) ([]Membership, error) {
	return s.store.ListByChannel(ctx, channelID)
}

// Ping reports store health.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Close stops the guild cache sweeper.
func (s *Service) Close() error {
	return s.cache.Close()
}

func (s *Service) dispatchState(ctx context.Context, m Membership) {
	data, _ := json.Marshal(m)
	s.dispatch(ctx, bridge.Event{
		Type:    bridge.EventVoiceState,
		GuildID: m.GuildID,
		Data:    data,
	})
}

// dispatch is best-effort: the membership change is already committed, so
// a fan-out failure is logged rather than unwound.
func (s *Service) dispatch(ctx context.Context, ev bridge.Event) {
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("event dispatch failed",
			"guild_id", ev.GuildID, "type", ev.Type, "error", err)
	}
}
