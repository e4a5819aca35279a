// Package gateway serves the websocket presence protocol: it
// authenticates connections, registers them into guild rooms, applies
// membership mutations through the voicestate service, and delivers every
// guild's events to its locally attached sockets.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/akadon/zent-voice/bridge"
	"github.com/akadon/zent-voice/errors"
	"github.com/akadon/zent-voice/mediatoken"
	"github.com/akadon/zent-voice/ratelimit"
	"github.com/akadon/zent-voice/snowflake"
	"github.com/akadon/zent-voice/voicestate"
)

// Protocol error codes. None of them terminate the connection.
const (
	codeInternal         = 4000
	codeInvalidPayload   = 4001
	codeIdentityMismatch = 4002
	codeNotMember        = 4003
	codeRateLimited      = 4008
)

const (
	defaultPingInterval = 30 * time.Second
	pongWait            = 60 * time.Second
	writeWait           = 10 * time.Second
)

// VoiceService is the membership surface the gateway drives.
// *voicestate.Service satisfies it.
type VoiceService interface {
	Join(ctx context.Context, req voicestate.JoinRequest) (*voicestate.JoinResult, error)
	Leave(ctx context.Context, userID, guildID string) (*voicestate.Membership, error)
}

// Limiter gates state-changing messages. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Allow(ctx context.Context, class ratelimit.Class, principal string) (ratelimit.Decision, error)
}

// EventBus carries guild events between gateway instances.
// *bridge.Bridge satisfies it.
type EventBus interface {
	Publish(ctx context.Context, ev bridge.Event) error
	Subscribe(ctx context.Context, handler func(context.Context, bridge.Event)) error
}

// Config collects Gateway dependencies.
type Config struct {
	Service     VoiceService
	Limiter     Limiter
	Bus         EventBus
	Issuer      *mediatoken.Issuer
	InternalKey string
	Logger      *slog.Logger
	// IDs mints connection identifiers. nil derives a generator from the
	// host.
	IDs *snowflake.Generator
	// Registerer receives gateway metrics; nil disables them.
	Registerer   prometheus.Registerer
	PingInterval time.Duration
}

// Gateway is the websocket presence endpoint. Serve it at /voice-gateway.
type Gateway struct {
	service     VoiceService
	limiter     Limiter
	bus         EventBus
	issuer      *mediatoken.Issuer
	internalKey string
	registry    *Registry
	ids         *snowflake.Generator
	logger      *slog.Logger
	metrics     *Metrics
	upgrader    websocket.Upgrader

	pingInterval time.Duration

	ctx    context.Context
	closed atomic.Bool
}

// New creates a Gateway. Call Start before serving traffic.
func New(cfg Config) (*Gateway, error) {
	if cfg.Service == nil || cfg.Limiter == nil || cfg.Bus == nil || cfg.Issuer == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("service, limiter, bus and issuer are required"),
			"Gateway", "New", "validate config")
	}
	if cfg.InternalKey == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Gateway", "New", "read internal key")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}

	ids := cfg.IDs
	if ids == nil {
		var err error
		ids, err = snowflake.New()
		if err != nil {
			return nil, errors.WrapFatal(err, "Gateway", "New", "create id generator")
		}
	}

	return &Gateway{
		service:     cfg.Service,
		limiter:     cfg.Limiter,
		bus:         cfg.Bus,
		issuer:      cfg.Issuer,
		internalKey: cfg.InternalKey,
		registry:    NewRegistry(),
		ids:         ids,
		logger:      logger,
		metrics:     newMetrics(cfg.Registerer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		pingInterval: pingInterval,
		ctx:          context.Background(),
	}, nil
}

// Start subscribes the gateway to the event bus. ctx bounds the
// subscription and disconnect cleanup work.
func (g *Gateway) Start(ctx context.Context) error {
	g.ctx = ctx
	if err := g.bus.Subscribe(ctx, g.deliverEvent); err != nil {
		return errors.WrapTransient(err, "Gateway", "Start", "subscribe to events")
	}
	return nil
}

// Close stops accepting connections and closes every live socket. The
// per-connection read loops run their normal disconnect cleanup.
func (g *Gateway) Close() {
	g.closed.Store(true)
	for _, s := range g.registry.Sessions() {
		if s.close != nil {
			s.close()
		}
	}
}

// Registry exposes the session registry, mainly for health introspection.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// ServeHTTP authenticates and upgrades a gateway connection.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	tokenUserID, internal, ok := g.authenticate(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sess := &Session{ID: g.ids.NextString()}
	var writeMu sync.Mutex
	sess.send = func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(v)
	}
	sess.close = func() error {
		return conn.Close()
	}

	g.registry.Register(sess)
	g.metrics.connected()
	g.logger.Debug("client connected", "conn_id", sess.ID, "internal", internal)

	go g.pingLoop(conn, &writeMu)
	g.readLoop(conn, sess, tokenUserID, internal)
}

// authenticate resolves the presented credential: the internal key grants
// access on behalf of any user; otherwise the token must be a valid
// signed user token.
func (g *Gateway) authenticate(r *http.Request) (tokenUserID string, internal, ok bool) {
	token := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); auth != "" {
		if len(auth) > 7 && auth[:7] == "Bearer " {
			token = auth[7:]
		}
	}
	if token == "" {
		return "", false, false
	}

	if mediatoken.InternalKeyEqual(token, g.internalKey) {
		return "", true, true
	}

	userID, err := g.issuer.VerifyGatewayToken(token)
	if err != nil {
		return "", false, false
	}
	return userID, false, true
}

func (g *Gateway) pingLoop(conn *websocket.Conn, writeMu *sync.Mutex) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ticker := time.NewTicker(g.pingInterval)
	defer ticker.Stop()

	for range ticker.C {
		writeMu.Lock()
		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		writeMu.Unlock()
		if err != nil {
			conn.Close()
			return
		}
	}
}

func (g *Gateway) readLoop(conn *websocket.Conn, sess *Session, tokenUserID string, internal bool) {
	defer g.cleanup(conn, sess)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		g.handleMessage(sess, tokenUserID, internal, data)
	}
}

// cleanup runs when a connection drops for any reason. Membership cleanup
// is skipped when the user already identified a newer session; otherwise
// every subscribed guild gets a best-effort leave, and one failing guild
// never blocks its siblings.
func (g *Gateway) cleanup(conn *websocket.Conn, sess *Session) {
	conn.Close()
	guilds, shouldClean := g.registry.Unregister(sess)
	g.metrics.disconnected("closed")

	if !shouldClean {
		g.logger.Debug("skipping disconnect cleanup", "conn_id", sess.ID)
		return
	}

	for _, guildID := range guilds {
		if _, err := g.service.Leave(g.ctx, sess.UserID(), guildID); err != nil {
			g.logger.Warn("disconnect leave failed",
				"user_id", sess.UserID(), "guild_id", guildID, "error", err)
		}
	}
}

type clientMessage struct {
	Type string `json:"type"`

	// identify
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId"`
	GuildIDs  *[]string `json:"guildIds"`

	// voice_state_update / voice_position_update
	GuildID     string  `json:"guildId"`
	ChannelID   *string `json:"channelId"`
	ChannelType *int    `json:"channelType"`
	Username    string  `json:"username"`
	UserLimit   *int    `json:"userLimit"`
	SelfMute    bool    `json:"selfMute"`
	SelfDeaf    bool    `json:"selfDeaf"`
	X           int     `json:"x"`
	Y           int     `json:"y"`
	Z           int     `json:"z"`
}

type readyMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type errorMessage struct {
	Type       string `json:"type"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter,omitempty"` // seconds
}

type voiceEventMessage struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type serverUpdateMessage struct {
	Type     string `json:"type"`
	GuildID  string `json:"guildId"`
	Token    string `json:"token"`
	Endpoint string `json:"endpoint"`
}

func (g *Gateway) handleMessage(sess *Session, tokenUserID string, internal bool, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		g.sendError(sess, codeInvalidPayload, "invalid message", 0)
		return
	}
	g.metrics.received(msg.Type)

	switch msg.Type {
	case "identify":
		g.handleIdentify(sess, tokenUserID, internal, msg)
	case "voice_state_update":
		g.handleStateUpdate(sess, msg)
	case "voice_position_update":
		g.handlePositionUpdate(sess, msg)
	default:
		g.sendError(sess, codeInvalidPayload, "unknown message type", 0)
	}
}

func (g *Gateway) handleIdentify(sess *Session, tokenUserID string, internal bool, msg clientMessage) {
	if msg.UserID == "" || msg.SessionID == "" || msg.GuildIDs == nil {
		g.sendError(sess, codeInvalidPayload, "invalid identify payload", 0)
		return
	}

	// A user token binds the connection to its subject. The internal key
	// is trusted to identify on behalf of any user.
	if !internal && tokenUserID != msg.UserID {
		g.sendError(sess, codeIdentityMismatch, "userId mismatch", 0)
		return
	}

	g.registry.Identify(sess, msg.UserID, msg.SessionID, *msg.GuildIDs)
	g.sendJSON(sess, readyMessage{Type: "ready", SessionID: msg.SessionID})
}

func (g *Gateway) handleStateUpdate(sess *Session, msg clientMessage) {
	if !g.memberGate(sess, msg.GuildID) {
		return
	}

	if msg.ChannelID == nil {
		if !g.admit(sess, ratelimit.ClassState) {
			return
		}
		if _, err := g.service.Leave(g.ctx, sess.UserID(), msg.GuildID); err != nil {
			g.sendDomainError(sess, err)
		}
		return
	}

	if !g.admit(sess, ratelimit.ClassJoin) {
		return
	}

	channelType := voicestate.ChannelTypeVoice
	if msg.ChannelType != nil {
		channelType = *msg.ChannelType
	}
	username := msg.Username
	if username == "" {
		username = "Unknown"
	}
	userLimit := 0
	if msg.UserLimit != nil {
		userLimit = *msg.UserLimit
	}

	res, err := g.service.Join(g.ctx, voicestate.JoinRequest{
		UserID:      sess.UserID(),
		GuildID:     msg.GuildID,
		ChannelID:   *msg.ChannelID,
		ChannelType: channelType,
		SessionID:   sess.SessionID(),
		Username:    username,
		UserLimit:   userLimit,
		SelfMute:    msg.SelfMute,
		SelfDeaf:    msg.SelfDeaf,
	})
	if err != nil {
		g.sendDomainError(sess, err)
		return
	}

	// Media routing goes to the originator only; the membership event
	// reaches everyone through the bus.
	g.sendJSON(sess, serverUpdateMessage{
		Type:     "voice_server_update",
		GuildID:  msg.GuildID,
		Token:    res.MediaToken,
		Endpoint: res.MediaEndpoint,
	})
}

type positionPayload struct {
	UserID    string `json:"userId"`
	GuildID   string `json:"guildId"`
	ChannelID string `json:"channelId"`
	SessionID string `json:"sessionId"`
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Z         int    `json:"z"`
}

// handlePositionUpdate fans spatial audio positions out to the guild.
// Positions are ephemeral: they are not persisted, only relayed.
func (g *Gateway) handlePositionUpdate(sess *Session, msg clientMessage) {
	if !g.memberGate(sess, msg.GuildID) {
		return
	}
	if msg.ChannelID == nil || *msg.ChannelID == "" {
		g.sendError(sess, codeInvalidPayload, "channelId required", 0)
		return
	}
	if !g.admit(sess, ratelimit.ClassPosition) {
		return
	}

	data, _ := json.Marshal(positionPayload{
		UserID:    sess.UserID(),
		GuildID:   msg.GuildID,
		ChannelID: *msg.ChannelID,
		SessionID: sess.SessionID(),
		X:         msg.X,
		Y:         msg.Y,
		Z:         msg.Z,
	})
	err := g.bus.Publish(g.ctx, bridge.Event{
		Type:    bridge.EventVoicePosition,
		GuildID: msg.GuildID,
		Data:    data,
	})
	if err != nil {
		g.sendError(sess, codeInternal, "internal error", 0)
	}
}

// memberGate enforces identify-before-anything and guild membership.
func (g *Gateway) memberGate(sess *Session, guildID string) bool {
	if !g.registry.Identified(sess) {
		g.sendError(sess, codeNotMember, "not identified", 0)
		return false
	}
	if guildID == "" || !g.registry.IsMember(sess, guildID) {
		g.sendError(sess, codeNotMember, "not a member of this guild", 0)
		return false
	}
	return true
}

// admit consults the rate limiter. Denials are advisory: the client gets
// a retry-after hint and keeps its connection.
func (g *Gateway) admit(sess *Session, class ratelimit.Class) bool {
	decision, err := g.limiter.Allow(g.ctx, class, sess.UserID())
	if err != nil {
		g.logger.Warn("rate limiter unavailable", "class", class, "error", err)
		g.sendError(sess, codeInternal, "internal error", 0)
		return false
	}
	if !decision.Allowed {
		g.metrics.limited(string(class))
		retryAfter := int(decision.RetryAfter.Round(time.Second).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		g.sendError(sess, codeRateLimited, "rate limited", retryAfter)
		return false
	}
	return true
}

// deliverEvent pushes one bus event to every local subscriber of its
// guild.
func (g *Gateway) deliverEvent(_ context.Context, ev bridge.Event) {
	out := voiceEventMessage{Type: "voice_event", Event: ev.Type, Data: ev.Data}

	start := time.Now()
	n := g.registry.Broadcast(ev.GuildID, func(s *Session) {
		if err := s.send(out); err != nil {
			g.logger.Debug("event delivery failed", "conn_id", s.ID, "error", err)
		}
	})
	g.metrics.sent(ev.Type, n, time.Since(start))
}

func (g *Gateway) sendError(sess *Session, code int, message string, retryAfter int) {
	g.metrics.protocolError(strconv.Itoa(code))
	g.sendJSON(sess, errorMessage{
		Type:       "error",
		Code:       code,
		Message:    message,
		RetryAfter: retryAfter,
	})
}

// sendDomainError maps service failures onto protocol error codes.
func (g *Gateway) sendDomainError(sess *Session, err error) {
	switch {
	case errors.Is(err, errors.ErrNotVoiceChannel):
		g.sendError(sess, codeInvalidPayload, "not a voice channel", 0)
	case errors.Is(err, errors.ErrChannelFull):
		g.sendError(sess, codeInvalidPayload, "voice channel is full", 0)
	case errors.Is(err, errors.ErrNotPresent):
		g.sendError(sess, codeInvalidPayload, "not in a voice channel", 0)
	default:
		g.logger.Error("voice state operation failed", "error", err)
		g.sendError(sess, codeInternal, "internal error", 0)
	}
}

func (g *Gateway) sendJSON(sess *Session, v any) {
	if err := sess.send(v); err != nil {
		g.logger.Debug("send failed", "conn_id", sess.ID, "error", err)
	}
}
