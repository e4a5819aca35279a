// Package httpapi serves the internal control surface: membership
// operations for trusted sibling services, health, and metrics. Every
// /api route requires the internal key; this API is never exposed to end
// users.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akadon/zent-voice/errors"
	"github.com/akadon/zent-voice/ratelimit"
	"github.com/akadon/zent-voice/voicestate"
)

// VoiceService is the membership surface the API exposes.
// *voicestate.Service satisfies it.
type VoiceService interface {
	Join(ctx context.Context, req voicestate.JoinRequest) (*voicestate.JoinResult, error)
	Leave(ctx context.Context, userID, guildID string) (*voicestate.Membership, error)
	UpdateSelf(ctx context.Context, userID, guildID string, update voicestate.SelfUpdate) (*voicestate.Membership, error)
	UpdateServer(ctx context.Context, userID, guildID string, update voicestate.ServerUpdate) (*voicestate.Membership, error)
	GuildStates(ctx context.Context, guildID string) ([]voicestate.Membership, error)
	Ping(ctx context.Context) error
}

// Limiter gates self-state updates. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Allow(ctx context.Context, class ratelimit.Class, principal string) (ratelimit.Decision, error)
}

// MessagingHealth reports broker connectivity for the health endpoint.
// *natsclient.Client satisfies it.
type MessagingHealth interface {
	IsHealthy() bool
}

// Config collects API dependencies.
type Config struct {
	Service     VoiceService
	Limiter     Limiter
	Messaging   MessagingHealth
	InternalKey string
	CORSOrigins []string
	Logger      *slog.Logger
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// API is the internal control API.
type API struct {
	service     VoiceService
	limiter     Limiter
	messaging   MessagingHealth
	internalKey string
	corsOrigins map[string]struct{}
	logger      *slog.Logger
	gatherer    prometheus.Gatherer
}

// New creates the API.
func New(cfg Config) (*API, error) {
	if cfg.Service == nil || cfg.Limiter == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("service and limiter are required"), "API", "New", "validate config")
	}
	if cfg.InternalKey == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "API", "New", "read internal key")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	origins := make(map[string]struct{}, len(cfg.CORSOrigins))
	for _, o := range cfg.CORSOrigins {
		origins[o] = struct{}{}
	}

	return &API{
		service:     cfg.Service,
		limiter:     cfg.Limiter,
		messaging:   cfg.Messaging,
		internalKey: cfg.InternalKey,
		corsOrigins: origins,
		logger:      logger,
		gatherer:    cfg.Gatherer,
	}, nil
}

// Routes registers the API's routes on mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", a.withRequestID(a.handleHealth))
	if a.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("POST /api/voice/{guildId}/{channelId}/join", a.protected(a.handleJoin))
	mux.HandleFunc("POST /api/voice/{guildId}/leave", a.protected(a.handleLeave))
	mux.HandleFunc("GET /api/voice/{guildId}/states", a.protected(a.handleStates))
	mux.HandleFunc("PATCH /api/voice/{guildId}/{userId}", a.protected(a.handleUpdateSelf))
	mux.HandleFunc("PATCH /api/voice/{guildId}/{userId}/server", a.protected(a.handleUpdateServer))
	mux.HandleFunc("OPTIONS /api/", a.withRequestID(func(w http.ResponseWriter, r *http.Request) {
		a.applyCORS(w, r)
		w.WriteHeader(http.StatusNoContent)
	}))
}

type joinBody struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	ChannelType int    `json:"channelType"`
	UserLimit   *int   `json:"userLimit"`
	SelfMute    bool   `json:"selfMute"`
	SelfDeaf    bool   `json:"selfDeaf"`
}

type joinResponse struct {
	VoiceState    voicestate.Membership `json:"voiceState"`
	MediaToken    string                `json:"mediaToken"`
	MediaEndpoint string                `json:"mediaEndpoint"`
}

func (a *API) handleJoin(w http.ResponseWriter, r *http.Request) {
	var body joinBody
	if err := decodeBody(r, &body); err != nil || body.UserID == "" {
		a.writeError(w, http.StatusBadRequest, "invalid join body")
		return
	}

	userLimit := 0
	if body.UserLimit != nil {
		userLimit = *body.UserLimit
	}
	username := body.Username
	if username == "" {
		username = "Unknown"
	}

	res, err := a.service.Join(r.Context(), voicestate.JoinRequest{
		UserID:      body.UserID,
		GuildID:     r.PathValue("guildId"),
		ChannelID:   r.PathValue("channelId"),
		ChannelType: body.ChannelType,
		SessionID:   uuid.NewString(),
		Username:    username,
		UserLimit:   userLimit,
		SelfMute:    body.SelfMute,
		SelfDeaf:    body.SelfDeaf,
	})
	if err != nil {
		a.writeDomainError(w, err)
		return
	}

	a.writeJSON(w, http.StatusOK, joinResponse{
		VoiceState:    res.Membership,
		MediaToken:    res.MediaToken,
		MediaEndpoint: res.MediaEndpoint,
	})
}

func (a *API) handleLeave(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"userId"`
	}
	if err := decodeBody(r, &body); err != nil || body.UserID == "" {
		a.writeError(w, http.StatusBadRequest, "invalid leave body")
		return
	}

	if _, err := a.service.Leave(r.Context(), body.UserID, r.PathValue("guildId")); err != nil {
		a.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleStates(w http.ResponseWriter, r *http.Request) {
	states, err := a.service.GuildStates(r.Context(), r.PathValue("guildId"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	if states == nil {
		states = []voicestate.Membership{}
	}
	a.writeJSON(w, http.StatusOK, states)
}

func (a *API) handleUpdateSelf(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SelfMute   *bool `json:"selfMute"`
		SelfDeaf   *bool `json:"selfDeaf"`
		SelfStream *bool `json:"selfStream"`
		SelfVideo  *bool `json:"selfVideo"`
	}
	if err := decodeBody(r, &body); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	userID := r.PathValue("userId")
	update := voicestate.SelfUpdate{
		SelfMute:   body.SelfMute,
		SelfDeaf:   body.SelfDeaf,
		SelfStream: body.SelfStream,
		SelfVideo:  body.SelfVideo,
	}
	if update.IsEmpty() {
		a.writeError(w, http.StatusBadRequest, "empty body")
		return
	}

	decision, err := a.limiter.Allow(r.Context(), ratelimit.ClassState, userID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	if !decision.Allowed {
		a.writeRateLimited(w, decision)
		return
	}

	updated, err := a.service.UpdateSelf(r.Context(), userID, r.PathValue("guildId"), update)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, updated)
}

func (a *API) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mute *bool `json:"mute"`
		Deaf *bool `json:"deaf"`
	}
	if err := decodeBody(r, &body); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	update := voicestate.ServerUpdate{Mute: body.Mute, Deaf: body.Deaf}
	if update.IsEmpty() {
		a.writeError(w, http.StatusBadRequest, "empty body")
		return
	}

	updated, err := a.service.UpdateServer(r.Context(), r.PathValue("userId"), r.PathValue("guildId"), update)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, updated)
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: map[string]string{}}
	status := http.StatusOK

	if err := a.service.Ping(ctx); err != nil {
		resp.Checks["database"] = err.Error()
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	} else {
		resp.Checks["database"] = "ok"
	}

	if a.messaging != nil {
		if !a.messaging.IsHealthy() {
			resp.Checks["nats"] = "disconnected"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		} else {
			resp.Checks["nats"] = "ok"
		}
	}

	a.writeJSON(w, status, resp)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type errorResponse struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Debug("response encode failed", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, errorResponse{StatusCode: status, Message: message})
}

func (a *API) writeRateLimited(w http.ResponseWriter, decision ratelimit.Decision) {
	secs := int(decision.RetryAfter.Round(time.Second).Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	a.writeError(w, http.StatusTooManyRequests, "rate limited")
}

// writeDomainError maps service failures onto HTTP statuses.
func (a *API) writeDomainError(w http.ResponseWriter, err error) {
	if retryAfter, ok := errors.IsRateLimited(err); ok {
		a.writeRateLimited(w, ratelimit.Decision{RetryAfter: retryAfter})
		return
	}

	switch {
	case errors.Is(err, errors.ErrNotVoiceChannel):
		a.writeError(w, http.StatusBadRequest, "not a voice channel")
	case errors.Is(err, errors.ErrChannelFull):
		a.writeError(w, http.StatusBadRequest, "voice channel is full")
	case errors.Is(err, errors.ErrNotPresent):
		a.writeError(w, http.StatusNotFound, "not in a voice channel")
	case errors.IsInvalid(err):
		a.writeError(w, http.StatusBadRequest, "invalid request")
	case errors.IsTransient(err):
		a.logger.Warn("store unavailable", "error", err)
		a.writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
	default:
		a.logger.Error("request failed", "error", err)
		a.writeError(w, http.StatusInternalServerError, "internal error")
	}
}
