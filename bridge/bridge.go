// Package bridge fans voice events out across gateway instances. Each
// event is published on a guild-keyed subject so any instance holding
// sessions for that guild receives it, and appended best-effort to a
// short-retention stream for late joiners and debugging.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/akadon/zent-voice/errors"
	"github.com/akadon/zent-voice/natsclient"
)

// Event types carried by the bridge
const (
	EventVoiceState    = "VOICE_STATE_UPDATE"
	EventVoiceServer   = "VOICE_SERVER_UPDATE"
	EventVoicePosition = "VOICE_POSITION_UPDATE"
)

// Subject layout
const (
	subjectPrefix   = "voice.guild."
	subjectWildcard = "voice.guild.>"

	// EventLogStream is the short-retention log of everything the bridge
	// carried.
	EventLogStream    = "VOICE_EVENTS"
	eventLogSubjects  = "voiceevents.guild.*"
	eventLogPrefix    = "voiceevents.guild."
	eventLogRetention = 60 * time.Second
)

// Event is the envelope carried between instances.
type Event struct {
	Type    string          `json:"type"`
	GuildID string          `json:"guildId"`
	Data    json.RawMessage `json:"data"`
}

// Conn is the messaging surface the bridge needs. *natsclient.Client
// satisfies it.
type Conn interface {
	Publish(ctx context.Context, subject string, data []byte) error
	PublishToStream(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler func(context.Context, string, []byte)) error
}

// Bridge publishes and receives guild-keyed voice events.
type Bridge struct {
	conn   Conn
	logger *slog.Logger
	logSet bool // event log stream exists, stream appends are attempted
}

// New creates a bridge over an established connection.
func New(conn Conn, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{conn: conn, logger: logger}
}

// EnsureEventLog creates the short-retention event log stream. Call once
// at startup; without it the bridge still fans out but keeps no log.
func (b *Bridge) EnsureEventLog(ctx context.Context, client *natsclient.Client) error {
	_, err := client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     EventLogStream,
		Subjects: []string{eventLogSubjects},
		MaxAge:   eventLogRetention,
		Storage:  jetstream.MemoryStorage,
	})
	if err != nil {
		return errors.WrapTransient(err, "Bridge", "EnsureEventLog", "create stream")
	}
	b.logSet = true
	return nil
}

// Publish fans an event out to every instance subscribed to its guild.
// The fan-out is the authoritative delivery; the event log append is
// best-effort and only logged on failure.
func (b *Bridge) Publish(ctx context.Context, ev Event) error {
	if ev.GuildID == "" || ev.Type == "" {
		return errors.WrapInvalid(
			fmt.Errorf("event requires type and guildId"), "Bridge", "Publish", "validate event")
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return errors.WrapInvalid(err, "Bridge", "Publish", "encode event")
	}

	if err := b.conn.Publish(ctx, subjectPrefix+ev.GuildID, data); err != nil {
		return errors.WrapTransient(err, "Bridge", "Publish", "publish event")
	}

	if b.logSet {
		if err := b.conn.PublishToStream(ctx, eventLogPrefix+ev.GuildID, data); err != nil {
			b.logger.Warn("event log append failed",
				"guild_id", ev.GuildID, "type", ev.Type, "error", err)
		}
	}
	return nil
}

// Subscribe delivers every guild's events to handler. Payloads that do
// not decode into an envelope are dropped.
func (b *Bridge) Subscribe(ctx context.Context, handler func(context.Context, Event)) error {
	err := b.conn.Subscribe(ctx, subjectWildcard, func(ctx context.Context, subject string, data []byte) {
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.GuildID == "" || ev.Type == "" {
			b.logger.Debug("dropping malformed event", "subject", subject)
			return
		}
		handler(ctx, ev)
	})
	if err != nil {
		return errors.WrapTransient(err, "Bridge", "Subscribe", "subscribe to guild events")
	}
	return nil
}
