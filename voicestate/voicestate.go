// Package voicestate owns voice channel membership: who is in which
// channel of which guild, with what flags. The Store keeps one row per
// (user, guild); the Service wraps it with the channel-type gate, media
// token issue, a per-guild read cache, and guild event dispatch.
package voicestate

import "context"

// Channel types eligible for voice membership
const (
	ChannelTypeVoice = 2
	ChannelTypeStage = 13
)

// Membership is one user's presence in one guild's voice channel. A user
// holds at most one membership per guild.
type Membership struct {
	UserID     string `json:"userId"`
	GuildID    string `json:"guildId"`
	ChannelID  string `json:"channelId"`
	SessionID  string `json:"sessionId"`
	Username   string `json:"username,omitempty"`
	Deaf       bool   `json:"deaf"`
	Mute       bool   `json:"mute"`
	SelfDeaf   bool   `json:"selfDeaf"`
	SelfMute   bool   `json:"selfMute"`
	SelfStream bool   `json:"selfStream"`
	SelfVideo  bool   `json:"selfVideo"`
	Suppress   bool   `json:"suppress"`
}

// JoinParams describes a join attempt as the store sees it: the membership
// to insert and the capacity to enforce.
type JoinParams struct {
	Membership Membership
	// UserLimit caps channel occupancy when positive. Zero means unlimited.
	UserLimit int
}

// SelfUpdate is a partial update of user-controlled flags. Nil fields are
// left untouched.
type SelfUpdate struct {
	SelfMute   *bool
	SelfDeaf   *bool
	SelfStream *bool
	SelfVideo  *bool
	Suppress   *bool
}

// IsEmpty reports whether the update changes nothing.
func (u SelfUpdate) IsEmpty() bool {
	return u.SelfMute == nil && u.SelfDeaf == nil && u.SelfStream == nil &&
		u.SelfVideo == nil && u.Suppress == nil
}

// ServerUpdate is a partial update of moderator-controlled flags.
type ServerUpdate struct {
	Mute *bool
	Deaf *bool
}

// IsEmpty reports whether the update changes nothing.
func (u ServerUpdate) IsEmpty() bool {
	return u.Mute == nil && u.Deaf == nil
}

// Store persists voice memberships. All mutations are atomic per
// (user, guild) row.
type Store interface {
	// Join replaces any prior membership for (user, guild) and inserts the
	// new one, enforcing UserLimit against current channel occupancy in the
	// same transaction. Returns errors.ErrChannelFull at capacity.
	Join(ctx context.Context, params JoinParams) (*Membership, error)

	// Leave removes the (user, guild) membership and returns the prior row.
	// Leaving while absent is not an error: returns (nil, nil).
	Leave(ctx context.Context, userID, guildID string) (*Membership, error)

	// UpdateSelf applies user-controlled flag changes. Returns
	// errors.ErrNotPresent when the user has no membership in the guild.
	UpdateSelf(ctx context.Context, userID, guildID string, update SelfUpdate) (*Membership, error)

	// UpdateServer applies moderator-controlled flag changes. Returns
	// errors.ErrNotPresent when the user has no membership in the guild.
	UpdateServer(ctx context.Context, userID, guildID string, update ServerUpdate) (*Membership, error)

	// Get returns the (user, guild) membership, or (nil, nil) when absent.
	Get(ctx context.Context, userID, guildID string) (*Membership, error)

	// ListByGuild returns all memberships in a guild.
	ListByGuild(ctx context.Context, guildID string) ([]Membership, error)

	// ListByChannel returns all memberships in a channel.
	ListByChannel(ctx context.Context, channelID string) ([]Membership, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}
