package voicestate

import (
	"context"
	"sync"

	"github.com/akadon/zent-voice/errors"
)

// MemoryStore is an in-memory Store for tests and local development. One
// mutex covers every operation, so Join's replace-check-insert sequence is
// atomic the same way the SQL transaction is.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[memberKey]Membership
}

type memberKey struct {
	userID  string
	guildID string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[memberKey]Membership)}
}

// Join implements Store.
func (s *MemoryStore) Join(_ context.Context, params JoinParams) (*Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := params.Membership
	key := memberKey{m.UserID, m.GuildID}
	delete(s.rows, key)

	if params.UserLimit > 0 {
		count := 0
		for _, row := range s.rows {
			if row.ChannelID == m.ChannelID {
				count++
			}
		}
		if count >= params.UserLimit {
			return nil, errors.ErrChannelFull
		}
	}

	s.rows[key] = m
	return &m, nil
}

// Leave implements Store.
func (s *MemoryStore) Leave(_ context.Context, userID, guildID string) (*Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memberKey{userID, guildID}
	row, ok := s.rows[key]
	if !ok {
		return nil, nil
	}
	delete(s.rows, key)
	return &row, nil
}

// UpdateSelf implements Store.
func (s *MemoryStore) UpdateSelf(_ context.Context, userID, guildID string, update SelfUpdate) (*Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memberKey{userID, guildID}
	row, ok := s.rows[key]
	if !ok {
		return nil, errors.ErrNotPresent
	}

	if update.SelfMute != nil {
		row.SelfMute = *update.SelfMute
	}
	if update.SelfDeaf != nil {
		row.SelfDeaf = *update.SelfDeaf
	}
	if update.SelfStream != nil {
		row.SelfStream = *update.SelfStream
	}
	if update.SelfVideo != nil {
		row.SelfVideo = *update.SelfVideo
	}
	if update.Suppress != nil {
		row.Suppress = *update.Suppress
	}

	s.rows[key] = row
	return &row, nil
}

// UpdateServer implements Store.
func (s *MemoryStore) UpdateServer(_ context.Context, userID, guildID string, update ServerUpdate) (*Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memberKey{userID, guildID}
	row, ok := s.rows[key]
	if !ok {
		return nil, errors.ErrNotPresent
	}

	if update.Mute != nil {
		row.Mute = *update.Mute
	}
	if update.Deaf != nil {
		row.Deaf = *update.Deaf
	}

	s.rows[key] = row
	return &row, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, userID, guildID string) (*Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[memberKey{userID, guildID}]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

// ListByGuild implements Store.
func (s *MemoryStore) ListByGuild(_ context.Context, guildID string) ([]Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Membership
	for _, row := range s.rows {
		if row.GuildID == guildID {
			out = append(out, row)
		}
	}
	return out, nil
}

// ListByChannel implements Store.
func (s *MemoryStore) ListByChannel(_ context.Context, channelID string) ([]Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Membership
	for _, row := range s.rows {
		if row.ChannelID == channelID {
			out = append(out, row)
		}
	}
	return out, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
