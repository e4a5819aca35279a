package gateway

import (
	"sync"
)

// maxGuildSubscriptions caps how many guilds one session may subscribe to.
const maxGuildSubscriptions = 200

// Session is one websocket connection's registry entry. Identity fields
// are set once by identify and read under the registry lock thereafter.
type Session struct {
	ID string

	userID    string
	sessionID string
	epoch     uint64
	guilds    map[string]struct{}

	// send delivers one server message over the connection. The gateway
	// wires it to the socket behind a write mutex.
	send  func(v any) error
	close func() error

	identified bool
}

// UserID returns the identified user, or "" before identify.
func (s *Session) UserID() string { return s.userID }

// SessionID returns the client-supplied session id, or "" before identify.
func (s *Session) SessionID() string { return s.sessionID }

type ownerRecord struct {
	sessionID string
	epoch     uint64
}

// Registry tracks live sessions, the per-user latest session, and guild
// room membership. All mutations are safe under concurrent
// connect/identify/disconnect.
//
// The per-user record carries a monotonically increasing epoch. Disconnect
// cleanup runs only when the departing session still owns the user's
// record; a reconnect that identified after the old socket stalled owns a
// higher epoch, so the stale disconnect skips cleanup entirely.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session            // by connection id
	latest   map[string]ownerRecord         // by user id
	rooms    map[string]map[string]*Session // guild id -> connection id -> session
	epoch    uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		latest:   make(map[string]ownerRecord),
		rooms:    make(map[string]map[string]*Session),
	}
}

// Register adds a connected but unidentified session.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// Identify binds identity to a session and subscribes it to its guilds,
// truncated at the subscription cap. Re-identifying replaces the previous
// subscriptions. The session becomes the user's latest under a fresh epoch.
func (r *Registry) Identify(s *Session, userID, sessionID string, guildIDs []string) {
	if len(guildIDs) > maxGuildSubscriptions {
		guildIDs = guildIDs[:maxGuildSubscriptions]
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.leaveRoomsLocked(s)

	// Re-identifying as a different user releases the old owner record,
	// as long as this session still holds it.
	if s.identified && s.userID != userID {
		if owner, ok := r.latest[s.userID]; ok && owner.epoch == s.epoch {
			delete(r.latest, s.userID)
		}
	}

	s.userID = userID
	s.sessionID = sessionID
	s.identified = true
	s.guilds = make(map[string]struct{}, len(guildIDs))

	r.epoch++
	s.epoch = r.epoch
	r.latest[userID] = ownerRecord{sessionID: sessionID, epoch: s.epoch}

	for _, guildID := range guildIDs {
		s.guilds[guildID] = struct{}{}
		room, ok := r.rooms[guildID]
		if !ok {
			room = make(map[string]*Session)
			r.rooms[guildID] = room
		}
		room[s.ID] = s
	}
}

// IsMember reports whether the session subscribed to the guild.
func (r *Registry) IsMember(s *Session, guildID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := s.guilds[guildID]
	return ok
}

// Identified reports whether the session completed identify.
func (r *Registry) Identified(s *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return s.identified
}

// Unregister removes a session. It returns the guilds needing membership
// cleanup, or cleanup=false when the session never identified or the user
// already identified a newer session elsewhere.
func (r *Registry) Unregister(s *Session) (guilds []string, cleanup bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, s.ID)
	r.leaveRoomsLocked(s)

	if !s.identified {
		return nil, false
	}

	owner, ok := r.latest[s.userID]
	if !ok || owner.epoch != s.epoch {
		// A newer session took over this user; its state stands.
		return nil, false
	}
	delete(r.latest, s.userID)

	for guildID := range s.guilds {
		guilds = append(guilds, guildID)
	}
	return guilds, true
}

// Broadcast calls fn for every session subscribed to the guild and
// returns how many were visited. fn runs outside the registry lock.
func (r *Registry) Broadcast(guildID string, fn func(*Session)) int {
	r.mu.RLock()
	members := make([]*Session, 0, len(r.rooms[guildID]))
	for _, s := range r.rooms[guildID] {
		members = append(members, s)
	}
	r.mu.RUnlock()

	for _, s := range members {
		fn(s)
	}
	return len(members)
}

// Sessions returns a snapshot of all registered sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) leaveRoomsLocked(s *Session) {
	for guildID := range s.guilds {
		if room, ok := r.rooms[guildID]; ok {
			delete(room, s.ID)
			if len(room) == 0 {
				delete(r.rooms, guildID)
			}
		}
	}
}
