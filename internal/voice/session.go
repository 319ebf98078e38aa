package voice

import (
	"sync"
	"time"
)

// Track is the audio currently owned by a session.
type Track struct {
	ID         uint64
	Query      string
	Title      string
	StreamURL  string
	WebpageURL string
	StartedAt  time.Time

	handle AudioHandle
}

// Session is the voice state of one guild. Only runtime tasks running on
// the guild's lane mutate it; other goroutines read snapshots.
type Session struct {
	guildID string

	mu        sync.RWMutex
	state     State
	channelID string
	conn      Connection
	track     *Track
}

func newSession(guildID string) *Session {
	return &Session{guildID: guildID, state: StateIdle}
}

// GuildID returns the guild the session belongs to.
func (s *Session) GuildID() string { return s.guildID }

// State returns the current playback state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Connected reports whether the session holds a voice connection.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil
}

// TrackInfo is the public view of a Track.
type TrackInfo struct {
	ID        uint64    `json:"id"`
	Query     string    `json:"query"`
	Title     string    `json:"title,omitempty"`
	URL       string    `json:"url,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	GuildID   string     `json:"guild_id"`
	ChannelID string     `json:"channel_id,omitempty"`
	State     State      `json:"state"`
	Connected bool       `json:"connected"`
	Track     *TrackInfo `json:"track,omitempty"`
}

// Snapshot copies the session under its read lock.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		GuildID:   s.guildID,
		ChannelID: s.channelID,
		State:     s.state,
		Connected: s.conn != nil,
	}
	if s.track != nil {
		snap.Track = &TrackInfo{
			ID:        s.track.ID,
			Query:     s.track.Query,
			Title:     s.track.Title,
			URL:       s.track.WebpageURL,
			StartedAt: s.track.StartedAt,
		}
	}
	return snap
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// setTrack replaces the track and the state together so readers never
// observe a track outside Playing/Paused.
func (s *Session) setTrack(t *Track, st State) {
	s.mu.Lock()
	s.track = t
	s.state = st
	s.mu.Unlock()
}

func (s *Session) currentTrack() *Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.track
}

func (s *Session) connection() Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

func (s *Session) attach(conn Connection, channelID string) {
	s.mu.Lock()
	s.conn = conn
	s.channelID = channelID
	s.mu.Unlock()
}

func (s *Session) detach() Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn := s.conn
	s.conn = nil
	s.channelID = ""
	return conn
}
