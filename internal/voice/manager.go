package voice

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/keshon/voice-bridge/pkg/util"
	"github.com/rs/zerolog"
)

// Options bounds the blocking steps of a transition.
type Options struct {
	ConnectTimeout time.Duration
	ResolveTimeout time.Duration
}

// DefaultOptions returns the timeouts used when none are configured.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 10 * time.Second,
		ResolveTimeout: 20 * time.Second,
	}
}

// FailureReporter receives errors raised inside asynchronous transitions.
type FailureReporter func(op, guildID string, err error)

// Manager is the session state machine. Its transition methods run on the
// runtime lane of their guild and are never called from request goroutines.
type Manager struct {
	log       zerolog.Logger
	registry  *Registry
	runtime   *Runtime
	transport Transport
	resolver  Resolver
	events    *Events
	opts      Options

	trackSeq atomic.Uint64
	onFail   FailureReporter
}

// NewManager wires the state machine to its collaborators.
func NewManager(log zerolog.Logger, registry *Registry, runtime *Runtime, transport Transport, resolver Resolver, events *Events, opts Options) *Manager {
	def := DefaultOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = def.ResolveTimeout
	}
	return &Manager{
		log:       log,
		registry:  registry,
		runtime:   runtime,
		transport: transport,
		resolver:  resolver,
		events:    events,
		opts:      opts,
	}
}

// OnFailure installs a reporter for asynchronous transition errors.
// It must be called before the first task is submitted.
func (m *Manager) OnFailure(fn FailureReporter) {
	m.onFail = fn
}

// transition wraps fn as a runtime task that logs and publishes its outcome.
func (m *Manager) transition(op string, guildID string, ev Event, fn func(ctx context.Context) error) Task {
	return func(ctx context.Context) {
		start := time.Now()
		err := fn(ctx)

		ev.Op = op
		if ev.GuildID == "" {
			ev.GuildID = guildID
		}
		if s, ok := m.registry.Get(ev.GuildID); ok {
			ev.State = s.State().String()
		}

		logger := m.log.With().Str("op", op).Str("guild_id", ev.GuildID).Logger()
		if ev.ChannelID != "" {
			logger = logger.With().Str("channel_id", ev.ChannelID).Logger()
		}

		if err != nil {
			ev.Type = EventFailed
			ev.Error = err.Error()
			logger.Error().Err(err).Dur("took", time.Since(start)).Msg("transition failed")
			if m.onFail != nil {
				m.onFail(op, ev.GuildID, err)
			}
		} else {
			logger.Info().Dur("took", time.Since(start)).Str("state", ev.State).Msg("transition done")
		}

		if m.events != nil {
			m.events.Publish(ev)
		}
	}
}

// playTask builds the Connect&Play transition for a known guild.
func (m *Manager) playTask(guildID, channelID, query string) Task {
	ev := Event{Type: EventPlaying, ChannelID: channelID, Query: query}
	return m.transition("play", guildID, ev, func(ctx context.Context) error {
		return m.connectAndPlay(ctx, guildID, channelID, query)
	})
}

// routeTask finds the guild of channelID and queues the play transition on
// that guild's lane. An unknown channel ends here and no session is made.
func (m *Manager) routeTask(channelID, query string) Task {
	ev := Event{Type: EventAccepted, ChannelID: channelID, Query: query}
	return m.transition("route", "", ev, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
		defer cancel()

		guildID, err := m.transport.GuildOfChannel(cctx, channelID, false)
		if err != nil {
			return fmt.Errorf("%w: channel %s: %w", ErrNotFound, channelID, err)
		}
		// The play was accepted before shutdown began, so it joins the drain.
		return m.runtime.submitFollowUp(guildID, m.playTask(guildID, channelID, query))
	})
}

func (m *Manager) pauseTask(guildID string) Task {
	return m.transition("pause", guildID, Event{Type: EventPaused}, func(context.Context) error {
		return m.pause(guildID)
	})
}

func (m *Manager) resumeTask(guildID string) Task {
	return m.transition("resume", guildID, Event{Type: EventResumed}, func(context.Context) error {
		return m.resume(guildID)
	})
}

func (m *Manager) stopTask(guildID string) Task {
	return m.transition("stop", guildID, Event{Type: EventStopped}, func(context.Context) error {
		return m.stop(guildID)
	})
}

func (m *Manager) leaveTask(guildID string) Task {
	return m.transition("leave", guildID, Event{Type: EventDisconnected}, func(context.Context) error {
		return m.leave(guildID)
	})
}

func (m *Manager) trackEndedTask(guildID string, trackID uint64, cause error) Task {
	return m.transition("track-ended", guildID, Event{Type: EventFinished}, func(context.Context) error {
		return m.trackEnded(guildID, trackID, cause)
	})
}

func (m *Manager) connectAndPlay(ctx context.Context, guildID, channelID, query string) error {
	if !m.transport.CanConnect(guildID, channelID) {
		return fmt.Errorf("%w: channel %s", ErrPermission, channelID)
	}

	s, _ := m.registry.GetOrCreate(guildID)

	opened := false
	conn := s.connection()
	if conn != nil && conn.ChannelID() != channelID {
		m.log.Info().Str("guild_id", guildID).Str("from", conn.ChannelID()).Str("to", channelID).Msg("moving to another voice channel")
		m.release(s)
		conn = nil
	}

	if conn == nil {
		s.setState(StateConnecting)

		cctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
		c, err := m.transport.Connect(cctx, guildID, channelID)
		cancel()
		if err != nil {
			s.setState(StateIdle)
			m.registry.Remove(guildID)
			return fmt.Errorf("%w: connect %s: %w", ErrTransport, channelID, err)
		}
		s.attach(c, channelID)
		conn = c
		opened = true
	}

	rctx, cancel := context.WithTimeout(ctx, m.opts.ResolveTimeout)
	res, err := m.resolver.Resolve(rctx, query)
	cancel()
	if err != nil {
		if opened {
			m.teardown(s)
		}
		return fmt.Errorf("%w: %q: %w", ErrResolution, query, err)
	}

	if prev := s.currentTrack(); prev != nil {
		s.setTrack(nil, StateStopping)
		prev.handle.Stop()
		s.setState(StateIdle)
	}

	id := m.trackSeq.Add(1)
	handle, err := conn.Play(res.StreamURL, func(cause error) {
		m.trackDone(guildID, id, cause)
	})
	if err != nil {
		if opened {
			m.teardown(s)
		} else {
			s.setTrack(nil, StateIdle)
		}
		return fmt.Errorf("%w: play: %w", ErrTransport, err)
	}

	s.setTrack(&Track{
		ID:         id,
		Query:      query,
		Title:      res.Title,
		StreamURL:  res.StreamURL,
		WebpageURL: res.WebpageURL,
		StartedAt:  time.Now().UTC(),
		handle:     handle,
	}, StatePlaying)
	return nil
}

func (m *Manager) pause(guildID string) error {
	s, ok := m.registry.Get(guildID)
	if !ok {
		return &StateError{Op: "pause", State: StateIdle}
	}
	if st := s.State(); st != StatePlaying {
		return &StateError{Op: "pause", State: st}
	}
	s.currentTrack().handle.Pause()
	s.setState(StatePaused)
	return nil
}

func (m *Manager) resume(guildID string) error {
	s, ok := m.registry.Get(guildID)
	if !ok {
		return &StateError{Op: "resume", State: StateIdle}
	}
	if st := s.State(); st != StatePaused {
		return &StateError{Op: "resume", State: st}
	}
	s.currentTrack().handle.Resume()
	s.setState(StatePlaying)
	return nil
}

func (m *Manager) stop(guildID string) error {
	s, ok := m.registry.Get(guildID)
	if !ok {
		return &StateError{Op: "stop", State: StateIdle}
	}
	if st := s.State(); !st.HasTrack() {
		return &StateError{Op: "stop", State: st}
	}
	m.stopTrack(s)
	return nil
}

func (m *Manager) leave(guildID string) error {
	s, ok := m.registry.Get(guildID)
	if !ok || !s.Connected() {
		return &StateError{Op: "leave", State: StateIdle}
	}
	m.teardown(s)
	return nil
}

// trackDone is the transport callback. It runs on a streaming goroutine,
// so it only hands the event to the guild's lane.
func (m *Manager) trackDone(guildID string, trackID uint64, cause error) {
	if err := m.runtime.Submit(guildID, m.trackEndedTask(guildID, trackID, cause)); err != nil {
		m.log.Debug().Err(err).Str("guild_id", guildID).Uint64("track_id", trackID).Msg("track end not submitted")
	}
}

func (m *Manager) trackEnded(guildID string, trackID uint64, cause error) error {
	s, ok := m.registry.Get(guildID)
	if !ok {
		return nil
	}
	// A replaced or stopped track reports its end after the fact.
	if t := s.currentTrack(); t == nil || t.ID != trackID {
		return nil
	}

	if errors.Is(cause, ErrConnectionLost) {
		m.teardown(s)
		return cause
	}

	s.setTrack(nil, StateIdle)
	if cause != nil {
		return fmt.Errorf("%w: playback: %w", ErrTransport, cause)
	}
	return nil
}

// ConnectionLost is the transport callback for a connection closed from
// the Discord side. Only the session still holding conn is torn down.
func (m *Manager) ConnectionLost(guildID string, conn Connection) {
	task := m.transition("connection-lost", guildID, Event{Type: EventDisconnected}, func(context.Context) error {
		s, ok := m.registry.Get(guildID)
		if !ok || s.connection() != conn {
			return nil
		}
		m.teardown(s)
		return fmt.Errorf("%w: closed by discord", ErrConnectionLost)
	})
	if err := m.runtime.Submit(guildID, task); err != nil {
		m.log.Debug().Err(err).Str("guild_id", guildID).Msg("connection loss not submitted")
	}
}

// stopTrack halts the current audio and leaves the session connected and idle.
func (m *Manager) stopTrack(s *Session) {
	t := s.currentTrack()
	if t == nil {
		return
	}
	s.setTrack(nil, StateStopping)
	t.handle.Stop()
	s.setState(StateIdle)
}

// release stops audio and drops the connection but keeps the session.
func (m *Manager) release(s *Session) {
	m.stopTrack(s)
	if conn := s.detach(); conn != nil {
		if err := conn.Disconnect(); err != nil {
			m.log.Warn().Err(err).Str("guild_id", s.guildID).Msg("voice disconnect failed")
		}
	}
}

// teardown ends a session: audio stopped, connection closed, registry entry gone.
func (m *Manager) teardown(s *Session) {
	t := s.currentTrack()
	s.setTrack(nil, StateDisconnecting)
	if t != nil {
		t.handle.Stop()
	}
	if conn := s.detach(); conn != nil {
		if err := conn.Disconnect(); err != nil {
			m.log.Warn().Err(err).Str("guild_id", s.guildID).Msg("voice disconnect failed")
		}
	}
	m.registry.Remove(s.guildID)
}

// CloseAll tears down every session. It is meant for shutdown, after the
// runtime drained, when no lane can touch the sessions any more.
func (m *Manager) CloseAll(ctx context.Context) error {
	sessions := m.registry.All()
	if len(sessions) == 0 {
		return nil
	}
	m.log.Info().Int("sessions", len(sessions)).Msg("closing voice sessions")

	return util.Parallel(ctx, sessions, 4, func(_ context.Context, s *Session) error {
		m.teardown(s)
		if m.events != nil {
			m.events.Publish(Event{Type: EventDisconnected, Op: "shutdown", GuildID: s.guildID})
		}
		return nil
	})
}
