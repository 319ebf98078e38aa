package voice

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// maxSnowflakeDigits is the length of the largest 64-bit Discord id.
const maxSnowflakeDigits = 20

// IsSnowflake reports whether id is shaped like a Discord id: digits only.
func IsSnowflake(id string) bool {
	if id == "" || len(id) > maxSnowflakeDigits {
		return false
	}
	for _, c := range id {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Dispatcher is the synchronous face of the session manager. It validates
// commands, checks session state from snapshots and submits the transition
// to the runtime. A nil error means the transition was submitted, not that
// it succeeded; outcomes surface in logs, events and Status.
type Dispatcher struct {
	log       zerolog.Logger
	registry  *Registry
	runtime   *Runtime
	manager   *Manager
	transport Transport
	events    *Events
}

// NewDispatcher returns a dispatcher submitting to manager's runtime.
func NewDispatcher(log zerolog.Logger, manager *Manager) *Dispatcher {
	return &Dispatcher{
		log:       log,
		registry:  manager.registry,
		runtime:   manager.runtime,
		manager:   manager,
		transport: manager.transport,
		events:    manager.events,
	}
}

// Play queues Connect&Play of query in channelID.
func (d *Dispatcher) Play(channelID, query string) error {
	query = strings.TrimSpace(query)
	if query == "" || channelID == "" {
		return fmt.Errorf("%w: song and channel_id are required", ErrValidation)
	}
	if !IsSnowflake(channelID) {
		return fmt.Errorf("%w: malformed channel_id %q", ErrValidation, channelID)
	}

	// A cached channel routes straight to its guild lane. Otherwise a
	// routing task looks it up off the request path.
	guildID, err := d.transport.GuildOfChannel(context.Background(), channelID, true)
	if err != nil {
		if err := d.runtime.Submit("channel:"+channelID, d.manager.routeTask(channelID, query)); err != nil {
			return err
		}
		d.accepted("play", "", channelID, query)
		return nil
	}

	if err := d.runtime.Submit(guildID, d.manager.playTask(guildID, channelID, query)); err != nil {
		return err
	}
	d.accepted("play", guildID, channelID, query)
	return nil
}

// Pause queues a pause; the session must be Playing.
func (d *Dispatcher) Pause(guildID string) error {
	if err := d.check("pause", guildID, func(st State, _ bool) bool { return st == StatePlaying }); err != nil {
		return err
	}
	return d.submit("pause", guildID, d.manager.pauseTask(guildID))
}

// Resume queues a resume; the session must be Paused.
func (d *Dispatcher) Resume(guildID string) error {
	if err := d.check("resume", guildID, func(st State, _ bool) bool { return st == StatePaused }); err != nil {
		return err
	}
	return d.submit("resume", guildID, d.manager.resumeTask(guildID))
}

// Stop queues a stop; the session must be Playing or Paused.
func (d *Dispatcher) Stop(guildID string) error {
	if err := d.check("stop", guildID, func(st State, _ bool) bool { return st.HasTrack() }); err != nil {
		return err
	}
	return d.submit("stop", guildID, d.manager.stopTask(guildID))
}

// Leave queues a disconnect; the session must hold a connection.
func (d *Dispatcher) Leave(guildID string) error {
	if err := d.check("leave", guildID, func(_ State, connected bool) bool { return connected }); err != nil {
		return err
	}
	return d.submit("leave", guildID, d.manager.leaveTask(guildID))
}

// Status returns a snapshot of the guild's session.
func (d *Dispatcher) Status(guildID string) (Snapshot, error) {
	if !IsSnowflake(guildID) {
		return Snapshot{}, fmt.Errorf("%w: malformed guild_id %q", ErrValidation, guildID)
	}
	s, ok := d.registry.Get(guildID)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: no session for guild %s", ErrNotFound, guildID)
	}
	return s.Snapshot(), nil
}

// Sessions returns snapshots of all sessions.
func (d *Dispatcher) Sessions() []Snapshot {
	sessions := d.registry.All()
	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Draining reports whether the runtime stopped taking commands.
func (d *Dispatcher) Draining() bool {
	return d.runtime.Draining()
}

// check validates guildID and tests the session state with legal. The
// registry lock and the session lock are each released before returning,
// so nothing is held across Submit.
func (d *Dispatcher) check(op, guildID string, legal func(st State, connected bool) bool) error {
	if !IsSnowflake(guildID) {
		return fmt.Errorf("%w: malformed guild_id %q", ErrValidation, guildID)
	}
	if d.runtime.Draining() {
		return ErrShuttingDown
	}

	s, ok := d.registry.Get(guildID)
	if !ok {
		return fmt.Errorf("%w: %w", ErrNotFound, &StateError{Op: op, State: StateIdle})
	}
	snap := s.Snapshot()
	if !legal(snap.State, snap.Connected) {
		return &StateError{Op: op, State: snap.State}
	}
	return nil
}

func (d *Dispatcher) submit(op, guildID string, task Task) error {
	if err := d.runtime.Submit(guildID, task); err != nil {
		return err
	}
	d.accepted(op, guildID, "", "")
	return nil
}

func (d *Dispatcher) accepted(op, guildID, channelID, query string) {
	d.log.Debug().Str("op", op).Str("guild_id", guildID).Str("channel_id", channelID).Msg("command accepted")
	if d.events != nil {
		d.events.Publish(Event{
			Type:      EventAccepted,
			Op:        op,
			GuildID:   guildID,
			ChannelID: channelID,
			Query:     query,
		})
	}
}
