package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeHandle struct {
	mu      sync.Mutex
	paused  bool
	stopped bool
	onDone  func(error)
	once    sync.Once

	// stopGate, when set, holds Stop until it is closed.
	stopGate chan struct{}
}

func (h *fakeHandle) Pause() {
	h.mu.Lock()
	h.paused = true
	h.mu.Unlock()
}

func (h *fakeHandle) Resume() {
	h.mu.Lock()
	h.paused = false
	h.mu.Unlock()
}

func (h *fakeHandle) Stop() {
	if h.stopGate != nil {
		<-h.stopGate
	}
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.finish(nil)
}

// finish simulates the transport reporting the end of the audio.
func (h *fakeHandle) finish(err error) {
	h.once.Do(func() { go h.onDone(err) })
}

func (h *fakeHandle) isStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

func (h *fakeHandle) isPaused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused
}

type fakeConn struct {
	channelID string

	mu           sync.Mutex
	handles      []*fakeHandle
	disconnected bool
	playErr      error
}

func (c *fakeConn) ChannelID() string { return c.channelID }

func (c *fakeConn) Play(streamURL string, onDone func(error)) (AudioHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playErr != nil {
		return nil, c.playErr
	}
	h := &fakeHandle{onDone: onDone}
	c.handles = append(c.handles, h)
	return h, nil
}

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// live returns the handles that were started and not stopped.
func (c *fakeConn) live() []*fakeHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeHandle
	for _, h := range c.handles {
		if !h.isStopped() {
			out = append(out, h)
		}
	}
	return out
}

func (c *fakeConn) lastHandle() *fakeHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.handles) == 0 {
		return nil
	}
	return c.handles[len(c.handles)-1]
}

type fakeTransport struct {
	mu         sync.Mutex
	channels   map[string]string // channel -> guild, known to the cache
	remote     map[string]string // channel -> guild, known only to the API
	denied     map[string]bool
	connectErr error
	connDelay  time.Duration
	conns      []*fakeConn
	playErr    error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		channels: map[string]string{"100": "1", "101": "1", "200": "2"},
		remote:   map[string]string{},
		denied:   map[string]bool{},
	}
}

func (t *fakeTransport) GuildOfChannel(ctx context.Context, channelID string, cachedOnly bool) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if g, ok := t.channels[channelID]; ok {
		return g, nil
	}
	if !cachedOnly {
		if g, ok := t.remote[channelID]; ok {
			return g, nil
		}
	}
	return "", fmt.Errorf("%w: channel %s", ErrNotFound, channelID)
}

func (t *fakeTransport) CanConnect(guildID, channelID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.denied[channelID]
}

func (t *fakeTransport) Connect(ctx context.Context, guildID, channelID string) (Connection, error) {
	t.mu.Lock()
	delay, err := t.connDelay, t.connectErr
	t.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	c := &fakeConn{channelID: channelID, playErr: t.playErr}
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) connections() []*fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*fakeConn(nil), t.conns...)
}

type fakeResolver struct {
	mu      sync.Mutex
	fail    map[string]error
	delay   time.Duration
	queries []string
}

func (r *fakeResolver) Resolve(ctx context.Context, query string) (Resolved, error) {
	r.mu.Lock()
	r.queries = append(r.queries, query)
	err := r.fail[query]
	delay := r.delay
	r.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Resolved{}, ctx.Err()
		}
	}
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{
		StreamURL:  "https://media.example/" + query,
		Title:      "title of " + query,
		WebpageURL: "https://www.youtube.com/watch?v=" + query,
	}, nil
}

type harness struct {
	registry   *Registry
	runtime    *Runtime
	transport  *fakeTransport
	resolver   *fakeResolver
	events     *Events
	manager    *Manager
	dispatcher *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	log := zerolog.Nop()
	h := &harness{
		registry:  NewRegistry(),
		runtime:   NewRuntime(log, 5*time.Second),
		transport: newFakeTransport(),
		resolver:  &fakeResolver{fail: map[string]error{}},
		events:    NewEvents(),
	}
	h.manager = NewManager(log, h.registry, h.runtime, h.transport, h.resolver, h.events, Options{
		ConnectTimeout: 200 * time.Millisecond,
		ResolveTimeout: 200 * time.Millisecond,
	})
	h.dispatcher = NewDispatcher(log, h.manager)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.runtime.Shutdown(ctx)
	})
	return h
}

// settle waits until the runtime is idle, including follow-up tasks such
// as track-ended callbacks that land shortly after a transition.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := h.runtime.Flush(ctx)
		cancel()
		if err != nil {
			t.Fatalf("runtime did not settle: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (h *harness) state(guildID string) (State, bool) {
	s, ok := h.registry.Get(guildID)
	if !ok {
		return StateIdle, false
	}
	return s.State(), true
}

func (h *harness) mustPlay(t *testing.T, channelID, query string) {
	t.Helper()
	if err := h.dispatcher.Play(channelID, query); err != nil {
		t.Fatalf("Play(%s, %s) = %v", channelID, query, err)
	}
	h.settle(t)
}

// checkTrackInvariant verifies a track is held iff the state is Playing or Paused.
func checkTrackInvariant(t *testing.T, r *Registry) {
	t.Helper()
	for _, s := range r.All() {
		snap := s.Snapshot()
		if (snap.Track != nil) != snap.State.HasTrack() {
			t.Errorf("guild %s: state %s with track %v", snap.GuildID, snap.State, snap.Track)
		}
	}
}

var errBoom = errors.New("boom")
