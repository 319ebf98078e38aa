package voice

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsSnowflake(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"5", true},
		{"123", true},
		{"80351110224678912", true},
		{"12345678901234567890", true},
		{"123456789012345678901", false},
		{"", false},
		{"12a", false},
		{"-5", false},
		{" 5", false},
	}
	for _, tt := range tests {
		if got := IsSnowflake(tt.id); got != tt.want {
			t.Errorf("IsSnowflake(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestDispatcherPlayValidation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name      string
		channelID string
		query     string
	}{
		{"missing song", "100", ""},
		{"blank song", "100", "   "},
		{"missing channel", "", "song"},
		{"malformed channel", "abc", "song"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := h.dispatcher.Play(tt.channelID, tt.query); !errors.Is(err, ErrValidation) {
				t.Fatalf("Play = %v, want ErrValidation", err)
			}
		})
	}
	if h.runtime.Pending() != 0 {
		t.Fatal("invalid commands reached the runtime")
	}
}

func TestDispatcherPlayUnknownChannel(t *testing.T) {
	h := newHarness(t)

	events, cancel := h.events.Subscribe(16)
	defer cancel()

	if err := h.dispatcher.Play("123", "test"); err != nil {
		t.Fatalf("Play on unknown channel = %v, want accepted", err)
	}
	h.settle(t)

	if h.registry.Len() != 0 {
		t.Fatal("unknown channel created a session")
	}
	ev := waitEvent(t, events, EventFailed)
	if ev.Op != "route" || ev.ChannelID != "123" {
		t.Fatalf("failed event = %+v", ev)
	}
}

func TestDispatcherPlayRoutesUncachedChannel(t *testing.T) {
	h := newHarness(t)
	h.transport.remote["300"] = "3"

	h.mustPlay(t, "300", "song")

	if st, ok := h.state("3"); !ok || st != StatePlaying {
		t.Fatalf("state = %v (present %v), want playing", st, ok)
	}
}

func TestDispatcherPauseWithoutSession(t *testing.T) {
	h := newHarness(t)

	err := h.dispatcher.Pause("5")
	if !errors.Is(err, ErrNotFound) || !errors.Is(err, ErrIllegalState) {
		t.Fatalf("Pause = %v, want not found and illegal state", err)
	}
	var se *StateError
	if !errors.As(err, &se) || se.Op != "pause" {
		t.Fatalf("Pause error %v carries no pause StateError", err)
	}
}

func TestDispatcherStateChecks(t *testing.T) {
	h := newHarness(t)
	h.mustPlay(t, "100", "song")

	if err := h.dispatcher.Resume("1"); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("Resume while playing = %v", err)
	}
	if err := h.dispatcher.Pause("1"); err != nil {
		t.Fatalf("Pause while playing = %v", err)
	}
	h.settle(t)
	if err := h.dispatcher.Pause("1"); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("Pause while paused = %v", err)
	}
	if err := h.dispatcher.Resume("1"); err != nil {
		t.Fatalf("Resume while paused = %v", err)
	}
	h.settle(t)
	if err := h.dispatcher.Stop("1"); err != nil {
		t.Fatalf("Stop while playing = %v", err)
	}
	h.settle(t)
	if err := h.dispatcher.Stop("1"); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("Stop while idle = %v", err)
	}
	if err := h.dispatcher.Pause("x1"); !errors.Is(err, ErrValidation) {
		t.Fatalf("Pause with malformed id = %v", err)
	}
}

func TestDispatcherLeaveAfterPlay(t *testing.T) {
	h := newHarness(t)
	h.transport.channels["500"] = "5"
	h.mustPlay(t, "500", "song")

	if err := h.dispatcher.Leave("5"); err != nil {
		t.Fatalf("Leave = %v", err)
	}
	h.settle(t)

	if _, ok := h.registry.Get("5"); ok {
		t.Fatal("session still registered after leave")
	}
	if !h.transport.connections()[0].isDisconnected() {
		t.Fatal("connection not closed by leave")
	}
	if err := h.dispatcher.Pause("5"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Pause after leave = %v", err)
	}
	if err := h.dispatcher.Leave("5"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Leave = %v", err)
	}
}

func TestDispatcherStatus(t *testing.T) {
	h := newHarness(t)

	if _, err := h.dispatcher.Status("1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Status without session = %v", err)
	}
	if _, err := h.dispatcher.Status("one"); !errors.Is(err, ErrValidation) {
		t.Fatalf("Status with malformed id = %v", err)
	}

	h.mustPlay(t, "100", "a")
	h.mustPlay(t, "200", "b")

	snap, err := h.dispatcher.Status("1")
	if err != nil || snap.State != StatePlaying {
		t.Fatalf("Status = %+v, %v", snap, err)
	}
	if got := len(h.dispatcher.Sessions()); got != 2 {
		t.Fatalf("Sessions() has %d entries, want 2", got)
	}
}

func TestDispatcherRejectsAfterShutdown(t *testing.T) {
	h := newHarness(t)
	h.mustPlay(t, "100", "song")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.runtime.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	if err := h.dispatcher.Play("100", "again"); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("Play after shutdown = %v", err)
	}
	if err := h.dispatcher.Pause("1"); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("Pause after shutdown = %v", err)
	}
}

func TestDispatcherRoutedPlaySurvivesDrain(t *testing.T) {
	h := newHarness(t)
	h.transport.remote["300"] = "3"

	gate := make(chan struct{})
	if err := h.runtime.Submit("channel:300", func(context.Context) { <-gate }); err != nil {
		t.Fatal(err)
	}
	if err := h.dispatcher.Play("300", "song"); err != nil {
		t.Fatalf("Play = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- h.runtime.Shutdown(ctx)
	}()
	for !h.dispatcher.Draining() {
		time.Sleep(time.Millisecond)
	}
	close(gate)

	if err := <-done; err != nil {
		t.Fatalf("Shutdown = %v", err)
	}
	if st, ok := h.state("3"); !ok || st != StatePlaying {
		t.Fatalf("state = %v (present %v), want playing", st, ok)
	}
}
