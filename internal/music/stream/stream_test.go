package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestMain(m *testing.M) {
	newEncoder = func() (encoder, error) { return fakeEncoder{}, nil }
	os.Exit(m.Run())
}

const frameBytes = frameSize * channels * 2

type fakeEncoder struct{}

func (fakeEncoder) Encode(pcm []int16, frameSize, maxDataBytes int) ([]byte, error) {
	return []byte{byte(len(pcm))}, nil
}

type fakeSink struct {
	mu       sync.Mutex
	frames   int
	speaking []bool
	err      error
}

func (s *fakeSink) SendOpus(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames++
	return nil
}

func (s *fakeSink) SetSpeaking(v bool) error {
	s.mu.Lock()
	s.speaking = append(s.speaking, v)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// endlessSource yields silence until closed.
type endlessSource struct {
	closed atomic.Bool
}

func (e *endlessSource) Read(p []byte) (int, error) {
	if e.closed.Load() {
		return 0, io.EOF
	}
	time.Sleep(100 * time.Microsecond)
	clear(p)
	return len(p), nil
}

func (e *endlessSource) Close() error {
	e.closed.Store(true)
	return nil
}

type openCall struct {
	url  string
	seek time.Duration
}

type fakeOpener struct {
	mu      sync.Mutex
	sources []io.ReadCloser
	calls   []openCall
	err     error
}

func (o *fakeOpener) Open(url string, seek time.Duration) (io.ReadCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, openCall{url, seek})
	if o.err != nil || len(o.sources) == 0 {
		return nil, fmt.Errorf("open %s: %w", url, errors.Join(o.err, errors.New("no source")))
	}
	src := o.sources[0]
	o.sources = o.sources[1:]
	return src, nil
}

// brokenSource yields n bytes of silence and then reports an interruption.
type brokenSource struct {
	left int
}

func (b *brokenSource) Read(p []byte) (int, error) {
	if b.left == 0 {
		return 0, fmt.Errorf("%w: connection reset", ErrInterrupted)
	}
	n := min(len(p), b.left)
	clear(p[:n])
	b.left -= n
	return n, nil
}

func (b *brokenSource) Close() error { return nil }

func playAndWait(t *testing.T, s *Streamer, sink Sink) error {
	t.Helper()
	doneCh := make(chan error, 1)
	p, err := s.Play(sink, "https://media.example/a", func(err error) { doneCh <- err })
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	select {
	case err := <-doneCh:
		<-p.Done()
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("playback never finished")
		return nil
	}
}

func TestPlayToEnd(t *testing.T) {
	opener := &fakeOpener{sources: []io.ReadCloser{io.NopCloser(bytes.NewReader(make([]byte, 5*frameBytes+10)))}}
	sink := &fakeSink{}

	if err := playAndWait(t, NewStreamer(zerolog.Nop(), opener), sink); err != nil {
		t.Fatalf("onDone(%v), want nil", err)
	}
	if sink.count() != 5 {
		t.Fatalf("sent %d frames, want 5", sink.count())
	}
	if len(sink.speaking) < 2 || !sink.speaking[0] || sink.speaking[len(sink.speaking)-1] {
		t.Fatalf("speaking updates = %v", sink.speaking)
	}
}

func TestPlaySinkError(t *testing.T) {
	opener := &fakeOpener{sources: []io.ReadCloser{&endlessSource{}}}
	sink := &fakeSink{err: ErrSinkClosed}

	if err := playAndWait(t, NewStreamer(zerolog.Nop(), opener), sink); !errors.Is(err, ErrSinkClosed) {
		t.Fatalf("onDone(%v), want ErrSinkClosed", err)
	}
}

func TestPlayOpenError(t *testing.T) {
	opener := &fakeOpener{err: errors.New("no ffmpeg")}
	if _, err := NewStreamer(zerolog.Nop(), opener).Play(&fakeSink{}, "u", nil); err == nil {
		t.Fatal("Play succeeded without a source")
	}
}

func TestPauseResumeStop(t *testing.T) {
	src := &endlessSource{}
	opener := &fakeOpener{sources: []io.ReadCloser{src}}
	sink := &fakeSink{}

	var calls atomic.Int32
	var doneErr error
	p, err := NewStreamer(zerolog.Nop(), opener).Play(sink, "u", func(err error) {
		calls.Add(1)
		doneErr = err
	})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return sink.count() > 0 })

	p.Pause()
	time.Sleep(20 * time.Millisecond)
	held := sink.count()
	time.Sleep(30 * time.Millisecond)
	if got := sink.count(); got != held {
		t.Fatalf("frames sent while paused: %d -> %d", held, got)
	}

	p.Resume()
	waitFor(t, func() bool { return sink.count() > held })

	p.Stop()
	select {
	case <-p.Done():
	default:
		t.Fatal("Stop returned before the loop exited")
	}
	stopped := sink.count()
	time.Sleep(10 * time.Millisecond)
	if sink.count() != stopped {
		t.Fatal("frames sent after Stop")
	}
	if calls.Load() != 1 || doneErr != nil {
		t.Fatalf("onDone called %d times with %v", calls.Load(), doneErr)
	}
	if !src.closed.Load() {
		t.Fatal("source not closed")
	}
}

func TestStopWhilePaused(t *testing.T) {
	opener := &fakeOpener{sources: []io.ReadCloser{&endlessSource{}}}
	p, err := NewStreamer(zerolog.Nop(), opener).Play(&fakeSink{}, "u", nil)
	if err != nil {
		t.Fatal(err)
	}
	p.Pause()
	p.Stop()
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("paused player did not stop")
	}
}

func TestRecoveryReopensAtPosition(t *testing.T) {
	opener := &fakeOpener{sources: []io.ReadCloser{
		&brokenSource{left: 2 * frameBytes},
		io.NopCloser(bytes.NewReader(make([]byte, 3*frameBytes))),
	}}
	sink := &fakeSink{}

	if err := playAndWait(t, NewStreamer(zerolog.Nop(), opener), sink); err != nil {
		t.Fatalf("onDone(%v), want nil", err)
	}
	if sink.count() != 5 {
		t.Fatalf("sent %d frames, want 5", sink.count())
	}
	if len(opener.calls) != 2 {
		t.Fatalf("opened %d times, want 2", len(opener.calls))
	}
	if want := 40 * time.Millisecond; opener.calls[1].seek != want {
		t.Fatalf("reopened at %s, want %s", opener.calls[1].seek, want)
	}
}

func TestRecoveryGivesUp(t *testing.T) {
	var sources []io.ReadCloser
	for i := 0; i <= maxRecoveryAttempts; i++ {
		sources = append(sources, &brokenSource{})
	}
	opener := &fakeOpener{sources: sources}

	err := playAndWait(t, NewStreamer(zerolog.Nop(), opener), &fakeSink{})
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("onDone(%v), want ErrInterrupted", err)
	}
	if len(opener.calls) != maxRecoveryAttempts+1 {
		t.Fatalf("opened %d times", len(opener.calls))
	}
}

func TestFFmpegArgs(t *testing.T) {
	args := strings.Join(ffmpegArgs("https://media.example/a", 0), " ")
	for _, want := range []string{
		"-reconnect 1", "-reconnect_streamed 1", "-reconnect_delay_max 5",
		"-i https://media.example/a", "-vn", "-f s16le", "-ar 48000", "-ac 2", "pipe:1",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}
	if strings.Contains(args, "-ss") {
		t.Errorf("seek added at offset zero: %q", args)
	}

	args = strings.Join(ffmpegArgs("u", 1500*time.Millisecond), " ")
	if !strings.Contains(args, "-ss 1.500") {
		t.Errorf("args %q missing seek", args)
	}
}

func TestPosition(t *testing.T) {
	if got := position(bytesPerSecond); got != time.Second {
		t.Fatalf("position(1s of pcm) = %s", got)
	}
	if got := position(frameBytes); got != 20*time.Millisecond {
		t.Fatalf("position(one frame) = %s", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}
