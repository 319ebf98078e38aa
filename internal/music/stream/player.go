package stream

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"layeh.com/gopus"
)

// stopWait bounds how long Stop waits for the send loop to exit.
const stopWait = 2 * time.Second

type encoder interface {
	Encode(pcm []int16, frameSize, maxDataBytes int) ([]byte, error)
}

var newEncoder = func() (encoder, error) {
	return gopus.NewEncoder(sampleRate, channels, gopus.Audio)
}

// Streamer starts Players.
type Streamer struct {
	log    zerolog.Logger
	opener Opener
}

// NewStreamer returns a streamer decoding through opener.
func NewStreamer(log zerolog.Logger, opener Opener) *Streamer {
	return &Streamer{log: log, opener: opener}
}

// Play starts streaming url into sink. onDone is called exactly once when
// playback ends: nil after the stream ended or Stop, the cause otherwise.
func (s *Streamer) Play(sink Sink, url string, onDone func(error)) (*Player, error) {
	enc, err := newEncoder()
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	src, err := openRecovering(s.log, s.opener, url)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Player{
		log:    s.log,
		src:    src,
		sink:   sink,
		enc:    enc,
		onDone: onDone,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.run()
	return p, nil
}

// Player sends one stream to a sink until it ends or is stopped.
type Player struct {
	log    zerolog.Logger
	src    io.ReadCloser
	sink   Sink
	enc    encoder
	onDone func(error)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	paused   bool
	resumeCh chan struct{}
}

// Pause holds the stream at the current frame.
func (p *Player) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		p.paused = true
		p.resumeCh = make(chan struct{})
	}
}

// Resume continues a paused stream.
func (p *Player) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		p.paused = false
		close(p.resumeCh)
	}
}

// Stop ends playback and waits briefly for the send loop to exit, so no
// frame of this stream is sent after Stop returns.
func (p *Player) Stop() {
	p.cancel()
	_ = p.src.Close()

	select {
	case <-p.done:
	case <-time.After(stopWait):
		p.log.Warn().Msg("audio loop did not stop in time")
	}
}

// Done is closed once playback has ended.
func (p *Player) Done() <-chan struct{} { return p.done }

func (p *Player) run() {
	defer close(p.done)

	err := p.loop()
	_ = p.src.Close()
	_ = p.sink.SetSpeaking(false)

	if p.ctx.Err() != nil {
		err = nil
	}
	if p.onDone != nil {
		p.onDone(err)
	}
}

func (p *Player) loop() error {
	pcm := make([]byte, frameSize*channels*2)
	samples := make([]int16, frameSize*channels)
	speaking := false

	for {
		if p.holdWhilePaused(&speaking) {
			return nil
		}

		if _, err := io.ReadFull(p.src, pcm); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || p.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read pcm: %w", err)
		}

		for i := range samples {
			samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		}
		frame, err := p.enc.Encode(samples, frameSize, len(pcm))
		if err != nil {
			return fmt.Errorf("encode opus: %w", err)
		}

		if !speaking {
			if err := p.sink.SetSpeaking(true); err != nil {
				return err
			}
			speaking = true
		}
		if err := p.sink.SendOpus(p.ctx, frame); err != nil {
			if p.ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// holdWhilePaused blocks while the player is paused and reports whether
// it was stopped.
func (p *Player) holdWhilePaused(speaking *bool) bool {
	for {
		p.mu.Lock()
		paused, resume := p.paused, p.resumeCh
		p.mu.Unlock()

		if !paused {
			return p.ctx.Err() != nil
		}
		if *speaking {
			_ = p.sink.SetSpeaking(false)
			*speaking = false
		}
		select {
		case <-resume:
		case <-p.ctx.Done():
			return true
		}
	}
}
