// Package stream plays an audio stream URL into a voice connection: ffmpeg
// decodes to PCM, frames are Opus encoded and handed to a Sink.
package stream

import (
	"context"
	"errors"
	"time"
)

const (
	channels   = 2
	sampleRate = 48000
	frameSize  = 960 // 20ms at 48kHz

	bytesPerSecond = sampleRate * channels * 2
)

// ErrSinkClosed is returned by a Sink whose voice connection is gone.
var ErrSinkClosed = errors.New("audio sink closed")

// Sink accepts Opus frames for one voice connection.
type Sink interface {
	// SendOpus queues one 20ms frame, blocking until it is accepted or
	// ctx ends.
	SendOpus(ctx context.Context, frame []byte) error
	SetSpeaking(speaking bool) error
}

// position converts a count of PCM bytes into playback time.
func position(pcmBytes int64) time.Duration {
	return time.Duration(pcmBytes) * time.Second / bytesPerSecond
}
