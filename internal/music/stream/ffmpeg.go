package stream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrInterrupted is returned when ffmpeg exits with an error before the
// input ended, typically because the remote stream dropped.
var ErrInterrupted = errors.New("stream interrupted")

// Opener starts decoding url at offset seek and returns raw PCM.
type Opener interface {
	Open(url string, seek time.Duration) (io.ReadCloser, error)
}

// FFmpeg decodes stream URLs to 48kHz stereo s16le PCM.
type FFmpeg struct {
	path string
}

// NewFFmpeg returns an opener running the ffmpeg binary at path.
func NewFFmpeg(path string) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{path: path}
}

func ffmpegArgs(url string, seek time.Duration) []string {
	args := []string{
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "5",
	}
	if seek > 0 {
		args = append(args, "-ss", strconv.FormatFloat(seek.Seconds(), 'f', 3, 64))
	}
	return append(args,
		"-i", url,
		"-vn",
		"-f", "s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", strconv.Itoa(channels),
		"-loglevel", "error",
		"pipe:1",
	)
}

// Open starts ffmpeg. The process lives until the returned reader is
// drained or closed.
func (f *FFmpeg) Open(url string, seek time.Duration) (io.ReadCloser, error) {
	cmd := exec.Command(f.path, ffmpegArgs(url, seek)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	src := &ffmpegSource{cmd: cmd, stdout: stdout}
	cmd.Stderr = &src.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	return src, nil
}

type ffmpegSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr bytes.Buffer

	waitOnce sync.Once
	waitErr  error
	killed   bool
	mu       sync.Mutex
}

func (s *ffmpegSource) Read(p []byte) (int, error) {
	n, err := s.stdout.Read(p)
	if err != io.EOF {
		return n, err
	}
	if werr := s.wait(); werr != nil {
		return n, fmt.Errorf("%w: %s", ErrInterrupted, s.reason(werr))
	}
	return n, io.EOF
}

func (s *ffmpegSource) Close() error {
	s.mu.Lock()
	s.killed = true
	s.mu.Unlock()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.wait()
	return nil
}

func (s *ffmpegSource) wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.killed {
		return nil
	}
	return s.waitErr
}

func (s *ffmpegSource) reason(err error) string {
	msg := strings.TrimSpace(s.stderr.String())
	if i := strings.LastIndexByte(msg, '\n'); i >= 0 {
		msg = msg[i+1:]
	}
	if msg == "" {
		return err.Error()
	}
	return msg
}
