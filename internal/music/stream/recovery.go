package stream

import (
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

const maxRecoveryAttempts = 3

// recoveringSource reopens an interrupted stream at the position reached so
// far. Clean ends and other errors pass through. Close may be called from
// another goroutine to unblock a pending Read.
type recoveringSource struct {
	log    zerolog.Logger
	opener Opener
	url    string

	read     int64
	attempts int

	mu     sync.Mutex
	cur    io.ReadCloser
	closed bool
}

func openRecovering(log zerolog.Logger, opener Opener, url string) (*recoveringSource, error) {
	src, err := opener.Open(url, 0)
	if err != nil {
		return nil, err
	}
	return &recoveringSource{log: log, opener: opener, url: url, cur: src}, nil
}

func (r *recoveringSource) current() io.ReadCloser {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur
}

func (r *recoveringSource) Read(p []byte) (int, error) {
	for {
		n, err := r.current().Read(p)
		r.read += int64(n)
		if err == nil || !errors.Is(err, ErrInterrupted) {
			return n, err
		}
		if n > 0 {
			// Deliver what we have. A failed reopen is reported by the next Read.
			_ = r.reopen(err)
			return n, nil
		}
		if rerr := r.reopen(err); rerr != nil {
			return 0, rerr
		}
	}
}

func (r *recoveringSource) reopen(cause error) error {
	_ = r.current().Close()
	if r.attempts >= maxRecoveryAttempts {
		r.log.Warn().Err(cause).Int("attempts", r.attempts).Msg("stream recovery exhausted")
		r.swap(failedSource{err: cause})
		return cause
	}
	r.attempts++

	at := position(r.read)
	r.log.Info().Err(cause).Int("attempt", r.attempts).Dur("at", at).Msg("reopening interrupted stream")

	src, err := r.opener.Open(r.url, at)
	if err != nil {
		r.log.Warn().Err(err).Msg("stream recovery failed")
		r.swap(failedSource{err: cause})
		return cause
	}
	if !r.swap(src) {
		return io.EOF
	}
	return nil
}

// swap installs next unless the source was closed meanwhile, in which case
// next is closed and false returned.
func (r *recoveringSource) swap(next io.ReadCloser) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		_ = next.Close()
		return false
	}
	r.cur = next
	return true
}

func (r *recoveringSource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.cur.Close()
}

// failedSource keeps reporting the error that ended a stream.
type failedSource struct{ err error }

func (f failedSource) Read([]byte) (int, error) { return 0, f.err }
func (f failedSource) Close() error             { return nil }
