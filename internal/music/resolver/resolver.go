// Package resolver turns a search term or a URL into a direct audio stream
// URL. Backends are tried in order; the first one that answers wins.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/keshon/voice-bridge/internal/voice"
	"github.com/keshon/voice-bridge/pkg/retrylimit"
	"github.com/rs/zerolog"
)

var (
	// ErrNoResults is returned when a search matches nothing.
	ErrNoResults = errors.New("no results")
	// ErrUnsupported is returned by a backend that cannot handle a query.
	ErrUnsupported = errors.New("query not supported by backend")
)

// Backend resolves queries through one extraction mechanism.
type Backend interface {
	Name() string
	Resolve(ctx context.Context, query string) (voice.Resolved, error)
}

// Resolver chains backends, retrying each with an adaptive limiter so a
// throttling upstream is not hammered.
type Resolver struct {
	log      zerolog.Logger
	backends []Backend
	limiter  *retrylimit.AdaptiveLimiter
	policy   retrylimit.Policy
}

// New returns a resolver over backends, tried in the given order.
func New(log zerolog.Logger, backends ...Backend) *Resolver {
	return &Resolver{
		log:      log,
		backends: backends,
		limiter:  retrylimit.NewAdaptiveLimiter(2, 1, 5, 0.5, 0.5),
		policy:   retrylimit.DefaultPolicy(),
	}
}

// Resolve implements voice.Resolver.
func (r *Resolver) Resolve(ctx context.Context, query string) (voice.Resolved, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return voice.Resolved{}, fmt.Errorf("%w: empty query", ErrNoResults)
	}
	if len(r.backends) == 0 {
		return voice.Resolved{}, errors.New("no resolver backend configured")
	}

	var errs []error
	for _, b := range r.backends {
		log := r.log.With().Str("backend", b.Name()).Str("query", query).Logger()

		var res voice.Resolved
		err := retrylimit.Do(ctx, log, r.limiter, r.policy, func(ctx context.Context) error {
			var err error
			res, err = b.Resolve(ctx, query)
			return err
		})
		if err == nil {
			log.Debug().Str("title", res.Title).Msg("resolved")
			return res, nil
		}
		if errors.Is(err, ErrUnsupported) {
			continue
		}
		log.Warn().Err(err).Msg("backend failed")
		errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))

		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return voice.Resolved{}, fmt.Errorf("%w: no backend accepts %q", ErrUnsupported, query)
	}
	return voice.Resolved{}, errors.Join(errs...)
}

var youtubeURL = regexp.MustCompile(`^(?:https?://)?(?:www\.|m\.|music\.)?(?:youtube\.com|youtu\.be)/\S+`)

// IsYouTubeURL reports whether query points at YouTube.
func IsYouTubeURL(query string) bool {
	return youtubeURL.MatchString(query)
}

// Backends builds the backend chain for a RESOLVER_BACKEND value. In auto
// mode YouTube links are tried in process first and yt-dlp handles search
// text and everything kkdai fails on.
func Backends(mode, ytdlpPath, proxyURL string) ([]Backend, error) {
	switch mode {
	case "ytdlp":
		return []Backend{NewYTDLP(ytdlpPath)}, nil
	case "kkdai":
		k, err := NewKkdai(proxyURL)
		if err != nil {
			return nil, err
		}
		return []Backend{k}, nil
	case "", "auto":
		k, err := NewKkdai(proxyURL)
		if err != nil {
			return nil, err
		}
		return []Backend{k, NewYTDLP(ytdlpPath)}, nil
	}
	return nil, fmt.Errorf("unknown resolver backend %q", mode)
}
