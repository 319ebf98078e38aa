package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/keshon/voice-bridge/internal/voice"
	"github.com/keshon/voice-bridge/pkg/retrylimit"
	youtube "github.com/kkdai/youtube/v2"
	"golang.org/x/net/proxy"
)

// Kkdai resolves YouTube links in process with github.com/kkdai/youtube.
// It cannot search, so plain text queries are left to other backends.
type Kkdai struct {
	client *youtube.Client
}

// NewKkdai returns a backend whose HTTP traffic goes through proxyURL when
// set. http, https and socks5 proxies are supported.
func NewKkdai(proxyURL string) (*Kkdai, error) {
	hc, err := newHTTPClient(proxyURL)
	if err != nil {
		return nil, err
	}
	return &Kkdai{client: &youtube.Client{HTTPClient: hc}}, nil
}

func (k *Kkdai) Name() string { return "kkdai" }

func (k *Kkdai) Resolve(ctx context.Context, query string) (voice.Resolved, error) {
	if !IsYouTubeURL(query) {
		return voice.Resolved{}, retrylimit.Permanent(ErrUnsupported)
	}
	id, err := youtube.ExtractVideoID(query)
	if err != nil {
		return voice.Resolved{}, retrylimit.Permanent(fmt.Errorf("%w: %w", ErrUnsupported, err))
	}

	video, err := k.client.GetVideoContext(ctx, id)
	if err != nil {
		return voice.Resolved{}, classifyKkdai(err)
	}

	format, ok := pickAudioFormat(video.Formats)
	if !ok {
		return voice.Resolved{}, retrylimit.Permanent(fmt.Errorf("%w: no audio formats for %s", ErrNoResults, id))
	}

	link, err := k.client.GetStreamURLContext(ctx, video, format)
	if err != nil {
		return voice.Resolved{}, classifyKkdai(err)
	}

	return voice.Resolved{
		StreamURL:  link,
		Title:      video.Title,
		WebpageURL: "https://www.youtube.com/watch?v=" + video.ID,
	}, nil
}

// pickAudioFormat prefers audio only formats and, among them, the highest
// bitrate. Muxed formats with an audio track are the fallback.
func pickAudioFormat(formats youtube.FormatList) (*youtube.Format, bool) {
	withAudio := formats.WithAudioChannels()
	if len(withAudio) == 0 {
		return nil, false
	}

	var best *youtube.Format
	for i := range withAudio {
		f := &withAudio[i]
		if !strings.HasPrefix(f.MimeType, "audio/") {
			continue
		}
		if best == nil || f.Bitrate > best.Bitrate {
			best = f
		}
	}
	if best == nil {
		best = &withAudio[0]
	}
	return best, true
}

// statusError adapts the library's status code error for retry decisions.
type statusError struct {
	code int
	err  error
}

func (e *statusError) Error() string   { return e.err.Error() }
func (e *statusError) Unwrap() error   { return e.err }
func (e *statusError) StatusCode() int { return e.code }

func classifyKkdai(err error) error {
	var code youtube.ErrUnexpectedStatusCode
	if errors.As(err, &code) {
		se := &statusError{code: int(code), err: err}
		if int(code) == http.StatusTooManyRequests || int(code) >= 500 {
			return se
		}
		return retrylimit.Permanent(se)
	}
	if errors.Is(err, youtube.ErrVideoPrivate) || errors.Is(err, youtube.ErrNotPlayableInEmbed) {
		return retrylimit.Permanent(err)
	}
	return err
}

func newHTTPClient(proxyURL string) (*http.Client, error) {
	hc := &http.Client{Timeout: 15 * time.Second}
	if proxyURL == "" {
		return hc, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("youtube proxy: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		hc.Transport = &http.Transport{Proxy: http.ProxyURL(u)}
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if u.User != nil {
			auth = &proxy.Auth{User: u.User.Username()}
			auth.Password, _ = u.User.Password()
		}
		dialer, err := proxy.SOCKS5("tcp", u.Host, auth, &net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 10 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("youtube proxy: %w", err)
		}
		cd, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("youtube proxy: socks5 dialer has no context support")
		}
		hc.Transport = &http.Transport{DialContext: cd.DialContext}
	default:
		return nil, fmt.Errorf("youtube proxy: unsupported scheme %q", u.Scheme)
	}
	return hc, nil
}
