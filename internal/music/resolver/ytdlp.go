package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/keshon/voice-bridge/internal/voice"
	"github.com/keshon/voice-bridge/pkg/retrylimit"
)

// runFunc runs an external command and returns its stdout.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// YTDLP resolves through the yt-dlp binary. Plain text is searched on
// YouTube and the first match is used.
type YTDLP struct {
	path string
	run  runFunc
}

// NewYTDLP returns a backend running the yt-dlp binary at path.
func NewYTDLP(path string) *YTDLP {
	if path == "" {
		path = "yt-dlp"
	}
	return &YTDLP{path: path, run: runCommand}
}

func (y *YTDLP) Name() string { return "ytdlp" }

func (y *YTDLP) Resolve(ctx context.Context, query string) (voice.Resolved, error) {
	out, err := y.run(ctx, y.path,
		"-J",
		"-f", "bestaudio/best",
		"--no-playlist",
		"--default-search", "ytsearch",
		"--no-warnings",
		"--quiet",
		"--", query,
	)
	if err != nil {
		return voice.Resolved{}, classifyYTDLP(err)
	}
	return parseYTDLP(out)
}

type ytdlpFormat struct {
	URL string `json:"url"`
}

type ytdlpInfo struct {
	Title      string        `json:"title"`
	URL        string        `json:"url"`
	WebpageURL string        `json:"webpage_url"`
	Formats    []ytdlpFormat `json:"formats"`
	Entries    []ytdlpInfo   `json:"entries"`
}

// parseYTDLP reads the -J dump. A search or playlist result carries its
// matches in entries; the first one is taken.
func parseYTDLP(out []byte) (voice.Resolved, error) {
	var info ytdlpInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return voice.Resolved{}, retrylimit.Permanent(fmt.Errorf("decode yt-dlp output: %w", err))
	}

	for strings.TrimSpace(info.URL) == "" && len(info.Entries) > 0 {
		info = info.Entries[0]
	}

	link := strings.TrimSpace(info.URL)
	if link == "" && len(info.Formats) > 0 {
		link = strings.TrimSpace(info.Formats[0].URL)
	}
	if link == "" {
		return voice.Resolved{}, retrylimit.Permanent(ErrNoResults)
	}

	return voice.Resolved{
		StreamURL:  link,
		Title:      info.Title,
		WebpageURL: info.WebpageURL,
	}, nil
}

var httpStatusInStderr = regexp.MustCompile(`HTTP Error (\d{3})`)

// ytdlpError carries the HTTP status yt-dlp reported, when there was one.
type ytdlpError struct {
	status int
	msg    string
	err    error
}

func (e *ytdlpError) Error() string   { return "yt-dlp: " + e.msg }
func (e *ytdlpError) Unwrap() error   { return e.err }
func (e *ytdlpError) StatusCode() int { return e.status }

func classifyYTDLP(err error) error {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return err
	}

	msg := strings.TrimSpace(string(exitErr.Stderr))
	if i := strings.LastIndexByte(msg, '\n'); i >= 0 {
		msg = msg[i+1:]
	}
	if msg == "" {
		msg = exitErr.Error()
	}

	yerr := &ytdlpError{msg: msg, err: err}
	if m := httpStatusInStderr.FindStringSubmatch(msg); m != nil {
		yerr.status, _ = strconv.Atoi(m[1])
	}
	switch {
	case yerr.status == 429 || yerr.status >= 500:
		return yerr
	case strings.Contains(msg, "Unsupported URL"), strings.Contains(msg, "Video unavailable"),
		strings.Contains(msg, "Private video"), yerr.status >= 400:
		return retrylimit.Permanent(yerr)
	}
	return yerr
}

// runCommand leaves Stderr unset so a failed run reports it in ExitError.
func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}
