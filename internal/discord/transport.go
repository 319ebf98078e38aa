package discord

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/keshon/voice-bridge/internal/music/stream"
	"github.com/keshon/voice-bridge/internal/voice"
	"github.com/rs/zerolog"
)

// Player starts audio on a sink.
type Player interface {
	Play(sink stream.Sink, url string, onDone func(error)) (voice.AudioHandle, error)
}

type streamerPlayer struct {
	s *stream.Streamer
}

// StreamerPlayer adapts a stream.Streamer to Player.
func StreamerPlayer(s *stream.Streamer) Player {
	return streamerPlayer{s: s}
}

func (p streamerPlayer) Play(sink stream.Sink, url string, onDone func(error)) (voice.AudioHandle, error) {
	pl, err := p.s.Play(sink, url, onDone)
	if err != nil {
		return nil, err
	}
	return pl, nil
}

// Transport implements voice.Transport over a Discord session.
type Transport struct {
	log    zerolog.Logger
	gw     gateway
	player Player

	mu     sync.Mutex
	links  map[string]*connection
	onLost func(guildID string, conn voice.Connection)
}

// NewTransport returns a transport joining voice through gw.
func NewTransport(log zerolog.Logger, gw gateway, player Player) *Transport {
	return &Transport{
		log:    log,
		gw:     gw,
		player: player,
		links:  make(map[string]*connection),
	}
}

// OnVoiceLost installs fn, called when Discord drops a connection the
// bridge did not close itself.
func (t *Transport) OnVoiceLost(fn func(guildID string, conn voice.Connection)) {
	t.mu.Lock()
	t.onLost = fn
	t.mu.Unlock()
}

// GuildOfChannel returns the guild owning a voice channel. With cachedOnly
// it never leaves the gateway state cache.
func (t *Transport) GuildOfChannel(ctx context.Context, channelID string, cachedOnly bool) (string, error) {
	ch, err := t.gw.cachedChannel(channelID)
	if err != nil || ch == nil {
		if cachedOnly {
			return "", fmt.Errorf("%w: channel %s not in cache", voice.ErrNotFound, channelID)
		}
		ch, err = t.gw.fetchChannel(ctx, channelID)
		if err != nil {
			return "", fmt.Errorf("%w: channel %s: %w", voice.ErrNotFound, channelID, err)
		}
	}
	if !isVoiceChannel(ch) {
		return "", fmt.Errorf("%w: channel %s is not a voice channel", voice.ErrNotFound, channelID)
	}
	return ch.GuildID, nil
}

func isVoiceChannel(ch *discordgo.Channel) bool {
	return ch.Type == discordgo.ChannelTypeGuildVoice || ch.Type == discordgo.ChannelTypeGuildStageVoice
}

// CanConnect reports whether the bot may join the channel.
func (t *Transport) CanConnect(guildID, channelID string) bool {
	perms, err := t.gw.botPermissions(channelID)
	if err != nil {
		t.log.Warn().Err(err).Str("guild_id", guildID).Str("channel_id", channelID).Msg("permission lookup failed")
		return false
	}
	return perms&discordgo.PermissionVoiceConnect != 0
}

// Connect joins the channel. When ctx ends first the join is abandoned and
// a late connection is closed as soon as it arrives.
func (t *Transport) Connect(ctx context.Context, guildID, channelID string) (voice.Connection, error) {
	type result struct {
		link voiceLink
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		link, err := t.gw.joinVoice(guildID, channelID)
		ch <- result{link, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("join voice: %w", r.err)
		}
		conn := &connection{t: t, guildID: guildID, channelID: channelID, link: r.link}
		t.mu.Lock()
		t.links[guildID] = conn
		t.mu.Unlock()
		t.log.Info().Str("guild_id", guildID).Str("channel_id", channelID).Msg("joined voice channel")
		return conn, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.link.Disconnect()
			}
		}()
		return nil, fmt.Errorf("join voice: %w", ctx.Err())
	}
}

// voiceLost handles the bot leaving channelID in guildID without the bridge
// asking. An empty channelID matches whatever link the guild holds.
func (t *Transport) voiceLost(guildID, channelID string) {
	t.mu.Lock()
	conn := t.links[guildID]
	if conn == nil || (channelID != "" && conn.channelID != channelID) {
		// Late update about a channel this guild has already left.
		t.mu.Unlock()
		return
	}
	delete(t.links, guildID)
	fn := t.onLost
	t.mu.Unlock()

	t.log.Warn().Str("guild_id", guildID).Str("channel_id", conn.channelID).Msg("voice connection dropped")
	if fn != nil {
		fn(guildID, conn)
	}
}

func (t *Transport) forget(c *connection) {
	t.mu.Lock()
	if t.links[c.guildID] == c {
		delete(t.links, c.guildID)
	}
	t.mu.Unlock()
}

type connection struct {
	t         *Transport
	guildID   string
	channelID string
	link      voiceLink
}

func (c *connection) ChannelID() string { return c.channelID }

func (c *connection) Play(streamURL string, onDone func(error)) (voice.AudioHandle, error) {
	return c.t.player.Play(c.link, streamURL, func(err error) {
		if errors.Is(err, stream.ErrSinkClosed) {
			err = fmt.Errorf("%w: %w", voice.ErrConnectionLost, err)
		}
		onDone(err)
	})
}

func (c *connection) Disconnect() error {
	c.t.forget(c)
	_ = c.link.SetSpeaking(false)
	if err := c.link.Disconnect(); err != nil {
		return fmt.Errorf("voice disconnect: %w", err)
	}
	c.t.log.Info().Str("guild_id", c.guildID).Str("channel_id", c.channelID).Msg("left voice channel")
	return nil
}
