package discord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/keshon/voice-bridge/internal/music/stream"
)

// sendTimeout bounds one frame hand-off. discordgo stops draining OpusSend
// when the voice websocket dies, so a stuck send means the link is gone.
const sendTimeout = time.Second

// gateway is the part of the Discord session the transport uses.
type gateway interface {
	cachedChannel(channelID string) (*discordgo.Channel, error)
	fetchChannel(ctx context.Context, channelID string) (*discordgo.Channel, error)
	botPermissions(channelID string) (int64, error)
	joinVoice(guildID, channelID string) (voiceLink, error)
}

// voiceLink is one live voice connection.
type voiceLink interface {
	stream.Sink
	Disconnect() error
}

type sessionGateway struct {
	dg *discordgo.Session
}

func (g sessionGateway) cachedChannel(channelID string) (*discordgo.Channel, error) {
	return g.dg.State.Channel(channelID)
}

func (g sessionGateway) fetchChannel(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	return g.dg.Channel(channelID, discordgo.WithContext(ctx))
}

func (g sessionGateway) botPermissions(channelID string) (int64, error) {
	if g.dg.State.User == nil {
		return 0, errors.New("session not ready")
	}
	return g.dg.UserChannelPermissions(g.dg.State.User.ID, channelID)
}

func (g sessionGateway) joinVoice(guildID, channelID string) (voiceLink, error) {
	vc, err := g.dg.ChannelVoiceJoin(guildID, channelID, false, true)
	if err != nil {
		if vc != nil {
			_ = vc.Disconnect()
		}
		return nil, err
	}
	return discordVoice{vc: vc}, nil
}

type discordVoice struct {
	vc *discordgo.VoiceConnection
}

func (d discordVoice) SendOpus(ctx context.Context, frame []byte) error {
	d.vc.RLock()
	ready, out := d.vc.Ready, d.vc.OpusSend
	d.vc.RUnlock()
	if !ready || out == nil {
		return stream.ErrSinkClosed
	}

	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()
	select {
	case out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: opus send timed out", stream.ErrSinkClosed)
	}
}

func (d discordVoice) SetSpeaking(speaking bool) error {
	if err := d.vc.Speaking(speaking); err != nil {
		return fmt.Errorf("%w: %w", stream.ErrSinkClosed, err)
	}
	return nil
}

func (d discordVoice) Disconnect() error {
	return d.vc.Disconnect()
}
