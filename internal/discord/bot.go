package discord

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

// Bot owns the Discord gateway session.
type Bot struct {
	log zerolog.Logger
	dg  *discordgo.Session

	transport *Transport
}

// New creates a session for token with a voice transport playing through
// player. Only guild and voice state events are requested; the bridge reads
// nothing else from the gateway.
func New(log zerolog.Logger, token string, player Player) (*Bot, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	dg.LogLevel = discordgo.LogWarning
	routeLibraryLogs(log)

	b := &Bot{log: log, dg: dg}
	b.transport = NewTransport(log, sessionGateway{dg: dg}, player)
	dg.AddHandler(b.onReady)
	dg.AddHandler(b.onVoiceStateUpdate)
	return b, nil
}

// Open connects to the gateway.
func (b *Bot) Open() error {
	if err := b.dg.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	return nil
}

// Close disconnects from the gateway.
func (b *Bot) Close() error {
	return b.dg.Close()
}

// Transport returns the voice transport bound to this session.
func (b *Bot) Transport() *Transport {
	return b.transport
}

func (b *Bot) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	b.log.Info().
		Str("user", r.User.Username).
		Str("user_id", r.User.ID).
		Int("guilds", len(r.Guilds)).
		Msg("logged in")
}

// onVoiceStateUpdate notices the bot being disconnected from voice by
// someone else.
func (b *Bot) onVoiceStateUpdate(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	if s.State == nil || s.State.User == nil || v.UserID != s.State.User.ID {
		return
	}
	if v.ChannelID != "" {
		return
	}
	before := ""
	if v.BeforeUpdate != nil {
		before = v.BeforeUpdate.ChannelID
	}
	b.transport.voiceLost(v.GuildID, before)
}

// routeLibraryLogs sends discordgo's own log lines through zerolog.
func routeLibraryLogs(log zerolog.Logger) {
	lib := log.With().Str("lib", "discordgo").Logger()
	discordgo.Logger = func(level, _ int, format string, a ...any) {
		var ev *zerolog.Event
		switch level {
		case discordgo.LogError:
			ev = lib.Error()
		case discordgo.LogWarning:
			ev = lib.Warn()
		case discordgo.LogInformational:
			ev = lib.Info()
		default:
			ev = lib.Debug()
		}
		ev.Msgf(format, a...)
	}
}
