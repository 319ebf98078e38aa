package voice

import "context"

// Resolved is a playable stream returned by a Resolver.
type Resolved struct {
	StreamURL  string
	Title      string
	WebpageURL string
}

// Resolver turns a search term or URL into a direct, time limited stream URL.
type Resolver interface {
	Resolve(ctx context.Context, query string) (Resolved, error)
}

// Transport owns the platform side of voice: channel lookup, permissions and joins.
type Transport interface {
	// GuildOfChannel returns the guild a voice channel belongs to. With
	// cachedOnly set it must not perform network I/O.
	GuildOfChannel(ctx context.Context, channelID string, cachedOnly bool) (string, error)
	// CanConnect reports whether the bot may join the channel.
	CanConnect(guildID, channelID string) bool
	Connect(ctx context.Context, guildID, channelID string) (Connection, error)
}

// Connection is a live voice channel connection.
type Connection interface {
	ChannelID() string
	// Play starts streaming and returns at once. onDone is called exactly
	// once, from another goroutine, when the audio ends, fails or is stopped.
	Play(streamURL string, onDone func(error)) (AudioHandle, error)
	Disconnect() error
}

// AudioHandle controls one in-flight audio source.
type AudioHandle interface {
	Pause()
	Resume()
	// Stop halts the source and returns once it no longer sends audio.
	Stop()
}
