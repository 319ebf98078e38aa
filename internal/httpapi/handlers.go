package httpapi

import (
	"errors"
	"net/http"

	"github.com/keshon/voice-bridge/internal/voice"
)

const (
	msgPlayInvalid  = "Missing 'song' or 'channel_id'"
	msgGuildInvalid = "Invalid 'guild_id'"
)

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (r *Router) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if r.ctl.Draining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining"))
		return
	}
	_, _ = w.Write([]byte("ok"))
}

func (r *Router) handlePlay(w http.ResponseWriter, req *http.Request) {
	fields, err := decodeBody(req, r.schemas.play)
	if err != nil {
		r.log.Debug().Err(err).Msg("play rejected")
		writeError(w, http.StatusBadRequest, msgPlayInvalid)
		return
	}

	song := stringField(fields, "song")
	if err := r.ctl.Play(idField(fields, "channel_id"), song); err != nil {
		r.writeCommandError(w, req, err, msgPlayInvalid)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "playing", "song": song})
}

// guildCommand builds a handler for a command addressed by guild_id.
// notAllowed is the message for an unknown guild or a wrong state.
func (r *Router) guildCommand(run func(guildID string) error, status, notAllowed string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		fields, err := decodeBody(req, r.schemas.guild)
		if err != nil {
			writeError(w, http.StatusBadRequest, msgGuildInvalid)
			return
		}
		guildID := idField(fields, "guild_id")
		if !voice.IsSnowflake(guildID) {
			writeError(w, http.StatusBadRequest, msgGuildInvalid)
			return
		}
		if err := run(guildID); err != nil {
			r.writeCommandError(w, req, err, notAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": status})
	}
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	snap, err := r.ctl.Status(req.URL.Query().Get("guild_id"))
	switch {
	case errors.Is(err, voice.ErrValidation):
		writeError(w, http.StatusBadRequest, msgGuildInvalid)
	case errors.Is(err, voice.ErrNotFound):
		writeError(w, http.StatusNotFound, "No session for guild.")
	case err != nil:
		r.writeCommandError(w, req, err, msgGuildInvalid)
	default:
		writeJSON(w, http.StatusOK, snap)
	}
}

func (r *Router) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": r.ctl.Sessions()})
}
