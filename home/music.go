package home

import (
	"errors"
	"fmt"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/snowflake/v2"

	"github.com/leeineian/hibiki/proc"
)

// Engines behind the command surface. main injects them via Bind before
// the gateway opens; handlers only dispatch after that.
var (
	players   *proc.PlayerManager
	resolver  *proc.Resolver
	fileCache *proc.FileCache
)

// Bind hands the command layer its engines.
func Bind(mgr *proc.PlayerManager, res *proc.Resolver, files *proc.FileCache) {
	players = mgr
	resolver = res
	fileCache = files
}

const (
	msgNotInVoice     = "You need to be in a voice channel first."
	msgNothingPlaying = "Nothing is playing."
	msgNotConnected   = "Not connected to a voice channel."
)

func reply(event *events.ApplicationCommandInteractionCreate, content string) {
	_ = event.CreateMessage(discord.NewMessageCreateBuilder().
		SetContent(content).
		Build())
}

func replyEphemeral(event *events.ApplicationCommandInteractionCreate, content string) {
	_ = event.CreateMessage(discord.NewMessageCreateBuilder().
		SetContent(content).
		SetEphemeral(true).
		Build())
}

func editResponse(event *events.ApplicationCommandInteractionCreate, content string) {
	_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(),
		discord.NewMessageUpdateBuilder().SetContent(content).Build())
}

// activeSession fetches the guild's session for a control command,
// answering the interaction itself when there is none to control.
func activeSession(event *events.ApplicationCommandInteractionCreate) *proc.PlayerSession {
	gid := event.GuildID()
	if gid == nil {
		replyEphemeral(event, msgNothingPlaying)
		return nil
	}
	s := players.Lookup(*gid)
	if s == nil {
		replyEphemeral(event, msgNothingPlaying)
		return nil
	}
	return s
}

// userVoiceChannel is the voice channel the invoking user sits in.
func userVoiceChannel(event *events.ApplicationCommandInteractionCreate) (snowflake.ID, bool) {
	gid := event.GuildID()
	if gid == nil {
		return 0, false
	}
	vs, ok := event.Client().Caches.VoiceState(*gid, event.User().ID)
	if !ok || vs.ChannelID == nil {
		return 0, false
	}
	return *vs.ChannelID, true
}

func intPtr(i int) *int {
	return &i
}

// queuePos translates a 1-based display position from /queue into the
// underlying queue index. While a track is loaded it sits at index 0 and
// displayed entries start at index 1; on an idle kept queue they start
// at 0.
func queuePos(session *proc.PlayerSession, display int) int {
	switch session.State() {
	case proc.StatePlaying, proc.StatePaused, proc.StateLoading:
		return display
	}
	return display - 1
}

// fmtDuration renders 3:20 or 1:05:20 for display.
func fmtDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func trackLine(t *proc.Track) string {
	line := "**" + t.Title + "**"
	if t.PageURL != "" {
		line = "[" + t.Title + "](" + t.PageURL + ")"
	}
	if t.Artist != "" {
		line += " · " + t.Artist
	}
	if t.Live {
		line += " · 🔴 LIVE"
	} else if t.Duration > 0 {
		line += " · " + fmtDuration(t.Duration)
	}
	return line
}

// playbackErrorText maps engine errors to a short user-facing line.
func playbackErrorText(err error) string {
	var rerr *proc.ResolutionError
	switch {
	case errors.As(err, &rerr):
		switch rerr.Reason {
		case proc.ReasonNotFound:
			return "Couldn't find anything for that."
		case proc.ReasonRegionBlocked:
			return "That track isn't available in this region."
		case proc.ReasonRateLimited:
			return "The source is rate limiting us, try again in a minute."
		default:
			return "The source is unavailable right now."
		}
	case errors.Is(err, proc.ErrSeekUnsupported):
		return "Live streams can't be seeked."
	case errors.Is(err, proc.ErrIndexOutOfRange):
		return "That position doesn't exist."
	case errors.Is(err, proc.ErrQueueEmpty):
		return "The queue is empty."
	case errors.Is(err, proc.ErrNotPlaying):
		return msgNothingPlaying
	case errors.Is(err, proc.ErrStreamInterrupted):
		return "The stream dropped and couldn't be resumed."
	default:
		return "Something went wrong: " + err.Error()
	}
}
