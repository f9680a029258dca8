package home

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"

	"github.com/leeineian/hibiki/sys"
)

func init() {
	sys.RegisterCommand(discord.SlashCommandCreate{
		Name:        "seek",
		Description: "Jump to a position in the current track",
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionString{
				Name:        "position",
				Description: "Target position, e.g. 90, 1:30 or 1:02:15",
				Required:    true,
			},
		},
	}, handleSeek)
}

func handleSeek(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	raw, _ := data.OptString("position")

	target, err := parsePosition(raw)
	if err != nil {
		replyEphemeral(event, "Positions look like `90`, `1:30` or `1:02:15`.")
		return
	}

	session := activeSession(event)
	if session == nil {
		return
	}
	if err := session.Seek(target); err != nil {
		replyEphemeral(event, playbackErrorText(err))
		return
	}
	reply(event, "⏩ Seeking to **"+fmtDuration(target)+"**.")
}

// parsePosition accepts plain seconds or colon notation up to h:mm:ss.
func parsePosition(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("empty position")
	}

	parts := strings.Split(raw, ":")
	if len(parts) > 3 {
		return 0, errors.New("too many segments")
	}
	var total int64
	for _, part := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || n < 0 {
			return 0, errors.New("bad segment " + part)
		}
		total = total*60 + n
	}
	return time.Duration(total) * time.Second, nil
}
