package home

import (
	"fmt"
	"strings"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"

	"github.com/leeineian/hibiki/proc"
	"github.com/leeineian/hibiki/sys"
)

const queuePageSize = 10

func init() {
	sys.RegisterCommand(discord.SlashCommandCreate{
		Name:        "queue",
		Description: "Show the current track and what comes next",
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
	}, handleQueue)
}

func handleQueue(event *events.ApplicationCommandInteractionCreate) {
	session := activeSession(event)
	if session == nil {
		return
	}

	tracks := session.QueueSnapshot()
	if len(tracks) == 0 {
		replyEphemeral(event, "The queue is empty.")
		return
	}

	var b strings.Builder
	active := false
	switch session.State() {
	case proc.StatePlaying, proc.StatePaused, proc.StateLoading:
		active = true
	}

	if current, pos := session.Now(); active && current != nil {
		if session.State() == proc.StatePaused {
			b.WriteString("⏸️ Paused: ")
		} else {
			b.WriteString("🎶 Now playing: ")
		}
		b.WriteString(trackLine(current))
		if !current.Live && current.Duration > 0 {
			b.WriteString(fmt.Sprintf(" `[%s / %s]`", fmtDuration(pos), fmtDuration(current.Duration)))
		}
		b.WriteString("\n")
		tracks = tracks[1:]
	}

	if len(tracks) > 0 {
		b.WriteString("\n**Up next:**\n")
		shown := min(len(tracks), queuePageSize)
		for i := range shown {
			b.WriteString(fmt.Sprintf("`%2d.` %s\n", i+1, trackLine(tracks[i])))
		}
		if rest := len(tracks) - shown; rest > 0 {
			b.WriteString(fmt.Sprintf("...and %d more.\n", rest))
		}
	}

	if session.Autoplay() {
		b.WriteString("\n-# Autoplay is on, related tracks keep coming when the queue drains.")
	}

	replyEphemeral(event, b.String())
}
