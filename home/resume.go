package home

import (
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"

	"github.com/leeineian/hibiki/sys"
)

func init() {
	sys.RegisterCommand(discord.SlashCommandCreate{
		Name:        "resume",
		Description: "Resume paused playback",
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
	}, handleResume)
}

func handleResume(event *events.ApplicationCommandInteractionCreate) {
	session := activeSession(event)
	if session == nil {
		return
	}
	if err := session.Resume(); err != nil {
		replyEphemeral(event, playbackErrorText(err))
		return
	}
	reply(event, "▶️ Resumed.")
}
