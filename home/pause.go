package home

import (
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"

	"github.com/leeineian/hibiki/sys"
)

func init() {
	sys.RegisterCommand(discord.SlashCommandCreate{
		Name:        "pause",
		Description: "Pause playback",
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
	}, handlePause)
}

func handlePause(event *events.ApplicationCommandInteractionCreate) {
	session := activeSession(event)
	if session == nil {
		return
	}
	if err := session.Pause(); err != nil {
		replyEphemeral(event, playbackErrorText(err))
		return
	}
	reply(event, "⏸️ Paused.")
}
