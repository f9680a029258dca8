package home

import (
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"

	"github.com/leeineian/hibiki/sys"
)

func init() {
	sys.RegisterCommand(discord.SlashCommandCreate{
		Name:        "disconnect",
		Description: "Stop playback and leave the voice channel",
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
	}, handleDisconnect)
}

func handleDisconnect(event *events.ApplicationCommandInteractionCreate) {
	session := activeSession(event)
	if session == nil {
		return
	}
	if session.ChannelID() == 0 {
		replyEphemeral(event, msgNotConnected)
		return
	}
	session.Disconnect(sys.AppContext)
	reply(event, "👋 Left the voice channel.")
}
