package home

import (
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"

	"github.com/leeineian/hibiki/sys"
)

func init() {
	sys.RegisterCommand(discord.SlashCommandCreate{
		Name:        "shuffle",
		Description: "Shuffle the queued tracks",
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
	}, handleShuffle)
}

func handleShuffle(event *events.ApplicationCommandInteractionCreate) {
	session := activeSession(event)
	if session == nil {
		return
	}
	if len(session.QueueSnapshot()) < 2 {
		replyEphemeral(event, "Not enough tracks to shuffle.")
		return
	}
	session.Shuffle()
	reply(event, "🔀 Queue shuffled.")
}
