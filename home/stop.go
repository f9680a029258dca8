package home

import (
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"

	"github.com/leeineian/hibiki/sys"
)

func init() {
	sys.RegisterCommand(discord.SlashCommandCreate{
		Name:        "stop",
		Description: "Stop playback and clear the queue",
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionBool{
				Name:        "keep",
				Description: "Keep the queue instead of clearing it",
			},
		},
	}, handleStop)
}

func handleStop(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	keep, _ := data.OptBool("keep")

	session := activeSession(event)
	if session == nil {
		return
	}
	session.Stop(keep)
	if keep {
		reply(event, "⏹️ Stopped. The queue is kept, `/play` picks it back up.")
		return
	}
	reply(event, "⏹️ Stopped and cleared the queue.")
}
