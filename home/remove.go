package home

import (
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"

	"github.com/leeineian/hibiki/sys"
)

func init() {
	sys.RegisterCommand(discord.SlashCommandCreate{
		Name:        "remove",
		Description: "Remove a track from the queue",
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionInt{
				Name:        "position",
				Description: "Queue position of the track, as shown by /queue",
				Required:    true,
				MinValue:    intPtr(1),
			},
		},
	}, handleRemove)
}

func handleRemove(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	pos, _ := data.OptInt("position")

	session := activeSession(event)
	if session == nil {
		return
	}
	removed, err := session.Remove(queuePos(session, pos))
	if err != nil {
		replyEphemeral(event, playbackErrorText(err))
		return
	}
	if removed != nil {
		reply(event, "🗑️ Removed **"+removed.Title+"**.")
		return
	}
	reply(event, "🗑️ Removed.")
}
