package home

import (
	"fmt"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"

	"github.com/leeineian/hibiki/sys"
)

func init() {
	sys.RegisterCommand(discord.SlashCommandCreate{
		Name:        "move",
		Description: "Move a queued track to another position",
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionInt{
				Name:        "from",
				Description: "Queue position of the track, as shown by /queue",
				Required:    true,
				MinValue:    intPtr(1),
			},
			discord.ApplicationCommandOptionInt{
				Name:        "to",
				Description: "Where it should go",
				Required:    true,
				MinValue:    intPtr(1),
			},
		},
	}, handleMove)
}

func handleMove(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	from, _ := data.OptInt("from")
	to, _ := data.OptInt("to")

	session := activeSession(event)
	if session == nil {
		return
	}
	if err := session.Move(queuePos(session, from), queuePos(session, to)); err != nil {
		replyEphemeral(event, playbackErrorText(err))
		return
	}
	reply(event, fmt.Sprintf("↕️ Moved track **%d** to position **%d**.", from, to))
}
