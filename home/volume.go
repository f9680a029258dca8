package home

import (
	"fmt"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"

	"github.com/leeineian/hibiki/sys"
)

func init() {
	sys.RegisterCommand(discord.SlashCommandCreate{
		Name:        "volume",
		Description: "Show or change the playback volume",
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionInt{
				Name:        "percent",
				Description: "New volume, 100 is unity gain",
				MinValue:    intPtr(0),
				MaxValue:    intPtr(200),
			},
		},
	}, handleVolume)
}

func handleVolume(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()

	session := activeSession(event)
	if session == nil {
		return
	}

	percent, ok := data.OptInt("percent")
	if !ok {
		replyEphemeral(event, fmt.Sprintf("🔊 Volume is **%d%%**.", session.Volume()))
		return
	}

	session.SetVolume(percent)
	reply(event, fmt.Sprintf("🔊 Volume set to **%d%%**.", percent))
}
