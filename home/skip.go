package home

import (
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"

	"github.com/leeineian/hibiki/sys"
)

func init() {
	sys.RegisterCommand(discord.SlashCommandCreate{
		Name:        "skip",
		Description: "Skip the current track",
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
	}, handleSkip)
}

func handleSkip(event *events.ApplicationCommandInteractionCreate) {
	session := activeSession(event)
	if session == nil {
		return
	}
	current, _ := session.Now()
	if err := session.Skip(); err != nil {
		replyEphemeral(event, playbackErrorText(err))
		return
	}
	if current != nil {
		reply(event, "⏭️ Skipped **"+current.Title+"**.")
		return
	}
	reply(event, "⏭️ Skipped.")
}
