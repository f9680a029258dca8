package home

import (
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"

	"github.com/leeineian/hibiki/sys"
)

func init() {
	sys.RegisterCommand(discord.SlashCommandCreate{
		Name:        "autoplay",
		Description: "Keep playing related tracks when the queue runs out",
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionBool{
				Name:        "enabled",
				Description: "Turn autoplay on or off",
			},
		},
	}, handleAutoplay)
}

func handleAutoplay(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	gid := event.GuildID()
	if gid == nil {
		return
	}

	session := players.Session(*gid)

	enabled, ok := data.OptBool("enabled")
	if !ok {
		if session.Autoplay() {
			replyEphemeral(event, "♾️ Autoplay is **on**.")
		} else {
			replyEphemeral(event, "♾️ Autoplay is **off**.")
		}
		return
	}

	session.SetAutoplay(enabled)
	if err := sys.SetGuildAutoplay(sys.AppContext, sys.DB, gid.String(), enabled); err != nil {
		sys.LogDatabase("Autoplay save failed for guild %s: %v", gid, err)
	}
	if enabled {
		reply(event, "♾️ Autoplay **on**. Related tracks follow when the queue drains.")
		return
	}
	reply(event, "♾️ Autoplay **off**.")
}
