package home

import (
	"fmt"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/snowflake/v2"

	"github.com/leeineian/hibiki/sys"
)

func init() {
	sys.RegisterCommand(discord.SlashCommandCreate{
		Name:        "ping",
		Description: "Check bot latency",
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
	}, handlePing)

	sys.RegisterComponentHandler("ping_refresh", handlePingRefresh)
}

func pingContent(interactionID snowflake.ID, emoji string) string {
	latency := time.Since(interactionID.Time()).Milliseconds()
	return fmt.Sprintf("Pong! %s **%dms**", emoji, latency)
}

func handlePing(event *events.ApplicationCommandInteractionCreate) {
	_ = event.CreateMessage(discord.NewMessageCreateBuilder().
		SetContent(pingContent(snowflake.ID(event.ID()), "🏓")).
		AddActionRow(discord.NewSecondaryButton("🔄", "ping_refresh")).
		SetEphemeral(true).
		Build())
}

func handlePingRefresh(event *events.ComponentInteractionCreate) {
	_ = event.UpdateMessage(discord.NewMessageUpdateBuilder().
		SetContent(pingContent(snowflake.ID(event.ID()), "🔁")).
		AddActionRow(discord.NewSecondaryButton("🔄", "ping_refresh")).
		Build())
}
