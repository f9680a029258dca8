package home

import (
	"os"
	"syscall"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"

	"github.com/leeineian/hibiki/sys"
)

func handleBotShutdown(event *events.ApplicationCommandInteractionCreate) {
	sys.LogWarn(sys.MsgBotShutdownCommanded, event.User().Username, event.User().ID)

	_ = event.CreateMessage(discord.NewMessageCreateBuilder().
		SetContent(sys.MsgBotShuttingDown).
		SetEphemeral(true).
		Build())

	// Let the response reach Discord before the process goes away.
	time.Sleep(1 * time.Second)

	_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
}
