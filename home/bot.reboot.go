package home

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"

	"github.com/leeineian/hibiki/sys"
)

func handleBotReboot(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	build, _ := data.OptBool("build")

	sys.LogWarn(sys.MsgBotRebootCommanded, event.User().Username, event.User().ID)

	_ = event.CreateMessage(discord.NewMessageCreateBuilder().
		SetContent(sys.MsgBotRebooting).
		SetEphemeral(true).
		Build())

	if build {
		_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(),
			discord.NewMessageUpdateBuilder().
				SetContent(sys.MsgBotRebootBuilding).
				Build())

		exePath, err := os.Executable()
		if err != nil {
			exePath = sys.GetProjectName()
		}

		cmd := exec.Command("go", "build", "-o", exePath, ".")
		output, err := cmd.CombinedOutput()
		if err != nil {
			_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(),
				discord.NewMessageUpdateBuilder().
					SetContent(fmt.Sprintf(sys.MsgBotRebootBuildFail, string(output))).
					Build())
			return
		}

		_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(),
			discord.NewMessageUpdateBuilder().
				SetContent(sys.MsgBotRebootBuildOK+"\n"+sys.MsgBotRebooting).
				Build())
	}

	sys.RestartRequested = true

	// Let the response reach Discord before the process goes away.
	time.Sleep(1500 * time.Millisecond)

	// SIGTERM triggers the graceful shutdown path in main.go; the process
	// re-execs itself when RestartRequested is set.
	_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
}
