package home

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"

	"github.com/leeineian/hibiki/proc"
	"github.com/leeineian/hibiki/sys"
)

const (
	statsAnsiReset    = "\u001b[0m"
	statsAnsiPink     = "\u001b[35m"
	statsAnsiPinkBold = "\u001b[35;1m"
)

func statsTitle(text string) string {
	return fmt.Sprintf("%s%s%s", statsAnsiPink, text, statsAnsiReset)
}

func statsKey(text string) string {
	return fmt.Sprintf("%s> %s:%s", statsAnsiPink, text, statsAnsiReset)
}

func statsVal(text string) string {
	return fmt.Sprintf("%s%s%s", statsAnsiPinkBold, text, statsAnsiReset)
}

func handleBotStats(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	ephemeral := true
	if eph, ok := data.OptBool("ephemeral"); ok {
		ephemeral = eph
	}

	content := fmt.Sprintf("```ansi\n%s\n\n%s\n```", systemStats(), playerStats())

	_ = event.CreateMessage(discord.NewMessageCreateBuilder().
		SetContent(content).
		SetEphemeral(ephemeral).
		Build())
}

func systemStats() string {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	uptime := time.Since(sys.StartupTime)
	days := int(uptime.Hours()) / 24
	hours := int(uptime.Hours()) % 24
	minutes := int(uptime.Minutes()) % 60

	lines := []string{
		statsTitle("System"),
		fmt.Sprintf("%s %s", statsKey("Platform"), statsVal(fmt.Sprintf("%s %s", runtime.GOOS, runtime.GOARCH))),
		fmt.Sprintf("%s %s", statsKey("Go Version"), statsVal(runtime.Version())),
		fmt.Sprintf("%s %s", statsKey("Memory"), statsVal(fmt.Sprintf("%.2f MB / %.2f MB (Sys)", float64(m.HeapAlloc)/1024/1024, float64(m.Sys)/1024/1024))),
		fmt.Sprintf("%s %s", statsKey("Goroutines"), statsVal(fmt.Sprintf("%d", runtime.NumGoroutine()))),
		fmt.Sprintf("%s %s", statsKey("Uptime"), statsVal(fmt.Sprintf("%dd %dh %dm", days, hours, minutes))),
	}
	return strings.Join(lines, "\n")
}

func playerStats() string {
	sessions := players.Sessions()
	playing := 0
	for _, s := range sessions {
		switch s.State() {
		case proc.StatePlaying, proc.StateLoading:
			playing++
		}
	}

	cacheLine := "unavailable"
	if used, err := fileCache.TotalSize(); err == nil {
		cacheLine = fmt.Sprintf("%.1f MB / %.1f MB", float64(used)/1024/1024, float64(fileCache.Limit())/1024/1024)
	}

	lines := []string{
		statsTitle("Player"),
		fmt.Sprintf("%s %s", statsKey("Sessions"), statsVal(fmt.Sprintf("%d", len(sessions)))),
		fmt.Sprintf("%s %s", statsKey("Playing"), statsVal(fmt.Sprintf("%d", playing))),
		fmt.Sprintf("%s %s", statsKey("Audio Cache"), statsVal(cacheLine)),
	}
	return strings.Join(lines, "\n")
}
