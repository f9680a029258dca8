package home

import (
	"fmt"
	"strings"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"

	"github.com/leeineian/hibiki/sys"
)

func init() {
	sys.RegisterCommand(discord.SlashCommandCreate{
		Name:        "settings",
		Description: "Show or change this server's playback settings",
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionInt{
				Name:        "volume",
				Description: "Default volume for new sessions",
				MinValue:    intPtr(0),
				MaxValue:    intPtr(200),
			},
			discord.ApplicationCommandOptionInt{
				Name:        "wait",
				Description: "Seconds to linger after the queue empties before leaving",
				MinValue:    intPtr(0),
				MaxValue:    intPtr(600),
			},
			discord.ApplicationCommandOptionInt{
				Name:        "playlist-limit",
				Description: "Most tracks a single playlist may add",
				MinValue:    intPtr(1),
				MaxValue:    intPtr(100),
			},
		},
	}, handleSettings)
}

func handleSettings(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	gid := event.GuildID()
	if gid == nil {
		return
	}

	volume, hasVolume := data.OptInt("volume")
	wait, hasWait := data.OptInt("wait")
	limit, hasLimit := data.OptInt("playlist-limit")

	if !hasVolume && !hasWait && !hasLimit {
		gs, err := sys.GetGuildSettings(sys.AppContext, sys.DB, gid.String(), sys.GlobalConfig.DefaultVolume)
		if err != nil {
			sys.LogDatabase("Guild settings read failed for %s: %v", gid, err)
			replyEphemeral(event, "Couldn't read the settings, try again.")
			return
		}
		autoplay := "off"
		if gs.Autoplay {
			autoplay = "on"
		}
		replyEphemeral(event, fmt.Sprintf(
			"⚙️ **Playback settings**\n"+
				"Volume: **%d%%**\n"+
				"Wait after empty queue: **%ds**\n"+
				"Playlist limit: **%d tracks**\n"+
				"Autoplay: **%s**",
			gs.DefaultVolume, gs.WaitAfterEmptySeconds, gs.PlaylistLimit, autoplay))
		return
	}

	session := players.Lookup(*gid)
	var changed []string

	if hasVolume {
		if err := sys.SetGuildVolume(sys.AppContext, sys.DB, gid.String(), volume); err != nil {
			sys.LogDatabase("Volume save failed for guild %s: %v", gid, err)
		}
		if session != nil {
			session.SetVolume(volume)
		}
		changed = append(changed, fmt.Sprintf("volume **%d%%**", volume))
	}
	if hasWait {
		if err := sys.SetGuildWaitAfterEmpty(sys.AppContext, sys.DB, gid.String(), wait); err != nil {
			sys.LogDatabase("Wait save failed for guild %s: %v", gid, err)
		}
		if session != nil {
			session.SetWaitAfterEmpty(time.Duration(wait) * time.Second)
		}
		changed = append(changed, fmt.Sprintf("wait **%ds**", wait))
	}
	if hasLimit {
		if err := sys.SetGuildPlaylistLimit(sys.AppContext, sys.DB, gid.String(), limit); err != nil {
			sys.LogDatabase("Playlist limit save failed for guild %s: %v", gid, err)
		}
		changed = append(changed, fmt.Sprintf("playlist limit **%d**", limit))
	}

	reply(event, "⚙️ Updated: "+strings.Join(changed, ", ")+".")
}
