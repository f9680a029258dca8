package home

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"

	"github.com/leeineian/hibiki/sys"
)

func init() {
	sys.RegisterCommand(discord.SlashCommandCreate{
		Name:        "play",
		Description: "Play a track, playlist or search result",
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionString{
				Name:         "query",
				Description:  "URL or search terms",
				Required:     true,
				Autocomplete: true,
			},
			discord.ApplicationCommandOptionBool{
				Name:        "now",
				Description: "Interrupt the current track and play this immediately",
			},
		},
	}, handlePlay)

	sys.RegisterAutocompleteHandler("play", handlePlayAutocomplete)
}

func handlePlay(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	query, _ := data.OptString("query")
	now, _ := data.OptBool("now")

	channelID, inVoice := userVoiceChannel(event)
	if !inVoice {
		replyEphemeral(event, msgNotInVoice)
		return
	}

	_ = event.DeferCreateMessage(false)

	guildID := *event.GuildID()
	session := players.Session(guildID)

	// Join while the query resolves.
	joinErr := make(chan error, 1)
	go func() {
		joinErr <- session.Connect(sys.AppContext, event.Client(), channelID)
	}()

	ctx, cancel := context.WithTimeout(sys.AppContext, 60*time.Second)
	defer cancel()

	tracks, err := resolver.Resolve(ctx, query, event.User().ID)
	if err != nil {
		sys.LogPlayer("Resolve failed for %q: %v", query, err)
		editResponse(event, playbackErrorText(err))
		return
	}

	capped := false
	if gs, gsErr := sys.GetGuildSettings(ctx, sys.DB, guildID.String(), sys.GlobalConfig.DefaultVolume); gsErr == nil {
		if len(tracks) > gs.PlaylistLimit {
			tracks = tracks[:gs.PlaylistLimit]
			capped = true
		}
	}

	if err := <-joinErr; err != nil {
		sys.LogPlayer("Voice join failed for guild %s: %v", guildID, err)
		editResponse(event, "Couldn't join your voice channel: "+err.Error())
		return
	}

	if now {
		if err := session.PlayNow(tracks[0]); err != nil {
			editResponse(event, playbackErrorText(err))
			return
		}
		if len(tracks) > 1 {
			session.Enqueue(tracks[1:]...)
		}
	} else {
		session.Enqueue(tracks...)
	}

	switch {
	case len(tracks) > 1:
		content := fmt.Sprintf("✅ Queued **%d** tracks, starting with %s", len(tracks), trackLine(tracks[0]))
		if capped {
			content += fmt.Sprintf("\n-# Playlist capped at %d tracks. `/settings playlist-limit` raises it.", len(tracks))
		}
		editResponse(event, content)
	case now:
		editResponse(event, "🎶 Playing: "+trackLine(tracks[0]))
	default:
		editResponse(event, "✅ Added to queue: "+trackLine(tracks[0]))
	}
}

func handlePlayAutocomplete(event *events.AutocompleteInteractionCreate) {
	focused := event.Data.Focused()
	if focused.Name != "query" {
		return
	}
	query := strings.TrimSpace(focused.String())
	// URLs play directly, nothing useful to suggest.
	if query == "" || strings.HasPrefix(query, "http") {
		_ = event.AutocompleteResult(nil)
		return
	}

	ctx, cancel := context.WithTimeout(sys.AppContext, 2500*time.Millisecond)
	defer cancel()

	results, err := resolver.Search(ctx, query)
	if err != nil {
		_ = event.AutocompleteResult(nil)
		return
	}

	var choices []discord.AutocompleteChoice
	for i, r := range results {
		if i >= 25 {
			break
		}
		name := r.Title
		if r.Artist != "" {
			name += " · " + r.Artist
		}
		if len(name) > 100 {
			name = name[:97] + "..."
		}
		choices = append(choices, discord.AutocompleteChoiceString{
			Name:  name,
			Value: "https://www.youtube.com/watch?v=" + r.SourceID,
		})
	}
	_ = event.AutocompleteResult(choices)
}
