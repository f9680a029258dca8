package home

import (
	"context"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/snowflake/v2"

	"github.com/leeineian/hibiki/proc"
	"github.com/leeineian/hibiki/sys"
)

const janitorInterval = 15 * time.Second

func init() {
	sys.RegisterVoiceStateUpdateHandler(onVoiceState)
	sys.RegisterDaemon(sys.LogPlayer, startIdleJanitor)
}

func onVoiceState(event *events.GuildVoiceStateUpdate) {
	if players == nil {
		return
	}
	session := players.Lookup(event.VoiceState.GuildID)
	if session == nil {
		return
	}

	if event.VoiceState.UserID == event.Client().ID() {
		onOwnVoiceState(event, session)
		return
	}
	updateAutoPause(event.Client(), session)
}

func onOwnVoiceState(event *events.GuildVoiceStateUpdate, session *proc.PlayerSession) {
	guildID := event.VoiceState.GuildID

	if event.VoiceState.ChannelID == nil {
		sys.LogPlayer("Guild %s: disconnected from voice externally", guildID)
		players.Remove(sys.AppContext, guildID)
		return
	}

	if current := session.ChannelID(); current != 0 && *event.VoiceState.ChannelID != current {
		sys.LogPlayer("Guild %s: moved from %s to %s", guildID, current, *event.VoiceState.ChannelID)
		session.MovedTo(*event.VoiceState.ChannelID)
		updateAutoPause(event.Client(), session)
	}
}

// updateAutoPause pauses when the bot is alone and resumes when listeners
// return. Bots and self-deafened users do not count as listeners.
func updateAutoPause(client *bot.Client, session *proc.PlayerSession) {
	channelID := session.ChannelID()
	if channelID == 0 {
		return
	}
	if humansInChannel(client, session.GuildID, channelID) == 0 {
		session.AutoPause()
		return
	}
	session.AutoResume()
}

func humansInChannel(client *bot.Client, guildID, channelID snowflake.ID) int {
	count := 0
	for state := range client.Caches.VoiceStates(guildID) {
		if state.ChannelID == nil || *state.ChannelID != channelID || state.UserID == client.ID() {
			continue
		}
		if state.SelfDeaf {
			continue
		}
		if m, ok := client.Caches.Member(guildID, state.UserID); !ok || !m.User.Bot {
			count++
		}
	}
	return count
}

// startIdleJanitor sweeps sessions that ran out of work and leaves their
// voice channel after the guild's wait-after-empty delay.
func startIdleJanitor(ctx context.Context) (bool, func(), func()) {
	stop := make(chan struct{})

	run := func() {
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				sweepIdleSessions(ctx)
			}
		}
	}
	shutdown := func() {
		close(stop)
	}
	return true, run, shutdown
}

func sweepIdleSessions(ctx context.Context) {
	if players == nil {
		return
	}
	for _, session := range players.Sessions() {
		if session.ChannelID() == 0 {
			continue
		}
		since, idle := session.IdleSince()
		if !idle {
			continue
		}
		if elapsed := time.Since(since); elapsed >= session.WaitAfterEmpty() {
			sys.LogPlayer("Guild %s: idle for %s, leaving voice", session.GuildID, elapsed.Round(time.Second))
			session.Disconnect(ctx)
		}
	}
}
