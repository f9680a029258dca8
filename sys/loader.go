package sys

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/disgo"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/cache"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/gateway"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/godave/golibdave"
	"github.com/disgoorg/snowflake/v2"
)

var (
	StartupTime                      = time.Now()
	AppContext       context.Context = context.Background()
	RestartRequested bool

	commands                 []discord.ApplicationCommandCreate
	commandHandlers          = map[string]func(event *events.ApplicationCommandInteractionCreate){}
	autocompleteHandlers     = map[string]func(event *events.AutocompleteInteractionCreate){}
	componentHandlers        = map[string]func(event *events.ComponentInteractionCreate){}
	voiceStateUpdateHandlers []func(event *events.GuildVoiceStateUpdate)
	onClientReadyCallbacks   []func(ctx context.Context, client bot.Client)

	daemonsOnce sync.Once
)

func SetAppContext(ctx context.Context) {
	AppContext = ctx
}

// CreateClient creates and configures a disgo client.
func CreateClient(ctx context.Context, cfg *Config) (bot.Client, error) {
	client, err := disgo.New(cfg.Token,
		bot.WithGatewayConfigOpts(
			gateway.WithIntents(
				gateway.IntentGuilds,
				gateway.IntentGuildVoiceStates,
			),
			gateway.WithPresenceOpts(
				gateway.WithListeningActivity("Loading..."),
				gateway.WithOnlineStatus(discord.OnlineStatusOnline),
			),
		),
		bot.WithCacheConfigOpts(
			cache.WithCaches(cache.FlagGuilds, cache.FlagMembers, cache.FlagChannels, cache.FlagVoiceStates),
		),
		bot.WithVoiceManagerConfigOpts(
			voice.WithDaveSessionCreateFunc(golibdave.NewSession),
		),
		bot.WithEventListenerFunc(onApplicationCommandInteraction),
		bot.WithEventListenerFunc(onAutocompleteInteraction),
		bot.WithEventListenerFunc(onComponentInteraction),
		bot.WithEventListenerFunc(onVoiceStateUpdate),
		bot.WithEventListenerFunc(onReady),
		bot.WithRestClientConfigOpts(
			rest.WithHTTPClient(&http.Client{
				Timeout: 60 * time.Second,
				Transport: &http.Transport{
					MaxIdleConns:        1000,
					MaxIdleConnsPerHost: 500,
					IdleConnTimeout:     90 * time.Second,
				},
			}),
		),
	)
	if err != nil {
		return bot.Client{}, err
	}

	return *client, nil
}

// --- Command & Handler Registration ---

func RegisterCommand(cmd discord.ApplicationCommandCreate, handler func(event *events.ApplicationCommandInteractionCreate)) {
	commands = append(commands, cmd)
	switch c := cmd.(type) {
	case discord.SlashCommandCreate:
		commandHandlers[c.CommandName()] = handler
	case discord.UserCommandCreate:
		commandHandlers[c.CommandName()] = handler
	case discord.MessageCommandCreate:
		commandHandlers[c.CommandName()] = handler
	}
}

func RegisterAutocompleteHandler(cmdName string, handler func(event *events.AutocompleteInteractionCreate)) {
	autocompleteHandlers[cmdName] = handler
}

func RegisterComponentHandler(customID string, handler func(event *events.ComponentInteractionCreate)) {
	componentHandlers[customID] = handler
}

func RegisterVoiceStateUpdateHandler(handler func(event *events.GuildVoiceStateUpdate)) {
	voiceStateUpdateHandlers = append(voiceStateUpdateHandlers, handler)
}

func OnClientReady(cb func(ctx context.Context, client bot.Client)) {
	onClientReadyCallbacks = append(onClientReadyCallbacks, cb)
}

func calculateCommandHash(cmds []discord.ApplicationCommandCreate) string {
	data, err := json.Marshal(cmds)
	if err != nil {
		return ""
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// RegisterCommands syncs the slash-command set with Discord. A hash of the
// definitions is kept in bot_config so an unchanged set skips the API round
// trip. GUILD_ID set = dev mode (guild commands, global cleared); unset =
// production mode (global commands, stale guild commands cleared).
func RegisterCommands(client bot.Client, guildIDStr string, forceScan bool) error {
	ctx := context.Background()
	lastGuildID, _ := GetBotConfig(ctx, "last_guild_id")

	isProduction := guildIDStr == ""
	currentMode := "guild"
	if isProduction {
		currentMode = "global"
	}

	LogLoader(MsgLoaderSyncCommands, strings.ToUpper(currentMode))

	currentHash := calculateCommandHash(commands)
	lastHash, _ := GetBotConfig(ctx, "last_cmd_hash")
	lastMode, _ := GetBotConfig(ctx, "last_reg_mode")

	shouldRegister := true
	if currentHash != "" && currentHash == lastHash && currentMode == lastMode && !forceScan {
		shouldRegister = false
		LogLoader(MsgLoaderUpToDate, currentHash[:8])
	}

	if isProduction {
		if shouldRegister {
			LogLoader(MsgLoaderProdStarting)
			createdCommands, err := client.Rest.SetGlobalCommands(client.ApplicationID, commands)
			if err != nil {
				return fmt.Errorf(MsgLoaderProdFail, err)
			}
			for _, cmd := range createdCommands {
				LogLoader(MsgLoaderProdRegistered, cmd.Name())
			}
		}

		if forceScan || lastMode != currentMode {
			clearStaleGuildCommands(client, 0)
		}

		if lastGuildID != "" {
			if id, err := snowflake.Parse(lastGuildID); err == nil {
				if cmds, err := client.Rest.GetGuildCommands(client.ApplicationID, id, false); err == nil && len(cmds) > 0 {
					LogLoader(MsgLoaderCleanup, lastGuildID)
					_, _ = client.Rest.SetGuildCommands(client.ApplicationID, id, []discord.ApplicationCommandCreate{})
				}
			}
		}
	} else {
		guildID, err := snowflake.Parse(guildIDStr)
		if err != nil {
			return fmt.Errorf(MsgLoaderInvalidGuildID, err)
		}

		if shouldRegister {
			LogLoader(MsgLoaderDevStarting, guildIDStr)
			createdCommands, err := client.Rest.SetGuildCommands(client.ApplicationID, guildID, commands)
			if err != nil {
				LogWarn(MsgLoaderDevFail, err)
			} else {
				for _, cmd := range createdCommands {
					LogLoader(MsgLoaderDevRegistered, cmd.Name())
				}
			}
		}

		if lastMode != currentMode || forceScan {
			if cmds, err := client.Rest.GetGlobalCommands(client.ApplicationID, false); err == nil && len(cmds) > 0 {
				LogLoader(MsgLoaderDevGlobalClear)
				if _, err = client.Rest.SetGlobalCommands(client.ApplicationID, []discord.ApplicationCommandCreate{}); err != nil {
					LogWarn(MsgLoaderDevClearFail, err)
				}
			}
		}

		if lastGuildID != "" && lastGuildID != guildIDStr {
			if oldID, err := snowflake.Parse(lastGuildID); err == nil {
				if cmds, err := client.Rest.GetGuildCommands(client.ApplicationID, oldID, false); err == nil && len(cmds) > 0 {
					LogLoader(MsgLoaderCleanup, lastGuildID)
					_, _ = client.Rest.SetGuildCommands(client.ApplicationID, oldID, []discord.ApplicationCommandCreate{})
				}
			}
		}

		if forceScan {
			clearStaleGuildCommands(client, guildID)
		}
	}

	_ = SetBotConfig(ctx, "last_reg_mode", currentMode)
	_ = SetBotConfig(ctx, "last_guild_id", guildIDStr)
	if currentHash != "" {
		_ = SetBotConfig(ctx, "last_cmd_hash", currentHash)
	}

	return nil
}

func clearStaleGuildCommands(client bot.Client, keep snowflake.ID) {
	LogLoader(MsgLoaderScanStarting)
	guilds, err := client.Rest.GetCurrentUserGuilds("", 0, 0, 100, false)
	if err != nil {
		return
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, 5)

	for _, g := range guilds {
		if g.ID == keep {
			continue
		}
		wg.Add(1)
		SafeGo(func() {
			func(guild discord.OAuth2Guild) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()

				if cmds, err := client.Rest.GetGuildCommands(client.ApplicationID, guild.ID, false); err == nil && len(cmds) > 0 {
					LogLoader(MsgLoaderScanCleared, guild.Name, guild.ID.String())
					_, _ = client.Rest.SetGuildCommands(client.ApplicationID, guild.ID, []discord.ApplicationCommandCreate{})
				}
			}(g)
		})
	}
	wg.Wait()
}

// --- Event Dispatch ---

func onReady(event *events.Ready) {
	client := *event.Client()
	botUser := event.User

	duration := time.Since(StartupTime)
	LogInfo(MsgBotReady, GetProjectName(), botUser.ID.String(), os.Getpid(), duration.Milliseconds())

	TriggerClientReady(AppContext, client)
	StartDaemons(AppContext)
}

func TriggerClientReady(ctx context.Context, client bot.Client) {
	for _, cb := range onClientReadyCallbacks {
		cb(ctx, client)
	}
}

func onApplicationCommandInteraction(event *events.ApplicationCommandInteractionCreate) {
	data := event.Data
	if h, ok := commandHandlers[data.CommandName()]; ok {
		SafeGo(func() { h(event) })
	}
}

func onAutocompleteInteraction(event *events.AutocompleteInteractionCreate) {
	data := event.Data
	if h, ok := autocompleteHandlers[data.CommandName]; ok {
		SafeGo(func() { h(event) })
	}
}

func onComponentInteraction(event *events.ComponentInteractionCreate) {
	customID := event.Data.CustomID()
	if h, ok := componentHandlers[customID]; ok {
		SafeGo(func() { h(event) })
		return
	}

	// Prefix match for handlers registered as "name:"
	for prefix, h := range componentHandlers {
		if strings.HasSuffix(prefix, ":") && strings.HasPrefix(customID, prefix) {
			SafeGo(func() { h(event) })
			return
		}
	}
}

func onVoiceStateUpdate(event *events.GuildVoiceStateUpdate) {
	for _, h := range voiceStateUpdateHandlers {
		SafeGo(func() { h(event) })
	}
}

// --- Daemons ---

type daemonEntry struct {
	starter func(ctx context.Context) (bool, func(), func())
	logger  func(format string, v ...any)
}

var registeredDaemons []daemonEntry
var activeShutdownHooks []func()
var activeShutdownMu sync.Mutex

// RegisterDaemon queues a background subsystem to start once the client is
// ready. The starter returns (active, run, shutdown).
func RegisterDaemon(logger func(format string, v ...any), starter func(ctx context.Context) (bool, func(), func())) {
	registeredDaemons = append(registeredDaemons, daemonEntry{starter: starter, logger: logger})
}

func StartDaemons(ctx context.Context) {
	daemonsOnce.Do(func() {
		type activeDaemon struct {
			entry daemonEntry
			run   func()
		}
		var active []activeDaemon

		for _, daemon := range registeredDaemons {
			if ok, run, shutdown := daemon.starter(ctx); ok && run != nil {
				if shutdown != nil {
					activeShutdownMu.Lock()
					activeShutdownHooks = append(activeShutdownHooks, shutdown)
					activeShutdownMu.Unlock()
				}
				active = append(active, activeDaemon{daemon, run})
			}
		}

		for _, ad := range active {
			ad.entry.logger(MsgDaemonStarting)
		}

		for _, ad := range active {
			SafeGo(ad.run)
		}
	})
}

func ShutdownDaemons(ctx context.Context) {
	activeShutdownMu.Lock()
	defer activeShutdownMu.Unlock()

	var wg sync.WaitGroup
	for _, shutdown := range activeShutdownHooks {
		if shutdown != nil {
			wg.Add(1)
			SafeGo(func() {
				func(s func()) {
					defer wg.Done()
					s()
				}(shutdown)
			})
		}
	}
	wg.Wait()
}

// SafeGo runs f on a new goroutine, recovering and logging any panic.
func SafeGo(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				LogError(MsgLoaderPanicRecovered, r)
				fmt.Printf("%s\n", debug.Stack())
			}
		}()
		f()
	}()
}
