package sys

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

var (
	// Level colors
	infoColor  = color.New()
	warnColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed)
	fatalColor = color.New(color.FgRed, color.Bold)

	// Component colors
	databaseColor = color.New(color.FgHiBlue)
	loaderColor   = color.New(color.FgHiBlack)
	playerColor   = color.New(color.FgMagenta)
	cacheColor    = color.New(color.FgGreen)
	resolverColor = color.New(color.FgHiYellow)
	pipelineColor = color.New(color.FgHiMagenta)

	// Global state
	DefaultTimeFormat = "15:04:05"
	IsSilent          = false
	LogToFile         = false
	Logger            *slog.Logger

	// Internal state
	logFile *os.File
	logMu   sync.Mutex
)

func init() {
	InitLogger(false, false)
}

// InitLogger initializes the global structured logger and returns the log
// filename if one was created.
func InitLogger(silent bool, saveToFile bool) string {
	logMu.Lock()
	defer logMu.Unlock()

	IsSilent = silent
	LogToFile = saveToFile
	level := slog.LevelInfo
	if strings.ToLower(os.Getenv("DEBUG")) == "true" {
		level = slog.LevelDebug
	}

	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}

	var writer io.Writer = os.Stdout
	var err error
	var logName string

	if LogToFile {
		exePath, exeErr := os.Executable()
		logName = GetProjectName() + ".log"
		if exeErr == nil {
			logName = filepath.Base(exePath) + ".log"
		}

		logFile, err = os.OpenFile(logName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open %s: %v\n", logName, err)
		} else {
			writer = io.MultiWriter(os.Stdout, NewStripANSIWriter(logFile))
		}
	}

	color.NoColor = false

	handler := NewBotLogHandler(writer, &BotLogHandlerOptions{
		Silent: IsSilent,
		Level:  level,
	})
	Logger = slog.New(handler)
	slog.SetDefault(Logger)

	return logName
}

func SetSilentMode(silent bool) {
	InitLogger(silent, LogToFile)
}

func LogInfo(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...))
}

func LogWarn(format string, v ...any) {
	slog.Warn(fmt.Sprintf(format, v...))
}

func LogError(format string, v ...any) {
	slog.Error(fmt.Sprintf(format, v...))
}

// LogFatal logs at a level above error and panics with the message so that
// deferred cleanup still runs; main recovers and exits.
func LogFatal(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	slog.Log(context.Background(), slog.LevelError+4, msg)
	panic(msg)
}

func LogDebug(format string, v ...any) {
	slog.Debug(fmt.Sprintf(format, v...))
}

func LogDatabase(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "database"))
}

func LogLoader(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "loader"))
}

func LogPlayer(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "player"))
}

func LogCache(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "cache"))
}

func LogResolver(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "resolver"))
}

func LogPipeline(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "pipeline"))
}

func LogCustom(tag string, format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", tag))
}

type BotLogHandlerOptions struct {
	Silent bool
	Level  slog.Leveler
}

type BotLogHandler struct {
	w    io.Writer
	opts *BotLogHandlerOptions
	mu   *sync.Mutex
}

func NewBotLogHandler(w io.Writer, opts *BotLogHandlerOptions) *BotLogHandler {
	if opts == nil {
		opts = &BotLogHandlerOptions{Level: slog.LevelInfo}
	}
	return &BotLogHandler{
		w:    w,
		opts: opts,
		mu:   &sync.Mutex{},
	}
}

func (h *BotLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.opts.Silent {
		return false
	}
	return level >= h.opts.Level.Level()
}

func (h *BotLogHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.opts.Silent {
		return nil
	}

	timeStr := time.Now().Format(DefaultTimeFormat)
	var levelStr string
	var levelColor *color.Color

	switch {
	case r.Level >= slog.LevelError+4:
		levelStr = "FATAL"
		levelColor = fatalColor
	case r.Level >= slog.LevelError:
		levelStr = "ERROR"
		levelColor = errorColor
	case r.Level >= slog.LevelWarn:
		levelStr = "WARN"
		levelColor = warnColor
	default:
		levelStr = "INFO"
		levelColor = infoColor
	}

	component := ""
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = strings.ToUpper(a.Value.String())
			return false
		}
		return true
	})

	fmt.Fprintf(h.w, "%s", timeStr)

	if component != "" {
		if levelStr != "INFO" {
			fmt.Fprintf(h.w, " %s", levelColor.Sprintf("[%s]", levelStr))
		}
		compColor := getComponentColor(component)
		fmt.Fprintf(h.w, " %s\n", colorizeWithResets(compColor, fmt.Sprintf("[%s] %s", component, r.Message)))
	} else {
		displayMsg := fmt.Sprintf("[%s] %s", levelStr, r.Message)
		if levelStr == "INFO" && strings.HasPrefix(r.Message, "[") {
			if idx := strings.Index(r.Message, "]"); idx > 0 && idx < 20 {
				displayMsg = r.Message
			}
		}
		fmt.Fprintf(h.w, " %s\n", colorizeWithResets(levelColor, displayMsg))
	}

	return nil
}

func (h *BotLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *BotLogHandler) WithGroup(name string) slog.Handler       { return h }

func getComponentColor(name string) *color.Color {
	switch name {
	case "DATABASE":
		return databaseColor
	case "LOADER":
		return loaderColor
	case "PLAYER":
		return playerColor
	case "CACHE":
		return cacheColor
	case "RESOLVER":
		return resolverColor
	case "PIPELINE":
		return pipelineColor
	default:
		return color.New(color.FgCyan)
	}
}

// colorizeWithResets ensures that if the text contains ANSI reset codes,
// the starting color of the Color object is re-applied after each reset.
func colorizeWithResets(c *color.Color, text string) string {
	if !strings.Contains(text, "\x1b[0m") {
		return c.Sprint(text)
	}

	marker := "@@@MSG@@@"
	wrapped := c.Sprint(marker)
	idx := strings.Index(wrapped, marker)
	if idx <= 0 {
		return text
	}
	startSeq := wrapped[:idx]

	modifiedText := strings.ReplaceAll(text, "\x1b[0m", "\x1b[0m"+startSeq)
	return c.Sprint(modifiedText)
}

type StripANSIWriter struct {
	w  io.Writer
	re *regexp.Regexp
}

func NewStripANSIWriter(w io.Writer) *StripANSIWriter {
	return &StripANSIWriter{
		w:  w,
		re: regexp.MustCompile(`\x1b\[[0-9;]*m`),
	}
}

func (s *StripANSIWriter) Write(p []byte) (n int, err error) {
	clean := s.re.ReplaceAll(p, nil)
	if _, err := s.w.Write(clean); err != nil {
		return 0, err
	}
	return len(p), nil
}

// ============================================================================
// Message Constants
// ============================================================================

const (
	// Configuration
	MsgConfigFailedToLoad   = "Failed to load config: %v"
	MsgConfigMissingToken   = "DISCORD_TOKEN is not set in .env file"
	MsgConfigInvalidGuildID = "invalid GUILD_ID: must be a valid Snowflake"

	// Data layer
	MsgDatabaseInitSuccess = "Database initialized successfully"
	MsgDatabaseTableError  = "Failed to create table: %w"
	MsgDatabasePragmaError = "Failed to set pragma %s: %w"

	// Command Registry
	MsgLoaderSyncCommands   = "Syncing commands (%s mode)..."
	MsgLoaderUpToDate       = "Commands up to date (hash %s)"
	MsgLoaderProdStarting   = "Registering commands globally..."
	MsgLoaderProdFail       = "failed to register global commands: %w"
	MsgLoaderProdRegistered = "Registered global command: %s"
	MsgLoaderDevStarting    = "Registering commands to guild: %s"
	MsgLoaderDevFail        = "Failed to register guild commands: %v"
	MsgLoaderDevRegistered  = "Registered guild command: %s"
	MsgLoaderDevGlobalClear = "Clearing global commands..."
	MsgLoaderDevClearFail   = "Failed to clear global commands: %v"
	MsgLoaderScanStarting   = "Scanning guilds for stale commands..."
	MsgLoaderScanCleared    = "Cleared stale commands in %s (%s)"
	MsgLoaderCleanup        = "Cleaning up commands in previous guild %s"
	MsgLoaderInvalidGuildID = "invalid guild ID: %w"
	MsgLoaderPanicRecovered = "Recovered from panic in goroutine: %v"

	// Bot Lifecycle
	MsgBotStarting      = "Starting %s..."
	MsgBotReady         = "%s is ready! (ID: %s) (PID: %d) (%dms)"
	MsgBotShutdown      = "Shutting down %s..."
	MsgBotKillingOld    = "Killing running instance... (PID: %d)"
	MsgBotOldTerminated = "Old instance terminated."
	MsgDaemonStarting   = "Starting..."
	MsgGenericError     = "%v"

	// Bot control commands
	MsgBotRebootCommanded   = "Reboot commanded by %s (%s)"
	MsgBotShutdownCommanded = "Shutdown commanded by %s (%s)"
	MsgBotRebooting         = "♻️ Rebooting..."
	MsgBotShuttingDown      = "🛑 Shutting down..."
	MsgBotRebootBuilding    = "🔨 Rebuilding binary..."
	MsgBotRebootBuildFail   = "❌ Build failed:\n```\n%s```"
	MsgBotRebootBuildOK     = "✅ Build succeeded."
)
