package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leeineian/hibiki/home"
	"github.com/leeineian/hibiki/proc"
	"github.com/leeineian/hibiki/sys"
)

func main() {
	// Recover from panics (LogFatal uses panic so deferred cleanup runs)
	defer func() {
		if r := recover(); r != nil {
			if msg, ok := r.(string); ok {
				fmt.Fprintf(os.Stderr, "\n[FATAL] %s\n", msg)
				os.Exit(1)
			}
			panic(r)
		}
	}()

	cfg, err := sys.LoadConfig()
	if err != nil {
		sys.LogError(sys.MsgConfigFailedToLoad, err)
	}

	silent := flag.Bool("silent", false, "Disable all log output")
	skipReg := flag.Bool("skip-reg", false, "Skip command registration")
	clearAll := flag.Bool("clear-all", false, "Force clear guild commands (scan all guilds)")
	flag.Parse()

	sys.InitLogger(*silent, true)

	sys.LogInfo(sys.MsgBotStarting, sys.GetProjectName())

	// Single-instance lock. A second start takes over from the old process.
	f, err := os.OpenFile(".bot.pid", os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		sys.LogFatal("Failed to open PID file: %v", err)
	}
	defer f.Close()

	for {
		err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}
		if err != syscall.EWOULDBLOCK {
			sys.LogFatal("Failed to lock PID file: %v", err)
		}

		var oldPid int
		_, _ = f.Seek(0, 0)
		if _, scanErr := fmt.Fscanf(f, "%d", &oldPid); scanErr != nil {
			time.Sleep(100 * time.Millisecond)
			_ = f.Close()
			f, _ = os.OpenFile(".bot.pid", os.O_RDWR|os.O_CREATE, 0644)
			continue
		}
		if oldPid == os.Getpid() {
			break
		}

		process, procErr := os.FindProcess(oldPid)
		if procErr != nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		sys.LogInfo(sys.MsgBotKillingOld, oldPid)
		_ = process.Signal(syscall.SIGTERM)

		terminated := false
		for range 50 {
			if err := process.Signal(syscall.Signal(0)); err != nil {
				terminated = true
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
		if !terminated {
			sys.LogWarn("Old process %d is stubborn. Sending SIGKILL...", oldPid)
			_ = process.Signal(syscall.SIGKILL)
			time.Sleep(200 * time.Millisecond)
		}
		sys.LogInfo(sys.MsgBotOldTerminated)
	}

	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d", os.Getpid())
	_ = f.Sync()

	defer func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = os.Remove(".bot.pid")
	}()

	if err := run(cfg, *silent, *skipReg, *clearAll); err != nil {
		sys.LogFatal(sys.MsgGenericError, err)
	}

	if sys.RestartRequested {
		sys.LogInfo("Self-restarting process...")
		// syscall.Exec skips defers, so release the lock by hand.
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		_ = os.Remove(".bot.pid")

		// -skip-reg avoids re-registering commands on every reboot.
		args := os.Args
		hasSkipReg := false
		for _, arg := range args {
			if arg == "-skip-reg" {
				hasSkipReg = true
				break
			}
		}
		if !hasSkipReg {
			args = append(args, "-skip-reg")
		}

		exePath, err := os.Executable()
		if err != nil {
			sys.LogFatal("Failed to resolve executable path: %v", err)
		}
		if err := syscall.Exec(exePath, args, os.Environ()); err != nil {
			sys.LogFatal("Failed to re-execute: %v", err)
		}
	}
}

func run(cfg *sys.Config, silent bool, skipReg bool, clearAll bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	sys.SetAppContext(ctx)

	if cfg == nil {
		var err error
		cfg, err = sys.LoadConfig()
		if err != nil {
			return fmt.Errorf(sys.MsgConfigFailedToLoad, err)
		}
	}

	if err := sys.InitDatabase(ctx, cfg.DatabasePath); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer sys.CloseDatabase()

	// Playback engine. Caches first, then the resolver stack, then the
	// manager that ties them together.
	files, err := proc.NewFileCache(sys.DB, cfg.CacheDir, cfg.CacheLimit)
	if err != nil {
		return fmt.Errorf("failed to prepare audio cache: %w", err)
	}
	kv, err := proc.NewKeyValueCache(sys.DB)
	if err != nil {
		return fmt.Errorf("failed to prepare metadata cache: %w", err)
	}
	resolver := proc.NewResolver(kv)
	segments := proc.NewSegmentAPI(kv, cfg.SegmentsAPIURL, cfg.SkipSegments)

	manager := proc.NewPlayerManager(proc.ManagerOptions{
		DB:            sys.DB,
		Resolver:      resolver,
		Segments:      segments,
		Files:         files,
		DefaultVolume: cfg.DefaultVolume,
		SkipSegments:  cfg.SkipSegments,
	})
	home.Bind(manager, resolver, files)

	registerMetadataSweeper(kv)

	client, err := sys.CreateClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create Discord client: %w", err)
	}
	defer client.Close(ctx)

	if !skipReg {
		if err := sys.RegisterCommands(client, cfg.GuildID, clearAll); err != nil {
			sys.LogError("Command registration failed: %v", err)
		}
	} else {
		sys.LogInfo("Skipping command registration as requested.")
	}

	if err := client.OpenGateway(ctx); err != nil {
		return fmt.Errorf("failed to open gateway: %w", err)
	}

	<-ctx.Done()
	if !silent {
		fmt.Println()
	}

	// Players first so voice connections and cache writers close cleanly,
	// then the daemons.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	manager.Shutdown(shutdownCtx)

	sys.LogInfo("Shutting down all daemons...")
	sys.ShutdownDaemons(shutdownCtx)

	if botUser, ok := client.Caches.SelfUser(); ok {
		sys.LogInfo(sys.MsgBotShutdown, botUser.Username)
	} else {
		sys.LogInfo(sys.MsgBotShutdown, sys.GetProjectName())
	}
	return nil
}

// registerMetadataSweeper drops expired metadata rows every ten minutes.
func registerMetadataSweeper(kv *proc.KeyValueCache) {
	sys.RegisterDaemon(sys.LogCache, func(ctx context.Context) (bool, func(), func()) {
		stop := make(chan struct{})

		run := func() {
			ticker := time.NewTicker(10 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-stop:
					return
				case <-ticker.C:
					if n, err := kv.Sweep(ctx); err != nil {
						sys.LogCache("Sweep failed: %v", err)
					} else if n > 0 {
						sys.LogCache("Swept %d expired entries", n)
					}
				}
			}
		}
		shutdown := func() {
			close(stop)
		}
		return true, run, shutdown
	})
}
