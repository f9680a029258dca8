package sys

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variable names.
const (
	EnvDiscordToken   = "DISCORD_TOKEN"
	EnvGuildID        = "GUILD_ID"
	EnvDatabasePath   = "DATABASE_PATH"
	EnvCacheDir       = "CACHE_DIR"
	EnvCacheLimitMB   = "CACHE_LIMIT_MB"
	EnvVolume         = "VOLUME"
	EnvSkipSegments   = "SKIP_SEGMENTS"
	EnvSegmentsAPIURL = "SEGMENTS_API_URL"
	EnvOwnerIDs       = "OWNER_IDS"
	EnvSilent         = "SILENT"
)

type Config struct {
	Token        string
	GuildID      string
	DatabasePath string
	OwnerIDs     []string
	Silent       bool

	// Playback knobs handed down to the engine as explicit options.
	CacheDir       string
	CacheLimit     int64 // bytes
	DefaultVolume  int   // percent, 0..200
	SkipSegments   bool
	SegmentsAPIURL string
}

var GlobalConfig *Config

// LoadConfig initializes the configuration from environment variables.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	dbPath := os.Getenv(EnvDatabasePath)
	if dbPath == "" {
		dbPath = filepath.Join(".", GetProjectName()+".db")
	}

	cacheDir := os.Getenv(EnvCacheDir)
	if cacheDir == "" {
		cacheDir = "./cache"
	}

	cacheLimitMB, _ := strconv.ParseInt(os.Getenv(EnvCacheLimitMB), 10, 64)
	if cacheLimitMB <= 0 {
		cacheLimitMB = 512
	}

	volume, _ := strconv.Atoi(os.Getenv(EnvVolume))
	if volume == 0 {
		volume = 100
	}
	if volume < 0 {
		volume = 0
	}
	if volume > 200 {
		volume = 200
	}

	skipSegments := true
	if v := os.Getenv(EnvSkipSegments); v != "" {
		skipSegments, _ = strconv.ParseBool(v)
	}

	segmentsURL := os.Getenv(EnvSegmentsAPIURL)
	if segmentsURL == "" {
		segmentsURL = "https://sponsor.ajay.app"
	}

	silent, _ := strconv.ParseBool(os.Getenv(EnvSilent))

	ownerIDsStr := os.Getenv(EnvOwnerIDs)
	var ownerIDs []string
	if ownerIDsStr != "" {
		ownerIDs = strings.Split(ownerIDsStr, ",")
		for i := range ownerIDs {
			ownerIDs[i] = strings.TrimSpace(ownerIDs[i])
		}
	}

	cfg := &Config{
		Token:          os.Getenv(EnvDiscordToken),
		GuildID:        os.Getenv(EnvGuildID),
		DatabasePath:   fmt.Sprintf("%s?_journal_mode=WAL&_timeout=5000", dbPath),
		OwnerIDs:       ownerIDs,
		Silent:         silent,
		CacheDir:       cacheDir,
		CacheLimit:     cacheLimitMB * 1024 * 1024,
		DefaultVolume:  volume,
		SkipSegments:   skipSegments,
		SegmentsAPIURL: segmentsURL,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Silent {
		SetSilentMode(true)
	}

	GlobalConfig = cfg
	return cfg, nil
}

// Validate ensures the configuration is valid and meets requirements.
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf(MsgConfigMissingToken)
	}

	// Basic Snowflake validation for GuildID if provided
	if c.GuildID != "" && (len(c.GuildID) < 17 || len(c.GuildID) > 20) {
		return fmt.Errorf(MsgConfigInvalidGuildID)
	}

	return nil
}

// GetProjectName resolves the binary name, falling back to the module name.
func GetProjectName() string {
	exePath, err := os.Executable()
	projectName := "hibiki"
	if err == nil {
		projectName = filepath.Base(exePath)
		projectName = strings.TrimSuffix(projectName, ".exe")

		if projectName == "main" || strings.HasPrefix(projectName, "go_build_") {
			if modData, err := os.ReadFile("go.mod"); err == nil {
				lines := strings.Split(string(modData), "\n")
				if len(lines) > 0 && strings.HasPrefix(lines[0], "module ") {
					parts := strings.Split(lines[0], "/")
					projectName = strings.TrimSpace(parts[len(parts)-1])
				}
			}
		}
	}
	return projectName
}
