package sys

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var DB *sql.DB

// OpenDatabase opens a SQLite database at the given DSN, applies the
// runtime pragmas and migrates the schema. The handle is returned for
// injection into the engine; the bot process additionally keeps it in the
// package global via InitDatabase.
func OpenDatabase(ctx context.Context, dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(5)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA cache_size=-2000;",
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, p := range pragmas {
		if _, err := db.ExecContext(initCtx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf(MsgDatabasePragmaError, p, err)
		}
	}

	tx, err := db.BeginTx(initCtx, nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	defer tx.Rollback()

	tableQueries := []string{
		`CREATE TABLE IF NOT EXISTS bot_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS guild_settings (
			guild_id TEXT PRIMARY KEY,
			default_volume INTEGER NOT NULL DEFAULT 100,
			wait_after_empty_seconds INTEGER NOT NULL DEFAULT 30,
			playlist_limit INTEGER NOT NULL DEFAULT 50,
			autoplay INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS kv_cache (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_kv_cache_expires_at ON kv_cache(expires_at)`,
		`CREATE TABLE IF NOT EXISTS file_cache (
			key TEXT PRIMARY KEY,
			size INTEGER NOT NULL,
			accessed_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_file_cache_accessed_at ON file_cache(accessed_at)`,
	}

	for _, q := range tableQueries {
		if _, err := tx.ExecContext(initCtx, q); err != nil {
			db.Close()
			return nil, fmt.Errorf(MsgDatabaseTableError, err)
		}
	}

	if err := tx.Commit(); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// InitDatabase opens the process-wide database handle.
func InitDatabase(ctx context.Context, dataSourceName string) error {
	db, err := OpenDatabase(ctx, dataSourceName)
	if err != nil {
		return err
	}
	DB = db
	LogDatabase(MsgDatabaseInitSuccess)
	return nil
}

func CloseDatabase() {
	if DB != nil {
		_ = DB.Close()
		DB = nil
	}
}

// --- Bot state (loader bookkeeping) ---

func GetBotConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := DB.QueryRowContext(ctx, "SELECT value FROM bot_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func SetBotConfig(ctx context.Context, key, value string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO bot_config (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value)
	return err
}

// --- Guild settings ---

// GuildSettings are the per-guild knobs that affect playback.
type GuildSettings struct {
	GuildID               string
	DefaultVolume         int
	WaitAfterEmptySeconds int
	PlaylistLimit         int
	Autoplay              bool
}

// DefaultGuildSettings returns the settings used for guilds with no row.
func DefaultGuildSettings(guildID string, defaultVolume int) *GuildSettings {
	return &GuildSettings{
		GuildID:               guildID,
		DefaultVolume:         defaultVolume,
		WaitAfterEmptySeconds: 30,
		PlaylistLimit:         50,
	}
}

// GetGuildSettings reads a guild's settings, falling back to defaults when
// the guild has never been configured.
func GetGuildSettings(ctx context.Context, db *sql.DB, guildID string, defaultVolume int) (*GuildSettings, error) {
	s := DefaultGuildSettings(guildID, defaultVolume)
	var autoplay int
	err := db.QueryRowContext(ctx, `
		SELECT default_volume, wait_after_empty_seconds, playlist_limit, autoplay
		FROM guild_settings WHERE guild_id = ?`, guildID).
		Scan(&s.DefaultVolume, &s.WaitAfterEmptySeconds, &s.PlaylistLimit, &autoplay)
	if err == sql.ErrNoRows {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	s.Autoplay = autoplay != 0
	return s, nil
}

func setGuildSetting(ctx context.Context, db *sql.DB, guildID, column string, value any) error {
	query := fmt.Sprintf(`
		INSERT INTO guild_settings (guild_id, %s, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(guild_id) DO UPDATE SET %s = excluded.%s, updated_at = CURRENT_TIMESTAMP`,
		column, column, column)
	_, err := db.ExecContext(ctx, query, guildID, value)
	return err
}

func SetGuildVolume(ctx context.Context, db *sql.DB, guildID string, volume int) error {
	return setGuildSetting(ctx, db, guildID, "default_volume", volume)
}

func SetGuildWaitAfterEmpty(ctx context.Context, db *sql.DB, guildID string, seconds int) error {
	return setGuildSetting(ctx, db, guildID, "wait_after_empty_seconds", seconds)
}

func SetGuildPlaylistLimit(ctx context.Context, db *sql.DB, guildID string, limit int) error {
	return setGuildSetting(ctx, db, guildID, "playlist_limit", limit)
}

func SetGuildAutoplay(ctx context.Context, db *sql.DB, guildID string, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	return setGuildSetting(ctx, db, guildID, "autoplay", v)
}
