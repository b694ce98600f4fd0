package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// ============================================================================
// Database Constants
// ============================================================================

const (
	MsgDatabaseInitSuccess = "Database initialized successfully"
	MsgDatabaseTableError  = "Failed to create table: %w"
	MsgDatabasePragmaError = "Failed to set pragma %s: %w"
)

// --- Phase 1: Database Connection & Lifecycle ---

var DB *sql.DB

func InitDatabase(ctx context.Context, dataSourceName string) error {
	_ = sqlite3.SQLiteDriver{}

	var err error
	DB, err = sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return err
	}

	DB.SetMaxOpenConns(5)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA cache_size=-2000;",
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, p := range pragmas {
		if _, err := DB.ExecContext(initCtx, p); err != nil {
			return fmt.Errorf(MsgDatabasePragmaError, p, err)
		}
	}

	tx, err := DB.BeginTx(initCtx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tableQueries := []string{
		`CREATE TABLE IF NOT EXISTS current_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			guild_id TEXT NOT NULL,
			url TEXT NOT NULL,
			title TEXT,
			duration INTEGER,
			position INTEGER NOT NULL,
			added_by TEXT NOT NULL,
			added_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS voice_connections (
			guild_id TEXT PRIMARY KEY,
			channel_id TEXT,
			connected_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_activity DATETIME DEFAULT CURRENT_TIMESTAMP,
			current_track_title TEXT,
			is_playing INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS song_cache (
			url TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			duration INTEGER,
			thumbnail_url TEXT,
			file_path TEXT,
			file_size INTEGER,
			last_accessed DATETIME DEFAULT CURRENT_TIMESTAMP,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS queue_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			guild_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			url TEXT NOT NULL,
			title TEXT,
			duration INTEGER,
			played_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS guild_settings (
			guild_id TEXT PRIMARY KEY,
			default_volume INTEGER DEFAULT 50,
			auto_disconnect_minutes INTEGER DEFAULT 5,
			max_queue_size INTEGER DEFAULT 100,
			allowed_roles TEXT,
			blocked_domains TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS bot_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_current_queue_guild ON current_queue(guild_id, position)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_history_guild ON queue_history(guild_id, played_at)`,
	}

	for _, q := range tableQueries {
		if _, err := tx.ExecContext(initCtx, q); err != nil {
			return fmt.Errorf(MsgDatabaseTableError, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	LogDatabase(MsgDatabaseInitSuccess)
	return nil
}

func CloseDatabase() {
	if DB != nil {
		DB.Close()
	}
}

// --- Phase 2: Infrastructure & Bot Persistence ---

// BotConfig helpers are used by the loader for mode tracking and state.
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
		INSERT INTO bot_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// --- Phase 3: Playback Queue ---

type QueueEntry struct {
	ID       int64
	GuildID  string
	URL      string
	Title    string
	Duration int
	Position int
	AddedBy  string
	AddedAt  time.Time
}

// AddToQueue appends an entry at the next free position for the guild.
// Position assignment and insert run in one transaction so two
// concurrent adds cannot claim the same position.
func AddToQueue(ctx context.Context, guildID, url, title string, duration int, addedBy string) (*QueueEntry, error) {
	tx, err := DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var position int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(position) + 1, 0) FROM current_queue WHERE guild_id = ?
	`, guildID).Scan(&position)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO current_queue (guild_id, url, title, duration, position, added_by)
		VALUES (?, ?, ?, ?, ?, ?)
	`, guildID, url, nullString(title), nullInt(duration), position, addedBy)
	if err != nil {
		return nil, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &QueueEntry{
		ID:       id,
		GuildID:  guildID,
		URL:      url,
		Title:    title,
		Duration: duration,
		Position: position,
		AddedBy:  addedBy,
		AddedAt:  time.Now().UTC(),
	}, nil
}

// GetQueue returns all entries for the guild in playback order.
func GetQueue(ctx context.Context, guildID string) ([]*QueueEntry, error) {
	rows, err := DB.QueryContext(ctx, `
		SELECT id, guild_id, url, title, duration, position, added_by, added_at
		FROM current_queue WHERE guild_id = ? ORDER BY position ASC
	`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		e := &QueueEntry{}
		var title sql.NullString
		var duration sql.NullInt64
		if err := rows.Scan(&e.ID, &e.GuildID, &e.URL, &title, &duration, &e.Position, &e.AddedBy, &e.AddedAt); err != nil {
			return nil, err
		}
		e.Title = title.String
		e.Duration = int(duration.Int64)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AdvanceQueue removes the position-0 entry and shifts the rest down.
// Delete and shift run inside one transaction so a concurrent read never
// observes a gapped position sequence.
func AdvanceQueue(ctx context.Context, guildID string) error {
	tx, err := DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM current_queue WHERE guild_id = ? AND position = 0
	`, guildID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE current_queue SET position = position - 1 WHERE guild_id = ?
	`, guildID); err != nil {
		return err
	}

	return tx.Commit()
}

// GetCurrentTrack returns the entry at position 0, or nil if the queue is empty.
func GetCurrentTrack(ctx context.Context, guildID string) (*QueueEntry, error) {
	e := &QueueEntry{}
	var title sql.NullString
	var duration sql.NullInt64
	err := DB.QueryRowContext(ctx, `
		SELECT id, guild_id, url, title, duration, position, added_by, added_at
		FROM current_queue WHERE guild_id = ? AND position = 0
	`, guildID).Scan(&e.ID, &e.GuildID, &e.URL, &title, &duration, &e.Position, &e.AddedBy, &e.AddedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Title = title.String
	e.Duration = int(duration.Int64)
	return e, nil
}

func GetQueueLength(ctx context.Context, guildID string) (int, error) {
	var count int
	err := DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM current_queue WHERE guild_id = ?", guildID).Scan(&count)
	return count, err
}

func GetTotalQueueLength(ctx context.Context) (int, error) {
	var count int
	err := DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM current_queue").Scan(&count)
	return count, err
}

func ClearGuildQueue(ctx context.Context, guildID string) (int64, error) {
	res, err := DB.ExecContext(ctx, "DELETE FROM current_queue WHERE guild_id = ?", guildID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Phase 4: Voice Connection Records ---

// VoiceConnectionRecord doubles as a join desire (channel id set, record
// fresh) and as observed session state once the reconciler confirms it.
// IDs stay as raw text here; the reconciler parses them and skips records
// it cannot parse.
type VoiceConnectionRecord struct {
	GuildID           string
	ChannelID         string
	ConnectedAt       time.Time
	LastActivity      time.Time
	CurrentTrackTitle string
	IsPlaying         bool
}

func UpsertVoiceConnection(ctx context.Context, guildID, channelID string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO voice_connections (guild_id, channel_id, connected_at, last_activity)
		VALUES (?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(guild_id) DO UPDATE SET
			channel_id = excluded.channel_id,
			last_activity = CURRENT_TIMESTAMP
	`, guildID, nullString(channelID))
	return err
}

func GetVoiceConnection(ctx context.Context, guildID string) (*VoiceConnectionRecord, error) {
	r := &VoiceConnectionRecord{}
	var channelID, title sql.NullString
	err := DB.QueryRowContext(ctx, `
		SELECT guild_id, channel_id, connected_at, last_activity, current_track_title, is_playing
		FROM voice_connections WHERE guild_id = ?
	`, guildID).Scan(&r.GuildID, &channelID, &r.ConnectedAt, &r.LastActivity, &title, &r.IsPlaying)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.ChannelID = channelID.String
	r.CurrentTrackTitle = title.String
	return r, nil
}

// GetPendingJoins returns every record that still names a target channel.
func GetPendingJoins(ctx context.Context) ([]*VoiceConnectionRecord, error) {
	rows, err := DB.QueryContext(ctx, `
		SELECT guild_id, channel_id, connected_at, last_activity, current_track_title, is_playing
		FROM voice_connections WHERE channel_id IS NOT NULL
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*VoiceConnectionRecord
	for rows.Next() {
		r := &VoiceConnectionRecord{}
		var channelID, title sql.NullString
		if err := rows.Scan(&r.GuildID, &channelID, &r.ConnectedAt, &r.LastActivity, &title, &r.IsPlaying); err != nil {
			return nil, err
		}
		r.ChannelID = channelID.String
		r.CurrentTrackTitle = title.String
		records = append(records, r)
	}
	return records, rows.Err()
}

func UpdatePlayingStatus(ctx context.Context, guildID string, isPlaying bool, trackTitle string) error {
	_, err := DB.ExecContext(ctx, `
		UPDATE voice_connections
		SET is_playing = ?, current_track_title = ?, last_activity = CURRENT_TIMESTAMP
		WHERE guild_id = ?
	`, isPlaying, nullString(trackTitle), guildID)
	return err
}

func UpdateLastActivity(ctx context.Context, guildID string) error {
	_, err := DB.ExecContext(ctx, `
		UPDATE voice_connections SET last_activity = CURRENT_TIMESTAMP WHERE guild_id = ?
	`, guildID)
	return err
}

func DeleteVoiceConnection(ctx context.Context, guildID string) error {
	_, err := DB.ExecContext(ctx, "DELETE FROM voice_connections WHERE guild_id = ?", guildID)
	return err
}

func ClearAllVoiceConnections(ctx context.Context) error {
	_, err := DB.ExecContext(ctx, "DELETE FROM voice_connections")
	return err
}

func CountVoiceConnections(ctx context.Context) (int, error) {
	var count int
	err := DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM voice_connections").Scan(&count)
	return count, err
}

// --- Phase 5: Song Cache Metadata ---

type SongCacheEntry struct {
	URL          string
	Title        string
	Duration     int
	ThumbnailURL string
	FilePath     string
	FileSize     int64
	LastAccessed time.Time
	CreatedAt    time.Time
}

func UpsertSongCache(ctx context.Context, e *SongCacheEntry) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO song_cache (url, title, duration, thumbnail_url, file_path, file_size, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(url) DO UPDATE SET
			title = excluded.title,
			duration = excluded.duration,
			thumbnail_url = excluded.thumbnail_url,
			file_path = excluded.file_path,
			file_size = excluded.file_size,
			last_accessed = CURRENT_TIMESTAMP
	`, e.URL, e.Title, nullInt(e.Duration), nullString(e.ThumbnailURL), nullString(e.FilePath), e.FileSize)
	return err
}

func FindSongCache(ctx context.Context, url string) (*SongCacheEntry, error) {
	e := &SongCacheEntry{}
	var duration sql.NullInt64
	var thumb, path sql.NullString
	var size sql.NullInt64
	err := DB.QueryRowContext(ctx, `
		SELECT url, title, duration, thumbnail_url, file_path, file_size, last_accessed, created_at
		FROM song_cache WHERE url = ?
	`, url).Scan(&e.URL, &e.Title, &duration, &thumb, &path, &size, &e.LastAccessed, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Duration = int(duration.Int64)
	e.ThumbnailURL = thumb.String
	e.FilePath = path.String
	e.FileSize = size.Int64
	return e, nil
}

func TouchSongCache(ctx context.Context, url string) error {
	_, err := DB.ExecContext(ctx, `
		UPDATE song_cache SET last_accessed = CURRENT_TIMESTAMP WHERE url = ?
	`, url)
	return err
}

// CleanupSongCache drops metadata rows not touched within the retention
// window. File removal is the caller's concern.
func CleanupSongCache(ctx context.Context, retentionDays int) (int64, error) {
	res, err := DB.ExecContext(ctx, `
		DELETE FROM song_cache WHERE last_accessed < datetime('now', ?)
	`, fmt.Sprintf("-%d days", retentionDays))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Phase 6: Queue History ---

type HistoryEntry struct {
	ID       int64
	GuildID  string
	UserID   string
	URL      string
	Title    string
	Duration int
	PlayedAt time.Time
}

func AddQueueHistory(ctx context.Context, guildID, userID, url, title string, duration int) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO queue_history (guild_id, user_id, url, title, duration)
		VALUES (?, ?, ?, ?, ?)
	`, guildID, userID, url, nullString(title), nullInt(duration))
	return err
}

func RecentHistoryForGuild(ctx context.Context, guildID string, limit int) ([]*HistoryEntry, error) {
	rows, err := DB.QueryContext(ctx, `
		SELECT id, guild_id, user_id, url, title, duration, played_at
		FROM queue_history WHERE guild_id = ? ORDER BY played_at DESC LIMIT ?
	`, guildID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		e := &HistoryEntry{}
		var title sql.NullString
		var duration sql.NullInt64
		if err := rows.Scan(&e.ID, &e.GuildID, &e.UserID, &e.URL, &title, &duration, &e.PlayedAt); err != nil {
			return nil, err
		}
		e.Title = title.String
		e.Duration = int(duration.Int64)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func CleanupQueueHistory(ctx context.Context, retentionDays int) (int64, error) {
	res, err := DB.ExecContext(ctx, `
		DELETE FROM queue_history WHERE played_at < datetime('now', ?)
	`, fmt.Sprintf("-%d days", retentionDays))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Phase 7: Guild Settings ---

type GuildSettings struct {
	GuildID               string
	DefaultVolume         int
	AutoDisconnectMinutes int
	MaxQueueSize          int
	AllowedRoles          string
	BlockedDomains        string
}

// GetGuildSettings returns the stored settings for the guild, creating the
// row with defaults on first access.
func GetGuildSettings(ctx context.Context, guildID string) (*GuildSettings, error) {
	_, err := DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO guild_settings (guild_id) VALUES (?)
	`, guildID)
	if err != nil {
		return nil, err
	}

	s := &GuildSettings{}
	var roles, domains sql.NullString
	err = DB.QueryRowContext(ctx, `
		SELECT guild_id, default_volume, auto_disconnect_minutes, max_queue_size, allowed_roles, blocked_domains
		FROM guild_settings WHERE guild_id = ?
	`, guildID).Scan(&s.GuildID, &s.DefaultVolume, &s.AutoDisconnectMinutes, &s.MaxQueueSize, &roles, &domains)
	if err != nil {
		return nil, err
	}
	s.AllowedRoles = roles.String
	s.BlockedDomains = domains.String
	return s, nil
}

// --- Helpers ---

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(i int) any {
	if i == 0 {
		return nil
	}
	return i
}
