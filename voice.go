package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// ============================================================================
// Voice System
// ============================================================================

const (
	MsgVoiceJoining       = "Joining channel %s in guild %s"
	MsgVoiceJoinRetry     = "Retrying voice connection in %v (Attempt %d/%d)"
	MsgVoiceJoinFailed    = "Failed to connect to voice in guild %s after %d attempts: %v"
	MsgVoiceAlreadyBound  = "Guild %s already has a live session, join satisfied"
	MsgVoiceQueued        = "Queued %s in guild %s at position %d"
	MsgVoiceQueueFull     = "queue is full (%d/%d tracks)"
	MsgVoiceTrackEnded    = "Track ended in guild %s, advancing queue"
	MsgVoiceQueueDrained  = "Queue drained in guild %s, leaving"
	MsgVoiceNextTrack     = "Next track in guild %s: %s"
	MsgVoiceStatusFail    = "Failed to update playing status for guild %s: %v"
	MsgVoicePlaybackFail  = "Playback failed in guild %s: %v"
	MsgVoiceHistoryFail   = "Failed to record history for guild %s: %v"
	MsgVoiceNotConnected  = "not connected to a voice channel"
	MsgVoiceRecordCleanup = "Deleting join record for guild %s after terminal failure"
)

const (
	joinMaxAttempts = 5
	joinBackoffCap  = 5000 * time.Millisecond
)

// ErrJoin is terminal: all join attempts were exhausted and the pending
// record must be deleted to stop retry amplification.
var ErrJoin = errors.New("voice join failed")

// SessionDriver is the voice-session engine boundary. The core only asks
// it what is live, tells it to join/leave, and hands it files to play;
// gateway and audio transport live behind it.
type SessionDriver interface {
	// GetLiveSession returns the channel the guild's session is bound
	// to, if one exists.
	GetLiveSession(guildID snowflake.ID) (snowflake.ID, bool)
	JoinChannel(ctx context.Context, guildID, channelID snowflake.ID) error
	LeaveGuild(ctx context.Context, guildID snowflake.ID)
	PlayFile(ctx context.Context, guildID snowflake.ID, path, title string) error
}

// VoiceSystem reconciles playback intent against live voice sessions.
type VoiceSystem struct {
	mu        sync.Mutex
	joinLocks map[snowflake.ID]*sync.Mutex
	driver    SessionDriver

	// sleep is swappable so backoff is observable in tests
	sleep func(time.Duration)
}

var (
	VoiceManager *VoiceSystem
	OnceVoice    sync.Once
)

// GetVoiceManager returns the singleton VoiceSystem instance
func GetVoiceManager() *VoiceSystem {
	OnceVoice.Do(func() {
		VoiceManager = &VoiceSystem{
			joinLocks: make(map[snowflake.ID]*sync.Mutex),
			sleep:     time.Sleep,
		}
	})
	return VoiceManager
}

func (vs *VoiceSystem) SetDriver(d SessionDriver) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.driver = d
}

func (vs *VoiceSystem) Driver() SessionDriver {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.driver
}

// guildLock returns the per-guild join mutex. The command path and the
// reconciler both funnel through it, so only one of them can be inside
// the check-live-session/join region for a guild at a time.
func (vs *VoiceSystem) guildLock(guildID snowflake.ID) *sync.Mutex {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	l, ok := vs.joinLocks[guildID]
	if !ok {
		l = &sync.Mutex{}
		vs.joinLocks[guildID] = l
	}
	return l
}

// JoinWithRetry connects the guild's session to the channel with capped
// exponential backoff. An existing live session in any channel satisfies
// the request; sessions are never force-moved. Exhausting all attempts
// returns ErrJoin and the caller must delete the pending record.
func (vs *VoiceSystem) JoinWithRetry(ctx context.Context, guildID, channelID snowflake.ID) error {
	lock := vs.guildLock(guildID)
	lock.Lock()
	defer lock.Unlock()

	driver := vs.Driver()
	if driver == nil {
		return fmt.Errorf("%w: no session driver", ErrJoin)
	}

	if _, ok := driver.GetLiveSession(guildID); ok {
		LogVoice(MsgVoiceAlreadyBound, guildID)
		return nil
	}

	LogVoice(MsgVoiceJoining, channelID, guildID)

	var lastErr error
	for i := range joinMaxAttempts {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 1000 * time.Millisecond
			if backoff > joinBackoffCap {
				backoff = joinBackoffCap
			}
			LogVoice(MsgVoiceJoinRetry, backoff, i+1, joinMaxAttempts)
			vs.sleep(backoff)
		}
		if err := driver.JoinChannel(ctx, guildID, channelID); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}

	if lastErr != nil {
		LogVoice(MsgVoiceJoinFailed, guildID, joinMaxAttempts, lastErr)
		return fmt.Errorf("%w: %v", ErrJoin, lastErr)
	}

	if err := UpsertVoiceConnection(ctx, guildID.String(), channelID.String()); err != nil {
		LogVoice(MsgVoiceStatusFail, guildID, err)
	}
	RecordMetric(MetricJoinSucceeded)
	return nil
}

// RequestJoin persists the join desire and attempts it directly; the
// reconciler picks the record up if the direct attempt loses a race or
// the process restarts. A terminal failure removes the record.
func (vs *VoiceSystem) RequestJoin(ctx context.Context, guildID, channelID snowflake.ID) error {
	if err := UpsertVoiceConnection(ctx, guildID.String(), channelID.String()); err != nil {
		return err
	}

	err := vs.JoinWithRetry(ctx, guildID, channelID)
	if errors.Is(err, ErrJoin) {
		LogVoice(MsgVoiceRecordCleanup, guildID)
		_ = DeleteVoiceConnection(ctx, guildID.String())
		RecordMetric(MetricJoinFailed)
	}
	return err
}

// RequestPlay appends a track to the guild's queue, records history, and
// kicks off the download. If the track landed at position 0 it also
// starts playback.
func (vs *VoiceSystem) RequestPlay(ctx context.Context, guildID snowflake.ID, url, title string, duration int, requesterID snowflake.ID) (*QueueEntry, error) {
	settings, err := GetGuildSettings(ctx, guildID.String())
	if err != nil {
		return nil, err
	}
	length, err := GetQueueLength(ctx, guildID.String())
	if err != nil {
		return nil, err
	}
	if settings.MaxQueueSize > 0 && length >= settings.MaxQueueSize {
		return nil, fmt.Errorf(MsgVoiceQueueFull, length, settings.MaxQueueSize)
	}

	entry, err := AddToQueue(ctx, guildID.String(), url, title, duration, requesterID.String())
	if err != nil {
		return nil, err
	}
	LogVoice(MsgVoiceQueued, url, guildID, entry.Position)
	RecordMetric(MetricTrackQueued)

	if err := AddQueueHistory(ctx, guildID.String(), requesterID.String(), url, title, duration); err != nil {
		LogVoice(MsgVoiceHistoryFail, guildID, err)
	}

	if entry.Position == 0 {
		safeGo(func() { vs.playCurrent(guildID) })
	} else {
		// The play status does not change for a queued track, so refresh
		// the session's activity clock explicitly.
		_ = UpdateLastActivity(ctx, guildID.String())
		// Warm the cache so the track is ready when its turn comes
		_, _ = SpawnDownload(url)
	}

	return entry, nil
}

// GetQueue returns the guild's queue in playback order.
func (vs *VoiceSystem) GetQueue(ctx context.Context, guildID snowflake.ID) ([]*QueueEntry, error) {
	return GetQueue(ctx, guildID.String())
}

// OnTrackEnd advances the queue when the playback engine reports the
// current track finished. An empty queue tears the session down; a
// non-empty one starts the next track. Status updates are best-effort
// and never block the advanced queue.
func (vs *VoiceSystem) OnTrackEnd(ctx context.Context, guildID snowflake.ID) error {
	LogVoice(MsgVoiceTrackEnded, guildID)
	RecordMetric(MetricTrackFinished)

	if err := AdvanceQueue(ctx, guildID.String()); err != nil {
		return err
	}

	next, err := GetCurrentTrack(ctx, guildID.String())
	if err != nil {
		return err
	}

	if next == nil {
		LogVoice(MsgVoiceQueueDrained, guildID)
		if driver := vs.Driver(); driver != nil {
			driver.LeaveGuild(ctx, guildID)
		}
		if err := UpdatePlayingStatus(ctx, guildID.String(), false, ""); err != nil {
			LogVoice(MsgVoiceStatusFail, guildID, err)
		}
		return nil
	}

	LogVoice(MsgVoiceNextTrack, guildID, next.Title)
	if err := UpdatePlayingStatus(ctx, guildID.String(), true, next.Title); err != nil {
		LogVoice(MsgVoiceStatusFail, guildID, err)
	}
	safeGo(func() { vs.playCurrent(guildID) })
	return nil
}

// Stop clears the guild's queue, tears the session down and removes
// the desire record so the reconciler does not rejoin.
func (vs *VoiceSystem) Stop(ctx context.Context, guildID snowflake.ID) error {
	if _, err := ClearGuildQueue(ctx, guildID.String()); err != nil {
		return err
	}
	if driver := vs.Driver(); driver != nil {
		driver.LeaveGuild(ctx, guildID)
	}
	return DeleteVoiceConnection(ctx, guildID.String())
}

// playCurrent downloads (or cache-hits) the position-0 track and hands
// the file to the session driver.
func (vs *VoiceSystem) playCurrent(guildID snowflake.ID) {
	ctx := context.Background()
	entry, err := GetCurrentTrack(ctx, guildID.String())
	if err != nil || entry == nil {
		return
	}

	title := entry.Title
	if title == "" {
		if t, err := ExtractTitle(ctx, entry.URL); err == nil {
			title = t
		}
	}

	_, handle := SpawnDownload(entry.URL)
	path, err := handle.Wait()
	if err != nil {
		LogVoice(MsgVoicePlaybackFail, guildID, err)
		return
	}

	if err := rememberCachedTrack(ctx, entry.URL, title, entry.Duration, path); err != nil {
		LogVoice(MsgVoiceStatusFail, guildID, err)
	}

	if err := UpdatePlayingStatus(ctx, guildID.String(), true, title); err != nil {
		LogVoice(MsgVoiceStatusFail, guildID, err)
	}

	driver := vs.Driver()
	if driver == nil {
		return
	}
	if err := driver.PlayFile(ctx, guildID, path, title); err != nil {
		LogVoice(MsgVoicePlaybackFail, guildID, err)
	}
}

// rememberCachedTrack refreshes the song-cache metadata row for a URL
// whose file just landed in the download cache.
func rememberCachedTrack(ctx context.Context, url, title string, duration int, path string) error {
	if existing, err := FindSongCache(ctx, url); err == nil && existing != nil {
		return TouchSongCache(ctx, url)
	}
	var size int64
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}
	if title == "" {
		title = url
	}
	return UpsertSongCache(ctx, &SongCacheEntry{
		URL:      url,
		Title:    title,
		Duration: duration,
		FilePath: path,
		FileSize: size,
	})
}
