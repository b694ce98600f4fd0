package main

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	// Shared cache keeps the pool's connections on one in-memory database
	require.NoError(t, InitDatabase(context.Background(), "file::memory:?cache=shared"))
	t.Cleanup(CloseDatabase)
}

func TestAddToQueueAssignsContiguousPositions(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	for i, url := range []string{"https://a", "https://b", "https://c"} {
		e, err := AddToQueue(ctx, "g1", url, "t", 0, "u1")
		require.NoError(t, err)
		assert.Equal(t, i, e.Position)
	}

	queue, err := GetQueue(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, queue, 3)
	for i, e := range queue {
		assert.Equal(t, i, e.Position)
	}
}

func TestQueuesAreIndependentPerGuild(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	_, err := AddToQueue(ctx, "g1", "https://a", "t", 0, "u1")
	require.NoError(t, err)
	e, err := AddToQueue(ctx, "g2", "https://b", "t", 0, "u1")
	require.NoError(t, err)

	assert.Equal(t, 0, e.Position)
	n, err := GetQueueLength(ctx, "g2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAdvanceQueueShiftsPositionsDown(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	for _, url := range []string{"https://a", "https://b", "https://c"} {
		_, err := AddToQueue(ctx, "g1", url, "t", 0, "u1")
		require.NoError(t, err)
	}

	require.NoError(t, AdvanceQueue(ctx, "g1"))

	queue, err := GetQueue(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, "https://b", queue[0].URL)
	assert.Equal(t, 0, queue[0].Position)
	assert.Equal(t, "https://c", queue[1].URL)
	assert.Equal(t, 1, queue[1].Position)
}

func TestAdvanceQueueOnEmptyIsNoop(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, AdvanceQueue(ctx, "g1"))

	track, err := GetCurrentTrack(ctx, "g1")
	require.NoError(t, err)
	assert.Nil(t, track)
}

func TestQueueEntryRoundTrip(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	_, err := AddToQueue(ctx, "g1", "https://example.com/v", "Title", 180, "user1")
	require.NoError(t, err)

	track, err := GetCurrentTrack(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, track)
	assert.Equal(t, "https://example.com/v", track.URL)
	assert.Equal(t, "Title", track.Title)
	assert.Equal(t, 180, track.Duration)
	assert.Equal(t, "user1", track.AddedBy)
	assert.Equal(t, 0, track.Position)
}

func TestVoiceConnectionLifecycle(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, UpsertVoiceConnection(ctx, "100", "200"))

	pending, err := GetPendingJoins(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "100", pending[0].GuildID)
	assert.Equal(t, "200", pending[0].ChannelID)
	assert.False(t, pending[0].IsPlaying)

	// Re-upserting to another channel updates in place
	require.NoError(t, UpsertVoiceConnection(ctx, "100", "300"))
	rec, err := GetVoiceConnection(ctx, "100")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "300", rec.ChannelID)

	require.NoError(t, UpdatePlayingStatus(ctx, "100", true, "Song"))
	rec, err = GetVoiceConnection(ctx, "100")
	require.NoError(t, err)
	assert.True(t, rec.IsPlaying)
	assert.Equal(t, "Song", rec.CurrentTrackTitle)

	require.NoError(t, DeleteVoiceConnection(ctx, "100"))
	rec, err = GetVoiceConnection(ctx, "100")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestClearAllVoiceConnections(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, UpsertVoiceConnection(ctx, "1", "2"))
	require.NoError(t, UpsertVoiceConnection(ctx, "3", "4"))
	require.NoError(t, ClearAllVoiceConnections(ctx))

	n, err := CountVoiceConnections(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGuildSettingsDefaults(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	s, err := GetGuildSettings(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 50, s.DefaultVolume)
	assert.Equal(t, 5, s.AutoDisconnectMinutes)
	assert.Equal(t, 100, s.MaxQueueSize)
}

func TestSongCacheRoundTrip(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, UpsertSongCache(ctx, &SongCacheEntry{
		URL:      "https://example.com/v",
		Title:    "Title",
		Duration: 180,
		FilePath: "/tmp/v.mp3",
		FileSize: 1024,
	}))

	e, err := FindSongCache(ctx, "https://example.com/v")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "Title", e.Title)
	assert.Equal(t, "/tmp/v.mp3", e.FilePath)
	assert.EqualValues(t, 1024, e.FileSize)

	missing, err := FindSongCache(ctx, "https://nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRecentHistoryNewestFirstWithLimit(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, AddQueueHistory(ctx, "g1", "u1", "https://v", "t", 60))
		// played_at has second resolution, so force distinct timestamps
		_, err := DB.ExecContext(ctx, `
			UPDATE queue_history SET played_at = datetime('now', ?) WHERE id = (SELECT MAX(id) FROM queue_history)
		`, formatOffsetSeconds(i-4))
		require.NoError(t, err)
	}
	require.NoError(t, AddQueueHistory(ctx, "g2", "u1", "https://other", "t", 60))

	entries, err := RecentHistoryForGuild(ctx, "g1", 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i := 1; i < len(entries); i++ {
		assert.False(t, entries[i].PlayedAt.After(entries[i-1].PlayedAt))
	}
	for _, e := range entries {
		assert.Equal(t, "g1", e.GuildID)
	}
}

func formatOffsetSeconds(n int) string {
	return fmt.Sprintf("%+d seconds", n)
}

func TestBotConfigRoundTrip(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	v, err := GetBotConfig(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, SetBotConfig(ctx, "k", "v1"))
	require.NoError(t, SetBotConfig(ctx, "k", "v2"))

	v, err = GetBotConfig(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
}
