package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDriver is an in-memory SessionDriver for exercising the queue and
// join logic without a gateway.
type fakeDriver struct {
	mu       sync.Mutex
	joinErr  error
	failures int
	attempts int
	live     map[snowflake.ID]snowflake.ID
	left     []snowflake.ID
	played   []string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{live: make(map[snowflake.ID]snowflake.ID)}
}

func (d *fakeDriver) GetLiveSession(guildID snowflake.ID) (snowflake.ID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.live[guildID]
	return ch, ok
}

func (d *fakeDriver) JoinChannel(ctx context.Context, guildID, channelID snowflake.ID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.joinErr != nil && (d.failures == 0 || d.attempts <= d.failures) {
		return d.joinErr
	}
	d.live[guildID] = channelID
	return nil
}

func (d *fakeDriver) LeaveGuild(ctx context.Context, guildID snowflake.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.live, guildID)
	d.left = append(d.left, guildID)
}

func (d *fakeDriver) PlayFile(ctx context.Context, guildID snowflake.ID, path, title string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.played = append(d.played, path)
	return nil
}

func (d *fakeDriver) joinAttempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func newTestVoiceSystem(d SessionDriver) (*VoiceSystem, *[]time.Duration) {
	var sleeps []time.Duration
	vs := &VoiceSystem{
		joinLocks: make(map[snowflake.ID]*sync.Mutex),
		sleep:     func(d time.Duration) { sleeps = append(sleeps, d) },
		driver:    d,
	}
	return vs, &sleeps
}

// stubDownloadErr makes any download attempt fail fast so async playback
// pipelines in tests never reach the network.
func stubDownloadErr(t *testing.T) {
	t.Helper()
	orig := ensureExtractorFn
	ensureExtractorFn = func(ctx context.Context) (string, error) {
		return "", errors.New("extractor unavailable in test")
	}
	t.Cleanup(func() { ensureExtractorFn = orig })
}

func TestJoinWithRetryExhaustsAttemptsWithCappedBackoff(t *testing.T) {
	setupTestDB(t)
	d := newFakeDriver()
	d.joinErr = errors.New("gateway timeout")
	vs, sleeps := newTestVoiceSystem(d)

	err := vs.JoinWithRetry(context.Background(), snowflake.ID(1), snowflake.ID(2))

	require.ErrorIs(t, err, ErrJoin)
	assert.Equal(t, 5, d.joinAttempts())
	assert.Equal(t, []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		5000 * time.Millisecond,
	}, *sleeps)
}

func TestJoinWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	setupTestDB(t)
	d := newFakeDriver()
	d.joinErr = errors.New("gateway timeout")
	d.failures = 2
	vs, sleeps := newTestVoiceSystem(d)

	err := vs.JoinWithRetry(context.Background(), snowflake.ID(1), snowflake.ID(2))

	require.NoError(t, err)
	assert.Equal(t, 3, d.joinAttempts())
	assert.Len(t, *sleeps, 2)

	rec, err := GetVoiceConnection(context.Background(), "1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "2", rec.ChannelID)
}

func TestJoinWithRetrySatisfiedByAnyLiveSession(t *testing.T) {
	setupTestDB(t)
	d := newFakeDriver()
	// Bound to a different channel than requested
	d.live[snowflake.ID(1)] = snowflake.ID(9)
	vs, sleeps := newTestVoiceSystem(d)

	err := vs.JoinWithRetry(context.Background(), snowflake.ID(1), snowflake.ID(2))

	require.NoError(t, err)
	assert.Zero(t, d.joinAttempts())
	assert.Empty(t, *sleeps)
}

func TestRequestJoinDeletesRecordOnTerminalFailure(t *testing.T) {
	setupTestDB(t)
	d := newFakeDriver()
	d.joinErr = errors.New("gateway timeout")
	vs, _ := newTestVoiceSystem(d)

	err := vs.RequestJoin(context.Background(), snowflake.ID(1), snowflake.ID(2))

	require.ErrorIs(t, err, ErrJoin)
	rec, err := GetVoiceConnection(context.Background(), "1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRequestPlayEnforcesMaxQueueSize(t *testing.T) {
	setupTestDB(t)
	stubDownloadErr(t)
	ctx := context.Background()

	_, err := DB.ExecContext(ctx, `
		INSERT INTO guild_settings (guild_id, max_queue_size) VALUES ('1', 2)
	`)
	require.NoError(t, err)

	d := newFakeDriver()
	vs, _ := newTestVoiceSystem(d)

	for i := 0; i < 2; i++ {
		_, err := vs.RequestPlay(ctx, snowflake.ID(1), "https://a", "t", 0, snowflake.ID(7))
		require.NoError(t, err)
	}
	_, err = vs.RequestPlay(ctx, snowflake.ID(1), "https://b", "t", 0, snowflake.ID(7))
	assert.Error(t, err)

	n, err := GetQueueLength(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRequestPlayRecordsHistory(t *testing.T) {
	setupTestDB(t)
	stubDownloadErr(t)
	ctx := context.Background()

	d := newFakeDriver()
	vs, _ := newTestVoiceSystem(d)

	entry, err := vs.RequestPlay(ctx, snowflake.ID(1), "https://a", "Song", 120, snowflake.ID(7))
	require.NoError(t, err)
	assert.Equal(t, 0, entry.Position)

	history, err := RecentHistoryForGuild(ctx, "1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "https://a", history[0].URL)
	assert.Equal(t, "7", history[0].UserID)
}

func TestRequestPlayRefreshesActivityForQueuedTrack(t *testing.T) {
	setupTestDB(t)
	stubDownloadErr(t)
	ctx := context.Background()

	// An already-playing session whose activity clock has gone quiet
	_, err := AddToQueue(ctx, "1", "https://a", "First", 0, "7")
	require.NoError(t, err)
	require.NoError(t, UpsertVoiceConnection(ctx, "1", "2"))
	_, err = DB.ExecContext(ctx, `
		UPDATE voice_connections SET last_activity = datetime('now', '-10 minutes') WHERE guild_id = '1'
	`)
	require.NoError(t, err)

	d := newFakeDriver()
	d.live[snowflake.ID(1)] = snowflake.ID(2)
	vs, _ := newTestVoiceSystem(d)

	entry, err := vs.RequestPlay(ctx, snowflake.ID(1), "https://b", "Second", 0, snowflake.ID(7))
	require.NoError(t, err)
	require.Equal(t, 1, entry.Position)

	rec, err := GetVoiceConnection(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Less(t, time.Since(rec.LastActivity), time.Minute)
}

func TestOnTrackEndLeavesWhenQueueDrains(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	_, err := AddToQueue(ctx, "1", "https://a", "Song", 0, "7")
	require.NoError(t, err)
	require.NoError(t, UpsertVoiceConnection(ctx, "1", "2"))
	require.NoError(t, UpdatePlayingStatus(ctx, "1", true, "Song"))

	d := newFakeDriver()
	d.live[snowflake.ID(1)] = snowflake.ID(2)
	vs, _ := newTestVoiceSystem(d)

	require.NoError(t, vs.OnTrackEnd(ctx, snowflake.ID(1)))

	n, err := GetQueueLength(ctx, "1")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []snowflake.ID{snowflake.ID(1)}, d.left)

	rec, err := GetVoiceConnection(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.IsPlaying)
	assert.Empty(t, rec.CurrentTrackTitle)
}

func TestOnTrackEndAdvancesToNextTrack(t *testing.T) {
	setupTestDB(t)
	stubDownloadErr(t)
	ctx := context.Background()

	_, err := AddToQueue(ctx, "1", "https://a", "First", 0, "7")
	require.NoError(t, err)
	_, err = AddToQueue(ctx, "1", "https://b", "Second", 0, "7")
	require.NoError(t, err)
	require.NoError(t, UpsertVoiceConnection(ctx, "1", "2"))

	d := newFakeDriver()
	d.live[snowflake.ID(1)] = snowflake.ID(2)
	vs, _ := newTestVoiceSystem(d)

	require.NoError(t, vs.OnTrackEnd(ctx, snowflake.ID(1)))

	track, err := GetCurrentTrack(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, track)
	assert.Equal(t, "https://b", track.URL)
	assert.Equal(t, 0, track.Position)
	assert.Empty(t, d.left)

	rec, err := GetVoiceConnection(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.IsPlaying)
	assert.Equal(t, "Second", rec.CurrentTrackTitle)
}

func TestStopClearsQueueAndRecord(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	_, err := AddToQueue(ctx, "1", "https://a", "Song", 0, "7")
	require.NoError(t, err)
	require.NoError(t, UpsertVoiceConnection(ctx, "1", "2"))

	d := newFakeDriver()
	d.live[snowflake.ID(1)] = snowflake.ID(2)
	vs, _ := newTestVoiceSystem(d)

	require.NoError(t, vs.Stop(ctx, snowflake.ID(1)))

	n, err := GetQueueLength(ctx, "1")
	require.NoError(t, err)
	assert.Zero(t, n)

	rec, err := GetVoiceConnection(ctx, "1")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, []snowflake.ID{snowflake.ID(1)}, d.left)
}
