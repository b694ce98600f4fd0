package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
)

// ============================================================================
// Playback Engine
// ============================================================================

const (
	MsgPlaybackStarting      = "Streaming %s in guild %s"
	MsgPlaybackFinished      = "Playback finished in guild %s: %s"
	MsgPlaybackStopped       = "Playback stopped in guild %s"
	MsgPlaybackPipeFail      = "Failed to open ffmpeg pipe for %s: %v"
	MsgPlaybackSpawnFail     = "Failed to start ffmpeg for %s: %v"
	MsgPlaybackConnFail      = "Voice connection failed for guild %s: %v"
	MsgPlaybackLeft          = "Left voice in guild %s"
	MsgPlaybackShutdown      = "Shutting down playback engine..."
	MsgPlaybackProviderPanic = "Recovered from panic in SetOpusFrameProvider: %v"
	MsgPlaybackNoSession     = "no live session for guild"
)

func init() {
	OnClientReady(func(ctx context.Context, client bot.Client) {
		engine := NewSessionEngine(client)
		GetVoiceManager().SetDriver(engine)

		RegisterDaemon(LogVoice, func(ctx context.Context) (bool, func(), func()) {
			return true, func() {}, func() {
				LogVoice(MsgPlaybackShutdown)
				engine.Shutdown(context.Background())
			}
		})
	})
}

// ============================================================================
// Session Engine
// ============================================================================

// SessionEngine owns the live gateway voice sessions. It only knows how
// to join, leave and push a local file into a channel; queue state lives
// above it.
type SessionEngine struct {
	mu       sync.Mutex
	client   bot.Client
	sessions map[snowflake.ID]*LiveSession
}

func NewSessionEngine(client bot.Client) *SessionEngine {
	return &SessionEngine{
		client:   client,
		sessions: make(map[snowflake.ID]*LiveSession),
	}
}

// GetLiveSession returns the channel the guild's session is bound to.
func (e *SessionEngine) GetLiveSession(guildID snowflake.ID) (snowflake.ID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sess, ok := e.sessions[guildID]; ok {
		return sess.ChannelID, true
	}
	return 0, false
}

// JoinChannel opens a gateway voice connection for the guild. An
// existing session is never moved, it satisfies the request as-is.
func (e *SessionEngine) JoinChannel(ctx context.Context, guildID, channelID snowflake.ID) error {
	e.mu.Lock()
	if _, ok := e.sessions[guildID]; ok {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	cancelCtx, cancel := context.WithCancel(context.Background())
	sess := &LiveSession{
		GuildID:    guildID,
		ChannelID:  channelID,
		Conn:       e.client.VoiceManager.CreateConn(guildID),
		cancelCtx:  cancelCtx,
		cancelFunc: cancel,
	}

	if err := sess.Conn.Open(ctx, channelID, false, false); err != nil {
		LogVoice(MsgPlaybackConnFail, guildID, err)
		sess.Conn.Close(ctx)
		cancel()
		return err
	}

	e.mu.Lock()
	e.sessions[guildID] = sess
	e.mu.Unlock()
	return nil
}

// LeaveGuild tears the guild's session down and closes the connection.
func (e *SessionEngine) LeaveGuild(ctx context.Context, guildID snowflake.ID) {
	e.mu.Lock()
	sess, ok := e.sessions[guildID]
	if ok {
		delete(e.sessions, guildID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	sess.cancelFunc()
	sess.playMu.Lock()
	sess.provider = nil
	sess.playMu.Unlock()
	sess.setOpusFrameProviderSafe(nil)
	sess.Conn.Close(ctx)
	LogVoice(MsgPlaybackLeft, guildID)
}

// PlayFile streams a downloaded file into the guild's channel. It
// returns once streaming has started; track completion is reported
// through the queue layer when the stream drains.
func (e *SessionEngine) PlayFile(ctx context.Context, guildID snowflake.ID, path, title string) error {
	e.mu.Lock()
	sess, ok := e.sessions[guildID]
	e.mu.Unlock()
	if !ok {
		return errors.New(MsgPlaybackNoSession)
	}

	sess.playMu.Lock()
	if sess.streamStop != nil {
		sess.streamStop()
	}
	streamCtx, cancel := context.WithCancel(sess.cancelCtx)
	sess.streamStop = cancel
	sess.playMu.Unlock()

	safeGo(func() { sess.stream(streamCtx, path, title) })
	return nil
}

// Shutdown closes every live session.
func (e *SessionEngine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	guilds := make([]snowflake.ID, 0, len(e.sessions))
	for id := range e.sessions {
		guilds = append(guilds, id)
	}
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range guilds {
		wg.Add(1)
		go func(id snowflake.ID) {
			defer wg.Done()
			e.LeaveGuild(ctx, id)
		}(id)
	}
	wg.Wait()
}

// ============================================================================
// Live Session
// ============================================================================

// LiveSession is one guild's gateway voice connection plus the stream
// currently feeding it.
type LiveSession struct {
	GuildID    snowflake.ID
	ChannelID  snowflake.ID
	Conn       voice.Conn
	cancelCtx  context.Context
	cancelFunc context.CancelFunc

	playMu     sync.Mutex
	streamStop context.CancelFunc
	provider   voice.OpusFrameProvider
}

// installProvider records p as the session's current provider and hands
// it to the connection.
func (s *LiveSession) installProvider(p voice.OpusFrameProvider) {
	s.playMu.Lock()
	s.provider = p
	s.playMu.Unlock()
	s.setOpusFrameProviderSafe(p)
}

// releaseProvider clears the provider only if p is still the installed
// one. A replaced stream's teardown races the replacing stream's
// install; without this check the late nil-set would silence the new
// stream and stall the queue.
func (s *LiveSession) releaseProvider(p voice.OpusFrameProvider) bool {
	s.playMu.Lock()
	owned := s.provider == p
	if owned {
		s.provider = nil
	}
	s.playMu.Unlock()
	if owned {
		s.setOpusFrameProviderSafe(nil)
	}
	return owned
}

// setOpusFrameProviderSafe sets the opus frame provider, recovering from
// panics a closing connection can throw.
func (s *LiveSession) setOpusFrameProviderSafe(provider voice.OpusFrameProvider) {
	if s.Conn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			LogVoice(MsgPlaybackProviderPanic, r)
		}
	}()
	s.Conn.SetOpusFrameProvider(provider)
}

// stream transcodes the file to Ogg/Opus via ffmpeg and feeds frames to
// the connection until the stream drains or the context is canceled.
// Natural completion is reported to the queue layer; a cancel is not.
func (s *LiveSession) stream(ctx context.Context, path, title string) {
	LogVoice(MsgPlaybackStarting, title, s.GuildID)

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", path,
		"-map", "0:a",
		"-acodec", "libopus",
		"-b:a", "128k",
		"-vbr", "on",
		"-compression_level", "10",
		"-f", "opus",
		"pipe:1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		LogVoice(MsgPlaybackPipeFail, path, err)
		return
	}
	stderr, _ := cmd.StderrPipe()

	if err := cmd.Start(); err != nil {
		LogVoice(MsgPlaybackSpawnFail, path, err)
		return
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			LogDebug("ffmpeg: %s", scanner.Text())
		}
	}()

	p := NewOggFrameProvider(stdout)
	done := make(chan struct{})
	p.OnFinish = func() {
		close(done)
	}

	s.installProvider(p)
	s.Conn.SetSpeaking(context.TODO(), voice.SpeakingFlagMicrophone)

	finished := false
	select {
	case <-done:
		finished = true
		// Let the send loop drain the last frames
		time.Sleep(100 * time.Millisecond)
	case <-ctx.Done():
	}

	_ = cmd.Process.Kill()
	_ = cmd.Wait()

	if s.releaseProvider(p) {
		s.Conn.SetSpeaking(context.TODO(), 0)
	}

	if !finished {
		LogVoice(MsgPlaybackStopped, s.GuildID)
		return
	}
	LogVoice(MsgPlaybackFinished, s.GuildID, title)
	if err := GetVoiceManager().OnTrackEnd(context.Background(), s.GuildID); err != nil {
		LogVoice(MsgVoiceStatusFail, s.GuildID, err)
	}
}

// ============================================================================
// Ogg Frame Provider
// ============================================================================

// OggFrameProvider implements voice.OpusFrameProvider by parsing Opus
// packets out of an Ogg stream as ffmpeg produces it.
type OggFrameProvider struct {
	reader    *bufio.Reader
	header    []byte
	segBuf    []byte
	packetBuf bytes.Buffer
	pending   [][]byte
	OnFinish  func()
	once      sync.Once
}

func NewOggFrameProvider(r io.Reader) *OggFrameProvider {
	return &OggFrameProvider{
		reader: bufio.NewReaderSize(r, 16384),
		header: make([]byte, 27),
		segBuf: make([]byte, 255),
	}
}

func (p *OggFrameProvider) Close() {}

func (p *OggFrameProvider) triggerFinish() {
	p.once.Do(func() {
		if p.OnFinish != nil {
			p.OnFinish()
		}
	})
}

// ProvideOpusFrame parses the next Opus packet from the Ogg stream.
func (p *OggFrameProvider) ProvideOpusFrame() ([]byte, error) {
	if len(p.pending) > 0 {
		frame := p.pending[0]
		p.pending = p.pending[1:]
		return frame, nil
	}

	for {
		sig, err := p.reader.Peek(4)
		if err != nil {
			p.triggerFinish()
			return nil, err
		}

		if string(sig) != "OggS" {
			_, _ = p.reader.Discard(1)
			continue
		}
		if _, err := io.ReadFull(p.reader, p.header); err != nil {
			p.triggerFinish()
			return nil, err
		}

		numSegs := int(p.header[26])
		segTable := p.segBuf[:numSegs]
		if _, err := io.ReadFull(p.reader, segTable); err != nil {
			p.triggerFinish()
			return nil, err
		}

		for _, segLen := range segTable {
			l := int(segLen)
			if _, err := io.CopyN(&p.packetBuf, p.reader, int64(l)); err != nil {
				p.triggerFinish()
				return nil, err
			}

			// A lacing value under 255 terminates the packet
			if l < 255 {
				payload := p.packetBuf.Bytes()
				frame := make([]byte, len(payload))
				copy(frame, payload)
				p.packetBuf.Reset()

				if len(frame) > 8 && (string(frame[:8]) == "OpusHead" || string(frame[:8]) == "OpusTags") {
					continue
				}
				p.pending = append(p.pending, frame)
			}
		}

		if len(p.pending) > 0 {
			frame := p.pending[0]
			p.pending = p.pending[1:]
			return frame, nil
		}
	}
}
