package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Download Job Supervisor
// ============================================================================

const (
	MsgDownloadStarting   = "Downloading %s"
	MsgDownloadCacheHit   = "Cache hit for %s: %s"
	MsgDownloadDone       = "Downloaded %s -> %s"
	MsgDownloadFailed     = "Download failed for %s: %v"
	MsgDownloadCleanupErr = "Failed to remove job dir %s: %v"
)

// ErrDownload means the extractor subprocess exited non-zero.
// ErrNoOutput means it exited cleanly but produced no audio file.
var (
	ErrDownload = errors.New("download failed")
	ErrNoOutput = errors.New("no output produced")
)

// Swappable for tests.
var (
	ensureExtractorFn = EnsureExtractor
	extractIDFn       = ExtractID
)

type DownloadProgress struct {
	Percent int
}

// DownloadHandle resolves to the final file path independently of the
// progress stream; Wait may return after the stream has closed, and the
// job finishes whether or not anyone consumes either.
type DownloadHandle struct {
	done chan struct{}
	path string
	err  error
}

// Wait blocks until the job finishes and returns its result.
func (h *DownloadHandle) Wait() (string, error) {
	<-h.done
	return h.path, h.err
}

// Done returns a channel closed when the job has finished.
func (h *DownloadHandle) Done() <-chan struct{} {
	return h.done
}

func (h *DownloadHandle) resolve(path string, err error) {
	h.path = path
	h.err = err
	close(h.done)
}

// resolveDownloadBase returns the cache root for downloaded audio. An
// env override wins (absolute kept as-is, relative joined to the working
// directory); otherwise the per-user cache directory is used.
func resolveDownloadBase() (string, error) {
	if dir := os.Getenv(EnvDownloadFolder); dir != "" {
		if filepath.IsAbs(dir) {
			return dir, nil
		}
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, dir), nil
	}
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf(MsgExtractorNoCacheDir, err)
	}
	return filepath.Join(cacheDir, GetProjectName(), "downloads"), nil
}

// SpawnDownload starts a download job for the URL and returns immediately.
// The progress channel closes when the subprocess's stderr closes; the
// handle resolves on its own. Abandoning the channel does not cancel the
// job: it runs to completion regardless of the caller's lifetime, which
// bounds resource use by outstanding requests only.
func SpawnDownload(url string) (<-chan DownloadProgress, *DownloadHandle) {
	progress := make(chan DownloadProgress, 128)
	handle := &DownloadHandle{done: make(chan struct{})}

	safeGo(func() {
		path, err := runDownload(context.Background(), url, progress)
		if err != nil {
			LogDownload(MsgDownloadFailed, url, err)
		}
		handle.resolve(path, err)
	})

	return progress, handle
}

func runDownload(ctx context.Context, url string, progress chan<- DownloadProgress) (string, error) {
	streamOpen := true
	closeStream := func() {
		if streamOpen {
			close(progress)
			streamOpen = false
		}
	}
	defer closeStream()

	emit := func(pct int) {
		if !streamOpen {
			return
		}
		select {
		case progress <- DownloadProgress{Percent: pct}:
		default:
		}
	}

	// 1. Resolve extractor and cache root
	bin, err := ensureExtractorFn(ctx)
	if err != nil {
		return "", err
	}
	base, err := resolveDownloadBase()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(base, 0755); err != nil {
		return "", err
	}

	// 2. Resolve a stable content id; fall back to a timestamp so the job
	// can still proceed without a cache key.
	id, err := extractIDFn(ctx, bin, url)
	if err != nil {
		id = fmt.Sprintf("ts-%d", time.Now().UnixNano())
	}

	// 3. Cache hit: no subprocess at all
	cached := filepath.Join(base, id+".mp3")
	if _, err := os.Stat(cached); err == nil {
		LogDownload(MsgDownloadCacheHit, url, cached)
		emit(100)
		return cached, nil
	}

	// 4. Unique working dir per job, so concurrent jobs never collide
	jobDir := filepath.Join(base, fmt.Sprintf("job-%d", time.Now().UnixNano()))
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return "", err
	}
	defer func() {
		if err := os.RemoveAll(jobDir); err != nil {
			LogDownload(MsgDownloadCleanupErr, jobDir, err)
		}
	}()

	LogDownload(MsgDownloadStarting, url)

	cmd := newYtdlp(bin).BuildCommand(ctx,
		"-f", "bestaudio/best",
		"-x",
		"--audio-format", "mp3",
		"--audio-quality", "0",
		"--postprocessor-args", "ffmpeg:-ar 48000 -ac 2",
		"--no-playlist",
		"--newline",
		"-o", filepath.Join(jobDir, "%(id)s.%(ext)s"),
		url,
	)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", err
	}
	cmd.Stdout = io.Discard

	if err := cmd.Start(); err != nil {
		return "", errors.Join(ErrDownload, err)
	}

	// 5. Progress lines arrive on stderr; forward only changed values
	scanProgress(stderr, emit)
	closeStream()

	if err := cmd.Wait(); err != nil {
		return "", errors.Join(ErrDownload, err)
	}

	// 6. Pick the newest produced mp3
	produced, err := newestMP3(jobDir)
	if err != nil {
		return "", err
	}

	// 7. Finalize into the cache, handling races and cross-device moves
	final := finalizeDownload(produced, cached)
	LogDownload(MsgDownloadDone, url, final)
	return final, nil
}

// scanProgress reads progress lines from r and emits each percentage
// that differs from the previously emitted one.
func scanProgress(r io.Reader, emit func(int)) {
	scanner := bufio.NewScanner(r)
	lastSent := -1
	for scanner.Scan() {
		if pct, ok := parsePercent(scanner.Text()); ok && pct != lastSent {
			emit(pct)
			lastSent = pct
		}
	}
}

func newestMP3(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var newest string
	var newestTime time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".mp3") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestTime) {
			newest = filepath.Join(dir, e.Name())
			newestTime = info.ModTime()
		}
	}
	if newest == "" {
		return "", ErrNoOutput
	}
	return newest, nil
}

// finalizeDownload moves produced into cached. A concurrent identical job
// may have won the race, which counts as success. If neither rename nor
// copy works, the file stays where it was produced.
func finalizeDownload(produced, cached string) string {
	if _, err := os.Stat(cached); err == nil {
		return cached
	}
	if err := os.Rename(produced, cached); err == nil {
		return cached
	}
	if err := copyFile(produced, cached); err == nil {
		_ = os.Remove(produced)
		return cached
	}
	return produced
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

// parsePercent extracts a progress percentage from an extractor stderr
// line: the digits-and-dot run immediately before the first '%', rounded
// and clamped to [0,100].
func parsePercent(line string) (int, bool) {
	idx := strings.IndexByte(line, '%')
	if idx < 0 {
		return 0, false
	}
	start := idx
	for start > 0 {
		c := line[start-1]
		if (c >= '0' && c <= '9') || c == '.' {
			start--
			continue
		}
		break
	}
	// A bare leading number with no delimiter before it is not a
	// progress line.
	if start == 0 || start == idx {
		return 0, false
	}
	val, err := strconv.ParseFloat(line[start:idx], 32)
	if err != nil {
		return 0, false
	}
	pct := int(math.Round(val))
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct, true
}
