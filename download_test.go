package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePercent(t *testing.T) {
	tests := []struct {
		name string
		line string
		want int
		ok   bool
	}{
		{"typical progress line", "[download]  42.3% of 3.00MiB at 1.00MiB/s", 42, true},
		{"complete", "[download] 100% of 3.00MiB in 00:03", 100, true},
		{"zero", "[download]   0.0% of 3.00MiB", 0, true},
		{"rounds up", "[download]  99.5% of 3.00MiB", 100, true},
		{"clamped above", "[download] 150% of 3.00MiB", 100, true},
		{"no percent sign", "[download] Destination: out.mp3", 0, false},
		{"no digits before sign", "[download] % of unknown", 0, false},
		{"bare number at line start", "42% done", 0, false},
		{"empty line", "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parsePercent(tt.line)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestScanProgressForwardsOnlyChangedValues(t *testing.T) {
	lines := strings.Join([]string{
		"[download]  0.0% of 3.00MiB",
		"[download]  0.0% of 3.00MiB",
		"[download] 42.3% of 3.00MiB at 1.00MiB/s",
		"[download] Destination: out.mp3",
		"[download] 100% of 3.00MiB in 00:03",
	}, "\n")

	var got []int
	scanProgress(strings.NewReader(lines), func(pct int) { got = append(got, pct) })

	assert.Equal(t, []int{0, 42, 100}, got)
}

func TestResolveDownloadBaseHonorsOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvDownloadFolder, dir)

	base, err := resolveDownloadBase()
	require.NoError(t, err)
	assert.Equal(t, dir, base)
}

func TestResolveDownloadBaseRelativeOverride(t *testing.T) {
	t.Setenv(EnvDownloadFolder, "rel-downloads")

	base, err := resolveDownloadBase()
	require.NoError(t, err)
	cwd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cwd, "rel-downloads"), base)
}

func TestSpawnDownloadCacheHit(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvDownloadFolder, dir)

	cached := filepath.Join(dir, "abc123.mp3")
	require.NoError(t, os.WriteFile(cached, []byte("audio"), 0o644))

	origEnsure, origExtract := ensureExtractorFn, extractIDFn
	ensureExtractorFn = func(ctx context.Context) (string, error) { return "/usr/bin/true", nil }
	extractIDFn = func(ctx context.Context, bin, url string) (string, error) { return "abc123", nil }
	t.Cleanup(func() { ensureExtractorFn, extractIDFn = origEnsure, origExtract })

	progress, handle := SpawnDownload("https://example.com/v")

	var events []int
	for p := range progress {
		events = append(events, p.Percent)
	}
	assert.Equal(t, []int{100}, events)

	path, err := handle.Wait()
	require.NoError(t, err)
	assert.Equal(t, cached, path)
}

func TestSpawnDownloadExtractorFailure(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvDownloadFolder, dir)

	origEnsure := ensureExtractorFn
	ensureExtractorFn = func(ctx context.Context) (string, error) {
		return "", errors.Join(ErrAcquisition, errors.New("release fetch failed"))
	}
	t.Cleanup(func() { ensureExtractorFn = origEnsure })

	progress, handle := SpawnDownload("https://example.com/v")

	select {
	case <-handle.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("download did not finish")
	}

	_, err := handle.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAcquisition)

	// The stream must still be closed so consumers do not hang
	for range progress {
	}
}

func TestDownloadHandleWaitBlocksUntilResolved(t *testing.T) {
	h := &DownloadHandle{done: make(chan struct{})}

	go func() {
		time.Sleep(10 * time.Millisecond)
		h.resolve("/tmp/x.mp3", nil)
	}()

	path, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.mp3", path)
}
