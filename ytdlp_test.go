package main

import (
	"encoding/json"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractorBinaryNamePerPlatform(t *testing.T) {
	name := extractorBinaryName()
	if runtime.GOOS == "windows" {
		assert.Equal(t, "yt-dlp.exe", name)
	} else {
		assert.Equal(t, "yt-dlp", name)
	}
	assert.True(t, strings.HasPrefix(extractorAssetName(), "yt-dlp"))
}

func TestReleaseInfoDecoding(t *testing.T) {
	payload := `{
		"tag_name": "2026.08.10",
		"assets": [
			{"name": "yt-dlp", "browser_download_url": "https://example.com/yt-dlp"},
			{"name": "yt-dlp_linux", "browser_download_url": "https://example.com/yt-dlp_linux"},
			{"name": "yt-dlp.exe", "browser_download_url": "https://example.com/yt-dlp.exe"}
		]
	}`

	var release releaseInfo
	require.NoError(t, json.Unmarshal([]byte(payload), &release))
	assert.Equal(t, "2026.08.10", release.TagName)
	require.Len(t, release.Assets, 3)
	assert.Equal(t, "yt-dlp_linux", release.Assets[1].Name)
	assert.Equal(t, "https://example.com/yt-dlp_linux", release.Assets[1].BrowserDownloadURL)
}

func TestSearchTracksServesCachedResults(t *testing.T) {
	want := []SearchResult{{Title: "[YTM] Song", URL: "https://music.youtube.com/watch?v=x"}}
	queryCache.Lock()
	queryCache.items["cached query"] = cachedItem{results: want, expiresAt: time.Now().Add(time.Hour)}
	queryCache.Unlock()
	t.Cleanup(func() {
		queryCache.Lock()
		delete(queryCache.items, "cached query")
		queryCache.Unlock()
	})

	got, err := SearchTracks("cached query")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
