package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
)

// ============================================================================
// Extractor Acquisition
// ============================================================================

const (
	ExtractorName       = "yt-dlp"
	ExtractorReleaseAPI = "https://api.github.com/repos/yt-dlp/yt-dlp/releases/latest"

	MsgExtractorFound      = "Found extractor on PATH: %s"
	MsgExtractorCached     = "Using cached extractor: %s"
	MsgExtractorFetching   = "Fetching latest extractor release..."
	MsgExtractorInstalled  = "Installed extractor %s (%d bytes)"
	MsgExtractorNoCacheDir = "no cache directory resolvable: %w"
	MsgExtractorBadStatus  = "release endpoint returned status %d"
	MsgExtractorNoAsset    = "no release asset named %s"
)

// ErrAcquisition means the extractor binary could not be located or fetched.
// ErrExtraction means the extractor ran but produced no usable metadata.
var (
	ErrAcquisition = errors.New("extractor acquisition failed")
	ErrExtraction  = errors.New("metadata extraction failed")
)

var (
	extractorMu   sync.Mutex
	extractorPath string
)

type releaseAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

type releaseInfo struct {
	TagName string         `json:"tag_name"`
	Assets  []releaseAsset `json:"assets"`
}

// extractorAssetName picks the release asset for the current platform.
func extractorAssetName() string {
	switch runtime.GOOS {
	case "windows":
		if runtime.GOARCH == "386" {
			return "yt-dlp_x86.exe"
		}
		return "yt-dlp.exe"
	case "linux":
		return "yt-dlp_linux"
	case "darwin":
		return "yt-dlp_macos"
	default:
		return "yt-dlp"
	}
}

func extractorBinaryName() string {
	if runtime.GOOS == "windows" {
		return ExtractorName + ".exe"
	}
	return ExtractorName
}

// EnsureExtractor resolves the extractor binary, in order: the system
// search path, a previously cached copy, a fresh release download. The
// resolved path is memoized for the process lifetime.
func EnsureExtractor(ctx context.Context) (string, error) {
	extractorMu.Lock()
	defer extractorMu.Unlock()

	if extractorPath != "" {
		return extractorPath, nil
	}

	// 1. Already on PATH
	if path, err := exec.LookPath(ExtractorName); err == nil {
		LogDownload(MsgExtractorFound, path)
		extractorPath = path
		return path, nil
	}

	// 2. Previously cached copy
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf(MsgExtractorNoCacheDir, errors.Join(ErrAcquisition, err))
	}
	binDir := filepath.Join(cacheDir, GetProjectName(), ExtractorName)
	binPath := filepath.Join(binDir, extractorBinaryName())
	if info, err := os.Stat(binPath); err == nil && !info.IsDir() {
		LogDownload(MsgExtractorCached, binPath)
		extractorPath = binPath
		return binPath, nil
	}

	// 3. Fetch the latest release
	LogDownload(MsgExtractorFetching)
	path, err := fetchExtractor(ctx, binDir, binPath)
	if err != nil {
		return "", err
	}
	extractorPath = path
	return path, nil
}

func fetchExtractor(ctx context.Context, binDir, binPath string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ExtractorReleaseAPI, nil)
	if err != nil {
		return "", errors.Join(ErrAcquisition, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", GetProjectName())

	resp, err := HttpClient.Do(req)
	if err != nil {
		return "", errors.Join(ErrAcquisition, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: "+MsgExtractorBadStatus, ErrAcquisition, resp.StatusCode)
	}

	var release releaseInfo
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return "", errors.Join(ErrAcquisition, err)
	}

	assetName := extractorAssetName()
	var downloadURL string
	for _, a := range release.Assets {
		if a.Name == assetName {
			downloadURL = a.BrowserDownloadURL
			break
		}
	}
	if downloadURL == "" {
		return "", fmt.Errorf("%w: "+MsgExtractorNoAsset, ErrAcquisition, assetName)
	}

	dlReq, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", errors.Join(ErrAcquisition, err)
	}
	dlResp, err := DownloadClient.Do(dlReq)
	if err != nil {
		return "", errors.Join(ErrAcquisition, err)
	}
	defer dlResp.Body.Close()

	if dlResp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: "+MsgExtractorBadStatus, ErrAcquisition, dlResp.StatusCode)
	}

	if err := os.MkdirAll(binDir, 0755); err != nil {
		return "", errors.Join(ErrAcquisition, err)
	}

	f, err := os.OpenFile(binPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return "", errors.Join(ErrAcquisition, err)
	}
	written, err := io.Copy(f, dlResp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(binPath)
		return "", errors.Join(ErrAcquisition, err)
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(binPath, 0755); err != nil {
			return "", errors.Join(ErrAcquisition, err)
		}
	}

	LogDownload(MsgExtractorInstalled, release.TagName, written)
	return binPath, nil
}

// DownloadClient is used for bulk transfers; no overall timeout, redirects
// followed, unlike HttpClient.
var DownloadClient = &http.Client{}

// ============================================================================
// Metadata Extraction
// ============================================================================

func newYtdlp(bin string) *ytdlp.Command {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings()
	cmd.SetExecutable(bin)

	if proxy := os.Getenv("YOUTUBE_PROXY"); proxy != "" {
		cmd.Proxy(proxy)
	}

	return cmd
}

// ExtractID prints the stable content id for a URL without downloading.
func ExtractID(ctx context.Context, bin, url string) (string, error) {
	cmd := newYtdlp(bin)
	res, err := cmd.
		Print("%(id)s").
		Run(ctx, "--skip-download", url)
	if err != nil {
		return "", errors.Join(ErrExtraction, err)
	}
	id := strings.TrimSpace(res.Stdout)
	if id == "" {
		return "", fmt.Errorf("%w: empty id for %s", ErrExtraction, url)
	}
	return id, nil
}

// ExtractTitle prints the track title for a URL without downloading. It
// resolves the extractor itself so metadata-only callers need no setup.
func ExtractTitle(ctx context.Context, url string) (string, error) {
	bin, err := EnsureExtractor(ctx)
	if err != nil {
		return "", err
	}

	cmd := newYtdlp(bin)
	res, err := cmd.
		Print("%(title)s").
		Run(ctx, "--skip-download", url)
	if err != nil {
		return "", errors.Join(ErrExtraction, err)
	}
	title := strings.TrimSpace(res.Stdout)
	if title == "" {
		return "", fmt.Errorf("%w: empty title for %s", ErrExtraction, url)
	}
	return title, nil
}

// ============================================================================
// Query Search
// ============================================================================

type SearchResult struct{ Title, ChannelName, URL string }

type QueryCache struct {
	sync.RWMutex
	items map[string]cachedItem
}

type cachedItem struct {
	results   []SearchResult
	expiresAt time.Time
}

var (
	queryCache     = &QueryCache{items: make(map[string]cachedItem)}
	queryCacheOnce sync.Once
)

func startQueryCacheGC() {
	queryCacheOnce.Do(func() {
		safeGo(func() {
			ticker := time.NewTicker(10 * time.Minute)
			defer ticker.Stop()
			for {
				<-ticker.C
				queryCache.Lock()
				now := time.Now()
				for q, item := range queryCache.items {
					if now.After(item.expiresAt) {
						delete(queryCache.items, q)
					}
				}
				queryCache.Unlock()
			}
		})
	})
}

// SearchTracks resolves a free-text query against YouTube Music and plain
// YouTube in parallel, music results first, deduplicated by video id.
func SearchTracks(q string) ([]SearchResult, error) {
	// 1. Check Cache
	queryCache.RLock()
	if item, ok := queryCache.items[q]; ok {
		if time.Now().Before(item.expiresAt) {
			queryCache.RUnlock()
			return item.results, nil
		}
	}
	queryCache.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2600*time.Millisecond)
	defer cancel()
	resMu := sync.Mutex{}
	var ytm, yt []SearchResult
	seen := make(map[string]bool)
	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		s := ytmusic.TrackSearch(q)
		r, _ := s.Next()
		for _, v := range r.Tracks {
			if v.VideoID == "" {
				continue
			}
			art := ""
			if len(v.Artists) > 0 {
				art = " - " + v.Artists[0].Name
			}
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				ytm = append(ytm, SearchResult{URL: "https://music.youtube.com/watch?v=" + v.VideoID, Title: TruncateWithPreserve(v.Title, 100, "[YTM] ", art)})
			}
			resMu.Unlock()
		}
	}()
	go func() {
		defer wg.Done()
		c := ytsearch.NewClient(nil)
		r, _ := c.Search(ctx, q)
		for _, v := range r.Results {
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				yt = append(yt, SearchResult{URL: "https://www.youtube.com/watch?v=" + v.VideoID, Title: TruncateWithPreserve(v.Title, 100, "[YT] ", "")})
			}
			resMu.Unlock()
		}
	}()
	d := make(chan struct{})
	go func() {
		wg.Wait()
		close(d)
	}()
	select {
	case <-d:
	case <-time.After(2300 * time.Millisecond):
	}
	resMu.Lock()
	defer resMu.Unlock()
	fin := append(append([]SearchResult(nil), ytm...), yt...)
	if len(fin) > 25 {
		fin = fin[:25]
	}

	// 2. Update Cache (TTL 1 hour)
	if len(fin) > 0 {
		queryCache.Lock()
		queryCache.items[q] = cachedItem{results: fin, expiresAt: time.Now().Add(1 * time.Hour)}
		queryCache.Unlock()
	}

	return fin, nil
}
