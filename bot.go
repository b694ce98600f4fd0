package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/omit"
)

// ============================================================================
// Command Registration
// ============================================================================

func init() {
	adminPerm := discord.PermissionAdministrator

	OnClientReady(func(ctx context.Context, client bot.Client) {
		startQueryCacheGC()
	})

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "music",
		Description: "Music playback",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "play",
				Description: "Play a track from a URL or search",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:         "query",
						Description:  "The URL or song name to play",
						Required:     true,
						Autocomplete: true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "queue",
				Description: "Show the current queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "skip",
				Description: "Skip the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stop",
				Description: "Stop playback and leave",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "history",
				Description: "Show recently played tracks",
			},
		},
	}, handleMusic)

	RegisterAutocompleteHandler("music", handleMusicAutocomplete)

	RegisterCommand(discord.SlashCommandCreate{
		Name:                     "maintenance",
		Description:              "Maintenance utilities (Admin Only)",
		DefaultMemberPermissions: omit.New(&adminPerm),
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "cleanup",
				Description: "Remove stale cache and history rows",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "days",
						Description: "Retention window in days (default: 30)",
						Required:    false,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stats",
				Description: "Display collector statistics",
			},
		},
	}, handleMaintenance)
}

// ============================================================================
// Music Handlers
// ============================================================================

// handleMusic routes music subcommands to their respective handlers
func handleMusic(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}
	switch *data.SubCommandName {
	case "play":
		handleMusicPlay(event, data)
	case "queue":
		handleMusicQueue(event, data)
	case "skip":
		handleMusicSkip(event, data)
	case "stop":
		handleMusicStop(event, data)
	case "history":
		handleMusicHistory(event, data)
	}
}

func handleMusicPlay(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	q, _ := data.OptString("query")
	_ = event.DeferCreateMessage(false)
	if err := startPlayback(event, q); err != nil {
		_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(), discord.NewMessageUpdate().WithContent("Failed: "+err.Error()))
	}
}

// startPlayback resolves the query, joins the user's channel and queues
// the track, editing the deferred response with download progress.
func startPlayback(ev *events.ApplicationCommandInteractionCreate, q string) error {
	LogVoice("User %s (%s) requested playback: %s", ev.User().Username, ev.User().ID, q)
	vs, ok := ev.Client().Caches.VoiceState(*ev.GuildID(), ev.User().ID)
	if !ok || vs.ChannelID == nil {
		return errors.New("user not in a voice channel")
	}

	url, title := q, ""
	if !strings.Contains(q, "http") {
		rs, err := SearchTracks(q)
		if err != nil || len(rs) == 0 {
			return errors.New("no results for: " + q)
		}
		url, title = rs[0].URL, rs[0].Title
	}

	vm := GetVoiceManager()
	je := make(chan error, 1)
	go func() { je <- vm.RequestJoin(context.Background(), *ev.GuildID(), *vs.ChannelID) }()

	// Warm the cache before queuing so the deferred response can show
	// real download progress.
	progress, handle := SpawnDownload(url)
	trackProgress(ev, title, progress)
	if _, err := handle.Wait(); err != nil {
		return err
	}
	if err := <-je; err != nil {
		return err
	}

	if title == "" {
		if t, err := ExtractTitle(context.Background(), url); err == nil {
			title = t
		}
	}

	entry, err := vm.RequestPlay(context.Background(), *ev.GuildID(), url, title, 0, ev.User().ID)
	if err != nil {
		return err
	}

	c := "✅ Added to queue: [" + entry.Title + "](" + entry.URL + ")"
	if entry.Position == 0 {
		c = "🎶 Playing now: [" + entry.Title + "](" + entry.URL + ")"
	}
	_, _ = ev.Client().Rest.UpdateInteractionResponse(ev.ApplicationID(), ev.Token(), discord.NewMessageUpdate().WithContent(c))
	return nil
}

// trackProgress drains the download progress stream, editing the
// deferred response at most every 10 points.
func trackProgress(ev *events.ApplicationCommandInteractionCreate, title string, progress <-chan DownloadProgress) {
	if title == "" {
		title = "track"
	}
	last := -10
	for p := range progress {
		if p.Percent < last+10 && p.Percent != 100 {
			continue
		}
		last = p.Percent
		c := fmt.Sprintf("⬇️ Downloading %s\n%s %d%%", Truncate(title, 80), renderProgressBar(p.Percent), p.Percent)
		_, _ = ev.Client().Rest.UpdateInteractionResponse(ev.ApplicationID(), ev.Token(), discord.NewMessageUpdate().WithContent(c))
	}
}

// renderProgressBar builds a 20-cell text bar for a 0-100 percentage.
func renderProgressBar(pct int) string {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := pct / 5
	return "`[" + strings.Repeat("█", filled) + strings.Repeat("░", 20-filled) + "]`"
}

func handleMusicQueue(event *events.ApplicationCommandInteractionCreate, _ discord.SlashCommandInteractionData) {
	queue, err := GetVoiceManager().GetQueue(context.Background(), *event.GuildID())
	if err != nil {
		_ = event.CreateMessage(discord.NewMessageCreate().WithContent("Failed: " + err.Error()).WithEphemeral(true))
		return
	}
	if len(queue) == 0 {
		_ = event.CreateMessage(discord.NewMessageCreate().WithContent("_Empty_").WithEphemeral(true))
		return
	}

	var sb strings.Builder
	sb.WriteString("▶️ **Now Playing:**\n")
	sb.WriteString(fmt.Sprintf("[%s](%s)\n\n", queue[0].Title, queue[0].URL))
	sb.WriteString("**Queue:**\n")
	if len(queue) == 1 {
		sb.WriteString("_Empty_")
	}
	for i, t := range queue[1:] {
		if i >= 10 {
			sb.WriteString(fmt.Sprintf("\n*...and %d more*", len(queue)-1-10))
			break
		}
		line := fmt.Sprintf("`%d.` [%s](%s)", t.Position, t.Title, t.URL)
		if t.Duration > 0 {
			line += " · " + FormatDuration(time.Duration(t.Duration)*time.Second)
		}
		sb.WriteString(line + "\n")
	}

	_ = event.CreateMessage(discord.NewMessageCreate().
		WithContent(sb.String()).WithEphemeral(true))
}

func handleMusicSkip(event *events.ApplicationCommandInteractionCreate, _ discord.SlashCommandInteractionData) {
	LogVoice("User %s (%s) skipped in guild %s", event.User().Username, event.User().ID, *event.GuildID())
	if err := GetVoiceManager().OnTrackEnd(context.Background(), *event.GuildID()); err != nil {
		_ = event.CreateMessage(discord.NewMessageCreate().WithContent("Failed: " + err.Error()).WithEphemeral(true))
		return
	}
	_ = event.CreateMessage(discord.NewMessageCreate().WithContent("⏭️ Skipped."))
}

func handleMusicStop(event *events.ApplicationCommandInteractionCreate, _ discord.SlashCommandInteractionData) {
	LogVoice("User %s (%s) stopped playback in guild %s", event.User().Username, event.User().ID, *event.GuildID())
	if err := GetVoiceManager().Stop(context.Background(), *event.GuildID()); err != nil {
		_ = event.CreateMessage(discord.NewMessageCreate().WithContent("Failed: " + err.Error()).WithEphemeral(true))
		return
	}
	_ = event.CreateMessage(discord.NewMessageCreate().WithContent("🛑 Stopped and disconnected."))
}

func handleMusicHistory(event *events.ApplicationCommandInteractionCreate, _ discord.SlashCommandInteractionData) {
	entries, err := RecentHistoryForGuild(context.Background(), event.GuildID().String(), 10)
	if err != nil {
		_ = event.CreateMessage(discord.NewMessageCreate().WithContent("Failed: " + err.Error()).WithEphemeral(true))
		return
	}
	if len(entries) == 0 {
		_ = event.CreateMessage(discord.NewMessageCreate().WithContent("_No playback history yet_").WithEphemeral(true))
		return
	}

	var sb strings.Builder
	sb.WriteString("🕘 **Recently Played:**\n")
	for i, e := range entries {
		title := e.Title
		if title == "" {
			title = e.URL
		}
		line := fmt.Sprintf("`%d.` [%s](%s) · <@%s>", i+1, Truncate(title, 60), e.URL, e.UserID)
		if e.Duration > 0 {
			line += " · " + FormatDuration(time.Duration(e.Duration)*time.Second)
		}
		sb.WriteString(line + "\n")
	}

	_ = event.CreateMessage(discord.NewMessageCreate().
		WithContent(sb.String()).WithEphemeral(true))
}

func handleMusicAutocomplete(event *events.AutocompleteInteractionCreate) {
	f := event.Data.Focused()
	if f.Name != "query" {
		return
	}
	q := f.String()
	if q == "" || strings.Contains(q, "http") {
		_ = event.AutocompleteResult(nil)
		return
	}
	rs, err := SearchTracks(q)
	if err != nil {
		_ = event.AutocompleteResult(nil)
		return
	}
	var cs []discord.AutocompleteChoice
	for i, r := range rs {
		if i >= 25 {
			break
		}
		n := r.Title
		if r.ChannelName != "" {
			n += " · " + r.ChannelName
		}
		if len(n) > 100 {
			n = n[:97] + "..."
		}
		v := r.URL
		if len(v) > 100 {
			v = r.Title
			if len(v) > 100 {
				v = v[:100]
			}
		}
		cs = append(cs, discord.AutocompleteChoiceString{Name: n, Value: v})
	}
	_ = event.AutocompleteResult(cs)
}

// ============================================================================
// Maintenance Handlers
// ============================================================================

func handleMaintenance(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}
	switch *data.SubCommandName {
	case "cleanup":
		handleMaintenanceCleanup(event, data)
	case "stats":
		handleMaintenanceStats(event, data)
	}
}

func handleMaintenanceCleanup(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	days, ok := data.OptInt("days")
	if !ok || days <= 0 {
		days = 30
	}
	_ = event.DeferCreateMessage(true)

	ctx := context.Background()
	cacheRows, cacheErr := CleanupSongCache(ctx, days)
	historyRows, historyErr := CleanupQueueHistory(ctx, days)
	if err := errors.Join(cacheErr, historyErr); err != nil {
		_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(), discord.NewMessageUpdate().WithContent("Failed: "+err.Error()))
		return
	}

	LogDatabase("Cleanup removed %d cache rows and %d history rows (>%dd)", cacheRows, historyRows, days)
	c := fmt.Sprintf("🧹 Removed %d cache rows and %d history rows older than %d days.", cacheRows, historyRows, days)
	_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(), discord.NewMessageUpdate().WithContent(c))
}

func handleMaintenanceStats(event *events.ApplicationCommandInteractionCreate, _ discord.SlashCommandInteractionData) {
	snap := GetMetricsSnapshot()
	var sb strings.Builder
	sb.WriteString("**Collector Stats**\n")
	sb.WriteString(fmt.Sprintf("Uptime: %s\n", FormatDuration(time.Since(StartupTime))))
	sb.WriteString(fmt.Sprintf("Connected guilds: %d\n", snap.ConnectedGuilds))
	sb.WriteString(fmt.Sprintf("Queued tracks: %d\n", snap.QueuedTracks))
	sb.WriteString(fmt.Sprintf("Cache: %d files (%.1f MB)\n", snap.CacheFiles, float64(snap.CacheBytes)/1024/1024))
	sb.WriteString(fmt.Sprintf("Joins: %d ok / %d failed\n", snap.JoinsSucceeded, snap.JoinsFailed))
	sb.WriteString(fmt.Sprintf("Tracks: %d queued / %d finished", snap.TracksQueued, snap.TracksFinished))

	_ = event.CreateMessage(discord.NewMessageCreate().
		WithContent(sb.String()).WithEphemeral(true))
}
