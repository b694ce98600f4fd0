package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// ============================================================================
// Configuration
// ============================================================================

const (
	MsgConfigMissingToken   = "no bot token set (checked DISCORD_TOKEN, DISCORD_BOT_TOKEN, BOT_TOKEN)"
	MsgConfigInvalidGuildID = "invalid GUILD_ID: must be a valid Snowflake"

	// Environment Variables
	EnvDiscordToken   = "DISCORD_TOKEN"
	EnvSilent         = "SILENT"
	EnvGuildID        = "GUILD_ID"
	EnvDatabasePath   = "DATABASE_PATH"
	EnvDownloadFolder = "DOWNLOAD_FOLDER"
)

// tokenEnvCandidates is checked in order; the first non-empty value wins.
var tokenEnvCandidates = []string{EnvDiscordToken, "DISCORD_BOT_TOKEN", "BOT_TOKEN"}

type Config struct {
	Token          string
	GuildID        string
	DatabasePath   string
	DownloadFolder string
	Silent         bool
}

var GlobalConfig *Config

// LoadConfig initializes the configuration from environment variables.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	var token string
	for _, key := range tokenEnvCandidates {
		if v := os.Getenv(key); v != "" {
			token = v
			break
		}
	}

	dbPath := os.Getenv(EnvDatabasePath)
	if dbPath == "" {
		dbPath = filepath.Join(".", GetProjectName()+".db")
	}

	silent, _ := strconv.ParseBool(os.Getenv(EnvSilent))

	cfg := &Config{
		Token:          token,
		GuildID:        os.Getenv(EnvGuildID),
		DatabasePath:   dbPath,
		DownloadFolder: os.Getenv(EnvDownloadFolder),
		Silent:         silent,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Silent {
		SetSilentMode(true)
	}

	GlobalConfig = cfg
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf(MsgConfigMissingToken)
	}
	if c.GuildID != "" && (len(c.GuildID) < 17 || len(c.GuildID) > 20) {
		return fmt.Errorf(MsgConfigInvalidGuildID)
	}
	return nil
}

func GetProjectName() string {
	exePath, err := os.Executable()
	projectName := "lyre"
	if err == nil {
		projectName = filepath.Base(exePath)
		projectName = strings.TrimSuffix(projectName, ".exe")

		if projectName == "main" || strings.HasPrefix(projectName, "go_build_") {
			if modData, err := os.ReadFile("go.mod"); err == nil {
				lines := strings.Split(string(modData), "\n")
				if len(lines) > 0 && strings.HasPrefix(lines[0], "module ") {
					parts := strings.Split(lines[0], "/")
					projectName = strings.TrimSpace(parts[len(parts)-1])
				}
			}
		}
	}
	return projectName
}
