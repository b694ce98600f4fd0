package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearTokenEnv(t *testing.T) {
	t.Helper()
	for _, key := range tokenEnvCandidates {
		t.Setenv(key, "")
	}
}

func TestLoadConfigRequiresToken(t *testing.T) {
	clearTokenEnv(t)

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfigAcceptsAnyTokenCandidate(t *testing.T) {
	clearTokenEnv(t)
	t.Setenv("BOT_TOKEN", "token-from-fallback")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "token-from-fallback", cfg.Token)
}

func TestLoadConfigPrefersPrimaryToken(t *testing.T) {
	clearTokenEnv(t)
	t.Setenv("DISCORD_TOKEN", "primary")
	t.Setenv("BOT_TOKEN", "fallback")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "primary", cfg.Token)
}

func TestValidateRejectsMalformedGuildID(t *testing.T) {
	cfg := &Config{Token: "t", GuildID: "123"}
	assert.Error(t, cfg.Validate())

	cfg.GuildID = "123456789012345678"
	assert.NoError(t, cfg.Validate())

	cfg.GuildID = ""
	assert.NoError(t, cfg.Validate())
}
