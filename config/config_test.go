package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	assert.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Bind)
	assert.Equal(t, "https://api.runpod.ai/v2", cfg.RunPod.BaseURL)
	assert.Equal(t, "ff:task", cfg.Store.Prefix)
	assert.Equal(t, 604800, cfg.Store.TTL)
	assert.Equal(t, 5*time.Second, cfg.PollInterval())
	assert.Equal(t, 30*time.Minute, cfg.JobTimeout())
	assert.Equal(t, 2*time.Minute, cfg.RequestTimeout())
}

func TestLoadClampsPersistTTL(t *testing.T) {
	t.Setenv("JOBSTORE_TTL", "3600")
	t.Setenv("JOBSTORE_PERSIST_TTL", "60")
	cfg, err := Load()
	assert.NoError(t, err)
	assert.Equal(t, 3600, cfg.Store.PersistTTL)
}

func TestLoadClampsPollInterval(t *testing.T) {
	t.Setenv("RUNPOD_POLL_INTERVAL", "0.2")
	cfg, err := Load()
	assert.NoError(t, err)
	assert.Equal(t, time.Second, cfg.PollInterval())
}
