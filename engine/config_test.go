package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitConfWritesDefaults(t *testing.T) {
	specPath := filepath.Join(t.TempDir(), "seedcloud.yaml")
	c, err := InitConf(specPath)
	require.NoError(t, err)

	assert.Equal(t, 6881, c.IncomingPort)
	assert.True(t, c.AutoStart)
	assert.True(t, c.EnableSeeding)
	assert.True(t, filepath.IsAbs(c.DownloadDirectory))

	// the config file is written out on first run
	_, err = os.Stat(specPath)
	assert.NoError(t, err)
}

func TestConfigValidateBitmask(t *testing.T) {
	c := &Config{IncomingPort: 6881, DownloadDirectory: "/d", WatchDirectory: "/w"}

	nc := *c
	assert.Equal(t, uint8(0), c.Validate(&nc))

	nc = *c
	nc.IncomingPort = 6882
	assert.NotZero(t, c.Validate(&nc)&NeedEngineReConfig)

	nc = *c
	nc.DoneCmd = "/bin/true"
	assert.NotZero(t, c.Validate(&nc)&ForbidRuntimeChange)

	nc = *c
	nc.WatchDirectory = "/elsewhere"
	assert.NotZero(t, c.Validate(&nc)&NeedRestartWatch)

	nc = *c
	nc.RssURL = "https://example.com/feed"
	assert.NotZero(t, c.Validate(&nc)&NeedUpdateRSS)

	nc = *c
	nc.MaxConcurrentTask = 5
	assert.NotZero(t, c.Validate(&nc)&NeedLoadWaitList)
}
