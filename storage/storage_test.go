package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// reopening an up-to-date database must not re-run migrations
	s2, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestTorrentRoundTrip(t *testing.T) {
	s := openTestStore(t)

	rec := &TorrentRecord{
		ID:           "aabbccddeeff00112233445566778899aabbccdd",
		Name:         "test torrent",
		Metainfo:     []byte("d4:infod4:name1:xee"),
		Magnet:       "magnet:?xt=urn:btih:aabbccddeeff00112233445566778899aabbccdd",
		SavePath:     "/downloads",
		State:        "Paused",
		Source:       "P2P",
		Bitfield:     []byte{0xa0},
		NumPieces:    4,
		BytesDown:    32768,
		BytesUp:      1024,
		AddedAt:      time.Unix(1700000000, 0),
		LastActivity: time.Unix(1700000100, 0),
		Priorities:   map[string]string{"a.bin": "high", "b.bin": "skip"},
	}
	require.NoError(t, s.SaveTorrent(rec))

	// idempotent upsert with changed counters
	rec.BytesDown = 65536
	rec.State = "Seeding"
	require.NoError(t, s.SaveTorrent(rec))

	recs, err := s.LoadTorrents()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	got := recs[0]
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "Seeding", got.State)
	assert.Equal(t, int64(65536), got.BytesDown)
	assert.Equal(t, []byte{0xa0}, got.Bitfield)
	assert.Equal(t, rec.AddedAt.Unix(), got.AddedAt.Unix())
	assert.Equal(t, map[string]string{"a.bin": "high", "b.bin": "skip"}, got.Priorities)

	require.NoError(t, s.DeleteTorrent(rec.ID))
	recs, err = s.LoadTorrents()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestLoadTorrentsOrderedByAddTime(t *testing.T) {
	s := openTestStore(t)
	for i, id := range []string{"cc", "aa", "bb"} {
		require.NoError(t, s.SaveTorrent(&TorrentRecord{
			ID: id, Name: id, SavePath: "/d", State: "Paused", Source: "P2P",
			AddedAt: time.Unix(int64(1700000000+(3-i)), 0),
		}))
	}
	recs, err := s.LoadTorrents()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "bb", recs[0].ID)
	assert.Equal(t, "aa", recs[1].ID)
	assert.Equal(t, "cc", recs[2].ID)
}

func TestVaultBlob(t *testing.T) {
	s := openTestStore(t)

	blob, err := s.LoadVault()
	require.NoError(t, err)
	assert.Nil(t, blob)

	require.NoError(t, s.SaveVault([]byte{1, 2, 3}))
	require.NoError(t, s.SaveVault([]byte{4, 5, 6})) // overwrite

	blob, err = s.LoadVault()
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5, 6}, blob)

	require.NoError(t, s.SaveVault(nil))
	blob, err = s.LoadVault()
	require.NoError(t, err)
	assert.Nil(t, blob)
}

func TestSettings(t *testing.T) {
	s := openTestStore(t)

	type debridSettings struct {
		AutoSelectAll bool   `json:"autoSelectAll"`
		Preferred     string `json:"preferred"`
	}
	var out debridSettings
	ok, err := s.LoadSetting("debrid", &out)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveSetting("debrid", debridSettings{AutoSelectAll: true, Preferred: "torbox"}))
	ok, err = s.LoadSetting("debrid", &out)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, debridSettings{AutoSelectAll: true, Preferred: "torbox"}, out)
}

func TestScheduleRules(t *testing.T) {
	s := openTestStore(t)

	r := &ScheduleRule{DayMask: 0x3e, StartMinute: 9 * 60, EndMinute: 17 * 60, Action: "pause"}
	require.NoError(t, s.SaveScheduleRule(r))
	assert.NotZero(t, r.ID)

	r.Action = "rate-limit"
	require.NoError(t, s.SaveScheduleRule(r))

	rules, err := s.ScheduleRules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "rate-limit", rules[0].Action)

	require.NoError(t, s.DeleteScheduleRule(r.ID))
	rules, err = s.ScheduleRules()
	require.NoError(t, err)
	assert.Empty(t, rules)
}
