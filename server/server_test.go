package server

import (
	"bytes"
	"crypto/sha1"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedcloud/seedcloud/bencode"
	"github.com/seedcloud/seedcloud/engine"
	"github.com/seedcloud/seedcloud/storage"
	"github.com/seedcloud/seedcloud/vault"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "data.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	e := engine.New(store, vault.New())
	require.NoError(t, e.Configure(engine.Config{
		AutoStart:             false,
		DownloadDirectory:     filepath.Join(dir, "downloads"),
		DataDirectory:         dir,
		IncomingPort:          freePort(t),
		AllowRuntimeConfigure: true,
	}))
	t.Cleanup(e.Stop)

	s := &Server{engine: e, store: store}
	s.state.Torrents = map[string]*engine.TorrentSnapshot{}
	s.state.Config = e.Config()
	srv := httptest.NewServer(http.HandlerFunc(s.apiHandle))
	t.Cleanup(srv.Close)
	return s, srv
}

func testTorrent(t *testing.T, name string) []byte {
	t.Helper()
	content := make([]byte, 16384)
	sum := sha1.Sum(content)
	data, err := bencode.Encode(map[string]interface{}{
		"info": map[string]interface{}{
			"name":         name,
			"piece length": int64(16384),
			"pieces":       string(sum[:]),
			"length":       int64(16384),
		},
	})
	require.NoError(t, err)
	return data
}

func postJSON(t *testing.T, url string, body interface{}, out interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	if out != nil {
		defer resp.Body.Close()
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func getJSON(t *testing.T, url string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	if out != nil {
		defer resp.Body.Close()
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestTorrentCommandSurface(t *testing.T) {
	_, srv := newTestServer(t)

	// add via raw .torrent upload
	data := testTorrent(t, "api.bin")
	resp, err := http.Post(srv.URL+"/api/torrentfile", "application/x-bittorrent", bytes.NewReader(data))
	require.NoError(t, err)
	var added map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&added))
	resp.Body.Close()
	require.NotEmpty(t, added["id"])
	ih := added["id"]

	var torrents []engine.TorrentSnapshot
	getJSON(t, srv.URL+"/api/torrents", &torrents)
	require.Len(t, torrents, 1)
	assert.Equal(t, "api.bin", torrents[0].Name)
	assert.Equal(t, engine.StatePaused, torrents[0].State)

	// start, then stop
	resp = postJSON(t, srv.URL+"/api/start", map[string]string{"id": ih}, nil)
	assert.Equal(t, 200, resp.StatusCode)
	resp = postJSON(t, srv.URL+"/api/stop", map[string]string{"id": ih}, nil)
	assert.Equal(t, 200, resp.StatusCode)

	// priority surface
	resp = postJSON(t, srv.URL+"/api/priority",
		map[string]string{"id": ih, "path": "api.bin", "priority": "skip"}, nil)
	assert.Equal(t, 200, resp.StatusCode)
	resp = postJSON(t, srv.URL+"/api/priority",
		map[string]string{"id": ih, "path": "api.bin", "priority": "urgent"}, nil)
	assert.Equal(t, 500, resp.StatusCode)

	var files []map[string]interface{}
	getJSON(t, srv.URL+"/api/files?ih="+ih, &files)
	require.Len(t, files, 1)
	assert.Equal(t, "skip", files[0]["Priority"])

	// remove
	resp = postJSON(t, srv.URL+"/api/delete", map[string]interface{}{"id": ih, "deleteFiles": true}, nil)
	assert.Equal(t, 200, resp.StatusCode)
	getJSON(t, srv.URL+"/api/torrents", &torrents)
	assert.Empty(t, torrents)
}

func TestParseEndpoints(t *testing.T) {
	_, srv := newTestServer(t)

	var parsed map[string]interface{}
	resp, err := http.Post(srv.URL+"/api/parse-torrent", "application/x-bittorrent",
		bytes.NewReader(testTorrent(t, "inspect.bin")))
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	resp.Body.Close()
	assert.Equal(t, "inspect.bin", parsed["name"])
	assert.Equal(t, float64(1), parsed["numPieces"])

	var magnet map[string]interface{}
	postJSON(t, srv.URL+"/api/parse-magnet",
		map[string]string{"magnet": "magnet:?xt=urn:btih:00112233445566778899aabbccddeeff00112233&dn=x"}, &magnet)
	assert.Equal(t, "00112233445566778899aabbccddeeff00112233", magnet["infoHash"])

	resp = postJSON(t, srv.URL+"/api/parse-magnet", map[string]string{"magnet": "not-a-magnet"}, nil)
	assert.Equal(t, 500, resp.StatusCode)
}

func TestMasterPasswordSurface(t *testing.T) {
	_, srv := newTestServer(t)

	var check map[string]bool
	getJSON(t, srv.URL+"/api/master-password/check", &check)
	assert.False(t, check["configured"])

	resp := postJSON(t, srv.URL+"/api/master-password/set",
		map[string]string{"password": "correct horse battery staple"}, nil)
	assert.Equal(t, 200, resp.StatusCode)

	getJSON(t, srv.URL+"/api/master-password/check", &check)
	assert.True(t, check["configured"])

	resp = postJSON(t, srv.URL+"/api/master-password/lock", map[string]string{}, nil)
	assert.Equal(t, 200, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/master-password/unlock",
		map[string]string{"password": "wrong"}, nil)
	assert.Equal(t, 500, resp.StatusCode)

	var unlock map[string]bool
	postJSON(t, srv.URL+"/api/master-password/unlock",
		map[string]string{"password": "correct horse battery staple"}, &unlock)
	assert.True(t, unlock["unlocked"])

	var status map[string]interface{}
	getJSON(t, srv.URL+"/api/debrid/status", &status)
	assert.Equal(t, true, status["masterPasswordSet"])
}

func TestReconfigureRequiresStoppedTorrents(t *testing.T) {
	s, srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/torrentfile", "application/x-bittorrent",
		bytes.NewReader(testTorrent(t, "busy.bin")))
	require.NoError(t, err)
	var added map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&added))
	resp.Body.Close()
	ih := added["id"]

	resp = postJSON(t, srv.URL+"/api/start", map[string]string{"id": ih}, nil)
	require.Equal(t, 200, resp.StatusCode)

	// an engine-level change (listen port) is refused while anything runs:
	// rebinding the listener would drop live peer connections
	nc := s.engine.Config()
	nc.IncomingPort = freePort(t)
	resp = postJSON(t, srv.URL+"/api/settings", nc, nil)
	assert.Equal(t, 500, resp.StatusCode)
	assert.NotEqual(t, nc.IncomingPort, s.engine.Config().IncomingPort)

	// once every torrent is stopped the same change is accepted
	resp = postJSON(t, srv.URL+"/api/stop", map[string]string{"id": ih}, nil)
	require.Equal(t, 200, resp.StatusCode)
	resp = postJSON(t, srv.URL+"/api/settings", nc, nil)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, nc.IncomingPort, s.engine.Config().IncomingPort)
}

func TestWatchDirectoryReconfigure(t *testing.T) {
	s, srv := newTestServer(t)
	s.TorrentWatcher() // no-op: fixture has no watch directory
	t.Cleanup(func() {
		s.watcherMu.Lock()
		if s.watcherStop != nil {
			close(s.watcherStop)
			s.watcherStop = nil
		}
		s.watcherMu.Unlock()
	})

	// point the watcher somewhere new at runtime
	dirB := filepath.Join(t.TempDir(), "drop")
	nc := s.engine.Config()
	nc.WatchDirectory = dirB
	resp := postJSON(t, srv.URL+"/api/settings", nc, nil)
	require.Equal(t, 200, resp.StatusCode)

	// a .torrent dropped into the NEW directory gets imported
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(dirB); err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dirB, "drop.torrent"),
		testTorrent(t, "dropped.bin"), 0644))

	deadline = time.Now().Add(10 * time.Second)
	for {
		torrents := s.engine.GetTorrents()
		if len(torrents) == 1 {
			assert.Equal(t, "dropped.bin", torrents[0].Name)
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("torrent dropped into new watch directory was not imported")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestUnknownActionRejected(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/no-such-thing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 500, resp.StatusCode)
}

func TestDiskSpaceEndpoint(t *testing.T) {
	_, srv := newTestServer(t)
	var out map[string]uint64
	getJSON(t, srv.URL+"/api/diskspace?path=/", &out)
	assert.Greater(t, out["free"], uint64(0))
}
