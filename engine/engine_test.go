package engine

import (
	"context"
	"crypto/sha1"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/seedcloud/seedcloud/bencode"
	"github.com/seedcloud/seedcloud/debrid"
	"github.com/seedcloud/seedcloud/metainfo"
	"github.com/seedcloud/seedcloud/peer"
	"github.com/seedcloud/seedcloud/piece"
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

func newTestEngine(t *testing.T, mutate func(*Config)) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "data.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	e := New(store, vault.New())
	cfg := Config{
		AutoStart:         true,
		DownloadDirectory: filepath.Join(dir, "downloads"),
		WatchDirectory:    filepath.Join(dir, "torrents"),
		DataDirectory:     filepath.Join(dir, "data"),
		EnableUpload:      true,
		EnableSeeding:     true,
		IncomingPort:      freePort(t),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, e.Configure(cfg))
	t.Cleanup(e.Stop)
	return e, dir
}

func torrentBytes(t *testing.T, name string, content []byte, pieceLen int64, announce string) []byte {
	t.Helper()
	var hashes []byte
	for off := int64(0); off < int64(len(content)); off += pieceLen {
		end := off + pieceLen
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		sum := sha1.Sum(content[off:end])
		hashes = append(hashes, sum[:]...)
	}
	root := map[string]interface{}{
		"info": map[string]interface{}{
			"name":         name,
			"piece length": pieceLen,
			"pieces":       string(hashes),
			"length":       int64(len(content)),
		},
	}
	if announce != "" {
		root["announce"] = announce
	}
	data, err := bencode.Encode(root)
	require.NoError(t, err)
	return data
}

// runSeed serves the full content on a loopback listener, BitTorrent-style.
func runSeed(t *testing.T, meta *metainfo.Metainfo, content []byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				theirs, err := peer.ReadHandshake(conn)
				if err != nil || theirs.InfoHash != meta.InfoHash {
					return
				}
				ours := &peer.Handshake{InfoHash: meta.InfoHash, PeerID: peer.NewPeerID()}
				if _, err := conn.Write(ours.Encode()); err != nil {
					return
				}
				full := piece.NewBitfield(meta.NumPieces())
				for i := 0; i < meta.NumPieces(); i++ {
					full.Set(i)
				}
				peer.WriteMessage(conn, peer.BitfieldMessage(full))
				for {
					msg, err := peer.ReadMessage(conn)
					if err != nil {
						return
					}
					if msg == nil {
						continue
					}
					switch msg.ID {
					case peer.MsgInterested:
						peer.WriteMessage(conn, &peer.Message{ID: peer.MsgUnchoke})
					case peer.MsgRequest:
						idx, begin, length, err := peer.ParseRange(msg)
						if err != nil {
							return
						}
						off := int64(idx)*meta.PieceLength + int64(begin)
						block := content[off : off+int64(length)]
						if err := peer.WriteMessage(conn, peer.PieceMessage(idx, begin, block)); err != nil {
							return
						}
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

// countingTracker records announce events and hands out one seed address.
type countingTracker struct {
	mu     sync.Mutex
	events []string
	peers  string // host:port
}

func (ct *countingTracker) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ct.mu.Lock()
		ct.events = append(ct.events, r.URL.Query().Get("event"))
		ct.mu.Unlock()

		var compact []byte
		if ct.peers != "" {
			host, portStr, _ := net.SplitHostPort(ct.peers)
			port, _ := strconv.Atoi(portStr)
			ip := net.ParseIP(host).To4()
			compact = append(compact, ip...)
			compact = append(compact, byte(port>>8), byte(port))
		}
		body, _ := bencode.Encode(map[string]interface{}{
			"interval": int64(1800),
			"complete": int64(1),
			"peers":    string(compact),
		})
		w.Write(body)
	})
}

func (ct *countingTracker) count(event string) int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	n := 0
	for _, e := range ct.events {
		if e == event {
			n++
		}
	}
	return n
}

func waitForState(t *testing.T, e *Engine, ih string, want State, timeout time.Duration) *TorrentSnapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		snap, err := e.GetTorrent(ih)
		require.NoError(t, err)
		if snap.State == want {
			return snap
		}
		if snap.State == StateError {
			t.Fatalf("torrent entered Error: %s", snap.Error)
		}
		time.Sleep(50 * time.Millisecond)
	}
	snap, _ := e.GetTorrent(ih)
	t.Fatalf("state %s not reached (at %s)", want, snap.State)
	return nil
}

func TestAddDownloadSeedLifecycle(t *testing.T) {
	content := make([]byte, 65536)
	for i := range content {
		content[i] = byte(i % 249)
	}
	ct := &countingTracker{}
	trackerSrv := httptest.NewServer(ct.handler())
	defer trackerSrv.Close()

	data := torrentBytes(t, "payload.bin", content, 16384, trackerSrv.URL+"/announce")
	meta, err := metainfo.Parse(data)
	require.NoError(t, err)
	ct.peers = runSeed(t, meta, content)

	e, dir := newTestEngine(t, nil)
	tt, err := e.NewTorrentBytes(data)
	require.NoError(t, err)

	snap := waitForState(t, e, tt.InfoHash, StateSeeding, 30*time.Second)
	assert.Equal(t, int64(65536), snap.Downloaded)
	assert.Equal(t, 4, snap.VerifiedPieces)
	assert.Equal(t, SourceP2P, snap.Source)

	got, err := os.ReadFile(filepath.Join(dir, "downloads", "payload.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// completed announced exactly once
	deadline := time.Now().Add(5 * time.Second)
	for ct.count("completed") == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, 1, ct.count("completed"))
	assert.GreaterOrEqual(t, ct.count("started"), 1)
}

func TestPauseResumeTrustsBitfield(t *testing.T) {
	content := make([]byte, 32768)
	for i := range content {
		content[i] = byte(i % 241)
	}
	ct := &countingTracker{}
	trackerSrv := httptest.NewServer(ct.handler())
	defer trackerSrv.Close()

	data := torrentBytes(t, "p.bin", content, 16384, trackerSrv.URL+"/announce")
	meta, err := metainfo.Parse(data)
	require.NoError(t, err)
	ct.peers = runSeed(t, meta, content)

	e, _ := newTestEngine(t, nil)
	tt, err := e.NewTorrentBytes(data)
	require.NoError(t, err)
	waitForState(t, e, tt.InfoHash, StateSeeding, 30*time.Second)

	require.NoError(t, e.PauseTorrent(tt.InfoHash))
	snap, err := e.GetTorrent(tt.InfoHash)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, snap.State)

	deadline := time.Now().Add(5 * time.Second)
	for ct.count("stopped") == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, ct.count("stopped"), 1, "stopped announced within 5s of pause")

	// resume: the persisted bitfield is trusted, no re-download needed
	require.NoError(t, e.StartTorrent(tt.InfoHash))
	snap = waitForState(t, e, tt.InfoHash, StateSeeding, 10*time.Second)
	assert.Equal(t, 2, snap.VerifiedPieces)
	assert.Equal(t, int64(32768), snap.Downloaded)
	assert.Equal(t, 1, ct.count("completed"), "no second completed event")
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) { c.AutoStart = false })
	data := torrentBytes(t, "dup.bin", make([]byte, 16384), 16384, "")

	_, err := e.NewTorrentBytes(data)
	require.NoError(t, err)
	_, err = e.NewTorrentBytes(data)
	assert.Error(t, err, "one live engine per info-hash")
	assert.Len(t, e.GetTorrents(), 1)
}

func TestQueueAdmission(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) { c.MaxConcurrentTask = 1 })

	a := torrentBytes(t, "a.bin", []byte("aaaa"), 16384, "")
	b := torrentBytes(t, "b.bin", []byte("bbbb"), 16384, "")

	ta, err := e.NewTorrentBytes(a)
	require.NoError(t, err)
	waitForState(t, e, ta.InfoHash, StateDownloading, 10*time.Second)

	tb, err := e.NewTorrentBytes(b)
	require.NoError(t, err)
	snapB, err := e.GetTorrent(tb.InfoHash)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, snapB.State)

	// freeing the slot admits the queued torrent
	require.NoError(t, e.PauseTorrent(ta.InfoHash))
	waitForState(t, e, tb.InfoHash, StateDownloading, 10*time.Second)
}

func TestMagnetWithoutMetadataCannotStartP2P(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) { c.AutoStart = false })
	tt, err := e.NewMagnet("magnet:?xt=urn:btih:00112233445566778899aabbccddeeff00112233&dn=later")
	require.NoError(t, err)
	assert.Equal(t, "later", tt.Snapshot().Name)
	assert.Error(t, e.StartTorrent(tt.InfoHash))
}

func TestRestoreFromStore(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "data.db")
	store, err := storage.Open(dbPath)
	require.NoError(t, err)

	data := torrentBytes(t, "keep.bin", make([]byte, 16384), 16384, "")
	e := New(store, vault.New())
	cfg := Config{
		AutoStart:         false,
		DownloadDirectory: filepath.Join(dir, "downloads"),
		DataDirectory:     dir,
		IncomingPort:      freePort(t),
	}
	require.NoError(t, e.Configure(cfg))
	tt, err := e.NewTorrentBytes(data)
	require.NoError(t, err)
	e.Stop()
	store.Close()

	// a fresh process rebuilds the registry from the database
	store2, err := storage.Open(dbPath)
	require.NoError(t, err)
	defer store2.Close()
	e2 := New(store2, vault.New())
	cfg.IncomingPort = freePort(t)
	require.NoError(t, e2.Configure(cfg))
	defer e2.Stop()

	snaps := e2.GetTorrents()
	require.Len(t, snaps, 1)
	assert.Equal(t, tt.InfoHash, snaps[0].ID)
	assert.Equal(t, "keep.bin", snaps[0].Name)
	assert.Equal(t, StatePaused, snaps[0].State)
}

// stubProvider drives the cloud pipeline without a real debrid service.
type stubProvider struct {
	mu       sync.Mutex
	statuses []debrid.Status // consumed one per Progress poll
	files    []debrid.File
	selected bool
	deleted  bool
}

func (s *stubProvider) Name() string                   { return "real-debrid" }
func (s *stubProvider) Validate(context.Context) error { return nil }
func (s *stubProvider) SubmitMagnet(ctx context.Context, magnet string) (string, error) {
	return "REMOTE1", nil
}
func (s *stubProvider) SubmitTorrent(ctx context.Context, data []byte) (string, error) {
	return "REMOTE1", nil
}
func (s *stubProvider) CheckCache(ctx context.Context, ih string) (*debrid.CacheStatus, error) {
	return &debrid.CacheStatus{IsCached: true, Files: []debrid.CachedFile{{ID: 0, Name: "x"}}}, nil
}
func (s *stubProvider) SelectFiles(ctx context.Context, id string, fileIDs []int) error {
	s.mu.Lock()
	s.selected = true
	s.mu.Unlock()
	return nil
}
func (s *stubProvider) Progress(ctx context.Context, id string) (*debrid.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statuses[0]
	if len(s.statuses) > 1 {
		s.statuses = s.statuses[1:]
	}
	return &debrid.Progress{RemoteID: id, Name: "bundle", Status: st, Percent: 100}, nil
}
func (s *stubProvider) Links(ctx context.Context, id string) ([]debrid.File, error) {
	return s.files, nil
}
func (s *stubProvider) List(ctx context.Context) ([]debrid.Progress, error) { return nil, nil }
func (s *stubProvider) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	s.deleted = true
	s.mu.Unlock()
	return nil
}

func TestCloudTorrentLifecycle(t *testing.T) {
	fileA := []byte("cloud file a contents")
	fileB := []byte("cloud file b, somewhat longer contents")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a.bin":
			w.Write(fileA)
		case "/b.bin":
			w.Write(fileB)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	stub := &stubProvider{
		statuses: []debrid.Status{
			debrid.StatusWaitingFilesSelection,
			debrid.StatusDownloading,
			debrid.StatusDownloaded,
		},
		files: []debrid.File{
			{ID: "1", Name: "bundle/a.bin", Size: int64(len(fileA)), DownloadLink: srv.URL + "/a.bin"},
			{ID: "2", Name: "bundle/b.bin", Size: int64(len(fileB)), DownloadLink: srv.URL + "/b.bin"},
		},
	}

	e, dir := newTestEngine(t, nil)
	e.providerFactory = func(name, key string) (debrid.Provider, error) { return stub, nil }
	require.NoError(t, e.SetMasterPassword("correct horse battery staple"))
	require.NoError(t, e.SaveDebridCredentials("real-debrid", "api-key"))

	cache := e.CheckTorrentCache(context.Background(), "00112233445566778899aabbccddeeff00112233")
	require.Contains(t, cache, "real-debrid")
	assert.True(t, cache["real-debrid"].IsCached)

	tt, err := e.AddCloudTorrent(
		"magnet:?xt=urn:btih:00112233445566778899aabbccddeeff00112233",
		"real-debrid", filepath.Join(dir, "downloads"))
	require.NoError(t, err)

	snap := waitForState(t, e, tt.InfoHash, StateComplete, 60*time.Second)
	assert.Equal(t, SourceCloud, snap.Source)
	assert.Equal(t, int64(len(fileA)+len(fileB)), snap.Downloaded)
	assert.True(t, stub.selected, "file selection answered")

	got, err := os.ReadFile(filepath.Join(dir, "downloads", "bundle", "a.bin"))
	require.NoError(t, err)
	assert.Equal(t, fileA, got)
	got, err = os.ReadFile(filepath.Join(dir, "downloads", "bundle", "b.bin"))
	require.NoError(t, err)
	assert.Equal(t, fileB, got)
}

func TestCloudAddRequiresUnlockedVault(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	_, err := e.AddCloudTorrent("magnet:?xt=urn:btih:00112233445566778899aabbccddeeff00112233", "real-debrid", "")
	assert.ErrorIs(t, err, vault.ErrNotConfigured)

	require.NoError(t, e.SetMasterPassword("pw"))
	require.NoError(t, e.SaveDebridCredentials("real-debrid", "key"))
	e.LockDebridServices()
	_, err = e.AddCloudTorrent("magnet:?xt=urn:btih:00112233445566778899aabbccddeeff00112233", "real-debrid", "")
	assert.ErrorIs(t, err, vault.ErrLocked)
}

func TestMasterPasswordAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "data.db")
	store, err := storage.Open(dbPath)
	require.NoError(t, err)

	e := New(store, vault.New())
	cfg := Config{
		DownloadDirectory: filepath.Join(dir, "downloads"),
		DataDirectory:     dir,
		IncomingPort:      freePort(t),
	}
	require.NoError(t, e.Configure(cfg))
	assert.False(t, e.CheckMasterPasswordSet())
	require.NoError(t, e.SetMasterPassword("correct horse battery staple"))
	require.NoError(t, e.SaveDebridCredentials("torbox", "tb-key"))
	e.Stop()
	store.Close()

	store2, err := storage.Open(dbPath)
	require.NoError(t, err)
	defer store2.Close()
	e2 := New(store2, vault.New())
	cfg.IncomingPort = freePort(t)
	require.NoError(t, e2.Configure(cfg))
	defer e2.Stop()

	assert.True(t, e2.CheckMasterPasswordSet())
	assert.ErrorIs(t, e2.UnlockWithMasterPassword("wrong"), vault.ErrInvalidPassword)
	require.NoError(t, e2.UnlockWithMasterPassword("correct horse battery staple"))

	status := e2.DebridCredentialsStatus()
	require.Len(t, status, 1)
	assert.Equal(t, "torbox", status[0].Provider)
}

func TestFilePrioritySurface(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) { c.AutoStart = false })
	data := torrentBytes(t, "prio.bin", make([]byte, 16384), 16384, "")
	tt, err := e.NewTorrentBytes(data)
	require.NoError(t, err)

	require.NoError(t, e.SetFilePriority(tt.InfoHash, "prio.bin", "high"))
	assert.Error(t, e.SetFilePriority(tt.InfoHash, "prio.bin", "urgent"))

	files := tt.FileList()
	require.Len(t, files, 1)
	assert.Equal(t, "high", files[0].Priority)
}

func TestRuleMatches(t *testing.T) {
	rule := storage.ScheduleRule{DayMask: 1 << int(time.Monday), StartMinute: 9 * 60, EndMinute: 17 * 60, Action: "pause"}
	monday10 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC) // a Monday
	assert.True(t, ruleMatches(rule, monday10))
	assert.False(t, ruleMatches(rule, monday10.Add(12*time.Hour)), "outside window")
	assert.False(t, ruleMatches(rule, monday10.Add(24*time.Hour)), "Tuesday")

	// window wrapping midnight
	wrap := storage.ScheduleRule{DayMask: 0x7f, StartMinute: 23 * 60, EndMinute: 60}
	assert.True(t, ruleMatches(wrap, time.Date(2024, 1, 1, 23, 30, 0, 0, time.UTC)))
	assert.True(t, ruleMatches(wrap, time.Date(2024, 1, 1, 0, 30, 0, 0, time.UTC)))
	assert.False(t, ruleMatches(wrap, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)))
}

func TestRateLimiterParse(t *testing.T) {
	l, err := rateLimiter("1MB")
	require.NoError(t, err)
	assert.InDelta(t, 1048576, float64(l.Limit()), 1)

	l, err = rateLimiter("")
	require.NoError(t, err)
	assert.Equal(t, rate.Inf, l.Limit())

	_, err = rateLimiter("not-a-rate")
	assert.Error(t, err)
}
