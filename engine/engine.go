package engine

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/seedcloud/seedcloud/debrid"
	"github.com/seedcloud/seedcloud/disk"
	"github.com/seedcloud/seedcloud/metainfo"
	"github.com/seedcloud/seedcloud/peer"
	"github.com/seedcloud/seedcloud/storage"
	"github.com/seedcloud/seedcloud/vault"
)

// Engine is the process-wide registry: one live supervisor per info-hash,
// the shared listen port, the global rate ceilings and queue admission.
type Engine struct {
	mut         sync.Mutex
	config      Config
	ts          map[string]*Torrent
	store       *storage.Store
	vault       *vault.Vault
	peerID      [20]byte
	upLimiter   *rate.Limiter
	downLimiter *rate.Limiter
	listener    net.Listener
	waitList    *syncList
	events      chan string
	restored    bool

	// providerFactory is swapped in tests to point adapters at fakes.
	providerFactory func(name, apiKey string) (debrid.Provider, error)

	ctx    context.Context
	cancel context.CancelFunc
}

func New(store *storage.Store, vlt *vault.Vault) *Engine {
	e := &Engine{
		ts:              map[string]*Torrent{},
		store:           store,
		vault:           vlt,
		peerID:          peer.NewPeerID(),
		waitList:        NewSyncList(),
		events:          make(chan string, 256),
		providerFactory: debrid.NewProvider,
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

func (e *Engine) Config() Config {
	e.mut.Lock()
	defer e.mut.Unlock()
	return e.config
}

// Events is the torrent-update stream: ids of torrents whose state
// changed. The 1 Hz snapshot cadence comes from the server sync loop.
func (e *Engine) Events() <-chan string { return e.events }

func (e *Engine) emit(ih string) {
	select {
	case e.events <- ih:
	default:
	}
}

// Configure applies (or re-applies) the engine configuration: rate
// ceilings, the shared listener, vault blob and session restore.
func (e *Engine) Configure(c Config) error {
	if c.IncomingPort <= 0 || c.IncomingPort > 65535 {
		return fmt.Errorf("invalid incoming port (%d)", c.IncomingPort)
	}
	up, err := rateLimiter(c.UploadRate)
	if err != nil {
		log.Printf("UploadRate [%s] unrecognized, set as unlimited", c.UploadRate)
		up = rate.NewLimiter(rate.Inf, 0)
	}
	down, err := rateLimiter(c.DownloadRate)
	if err != nil {
		log.Printf("DownloadRate [%s] unrecognized, set as unlimited", c.DownloadRate)
		down = rate.NewLimiter(rate.Inf, 0)
	}

	mkdir(c.DownloadDirectory)
	mkdir(c.DataDirectory)

	e.mut.Lock()
	rebind := e.listener == nil || e.config.IncomingPort != c.IncomingPort
	old := e.listener
	e.config = c
	e.upLimiter = up
	e.downLimiter = down
	e.mut.Unlock()

	if rebind {
		if old != nil {
			old.Close()
		}
		ln, err := net.Listen("tcp", ":"+strconv.Itoa(c.IncomingPort))
		if err != nil {
			return fmt.Errorf("listen port %d: %w", c.IncomingPort, err)
		}
		e.mut.Lock()
		e.listener = ln
		e.mut.Unlock()
		go e.acceptLoop(ln)
		log.Println("[engine] listening on port", c.IncomingPort)
	}

	if !e.restored {
		e.restored = true
		if blob, err := e.store.LoadVault(); err == nil && blob != nil {
			if err := e.vault.Load(blob); err != nil {
				log.Println("[engine] vault blob unreadable:", err)
			}
		}
		e.restore()
		go e.persistLoop()
		go e.scheduleLoop()
	}
	return nil
}

// restore rebuilds torrents from the store and re-starts the ones that
// were active, subject to queue admission.
func (e *Engine) restore() {
	recs, err := e.store.LoadTorrents()
	if err != nil {
		log.Println("[engine] restore failed:", err)
		return
	}
	var toStart []string
	for _, rec := range recs {
		t := &Torrent{
			InfoHash: rec.ID,
			Magnet:   rec.Magnet,
			AddedAt:  rec.AddedAt,
			e:        e,
			name:     rec.Name,
			source:   Source(rec.Source),
			savePath: rec.SavePath,
			state:    StatePaused,
			errMsg:   rec.Error,
			baseDown: rec.BytesDown,
			baseUp:   rec.BytesUp,
			provider: rec.Provider,
			remoteID: rec.RemoteID,

			savedBitfield: rec.Bitfield,
			savedPrios:    rec.Priorities,
		}
		if len(rec.Metainfo) > 0 {
			if m, err := metainfo.Parse(rec.Metainfo); err == nil {
				t.meta = m
			} else {
				t.state = StateError
				t.errMsg = "stored metainfo unreadable: " + err.Error()
			}
		}
		if rec.State == string(StateError) {
			t.state = StateError
		}
		if rec.State == string(StateComplete) {
			t.state = StateComplete
		}
		e.ts[rec.ID] = t
		prev := State(rec.State)
		if (prev.Active() || prev == StateSeeding || prev == StateQueued) && e.config.AutoStart {
			toStart = append(toStart, rec.ID)
		}
	}
	log.Println("[engine] restored", len(recs), "torrents")
	for _, ih := range toStart {
		if err := e.StartTorrent(ih); err != nil {
			log.Println("[engine] restart", ih, "failed:", err)
		}
	}
}

// persist writes one torrent row; called on transitions and by the loop.
func (e *Engine) persist(t *Torrent) {
	t.mu.Lock()
	rec := &storage.TorrentRecord{
		ID:           t.InfoHash,
		Name:         t.name,
		Magnet:       t.Magnet,
		SavePath:     t.savePath,
		State:        string(t.state),
		Source:       string(t.source),
		BytesDown:    t.baseDown,
		BytesUp:      t.baseUp,
		AddedAt:      t.AddedAt,
		LastActivity: time.Now(),
		Error:        t.errMsg,
		Provider:     t.provider,
		RemoteID:     t.remoteID,
		Priorities:   t.savedPrios,
	}
	if t.meta != nil {
		rec.Metainfo = t.meta.Bytes()
		rec.NumPieces = t.meta.NumPieces()
	}
	picker := t.picker
	peers := t.peers
	saved := t.savedBitfield
	t.mu.Unlock()

	if picker != nil {
		rec.Bitfield = picker.Have().Bytes()
	} else {
		rec.Bitfield = saved
	}
	if peers != nil {
		d, u := peers.Totals()
		rec.BytesDown += d
		rec.BytesUp += u
	}
	if err := e.store.SaveTorrent(rec); err != nil {
		log.Println("[engine] persist", t.InfoHash, "failed:", err)
	}
}

// persistLoop checkpoints active torrents so counters survive a crash.
func (e *Engine) persistLoop() {
	tick := time.NewTicker(30 * time.Second)
	defer tick.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-tick.C:
			for _, t := range e.snapshotList() {
				st := t.Snapshot().State
				if st.Active() || st == StateSeeding {
					e.persist(t)
				}
			}
		}
	}
}

func (e *Engine) snapshotList() []*Torrent {
	e.mut.Lock()
	defer e.mut.Unlock()
	out := make([]*Torrent, 0, len(e.ts))
	for _, t := range e.ts {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AddedAt.Before(out[j].AddedAt) })
	return out
}

// acceptLoop owns the listen port: inbound handshakes are demultiplexed to
// engines by info-hash.
func (e *Engine) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go e.handleIncoming(conn)
	}
}

func (e *Engine) handleIncoming(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(peer.HandshakeTimeout))
	hs, err := peer.ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	e.mut.Lock()
	t := e.ts[hs.InfoHash.String()]
	e.mut.Unlock()
	if t == nil {
		conn.Close()
		return
	}
	t.mu.Lock()
	peers := t.peers
	t.mu.Unlock()
	if peers == nil {
		conn.Close()
		return
	}
	peers.AddIncoming(conn, hs)
}

// ParseTorrentBytes validates a .torrent file without adding it.
func (e *Engine) ParseTorrentBytes(data []byte) (*metainfo.Metainfo, error) {
	return metainfo.Parse(data)
}

// NewTorrentBytes adds a torrent from raw .torrent contents.
func (e *Engine) NewTorrentBytes(data []byte) (*Torrent, error) {
	m, err := metainfo.Parse(data)
	if err != nil {
		return nil, err
	}
	return e.addTorrent(m, "", SourceP2P, "")
}

// NewMagnet records a magnet-only torrent. It cannot start P2P until its
// metadata is acquired; submitting it to a debrid provider works now.
func (e *Engine) NewMagnet(uri string) (*Torrent, error) {
	mag, err := metainfo.ParseMagnet(uri)
	if err != nil {
		return nil, err
	}
	t, err := e.addTorrent(nil, uri, SourceP2P, mag.InfoHash.String())
	if err != nil {
		return nil, err
	}
	if mag.DisplayName != "" {
		t.mu.Lock()
		t.name = mag.DisplayName
		t.mu.Unlock()
		e.persist(t)
	}
	return t, nil
}

func (e *Engine) addTorrent(m *metainfo.Metainfo, magnet string, source Source, ih string) (*Torrent, error) {
	if m != nil {
		ih = m.InfoHash.String()
	}
	e.mut.Lock()
	if _, dup := e.ts[ih]; dup {
		e.mut.Unlock()
		return nil, fmt.Errorf("torrent %s already added", ih)
	}
	t := &Torrent{
		InfoHash: ih,
		Magnet:   magnet,
		AddedAt:  time.Now(),
		e:        e,
		source:   source,
		savePath: e.config.DownloadDirectory,
		state:    StatePaused,
		meta:     m,
	}
	if m != nil {
		t.name = m.Name
	} else if t.name == "" {
		t.name = ih
	}
	e.ts[ih] = t
	autoStart := e.config.AutoStart
	e.mut.Unlock()

	log.Println("[engine] added torrent", ih)
	e.persist(t)
	e.emit(ih)
	if autoStart && m != nil {
		if err := e.StartTorrent(ih); err != nil {
			log.Println("[engine] autostart", ih, "failed:", err)
		}
	}
	return t, nil
}

func (e *Engine) getTorrent(infohash string) (*Torrent, error) {
	e.mut.Lock()
	defer e.mut.Unlock()
	t, ok := e.ts[infohash]
	if !ok {
		return nil, fmt.Errorf("missing torrent %s", infohash)
	}
	return t, nil
}

// activeDownloads counts engines occupying download slots.
func (e *Engine) activeDownloads() int {
	n := 0
	for _, t := range e.ts {
		t.mu.Lock()
		if t.state.Active() {
			n++
		}
		t.mu.Unlock()
	}
	return n
}

// StartTorrent moves a torrent out of Paused, subject to queue admission:
// when MaxConcurrentTask is hit the torrent parks in Queued.
func (e *Engine) StartTorrent(infohash string) error {
	t, err := e.getTorrent(infohash)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.state.Active() || t.state == StateSeeding {
		t.mu.Unlock()
		return fmt.Errorf("already started")
	}
	if t.source == SourceP2P && t.meta == nil {
		t.mu.Unlock()
		return fmt.Errorf("magnet metadata not acquired; add it to a debrid provider instead")
	}
	complete := t.meta != nil && len(t.savedBitfield) > 0 && t.state == StateComplete
	t.mu.Unlock()

	e.mut.Lock()
	max := e.config.MaxConcurrentTask
	up, down := e.upLimiter, e.downLimiter
	port := e.config.IncomingPort
	queueFull := max > 0 && e.activeDownloads() >= max && !complete
	e.mut.Unlock()

	if queueFull {
		t.mu.Lock()
		t.state = StateQueued
		t.mu.Unlock()
		e.waitList.Push(infohash)
		log.Println("[engine] queued", infohash, "(admission)")
		e.persist(t)
		e.emit(infohash)
		return nil
	}

	t.mu.Lock()
	t.errMsg = ""
	source := t.source
	t.mu.Unlock()

	switch source {
	case SourceCloud:
		go t.runCloud(e.ctx)
	default:
		t.startP2P(e.ctx, up, down, e.peerID, port)
	}
	return nil
}

// PauseTorrent quiesces the torrent: stopped announce, sockets dropped,
// state persisted.
func (e *Engine) PauseTorrent(infohash string) error {
	t, err := e.getTorrent(infohash)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.state == StatePaused {
		t.mu.Unlock()
		return fmt.Errorf("already stopped")
	}
	t.mu.Unlock()

	e.waitList.Remove(infohash)
	t.pause()
	e.persist(t)
	e.admitNext()
	return nil
}

// DeleteTorrent removes the torrent and, optionally, its files.
func (e *Engine) DeleteTorrent(infohash string, deleteFiles bool) error {
	t, err := e.getTorrent(infohash)
	if err != nil {
		return err
	}
	e.waitList.Remove(infohash)
	t.pause()

	e.mut.Lock()
	delete(e.ts, infohash)
	e.mut.Unlock()

	if err := e.store.DeleteTorrent(infohash); err != nil {
		log.Println("[engine] delete row", infohash, "failed:", err)
	}
	if deleteFiles {
		t.mu.Lock()
		m := t.meta
		savePath := t.savePath
		t.mu.Unlock()
		if m != nil {
			dm := disk.NewManager(m, savePath)
			if err := dm.DeleteFiles(); err != nil {
				log.Println("[engine] delete files", infohash, "failed:", err)
			}
		}
	}
	log.Println("[engine] removed torrent", infohash)
	e.emit(infohash)
	e.admitNext()
	return nil
}

// admitNext pops the wait list into a freed download slot.
func (e *Engine) admitNext() {
	e.mut.Lock()
	max := e.config.MaxConcurrentTask
	free := max == 0 || e.activeDownloads() < max
	e.mut.Unlock()
	if !free {
		return
	}
	if ih := e.waitList.Pop(); ih != "" {
		log.Println("[engine] admitting queued torrent", ih)
		if err := e.StartTorrent(ih); err != nil {
			log.Println("[engine] admit", ih, "failed:", err)
		}
	}
}

// GetTorrents snapshots every torrent, oldest first.
func (e *Engine) GetTorrents() []*TorrentSnapshot {
	list := e.snapshotList()
	out := make([]*TorrentSnapshot, len(list))
	for i, t := range list {
		out[i] = t.Snapshot()
	}
	return out
}

// GetTorrent snapshots one torrent.
func (e *Engine) GetTorrent(infohash string) (*TorrentSnapshot, error) {
	t, err := e.getTorrent(infohash)
	if err != nil {
		return nil, err
	}
	return t.Snapshot(), nil
}

// Torrent exposes the live record for detail queries (peers, trackers,
// pieces, files).
func (e *Engine) Torrent(infohash string) (*Torrent, error) {
	return e.getTorrent(infohash)
}

// SetFilePriority validates and forwards a priority change.
func (e *Engine) SetFilePriority(infohash, path, priority string) error {
	t, err := e.getTorrent(infohash)
	if err != nil {
		return err
	}
	if err := t.setFilePriority(path, priority); err != nil {
		return err
	}
	e.persist(t)
	return nil
}

// Stop quiesces everything; used at process shutdown.
func (e *Engine) Stop() {
	e.mut.Lock()
	ln := e.listener
	e.listener = nil
	e.mut.Unlock()
	if ln != nil {
		ln.Close()
	}
	for _, t := range e.snapshotList() {
		st := t.Snapshot().State
		if st != StatePaused && st != StateError {
			t.pause()
			e.persist(t)
		}
	}
	e.cancel()
}

func (e *Engine) callDoneCmd(name, ih, tasktype string, size int64) {
	e.mut.Lock()
	doneCmd := e.config.DoneCmd
	dir := e.config.DownloadDirectory
	e.mut.Unlock()
	if doneCmd == "" {
		return
	}
	cmd := exec.Command(doneCmd)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("CLD_DIR=%s", dir),
		fmt.Sprintf("CLD_PATH=%s", name),
		fmt.Sprintf("CLD_HASH=%s", ih),
		fmt.Sprintf("CLD_TYPE=%s", tasktype),
		fmt.Sprintf("CLD_SIZE=%d", size),
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		log.Println("[DoneCmd] Err:", err)
		return
	}
	log.Println("[DoneCmd] Output:", string(out))
}
