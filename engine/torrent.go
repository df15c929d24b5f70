package engine

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/seedcloud/seedcloud/cloud"
	"github.com/seedcloud/seedcloud/disk"
	"github.com/seedcloud/seedcloud/metainfo"
	"github.com/seedcloud/seedcloud/peer"
	"github.com/seedcloud/seedcloud/piece"
	"github.com/seedcloud/seedcloud/tracker"
)

// State is the torrent lifecycle.
type State string

const (
	StateQueued      State = "Queued"
	StateChecking    State = "Checking"
	StateDownloading State = "Downloading"
	StateSeeding     State = "Seeding"
	StateComplete    State = "Complete" // cloud torrents have no seeding phase
	StatePaused      State = "Paused"
	StateError       State = "Error"
)

// Active reports whether the torrent occupies a download slot.
func (s State) Active() bool {
	return s == StateChecking || s == StateDownloading
}

// Source is the byte pipeline feeding this torrent.
type Source string

const (
	SourceP2P   Source = "P2P"
	SourceCloud Source = "Cloud"
)

// Torrent is one supervised download. The engine registry is the only
// mutator; everything the UI sees goes through Snapshot.
type Torrent struct {
	InfoHash string
	Magnet   string
	AddedAt  time.Time

	e *Engine

	mu       sync.Mutex
	name     string
	source   Source
	savePath string
	state    State
	errMsg   string
	meta     *metainfo.Metainfo

	// counters carried across sessions; live managers add their deltas
	baseDown int64
	baseUp   int64

	// restored rows applied once the live session exists
	savedBitfield []byte
	savedPrios    map[string]string

	// live P2P session, nil unless running
	picker   *piece.Picker
	store    *disk.Manager
	peers    *peer.Manager
	trackers *tracker.Client
	cancel   context.CancelFunc

	// cloud side
	provider  string
	remoteID  string
	cloudProg cloudProgress
	transfer  *cloud.Transfer

	startedAt       time.Time
	doneCmdCalled   bool
	schedulerPaused bool
}

// cloudProgress caches the last provider poll for snapshots.
type cloudProgress struct {
	status  string
	percent float32
	speed   int64
	eta     int64
}

// pieceSizes flattens the per-piece lengths for the picker.
func pieceSizes(m *metainfo.Metainfo) []int64 {
	out := make([]int64, m.NumPieces())
	for i := range out {
		out[i] = m.PieceSize(i)
	}
	return out
}

// startP2P builds the live session and transitions through Checking. Must
// be called with the torrent unstarted; returns once tasks are launched.
func (t *Torrent) startP2P(ctx context.Context, up, down *rate.Limiter, peerID [20]byte, port int) {
	ctx, t.cancel = context.WithCancel(ctx)

	t.mu.Lock()
	m := t.meta
	t.state = StateChecking
	t.startedAt = time.Now()
	t.mu.Unlock()
	t.e.emit(t.InfoHash)

	store := disk.NewManager(m, t.savePath)
	bf := piece.NewBitfield(m.NumPieces())

	// trust a persisted bitfield; hash-check only when none survives
	restored := false
	t.mu.Lock()
	if len(t.savedBitfield) > 0 {
		if saved, err := piece.BitfieldFromBytes(t.savedBitfield, m.NumPieces()); err == nil {
			bf = saved
			restored = true
		}
	}
	prios := t.savedPrios
	t.mu.Unlock()

	go func() {
		if restored {
			store.ResetFromBitfield(bf)
		} else {
			store.VerifyExisting(bf)
		}
		for path, p := range prios {
			if pr, err := disk.ParsePriority(p); err == nil {
				store.SetPriority(path, pr)
			}
		}

		pk := piece.NewPicker(pieceSizes(m), bf)
		pk.SetExcluded(store.ExcludedPieces())
		pk.SetPreferred(store.PreferredPieces())
		cfg := t.e.Config()
		if cfg.SequentialDownload {
			pk.SetMode(piece.ModeSequential)
		}
		pk.SetFirstLast(cfg.FirstLastPieceFirst)

		peers := peer.NewManager(m, pk, store, peerID, up, down, peer.Hooks{
			OnVerified: func(index int) { t.onVerified() },
			OnComplete: func() { t.onComplete() },
		})

		trackers := tracker.New(m.Trackers, m.InfoHash, peerID, port,
			func() (int64, int64, int64) {
				snap := t.Snapshot()
				left := snap.Size - snap.Downloaded
				if left < 0 {
					left = 0
				}
				return snap.Uploaded, snap.Downloaded, left
			},
			func(addrs []string) { peers.AddPeers(addrs) })

		t.mu.Lock()
		if t.cancel == nil { // paused during the check
			t.mu.Unlock()
			store.Close()
			return
		}
		t.picker = pk
		t.store = store
		t.peers = peers
		t.trackers = trackers
		if bf.Complete() {
			t.state = StateSeeding
		} else {
			t.state = StateDownloading
		}
		t.mu.Unlock()

		peers.Start(ctx)
		trackers.Start(ctx)
		log.Println("[torrent] started", t.InfoHash, "pieces", bf.Count(), "/", m.NumPieces())
		t.e.emit(t.InfoHash)
		t.e.persist(t)
	}()
}

// quiesceTimeout bounds how long pause waits for tasks to drop.
const quiesceTimeout = 5 * time.Second

// pause sends stopped to the trackers, drops every socket and folds the
// live counters into the persisted base.
func (t *Torrent) pause() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	peers := t.peers
	trackers := t.trackers
	store := t.store
	picker := t.picker
	transfer := t.transfer
	t.peers = nil
	t.trackers = nil
	t.picker = nil
	t.store = nil
	t.transfer = nil
	if peers != nil {
		d, u := peers.Totals()
		t.baseDown += d
		t.baseUp += u
	}
	if transfer != nil {
		t.baseDown += transfer.BytesDown()
	}
	if picker != nil {
		t.savedBitfield = picker.Have().Bytes()
	}
	if store != nil {
		t.savedPrios = store.Priorities()
	}
	if t.state != StateError {
		t.state = StatePaused
	}
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if trackers != nil {
		ctx, done := context.WithTimeout(context.Background(), quiesceTimeout)
		trackers.Stop(ctx)
		done()
	}
	if peers != nil {
		peers.Stop()
	}
	if store != nil {
		store.Close()
	}
	t.e.emit(t.InfoHash)
}

func (t *Torrent) onVerified() {
	t.e.emit(t.InfoHash)
}

func (t *Torrent) onComplete() {
	t.mu.Lock()
	alreadyDone := t.doneCmdCalled
	t.doneCmdCalled = true
	t.state = StateSeeding
	name := t.name
	size := t.size()
	trackers := t.trackers
	t.mu.Unlock()

	if trackers != nil {
		trackers.Announce(tracker.EventCompleted)
	}
	log.Println("[torrent] complete", t.InfoHash, humanize.Bytes(uint64(size)))
	t.e.persist(t)
	t.e.emit(t.InfoHash)
	t.e.admitNext()
	if !alreadyDone {
		go t.e.callDoneCmd(name, t.InfoHash, "torrent", size)
	}
	if !t.e.Config().EnableSeeding {
		go t.e.PauseTorrent(t.InfoHash)
	}
}

// size returns the total byte size; 0 while metadata is unknown.
func (t *Torrent) size() int64 {
	if t.meta == nil {
		return 0
	}
	return t.meta.TotalSize()
}

func (t *Torrent) setFilePriority(path, priority string) error {
	pr, err := disk.ParsePriority(priority)
	if err != nil {
		return err
	}
	t.mu.Lock()
	store := t.store
	picker := t.picker
	if t.savedPrios == nil {
		t.savedPrios = map[string]string{}
	}
	t.savedPrios[path] = priority
	t.mu.Unlock()

	if store == nil {
		return nil // applied on next start
	}
	if err := store.SetPriority(path, pr); err != nil {
		return err
	}
	if picker != nil {
		picker.SetExcluded(store.ExcludedPieces())
		picker.SetPreferred(store.PreferredPieces())
	}
	return nil
}

// TorrentSnapshot is the read-only published view.
type TorrentSnapshot struct {
	ID             string               `json:"id"`
	Name           string               `json:"name"`
	Magnet         string               `json:"magnet,omitempty"`
	State          State                `json:"state"`
	Source         Source               `json:"source"`
	SavePath       string               `json:"savePath"`
	Size           int64                `json:"size"`
	Downloaded     int64                `json:"downloaded"`
	Uploaded       int64                `json:"uploaded"`
	Percent        float32              `json:"percent"`
	DownloadRate   float64              `json:"downloadRate"`
	UploadRate     float64              `json:"uploadRate"`
	NumPieces      int                  `json:"numPieces"`
	VerifiedPieces int                  `json:"verifiedPieces"`
	PeerCount      int                  `json:"peerCount"`
	Seeders        int                  `json:"seeders"`
	Leechers       int                  `json:"leechers"`
	AddedAt        time.Time            `json:"addedAt"`
	Error          string               `json:"error,omitempty"`
	Provider       string               `json:"provider,omitempty"`
	RemoteID       string               `json:"remoteId,omitempty"`
	CloudStatus    string               `json:"cloudStatus,omitempty"`
	CloudPercent   float32              `json:"cloudPercent,omitempty"`
	Files          []disk.FileState     `json:"files,omitempty"`
	CloudFiles     []cloud.FileProgress `json:"cloudFiles,omitempty"`
}

// Snapshot assembles a weakly consistent view without holding any lock on
// the hot paths; counters may lag by up to one tick.
func (t *Torrent) Snapshot() *TorrentSnapshot {
	t.mu.Lock()
	snap := &TorrentSnapshot{
		ID:       t.InfoHash,
		Name:     t.name,
		Magnet:   t.Magnet,
		State:    t.state,
		Source:   t.source,
		SavePath: t.savePath,
		AddedAt:  t.AddedAt,
		Error:    t.errMsg,
		Provider: t.provider,
		RemoteID: t.remoteID,
	}
	if t.meta != nil {
		snap.Size = t.meta.TotalSize()
		snap.NumPieces = t.meta.NumPieces()
	}
	snap.Downloaded = t.baseDown
	snap.Uploaded = t.baseUp
	picker := t.picker
	peers := t.peers
	trackers := t.trackers
	store := t.store
	transfer := t.transfer
	snap.CloudStatus = t.cloudProg.status
	snap.CloudPercent = t.cloudProg.percent
	if len(t.savedBitfield) > 0 && picker == nil && t.meta != nil {
		if bf, err := piece.BitfieldFromBytes(t.savedBitfield, t.meta.NumPieces()); err == nil {
			snap.VerifiedPieces = bf.Count()
		}
	}
	t.mu.Unlock()

	if picker != nil {
		snap.VerifiedPieces = picker.Have().Count()
	}
	if peers != nil {
		d, u := peers.Totals()
		snap.Downloaded += d
		snap.Uploaded += u
		snap.DownloadRate, snap.UploadRate = peers.Rates()
		snap.PeerCount = peers.Count()
	}
	if trackers != nil {
		snap.Seeders, snap.Leechers = trackers.Swarm()
	}
	if store != nil {
		snap.Files = store.Files()
	}
	if transfer != nil {
		snap.CloudFiles = transfer.Snapshot()
		snap.Downloaded += transfer.BytesDown()
		snap.DownloadRate += transfer.Rate()
		if _, total := transfer.Totals(); snap.Size == 0 {
			snap.Size = total
		}
	}
	snap.Percent = percent(snap.Downloaded, snap.Size)
	if snap.Percent > 100 {
		snap.Percent = 100
	}
	return snap
}

func percent(n, total int64) float32 {
	if total == 0 {
		return float32(0)
	}
	return float32(int(float64(10000)*(float64(n)/float64(total)))) / 100
}

// PeerList publishes the live peer table; empty while paused.
func (t *Torrent) PeerList() []peer.Info {
	t.mu.Lock()
	peers := t.peers
	t.mu.Unlock()
	if peers == nil {
		return nil
	}
	return peers.Peers()
}

// TrackerList publishes tracker states; empty while paused.
func (t *Torrent) TrackerList() []tracker.Status {
	t.mu.Lock()
	trackers := t.trackers
	t.mu.Unlock()
	if trackers == nil {
		return nil
	}
	return trackers.Trackers()
}

// PiecesInfo is the per-piece view for the pieces bar.
type PiecesInfo struct {
	NumPieces    int    `json:"numPieces"`
	Bitfield     []byte `json:"bitfield"`
	Availability []int  `json:"availability,omitempty"`
	InFlight     []int  `json:"inFlight,omitempty"`
}

func (t *Torrent) PiecesInfo() *PiecesInfo {
	t.mu.Lock()
	picker := t.picker
	meta := t.meta
	saved := t.savedBitfield
	t.mu.Unlock()
	if meta == nil {
		return &PiecesInfo{}
	}
	out := &PiecesInfo{NumPieces: meta.NumPieces()}
	if picker != nil {
		out.Bitfield = picker.Have().Bytes()
		out.Availability = picker.Availability()
		out.InFlight = picker.InFlight()
	} else {
		out.Bitfield = saved
	}
	return out
}

// FileList publishes per-file state, falling back to metainfo while the
// disk manager is not running.
func (t *Torrent) FileList() []disk.FileState {
	t.mu.Lock()
	store := t.store
	meta := t.meta
	prios := t.savedPrios
	t.mu.Unlock()
	if store != nil {
		return store.Files()
	}
	if meta == nil {
		return nil
	}
	out := make([]disk.FileState, len(meta.Files))
	for i, f := range meta.Files {
		prio := "normal"
		if p, ok := prios[f.Path]; ok {
			prio = p
		}
		out[i] = disk.FileState{Path: f.Path, Size: f.Size, Priority: prio}
	}
	return out
}
