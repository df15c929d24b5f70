package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/seedcloud/seedcloud/disk"
	"github.com/seedcloud/seedcloud/engine"
	"github.com/seedcloud/seedcloud/metainfo"
)

// apiHandle centralizes error handling: handlers return an error and a
// payload; failures surface as plain-text 500s with the error kind intact.
func (s *Server) apiHandle(w http.ResponseWriter, r *http.Request) {
	out, err := s.api(r)
	if err != nil {
		log.Println("[api] error:", r.URL.Path, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if out == nil {
		out = map[string]bool{"ok": true}
	}
	json.NewEncoder(w).Encode(out)
}

func decodeInto(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

type idBody struct {
	ID          string `json:"id"`
	DeleteFiles bool   `json:"deleteFiles"`
}

func (s *Server) api(r *http.Request) (interface{}, error) {
	ctx := r.Context()
	action := strings.TrimPrefix(r.URL.Path, "/api/")
	ih := r.URL.Query().Get("ih")

	switch action {
	//torrent queries
	case "torrents", "load-saved":
		// saved torrents are rebuilt at boot; both commands read the registry
		return s.engine.GetTorrents(), nil
	case "torrent":
		return s.engine.GetTorrent(ih)
	case "peers":
		t, err := s.engine.Torrent(ih)
		if err != nil {
			return nil, err
		}
		return t.PeerList(), nil
	case "trackers":
		t, err := s.engine.Torrent(ih)
		if err != nil {
			return nil, err
		}
		return t.TrackerList(), nil
	case "pieces":
		t, err := s.engine.Torrent(ih)
		if err != nil {
			return nil, err
		}
		return t.PiecesInfo(), nil
	case "files":
		t, err := s.engine.Torrent(ih)
		if err != nil {
			return nil, err
		}
		return t.FileList(), nil
	case "cloud-progress":
		snap, err := s.engine.GetTorrent(ih)
		if err != nil {
			return nil, err
		}
		return snap.CloudFiles, nil

	//torrent commands
	case "parse-torrent":
		data, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
		if err != nil {
			return nil, err
		}
		m, err := s.engine.ParseTorrentBytes(data)
		if err != nil {
			return nil, err
		}
		return torrentSummary(m), nil
	case "parse-magnet":
		var b struct {
			Magnet string `json:"magnet"`
		}
		if err := decodeInto(r, &b); err != nil {
			return nil, err
		}
		mag, err := metainfo.ParseMagnet(b.Magnet)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"infoHash": mag.InfoHash.String(),
			"name":     mag.DisplayName,
			"trackers": mag.Trackers,
		}, nil
	case "torrentfile":
		data, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
		if err != nil {
			return nil, err
		}
		t, err := s.engine.NewTorrentBytes(data)
		if err != nil {
			return nil, err
		}
		return map[string]string{"id": t.InfoHash}, nil
	case "magnet":
		var b struct {
			Magnet string `json:"magnet"`
		}
		if err := decodeInto(r, &b); err != nil {
			return nil, err
		}
		t, err := s.engine.NewMagnet(b.Magnet)
		if err != nil {
			return nil, err
		}
		return map[string]string{"id": t.InfoHash}, nil
	case "cloud":
		var b struct {
			MagnetOrHash string `json:"magnetOrHash"`
			Provider     string `json:"provider"`
			SavePath     string `json:"savePath"`
		}
		if err := decodeInto(r, &b); err != nil {
			return nil, err
		}
		t, err := s.engine.AddCloudTorrent(b.MagnetOrHash, b.Provider, b.SavePath)
		if err != nil {
			return nil, err
		}
		return map[string]string{"id": t.InfoHash}, nil
	case "start":
		var b idBody
		if err := decodeInto(r, &b); err != nil {
			return nil, err
		}
		return nil, s.engine.StartTorrent(b.ID)
	case "stop":
		var b idBody
		if err := decodeInto(r, &b); err != nil {
			return nil, err
		}
		return nil, s.engine.PauseTorrent(b.ID)
	case "delete":
		var b idBody
		if err := decodeInto(r, &b); err != nil {
			return nil, err
		}
		return nil, s.engine.DeleteTorrent(b.ID, b.DeleteFiles)
	case "priority":
		var b struct {
			ID       string `json:"id"`
			Path     string `json:"path"`
			Priority string `json:"priority"`
		}
		if err := decodeInto(r, &b); err != nil {
			return nil, err
		}
		return nil, s.engine.SetFilePriority(b.ID, b.Path, b.Priority)

	//settings
	case "settings":
		if r.Method == "GET" {
			return s.engine.Config(), nil
		}
		return nil, s.reconfigure(r)
	case "diskspace":
		free, err := disk.AvailableSpace(r.URL.Query().Get("path"))
		if err != nil {
			return nil, err
		}
		return map[string]uint64{"free": free}, nil
	case "rss":
		return s.latestRSS(), nil

	//vault
	case "master-password/check":
		return map[string]bool{"configured": s.engine.CheckMasterPasswordSet()}, nil
	case "master-password/set":
		var b struct {
			Password string `json:"password"`
		}
		if err := decodeInto(r, &b); err != nil {
			return nil, err
		}
		return nil, s.engine.SetMasterPassword(b.Password)
	case "master-password/unlock":
		var b struct {
			Password string `json:"password"`
		}
		if err := decodeInto(r, &b); err != nil {
			return nil, err
		}
		if err := s.engine.UnlockWithMasterPassword(b.Password); err != nil {
			return map[string]bool{"unlocked": false}, err
		}
		return map[string]bool{"unlocked": true}, nil
	case "master-password/change":
		var b struct {
			Old string `json:"old"`
			New string `json:"new"`
		}
		if err := decodeInto(r, &b); err != nil {
			return nil, err
		}
		return nil, s.engine.ChangeMasterPassword(b.Old, b.New)
	case "master-password/lock":
		s.engine.LockDebridServices()
		return nil, nil

	//debrid
	case "debrid/status":
		return map[string]interface{}{
			"masterPasswordSet": s.engine.CheckMasterPasswordSet(),
			"credentials":       s.engine.DebridCredentialsStatus(),
		}, nil
	case "debrid/credentials":
		var b struct {
			Provider string `json:"provider"`
			APIKey   string `json:"apiKey"`
		}
		if err := decodeInto(r, &b); err != nil {
			return nil, err
		}
		return nil, s.engine.SaveDebridCredentials(b.Provider, b.APIKey)
	case "debrid/credentials/delete":
		var b struct {
			Provider string `json:"provider"`
		}
		if err := decodeInto(r, &b); err != nil {
			return nil, err
		}
		return nil, s.engine.DeleteDebridCredentials(b.Provider)
	case "debrid/validate":
		var b struct {
			Provider string `json:"provider"`
		}
		if err := decodeInto(r, &b); err != nil {
			return nil, err
		}
		valid, err := s.engine.ValidateDebridProvider(ctx, b.Provider)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"valid": valid}, nil
	case "debrid/cache":
		var b struct {
			InfoHash string `json:"infoHash"`
		}
		if err := decodeInto(r, &b); err != nil {
			return nil, err
		}
		return s.engine.CheckTorrentCache(ctx, b.InfoHash), nil
	case "debrid/magnet":
		var b struct {
			Provider string `json:"provider"`
			Magnet   string `json:"magnet"`
		}
		if err := decodeInto(r, &b); err != nil {
			return nil, err
		}
		id, err := s.engine.AddMagnetToDebrid(ctx, b.Provider, b.Magnet)
		if err != nil {
			return nil, err
		}
		return map[string]string{"remoteId": id}, nil
	case "debrid/torrentfile":
		provider := r.URL.Query().Get("provider")
		data, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
		if err != nil {
			return nil, err
		}
		id, err := s.engine.AddTorrentFileToDebrid(ctx, provider, data)
		if err != nil {
			return nil, err
		}
		return map[string]string{"remoteId": id}, nil
	case "debrid/select":
		var b struct {
			Provider string `json:"provider"`
			RemoteID string `json:"remoteId"`
			FileIDs  []int  `json:"fileIds"`
		}
		if err := decodeInto(r, &b); err != nil {
			return nil, err
		}
		return nil, s.engine.SelectDebridFiles(ctx, b.Provider, b.RemoteID, b.FileIDs)
	case "debrid/links":
		var b struct {
			Provider string `json:"provider"`
			RemoteID string `json:"remoteId"`
		}
		if err := decodeInto(r, &b); err != nil {
			return nil, err
		}
		return s.engine.GetDebridDownloadLinks(ctx, b.Provider, b.RemoteID)
	case "debrid/list":
		return s.engine.ListDebridTorrents(ctx, r.URL.Query().Get("provider"))
	case "debrid/delete":
		var b struct {
			Provider string `json:"provider"`
			RemoteID string `json:"remoteId"`
		}
		if err := decodeInto(r, &b); err != nil {
			return nil, err
		}
		return nil, s.engine.DeleteDebridTorrent(ctx, b.Provider, b.RemoteID)
	case "debrid/settings":
		if r.Method == "GET" {
			return s.engine.GetDebridSettings(), nil
		}
		var b engine.DebridSettings
		if err := decodeInto(r, &b); err != nil {
			return nil, err
		}
		return nil, s.engine.UpdateDebridSettings(b)
	}
	return nil, fmt.Errorf("invalid action %q", action)
}

// reconfigure validates a settings update against the running config the
// way the engine expects: some fields are immutable at runtime, some
// require an engine reconfigure.
func (s *Server) reconfigure(r *http.Request) error {
	c := s.engine.Config()
	nc := c
	if err := decodeInto(r, &nc); err != nil {
		return err
	}
	if !c.AllowRuntimeConfigure {
		return fmt.Errorf("runtime configuration is disabled")
	}
	status := c.Validate(&nc)
	if status&engine.ForbidRuntimeChange != 0 {
		return fmt.Errorf("DoneCmd and DataDirectory cannot be changed at runtime")
	}
	if _, err := nc.NormalizeConfigDir(); err != nil {
		return err
	}
	if status&engine.NeedEngineReConfig != 0 {
		// rebinding the listener or the rate ceilings drops live peers
		for _, snap := range s.engine.GetTorrents() {
			if snap.State != engine.StatePaused && snap.State != engine.StateError {
				return fmt.Errorf("all torrents must be stopped to reconfigure the engine")
			}
		}
		if err := s.engine.Configure(nc); err != nil {
			return err
		}
	}
	c.SyncViper(nc)
	if err := nc.WriteYaml(); err != nil {
		log.Println("[api] config write failed:", err)
	}
	s.state.Lock()
	s.state.Config = nc
	s.state.Unlock()
	s.state.Push()
	if status&engine.NeedRestartWatch != 0 {
		log.Println("[api] watch directory changed, restarting watcher")
		s.TorrentWatcher()
	}
	return nil
}

func torrentSummary(m *metainfo.Metainfo) map[string]interface{} {
	files := make([]map[string]interface{}, len(m.Files))
	for i, f := range m.Files {
		files[i] = map[string]interface{}{"path": f.Path, "size": f.Size}
	}
	return map[string]interface{}{
		"infoHash":    m.InfoHash.String(),
		"name":        m.Name,
		"size":        m.TotalSize(),
		"pieceLength": m.PieceLength,
		"numPieces":   m.NumPieces(),
		"trackers":    m.Trackers,
		"files":       files,
		"comment":     m.Comment,
	}
}
