package debrid

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const realDebridBase = "https://api.real-debrid.com/rest/1.0"

// RealDebrid implements Provider against the Real-Debrid REST API.
type RealDebrid struct {
	api *apiClient
}

func NewRealDebrid(apiKey string) *RealDebrid {
	return &RealDebrid{api: newAPIClient(realDebridBase, apiKey)}
}

// SetBaseURL points the adapter at a test server.
func (r *RealDebrid) SetBaseURL(base string) { r.api.base = base }

func (r *RealDebrid) Name() string { return "real-debrid" }

func (r *RealDebrid) Validate(ctx context.Context) error {
	var user struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	}
	return r.api.do(ctx, "GET", "/user", nil, "", &user)
}

func (r *RealDebrid) CheckCache(ctx context.Context, infoHash string) (*CacheStatus, error) {
	// response shape: { "<hash>": { "rd": [ { "<fileid>": {filename, filesize} } ] } }
	var raw map[string]struct {
		RD []map[string]struct {
			Filename string `json:"filename"`
			Filesize int64  `json:"filesize"`
		} `json:"rd"`
	}
	hash := strings.ToLower(infoHash)
	err := r.api.do(ctx, "GET", "/torrents/instantAvailability/"+hash, nil, "", &raw)
	if err != nil {
		return nil, err
	}
	entry, ok := raw[hash]
	if !ok || len(entry.RD) == 0 {
		return &CacheStatus{}, nil
	}
	out := &CacheStatus{IsCached: true}
	seen := map[int]bool{}
	for _, variant := range entry.RD {
		for idStr, f := range variant {
			id, err := strconv.Atoi(idStr)
			if err != nil || seen[id] {
				continue
			}
			seen[id] = true
			out.Files = append(out.Files, CachedFile{ID: id, Name: f.Filename, Size: f.Filesize})
		}
	}
	return out, nil
}

func (r *RealDebrid) SubmitMagnet(ctx context.Context, magnet string) (string, error) {
	form := url.Values{"magnet": {magnet}}
	var resp struct {
		ID  string `json:"id"`
		URI string `json:"uri"`
	}
	err := r.api.do(ctx, "POST", "/torrents/addMagnet",
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", &resp)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (r *RealDebrid) SubmitTorrent(ctx context.Context, torrent []byte) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	err := r.api.do(ctx, "PUT", "/torrents/addTorrent",
		bytes.NewReader(torrent), "application/x-bittorrent", &resp)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (r *RealDebrid) SelectFiles(ctx context.Context, remoteID string, fileIDs []int) error {
	files := "all"
	if len(fileIDs) > 0 {
		parts := make([]string, len(fileIDs))
		for i, id := range fileIDs {
			parts[i] = strconv.Itoa(id)
		}
		files = strings.Join(parts, ",")
	}
	form := url.Values{"files": {files}}
	return r.api.do(ctx, "POST", "/torrents/selectFiles/"+remoteID,
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", nil)
}

// rdTorrentInfo is the /torrents/info payload.
type rdTorrentInfo struct {
	ID       string   `json:"id"`
	Filename string   `json:"filename"`
	Hash     string   `json:"hash"`
	Bytes    int64    `json:"bytes"`
	Status   string   `json:"status"`
	Progress float32  `json:"progress"`
	Speed    int64    `json:"speed"`
	Seeders  int      `json:"seeders"`
	Links    []string `json:"links"`
}

var rdStatusMap = map[string]Status{
	"magnet_error":            StatusError,
	"magnet_conversion":       StatusMagnetConversion,
	"waiting_files_selection": StatusWaitingFilesSelection,
	"queued":                  StatusQueued,
	"downloading":             StatusDownloading,
	"downloaded":              StatusDownloaded,
	"error":                   StatusError,
	"virus":                   StatusError,
	"compressing":             StatusCompressing,
	"uploading":               StatusUploading,
	"dead":                    StatusDead,
}

func (info *rdTorrentInfo) progress() *Progress {
	st, ok := rdStatusMap[info.Status]
	if !ok {
		st = StatusError
	}
	p := &Progress{
		RemoteID:   info.ID,
		Name:       info.Filename,
		Status:     st,
		Percent:    info.Progress,
		Speed:      info.Speed,
		TotalSize:  info.Bytes,
		Downloaded: int64(float64(info.Bytes) * float64(info.Progress) / 100),
		Seeders:    info.Seeders,
	}
	if info.Speed > 0 {
		p.ETA = (p.TotalSize - p.Downloaded) / info.Speed
	}
	return p
}

func (r *RealDebrid) Progress(ctx context.Context, remoteID string) (*Progress, error) {
	var info rdTorrentInfo
	if err := r.api.do(ctx, "GET", "/torrents/info/"+remoteID, nil, "", &info); err != nil {
		return nil, err
	}
	return info.progress(), nil
}

// Links fetches the restricted links then unrestricts each into a direct
// HTTPS URL.
func (r *RealDebrid) Links(ctx context.Context, remoteID string) ([]File, error) {
	var info rdTorrentInfo
	if err := r.api.do(ctx, "GET", "/torrents/info/"+remoteID, nil, "", &info); err != nil {
		return nil, err
	}
	var out []File
	for i, link := range info.Links {
		form := url.Values{"link": {link}}
		var un struct {
			ID       string `json:"id"`
			Filename string `json:"filename"`
			Filesize int64  `json:"filesize"`
			Download string `json:"download"`
		}
		err := r.api.do(ctx, "POST", "/unrestrict/link",
			strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", &un)
		if err != nil {
			return nil, fmt.Errorf("unrestrict link %d: %w", i, err)
		}
		out = append(out, File{
			ID:           un.ID,
			Name:         un.Filename,
			Size:         un.Filesize,
			DownloadLink: un.Download,
		})
	}
	return out, nil
}

func (r *RealDebrid) List(ctx context.Context) ([]Progress, error) {
	var infos []rdTorrentInfo
	if err := r.api.do(ctx, "GET", "/torrents", nil, "", &infos); err != nil {
		return nil, err
	}
	out := make([]Progress, 0, len(infos))
	for i := range infos {
		out = append(out, *infos[i].progress())
	}
	return out, nil
}

func (r *RealDebrid) Delete(ctx context.Context, remoteID string) error {
	return r.api.do(ctx, "DELETE", "/torrents/delete/"+remoteID, nil, "", nil)
}
