package debrid

import (
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/url"
	"strconv"
	"strings"
)

const torboxBase = "https://api.torbox.app/v1/api"

// Torbox implements Provider against the Torbox API. All responses share
// the { success, detail, data } envelope.
type Torbox struct {
	api *apiClient
}

func NewTorbox(apiKey string) *Torbox {
	return &Torbox{api: newAPIClient(torboxBase, apiKey)}
}

// SetBaseURL points the adapter at a test server.
func (t *Torbox) SetBaseURL(base string) { t.api.base = base }

func (t *Torbox) Name() string { return "torbox" }

type tbEnvelope struct {
	Success bool            `json:"success"`
	Detail  string          `json:"detail"`
	Data    json.RawMessage `json:"data"`
}

func (t *Torbox) call(ctx context.Context, method, path string, body *strings.Reader, contentType string, data interface{}) error {
	var env tbEnvelope
	var err error
	if body == nil {
		err = t.api.do(ctx, method, path, nil, contentType, &env)
	} else {
		err = t.api.do(ctx, method, path, body, contentType, &env)
	}
	if err != nil {
		return err
	}
	if !env.Success {
		return &APIError{Kind: KindFatalProvider, Detail: env.Detail}
	}
	if data == nil || env.Data == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, data); err != nil {
		return &APIError{Kind: KindFatalProvider, Detail: fmt.Sprintf("bad data payload: %s", err)}
	}
	return nil
}

func (t *Torbox) Validate(ctx context.Context) error {
	return t.call(ctx, "GET", "/user/me", nil, "", nil)
}

func (t *Torbox) CheckCache(ctx context.Context, infoHash string) (*CacheStatus, error) {
	hash := strings.ToLower(infoHash)
	path := "/torrents/checkcached?hash=" + hash + "&format=object&list_files=true"
	var data map[string]struct {
		Name  string `json:"name"`
		Size  int64  `json:"size"`
		Files []struct {
			Name string `json:"name"`
			Size int64  `json:"size"`
		} `json:"files"`
	}
	if err := t.call(ctx, "GET", path, nil, "", &data); err != nil {
		return nil, err
	}
	entry, ok := data[hash]
	if !ok {
		return &CacheStatus{}, nil
	}
	out := &CacheStatus{IsCached: true}
	for i, f := range entry.Files {
		out.Files = append(out.Files, CachedFile{ID: i, Name: f.Name, Size: f.Size})
	}
	return out, nil
}

func (t *Torbox) SubmitMagnet(ctx context.Context, magnet string) (string, error) {
	form := url.Values{"magnet": {magnet}}
	var data struct {
		TorrentID int64 `json:"torrent_id"`
	}
	err := t.call(ctx, "POST", "/torrents/createtorrent",
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", &data)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(data.TorrentID, 10), nil
}

func (t *Torbox) SubmitTorrent(ctx context.Context, torrent []byte) (string, error) {
	var buf strings.Builder
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", "upload.torrent")
	if err != nil {
		return "", &APIError{Kind: KindFatalProvider, Detail: err.Error()}
	}
	fw.Write(torrent)
	w.Close()

	var data struct {
		TorrentID int64 `json:"torrent_id"`
	}
	err = t.call(ctx, "POST", "/torrents/createtorrent",
		strings.NewReader(buf.String()), w.FormDataContentType(), &data)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(data.TorrentID, 10), nil
}

// SelectFiles is a no-op: Torbox materializes every file on submit.
func (t *Torbox) SelectFiles(ctx context.Context, remoteID string, fileIDs []int) error {
	return nil
}

type tbTorrent struct {
	ID               int64   `json:"id"`
	Name             string  `json:"name"`
	Size             int64   `json:"size"`
	DownloadState    string  `json:"download_state"`
	DownloadFinished bool    `json:"download_finished"`
	DownloadPresent  bool    `json:"download_present"`
	Progress         float64 `json:"progress"` // 0..1
	DownloadSpeed    int64   `json:"download_speed"`
	Seeds            int     `json:"seeds"`
	ETA              int64   `json:"eta"`
	Files            []struct {
		ID        int64  `json:"id"`
		Name      string `json:"name"`
		ShortName string `json:"short_name"`
		Size      int64  `json:"size"`
	} `json:"files"`
}

func (tt *tbTorrent) progress() *Progress {
	st := StatusDownloading
	switch {
	case tt.DownloadFinished && tt.DownloadPresent:
		st = StatusDownloaded
	case tt.DownloadState == "uploading":
		st = StatusUploading
	case tt.DownloadState == "queued" || tt.DownloadState == "metaDL" || tt.DownloadState == "checkingResumeData":
		st = StatusQueued
	case tt.DownloadState == "failed" || tt.DownloadState == "missingFiles":
		st = StatusError
	case tt.DownloadState == "stalled (no seeds)":
		st = StatusDead
	}
	return &Progress{
		RemoteID:   strconv.FormatInt(tt.ID, 10),
		Name:       tt.Name,
		Status:     st,
		Percent:    float32(tt.Progress * 100),
		Speed:      tt.DownloadSpeed,
		TotalSize:  tt.Size,
		Downloaded: int64(tt.Progress * float64(tt.Size)),
		Seeders:    tt.Seeds,
		ETA:        tt.ETA,
	}
}

func (t *Torbox) Progress(ctx context.Context, remoteID string) (*Progress, error) {
	var data tbTorrent
	path := "/torrents/mylist?id=" + url.QueryEscape(remoteID) + "&bypass_cache=true"
	if err := t.call(ctx, "GET", path, nil, "", &data); err != nil {
		return nil, err
	}
	return data.progress(), nil
}

// Links builds one direct URL per file via /torrents/requestdl.
func (t *Torbox) Links(ctx context.Context, remoteID string) ([]File, error) {
	var data tbTorrent
	path := "/torrents/mylist?id=" + url.QueryEscape(remoteID) + "&bypass_cache=true"
	if err := t.call(ctx, "GET", path, nil, "", &data); err != nil {
		return nil, err
	}
	var out []File
	for _, f := range data.Files {
		dl := "/torrents/requestdl?token=" + url.QueryEscape(t.api.apiKey) +
			"&torrent_id=" + url.QueryEscape(remoteID) +
			"&file_id=" + strconv.FormatInt(f.ID, 10)
		var link string
		if err := t.call(ctx, "GET", dl, nil, "", &link); err != nil {
			return nil, fmt.Errorf("request link for file %d: %w", f.ID, err)
		}
		name := f.Name
		if name == "" {
			name = f.ShortName
		}
		out = append(out, File{
			ID:           strconv.FormatInt(f.ID, 10),
			Name:         name,
			Size:         f.Size,
			DownloadLink: link,
		})
	}
	return out, nil
}

func (t *Torbox) List(ctx context.Context) ([]Progress, error) {
	var data []tbTorrent
	if err := t.call(ctx, "GET", "/torrents/mylist?bypass_cache=true", nil, "", &data); err != nil {
		return nil, err
	}
	out := make([]Progress, 0, len(data))
	for i := range data {
		out = append(out, *data[i].progress())
	}
	return out, nil
}

func (t *Torbox) Delete(ctx context.Context, remoteID string) error {
	id, err := strconv.ParseInt(remoteID, 10, 64)
	if err != nil {
		return &APIError{Kind: KindFatalProvider, Detail: fmt.Sprintf("bad remote id %q", remoteID)}
	}
	body, _ := json.Marshal(map[string]interface{}{
		"torrent_id": id,
		"operation":  "delete",
	})
	return t.call(ctx, "POST", "/torrents/controltorrent",
		strings.NewReader(string(body)), "application/json", nil)
}
