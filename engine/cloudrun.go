package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/seedcloud/seedcloud/cloud"
	"github.com/seedcloud/seedcloud/debrid"
	"github.com/seedcloud/seedcloud/metainfo"
)

// cloudPollInterval paces provider progress polls while the remote swarm
// materializes the torrent.
const cloudPollInterval = 10 * time.Second

// AddCloudTorrent submits a magnet or bare info-hash to a debrid provider
// and supervises the remote transfer plus the HTTPS fetch.
func (e *Engine) AddCloudTorrent(magnetOrHash, provider, savePath string) (*Torrent, error) {
	if _, err := e.providerFor(provider); err != nil {
		return nil, err
	}

	magnet := magnetOrHash
	var ih string
	if strings.HasPrefix(magnetOrHash, "magnet:") {
		mag, err := metainfo.ParseMagnet(magnetOrHash)
		if err != nil {
			return nil, err
		}
		ih = mag.InfoHash.String()
	} else {
		h, err := metainfo.HashFromHex(strings.ToLower(magnetOrHash))
		if err != nil {
			return nil, err
		}
		ih = h.String()
		magnet = "magnet:?xt=urn:btih:" + ih
	}

	e.mut.Lock()
	if savePath == "" {
		savePath = e.config.DownloadDirectory
	}
	e.mut.Unlock()

	t, err := e.addCloud(ih, magnet, provider, savePath)
	if err != nil {
		return nil, err
	}
	go t.runCloud(e.ctx)
	return t, nil
}

func (e *Engine) addCloud(ih, magnet, provider, savePath string) (*Torrent, error) {
	e.mut.Lock()
	defer e.mut.Unlock()
	if _, dup := e.ts[ih]; dup {
		return nil, fmt.Errorf("torrent %s already added", ih)
	}
	t := &Torrent{
		InfoHash: ih,
		Magnet:   magnet,
		AddedAt:  time.Now(),
		e:        e,
		name:     ih,
		source:   SourceCloud,
		savePath: savePath,
		state:    StatePaused,
		provider: provider,
	}
	e.ts[ih] = t
	return t, nil
}

// AddTorrentFileToCloud submits raw .torrent bytes instead of a magnet.
func (e *Engine) AddTorrentFileToCloud(data []byte, provider, savePath string) (*Torrent, error) {
	m, err := metainfo.Parse(data)
	if err != nil {
		return nil, err
	}
	e.mut.Lock()
	if savePath == "" {
		savePath = e.config.DownloadDirectory
	}
	e.mut.Unlock()

	t, err := e.addCloud(m.InfoHash.String(), "", provider, savePath)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.meta = m
	t.name = m.Name
	t.mu.Unlock()
	go t.runCloud(e.ctx)
	return t, nil
}

func (t *Torrent) setError(msg string) {
	t.mu.Lock()
	t.state = StateError
	t.errMsg = msg
	t.mu.Unlock()
	log.Println("[cloud]", t.InfoHash, "failed:", msg)
	t.e.persist(t)
	t.e.emit(t.InfoHash)
	t.e.admitNext()
}

// runCloud drives the remote transfer: submit, poll, select files when the
// provider asks, fetch links, stream files to disk.
func (t *Torrent) runCloud(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	t.mu.Lock()
	t.cancel = cancel
	t.state = StateDownloading
	t.startedAt = time.Now()
	provider := t.provider
	t.mu.Unlock()
	t.e.persist(t)
	t.e.emit(t.InfoHash)

	p, err := t.e.providerFor(provider)
	if err != nil {
		t.setError(err.Error())
		return
	}

	remoteID, err := t.submitRemote(ctx, p)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			t.setError(err.Error())
		}
		return
	}

	if err := t.pollRemote(ctx, p, remoteID); err != nil {
		if !errors.Is(err, context.Canceled) {
			t.setError(err.Error())
		}
		return
	}

	var files []debrid.File
	err = withRetry(ctx, func() error {
		var ferr error
		files, ferr = p.Links(ctx, remoteID)
		return ferr
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			t.setError("fetch links: " + err.Error())
		}
		return
	}
	if len(files) == 0 {
		t.setError("provider returned no downloadable files")
		return
	}

	concurrency := cloud.DefaultConcurrency
	if max := t.e.Config().MaxConcurrentTask; max > 0 && max < concurrency {
		concurrency = max
	}
	t.e.mut.Lock()
	down := t.e.downLimiter
	t.e.mut.Unlock()

	tr := cloud.New(files, t.savePath, concurrency, down)
	t.mu.Lock()
	t.transfer = tr
	if t.name == t.InfoHash && len(files) > 0 {
		t.name = files[0].Name
	}
	t.mu.Unlock()
	t.e.emit(t.InfoHash)

	if err := tr.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return // paused; .part files stay for resume
		}
		t.setError(err.Error())
		return
	}

	t.mu.Lock()
	d := tr.BytesDown()
	t.baseDown += d
	t.transfer = nil
	t.state = StateComplete
	already := t.doneCmdCalled
	t.doneCmdCalled = true
	name := t.name
	t.mu.Unlock()

	log.Println("[cloud] complete", t.InfoHash, humanize.Bytes(uint64(d)))
	t.e.persist(t)
	t.e.emit(t.InfoHash)
	t.e.admitNext()
	if !already {
		go t.e.callDoneCmd(name, t.InfoHash, "cloud", d)
	}
}

// submitRemote reuses a previous remote id when resuming.
func (t *Torrent) submitRemote(ctx context.Context, p debrid.Provider) (string, error) {
	t.mu.Lock()
	remoteID := t.remoteID
	magnet := t.Magnet
	m := t.meta
	t.mu.Unlock()
	if remoteID != "" {
		return remoteID, nil
	}

	err := withRetry(ctx, func() error {
		var serr error
		if magnet != "" {
			remoteID, serr = p.SubmitMagnet(ctx, magnet)
		} else if m != nil {
			remoteID, serr = p.SubmitTorrent(ctx, m.Bytes())
		} else {
			serr = fmt.Errorf("nothing to submit")
		}
		return serr
	})
	if err != nil {
		return "", fmt.Errorf("submit to %s: %w", p.Name(), err)
	}
	t.mu.Lock()
	t.remoteID = remoteID
	t.mu.Unlock()
	log.Println("[cloud] submitted", t.InfoHash, "remote id", remoteID)
	t.e.persist(t)
	return remoteID, nil
}

// pollRemote waits for the provider to finish materializing the torrent,
// answering file-selection prompts along the way.
func (t *Torrent) pollRemote(ctx context.Context, p debrid.Provider, remoteID string) error {
	selected := false
	for {
		var prog *debrid.Progress
		err := withRetry(ctx, func() error {
			var perr error
			prog, perr = p.Progress(ctx, remoteID)
			return perr
		})
		if err != nil {
			return fmt.Errorf("poll %s: %w", p.Name(), err)
		}

		t.mu.Lock()
		t.cloudProg = cloudProgress{
			status:  string(prog.Status),
			percent: prog.Percent,
			speed:   prog.Speed,
			eta:     prog.ETA,
		}
		if prog.Name != "" && (t.name == t.InfoHash || t.name == "") {
			t.name = prog.Name
		}
		t.mu.Unlock()
		t.e.emit(t.InfoHash)

		switch prog.Status {
		case debrid.StatusDownloaded:
			return nil
		case debrid.StatusError, debrid.StatusDead:
			return fmt.Errorf("remote transfer %s", prog.Status)
		case debrid.StatusWaitingFilesSelection:
			if !selected {
				selected = true
				if err := p.SelectFiles(ctx, remoteID, nil); err != nil {
					return fmt.Errorf("select files: %w", err)
				}
				continue
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cloudPollInterval):
		}
	}
}

// withRetry is the engine-side retry budget for provider calls.
func withRetry(ctx context.Context, fn func() error) error {
	return debridRetry(ctx, 4, fn)
}

func debridRetry(ctx context.Context, tries int, fn func() error) error {
	delay := 2 * time.Second
	var err error
	for attempt := 0; attempt < tries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err = fn(); err == nil || !debrid.IsTransient(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
	return err
}
