package server

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const addedSuffix = ".added"

// TorrentWatcher (re)starts the watch-directory importer against the
// current configuration. Safe to call at runtime: any previous watcher is
// stopped first, so a WatchDirectory change takes effect immediately.
func (s *Server) TorrentWatcher() {
	s.watcherMu.Lock()
	if s.watcherStop != nil {
		close(s.watcherStop)
		s.watcherStop = nil
	}
	s.state.Lock()
	dir := s.state.Config.WatchDirectory
	s.state.Unlock()
	if dir == "" {
		s.watcherMu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.watcherStop = stop
	s.watcherMu.Unlock()

	go s.watchLoop(dir, stop)
}

// watchLoop imports .torrent files dropped into the watch directory until
// stop is closed.
func (s *Server) watchLoop(dir string, stop <-chan struct{}) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Println("[watch] cannot create watch dir:", err)
		return
	}

	// import whatever is already there before watching for new files
	s.scanWatchDir(dir)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Println("[watch] watcher failed:", err)
		return
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		log.Println("[watch] cannot watch", dir, ":", err)
		return
	}
	log.Println("[watch] watching", dir)

	debounce := map[string]time.Time{}
	for {
		select {
		case <-stop:
			log.Println("[watch] stopped watching", dir)
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".torrent") {
				continue
			}
			// editors fire several events per file; settle first
			if last, seen := debounce[ev.Name]; seen && time.Since(last) < time.Second {
				continue
			}
			debounce[ev.Name] = time.Now()
			go func(path string) {
				time.Sleep(500 * time.Millisecond)
				s.importTorrentFile(path)
			}(ev.Name)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Println("[watch] error:", err)
		}
	}
}

func (s *Server) scanWatchDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".torrent") {
			s.importTorrentFile(filepath.Join(dir, e.Name()))
		}
	}
}

// importTorrentFile adds one watched file; the file is renamed afterwards
// so it is not re-imported on the next scan.
func (s *Server) importTorrentFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if _, err := s.engine.NewTorrentBytes(data); err != nil {
		if !strings.Contains(err.Error(), "already added") {
			log.Println("[watch] skipping", filepath.Base(path), ":", err)
		}
		return
	}
	log.Println("[watch] imported", filepath.Base(path))
	if err := os.Rename(path, path+addedSuffix); err != nil {
		log.Println("[watch] rename failed:", err)
	}
}
