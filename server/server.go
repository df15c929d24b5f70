// Package server exposes the engine's command surface over HTTP and pushes
// torrent-update snapshots to the UI collaborator at 1 Hz via velox. The UI
// never mutates engine internals; every action is a command under /api/.
package server

import (
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/jpillora/cookieauth"
	"github.com/jpillora/requestlog"
	"github.com/jpillora/velox"
	"github.com/skratchdot/open-golang/open"

	"github.com/seedcloud/seedcloud/engine"
	"github.com/seedcloud/seedcloud/storage"
	"github.com/seedcloud/seedcloud/vault"
)

// Server is the HTTP face of the engine.
type Server struct {
	//config
	Title          string `help:"Title of this instance" env:"TITLE"`
	Port           int    `help:"Listening port" env:"PORT"`
	Host           string `help:"Listening interface (default all)"`
	Auth           string `help:"Optional basic auth in form 'user:password'" env:"AUTH"`
	ConfigPath     string `help:"Configuration file path"`
	KeyPath        string `help:"TLS Key file path"`
	CertPath       string `help:"TLS Certicate file path" short:"r"`
	Log            bool   `help:"Enable request logging"`
	Open           bool   `help:"Open now with your default browser"`
	DisableLogTime bool   `help:"Don't print timestamp in log"`

	//http handlers
	handler http.Handler

	//torrent engine
	engine *engine.Engine
	store  *storage.Store

	//watch-directory importer; guarded so reconfigure can restart it
	watcherMu   sync.Mutex
	watcherStop chan struct{}

	state struct {
		velox.State
		sync.Mutex
		Config   engine.Config
		Torrents map[string]*engine.TorrentSnapshot
		Stats    stats
		RSS      []rssItem
	}
}

// Run starts everything: config, store, vault, engine, background loops and
// the HTTP listener. Blocks until the listener fails.
func (s *Server) Run(version string) error {
	isTLS := s.CertPath != "" || s.KeyPath != "" //poor man's XOR
	if isTLS && (s.CertPath == "" || s.KeyPath == "") {
		return fmt.Errorf("you must provide both key and cert paths")
	}
	if s.DisableLogTime {
		engine.SetLoggerFlag(0)
		log.SetFlags(0)
	}

	c, err := engine.InitConf(s.ConfigPath)
	if err != nil {
		return err
	}

	st, err := storage.Open(filepath.Join(c.DataDirectory, "data.db"))
	if err != nil {
		return err
	}
	s.store = st

	s.engine = engine.New(st, vault.New())
	if err := s.engine.Configure(*c); err != nil {
		return err
	}

	s.state.Torrents = map[string]*engine.TorrentSnapshot{}
	s.state.Config = *c
	s.state.Stats.Title = s.Title
	s.state.Stats.Version = version
	s.state.Stats.Uptime = time.Now()

	//base router
	mux := http.NewServeMux()
	mux.Handle("/sync", velox.SyncHandler(&s.state))
	mux.Handle("/js/velox.js", velox.JS)
	mux.HandleFunc("/api/", s.apiHandle)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, "%s %s (API at /api/, state sync at /sync)\n", s.Title, version)
	})

	h := http.Handler(mux)
	h = gziphandler.GzipHandler(h)
	if s.Auth != "" {
		parts := strings.SplitN(s.Auth, ":", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid auth: must be in form 'user:password'")
		}
		h = cookieauth.Wrap(h, parts[0], parts[1])
		log.Printf("[server] basic auth enabled for user %s", parts[0])
	}
	if s.Log {
		h = requestlog.Wrap(h)
	}
	s.handler = h

	go s.syncLoop()
	s.TorrentWatcher()
	go s.rssLoop()

	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
	proto := "http"
	if isTLS {
		proto += "s"
	}
	log.Printf("[server] listening at %s://%s", proto, addr)
	if s.Open {
		go func() {
			time.Sleep(500 * time.Millisecond)
			open.Run(fmt.Sprintf("%s://localhost:%d", proto, s.Port))
		}()
	}
	if isTLS {
		return http.ListenAndServeTLS(addr, s.CertPath, s.KeyPath, s.handler)
	}
	return http.ListenAndServe(addr, s.handler)
}

// syncLoop pushes snapshots on every engine event and at 1 Hz regardless,
// so counters in the UI never go stale.
func (s *Server) syncLoop() {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
		case <-s.engine.Events():
		}
		s.refreshState()
	}
}

func (s *Server) refreshState() {
	snaps := s.engine.GetTorrents()
	s.state.Lock()
	for id := range s.state.Torrents {
		delete(s.state.Torrents, id)
	}
	for _, snap := range snaps {
		s.state.Torrents[snap.ID] = snap
	}
	s.state.Config = s.engine.Config()
	s.state.Stats.refresh(s.engine.Config().DownloadDirectory)
	s.state.Unlock()
	s.state.Push()
}
