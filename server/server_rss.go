package server

import (
	"log"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

const (
	rssInterval = 30 * time.Minute
	rssKeep     = 200
)

type rssItem struct {
	Title     string    `json:"title"`
	Magnet    string    `json:"magnet"`
	Link      string    `json:"link"`
	Published time.Time `json:"published"`
}

// rssLoop polls the configured feed and surfaces magnet items for the UI;
// nothing is auto-added, adding stays an explicit command.
func (s *Server) rssLoop() {
	for {
		url := s.engine.Config().RssURL
		if url != "" {
			s.fetchRSS(url)
		}
		time.Sleep(rssInterval)
	}
}

func (s *Server) fetchRSS(url string) {
	fp := gofeed.NewParser()
	feed, err := fp.ParseURL(url)
	if err != nil {
		log.Println("[rss] fetch failed:", err)
		return
	}
	var items []rssItem
	for _, it := range feed.Items {
		item := rssItem{Title: it.Title, Link: it.Link}
		if it.PublishedParsed != nil {
			item.Published = *it.PublishedParsed
		}
		if strings.HasPrefix(it.Link, "magnet:") {
			item.Magnet = it.Link
		}
		for _, enc := range it.Enclosures {
			if strings.HasPrefix(enc.URL, "magnet:") {
				item.Magnet = enc.URL
			}
		}
		items = append(items, item)
		if len(items) >= rssKeep {
			break
		}
	}
	s.state.Lock()
	s.state.RSS = items
	s.state.Unlock()
	s.state.Push()
	log.Println("[rss] loaded", len(items), "items")
}

func (s *Server) latestRSS() []rssItem {
	s.state.Lock()
	defer s.state.Unlock()
	return append([]rssItem(nil), s.state.RSS...)
}
