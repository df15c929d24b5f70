package tracker

import (
	"context"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/seedcloud/seedcloud/metainfo"
)

// Event is the announce event parameter.
type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventCompleted Event = "completed"
	EventStopped   Event = "stopped"
)

const (
	defaultInterval = 30 * time.Minute
	minInterval     = 60 * time.Second
	maxInterval     = time.Hour

	backoffBase = 30 * time.Second
	backoffCap  = 30 * time.Minute
)

type announceReq struct {
	infoHash   metainfo.Hash
	peerID     [20]byte
	port       int
	uploaded   int64
	downloaded int64
	left       int64
	event      Event
}

// Stats supplies the live counters at announce time.
type Stats func() (uploaded, downloaded, left int64)

// Status is the published per-tracker snapshot.
type Status struct {
	URL          string    `json:"url"`
	Tier         int       `json:"tier"`
	State        string    `json:"state"` // idle, announcing, working, error
	Seeders      int       `json:"seeders"`
	Leechers     int       `json:"leechers"`
	LastAnnounce time.Time `json:"lastAnnounce"`
	NextAnnounce time.Time `json:"nextAnnounce"`
	LastError    string    `json:"lastError,omitempty"`
}

type trackerState struct {
	url     string
	state   string
	seeders int
	leech   int
	fails   int
	lastAt  time.Time
	nextAt  time.Time
	lastErr string
}

// Client runs one announce task per tier and fails over inside each tier,
// promoting the responding tracker to the front (BEP 12).
type Client struct {
	infoHash metainfo.Hash
	peerID   [20]byte
	port     int
	stats    Stats
	onPeers  func([]string)

	mu    sync.Mutex
	tiers [][]*trackerState

	events []chan Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(tiers [][]string, infoHash metainfo.Hash, peerID [20]byte, port int,
	stats Stats, onPeers func([]string)) *Client {
	c := &Client{
		infoHash: infoHash,
		peerID:   peerID,
		port:     port,
		stats:    stats,
		onPeers:  onPeers,
	}
	for _, tier := range tiers {
		var ts []*trackerState
		for _, u := range tier {
			if supportedScheme(u) {
				ts = append(ts, &trackerState{url: u, state: "idle"})
			}
		}
		if len(ts) > 0 {
			c.tiers = append(c.tiers, ts)
			c.events = append(c.events, make(chan Event, 4))
		}
	}
	return c
}

func supportedScheme(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "udp":
		return true
	}
	return false
}

// Start launches the tier loops; each announces started immediately.
func (c *Client) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	for ti := range c.tiers {
		c.wg.Add(1)
		go c.tierLoop(ti)
	}
}

// Announce queues an event for every tier; loops pick it up immediately.
func (c *Client) Announce(ev Event) {
	for _, ch := range c.events {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Stop sends a best-effort stopped announce to the current best tracker of
// each tier, then tears the loops down. Bounded by the given context.
func (c *Client) Stop(ctx context.Context) {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	up, down, left := c.stats()
	req := &announceReq{
		infoHash: c.infoHash, peerID: c.peerID, port: c.port,
		uploaded: up, downloaded: down, left: left, event: EventStopped,
	}
	c.mu.Lock()
	var heads []string
	for _, tier := range c.tiers {
		heads = append(heads, tier[0].url)
	}
	c.mu.Unlock()
	for _, u := range heads {
		announceOnce(ctx, u, req)
	}
}

func (c *Client) tierLoop(ti int) {
	defer c.wg.Done()
	pending := EventStarted
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.events[ti]:
			pending = ev
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		next := c.announceTier(ti, pending)
		pending = EventNone
		timer.Reset(time.Until(next))
	}
}

// announceTier walks the tier in order until one tracker responds; the
// winner moves to the front. Returns the time of the next announce.
func (c *Client) announceTier(ti int, ev Event) time.Time {
	c.mu.Lock()
	order := append([]*trackerState(nil), c.tiers[ti]...)
	c.mu.Unlock()

	for pos, ts := range order {
		c.mu.Lock()
		ts.state = "announcing"
		c.mu.Unlock()

		up, down, left := c.stats()
		req := &announceReq{
			infoHash: c.infoHash, peerID: c.peerID, port: c.port,
			uploaded: up, downloaded: down, left: left, event: ev,
		}
		ctx, cancel := context.WithTimeout(c.ctx, httpTimeout)
		resp, err := announceOnce(ctx, ts.url, req)
		cancel()

		now := time.Now()
		if err != nil {
			c.mu.Lock()
			ts.state = "error"
			ts.fails++
			ts.lastErr = err.Error()
			ts.nextAt = now.Add(backoff(ts.fails))
			c.mu.Unlock()
			continue
		}

		interval := clampInterval(resp.Interval)
		interval += time.Duration(rand.Int63n(int64(interval) / 10)) // jitter

		c.mu.Lock()
		ts.state = "working"
		ts.fails = 0
		ts.lastErr = ""
		ts.seeders = resp.Seeders
		ts.leech = resp.Leechers
		ts.lastAt = now
		ts.nextAt = now.Add(interval)
		if pos > 0 {
			// promote the responder to the front of its tier
			tier := c.tiers[ti]
			for i, other := range tier {
				if other == ts {
					copy(tier[1:i+1], tier[:i])
					tier[0] = ts
					break
				}
			}
		}
		c.mu.Unlock()

		if c.onPeers != nil && ev != EventStopped && len(resp.Peers) > 0 {
			c.onPeers(resp.Peers)
		}
		return now.Add(interval)
	}

	// whole tier failed; retry on the head tracker's backoff
	c.mu.Lock()
	next := c.tiers[ti][0].nextAt
	c.mu.Unlock()
	if next.Before(time.Now()) {
		next = time.Now().Add(backoffBase)
	}
	return next
}

func announceOnce(ctx context.Context, trackerURL string, req *announceReq) (*Response, error) {
	if strings.HasPrefix(strings.ToLower(trackerURL), "udp://") {
		return announceUDP(ctx, trackerURL, req)
	}
	return announceHTTP(ctx, trackerURL, req)
}

func clampInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultInterval
	}
	if d < minInterval {
		return minInterval
	}
	if d > maxInterval {
		return maxInterval
	}
	return d
}

func backoff(fails int) time.Duration {
	d := backoffBase
	for i := 1; i < fails; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

// Trackers snapshots all tracker states for the UI.
func (c *Client) Trackers() []Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Status
	for ti, tier := range c.tiers {
		for _, ts := range tier {
			out = append(out, Status{
				URL:          ts.url,
				Tier:         ti,
				State:        ts.state,
				Seeders:      ts.seeders,
				Leechers:     ts.leech,
				LastAnnounce: ts.lastAt,
				NextAnnounce: ts.nextAt,
				LastError:    ts.lastErr,
			})
		}
	}
	return out
}

// Swarm returns the best seed/leecher estimate across tiers.
func (c *Client) Swarm() (seeders, leechers int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tier := range c.tiers {
		for _, ts := range tier {
			if ts.seeders > seeders {
				seeders = ts.seeders
			}
			if ts.leech > leechers {
				leechers = ts.leech
			}
		}
	}
	return
}
