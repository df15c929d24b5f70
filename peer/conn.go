package peer

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/seedcloud/seedcloud/piece"
)

const (
	// keepaliveInterval is how often an idle writer emits keepalives;
	// keepaliveTimeout closes a link that has gone silent.
	keepaliveInterval = 90 * time.Second
	keepaliveTimeout  = 2*time.Minute + 30*time.Second

	// PipelineLimit bounds outstanding block requests per link.
	PipelineLimit = 16

	outboundQueueLen = 64

	snubAfter = 60 * time.Second
)

// Conn is one live peer link. The reader and writer goroutines share the
// state under mu; all blocking I/O happens outside the lock.
type Conn struct {
	ID     int
	Addr   string
	PeerID [20]byte
	Client string

	sock net.Conn

	mu             sync.Mutex
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	bits           *piece.Bitfield
	sawFirst       bool // any post-handshake message seen (bitfield gate)
	unchokedAt     time.Time
	lastDataAt     time.Time
	snubbed        bool

	out    chan *Message
	closed chan struct{}
	once   sync.Once
	errMu  sync.Mutex
	err    error

	down *meter
	up   *meter
}

func newConn(id int, sock net.Conn, theirs *Handshake) *Conn {
	return &Conn{
		ID:          id,
		Addr:        sock.RemoteAddr().String(),
		PeerID:      theirs.PeerID,
		Client:      ClientName(theirs.PeerID),
		sock:        sock,
		amChoking:   true,
		peerChoking: true,
		out:         make(chan *Message, outboundQueueLen),
		closed:      make(chan struct{}),
		down:        newMeter(),
		up:          newMeter(),
	}
}

// send enqueues without blocking; a full queue means the remote cannot keep
// up and the link is closed rather than buffering without bound.
func (c *Conn) send(m *Message) {
	select {
	case <-c.closed:
	case c.out <- m:
	default:
		c.close(fmt.Errorf("outbound queue overflow"))
	}
}

func (c *Conn) close(err error) {
	c.once.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.closed)
		c.sock.Close()
	})
}

// CloseReason reports why the link died; nil while it is alive.
func (c *Conn) CloseReason() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Bits returns the peer's bitfield (nil until one is seen).
func (c *Conn) Bits() *piece.Bitfield {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bits
}

// markSnubbed flags a peer that has been unchoked and interested for over a
// minute without delivering data; snubbed peers lose their unchoke slot.
func (c *Conn) markSnubbed(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.amChoking || !c.peerInterested {
		c.snubbed = false
		return false
	}
	ref := c.lastDataAt
	if ref.Before(c.unchokedAt) {
		ref = c.unchokedAt
	}
	c.snubbed = !ref.IsZero() && now.Sub(ref) > snubAfter
	return c.snubbed
}

// Info is the published peer-list record.
type Info struct {
	Addr        string  `json:"addr"`
	Client      string  `json:"client"`
	DownRate    float64 `json:"downRate"`
	UpRate      float64 `json:"upRate"`
	Downloaded  int64   `json:"downloaded"`
	Uploaded    int64   `json:"uploaded"`
	Percent     float32 `json:"percent"`
	AmChoking   bool    `json:"amChoking"`
	PeerChoking bool    `json:"peerChoking"`
	Interested  bool    `json:"interested"`
	Snubbed     bool    `json:"snubbed"`
}

func (c *Conn) info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	var pct float32
	if c.bits != nil && c.bits.Len() > 0 {
		pct = float32(c.bits.Count()) * 100 / float32(c.bits.Len())
	}
	return Info{
		Addr:        c.Addr,
		Client:      c.Client,
		DownRate:    c.down.Rate(),
		UpRate:      c.up.Rate(),
		Downloaded:  c.down.Total(),
		Uploaded:    c.up.Total(),
		Percent:     pct,
		AmChoking:   c.amChoking,
		PeerChoking: c.peerChoking,
		Interested:  c.peerInterested,
		Snubbed:     c.snubbed,
	}
}
