package peer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/seedcloud/seedcloud/disk"
	"github.com/seedcloud/seedcloud/metainfo"
	"github.com/seedcloud/seedcloud/piece"
)

const (
	// MaxPeers bounds the connection pool per torrent.
	MaxPeers = 50

	// uploadSlots is the number of unchoked peers: top-rate slots plus one
	// optimistic slot.
	uploadSlots = 4

	chokeInterval      = 10 * time.Second
	optimisticInterval = 30 * time.Second
	dialTimeout        = 10 * time.Second
	writeTimeout       = 30 * time.Second
	redialCooldown     = 5 * time.Minute

	// banThreshold is the corrupt-piece count at which a peer is banned for
	// the remainder of the torrent.
	banThreshold = 2

	// msgInternalUpload is an out-of-band queue marker: the writer reads
	// the block from disk at send time so cancels can still win.
	msgInternalUpload byte = 0xf0
)

// Hooks are the engine-facing callbacks; all fire off the engine's locks.
type Hooks struct {
	OnVerified func(index int)
	OnComplete func()
}

// Manager owns the peer link pool for one torrent: dialing, choke rounds,
// upload serving and the routing of blocks between links, picker and disk.
type Manager struct {
	meta    *metainfo.Metainfo
	picker  *piece.Picker
	store   *disk.Manager
	peerID  [20]byte
	hooks   Hooks
	upLim   *rate.Limiter
	downLim *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	conns      map[int]*Conn
	addrOf     map[int]string // survives drop, for corrupt-piece attribution
	nextID     int
	dialing    map[string]bool
	cooldown   map[string]time.Time
	banned     map[string]bool
	corrupt    map[string]int
	uploadSkip map[int]map[piece.Request]bool // per conn, cancelled uploads

	optimisticID int
	optimisticAt time.Time

	bytesDown int64
	bytesUp   int64
}

func NewManager(meta *metainfo.Metainfo, picker *piece.Picker, store *disk.Manager,
	peerID [20]byte, up, down *rate.Limiter, hooks Hooks) *Manager {
	return &Manager{
		meta:       meta,
		picker:     picker,
		store:      store,
		peerID:     peerID,
		hooks:      hooks,
		upLim:      up,
		downLim:    down,
		conns:      map[int]*Conn{},
		addrOf:     map[int]string{},
		dialing:    map[string]bool{},
		cooldown:   map[string]time.Time{},
		banned:     map[string]bool{},
		corrupt:    map[string]int{},
		uploadSkip: map[int]map[piece.Request]bool{},
	}
}

// Start launches the choke and stats loops under the given context.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(2)
	go m.chokeLoop()
	go m.statsLoop()
}

// Stop closes every link and waits for all tasks to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	for _, c := range m.conns {
		c.close(context.Canceled)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// AddPeers dials tracker-provided addresses, skipping banned and recently
// failed endpoints. Excess addresses beyond the pool cap are dropped; the
// next announce supplies fresh ones.
func (m *Manager) AddPeers(addrs []string) {
	for _, addr := range addrs {
		m.mu.Lock()
		if len(m.conns)+len(m.dialing) >= MaxPeers ||
			m.banned[addr] || m.dialing[addr] || m.connectedTo(addr) ||
			time.Now().Before(m.cooldown[addr]) {
			m.mu.Unlock()
			continue
		}
		m.dialing[addr] = true
		m.mu.Unlock()

		m.wg.Add(1)
		go m.dial(addr)
	}
}

func (m *Manager) connectedTo(addr string) bool {
	for _, c := range m.conns {
		if c.Addr == addr {
			return true
		}
	}
	return false
}

func (m *Manager) dial(addr string) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.dialing, addr)
		m.mu.Unlock()
	}()

	d := net.Dialer{Timeout: dialTimeout}
	sock, err := d.DialContext(m.ctx, "tcp", addr)
	if err != nil {
		m.mu.Lock()
		m.cooldown[addr] = time.Now().Add(redialCooldown)
		m.mu.Unlock()
		return
	}
	theirs, err := Exchange(sock, m.meta.InfoHash, m.peerID)
	if err != nil {
		sock.Close()
		m.mu.Lock()
		m.cooldown[addr] = time.Now().Add(redialCooldown)
		m.mu.Unlock()
		return
	}
	m.register(sock, theirs)
}

// AddIncoming adopts a connection accepted by the registry listener. The
// remote handshake has been read; we still owe ours.
func (m *Manager) AddIncoming(sock net.Conn, theirs *Handshake) {
	m.mu.Lock()
	full := len(m.conns) >= MaxPeers
	ban := m.banned[sock.RemoteAddr().String()]
	m.mu.Unlock()
	if full || ban {
		sock.Close()
		return
	}
	ours := &Handshake{InfoHash: m.meta.InfoHash, PeerID: m.peerID}
	sock.SetWriteDeadline(time.Now().Add(HandshakeTimeout))
	if _, err := sock.Write(ours.Encode()); err != nil {
		sock.Close()
		return
	}
	sock.SetWriteDeadline(time.Time{})
	m.register(sock, theirs)
}

func (m *Manager) register(sock net.Conn, theirs *Handshake) {
	m.mu.Lock()
	if m.ctx.Err() != nil || len(m.conns) >= MaxPeers {
		m.mu.Unlock()
		sock.Close()
		return
	}
	m.nextID++
	c := newConn(m.nextID, sock, theirs)
	m.conns[c.ID] = c
	m.addrOf[c.ID] = c.Addr
	m.uploadSkip[c.ID] = map[piece.Request]bool{}
	m.mu.Unlock()

	// advertise what we have; an empty bitfield is simply not sent
	if have := m.picker.Have(); have.Count() > 0 {
		c.send(BitfieldMessage(have))
	}

	m.wg.Add(2)
	go m.readLoop(c)
	go m.writeLoop(c)
}

func (m *Manager) drop(c *Conn) {
	m.mu.Lock()
	delete(m.conns, c.ID)
	delete(m.uploadSkip, c.ID)
	m.cooldown[c.Addr] = time.Now().Add(redialCooldown)
	m.mu.Unlock()
	m.picker.RemovePeer(c.Bits())
	m.picker.PeerGone(c.ID)
}

func (m *Manager) readLoop(c *Conn) {
	defer m.wg.Done()
	defer m.drop(c)
	for {
		c.sock.SetReadDeadline(time.Now().Add(keepaliveTimeout))
		msg, err := ReadMessage(c.sock)
		if err != nil {
			c.close(err)
			return
		}
		if msg == nil {
			continue // keepalive
		}
		if err := m.handle(c, msg); err != nil {
			c.close(err)
			return
		}
		select {
		case <-c.closed:
			return
		default:
		}
	}
}

func (m *Manager) writeLoop(c *Conn) {
	defer m.wg.Done()
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()
	for {
		select {
		case <-m.ctx.Done():
			c.close(context.Canceled)
			return
		case <-c.closed:
			return
		case msg := <-c.out:
			if msg.ID == msgInternalUpload {
				if err := m.serveUpload(c, msg); err != nil {
					c.close(err)
					return
				}
				continue
			}
			c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := WriteMessage(c.sock, msg); err != nil {
				c.close(err)
				return
			}
		case <-keepalive.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := WriteMessage(c.sock, nil); err != nil {
				c.close(err)
				return
			}
		}
	}
}

// serveUpload materializes a queued upload at send time: a cancel that
// arrived in the meantime wins, and the global upload budget is charged
// before any byte hits the socket.
func (m *Manager) serveUpload(c *Conn, marker *Message) error {
	index, begin, length, err := ParseRange(marker)
	if err != nil {
		return err
	}
	req := piece.Request{Index: index, Begin: begin, Length: length}
	m.mu.Lock()
	cancelled := m.uploadSkip[c.ID][req]
	delete(m.uploadSkip[c.ID], req)
	m.mu.Unlock()
	c.mu.Lock()
	choking := c.amChoking
	c.mu.Unlock()
	if cancelled || choking {
		return nil
	}
	block, err := m.store.ReadRange(index, begin, length)
	if err != nil {
		return fmt.Errorf("upload read: %w", err)
	}
	if m.upLim != nil {
		if err := m.upLim.WaitN(m.ctx, len(block)); err != nil {
			return err
		}
	}
	c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := WriteMessage(c.sock, PieceMessage(index, begin, block)); err != nil {
		return err
	}
	c.up.add(len(block))
	atomic.AddInt64(&m.bytesUp, int64(len(block)))
	return nil
}

func (m *Manager) handle(c *Conn, msg *Message) error {
	c.mu.Lock()
	first := !c.sawFirst
	c.sawFirst = true
	c.mu.Unlock()

	switch msg.ID {
	case MsgChoke:
		c.mu.Lock()
		c.peerChoking = true
		c.mu.Unlock()
		// the remote discards our pipeline; free the claims for others
		m.picker.PeerGone(c.ID)

	case MsgUnchoke:
		c.mu.Lock()
		c.peerChoking = false
		c.mu.Unlock()
		m.pump(c)

	case MsgInterested:
		c.mu.Lock()
		c.peerInterested = true
		c.mu.Unlock()

	case MsgNotInterested:
		c.mu.Lock()
		c.peerInterested = false
		c.mu.Unlock()

	case MsgHave:
		idx, err := ParseHave(msg)
		if err != nil {
			return err
		}
		if idx < 0 || idx >= m.meta.NumPieces() {
			return fmt.Errorf("%w: have %d of %d pieces", ErrProtocol, idx, m.meta.NumPieces())
		}
		c.mu.Lock()
		if c.bits == nil {
			c.bits = piece.NewBitfield(m.meta.NumPieces())
		}
		c.bits.Set(idx)
		c.mu.Unlock()
		m.picker.MarkAvailable(idx)
		m.updateInterest(c)
		m.pump(c)

	case MsgBitfield:
		if !first {
			return fmt.Errorf("%w: bitfield after first message", ErrProtocol)
		}
		bf, err := piece.BitfieldFromBytes(msg.Payload, m.meta.NumPieces())
		if err != nil {
			return fmt.Errorf("%w: %s", ErrProtocol, err)
		}
		c.mu.Lock()
		c.bits = bf
		c.mu.Unlock()
		m.picker.AddPeer(bf)
		m.updateInterest(c)
		m.pump(c)

	case MsgRequest:
		index, begin, length, err := ParseRange(msg)
		if err != nil {
			return err
		}
		c.mu.Lock()
		choking := c.amChoking
		c.mu.Unlock()
		// choked, oversized, empty or unverified requests are dropped
		// without reply
		if choking || length <= 0 || length > maxRequestLen {
			return nil
		}
		if !m.picker.HaveBit(index) {
			return nil
		}
		c.send(&Message{ID: msgInternalUpload, Payload: packRange(index, begin, length)})

	case MsgPiece:
		return m.handlePiece(c, msg)

	case MsgCancel:
		index, begin, length, err := ParseRange(msg)
		if err != nil {
			return err
		}
		m.mu.Lock()
		if skip, ok := m.uploadSkip[c.ID]; ok {
			skip[piece.Request{Index: index, Begin: begin, Length: length}] = true
		}
		m.mu.Unlock()

	default:
		// unknown ids are dropped for forward compatibility
	}
	return nil
}

func (m *Manager) handlePiece(c *Conn, msg *Message) error {
	index, begin, block, err := ParsePiece(msg)
	if err != nil {
		return err
	}
	if m.downLim != nil {
		if err := m.downLim.WaitN(m.ctx, len(block)); err != nil {
			return err
		}
	}
	c.down.add(len(block))
	atomic.AddInt64(&m.bytesDown, int64(len(block)))
	c.mu.Lock()
	c.lastDataAt = time.Now()
	c.snubbed = false
	c.mu.Unlock()

	completed, _ := m.picker.Received(c.ID, index, begin, block)
	m.sendCancels()
	if completed != nil {
		m.finishPiece(completed)
	}
	m.pump(c)
	return nil
}

// finishPiece runs the verified-write ordering: disk write (which verifies
// the hash) before the bit flip, the bit flip before the have broadcast.
func (m *Manager) finishPiece(done *piece.Completed) {
	if err := m.store.WritePiece(done.Index, done.Data); err != nil {
		if errors.Is(err, disk.ErrHashMismatch) {
			m.chargeCorrupt(done.Contributors)
		}
		return
	}
	m.picker.MarkVerified(done.Index)
	m.store.MarkVerified(done.Index)

	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.send(HaveMessage(done.Index))
		m.updateInterest(c)
	}

	if m.hooks.OnVerified != nil {
		m.hooks.OnVerified(done.Index)
	}
	if m.picker.Have().Complete() && m.hooks.OnComplete != nil {
		m.hooks.OnComplete()
	}
}

// chargeCorrupt attributes a hash failure to every contributing peer; the
// second strike bans the address for the remainder of the torrent.
func (m *Manager) chargeCorrupt(contributors []int) {
	m.mu.Lock()
	var toBan []*Conn
	for _, id := range contributors {
		addr, ok := m.addrOf[id]
		if !ok {
			continue
		}
		m.corrupt[addr]++
		if m.corrupt[addr] >= banThreshold {
			m.banned[addr] = true
			if c, live := m.conns[id]; live {
				toBan = append(toBan, c)
			}
		}
	}
	m.mu.Unlock()
	for _, c := range toBan {
		c.close(fmt.Errorf("banned: repeated corrupt pieces"))
	}
}

// Banned reports whether an address is banned (test and snapshot hook).
func (m *Manager) Banned(addr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.banned[addr]
}

func (m *Manager) updateInterest(c *Conn) {
	wants := m.picker.Wants(c.Bits())
	c.mu.Lock()
	changed := wants != c.amInterested
	c.amInterested = wants
	c.mu.Unlock()
	if !changed {
		return
	}
	if wants {
		c.send(&Message{ID: MsgInterested})
	} else {
		c.send(&Message{ID: MsgNotInterested})
	}
}

// pump tops up the request pipeline toward one peer.
func (m *Manager) pump(c *Conn) {
	c.mu.Lock()
	choked := c.peerChoking
	bits := c.bits
	c.mu.Unlock()
	if choked || bits == nil {
		return
	}
	slots := PipelineLimit - m.picker.Outstanding(c.ID)
	if slots <= 0 {
		return
	}
	for _, r := range m.picker.Pick(c.ID, bits, slots) {
		c.send(RequestMessage(r.Index, r.Begin, r.Length))
	}
}

// sendCancels routes picker-issued cancels (end-game losers, skipped files)
// to their links.
func (m *Manager) sendCancels() {
	for _, cn := range m.picker.TakeCancels() {
		m.mu.Lock()
		c := m.conns[cn.PeerID]
		m.mu.Unlock()
		if c != nil {
			c.send(CancelMessage(cn.Req.Index, cn.Req.Begin, cn.Req.Length))
		}
	}
}

func (m *Manager) statsLoop() {
	defer m.wg.Done()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-tick.C:
			m.mu.Lock()
			conns := make([]*Conn, 0, len(m.conns))
			for _, c := range m.conns {
				conns = append(conns, c)
			}
			m.mu.Unlock()
			for _, c := range conns {
				c.down.tick(now)
				c.up.tick(now)
				c.markSnubbed(now)
				m.pump(c)
			}
			m.sendCancels()
		}
	}
}

// chokeLoop runs the unchoke algorithm every 10 s: the top uploaders (by
// what they send us while leeching, by what they take while seeding) keep
// their slots, plus one optimistic unchoke rotated every 30 s.
func (m *Manager) chokeLoop() {
	defer m.wg.Done()
	tick := time.NewTicker(chokeInterval)
	defer tick.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-tick.C:
			m.runChokeRound()
		}
	}
}

func (m *Manager) runChokeRound() {
	seeding := m.picker.Remaining() == 0

	m.mu.Lock()
	var interested []*Conn
	for _, c := range m.conns {
		c.mu.Lock()
		if c.peerInterested && !c.snubbed {
			interested = append(interested, c)
		}
		c.mu.Unlock()
	}
	sort.Slice(interested, func(i, j int) bool {
		if seeding {
			return interested[i].up.Rate() > interested[j].up.Rate()
		}
		return interested[i].down.Rate() > interested[j].down.Rate()
	})

	unchoke := map[int]bool{}
	for i, c := range interested {
		if i >= uploadSlots-1 {
			break
		}
		unchoke[c.ID] = true
	}

	// rotate the optimistic slot among interested, currently choked peers
	if time.Since(m.optimisticAt) >= optimisticInterval || m.conns[m.optimisticID] == nil {
		var pool []*Conn
		for _, c := range interested {
			c.mu.Lock()
			if c.amChoking && !unchoke[c.ID] {
				pool = append(pool, c)
			}
			c.mu.Unlock()
		}
		if len(pool) > 0 {
			m.optimisticID = pool[rand.Intn(len(pool))].ID
			m.optimisticAt = time.Now()
		}
	}
	if m.conns[m.optimisticID] != nil {
		unchoke[m.optimisticID] = true
	}

	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		want := unchoke[c.ID]
		c.mu.Lock()
		change := want == c.amChoking
		c.amChoking = !want
		if want && change {
			c.unchokedAt = time.Now()
		}
		c.mu.Unlock()
		if !change {
			continue
		}
		if want {
			c.send(&Message{ID: MsgUnchoke})
		} else {
			c.send(&Message{ID: MsgChoke})
		}
	}
}

// Peers snapshots the pool for the UI.
func (m *Manager) Peers() []Info {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	out := make([]Info, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Count returns the live link count.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Totals returns bytes moved over this manager's lifetime.
func (m *Manager) Totals() (down, up int64) {
	return atomic.LoadInt64(&m.bytesDown), atomic.LoadInt64(&m.bytesUp)
}

// Rates sums the per-link EWMA estimates.
func (m *Manager) Rates() (down, up float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		down += c.down.Rate()
		up += c.up.Rate()
	}
	return
}
