package piece

import (
	"sort"
	"sync"
	"time"
)

const (
	// BlockSize is the request unit on the wire; the last block of the last
	// piece may be shorter.
	BlockSize = 16 * 1024

	// endgameRemaining is the not-have piece count below which duplicate
	// block requests are allowed.
	endgameRemaining = 20

	// firstLastUntil forces the first and last pieces while fewer pieces
	// than this are complete, so previews open early.
	firstLastUntil = 4

	requestTimeout = 60 * time.Second
)

// Mode selects the piece ordering policy.
type Mode int

const (
	ModeRarestFirst Mode = iota
	ModeSequential
)

// Request identifies one block on the wire.
type Request struct {
	Index  int
	Begin  int
	Length int
}

// Cancel tells the peer manager to retract an outstanding request,
// either because an end-game duplicate won or the file was skipped.
type Cancel struct {
	PeerID int
	Req    Request
}

// Completed is a fully assembled piece awaiting hash verification.
// Contributors lists the peer ids that supplied at least one block, so a
// hash mismatch can be charged to its sources.
type Completed struct {
	Index        int
	Data         []byte
	Contributors []int
}

type claim struct {
	peer int
	at   time.Time
}

type assembly struct {
	index  int
	length int
	data   []byte
	got    []bool
	gotN   int
	by     []int     // contributing peer per received block
	claims [][]claim // active requests per block
}

func newAssembly(index, length int) *assembly {
	n := (length + BlockSize - 1) / BlockSize
	return &assembly{
		index:  index,
		length: length,
		data:   make([]byte, length),
		got:    make([]bool, n),
		by:     make([]int, n),
		claims: make([][]claim, n),
	}
}

func (a *assembly) numBlocks() int { return len(a.got) }

func (a *assembly) blockLen(b int) int {
	if b == a.numBlocks()-1 {
		if tail := a.length % BlockSize; tail != 0 {
			return tail
		}
	}
	return BlockSize
}

// Picker implements the selection contract: it owns the local bitfield, the
// per-piece availability map and all in-flight assemblies. Peers are referred
// to by integer ids; the peer manager owns the sockets.
type Picker struct {
	mu        sync.Mutex
	have      *Bitfield
	sizes     []int
	avail     []int
	excluded  []bool
	preferred []bool
	mode      Mode
	firstLast bool
	inflight  map[int]*assembly
	cancels   []Cancel

	now func() time.Time
}

// NewPicker takes per-piece byte lengths and the (possibly restored) local
// bitfield.
func NewPicker(sizes []int64, have *Bitfield) *Picker {
	s := make([]int, len(sizes))
	for i, v := range sizes {
		s[i] = int(v)
	}
	return &Picker{
		have:      have,
		sizes:     s,
		avail:     make([]int, len(sizes)),
		excluded:  make([]bool, len(sizes)),
		preferred: make([]bool, len(sizes)),
		inflight:  map[int]*assembly{},
		now:       time.Now,
	}
}

func (p *Picker) SetMode(m Mode) {
	p.mu.Lock()
	p.mode = m
	p.mu.Unlock()
}

func (p *Picker) SetFirstLast(on bool) {
	p.mu.Lock()
	p.firstLast = on
	p.mu.Unlock()
}

// AddPeer folds a freshly received peer bitfield into availability.
func (p *Picker) AddPeer(bits *Bitfield) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < bits.Len() && i < len(p.avail); i++ {
		if bits.Has(i) {
			p.avail[i]++
		}
	}
}

// RemovePeer reverses AddPeer when a link closes.
func (p *Picker) RemovePeer(bits *Bitfield) {
	if bits == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < bits.Len() && i < len(p.avail); i++ {
		if bits.Has(i) && p.avail[i] > 0 {
			p.avail[i]--
		}
	}
}

// MarkAvailable handles a single have message.
func (p *Picker) MarkAvailable(i int) {
	p.mu.Lock()
	if i >= 0 && i < len(p.avail) {
		p.avail[i]++
	}
	p.mu.Unlock()
}

// SetExcluded replaces the skip mask. In-flight assemblies for newly
// excluded pieces are aborted and their outstanding requests cancelled.
func (p *Picker) SetExcluded(excluded []bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(excluded) != len(p.excluded) {
		return
	}
	copy(p.excluded, excluded)
	for idx, a := range p.inflight {
		if !p.excluded[idx] {
			continue
		}
		for b, cs := range a.claims {
			for _, c := range cs {
				p.cancels = append(p.cancels, Cancel{PeerID: c.peer, Req: Request{a.index, b * BlockSize, a.blockLen(b)}})
			}
		}
		delete(p.inflight, idx)
	}
}

// SetPreferred marks pieces overlapping high-priority files; they win
// rarity ties ahead of plain pieces.
func (p *Picker) SetPreferred(pref []bool) {
	p.mu.Lock()
	if len(pref) == len(p.preferred) {
		copy(p.preferred, pref)
	}
	p.mu.Unlock()
}

func (p *Picker) endgame() bool {
	remaining := 0
	for i := range p.sizes {
		if !p.have.Has(i) && !p.excluded[i] {
			remaining++
		}
	}
	return remaining > 0 && remaining < endgameRemaining
}

func (p *Picker) purgeStale() {
	cutoff := p.now().Add(-requestTimeout)
	for _, a := range p.inflight {
		for b, cs := range a.claims {
			kept := cs[:0]
			for _, c := range cs {
				if c.at.After(cutoff) {
					kept = append(kept, c)
				}
			}
			a.claims[b] = kept
		}
	}
}

func (a *assembly) claimedBy(b, peer int) bool {
	for _, c := range a.claims[b] {
		if c.peer == peer {
			return true
		}
	}
	return false
}

// Pick returns up to slots block requests the given peer should be asked
// for, honoring the selection policy, claim exclusivity and end-game rules.
func (p *Picker) Pick(peerID int, peerBits *Bitfield, slots int) []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slots <= 0 || peerBits == nil {
		return nil
	}
	p.purgeStale()
	endgame := p.endgame()

	var out []Request
	take := func(idx int) bool {
		a, ok := p.inflight[idx]
		if !ok {
			a = newAssembly(idx, p.sizes[idx])
			p.inflight[idx] = a
		}
		for b := 0; b < a.numBlocks(); b++ {
			if a.got[b] {
				continue
			}
			if len(a.claims[b]) > 0 && (!endgame || a.claimedBy(b, peerID)) {
				continue
			}
			if a.claimedBy(b, peerID) {
				continue
			}
			a.claims[b] = append(a.claims[b], claim{peer: peerID, at: p.now()})
			out = append(out, Request{Index: idx, Begin: b * BlockSize, Length: a.blockLen(b)})
			if len(out) >= slots {
				return true
			}
		}
		// empty assemblies would otherwise count as partial forever
		if a.gotN == 0 && !a.anyClaims() {
			delete(p.inflight, idx)
		}
		return false
	}

	for _, idx := range p.order(peerBits) {
		if take(idx) {
			break
		}
	}
	return out
}

func (a *assembly) anyClaims() bool {
	for _, cs := range a.claims {
		if len(cs) > 0 {
			return true
		}
	}
	return false
}

// order produces candidate piece indices for one peer, best first.
func (p *Picker) order(peerBits *Bitfield) []int {
	wanted := func(i int) bool {
		return !p.have.Has(i) && !p.excluded[i] && peerBits.Has(i)
	}

	var forced, partial, fresh []int
	if p.firstLast && p.have.Count() < firstLastUntil {
		for _, i := range []int{0, len(p.sizes) - 1} {
			if wanted(i) {
				forced = append(forced, i)
			}
		}
	}
	for i := range p.sizes {
		if !wanted(i) {
			continue
		}
		if _, ok := p.inflight[i]; ok {
			partial = append(partial, i)
		} else {
			fresh = append(fresh, i)
		}
	}

	less := func(a, b int) bool {
		if p.mode == ModeSequential {
			return a < b
		}
		if p.avail[a] != p.avail[b] {
			return p.avail[a] < p.avail[b]
		}
		if p.preferred[a] != p.preferred[b] {
			return p.preferred[a]
		}
		return a < b
	}
	sort.Slice(partial, func(i, j int) bool { return less(partial[i], partial[j]) })
	sort.Slice(fresh, func(i, j int) bool { return less(fresh[i], fresh[j]) })

	out := append(forced, partial...)
	return append(out, fresh...)
}

// Received routes one block payload into its assembly. It reports whether
// the block was accepted, and returns the completed piece once every block
// has arrived. The caller verifies the hash before calling MarkVerified.
func (p *Picker) Received(peerID, index, begin int, block []byte) (*Completed, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.inflight[index]
	if !ok {
		return nil, false
	}
	if begin%BlockSize != 0 {
		return nil, false
	}
	b := begin / BlockSize
	if b >= a.numBlocks() || len(block) != a.blockLen(b) {
		return nil, false
	}

	// retract everyone's claim on this block; losers get cancels
	for _, c := range a.claims[b] {
		if c.peer != peerID {
			p.cancels = append(p.cancels, Cancel{PeerID: c.peer, Req: Request{index, begin, a.blockLen(b)}})
		}
	}
	a.claims[b] = nil

	if a.got[b] {
		return nil, false
	}
	copy(a.data[begin:], block)
	a.got[b] = true
	a.by[b] = peerID
	a.gotN++

	if a.gotN < a.numBlocks() {
		return nil, true
	}
	delete(p.inflight, index)

	seen := map[int]bool{}
	var contributors []int
	for _, peer := range a.by {
		if !seen[peer] {
			seen[peer] = true
			contributors = append(contributors, peer)
		}
	}
	return &Completed{Index: index, Data: a.data, Contributors: contributors}, true
}

// MarkVerified flips the bit after the piece hash matched and the disk
// write completed.
func (p *Picker) MarkVerified(index int) {
	p.mu.Lock()
	p.have.Set(index)
	p.mu.Unlock()
}

// PeerGone releases every claim held by a departed peer so its blocks can
// be re-requested immediately.
func (p *Picker) PeerGone(peerID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for idx, a := range p.inflight {
		for b, cs := range a.claims {
			kept := cs[:0]
			for _, c := range cs {
				if c.peer != peerID {
					kept = append(kept, c)
				}
			}
			a.claims[b] = kept
		}
		if a.gotN == 0 && !a.anyClaims() {
			delete(p.inflight, idx)
		}
	}
}

// Outstanding counts a peer's live claims; the manager subtracts this from
// the pipeline limit before calling Pick.
func (p *Picker) Outstanding(peerID int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, a := range p.inflight {
		for _, cs := range a.claims {
			for _, c := range cs {
				if c.peer == peerID {
					n++
				}
			}
		}
	}
	return n
}

// Wants reports whether the peer has any piece we still need; it drives the
// interested flag on the link.
func (p *Picker) Wants(bits *Bitfield) bool {
	if bits == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.sizes {
		if !p.have.Has(i) && !p.excluded[i] && bits.Has(i) {
			return true
		}
	}
	return false
}

// TakeCancels drains pending cancel messages.
func (p *Picker) TakeCancels() []Cancel {
	p.mu.Lock()
	out := p.cancels
	p.cancels = nil
	p.mu.Unlock()
	return out
}

// Availability returns a copy of the per-piece peer counts.
func (p *Picker) Availability() []int {
	p.mu.Lock()
	out := append([]int(nil), p.avail...)
	p.mu.Unlock()
	return out
}

// InFlight lists pieces currently being assembled, ascending.
func (p *Picker) InFlight() []int {
	p.mu.Lock()
	out := make([]int, 0, len(p.inflight))
	for i := range p.inflight {
		out = append(out, i)
	}
	p.mu.Unlock()
	sort.Ints(out)
	return out
}

// Have returns a copy of the local bitfield for snapshotting; changes to the
// copy do not reach the picker.
func (p *Picker) Have() *Bitfield {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.have.Clone()
}

// HaveBit reports one bit without copying the field.
func (p *Picker) HaveBit(i int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.have.Has(i)
}

// Remaining counts not-have, not-excluded pieces.
func (p *Picker) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for i := range p.sizes {
		if !p.have.Has(i) && !p.excluded[i] {
			n++
		}
	}
	return n
}
