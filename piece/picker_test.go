package piece

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitfieldBasics(t *testing.T) {
	bf := NewBitfield(10)
	assert.Equal(t, 10, bf.Len())
	assert.False(t, bf.Has(0))

	bf.Set(0)
	bf.Set(9)
	bf.Set(9) // idempotent
	assert.True(t, bf.Has(0))
	assert.True(t, bf.Has(9))
	assert.Equal(t, 2, bf.Count())

	// high bit of first byte is piece 0
	b := bf.Bytes()
	assert.Equal(t, byte(0x80), b[0])
	assert.Equal(t, byte(0x40), b[1]) // piece 9 = bit 1 of byte 1

	bf.Clear(9)
	assert.Equal(t, 1, bf.Count())
	assert.False(t, bf.Complete())
}

func TestBitfieldFromBytes(t *testing.T) {
	bf, err := BitfieldFromBytes([]byte{0xc0}, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, bf.Count())
	assert.True(t, bf.Complete())

	_, err = BitfieldFromBytes([]byte{0xc0}, 9)
	assert.Error(t, err, "wrong length")

	_, err = BitfieldFromBytes([]byte{0xff}, 4)
	assert.Error(t, err, "spare bits set")
}

func fullBits(n int) *Bitfield {
	bf := NewBitfield(n)
	for i := 0; i < n; i++ {
		bf.Set(i)
	}
	return bf
}

func sizes(n int, each int64) []int64 {
	s := make([]int64, n)
	for i := range s {
		s[i] = each
	}
	return s
}

func TestPickRarestFirst(t *testing.T) {
	p := NewPicker(sizes(4, BlockSize), NewBitfield(4))

	// piece 1 on three peers, 0 and 2 on one, 3 on two
	a := NewBitfield(4)
	a.Set(0)
	a.Set(1)
	b := NewBitfield(4)
	b.Set(1)
	b.Set(3)
	c := NewBitfield(4)
	c.Set(1)
	c.Set(2)
	c.Set(3)
	p.AddPeer(a)
	p.AddPeer(b)
	p.AddPeer(c)

	reqs := p.Pick(1, fullBits(4), 4)
	require.Len(t, reqs, 4)
	// rarest first with index tie-break: 0 and 2 (1 peer), then 3 (2), then 1 (3)
	assert.Equal(t, 0, reqs[0].Index)
	assert.Equal(t, 2, reqs[1].Index)
	assert.Equal(t, 3, reqs[2].Index)
	assert.Equal(t, 1, reqs[3].Index)
	for _, r := range reqs {
		assert.Equal(t, 0, r.Begin)
		assert.Equal(t, BlockSize, r.Length)
	}
}

func TestPickSequentialAndExclusivity(t *testing.T) {
	// 25 pieces keeps the picker above the end-game threshold
	p := NewPicker(sizes(25, 2*BlockSize), NewBitfield(25))
	p.SetMode(ModeSequential)

	reqs := p.Pick(1, fullBits(25), 3)
	require.Len(t, reqs, 3)
	assert.Equal(t, Request{0, 0, BlockSize}, reqs[0])
	assert.Equal(t, Request{0, BlockSize, BlockSize}, reqs[1])
	assert.Equal(t, Request{1, 0, BlockSize}, reqs[2])

	// another peer must not be handed the same blocks outside end-game
	other := p.Pick(2, fullBits(25), 6)
	for _, r := range other {
		for _, mine := range reqs {
			assert.NotEqual(t, mine, r)
		}
	}
	assert.Equal(t, 3, p.Outstanding(1))
}

func TestPickPrefersPartialPieces(t *testing.T) {
	p := NewPicker(sizes(4, 2*BlockSize), NewBitfield(4))
	p.SetMode(ModeSequential)

	reqs := p.Pick(1, fullBits(4), 1)
	require.Len(t, reqs, 1)
	_, ok := p.Received(1, 0, 0, make([]byte, BlockSize))
	assert.True(t, ok)

	// piece 0 is half done; a fresh peer should finish it before piece 1
	reqs = p.Pick(2, fullBits(4), 1)
	require.Len(t, reqs, 1)
	assert.Equal(t, Request{0, BlockSize, BlockSize}, reqs[0])
}

func TestReceivedAssemblesAndAttributes(t *testing.T) {
	p := NewPicker([]int64{BlockSize + 100}, NewBitfield(1))

	reqs := p.Pick(1, fullBits(1), 2)
	require.Len(t, reqs, 2)
	assert.Equal(t, 100, reqs[1].Length) // short tail block

	done, ok := p.Received(1, 0, 0, make([]byte, BlockSize))
	assert.True(t, ok)
	assert.Nil(t, done)

	done, ok = p.Received(1, 0, BlockSize, make([]byte, 100))
	assert.True(t, ok)
	require.NotNil(t, done)
	assert.Equal(t, 0, done.Index)
	assert.Len(t, done.Data, BlockSize+100)
	assert.Equal(t, []int{1}, done.Contributors)

	// bit flips only after the caller verifies
	assert.False(t, p.HaveBit(0))
	p.MarkVerified(0)
	assert.True(t, p.HaveBit(0))
	assert.Equal(t, 0, p.Remaining())
}

func TestReceivedRejectsBogusBlocks(t *testing.T) {
	p := NewPicker(sizes(2, 2*BlockSize), NewBitfield(2))
	p.Pick(1, fullBits(2), 1)

	_, ok := p.Received(1, 1, 0, make([]byte, BlockSize)) // no assembly
	assert.False(t, ok)
	_, ok = p.Received(1, 0, 17, make([]byte, BlockSize)) // misaligned
	assert.False(t, ok)
	_, ok = p.Received(1, 0, 0, make([]byte, 5)) // wrong length
	assert.False(t, ok)
}

func TestEndgameDuplicatesAndCancel(t *testing.T) {
	p := NewPicker(sizes(2, BlockSize), NewBitfield(2)) // 2 pieces < end-game threshold

	r1 := p.Pick(1, fullBits(2), 2)
	require.Len(t, r1, 2)
	r2 := p.Pick(2, fullBits(2), 2)
	require.Len(t, r2, 2, "end-game allows duplicate claims")

	// peer 2 wins block (0,0); peer 1's duplicate is cancelled
	done, ok := p.Received(2, 0, 0, make([]byte, BlockSize))
	assert.True(t, ok)
	require.NotNil(t, done)
	cancels := p.TakeCancels()
	require.Len(t, cancels, 1)
	assert.Equal(t, 1, cancels[0].PeerID)
	assert.Equal(t, Request{0, 0, BlockSize}, cancels[0].Req)
}

func TestSkippedFilesExcludedAndAborted(t *testing.T) {
	p := NewPicker(sizes(3, BlockSize), NewBitfield(3))
	p.SetMode(ModeSequential)

	reqs := p.Pick(1, fullBits(3), 1)
	require.Equal(t, 0, reqs[0].Index)

	p.SetExcluded([]bool{true, true, false})
	cancels := p.TakeCancels()
	require.Len(t, cancels, 1)
	assert.Equal(t, 0, cancels[0].Req.Index)

	reqs = p.Pick(1, fullBits(3), 3)
	require.Len(t, reqs, 1)
	assert.Equal(t, 2, reqs[0].Index)
}

func TestFirstLastBias(t *testing.T) {
	p := NewPicker(sizes(40, BlockSize), NewBitfield(40))
	p.SetFirstLast(true)

	// make middle pieces artificially rare
	bits := NewBitfield(40)
	for i := 10; i < 20; i++ {
		bits.Set(i)
	}
	p.AddPeer(bits)

	reqs := p.Pick(1, fullBits(40), 2)
	require.Len(t, reqs, 2)
	assert.Equal(t, 0, reqs[0].Index)
	assert.Equal(t, 39, reqs[1].Index)
}

func TestRequestTimeoutRequeues(t *testing.T) {
	p := NewPicker(sizes(25, BlockSize), NewBitfield(25)) // above end-game threshold
	clock := time.Now()
	p.now = func() time.Time { return clock }

	reqs := p.Pick(1, fullBits(25), 1)
	require.Len(t, reqs, 1)

	// same block is off limits while the claim is fresh
	only := NewBitfield(25)
	only.Set(reqs[0].Index)
	assert.Empty(t, p.Pick(2, only, 1))

	clock = clock.Add(requestTimeout + time.Second)
	again := p.Pick(2, fullBits(25), 1)
	require.Len(t, again, 1)
	assert.Equal(t, reqs[0], again[0])
	assert.Equal(t, 0, p.Outstanding(1))
}

func TestPeerGoneReleasesClaims(t *testing.T) {
	p := NewPicker(sizes(25, BlockSize), NewBitfield(25))
	reqs := p.Pick(1, fullBits(25), 2)
	require.Len(t, reqs, 2)

	p.PeerGone(1)
	assert.Equal(t, 0, p.Outstanding(1))

	again := p.Pick(2, fullBits(25), 2)
	assert.Equal(t, reqs, again)
}
