package peer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedcloud/seedcloud/metainfo"
	"github.com/seedcloud/seedcloud/piece"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var ih metainfo.Hash
	copy(ih[:], bytes.Repeat([]byte{0xab}, 20))
	h := &Handshake{InfoHash: ih, PeerID: NewPeerID()}

	enc := h.Encode()
	require.Len(t, enc, HandshakeLen)
	assert.Equal(t, byte(19), enc[0])
	assert.Equal(t, "BitTorrent protocol", string(enc[1:20]))

	dec, err := DecodeHandshake(enc)
	require.NoError(t, err)
	assert.Equal(t, h.InfoHash, dec.InfoHash)
	assert.Equal(t, h.PeerID, dec.PeerID)
	// encode(decode(bytes)) == bytes
	assert.Equal(t, enc, dec.Encode())
}

func TestDecodeHandshakeRejects(t *testing.T) {
	_, err := DecodeHandshake(make([]byte, 10))
	assert.ErrorIs(t, err, ErrProtocol)

	bad := (&Handshake{}).Encode()
	bad[1] = 'X'
	_, err = DecodeHandshake(bad)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestNewPeerIDPrefix(t *testing.T) {
	id := NewPeerID()
	assert.Equal(t, "-SC0001-", string(id[:8]))
	assert.NotEqual(t, NewPeerID(), id, "random tail")
}

func TestClientName(t *testing.T) {
	var id [20]byte
	copy(id[:], "-qB4250-abcdefghijkl")
	assert.Equal(t, "qBittorrent 4.2.5", ClientName(id))

	copy(id[:], "-ZZ0000-abcdefghijkl")
	assert.Equal(t, "ZZ", ClientName(id))

	copy(id[:], "M7-9-aaaaaaaaaaaaaaa")
	assert.Equal(t, "unknown", ClientName(id))
}

func TestMessageRoundTrip(t *testing.T) {
	msgs := []*Message{
		{ID: MsgChoke},
		{ID: MsgInterested},
		HaveMessage(7),
		RequestMessage(1, 16384, 16384),
		CancelMessage(2, 0, 100),
		PieceMessage(3, 32768, []byte("block-data")),
	}
	var buf bytes.Buffer
	for _, m := range msgs {
		require.NoError(t, WriteMessage(&buf, m))
	}
	require.NoError(t, WriteMessage(&buf, nil)) // keepalive

	for _, want := range msgs {
		got, err := ReadMessage(&buf)
		require.NoError(t, err)
		assert.Equal(t, want.ID, got.ID)
		if want.Payload == nil {
			assert.Empty(t, got.Payload)
		} else {
			assert.Equal(t, want.Payload, got.Payload)
		}
	}
	ka, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Nil(t, ka)
}

func TestMessageParsers(t *testing.T) {
	idx, err := ParseHave(HaveMessage(12))
	require.NoError(t, err)
	assert.Equal(t, 12, idx)
	_, err = ParseHave(&Message{ID: MsgHave, Payload: []byte{1}})
	assert.ErrorIs(t, err, ErrProtocol)

	i, b, l, err := ParseRange(RequestMessage(1, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, []int{i, b, l})
	_, _, _, err = ParseRange(&Message{ID: MsgRequest, Payload: []byte{}})
	assert.ErrorIs(t, err, ErrProtocol)

	i, b, blk, err := ParsePiece(PieceMessage(4, 5, []byte("xy")))
	require.NoError(t, err)
	assert.Equal(t, 4, i)
	assert.Equal(t, 5, b)
	assert.Equal(t, []byte("xy"), blk)
	_, _, _, err = ParsePiece(&Message{ID: MsgPiece, Payload: []byte{0}})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReadMessageRejectsHugeFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	_, err := ReadMessage(&buf)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestBitfieldMessage(t *testing.T) {
	bf := piece.NewBitfield(10)
	bf.Set(0)
	bf.Set(9)
	m := BitfieldMessage(bf)
	assert.Equal(t, MsgBitfield, m.ID)
	back, err := piece.BitfieldFromBytes(m.Payload, 10)
	require.NoError(t, err)
	assert.True(t, back.Has(0))
	assert.True(t, back.Has(9))
	assert.Equal(t, 2, back.Count())
}
