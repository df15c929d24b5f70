// Package peer implements the BitTorrent peer wire protocol: the 68-byte
// handshake, length-prefixed message framing, per-link choke/interest state
// and the connection pool with its choke/unchoke rounds.
package peer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/seedcloud/seedcloud/piece"
)

// ErrProtocol is wrapped by all framing and handshake violations; the link
// is closed when it surfaces.
var ErrProtocol = errors.New("protocol violation")

// Wire message ids per BEP 3.
const (
	MsgChoke         byte = 0
	MsgUnchoke       byte = 1
	MsgInterested    byte = 2
	MsgNotInterested byte = 3
	MsgHave          byte = 4
	MsgBitfield      byte = 5
	MsgRequest       byte = 6
	MsgPiece         byte = 7
	MsgCancel        byte = 8
)

const (
	// maxMessageLen bounds a frame: a piece message carries at most one
	// block plus 9 bytes of header, with slack for fat bitfields.
	maxMessageLen = 4*1024*1024 + 16

	// maxRequestLen is the tolerated upload request size; anything larger
	// (or zero) is dropped.
	maxRequestLen = 32 * 1024
)

// Message is a framed wire message. A nil *Message stands for a keepalive.
type Message struct {
	ID      byte
	Payload []byte
}

// ReadMessage reads one length-prefixed frame. Keepalives return (nil, nil).
func ReadMessage(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, nil
	}
	if length > maxMessageLen {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrProtocol, length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return &Message{ID: buf[0], Payload: buf[1:]}, nil
}

// WriteMessage writes one frame; nil writes a keepalive.
func WriteMessage(w io.Writer, m *Message) error {
	if m == nil {
		_, err := w.Write([]byte{0, 0, 0, 0})
		return err
	}
	buf := make([]byte, 4+1+len(m.Payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(m.Payload)))
	buf[4] = m.ID
	copy(buf[5:], m.Payload)
	_, err := w.Write(buf)
	return err
}

func HaveMessage(index int) *Message {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, uint32(index))
	return &Message{ID: MsgHave, Payload: p}
}

func BitfieldMessage(bf *piece.Bitfield) *Message {
	return &Message{ID: MsgBitfield, Payload: bf.Bytes()}
}

func RequestMessage(index, begin, length int) *Message {
	return &Message{ID: MsgRequest, Payload: packRange(index, begin, length)}
}

func CancelMessage(index, begin, length int) *Message {
	return &Message{ID: MsgCancel, Payload: packRange(index, begin, length)}
}

func PieceMessage(index, begin int, block []byte) *Message {
	p := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(p, uint32(index))
	binary.BigEndian.PutUint32(p[4:], uint32(begin))
	copy(p[8:], block)
	return &Message{ID: MsgPiece, Payload: p}
}

func packRange(index, begin, length int) []byte {
	p := make([]byte, 12)
	binary.BigEndian.PutUint32(p, uint32(index))
	binary.BigEndian.PutUint32(p[4:], uint32(begin))
	binary.BigEndian.PutUint32(p[8:], uint32(length))
	return p
}

// ParseHave decodes a have payload.
func ParseHave(m *Message) (int, error) {
	if len(m.Payload) != 4 {
		return 0, fmt.Errorf("%w: have payload of %d bytes", ErrProtocol, len(m.Payload))
	}
	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

// ParseRange decodes request and cancel payloads.
func ParseRange(m *Message) (index, begin, length int, err error) {
	if len(m.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("%w: range payload of %d bytes", ErrProtocol, len(m.Payload))
	}
	return int(binary.BigEndian.Uint32(m.Payload)),
		int(binary.BigEndian.Uint32(m.Payload[4:])),
		int(binary.BigEndian.Uint32(m.Payload[8:])), nil
}

// ParsePiece decodes a piece payload; the block aliases the message buffer.
func ParsePiece(m *Message) (index, begin int, block []byte, err error) {
	if len(m.Payload) < 8 {
		return 0, 0, nil, fmt.Errorf("%w: piece payload of %d bytes", ErrProtocol, len(m.Payload))
	}
	return int(binary.BigEndian.Uint32(m.Payload)),
		int(binary.BigEndian.Uint32(m.Payload[4:])),
		m.Payload[8:], nil
}
