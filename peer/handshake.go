package peer

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/seedcloud/seedcloud/metainfo"
)

const (
	protocolString = "BitTorrent protocol"

	// HandshakeLen is the fixed wire size: 1+19+8+20+20.
	HandshakeLen = 68

	// idPrefix is this client's Azureus-style discriminator.
	idPrefix = "-SC0001-"

	HandshakeTimeout = 10 * time.Second
)

// Handshake is the 68-byte connection preamble.
type Handshake struct {
	InfoHash metainfo.Hash
	PeerID   [20]byte
	Reserved [8]byte
}

// NewPeerID generates "-SC0001-" followed by 12 random bytes.
func NewPeerID() [20]byte {
	var id [20]byte
	copy(id[:], idPrefix)
	rand.Read(id[len(idPrefix):])
	return id
}

// Encode emits the fixed 68-byte form.
func (h *Handshake) Encode() []byte {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, byte(len(protocolString)))
	buf = append(buf, protocolString...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// DecodeHandshake validates a 68-byte handshake.
func DecodeHandshake(buf []byte) (*Handshake, error) {
	if len(buf) != HandshakeLen {
		return nil, fmt.Errorf("%w: handshake of %d bytes", ErrProtocol, len(buf))
	}
	if buf[0] != byte(len(protocolString)) || !bytes.Equal(buf[1:20], []byte(protocolString)) {
		return nil, fmt.Errorf("%w: bad protocol string", ErrProtocol)
	}
	h := &Handshake{}
	copy(h.Reserved[:], buf[20:28])
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return h, nil
}

// ReadHandshake reads exactly one handshake from the wire.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return DecodeHandshake(buf)
}

// Exchange performs the outbound side: send ours, read theirs, verify the
// info-hash. The deadline covers the whole exchange.
func Exchange(conn net.Conn, infoHash metainfo.Hash, peerID [20]byte) (*Handshake, error) {
	conn.SetDeadline(time.Now().Add(HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	ours := &Handshake{InfoHash: infoHash, PeerID: peerID}
	if _, err := conn.Write(ours.Encode()); err != nil {
		return nil, err
	}
	theirs, err := ReadHandshake(conn)
	if err != nil {
		return nil, err
	}
	if theirs.InfoHash != infoHash {
		return nil, fmt.Errorf("%w: info-hash mismatch", ErrProtocol)
	}
	return theirs, nil
}

// clientPrefixes maps Azureus-style peer-id prefixes to display names; the
// client column of the peer list shows these.
var clientPrefixes = map[string]string{
	"SC": "SeedCloud",
	"qB": "qBittorrent",
	"TR": "Transmission",
	"DE": "Deluge",
	"UT": "µTorrent",
	"LT": "libtorrent",
	"lt": "libTorrent",
	"AZ": "Azureus",
	"BC": "BitComet",
	"UW": "µTorrent Web",
}

// ClientName derives a display name from a remote peer-id.
func ClientName(id [20]byte) string {
	if id[0] == '-' && id[7] == '-' {
		if name, ok := clientPrefixes[string(id[1:3])]; ok {
			return fmt.Sprintf("%s %c.%c.%c", name, id[3], id[4], id[5])
		}
		return string(id[1:3])
	}
	return "unknown"
}
