package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

// BEP 15 constants.
const (
	udpMagic uint64 = 0x41727101980

	udpActionConnect  uint32 = 0
	udpActionAnnounce uint32 = 1
	udpActionError    uint32 = 3

	udpTimeout = 15 * time.Second
)

var udpEventCode = map[Event]uint32{
	EventNone:      0,
	EventCompleted: 1,
	EventStarted:   2,
	EventStopped:   3,
}

func newTransactionID() uint32 {
	var b [4]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// announceUDP performs the two-step connect/announce exchange.
func announceUDP(ctx context.Context, trackerURL string, a *announceReq) (*Response, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return nil, fmt.Errorf("bad tracker url: %w", err)
	}
	conn, err := net.Dial("udp", u.Host)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(udpTimeout))
	}

	connID, err := udpConnect(conn)
	if err != nil {
		return nil, err
	}
	return udpAnnounce(conn, connID, a)
}

func udpConnect(conn net.Conn) (uint64, error) {
	tid := newTransactionID()
	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req, udpMagic)
	binary.BigEndian.PutUint32(req[8:], udpActionConnect)
	binary.BigEndian.PutUint32(req[12:], tid)
	if _, err := conn.Write(req); err != nil {
		return 0, err
	}

	resp := make([]byte, 16)
	n, err := conn.Read(resp)
	if err != nil {
		return 0, err
	}
	if n < 16 {
		return 0, fmt.Errorf("short connect response (%d bytes)", n)
	}
	if binary.BigEndian.Uint32(resp) != udpActionConnect {
		return 0, fmt.Errorf("connect rejected (action %d)", binary.BigEndian.Uint32(resp))
	}
	if binary.BigEndian.Uint32(resp[4:]) != tid {
		return 0, fmt.Errorf("transaction id mismatch")
	}
	return binary.BigEndian.Uint64(resp[8:]), nil
}

func udpAnnounce(conn net.Conn, connID uint64, a *announceReq) (*Response, error) {
	tid := newTransactionID()
	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req, connID)
	binary.BigEndian.PutUint32(req[8:], udpActionAnnounce)
	binary.BigEndian.PutUint32(req[12:], tid)
	copy(req[16:36], a.infoHash[:])
	copy(req[36:56], a.peerID[:])
	binary.BigEndian.PutUint64(req[56:], uint64(a.downloaded))
	binary.BigEndian.PutUint64(req[64:], uint64(a.left))
	binary.BigEndian.PutUint64(req[72:], uint64(a.uploaded))
	binary.BigEndian.PutUint32(req[80:], udpEventCode[a.event])
	// ip (0 = source), key, num_want (-1 = default)
	binary.BigEndian.PutUint32(req[88:], newTransactionID())
	binary.BigEndian.PutUint32(req[92:], ^uint32(0))
	binary.BigEndian.PutUint16(req[96:], uint16(a.port))
	if _, err := conn.Write(req); err != nil {
		return nil, err
	}

	resp := make([]byte, 4096)
	n, err := conn.Read(resp)
	if err != nil {
		return nil, err
	}
	if n < 8 {
		return nil, fmt.Errorf("short announce response (%d bytes)", n)
	}
	action := binary.BigEndian.Uint32(resp)
	if binary.BigEndian.Uint32(resp[4:]) != tid {
		return nil, fmt.Errorf("transaction id mismatch")
	}
	if action == udpActionError {
		return nil, fmt.Errorf("tracker failure: %s", string(resp[8:n]))
	}
	if action != udpActionAnnounce || n < 20 {
		return nil, fmt.Errorf("malformed announce response")
	}

	out := &Response{
		Interval: time.Duration(binary.BigEndian.Uint32(resp[8:])) * time.Second,
		Leechers: int(binary.BigEndian.Uint32(resp[12:])),
		Seeders:  int(binary.BigEndian.Uint32(resp[16:])),
	}
	for off := 20; off+6 <= n; off += 6 {
		ip := net.IPv4(resp[off], resp[off+1], resp[off+2], resp[off+3])
		port := int(binary.BigEndian.Uint16(resp[off+4:]))
		out.Peers = append(out.Peers, net.JoinHostPort(ip.String(), strconv.Itoa(port)))
	}
	return out, nil
}
