package tracker

import (
	"context"
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedcloud/seedcloud/bencode"
	"github.com/seedcloud/seedcloud/metainfo"
)

func testHash() metainfo.Hash {
	var h metainfo.Hash
	for i := range h {
		h[i] = byte(i)
	}
	return h
}

func compactPeers(addrs ...string) string {
	var out []byte
	for _, a := range addrs {
		host, port, _ := net.SplitHostPort(a)
		ip := net.ParseIP(host).To4()
		out = append(out, ip...)
		var p int
		for _, c := range port {
			p = p*10 + int(c-'0')
		}
		out = append(out, byte(p>>8), byte(p))
	}
	return string(out)
}

func TestParseHTTPResponseCompact(t *testing.T) {
	body, err := bencode.Encode(map[string]interface{}{
		"interval":   int64(1800),
		"complete":   int64(5),
		"incomplete": int64(3),
		"peers":      compactPeers("10.0.0.1:6881", "10.0.0.2:51413"),
	})
	require.NoError(t, err)

	resp, err := parseHTTPResponse(body)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, resp.Interval)
	assert.Equal(t, 5, resp.Seeders)
	assert.Equal(t, 3, resp.Leechers)
	assert.Equal(t, []string{"10.0.0.1:6881", "10.0.0.2:51413"}, resp.Peers)
}

func TestParseHTTPResponseDictForm(t *testing.T) {
	body, err := bencode.Encode(map[string]interface{}{
		"interval": int64(120),
		"peers": []interface{}{
			map[string]interface{}{"ip": "10.1.1.1", "port": int64(6881)},
		},
	})
	require.NoError(t, err)
	resp, err := parseHTTPResponse(body)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.1.1.1:6881"}, resp.Peers)
}

func TestParseHTTPResponseFailure(t *testing.T) {
	body, _ := bencode.Encode(map[string]interface{}{"failure reason": "torrent not registered"})
	_, err := parseHTTPResponse(body)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "torrent not registered")

	_, err = parseHTTPResponse([]byte("d5:peers7:raggede"))
	assert.Error(t, err, "7 bytes is not a multiple of 6")
}

func TestClampAndBackoff(t *testing.T) {
	assert.Equal(t, minInterval, clampInterval(5*time.Second))
	assert.Equal(t, maxInterval, clampInterval(3*time.Hour))
	assert.Equal(t, defaultInterval, clampInterval(0))
	assert.Equal(t, 20*time.Minute, clampInterval(20*time.Minute))

	assert.Equal(t, 30*time.Second, backoff(1))
	assert.Equal(t, 2*time.Minute, backoff(3))
	assert.Equal(t, backoffCap, backoff(20))
}

func TestAnnounceHTTPQueryAndEvents(t *testing.T) {
	var mu sync.Mutex
	var events []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		h := testHash()
		assert.Equal(t, string(h[:]), q.Get("info_hash"))
		assert.Equal(t, "1", q.Get("compact"))
		assert.Equal(t, "6881", q.Get("port"))
		mu.Lock()
		events = append(events, q.Get("event"))
		mu.Unlock()
		body, _ := bencode.Encode(map[string]interface{}{
			"interval": int64(1800),
			"peers":    compactPeers("10.0.0.9:6881"),
		})
		w.Write(body)
	}))
	defer srv.Close()

	var pid [20]byte
	copy(pid[:], "-SC0001-abcdefghijkl")
	req := &announceReq{infoHash: testHash(), peerID: pid, port: 6881, left: 100, event: EventStarted}
	resp, err := announceHTTP(context.Background(), srv.URL+"/announce", req)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.9:6881"}, resp.Peers)

	mu.Lock()
	assert.Equal(t, []string{"started"}, events)
	mu.Unlock()
}

// scripted BEP 15 UDP tracker: one connect, one announce.
func startUDPTracker(t *testing.T, peers []byte) string {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		var connID uint64 = 0x1122334455667788
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			if n >= 16 && binary.BigEndian.Uint64(buf) == udpMagic {
				resp := make([]byte, 16)
				binary.BigEndian.PutUint32(resp, udpActionConnect)
				copy(resp[4:8], buf[12:16])
				binary.BigEndian.PutUint64(resp[8:], connID)
				conn.WriteTo(resp, addr)
				continue
			}
			if n >= 98 && binary.BigEndian.Uint64(buf) == connID &&
				binary.BigEndian.Uint32(buf[8:]) == udpActionAnnounce {
				resp := make([]byte, 20+len(peers))
				binary.BigEndian.PutUint32(resp, udpActionAnnounce)
				copy(resp[4:8], buf[12:16])
				binary.BigEndian.PutUint32(resp[8:], 1800) // interval
				binary.BigEndian.PutUint32(resp[12:], 2)   // leechers
				binary.BigEndian.PutUint32(resp[16:], 7)   // seeders
				copy(resp[20:], peers)
				conn.WriteTo(resp, addr)
			}
		}
	}()
	return "udp://" + conn.LocalAddr().String()
}

func TestAnnounceUDP(t *testing.T) {
	peers := []byte{10, 0, 0, 5, 0x1a, 0xe1} // 10.0.0.5:6881
	url := startUDPTracker(t, peers)

	req := &announceReq{infoHash: testHash(), peerID: [20]byte{1}, port: 6881, left: 42, event: EventStarted}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := announceUDP(ctx, url, req)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, resp.Interval)
	assert.Equal(t, 7, resp.Seeders)
	assert.Equal(t, 2, resp.Leechers)
	assert.Equal(t, []string{"10.0.0.5:6881"}, resp.Peers)
}

func TestClientLifecycle(t *testing.T) {
	var mu sync.Mutex
	var events []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		events = append(events, r.URL.Query().Get("event"))
		mu.Unlock()
		body, _ := bencode.Encode(map[string]interface{}{
			"interval": int64(1800),
			"complete": int64(1),
			"peers":    compactPeers("10.0.0.7:6881"),
		})
		w.Write(body)
	}))
	defer srv.Close()

	got := make(chan []string, 4)
	c := New([][]string{{srv.URL + "/announce"}}, testHash(), [20]byte{9}, 6881,
		func() (int64, int64, int64) { return 0, 0, 1000 },
		func(peers []string) { got <- peers })

	c.Start(context.Background())

	select {
	case peers := <-got:
		assert.Equal(t, []string{"10.0.0.7:6881"}, peers)
	case <-time.After(10 * time.Second):
		t.Fatal("no peers from started announce")
	}

	c.Announce(EventCompleted)
	deadline := time.Now().Add(10 * time.Second)
	for {
		mu.Lock()
		n := len(events)
		mu.Unlock()
		if n >= 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.Stop(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, "started", events[0])
	assert.Contains(t, events, "completed")
	assert.Equal(t, "stopped", events[len(events)-1])

	st := c.Trackers()
	require.Len(t, st, 1)
	assert.Equal(t, "working", st[0].State)
	seeds, _ := c.Swarm()
	assert.Equal(t, 1, seeds)
}

func TestTierFailoverPromotes(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := bencode.Encode(map[string]interface{}{"interval": int64(1800)})
		w.Write(body)
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer bad.Close()

	c := New([][]string{{bad.URL, good.URL}}, testHash(), [20]byte{1}, 6881,
		func() (int64, int64, int64) { return 0, 0, 0 }, nil)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	defer c.cancel()

	c.announceTier(0, EventStarted)

	st := c.Trackers()
	require.Len(t, st, 2)
	assert.Equal(t, good.URL, st[0].URL, "responder promoted to front")
	assert.Equal(t, "working", st[0].State)
	assert.Equal(t, bad.URL, st[1].URL)
	assert.Equal(t, "error", st[1].State)
	assert.NotEmpty(t, st[1].LastError)
}
