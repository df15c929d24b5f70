// Package tracker implements HTTP(S) and UDP announce with BEP 12 tiered
// failover: per-tier loops try trackers in order, promote the winner, back
// off exponentially on failure and re-announce on the server's interval.
package tracker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/seedcloud/seedcloud/bencode"
)

const httpTimeout = 30 * time.Second

var httpClient = &http.Client{Timeout: httpTimeout}

// Response is a normalized announce result for both transports.
type Response struct {
	Interval time.Duration
	Peers    []string
	Seeders  int
	Leechers int
}

func announceHTTP(ctx context.Context, trackerURL string, a *announceReq) (*Response, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return nil, fmt.Errorf("bad tracker url: %w", err)
	}
	q := u.Query()
	q.Set("info_hash", string(a.infoHash[:]))
	q.Set("peer_id", string(a.peerID[:]))
	q.Set("port", strconv.Itoa(a.port))
	q.Set("uploaded", strconv.FormatInt(a.uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(a.downloaded, 10))
	q.Set("left", strconv.FormatInt(a.left, 10))
	q.Set("compact", "1")
	if a.event != EventNone {
		q.Set("event", string(a.event))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return parseHTTPResponse(body)
}

func parseHTTPResponse(body []byte) (*Response, error) {
	v, err := bencode.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("tracker response: %w", err)
	}
	dict, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("tracker response is not a dictionary")
	}
	if reason, ok := dict["failure reason"].(string); ok {
		return nil, fmt.Errorf("tracker failure: %s", reason)
	}

	out := &Response{Interval: defaultInterval}
	if iv, ok := dict["interval"].(int64); ok {
		out.Interval = time.Duration(iv) * time.Second
	}
	if n, ok := dict["complete"].(int64); ok {
		out.Seeders = int(n)
	}
	if n, ok := dict["incomplete"].(int64); ok {
		out.Leechers = int(n)
	}

	switch peers := dict["peers"].(type) {
	case string:
		// compact form: 6 bytes per peer
		if len(peers)%6 != 0 {
			return nil, fmt.Errorf("tracker response: ragged compact peer list")
		}
		for i := 0; i+6 <= len(peers); i += 6 {
			ip := net.IPv4(peers[i], peers[i+1], peers[i+2], peers[i+3])
			port := int(peers[i+4])<<8 | int(peers[i+5])
			out.Peers = append(out.Peers, net.JoinHostPort(ip.String(), strconv.Itoa(port)))
		}
	case []interface{}:
		// dict form
		for _, e := range peers {
			pd, ok := e.(map[string]interface{})
			if !ok {
				continue
			}
			ip, _ := pd["ip"].(string)
			port, _ := pd["port"].(int64)
			if ip != "" && port > 0 {
				out.Peers = append(out.Peers, net.JoinHostPort(ip, strconv.FormatInt(port, 10)))
			}
		}
	}
	return out, nil
}
