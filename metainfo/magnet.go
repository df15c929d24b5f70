package metainfo

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Magnet is a parsed magnet URI. Without fetched metadata it cannot start a
// P2P download, but it is enough to submit to a debrid provider.
type Magnet struct {
	InfoHash    Hash
	DisplayName string
	Trackers    []string
}

// ParseMagnet accepts btih info-hashes in 40-char hex or 32-char base32 form.
func ParseMagnet(uri string) (*Magnet, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "magnet" {
		return nil, fmt.Errorf("%w: not a magnet uri", ErrInvalidMetadata)
	}
	q := u.Query()
	xt := q.Get("xt")
	const prefix = "urn:btih:"
	if !strings.HasPrefix(xt, prefix) {
		return nil, fmt.Errorf("%w: missing urn:btih exact topic", ErrInvalidMetadata)
	}
	enc := xt[len(prefix):]

	var h Hash
	switch len(enc) {
	case 40:
		b, err := hex.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("%w: bad hex info-hash", ErrInvalidMetadata)
		}
		copy(h[:], b)
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(enc))
		if err != nil || len(b) != HashSize {
			return nil, fmt.Errorf("%w: bad base32 info-hash", ErrInvalidMetadata)
		}
		copy(h[:], b)
	default:
		return nil, fmt.Errorf("%w: info-hash must be 40 hex or 32 base32 chars", ErrInvalidMetadata)
	}

	return &Magnet{
		InfoHash:    h,
		DisplayName: q.Get("dn"),
		Trackers:    q["tr"],
	}, nil
}

// String re-assembles a canonical magnet URI.
func (m *Magnet) String() string {
	v := url.Values{}
	v.Set("xt", "urn:btih:"+m.InfoHash.String())
	if m.DisplayName != "" {
		v.Set("dn", m.DisplayName)
	}
	for _, tr := range m.Trackers {
		v.Add("tr", tr)
	}
	return "magnet:?" + v.Encode()
}
