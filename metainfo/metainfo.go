// Package metainfo parses .torrent files into the normalized metadata record
// used across the engine. The info-hash is the SHA-1 of the original byte
// range of the info dictionary, so re-encoding never changes torrent identity.
package metainfo

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/seedcloud/seedcloud/bencode"
)

// ErrInvalidMetadata is wrapped by all structural failures: the input is
// well-formed bencode but is not a usable torrent.
var ErrInvalidMetadata = errors.New("invalid torrent metadata")

const HashSize = 20

// Hash is a 20-byte SHA-1 info-hash.
type Hash [HashSize]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// HashFromHex parses a 40-char hex info-hash.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != HashSize {
		return h, fmt.Errorf("%w: bad info-hash %q", ErrInvalidMetadata, s)
	}
	copy(h[:], b)
	return h, nil
}

// FileInfo is one file of the torrent. Path is relative to the torrent root
// and already joined with the platform separator.
type FileInfo struct {
	Path string
	Size int64
}

// Metainfo is immutable after Parse.
type Metainfo struct {
	Name        string
	InfoHash    Hash
	PieceLength int64
	PieceHashes []Hash
	Files       []FileInfo
	Trackers    [][]string // announce tiers, BEP 12 order
	CreatedAt   time.Time
	Comment     string

	raw []byte // original bencoding, kept for re-serialization
}

// Parse decodes a .torrent file.
func Parse(data []byte) (*Metainfo, error) {
	v, err := bencode.Decode(data)
	if err != nil {
		return nil, err
	}
	root, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: top-level value is not a dictionary", ErrInvalidMetadata)
	}
	info, ok := root["info"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: missing info dictionary", ErrInvalidMetadata)
	}

	m := &Metainfo{raw: append([]byte(nil), data...)}

	rawInfo, err := bencode.RawValue(data, "info")
	if err != nil {
		return nil, err
	}
	m.InfoHash = sha1.Sum(rawInfo)

	if m.Name, ok = info["name"].(string); !ok || m.Name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrInvalidMetadata)
	}
	plen, ok := info["piece length"].(int64)
	if !ok || plen <= 0 {
		return nil, fmt.Errorf("%w: missing piece length", ErrInvalidMetadata)
	}
	m.PieceLength = plen

	pieces, ok := info["pieces"].(string)
	if !ok || len(pieces) == 0 || len(pieces)%HashSize != 0 {
		return nil, fmt.Errorf("%w: malformed pieces string", ErrInvalidMetadata)
	}
	m.PieceHashes = make([]Hash, len(pieces)/HashSize)
	for i := range m.PieceHashes {
		copy(m.PieceHashes[i][:], pieces[i*HashSize:(i+1)*HashSize])
	}

	if err := m.parseFiles(info); err != nil {
		return nil, err
	}
	if total, want := m.TotalSize(), m.pieceSpan(); total > want || total <= want-m.PieceLength {
		return nil, fmt.Errorf("%w: total size %d does not fit %d pieces of %d",
			ErrInvalidMetadata, total, len(m.PieceHashes), m.PieceLength)
	}

	m.Trackers = parseTrackers(root)
	if ts, ok := root["creation date"].(int64); ok {
		m.CreatedAt = time.Unix(ts, 0)
	}
	m.Comment, _ = root["comment"].(string)
	return m, nil
}

func (m *Metainfo) parseFiles(info map[string]interface{}) error {
	if length, ok := info["length"].(int64); ok {
		if length < 0 {
			return fmt.Errorf("%w: negative length", ErrInvalidMetadata)
		}
		m.Files = []FileInfo{{Path: m.Name, Size: length}}
		return nil
	}
	lst, ok := info["files"].([]interface{})
	if !ok || len(lst) == 0 {
		return fmt.Errorf("%w: neither length nor files present", ErrInvalidMetadata)
	}
	for _, e := range lst {
		fd, ok := e.(map[string]interface{})
		if !ok {
			return fmt.Errorf("%w: file entry is not a dictionary", ErrInvalidMetadata)
		}
		size, ok := fd["length"].(int64)
		if !ok || size < 0 {
			return fmt.Errorf("%w: file entry missing length", ErrInvalidMetadata)
		}
		segs, ok := fd["path"].([]interface{})
		if !ok || len(segs) == 0 {
			return fmt.Errorf("%w: file entry missing path", ErrInvalidMetadata)
		}
		parts := []string{m.Name}
		for _, s := range segs {
			part, ok := s.(string)
			if !ok || part == "" || part == ".." {
				return fmt.Errorf("%w: bad path segment", ErrInvalidMetadata)
			}
			parts = append(parts, part)
		}
		m.Files = append(m.Files, FileInfo{Path: filepath.Join(parts...), Size: size})
	}
	return nil
}

func parseTrackers(root map[string]interface{}) [][]string {
	var tiers [][]string
	if al, ok := root["announce-list"].([]interface{}); ok {
		for _, t := range al {
			lst, ok := t.([]interface{})
			if !ok {
				continue
			}
			var tier []string
			for _, u := range lst {
				if s, ok := u.(string); ok && s != "" {
					tier = append(tier, s)
				}
			}
			if len(tier) > 0 {
				tiers = append(tiers, tier)
			}
		}
	}
	if len(tiers) == 0 {
		if a, ok := root["announce"].(string); ok && a != "" {
			tiers = [][]string{{a}}
		}
	}
	return tiers
}

// TotalSize is the sum of all file sizes.
func (m *Metainfo) TotalSize() int64 {
	var n int64
	for _, f := range m.Files {
		n += f.Size
	}
	return n
}

func (m *Metainfo) pieceSpan() int64 {
	return int64(len(m.PieceHashes)) * m.PieceLength
}

func (m *Metainfo) NumPieces() int { return len(m.PieceHashes) }

// PieceSize returns the byte length of piece i; only the last piece may be short.
func (m *Metainfo) PieceSize(i int) int64 {
	if i == len(m.PieceHashes)-1 {
		if tail := m.TotalSize() % m.PieceLength; tail != 0 {
			return tail
		}
	}
	return m.PieceLength
}

// Bytes returns the original bencoded torrent, suitable for persisting or
// re-submitting to a debrid provider.
func (m *Metainfo) Bytes() []byte { return m.raw }

// AllTrackers flattens the announce tiers in order.
func (m *Metainfo) AllTrackers() []string {
	var out []string
	for _, tier := range m.Trackers {
		out = append(out, tier...)
	}
	return out
}
