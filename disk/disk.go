// Package disk maps piece indices onto file ranges and owns all torrent
// file I/O. Handles are opened lazily, writes are verify-then-commit: a
// piece whose SHA-1 does not match is rejected before any byte lands.
package disk

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	gopsdisk "github.com/shirou/gopsutil/v3/disk"

	"github.com/seedcloud/seedcloud/metainfo"
	"github.com/seedcloud/seedcloud/piece"
)

// ErrHashMismatch is returned by WritePiece when the piece bytes do not
// match the metainfo hash; the engine charges the failure to the peers that
// supplied the piece.
var ErrHashMismatch = errors.New("piece hash mismatch")

// Priority of a file slot. Skip excludes pieces wholly inside the file from
// selection; High biases selection toward overlapping pieces.
type Priority int

const (
	PrioritySkip Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PrioritySkip:
		return "skip"
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// ParsePriority accepts the string forms used by the command surface.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "skip":
		return PrioritySkip, nil
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// FileState is the published per-file progress record.
type FileState struct {
	Path          string
	Size          int64
	Priority      string
	BytesComplete int64
	Percent       float32
}

type fileSlot struct {
	relPath  string
	absPath  string
	offset   int64 // position in the torrent's global byte space
	size     int64
	priority Priority
	complete int64
}

// Manager performs range-bounded reads and writes for one torrent.
type Manager struct {
	mu      sync.Mutex
	meta    *metainfo.Metainfo
	files   []*fileSlot
	handles map[int]*os.File
}

func NewManager(meta *metainfo.Metainfo, savePath string) *Manager {
	m := &Manager{meta: meta, handles: map[int]*os.File{}}
	var off int64
	for _, f := range meta.Files {
		m.files = append(m.files, &fileSlot{
			relPath:  f.Path,
			absPath:  filepath.Join(savePath, f.Path),
			offset:   off,
			size:     f.Size,
			priority: PriorityNormal,
		})
		off += f.Size
	}
	return m
}

type span struct {
	file    int
	fileOff int64
	start   int64 // offset within the piece buffer
	length  int64
}

// spans lists the (file, offset, length) ranges covered by [off, off+n) of
// the torrent's global byte space. Zero-byte files inside the range are
// included with length 0 so they get materialized.
func (m *Manager) spans(off, n int64) []span {
	var out []span
	end := off + n
	for i, f := range m.files {
		if f.size == 0 {
			if f.offset >= off && f.offset < end {
				out = append(out, span{file: i})
			}
			continue
		}
		fEnd := f.offset + f.size
		if fEnd <= off || f.offset >= end {
			continue
		}
		s := off
		if f.offset > s {
			s = f.offset
		}
		e := end
		if fEnd < e {
			e = fEnd
		}
		out = append(out, span{
			file:    i,
			fileOff: s - f.offset,
			start:   s - off,
			length:  e - s,
		})
	}
	return out
}

func (m *Manager) handle(i int) (*os.File, error) {
	if h, ok := m.handles[i]; ok {
		return h, nil
	}
	f := m.files[i]
	if err := os.MkdirAll(filepath.Dir(f.absPath), 0755); err != nil {
		return nil, err
	}
	h, err := os.OpenFile(f.absPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	m.handles[i] = h
	return h, nil
}

// WritePiece verifies data against the metainfo hash, then issues the range
// writes. A mismatch returns ErrHashMismatch with nothing written, so the
// bitfield can never cover unverified bytes.
func (m *Manager) WritePiece(index int, data []byte) error {
	if index < 0 || index >= m.meta.NumPieces() {
		return fmt.Errorf("piece %d out of range", index)
	}
	if int64(len(data)) != m.meta.PieceSize(index) {
		return fmt.Errorf("piece %d: got %d bytes, want %d", index, len(data), m.meta.PieceSize(index))
	}
	if sum := sha1.Sum(data); !bytes.Equal(sum[:], m.meta.PieceHashes[index][:]) {
		return fmt.Errorf("%w: piece %d", ErrHashMismatch, index)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	off := int64(index) * m.meta.PieceLength
	for _, sp := range m.spans(off, int64(len(data))) {
		h, err := m.handle(sp.file)
		if err != nil {
			return err
		}
		if sp.length == 0 {
			continue
		}
		if _, err := h.WriteAt(data[sp.start:sp.start+sp.length], sp.fileOff); err != nil {
			return fmt.Errorf("write piece %d: %w", index, err)
		}
	}
	return nil
}

// ReadRange serves an upload request; the range may span several files.
func (m *Manager) ReadRange(index int, begin, length int) ([]byte, error) {
	if index < 0 || index >= m.meta.NumPieces() {
		return nil, fmt.Errorf("piece %d out of range", index)
	}
	if begin < 0 || int64(begin+length) > m.meta.PieceSize(index) {
		return nil, fmt.Errorf("range %d+%d exceeds piece %d", begin, length, index)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, length)
	off := int64(index)*m.meta.PieceLength + int64(begin)
	for _, sp := range m.spans(off, int64(length)) {
		if sp.length == 0 {
			continue
		}
		h, err := m.handle(sp.file)
		if err != nil {
			return nil, err
		}
		if _, err := h.ReadAt(buf[sp.start:sp.start+sp.length], sp.fileOff); err != nil {
			return nil, fmt.Errorf("read piece %d: %w", index, err)
		}
	}
	return buf, nil
}

// ReadPiece reads a whole piece, used for hash checks and uploads.
func (m *Manager) ReadPiece(index int) ([]byte, error) {
	return m.ReadRange(index, 0, int(m.meta.PieceSize(index)))
}

// VerifyExisting hash-checks whatever is on disk, setting bits for pieces
// that match. Read failures count as absent, not as errors: a missing file
// simply means the piece is not there yet.
func (m *Manager) VerifyExisting(bf *piece.Bitfield) {
	for i := 0; i < m.meta.NumPieces(); i++ {
		data, err := m.ReadPiece(i)
		if err != nil {
			continue
		}
		if sum := sha1.Sum(data); bytes.Equal(sum[:], m.meta.PieceHashes[i][:]) {
			bf.Set(i)
			m.MarkVerified(i)
		}
	}
}

// MarkVerified credits the piece's bytes to each file it intersects.
func (m *Manager) MarkVerified(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	off := int64(index) * m.meta.PieceLength
	for _, sp := range m.spans(off, m.meta.PieceSize(index)) {
		m.files[sp.file].complete += sp.length
	}
}

// ResetFromBitfield recomputes per-file completion from a restored bitfield.
func (m *Manager) ResetFromBitfield(bf *piece.Bitfield) {
	m.mu.Lock()
	for _, f := range m.files {
		f.complete = 0
	}
	m.mu.Unlock()
	for i := 0; i < m.meta.NumPieces(); i++ {
		if bf.Has(i) {
			m.MarkVerified(i)
		}
	}
}

// SetPriority updates one file's priority by its torrent-relative path.
func (m *Manager) SetPriority(relPath string, pr Priority) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.files {
		if f.relPath == relPath {
			f.priority = pr
			return nil
		}
	}
	return fmt.Errorf("no such file %q", relPath)
}

// ExcludedPieces marks pieces whose entire byte range lies within
// skip-priority files.
func (m *Manager) ExcludedPieces() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]bool, m.meta.NumPieces())
	for i := range out {
		off := int64(i) * m.meta.PieceLength
		excluded := true
		for _, sp := range m.spans(off, m.meta.PieceSize(i)) {
			if sp.length > 0 && m.files[sp.file].priority != PrioritySkip {
				excluded = false
				break
			}
		}
		out[i] = excluded
	}
	return out
}

// PreferredPieces marks pieces overlapping at least one high-priority file.
func (m *Manager) PreferredPieces() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]bool, m.meta.NumPieces())
	for i := range out {
		off := int64(i) * m.meta.PieceLength
		for _, sp := range m.spans(off, m.meta.PieceSize(i)) {
			if sp.length > 0 && m.files[sp.file].priority == PriorityHigh {
				out[i] = true
				break
			}
		}
	}
	return out
}

// Files returns the published per-file progress.
func (m *Manager) Files() []FileState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FileState, len(m.files))
	for i, f := range m.files {
		pct := float32(100)
		if f.size > 0 {
			pct = float32(int(float64(10000)*(float64(f.complete)/float64(f.size)))) / 100
		}
		out[i] = FileState{
			Path:          f.relPath,
			Size:          f.size,
			Priority:      f.priority.String(),
			BytesComplete: f.complete,
			Percent:       pct,
		}
	}
	return out
}

// Priorities returns path → priority for persistence.
func (m *Manager) Priorities() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.files))
	for _, f := range m.files {
		out[f.relPath] = f.priority.String()
	}
	return out
}

// Close releases every open handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for i, h := range m.handles {
		if err := h.Close(); err != nil && first == nil {
			first = err
		}
		delete(m.handles, i)
	}
	return first
}

// DeleteFiles removes all torrent files and any now-empty directories.
func (m *Manager) DeleteFiles() error {
	m.Close()
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for _, f := range m.files {
		if err := os.Remove(f.absPath); err != nil && !os.IsNotExist(err) && first == nil {
			first = err
		}
	}
	for _, f := range m.files {
		dir := filepath.Dir(f.absPath)
		os.Remove(dir) // fails harmlessly while non-empty
	}
	return first
}

// AvailableSpace reports free bytes on the volume holding path.
func AvailableSpace(path string) (uint64, error) {
	usage, err := gopsdisk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
