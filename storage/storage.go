// Package storage is the durable store: torrents with their bitfields and
// counters, file priorities, settings, the encrypted vault blob and
// schedule rules, all in one sqlite database with versioned migrations.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var migrations = []string{
	// v1: initial schema
	`CREATE TABLE torrents (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		metainfo   BLOB,
		magnet     TEXT NOT NULL DEFAULT '',
		save_path  TEXT NOT NULL,
		state      TEXT NOT NULL,
		source     TEXT NOT NULL,
		bitfield   BLOB,
		num_pieces INTEGER NOT NULL DEFAULT 0,
		bytes_down INTEGER NOT NULL DEFAULT 0,
		bytes_up   INTEGER NOT NULL DEFAULT 0,
		added_at   INTEGER NOT NULL,
		error      TEXT NOT NULL DEFAULT '',
		provider   TEXT NOT NULL DEFAULT '',
		remote_id  TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE file_priorities (
		torrent_id TEXT NOT NULL,
		path       TEXT NOT NULL,
		priority   TEXT NOT NULL,
		PRIMARY KEY (torrent_id, path)
	);
	CREATE TABLE settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	CREATE TABLE vault (
		id   INTEGER PRIMARY KEY CHECK (id = 1),
		blob BLOB NOT NULL
	);
	CREATE TABLE schedule_rules (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		day_mask     INTEGER NOT NULL,
		start_minute INTEGER NOT NULL,
		end_minute   INTEGER NOT NULL,
		action       TEXT NOT NULL
	);`,
	// v2: track last activity for the cleanup policy
	`ALTER TABLE torrents ADD COLUMN last_activity INTEGER NOT NULL DEFAULT 0;`,
}

// TorrentRecord is one persisted torrent row plus its priorities.
type TorrentRecord struct {
	ID           string
	Name         string
	Metainfo     []byte
	Magnet       string
	SavePath     string
	State        string
	Source       string
	Bitfield     []byte
	NumPieces    int
	BytesDown    int64
	BytesUp      int64
	AddedAt      time.Time
	LastActivity time.Time
	Error        string
	Provider     string
	RemoteID     string
	Priorities   map[string]string
}

// ScheduleRule pauses or resumes all torrents inside a weekly window.
type ScheduleRule struct {
	ID          int64  `json:"id"`
	DayMask     int    `json:"dayMask"` // bit 0 = Sunday
	StartMinute int    `json:"startMinute"`
	EndMinute   int    `json:"endMinute"`
	Action      string `json:"action"` // pause, resume, rate-limit
}

// Store wraps the sqlite handle; all writes are transactional per torrent.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}
	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version`).Scan(&version)
	if err == sql.ErrNoRows {
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return err
		}
		version = 0
	} else if err != nil {
		return err
	}
	for v := version; v < len(migrations); v++ {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version = ?`, v+1); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// SaveTorrent upserts one torrent and its priorities in a transaction.
func (s *Store) SaveTorrent(rec *TorrentRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO torrents
		(id, name, metainfo, magnet, save_path, state, source, bitfield, num_pieces,
		 bytes_down, bytes_up, added_at, last_activity, error, provider, remote_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 name=excluded.name, metainfo=excluded.metainfo, magnet=excluded.magnet,
		 save_path=excluded.save_path, state=excluded.state, source=excluded.source,
		 bitfield=excluded.bitfield, num_pieces=excluded.num_pieces,
		 bytes_down=excluded.bytes_down, bytes_up=excluded.bytes_up,
		 last_activity=excluded.last_activity, error=excluded.error,
		 provider=excluded.provider, remote_id=excluded.remote_id`,
		rec.ID, rec.Name, rec.Metainfo, rec.Magnet, rec.SavePath, rec.State, rec.Source,
		rec.Bitfield, rec.NumPieces, rec.BytesDown, rec.BytesUp,
		rec.AddedAt.Unix(), rec.LastActivity.Unix(), rec.Error, rec.Provider, rec.RemoteID)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM file_priorities WHERE torrent_id = ?`, rec.ID); err != nil {
		return err
	}
	for path, prio := range rec.Priorities {
		if _, err := tx.Exec(`INSERT INTO file_priorities (torrent_id, path, priority) VALUES (?, ?, ?)`,
			rec.ID, path, prio); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadTorrents returns every persisted torrent ordered by add time.
func (s *Store) LoadTorrents() ([]*TorrentRecord, error) {
	rows, err := s.db.Query(`SELECT id, name, metainfo, magnet, save_path, state, source,
		bitfield, num_pieces, bytes_down, bytes_up, added_at, last_activity, error, provider, remote_id
		FROM torrents ORDER BY added_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TorrentRecord
	for rows.Next() {
		rec := &TorrentRecord{Priorities: map[string]string{}}
		var addedAt, lastActivity int64
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Metainfo, &rec.Magnet, &rec.SavePath,
			&rec.State, &rec.Source, &rec.Bitfield, &rec.NumPieces, &rec.BytesDown,
			&rec.BytesUp, &addedAt, &lastActivity, &rec.Error, &rec.Provider, &rec.RemoteID); err != nil {
			return nil, err
		}
		rec.AddedAt = time.Unix(addedAt, 0)
		rec.LastActivity = time.Unix(lastActivity, 0)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, rec := range out {
		prows, err := s.db.Query(`SELECT path, priority FROM file_priorities WHERE torrent_id = ?`, rec.ID)
		if err != nil {
			return nil, err
		}
		for prows.Next() {
			var path, prio string
			if err := prows.Scan(&path, &prio); err != nil {
				prows.Close()
				return nil, err
			}
			rec.Priorities[path] = prio
		}
		prows.Close()
	}
	return out, nil
}

func (s *Store) DeleteTorrent(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM file_priorities WHERE torrent_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM torrents WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveVault stores the encrypted credential blob (single row).
func (s *Store) SaveVault(blob []byte) error {
	if blob == nil {
		_, err := s.db.Exec(`DELETE FROM vault WHERE id = 1`)
		return err
	}
	_, err := s.db.Exec(`INSERT INTO vault (id, blob) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET blob=excluded.blob`, blob)
	return err
}

// LoadVault returns nil when no vault is configured.
func (s *Store) LoadVault() ([]byte, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT blob FROM vault WHERE id = 1`).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return blob, err
}

// SaveSetting stores one settings value as JSON.
func (s *Store) SaveSetting(key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, string(data))
	return err
}

// LoadSetting unmarshals into out; reports whether the key existed.
func (s *Store) LoadSetting(key string, out interface{}) (bool, error) {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal([]byte(raw), out)
}

func (s *Store) SaveScheduleRule(r *ScheduleRule) error {
	if r.ID == 0 {
		res, err := s.db.Exec(`INSERT INTO schedule_rules (day_mask, start_minute, end_minute, action)
			VALUES (?, ?, ?, ?)`, r.DayMask, r.StartMinute, r.EndMinute, r.Action)
		if err != nil {
			return err
		}
		r.ID, err = res.LastInsertId()
		return err
	}
	_, err := s.db.Exec(`UPDATE schedule_rules SET day_mask=?, start_minute=?, end_minute=?, action=?
		WHERE id=?`, r.DayMask, r.StartMinute, r.EndMinute, r.Action, r.ID)
	return err
}

func (s *Store) ScheduleRules() ([]ScheduleRule, error) {
	rows, err := s.db.Query(`SELECT id, day_mask, start_minute, end_minute, action FROM schedule_rules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ScheduleRule
	for rows.Next() {
		var r ScheduleRule
		if err := rows.Scan(&r.ID, &r.DayMask, &r.StartMinute, &r.EndMinute, &r.Action); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteScheduleRule(id int64) error {
	_, err := s.db.Exec(`DELETE FROM schedule_rules WHERE id = ?`, id)
	return err
}
