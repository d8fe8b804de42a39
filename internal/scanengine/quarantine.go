package scanengine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
	_ "github.com/go-sql-driver/mysql"

	"github.com/tokenshield/icapd/internal/logging"
)

// GenerateQuarantineKey produces a fresh base64-encoded Fernet key,
// matching the teacher's unified-tokenizer dev-key generation path
// (fernet.Key{}.Generate() then base64.URLEncoding).
func GenerateQuarantineKey() (string, error) {
	var key fernet.Key
	if err := key.Generate(); err != nil {
		return "", fmt.Errorf("scanengine: generating quarantine key: %w", err)
	}
	return base64.URLEncoding.EncodeToString(key[:]), nil
}

// QuarantineEntry is a single quarantined payload (§3 QuarantineEntry).
// Payload never appears in Go's default %v/%+v formatting, since the
// struct's stored form is always the Fernet-sealed ciphertext.
type QuarantineEntry struct {
	ID            string // sha256(plaintext) hex-encoded; also the Checksum
	Rule          string
	Host          string
	Method        string
	SizeBytes     int
	Checksum      string // sha256 of the plaintext payload, same value as ID
	QuarantinedAt time.Time
	sealed        []byte // nil when the entry was loaded from disk metadata only
}

// quarantineMeta is the on-disk JSON form written to <hash>.meta.
type quarantineMeta struct {
	ID            string    `json:"id"`
	Rule          string    `json:"rule"`
	Host          string    `json:"host"`
	Method        string    `json:"method"`
	SizeBytes     int       `json:"size_bytes"`
	Checksum      string    `json:"checksum"`
	QuarantinedAt time.Time `json:"quarantined_at"`
}

// Store seals quarantined payloads with Fernet (matching the teacher's
// tokenizer encryption convention) and persists each one as a pair of
// content-addressed files under dir: the sealed payload as
// <hash>.bin and its metadata as <hash>.meta, written via a
// write-to-temp-then-rename so a crash mid-write never leaves a
// partial file at the final path (§4.2 "writes payload ... and
// metadata ... atomically"). The hash is the plaintext's sha256, so a
// second Put of identical content reuses the existing files rather
// than writing or overwriting anything (§8 invariant 7). An in-memory
// index mirrors the disk contents for fast Get/List, optionally
// also mirrored into a MySQL metadata table for operator queries.
type Store struct {
	log *logging.Logger
	key *fernet.Key
	dir string // "" disables on-disk persistence; index is memory-only

	mu      sync.Mutex
	entries []*QuarantineEntry
	byID    map[string]*QuarantineEntry

	db *sql.DB // nil when no metadata index is configured
}

// NewStore builds a quarantine store sealing payloads under keyB64 (a
// standard Fernet key, base64-encoded). dir is the base directory for
// <hash>.bin/<hash>.meta files; pass "" to run memory-only (e.g. in
// tests). db may be nil to disable the optional MySQL index. Existing
// entries under dir are loaded back into the index so a restart does
// not forget what is already quarantined.
func NewStore(log *logging.Logger, keyB64 string, dir string, db *sql.DB) (*Store, error) {
	key, err := fernet.DecodeKey(keyB64)
	if err != nil {
		return nil, fmt.Errorf("scanengine: invalid quarantine key: %w", err)
	}
	st := &Store{
		log:  log.With("quarantine"),
		key:  key,
		dir:  dir,
		byID: make(map[string]*QuarantineEntry),
		db:   db,
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("scanengine: creating quarantine dir %s: %w", dir, err)
		}
		if err := st.loadIndex(); err != nil {
			return nil, fmt.Errorf("scanengine: loading quarantine index from %s: %w", dir, err)
		}
	}
	return st, nil
}

func (s *Store) loadIndex() error {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.meta"))
	if err != nil {
		return err
	}
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			s.log.Warnf("skipping unreadable quarantine metadata %s: %v", path, err)
			continue
		}
		var meta quarantineMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			s.log.Warnf("skipping malformed quarantine metadata %s: %v", path, err)
			continue
		}
		entry := &QuarantineEntry{
			ID:            meta.ID,
			Rule:          meta.Rule,
			Host:          meta.Host,
			Method:        meta.Method,
			SizeBytes:     meta.SizeBytes,
			Checksum:      meta.Checksum,
			QuarantinedAt: meta.QuarantinedAt,
		}
		s.entries = append(s.entries, entry)
		s.byID[entry.ID] = entry
	}
	// Put appends in arrival order and List reverses it; keep reloaded
	// entries in that same oldest-first order.
	sort.Slice(s.entries, func(i, j int) bool {
		return s.entries[i].QuarantinedAt.Before(s.entries[j].QuarantinedAt)
	})
	return nil
}

// OpenMySQLIndex dials the optional quarantine metadata index, matching
// the connection-pool settings the teacher applies to its own MySQL
// pool (bounded open/idle connections, a conn lifetime cap).
func OpenMySQLIndex(dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("scanengine: opening quarantine index: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("scanengine: pinging quarantine index: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

// Put seals and stores payload, returning the entry addressed by its
// content hash. A payload whose hash already has an entry is a
// duplicate: the existing entry is returned and neither its .bin nor
// its .meta file is touched (§8 invariant 7).
func (s *Store) Put(ctx context.Context, payload []byte, rule, host, method string) (*QuarantineEntry, error) {
	sum := sha256.Sum256(payload)
	id := hex.EncodeToString(sum[:])

	s.mu.Lock()
	if existing, ok := s.byID[id]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.mu.Unlock()

	sealed, err := fernet.EncryptAndSign(payload, s.key)
	if err != nil {
		return nil, fmt.Errorf("scanengine: sealing quarantined payload: %w", err)
	}

	entry := &QuarantineEntry{
		ID:            id,
		Rule:          rule,
		Host:          host,
		Method:        method,
		SizeBytes:     len(payload),
		Checksum:      id,
		QuarantinedAt: time.Now(),
		sealed:        sealed,
	}

	if s.dir != "" {
		if err := s.persist(entry); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	if existing, ok := s.byID[id]; ok {
		// Lost a race with a concurrent Put for the same content; the
		// winner's files are already on disk, so fall back to its entry.
		s.mu.Unlock()
		return existing, nil
	}
	s.entries = append(s.entries, entry)
	s.byID[id] = entry
	s.mu.Unlock()

	if s.db != nil {
		if _, err := s.db.ExecContext(ctx, `
			INSERT IGNORE INTO quarantine_entries
				(id, rule_name, host, method, size_bytes, checksum, quarantined_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, entry.Rule, entry.Host, entry.Method, entry.SizeBytes, entry.Checksum, entry.QuarantinedAt,
		); err != nil {
			s.log.Warnf("quarantine index insert failed for %s: %v", entry.ID, err)
		}
	}

	return entry, nil
}

// persist writes entry's sealed payload and metadata to <hash>.bin and
// <hash>.meta under dir. Both writes land via a temp-file-then-rename
// so a reader never observes a partially-written file, and a file
// that already exists at the final path is left untouched rather than
// rewritten (the dedup check in Put already covers the normal case;
// this guards against a leftover file from a process that crashed
// after writing but before updating the in-memory index).
func (s *Store) persist(entry *QuarantineEntry) error {
	binPath := filepath.Join(s.dir, entry.ID+".bin")
	if _, err := os.Stat(binPath); err != nil {
		if err := writeFileAtomic(s.dir, binPath, entry.sealed); err != nil {
			return fmt.Errorf("scanengine: writing quarantine payload %s: %w", entry.ID, err)
		}
	}

	meta := quarantineMeta{
		ID:            entry.ID,
		Rule:          entry.Rule,
		Host:          entry.Host,
		Method:        entry.Method,
		SizeBytes:     entry.SizeBytes,
		Checksum:      entry.Checksum,
		QuarantinedAt: entry.QuarantinedAt,
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("scanengine: marshaling quarantine metadata %s: %w", entry.ID, err)
	}
	metaPath := filepath.Join(s.dir, entry.ID+".meta")
	if _, err := os.Stat(metaPath); err == nil {
		return nil
	}
	if err := writeFileAtomic(s.dir, metaPath, metaBytes); err != nil {
		return fmt.Errorf("scanengine: writing quarantine metadata %s: %w", entry.ID, err)
	}
	return nil
}

// writeFileAtomic writes data to a temp file in dir and renames it
// onto finalPath, so finalPath only ever appears fully written.
func writeFileAtomic(dir, finalPath string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".quarantine-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, finalPath)
}

// Get returns the entry's decrypted payload. Decryption failure means
// the sealed bytes were tampered with or the key rotated without a
// re-seal pass; both are reported rather than silently dropped.
func (s *Store) Get(id string) ([]byte, *QuarantineEntry, error) {
	s.mu.Lock()
	entry, ok := s.byID[id]
	s.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("scanengine: no quarantine entry %s", id)
	}

	sealed := entry.sealed
	if sealed == nil {
		if s.dir == "" {
			return nil, entry, fmt.Errorf("scanengine: quarantine entry %s has no payload available", id)
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.ID+".bin"))
		if err != nil {
			return nil, entry, fmt.Errorf("scanengine: reading quarantine payload %s: %w", id, err)
		}
		sealed = data
	}

	plaintext := fernet.VerifyAndDecrypt(sealed, 0, []*fernet.Key{s.key})
	if plaintext == nil {
		return nil, entry, fmt.Errorf("scanengine: quarantine entry %s failed to decrypt", id)
	}
	return plaintext, entry, nil
}

// List returns a snapshot of current entries (metadata only, no
// payload), newest first.
func (s *Store) List() []*QuarantineEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*QuarantineEntry, len(s.entries))
	for i, e := range s.entries {
		out[len(s.entries)-1-i] = e
	}
	return out
}

// Count returns the number of distinct quarantined payloads currently
// indexed, for the quarantine-size metrics gauge (§4.8).
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
