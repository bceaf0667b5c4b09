// Package store keeps a local, content-addressed ledger of every file
// moved to or from a device.
//
// Layout under the store root:
//
//	objects/ab/abcdef...  file content, named by its sha256
//	objects/ab/abcdef...json  metadata and transfer history
//	ledger.json  summary of every object, rebuilt from objects/ when lost
package store

import (
	"bytes"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// ErrNotFound is returned when no recorded file matches a hash.
var ErrNotFound = errors.New("no recorded file")

// Store is a transfer ledger rooted at a directory.
type Store struct {
	objectsDir string
	ledgerPath string
}

// IndexEntry summarizes one recorded file.
type IndexEntry struct {
	Hash       string    `json:"hash"`
	Kind       string    `json:"kind"`
	Size       int       `json:"size"`
	Transfers  int       `json:"transfers"`
	LastSource Source    `json:"last_source"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type ledger struct {
	Entries map[string]IndexEntry `json:"entries"`
}

// DefaultPath returns the default store path, <state dir>/store.
func DefaultPath(stateDir string) string {
	return filepath.Join(stateDir, "store")
}

// Open opens or creates a store at path.
func Open(path string) (*Store, error) {
	s := &Store{
		objectsDir: filepath.Join(path, "objects"),
		ledgerPath: filepath.Join(path, "ledger.json"),
	}
	if err := os.MkdirAll(s.objectsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	return s, nil
}

func (s *Store) objectPath(hash string) string {
	name := hashToFilename(hash)
	if len(name) < 2 {
		return filepath.Join(s.objectsDir, name)
	}
	return filepath.Join(s.objectsDir, name[:2], name)
}

func (s *Store) metadataPath(hash string) string {
	return s.objectPath(hash) + ".json"
}

// Record adds a transferred file. Content already in the store only gets
// the transfer appended to its history. It returns the content hash and
// whether the content was new.
func (s *Store) Record(data []byte, source Source) (string, bool, error) {
	hash := ContentHash(data)
	if source.Timestamp.IsZero() {
		source.Timestamp = time.Now()
	}

	meta, err := s.GetMetadata(hash)
	isNew := errors.Is(err, os.ErrNotExist)
	switch {
	case isNew:
		if err := writeAtomic(s.objectPath(hash), data); err != nil {
			return "", false, fmt.Errorf("failed to store content: %w", err)
		}
		meta = ExtractMetadata(data, hash)
		meta.CreatedAt = source.Timestamp
	case err != nil:
		return "", false, fmt.Errorf("failed to read metadata: %w", err)
	}
	meta.Sources = append(meta.Sources, source)
	meta.UpdatedAt = source.Timestamp

	if err := writeJSON(s.metadataPath(hash), meta); err != nil {
		return "", false, fmt.Errorf("failed to write metadata: %w", err)
	}

	l, err := s.loadLedger()
	if err != nil {
		return "", false, err
	}
	l.Entries[hash] = summarize(meta)
	if err := writeJSON(s.ledgerPath, l); err != nil {
		return "", false, fmt.Errorf("failed to write ledger: %w", err)
	}
	return hash, isNew, nil
}

// Get returns the content recorded under hash.
func (s *Store) Get(hash string) ([]byte, error) {
	return os.ReadFile(s.objectPath(hash))
}

// GetMetadata returns the metadata recorded under hash.
func (s *Store) GetMetadata(hash string) (*Metadata, error) {
	data, err := os.ReadFile(s.metadataPath(hash))
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("corrupt metadata for %s: %w", ShortHash(hash), err)
	}
	return &meta, nil
}

// List returns every recorded file, most recently transferred first.
func (s *Store) List() ([]IndexEntry, error) {
	l, err := s.loadLedger()
	if err != nil {
		return nil, err
	}
	entries := make([]IndexEntry, 0, len(l.Entries))
	for _, e := range l.Entries {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b IndexEntry) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Hash, b.Hash)
	})
	return entries, nil
}

// Count returns the number of distinct files recorded.
func (s *Store) Count() (int, error) {
	l, err := s.loadLedger()
	if err != nil {
		return 0, err
	}
	return len(l.Entries), nil
}

// Resolve expands ref to the full hash of a recorded file. ref may be a
// full hash with or without the "sha256:" prefix, or a unique prefix of at
// least four hex digits.
func (s *Store) Resolve(ref string) (string, error) {
	want := strings.ToLower(hashToFilename(ref))
	if len(want) < 4 {
		return "", fmt.Errorf("hash %q is too short", ref)
	}
	l, err := s.loadLedger()
	if err != nil {
		return "", err
	}
	var found []string
	for hash := range l.Entries {
		if strings.HasPrefix(hashToFilename(hash), want) {
			found = append(found, hash)
		}
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("%w matches %s", ErrNotFound, ref)
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("hash %s is ambiguous, %d files match", ref, len(found))
	}
}

// Export writes the content recorded under hash to dst. The content is
// checked against its hash first.
func (s *Store) Export(hash, dst string) error {
	data, err := s.Get(hash)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w matches %s", ErrNotFound, hash)
	}
	if err != nil {
		return err
	}
	if got := ContentHash(data); got != hash {
		return fmt.Errorf("stored content for %s is damaged (hashes to %s)", ShortHash(hash), ShortHash(got))
	}
	return writeAtomic(dst, data)
}

// loadLedger reads ledger.json, rebuilding it from the object metadata
// when it is missing.
func (s *Store) loadLedger() (*ledger, error) {
	data, err := os.ReadFile(s.ledgerPath)
	if errors.Is(err, os.ErrNotExist) {
		return s.rebuildLedger()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	l := &ledger{}
	if err := json.Unmarshal(data, l); err != nil {
		return nil, fmt.Errorf("corrupt ledger %s: %w", s.ledgerPath, err)
	}
	if l.Entries == nil {
		l.Entries = make(map[string]IndexEntry)
	}
	return l, nil
}

func (s *Store) rebuildLedger() (*ledger, error) {
	l := &ledger{Entries: make(map[string]IndexEntry)}
	paths, err := filepath.Glob(filepath.Join(s.objectsDir, "*", "*.json"))
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		hash := hashPrefix + strings.TrimSuffix(filepath.Base(p), ".json")
		meta, err := s.GetMetadata(hash)
		if err != nil {
			return nil, err
		}
		l.Entries[hash] = summarize(meta)
	}
	return l, nil
}

func summarize(meta *Metadata) IndexEntry {
	e := IndexEntry{
		Hash:      meta.ContentHash,
		Kind:      meta.Kind,
		Size:      meta.Size,
		Transfers: len(meta.Sources),
		CreatedAt: meta.CreatedAt,
		UpdatedAt: meta.UpdatedAt,
	}
	if n := len(meta.Sources); n > 0 {
		e.LastSource = meta.Sources[n-1]
	}
	return e
}

func writeJSON(path string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}
	return writeAtomic(path, buf.Bytes())
}

// writeAtomic replaces path with data so readers never see a partial file.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
