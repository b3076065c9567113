// Package blobstore is a content-addressable file store. Payloads are named by
// their SHA-256 digest and sharded by the first two hex characters:
//
//	<root>/
//	  ab/
//	    ab34...ef.pdf
//	    ab90...12.tei.xml
//
// The store knows nothing about documents or reference counts; callers must
// not delete a hash that another metadata record still points to.
package blobstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/natefinch/atomic"

	"docstore/internal/docs"
)

const (
	shardLen   = 2
	lockStripe = 64
)

// Store is a filesystem-backed content-addressable store.
type Store struct {
	root   string
	logger docs.Logger

	// Saves and deletes of the same hash are serialized so that a blob is
	// written at most once.
	locks [lockStripe]sync.Mutex
	// Held by callers across a blob operation and the metadata write that
	// depends on it. See Hold.
	holds [lockStripe]sync.Mutex
}

// SaveResult describes a saved payload.
type SaveResult struct {
	Hash    string
	Path    string
	Size    int64
	Created bool // false when identical content was already stored
}

// New creates a Store rooted at root, creating the directory if needed.
func New(root string, logger docs.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	if logger == nil {
		logger = docs.NewNopLogger()
	}
	return &Store{root: root, logger: logger}, nil
}

// Root returns the directory the store writes under.
func (s *Store) Root() string {
	return s.root
}

// Hash returns the content hash Save would assign to data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Path returns where content with the given hash and type lives.
func (s *Store) Path(hash string, t docs.FileType) string {
	return filepath.Join(s.root, hash[:shardLen], hash+t.Extension())
}

func stripe(hash string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(hash))
	return h.Sum32() % lockStripe
}

func (s *Store) lockFor(hash string) *sync.Mutex {
	return &s.locks[stripe(hash)]
}

// Hold blocks until no other caller holds hash and returns the function that
// releases it. Writers hold a hash from Save until their record is committed;
// collectors hold it from counting references until Delete, so a blob is never
// removed while a new reference to it is being written. Holds are per process.
// A caller must not hold two hashes at once.
func (s *Store) Hold(hash string) (release func()) {
	mu := &s.holds[stripe(hash)]
	mu.Lock()
	return mu.Unlock
}

func checkHash(hash string) error {
	if !docs.IsContentHash(hash) {
		return fmt.Errorf("%w: malformed content hash %q", docs.ErrInvalid, hash)
	}
	return nil
}

// Save stores data and returns its hash and path. Saving identical content
// again writes nothing and returns the same hash and path.
func (s *Store) Save(data []byte, t docs.FileType) (*SaveResult, error) {
	hash := Hash(data)
	path := s.Path(hash, t)
	res := &SaveResult{Hash: hash, Path: path, Size: int64(len(data))}

	mu := s.lockFor(hash)
	mu.Lock()
	defer mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		savesTotal.WithLabelValues(resultDeduplicated).Inc()
		s.logger.Debug("blob already stored", "hash", hash, "type", t)
		return res, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("checking blob %s: %w", hash, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create shard directory: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("writing blob %s: %w", hash, err)
	}

	res.Created = true
	savesTotal.WithLabelValues(resultWritten).Inc()
	bytesWrittenTotal.Add(float64(len(data)))
	s.logger.Debug("blob written", "hash", hash, "type", t, "size", len(data))
	return res, nil
}

// Read returns the stored content. A missing blob yields docs.ErrNotFound.
func (s *Store) Read(hash string, t docs.FileType) ([]byte, error) {
	if err := checkHash(hash); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path(hash, t))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: blob %s%s", docs.ErrNotFound, hash, t.Extension())
		}
		return nil, fmt.Errorf("reading blob %s: %w", hash, err)
	}
	return data, nil
}

// Open returns a reader over the stored content for streaming.
func (s *Store) Open(hash string, t docs.FileType) (io.ReadCloser, error) {
	if err := checkHash(hash); err != nil {
		return nil, err
	}
	f, err := os.Open(s.Path(hash, t))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: blob %s%s", docs.ErrNotFound, hash, t.Extension())
		}
		return nil, fmt.Errorf("opening blob %s: %w", hash, err)
	}
	return f, nil
}

// Exists reports whether content with the given hash and type is stored.
func (s *Store) Exists(hash string, t docs.FileType) bool {
	if checkHash(hash) != nil {
		return false
	}
	_, err := os.Stat(s.Path(hash, t))
	return err == nil
}

// Delete removes the blob and prunes its shard directory once empty.
// It reports whether a file was removed; deleting a missing blob is not an error.
func (s *Store) Delete(hash string, t docs.FileType) (bool, error) {
	if err := checkHash(hash); err != nil {
		return false, err
	}

	mu := s.lockFor(hash)
	mu.Lock()
	defer mu.Unlock()

	path := s.Path(hash, t)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("deleting blob %s: %w", hash, err)
	}
	deletesTotal.Inc()

	// Fails harmlessly when the shard still holds other blobs or a concurrent
	// save has just recreated it.
	shard := filepath.Dir(path)
	if entries, err := os.ReadDir(shard); err == nil && len(entries) == 0 {
		os.Remove(shard)
	}
	s.logger.Debug("blob deleted", "hash", hash, "type", t)
	return true, nil
}

// Verify re-hashes stored content and reports whether it still matches hash.
func (s *Store) Verify(hash string, t docs.FileType) (bool, error) {
	f, err := s.Open(hash, t)
	if err != nil {
		return false, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, fmt.Errorf("hashing blob %s: %w", hash, err)
	}
	ok := hex.EncodeToString(h.Sum(nil)) == hash
	if !ok {
		s.logger.Warn("blob failed verification", "hash", hash, "type", t)
	}
	return ok, nil
}

// TypeStats counts blobs of one file type.
type TypeStats struct {
	Files int
	Bytes int64
}

// Stats summarizes the store's contents.
type Stats struct {
	Files  int
	Bytes  int64
	ByType map[docs.FileType]TypeStats
}

// Blob identifies one stored payload found while walking the store.
type Blob struct {
	Hash string
	Type docs.FileType
	Size int64
}

// Walk calls fn for every blob under the root. Temporary files left by
// interrupted writes are skipped.
func (s *Store) Walk(fn func(Blob) error) error {
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		hash, t, ok := parseName(d.Name())
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return fn(Blob{Hash: hash, Type: t, Size: info.Size()})
	})
}

// Stats reports totals and a per-type breakdown.
func (s *Store) Stats() (*Stats, error) {
	st := &Stats{ByType: make(map[docs.FileType]TypeStats)}
	err := s.Walk(func(b Blob) error {
		st.Files++
		st.Bytes += b.Size
		ts := st.ByType[b.Type]
		ts.Files++
		ts.Bytes += b.Size
		st.ByType[b.Type] = ts
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking blob store: %w", err)
	}
	return st, nil
}

// parseName splits "<hash><ext>" back into its parts.
func parseName(name string) (string, docs.FileType, bool) {
	for _, t := range docs.FileTypes() {
		if hash, ok := strings.CutSuffix(name, t.Extension()); ok && docs.IsContentHash(hash) {
			return hash, t, true
		}
	}
	return "", "", false
}
