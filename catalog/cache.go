package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shaban/claphost/clap"
)

const indexVersion = "1.0-index"

type cachedEntry struct {
	Descriptor   clap.Descriptor `json:"descriptor"`
	Index        int             `json:"index"`
	Incompatible bool            `json:"incompatible,omitempty"`
}

type indexEntry struct {
	Checksum   string        `json:"checksum"`
	LastSeenAt time.Time     `json:"lastSeenAt"`
	Entries    []cachedEntry `json:"entries"`
}

type indexFile struct {
	Version   string                `json:"version"`
	UpdatedAt time.Time             `json:"updatedAt"`
	Entries   map[string]indexEntry `json:"entries"`
}

func emptyIndex() *indexFile {
	return &indexFile{Version: indexVersion, Entries: map[string]indexEntry{}}
}

// Cache is the on-disk scan index, one record per binary path. It is safe
// for concurrent use.
type Cache struct {
	path string

	mu    sync.Mutex
	idx   *indexFile
	dirty bool
}

// DefaultCacheDir returns the per-user cache directory for the index.
func DefaultCacheDir() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "claphost"), nil
}

// OpenCache reads dir/index.json. A missing, unreadable or outdated index
// starts empty.
func OpenCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	c := &Cache{path: filepath.Join(dir, "index.json"), idx: emptyIndex()}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, err
	}
	var idx indexFile
	if json.Unmarshal(data, &idx) == nil && idx.Version == indexVersion && idx.Entries != nil {
		c.idx = &idx
	}
	return c, nil
}

// Path returns the index file location.
func (c *Cache) Path() string { return c.path }

// Len returns the number of cached binaries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.idx.Entries)
}

// Lookup returns the cached entries of path when its checksum still
// matches.
func (c *Cache) Lookup(path, checksum string) (Entries, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.idx.Entries[path]
	if !ok || rec.Checksum != checksum {
		return nil, false
	}
	rec.LastSeenAt = time.Now()
	c.idx.Entries[path] = rec
	out := make(Entries, 0, len(rec.Entries))
	for _, ce := range rec.Entries {
		e := Entry{Descriptor: ce.Descriptor.Clone(), Path: path, Index: ce.Index}
		if ce.Incompatible {
			e.Err = incompatible(ce.Descriptor)
		}
		out = append(out, e)
	}
	return out, true
}

// Store records the entries of path under checksum.
func (c *Cache) Store(path, checksum string, es Entries) {
	rec := indexEntry{Checksum: checksum, LastSeenAt: time.Now()}
	for _, e := range es {
		rec.Entries = append(rec.Entries, cachedEntry{Descriptor: e.Descriptor.Clone(), Index: e.Index, Incompatible: e.Err != nil})
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idx.Entries[path] = rec
	c.dirty = true
}

// Retain drops every record whose path is not in keep.
func (c *Cache) Retain(keep []string) {
	set := make(map[string]struct{}, len(keep))
	for _, p := range keep {
		set[p] = struct{}{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for p := range c.idx.Entries {
		if _, ok := set[p]; !ok {
			delete(c.idx.Entries, p)
			c.dirty = true
		}
	}
}

// Save writes the index if it changed. The file is replaced atomically.
func (c *Cache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}
	c.idx.Version = indexVersion
	c.idx.UpdatedAt = time.Now()
	b, err := json.Marshal(c.idx)
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return err
	}
	c.dirty = false
	return nil
}

// Checksum fingerprints a binary by size and modification time.
func Checksum(fi fs.FileInfo) string {
	s := fmt.Sprintf("%d|%d", fi.Size(), fi.ModTime().UnixNano())
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func incompatible(d clap.Descriptor) error {
	return fmt.Errorf("%w: %s declares %s", ErrIncompatibleVersion, d.ID, d.ClapVersion)
}
