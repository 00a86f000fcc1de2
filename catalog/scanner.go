package catalog

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/shaban/claphost/clap"
	"github.com/shaban/claphost/clap/static"
	"github.com/shaban/claphost/library"
)

// Scanner lists the descriptors of every binary below its roots.
type Scanner struct {
	// Roots replaces DefaultRoots when non-nil.
	Roots []string
	// Cache, when set, skips binaries whose size and mtime are unchanged.
	Cache *Cache
	// Workers bounds concurrent loads. Zero means GOMAXPROCS.
	Workers int

	loader *library.Loader
	log    logr.Logger
}

// NewScanner returns a scanner loading binaries through l.
func NewScanner(l *library.Loader, log logr.Logger) *Scanner {
	return &Scanner{loader: l, log: log.WithName("catalog")}
}

// Scan walks the roots plus extra, where each extra may be a ';' separated
// list of directories, binaries or static pseudo paths. Binaries that fail
// to load are logged and skipped; only cancellation fails the scan.
func (s *Scanner) Scan(ctx context.Context, extra ...string) (Entries, error) {
	roots := s.Roots
	if roots == nil {
		roots = DefaultRoots()
	}
	roots = append(append([]string(nil), roots...), SplitPaths(extra...)...)

	paths, err := s.find(ctx, roots)
	if err != nil {
		return nil, err
	}

	workers := s.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	results := make([]Entries, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, p := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = s.describe(p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out Entries
	for _, es := range results {
		out = append(out, es...)
	}
	if s.Cache != nil {
		if err := s.Cache.Save(); err != nil {
			s.log.Error(err, "saving scan cache", "path", s.Cache.Path())
		}
	}
	s.log.V(1).Info("scan finished", "binaries", len(paths), "plugins", len(out))
	return out, nil
}

// find expands roots into binary paths, in walk order, without duplicates.
func (s *Scanner) find(ctx context.Context, roots []string) ([]string, error) {
	var paths []string
	seen := map[string]bool{}
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	for _, root := range roots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if static.IsPath(root) {
			add(root)
			continue
		}
		fi, err := os.Stat(root)
		if err != nil {
			s.log.V(2).Info("skipping search root", "root", root, "reason", err.Error())
			continue
		}
		if !fi.IsDir() || IsBinary(root) {
			if IsBinary(root) {
				add(root)
			}
			continue
		}
		err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			if err != nil {
				s.log.V(1).Info("skipping unreadable path", "path", p, "reason", err.Error())
				return nil
			}
			if !IsBinary(d.Name()) || p == root {
				return nil
			}
			add(p)
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return paths, nil
}

func (s *Scanner) describe(path string) Entries {
	sum := ""
	if s.Cache != nil && !static.IsPath(path) {
		if fi, err := os.Stat(path); err == nil {
			sum = Checksum(fi)
			if es, ok := s.Cache.Lookup(path, sum); ok {
				s.log.V(2).Info("cache hit", "path", path)
				return es
			}
		}
	}
	es, err := s.load(path)
	if err != nil {
		s.log.Error(err, "skipping plugin binary", "path", path)
		return nil
	}
	if sum != "" {
		s.Cache.Store(path, sum, es)
	}
	return es
}

// load reads every descriptor of path, releasing the binary afterwards
// when this call was the one that loaded it.
func (s *Scanner) load(path string) (Entries, error) {
	b, fresh, err := s.loader.Acquire(path)
	if err != nil {
		return nil, err
	}
	if fresh {
		defer s.loader.ReleaseIfIdle(b)
	}
	f := b.Factory()
	if f == nil {
		return nil, fmt.Errorf("%w: %s", library.ErrUnloaded, path)
	}
	abi := b.Version()
	out := make(Entries, 0, f.Count())
	for i := 0; i < f.Count(); i++ {
		d := f.Descriptor(i)
		if d == nil {
			continue
		}
		e := Entry{Descriptor: d.Clone(), Path: path, Index: i}
		if !abi.IsCompatible() || !e.ClapVersion.IsCompatible() {
			e.Err = incompatible(e.Descriptor)
		}
		out = append(out, e)
	}
	return out, nil
}

// GetDescriptor returns the descriptor at index in path. An incompatible
// descriptor is returned together with ErrIncompatibleVersion.
func (s *Scanner) GetDescriptor(path string, index int) (clap.Descriptor, error) {
	es, err := s.load(path)
	if err != nil {
		return clap.Descriptor{}, err
	}
	for _, e := range es {
		if e.Index == index {
			return e.Descriptor, e.Err
		}
	}
	return clap.Descriptor{}, fmt.Errorf("%w: %d in %s", ErrNoSuchIndex, index, path)
}
