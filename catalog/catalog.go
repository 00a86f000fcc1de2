// Package catalog discovers plugin binaries and lists the descriptors they
// export.
//
// Model:
//   - Scan walks the search roots, loads every binary transiently and copies
//     out its descriptors as Entries. Nothing stays resident that the scan
//     loaded itself.
//   - Entries are plain values and can be filtered in chains
//     (ByVendor/ByFeature/ByName/ByID/Compatible).
//   - A Cache remembers entries per file so rescans skip binaries that did
//     not change on disk.
package catalog

import (
	"errors"
	"strings"

	"github.com/shaban/claphost/clap"
)

var (
	ErrNoSuchIndex         = errors.New("no descriptor at index")
	ErrIncompatibleVersion = errors.New("incompatible plugin ABI version")
)

// Entry is one plugin variant found in a binary.
type Entry struct {
	clap.Descriptor
	Path  string `json:"path"`
	Index int    `json:"index"`
	// Err is set for variants that cannot be hosted.
	Err error `json:"-"`
}

// Compatible reports whether the variant can be hosted.
func (e Entry) Compatible() bool { return e.Err == nil }

// Entries is a filterable list of scan results.
type Entries []Entry

func (es Entries) filter(keep func(Entry) bool) Entries {
	var out Entries
	for _, e := range es {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// ByVendor returns the entries of one vendor (case-insensitive).
func (es Entries) ByVendor(vendor string) Entries {
	return es.filter(func(e Entry) bool { return strings.EqualFold(e.Vendor, vendor) })
}

// ByFeature returns the entries listing feature.
func (es Entries) ByFeature(feature string) Entries {
	return es.filter(func(e Entry) bool { return e.HasFeature(feature) })
}

// ByName returns the entries whose name contains name (case-insensitive).
func (es Entries) ByName(name string) Entries {
	name = strings.ToLower(name)
	return es.filter(func(e Entry) bool { return strings.Contains(strings.ToLower(e.Name), name) })
}

// ByID returns the entries with exactly this plugin id.
func (es Entries) ByID(id string) Entries {
	return es.filter(func(e Entry) bool { return e.ID == id })
}

// Compatible drops the variants that cannot be hosted.
func (es Entries) Compatible() Entries {
	return es.filter(Entry.Compatible)
}

// Find returns the first entry with id.
func (es Entries) Find(id string) (Entry, bool) {
	for _, e := range es {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}
