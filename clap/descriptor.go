package clap

import "strings"

// Descriptor is the immutable identity of one plugin variant.
// It is copied out of a factory and has no lifetime tie to the binary.
type Descriptor struct {
	ClapVersion Version  `json:"clapVersion"`
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Vendor      string   `json:"vendor"`
	URL         string   `json:"url,omitempty"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	Features    []string `json:"features,omitempty"`
}

// Well-known feature tags.
const (
	FeatureInstrument  = "instrument"
	FeatureAudioEffect = "audio-effect"
	FeatureNoteEffect  = "note-effect"
	FeatureAnalyzer    = "analyzer"
	FeatureStereo      = "stereo"
	FeatureMono        = "mono"
)

// Clone returns a deep copy so callers can keep it after the binary is gone.
func (d Descriptor) Clone() Descriptor {
	out := d
	if d.Features != nil {
		out.Features = append([]string(nil), d.Features...)
	}
	return out
}

// HasFeature reports whether the descriptor lists feature (case-insensitive).
func (d Descriptor) HasFeature(feature string) bool {
	for _, f := range d.Features {
		if strings.EqualFold(f, feature) {
			return true
		}
	}
	return false
}
