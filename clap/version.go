package clap

import "fmt"

// Version is the ABI version declared by an entry or a descriptor.
type Version struct {
	Major    uint32 `json:"major"`
	Minor    uint32 `json:"minor"`
	Revision uint32 `json:"revision"`
}

// HostVersion is the ABI version this host implements.
var HostVersion = Version{Major: 1, Minor: 2, Revision: 2}

// IsCompatible reports whether a plugin built against v can be hosted.
// Every 1.x release is binary compatible; 0.x were pre-releases.
func (v Version) IsCompatible() bool {
	return v.Major >= 1
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Revision)
}
