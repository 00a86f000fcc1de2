// Package bridge hosts a plugin in a child process.
//
// Audio crosses the process boundary through one shared memory block and
// two named semaphores: the parent posts host-to-plugin when the input is
// written, the child posts plugin-to-host when the output is ready. Control
// calls (load, activate, state) go over a hashicorp/go-plugin net/rpc
// connection.
package bridge

import (
	"errors"
	"fmt"
	"strings"
	"unsafe"

	"github.com/google/uuid"
)

// BlockFrames is the largest block the shared segment can carry.
const BlockFrames = 512

// Channels is the channel count of both directions.
const Channels = 2

// SharedBlock is the layout of the shared segment: raw float32 PCM, input
// first, no header.
type SharedBlock struct {
	In  [Channels][BlockFrames]float32
	Out [Channels][BlockFrames]float32
}

// SharedBlockSize is the size the segment is truncated to.
const SharedBlockSize = int(unsafe.Sizeof(SharedBlock{}))

var (
	ErrIPC       = errors.New("bridge ipc failure")
	ErrBlockSize = errors.New("block size exceeds shared segment")
	ErrChildGone = errors.New("bridge child not responding")
	ErrNotLoaded = errors.New("no plugin loaded in child")
)

// Names are the system-wide names of one instance's IPC objects.
type Names struct {
	ID           string
	Shm          string
	HostToPlugin string
	PluginToHost string
}

// NewNames derives fresh names from a random uuid.
func NewNames() Names {
	return NamesFor(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// NamesFor returns the names for a given instance id.
func NamesFor(id string) Names {
	return Names{
		ID:           id,
		Shm:          fmt.Sprintf("/claphost_%s_shm", id),
		HostToPlugin: fmt.Sprintf("/claphost_%s_h2p", id),
		PluginToHost: fmt.Sprintf("/claphost_%s_p2h", id),
	}
}

// inputs returns channel slices over the input half, frames long.
func (b *SharedBlock) inputs(frames int) [][]float32 {
	return [][]float32{b.In[0][:frames], b.In[1][:frames]}
}

// outputs returns channel slices over the output half, frames long.
func (b *SharedBlock) outputs(frames int) [][]float32 {
	return [][]float32{b.Out[0][:frames], b.Out[1][:frames]}
}
