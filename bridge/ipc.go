package bridge

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// Semaphore is a counting semaphore shared between the two processes.
type Semaphore interface {
	Post() error
	// TimedWait decrements the count, waiting at most d. It reports false
	// on timeout.
	TimedWait(d time.Duration) (bool, error)
	// TryWait decrements the count if it is positive.
	TryWait() bool
	Close() error
}

// Segment is a mapped shared memory block.
type Segment interface {
	Block() *SharedBlock
	Close() error
}

// Transport is the audio channel of one bridged instance.
type Transport struct {
	Names        Names
	Segment      Segment
	HostToPlugin Semaphore
	PluginToHost Semaphore
}

// Block returns the shared block.
func (t *Transport) Block() *SharedBlock { return t.Segment.Block() }

// Close releases every object. The creating side also unlinks the names.
func (t *Transport) Close() error {
	var err error
	for _, c := range []interface{ Close() error }{t.Segment, t.HostToPlugin, t.PluginToHost} {
		if c != nil {
			err = multierr.Append(err, c.Close())
		}
	}
	return err
}

// IPC creates and opens transports. The parent creates, the child opens.
type IPC interface {
	Create(n Names) (*Transport, error)
	Open(n Names) (*Transport, error)
}

// Memory is an in-process IPC for tests and for bridging to a worker in
// the same process.
type Memory struct {
	mu      sync.Mutex
	objects map[string]*memObjects
}

type memObjects struct {
	block    *SharedBlock
	h2p, p2h *memSem
}

// NewMemory returns an empty in-process namespace.
func NewMemory() *Memory {
	return &Memory{objects: map[string]*memObjects{}}
}

// Create implements IPC. Stale objects under the same names are replaced.
func (m *Memory) Create(n Names) (*Transport, error) {
	objs := &memObjects{block: &SharedBlock{}, h2p: newMemSem(), p2h: newMemSem()}
	m.mu.Lock()
	m.objects[n.Shm] = objs
	m.mu.Unlock()
	unlink := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.objects[n.Shm] == objs {
			delete(m.objects, n.Shm)
		}
	}
	return &Transport{
		Names:        n,
		Segment:      &memSegment{block: objs.block, unlink: unlink},
		HostToPlugin: objs.h2p,
		PluginToHost: objs.p2h,
	}, nil
}

// Open implements IPC.
func (m *Memory) Open(n Names) (*Transport, error) {
	m.mu.Lock()
	objs, ok := m.objects[n.Shm]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: open %s: no such object", ErrIPC, n.Shm)
	}
	return &Transport{
		Names:        n,
		Segment:      &memSegment{block: objs.block},
		HostToPlugin: objs.h2p,
		PluginToHost: objs.p2h,
	}, nil
}

type memSegment struct {
	block  *SharedBlock
	unlink func()
}

func (s *memSegment) Block() *SharedBlock { return s.block }

func (s *memSegment) Close() error {
	if s.unlink != nil {
		s.unlink()
	}
	return nil
}

// memSemDepth bounds outstanding posts.
const memSemDepth = 64

type memSem struct{ ch chan struct{} }

func newMemSem() *memSem { return &memSem{ch: make(chan struct{}, memSemDepth)} }

func (s *memSem) Post() error {
	select {
	case s.ch <- struct{}{}:
		return nil
	default:
		return fmt.Errorf("%w: semaphore overflow", ErrIPC)
	}
}

func (s *memSem) TimedWait(d time.Duration) (bool, error) {
	select {
	case <-s.ch:
		return true, nil
	default:
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ch:
		return true, nil
	case <-t.C:
		return false, nil
	}
}

func (s *memSem) TryWait() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

func (s *memSem) Close() error { return nil }
