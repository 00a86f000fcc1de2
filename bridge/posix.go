//go:build (linux || darwin) && cgo

package bridge

/*
#cgo linux LDFLAGS: -lrt -pthread
#include <errno.h>
#include <fcntl.h>
#include <semaphore.h>
#include <stdlib.h>
#include <sys/mman.h>
#include <sys/stat.h>
#include <time.h>

static int claphost_shm_open(const char *name, int create) {
	if (create) {
		return shm_open(name, O_CREAT | O_EXCL | O_RDWR, 0600);
	}
	return shm_open(name, O_RDWR, 0);
}

static sem_t *claphost_sem_open(const char *name, int create) {
	sem_t *s = create ? sem_open(name, O_CREAT | O_EXCL, 0600, 0) : sem_open(name, 0);
	return s == SEM_FAILED ? NULL : s;
}

// Returns 0 when acquired, 1 on timeout, -1 on error.
static int claphost_sem_timedwait(sem_t *s, long long ns) {
#ifdef __APPLE__
	// No sem_timedwait on darwin: poll trywait against a monotonic deadline.
	struct timespec start, now, nap = {0, 100000};
	clock_gettime(CLOCK_MONOTONIC, &start);
	for (;;) {
		if (sem_trywait(s) == 0) {
			return 0;
		}
		if (errno != EAGAIN && errno != EINTR) {
			return -1;
		}
		clock_gettime(CLOCK_MONOTONIC, &now);
		long long elapsed = (now.tv_sec - start.tv_sec) * 1000000000LL + (now.tv_nsec - start.tv_nsec);
		if (elapsed >= ns) {
			return 1;
		}
		nanosleep(&nap, NULL);
	}
#else
	struct timespec ts;
	clock_gettime(CLOCK_REALTIME, &ts);
	ts.tv_sec += ns / 1000000000LL;
	ts.tv_nsec += ns % 1000000000LL;
	if (ts.tv_nsec >= 1000000000L) {
		ts.tv_sec++;
		ts.tv_nsec -= 1000000000L;
	}
	while (sem_timedwait(s, &ts) != 0) {
		if (errno == EINTR) {
			continue;
		}
		return errno == ETIMEDOUT ? 1 : -1;
	}
	return 0;
#endif
}
*/
import "C"

import (
	"fmt"
	"time"
	"unsafe"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// POSIX is the cross-process IPC: shm_open plus named semaphores.
type POSIX struct{}

// Create implements IPC. Stale objects left by a crashed run are unlinked
// first; creation is exclusive.
func (POSIX) Create(n Names) (*Transport, error) {
	unlinkAll(n)
	seg, err := openSegment(n.Shm, true)
	if err != nil {
		return nil, err
	}
	t := &Transport{Names: n, Segment: seg}
	if t.HostToPlugin, err = openSem(n.HostToPlugin, true); err != nil {
		return nil, multierr.Append(err, t.Close())
	}
	if t.PluginToHost, err = openSem(n.PluginToHost, true); err != nil {
		return nil, multierr.Append(err, t.Close())
	}
	return t, nil
}

// Open implements IPC.
func (POSIX) Open(n Names) (*Transport, error) {
	seg, err := openSegment(n.Shm, false)
	if err != nil {
		return nil, err
	}
	t := &Transport{Names: n, Segment: seg}
	if t.HostToPlugin, err = openSem(n.HostToPlugin, false); err != nil {
		return nil, multierr.Append(err, t.Close())
	}
	if t.PluginToHost, err = openSem(n.PluginToHost, false); err != nil {
		return nil, multierr.Append(err, t.Close())
	}
	return t, nil
}

func unlinkAll(n Names) {
	cs := C.CString(n.Shm)
	C.shm_unlink(cs)
	C.free(unsafe.Pointer(cs))
	for _, name := range []string{n.HostToPlugin, n.PluginToHost} {
		cs := C.CString(name)
		C.sem_unlink(cs)
		C.free(unsafe.Pointer(cs))
	}
}

type posixSegment struct {
	name  string
	owner bool
	fd    int
	mem   []byte
	block *SharedBlock
}

func openSegment(name string, create bool) (*posixSegment, error) {
	cs := C.CString(name)
	defer C.free(unsafe.Pointer(cs))
	flag := C.int(0)
	if create {
		flag = 1
	}
	fd, errno := C.claphost_shm_open(cs, flag)
	if fd < 0 {
		return nil, fmt.Errorf("%w: shm_open %s: %v", ErrIPC, name, errno)
	}
	s := &posixSegment{name: name, owner: create, fd: int(fd)}
	if create {
		if err := unix.Ftruncate(s.fd, int64(SharedBlockSize)); err != nil {
			return nil, multierr.Append(fmt.Errorf("%w: ftruncate %s: %v", ErrIPC, name, err), s.Close())
		}
	}
	mem, err := unix.Mmap(s.fd, 0, SharedBlockSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("%w: mmap %s: %v", ErrIPC, name, err), s.Close())
	}
	s.mem = mem
	s.block = (*SharedBlock)(unsafe.Pointer(&mem[0]))
	return s, nil
}

func (s *posixSegment) Block() *SharedBlock { return s.block }

func (s *posixSegment) Close() error {
	if s == nil {
		return nil
	}
	var err error
	if s.mem != nil {
		err = multierr.Append(err, unix.Munmap(s.mem))
		s.mem, s.block = nil, nil
	}
	if s.fd >= 0 {
		err = multierr.Append(err, unix.Close(s.fd))
		s.fd = -1
	}
	if s.owner {
		cs := C.CString(s.name)
		defer C.free(unsafe.Pointer(cs))
		if rc, errno := C.shm_unlink(cs); rc != 0 {
			err = multierr.Append(err, fmt.Errorf("%w: shm_unlink %s: %v", ErrIPC, s.name, errno))
		}
		s.owner = false
	}
	return err
}

type posixSem struct {
	name  string
	owner bool
	sem   *C.sem_t
}

func openSem(name string, create bool) (*posixSem, error) {
	cs := C.CString(name)
	defer C.free(unsafe.Pointer(cs))
	flag := C.int(0)
	if create {
		flag = 1
	}
	sem, errno := C.claphost_sem_open(cs, flag)
	if sem == nil {
		return nil, fmt.Errorf("%w: sem_open %s: %v", ErrIPC, name, errno)
	}
	return &posixSem{name: name, owner: create, sem: sem}, nil
}

func (s *posixSem) Post() error {
	if rc, errno := C.sem_post(s.sem); rc != 0 {
		return fmt.Errorf("%w: sem_post %s: %v", ErrIPC, s.name, errno)
	}
	return nil
}

func (s *posixSem) TimedWait(d time.Duration) (bool, error) {
	switch rc, errno := C.claphost_sem_timedwait(s.sem, C.longlong(d.Nanoseconds())); rc {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, fmt.Errorf("%w: sem wait %s: %v", ErrIPC, s.name, errno)
	}
}

func (s *posixSem) TryWait() bool {
	rc, _ := C.sem_trywait(s.sem)
	return rc == 0
}

func (s *posixSem) Close() error {
	if s == nil || s.sem == nil {
		return nil
	}
	var err error
	if rc, errno := C.sem_close(s.sem); rc != 0 {
		err = fmt.Errorf("%w: sem_close %s: %v", ErrIPC, s.name, errno)
	}
	s.sem = nil
	if s.owner {
		cs := C.CString(s.name)
		defer C.free(unsafe.Pointer(cs))
		if rc, errno := C.sem_unlink(cs); rc != 0 {
			err = multierr.Append(err, fmt.Errorf("%w: sem_unlink %s: %v", ErrIPC, s.name, errno))
		}
	}
	return err
}
