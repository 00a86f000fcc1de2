//go:build darwin && cgo

package threadid

/*
#include <pthread.h>
#include <stdint.h>

static uint64_t claphost_tid(void) {
	uint64_t tid = 0;
	pthread_threadid_np(NULL, &tid);
	return tid;
}
*/
import "C"

func current() int64 { return int64(C.claphost_tid()) }
