package main

import (
	"bufio"
	"encoding/binary"
	"io"
	"sync/atomic"
)

// pcmDepth is the number of blocks buffered between the audio thread and
// the file writer.
const pcmDepth = 64

// pcmWriter streams rendered blocks as interleaved little-endian float32.
// The sink runs on the audio thread; encoding happens on a goroutine.
type pcmWriter struct {
	w      *bufio.Writer
	blocks chan []float32
	free   chan []float32
	wait   bool
	done   chan error

	written atomic.Uint64
	dropped atomic.Uint64
}

// newPCMWriter buffers blocks of frames stereo samples. With wait the sink
// blocks when the writer falls behind; otherwise the block is dropped.
func newPCMWriter(w io.Writer, frames int, wait bool) *pcmWriter {
	p := &pcmWriter{
		w:      bufio.NewWriter(w),
		blocks: make(chan []float32, pcmDepth),
		free:   make(chan []float32, pcmDepth),
		wait:   wait,
		done:   make(chan error, 1),
	}
	for i := 0; i < pcmDepth; i++ {
		p.free <- make([]float32, 2*frames)
	}
	go p.run()
	return p
}

func (p *pcmWriter) run() {
	var err error
	for buf := range p.blocks {
		if err == nil {
			err = binary.Write(p.w, binary.LittleEndian, buf)
		}
		p.free <- buf
	}
	if err == nil {
		err = p.w.Flush()
	}
	p.done <- err
}

// sink is installed as the driver sink.
func (p *pcmWriter) sink(out [][]float32, frames int) {
	var buf []float32
	if p.wait {
		buf = <-p.free
	} else {
		select {
		case buf = <-p.free:
		default:
			p.dropped.Add(1)
			return
		}
	}
	buf = buf[:2*frames]
	for i := 0; i < frames; i++ {
		for ch := 0; ch < 2; ch++ {
			if ch < len(out) {
				buf[2*i+ch] = out[ch][i]
			} else {
				buf[2*i+ch] = 0
			}
		}
	}
	p.written.Add(uint64(frames))
	p.blocks <- buf
}

// Close flushes every queued block. The sink must not be called afterwards.
func (p *pcmWriter) Close() error {
	close(p.blocks)
	return <-p.done
}
