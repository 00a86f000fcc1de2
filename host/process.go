package host

import (
	"fmt"

	"github.com/shaban/claphost/clap"
)

// Process runs one block on the audio thread. in may be nil for silence;
// out must hold at least frames samples per channel. It reports whether the
// plugin produced the output. Otherwise out holds silence, or a copy of in
// while bypassed.
func (h *Host) Process(in, out [][]float32, frames int) (processed bool) {
	h.inCall.Store(true)
	h.outEvents.Clear()
	defer func() {
		if r := recover(); r != nil {
			h.violate("process", anyThread, fmt.Sprint(r))
			zero(out, frames)
			processed = false
		}
		h.inEvents.Clear()
		h.inCall.Store(false)
	}()

	switch h.Status() {
	case StopRequested:
		if h.casStatus(StopRequested, Stopping) {
			h.finishStop()
		}
		zero(out, frames)
		return false
	case Starting:
		if !h.started.Load() {
			if !h.plugin.StartProcessing() {
				h.errors.Add(1)
				h.casStatus(Starting, OnError)
				zero(out, frames)
				return false
			}
			h.started.Store(true)
		}
	case Running:
	default:
		zero(out, frames)
		return false
	}

	if frames > h.blockSize {
		frames = h.blockSize
	}
	h.fillEvents(uint32(frames))
	if h.bypassed.Load() {
		passThrough(in, out, frames)
		return false
	}

	h.fillTransport()
	if in == nil {
		in = h.silence
	}
	h.audioIn[0].Data32 = in
	h.audioOut[0].Data32 = out
	h.proc.FramesCount = uint32(frames)
	h.proc.SteadyTime = h.samplePos

	st := h.plugin.Process(&h.proc)
	h.samplePos += int64(frames)
	if h.terminated.Load() {
		zero(out, frames)
		return false
	}
	if st == clap.ProcessError {
		h.errors.Add(1)
		zero(out, frames)
		return false
	}
	h.casStatus(Starting, Running)
	h.processed.Add(1)
	h.forwardOutputs()
	return true
}

// InEvents is the input batch of the next block. Graph nodes append
// upstream output to it before calling Process, which consumes and clears
// it. Audio thread only.
func (h *Host) InEvents() *clap.EventList { return h.inEvents }

// OutEvents is the plugin's output batch of the last block. Audio thread
// only.
func (h *Host) OutEvents() *clap.EventList { return h.outEvents }

func (h *Host) fillEvents(frames uint32) {
	for _, r := range [...]*Ring[clap.Event]{h.notes, h.midi, h.paramsQ} {
		for ev, ok := r.Pop(); ok; ev, ok = r.Pop() {
			if !h.inEvents.TryPush(ev) {
				h.dropped.Add(1)
			}
		}
	}
	h.inEvents.ClampTimes(frames)
	h.inEvents.Sort()
}

func (h *Host) fillTransport() {
	tempo := h.Tempo()
	seconds := float64(h.samplePos) / h.sampleRate
	h.transport = clap.Transport{
		Flags:          clap.TransportHasTempo | clap.TransportHasBeatsTimeline | clap.TransportHasSecondsLine | clap.TransportIsPlaying,
		Tempo:          tempo,
		SongPosSeconds: int64(seconds * clap.SecTimeFactor),
		SongPosBeats:   int64(seconds * tempo / 60 * clap.BeatTimeFactor),
	}
}

func (h *Host) forwardOutputs() {
	for i := 0; i < h.outEvents.Size(); i++ {
		ev := h.outEvents.Get(i)
		if !forwarded(ev.Type) {
			continue
		}
		if !h.outbound.Push(*ev) {
			h.dropped.Add(1)
		}
	}
}

func zero(out [][]float32, frames int) {
	for _, ch := range out {
		clear(ch[:frames])
	}
}

func passThrough(in, out [][]float32, frames int) {
	for c, ch := range out {
		if c < len(in) && in[c] != nil {
			copy(ch[:frames], in[c][:frames])
		} else {
			clear(ch[:frames])
		}
	}
}
