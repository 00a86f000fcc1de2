package clap

// ProcessStatus is returned by Plugin.Process.
type ProcessStatus int32

const (
	ProcessError ProcessStatus = iota
	ProcessContinue
	ProcessContinueIfNotQuiet
	ProcessTail
	ProcessSleep
)

// Fixed-point factors for transport positions.
const (
	BeatTimeFactor = 1 << 31
	SecTimeFactor  = 1 << 31
)

// Transport flags.
const (
	TransportHasTempo         uint32 = 1 << 0
	TransportHasBeatsTimeline uint32 = 1 << 1
	TransportHasSecondsLine   uint32 = 1 << 2
	TransportIsPlaying        uint32 = 1 << 5
)

// Transport describes the timeline position at the start of a block.
type Transport struct {
	Flags          uint32
	SongPosBeats   int64
	SongPosSeconds int64
	Tempo          float64
	TempoInc       float64
}

// AudioBuffer is one audio port: one slice per channel.
type AudioBuffer struct {
	Data32       [][]float32
	ConstantMask uint64
	Latency      uint32
}

// Process is the record handed to Plugin.Process once per block.
type Process struct {
	SteadyTime   int64
	FramesCount  uint32
	Transport    *Transport
	AudioInputs  []AudioBuffer
	AudioOutputs []AudioBuffer
	InEvents     InputEvents
	OutEvents    OutputEvents
}
