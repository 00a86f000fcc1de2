package host

// Status is the lifecycle state of a Host. The order is significant:
// callers compare with < and >=.
type Status int32

const (
	Inactive Status = iota
	OnError
	OnHold
	Starting
	Running
	StopRequested
	Stopping
)

func (s Status) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case OnError:
		return "error"
	case OnHold:
		return "on-hold"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case StopRequested:
		return "stop-requested"
	case Stopping:
		return "stopping"
	}
	return "unknown"
}

// Processing reports whether the audio side may call into the plugin.
func (s Status) Processing() bool { return s >= Starting }
