package bridge

import (
	"errors"
	"fmt"
	"io"
	"net/rpc"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"

	"github.com/shaban/claphost/clap"
)

// PluginName is the key of the control plugin in the go-plugin map.
const PluginName = "clap"

// Handshake must match between parent and child.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "CLAPHOST_BRIDGE",
	MagicCookieValue: "claphost_bridge_child",
}

// ErrRemote wraps errors returned by the child. net/rpc carries only the
// message, so sentinels of the child do not survive the trip.
var ErrRemote = errors.New("bridge child")

// Control is the non-realtime side of a bridged plugin.
type Control interface {
	// Load instantiates the plugin at index in path.
	Load(path string, index int) error
	// Attach opens the transport and starts the audio worker.
	Attach(n Names) error
	Activate(sampleRate float64, blockSize int) error
	Deactivate() error
	SaveState() ([]byte, error)
	LoadState(data []byte) (int, error)
	Describe() (clap.Descriptor, error)
	// Close stops the worker and unloads the plugin.
	Close() error
}

// PluginMap returns the go-plugin map serving impl. Parents pass a nil
// impl.
func PluginMap(impl Control) map[string]plugin.Plugin {
	return map[string]plugin.Plugin{PluginName: &ControlPlugin{Impl: impl}}
}

// NewLogger returns the hclog logger for the go-plugin machinery.
func NewLogger(debug bool) hclog.Logger {
	level := hclog.Error
	var output io.Writer = io.Discard
	if debug {
		level = hclog.Debug
		output = os.Stderr
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   "claphost-bridge",
		Level:  level,
		Output: output,
	})
}

// ControlPlugin implements plugin.Plugin over net/rpc.
type ControlPlugin struct {
	Impl Control
}

func (p *ControlPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &ControlServer{Impl: p.Impl}, nil
}

func (p *ControlPlugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &ControlClient{client: c}, nil
}

// Wire types. net/rpc needs exported fields.
type (
	LoadArgs struct {
		Path  string
		Index int
	}
	ActivateArgs struct {
		SampleRate float64
		BlockSize  int
	}
	StateData struct {
		Data []byte
	}
	Empty struct{}
)

// ControlClient is the parent's Control, calling the child over net/rpc.
type ControlClient struct {
	client *rpc.Client
}

var _ Control = (*ControlClient)(nil)

func (c *ControlClient) call(method string, args, reply any) error {
	if err := c.client.Call("Plugin."+method, args, reply); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRemote, method, err)
	}
	return nil
}

func (c *ControlClient) Load(path string, index int) error {
	return c.call("Load", LoadArgs{Path: path, Index: index}, &Empty{})
}

func (c *ControlClient) Attach(n Names) error {
	return c.call("Attach", n, &Empty{})
}

func (c *ControlClient) Activate(sampleRate float64, blockSize int) error {
	return c.call("Activate", ActivateArgs{SampleRate: sampleRate, BlockSize: blockSize}, &Empty{})
}

func (c *ControlClient) Deactivate() error {
	return c.call("Deactivate", Empty{}, &Empty{})
}

func (c *ControlClient) SaveState() ([]byte, error) {
	var reply StateData
	err := c.call("SaveState", Empty{}, &reply)
	return reply.Data, err
}

func (c *ControlClient) LoadState(data []byte) (int, error) {
	var confirmed int
	err := c.call("LoadState", StateData{Data: data}, &confirmed)
	return confirmed, err
}

func (c *ControlClient) Describe() (clap.Descriptor, error) {
	var d clap.Descriptor
	err := c.call("Describe", Empty{}, &d)
	return d, err
}

func (c *ControlClient) Close() error {
	return c.call("Close", Empty{}, &Empty{})
}

// ControlServer exposes a Control to net/rpc in the child.
type ControlServer struct {
	Impl Control
}

func (s *ControlServer) Load(args LoadArgs, _ *Empty) error {
	return s.Impl.Load(args.Path, args.Index)
}

func (s *ControlServer) Attach(n Names, _ *Empty) error {
	return s.Impl.Attach(n)
}

func (s *ControlServer) Activate(args ActivateArgs, _ *Empty) error {
	return s.Impl.Activate(args.SampleRate, args.BlockSize)
}

func (s *ControlServer) Deactivate(_ Empty, _ *Empty) error {
	return s.Impl.Deactivate()
}

func (s *ControlServer) SaveState(_ Empty, reply *StateData) error {
	data, err := s.Impl.SaveState()
	reply.Data = data
	return err
}

func (s *ControlServer) LoadState(args StateData, confirmed *int) error {
	n, err := s.Impl.LoadState(args.Data)
	*confirmed = n
	return err
}

func (s *ControlServer) Describe(_ Empty, d *clap.Descriptor) error {
	desc, err := s.Impl.Describe()
	*d = desc
	return err
}

func (s *ControlServer) Close(_ Empty, _ *Empty) error {
	return s.Impl.Close()
}
