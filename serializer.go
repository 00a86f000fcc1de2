package claphost

import (
	"encoding/json"
	"fmt"
	"io"
	"path"

	"go.uber.org/multierr"

	"github.com/shaban/claphost/bridge"
	"github.com/shaban/claphost/graph"
)

// SessionVersion is the session format written by this package.
const SessionVersion = "1.0.0"

// SessionNode is the persisted form of one node. Composites carry Nodes,
// plugins carry Path, Index and StateData.
type SessionNode struct {
	Type         string        `json:"type"`
	Name         string        `json:"name"`
	IsBypassed   bool          `json:"isBypassed"`
	OutputVolume float32       `json:"outputVolume"`
	Nodes        []SessionNode `json:"nodes,omitempty"`
	Path         string        `json:"path,omitempty"`
	Index        int           `json:"index,omitempty"`
	StateData    []byte        `json:"stateData,omitempty"`
}

// SessionState is a complete engine session.
type SessionState struct {
	Version string      `json:"version"`
	Config  Config      `json:"config"`
	Root    SessionNode `json:"root"`
}

// stateful is implemented by nodes whose plugin state can be persisted.
type stateful interface {
	SaveState() ([]byte, error)
	LoadState([]byte) (int, error)
}

// Serializer captures and restores the processing tree.
type Serializer struct {
	engine  *Engine
	version string
}

// NewSerializer creates a serializer for engine.
func NewSerializer(engine *Engine) *Serializer {
	return &Serializer{engine: engine, version: SessionVersion}
}

// GetState captures the tree on the main thread. Plugins whose state
// cannot be saved are recorded without state and reported in the error.
func (s *Serializer) GetState() (SessionState, error) {
	state := SessionState{Version: s.version, Config: s.engine.cfg}
	var errs error
	err := s.engine.dispatcher.Run(func() error {
		state.Root = capture(s.engine.master, &errs)
		return nil
	})
	return state, multierr.Append(err, errs)
}

func capture(n graph.Node, errs *error) SessionNode {
	sn := SessionNode{
		Type:         n.Kind(),
		Name:         n.Name(),
		IsBypassed:   n.Bypassed(),
		OutputVolume: n.Volume(),
	}
	switch n := n.(type) {
	case graph.Parent:
		for _, c := range n.Children() {
			sn.Nodes = append(sn.Nodes, capture(c, errs))
		}
	case *graph.PluginNode:
		sn.Path, sn.Index = n.Host().Path(), n.Host().Index()
	case *bridge.Remote:
		sn.Path, sn.Index = n.Path(), n.Index()
	}
	if p := stateOf(n); p != nil {
		sn.StateData = saveState(p, n.Name(), errs)
	}
	return sn
}

// stateOf returns the state holder behind a plugin node, or nil for
// composites.
func stateOf(n graph.Node) stateful {
	switch n := n.(type) {
	case *graph.PluginNode:
		return n.Host()
	case *bridge.Remote:
		return n
	}
	return nil
}

func saveState(p stateful, name string, errs *error) []byte {
	data, err := p.SaveState()
	if err != nil {
		*errs = multierr.Append(*errs, classify("save state", name, err))
		return nil
	}
	return data
}

// SetState replaces the tree with state. Nodes that fail to load are
// reported and skipped; the rest of the session is restored.
func (s *Serializer) SetState(state SessionState) error {
	return s.engine.dispatcher.Submit(DispatcherOperation{Type: OpSetState, Data: state}).Error
}

// apply runs on the main thread.
func (s *Serializer) apply(state SessionState) error {
	if err := s.ValidateState(state); err != nil {
		return err
	}
	e := s.engine
	if state.Config.SampleRate != e.cfg.SampleRate || state.Config.BlockSize != e.cfg.BlockSize {
		e.log.V(VERBOSE).Info("session saved with a different stream format",
			"sampleRate", state.Config.SampleRate, "blockSize", state.Config.BlockSize)
	}

	var errs error
	for e.master.Len() > 0 {
		n, err := e.master.Remove(e.ctx, e.master.Len()-1)
		if n == nil {
			return classify("clear", MasterName, err)
		}
		errs = multierr.Append(errs, multierr.Append(err, n.Close()))
	}
	e.master.SetBypassed(state.Root.IsBypassed)
	e.master.SetVolume(state.Root.OutputVolume)

	for _, c := range state.Root.Nodes {
		errs = multierr.Append(errs, s.restore("", c))
	}
	return errs
}

func (s *Serializer) restore(parent string, sn SessionNode) error {
	e := s.engine
	var (
		n   graph.Node
		err error
	)
	switch sn.Type {
	case graph.KindChain:
		n, err = e.addComposite(parent, graph.NewChain(sn.Name, e.guard))
	case graph.KindGroup:
		n, err = e.addComposite(parent, graph.NewGroup(sn.Name, e.guard))
	case graph.KindPlugin, graph.KindRemote:
		n, err = e.addPluginAs(parent, sn.Path, sn.Index, sn.Name, sn.Type == graph.KindRemote)
	}
	if err != nil {
		err = fmt.Errorf("restore %s: %w", path.Join(parent, sn.Name), err)
		e.errorHandler.HandleError(err)
		return err
	}

	var errs error
	if p := stateOf(n); p != nil && len(sn.StateData) > 0 {
		if _, err := p.LoadState(sn.StateData); err != nil {
			errs = classify("load state", n.Name(), err)
		}
	}
	n.SetBypassed(sn.IsBypassed)
	n.SetVolume(sn.OutputVolume)

	self := path.Join(parent, n.Name())
	for _, c := range sn.Nodes {
		errs = multierr.Append(errs, s.restore(self, c))
	}
	return errs
}

// SaveToWriter writes the session as indented JSON.
func (s *Serializer) SaveToWriter(w io.Writer) error {
	state, err := s.GetState()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(state); err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	return nil
}

// LoadFromReader reads a JSON session and applies it.
func (s *Serializer) LoadFromReader(r io.Reader) error {
	var state SessionState
	if err := json.NewDecoder(r).Decode(&state); err != nil {
		return fmt.Errorf("failed to decode session: %w", err)
	}
	return s.SetState(state)
}

// SaveToJSON returns the session as a JSON string.
func (s *Serializer) SaveToJSON() (string, error) {
	state, err := s.GetState()
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal session: %w", err)
	}
	return string(data), nil
}

// LoadFromJSON applies a session given as a JSON string.
func (s *Serializer) LoadFromJSON(data string) error {
	var state SessionState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return s.SetState(state)
}

// GetVersion returns the session format version.
func (s *Serializer) GetVersion() string { return s.version }

// IsCompatible reports whether sessions of version can be loaded.
func (s *Serializer) IsCompatible(version string) bool { return version == s.version }

// ValidateState checks the structure of state without touching the engine.
func (s *Serializer) ValidateState(state SessionState) error {
	if !s.IsCompatible(state.Version) {
		return fmt.Errorf("incompatible session version %q, expected %q", state.Version, s.version)
	}
	if state.Root.Type != graph.KindGroup || state.Root.Name != MasterName {
		return fmt.Errorf("session root must be the %s group", MasterName)
	}
	return validateChildren(MasterName, state.Root)
}

func validateChildren(at string, sn SessionNode) error {
	seen := make(map[string]bool, len(sn.Nodes))
	for _, c := range sn.Nodes {
		where := at + "/" + c.Name
		if err := validName(c.Name); err != nil {
			return fmt.Errorf("%s: %w", at, err)
		}
		if seen[c.Name] {
			return fmt.Errorf("%w: %s", ErrNameTaken, where)
		}
		seen[c.Name] = true

		switch c.Type {
		case graph.KindChain, graph.KindGroup:
			if sn.Type == graph.KindChain {
				return fmt.Errorf("%s: a channel strip holds plugins only", where)
			}
			if err := validateChildren(where, c); err != nil {
				return err
			}
		case graph.KindPlugin, graph.KindRemote:
			if sn.Type != graph.KindChain {
				return fmt.Errorf("%s: plugins belong in a channel strip", where)
			}
			if c.Path == "" {
				return fmt.Errorf("%s: plugin without a path", where)
			}
			if len(c.Nodes) > 0 {
				return fmt.Errorf("%s: plugin with children", where)
			}
		default:
			return fmt.Errorf("%s: unknown node type %q", where, c.Type)
		}
	}
	return nil
}
