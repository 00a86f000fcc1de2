package host

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/shaban/claphost/clap"
)

// SaveState returns the plugin's persisted state. Plugins without the
// state extension are captured as a JSON object of parameter values keyed
// by decimal parameter id. Main thread.
func (h *Host) SaveState() ([]byte, error) {
	if h.plugin == nil {
		return nil, ErrNoPlugin
	}
	if h.state != nil {
		var buf bytes.Buffer
		if !h.state.Save(&buf) {
			return nil, fmt.Errorf("%w: %s", ErrStateSave, h.desc.ID)
		}
		return buf.Bytes(), nil
	}
	values := make(map[string]float64, len(h.paramInfo))
	for _, info := range h.paramInfo {
		if v, ok := h.params.Value(info.ID); ok {
			values[strconv.FormatUint(uint64(info.ID), 10)] = v
		}
	}
	return json.Marshal(values)
}

// LoadState restores state produced by SaveState. For the parameter
// fallback it returns how many values the plugin confirmed. While the
// plugin is processing the values travel through the parameter queue and
// are confirmed asynchronously to the Listener; confirmed is then 0.
func (h *Host) LoadState(data []byte) (confirmed int, err error) {
	if h.plugin == nil {
		return 0, ErrNoPlugin
	}
	if h.state != nil {
		if !h.state.Load(bytes.NewReader(data)) {
			return 0, fmt.Errorf("%w: %s", ErrStateRejected, h.desc.ID)
		}
		return 0, nil
	}

	var values map[string]float64
	if err := json.Unmarshal(data, &values); err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrStateRejected, h.desc.ID, err)
	}
	ids := make([]uint32, 0, len(values))
	for k := range values {
		id, err := strconv.ParseUint(k, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: parameter id %q", ErrStateRejected, h.desc.ID, k)
		}
		ids = append(ids, uint32(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) == 0 || h.params == nil {
		return 0, nil
	}

	for _, id := range ids {
		if !h.send(h.paramsQ, clap.ParamValue(0, id, values[strconv.FormatUint(uint64(id), 10)])) {
			return 0, fmt.Errorf("%w: %s: parameter queue full", ErrStateRejected, h.desc.ID)
		}
	}
	if h.Status().Processing() {
		return 0, nil
	}
	h.flushRequested.Store(false)
	return h.flushOnMain(), nil
}
