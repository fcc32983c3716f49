package eventloop

import "sort"

// HandleInfo describes one live asynchronous resource.
type HandleInfo struct {
	ID       uint64         `json:"id"`
	Kind     string         `json:"kind"`
	DelayMS  int64          `json:"delay_ms"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type Handle struct {
	loop  *Loop
	info  HandleInfo
	timer *Timer
}

// Release marks the resource as completed.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.loop.release(h)
}

func (h *Handle) Info() HandleInfo {
	return h.info
}

// Snapshot is the set of handles alive at one point in time, keyed by ID.
type Snapshot map[uint64]HandleInfo

// Diff returns the handles present in s but absent from before, ordered by
// creation.
func (s Snapshot) Diff(before Snapshot) []HandleInfo {
	var out []HandleInfo
	for id, info := range s {
		if _, ok := before[id]; ok {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func copyMetadata(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
