package worker

// MemoryUnavailable is the marker emitted when a worker process can no
// longer report its heap, typically because it already exited.
const MemoryUnavailable = "unavailable"

// Diagnostics is the operator-facing view of one handle. It is for status
// reporting only; the pool never reads it back for control decisions.
type Diagnostics struct {
	Name      string `json:"name"`
	UseCount  uint64 `json:"use_count"`
	CanExpire bool   `json:"can_expire"`
	Failed    bool   `json:"failed"`
	KeepAlive string `json:"keep_alive"`
	State     string `json:"state"`
	// Memory is either a MemorySnapshot or the MemoryUnavailable marker.
	Memory any `json:"memory"`
}

// Diagnostics assembles the status view. The memory fields degrade to the
// "unavailable" marker rather than erroring when the process cannot answer.
func (h *Handle) Diagnostics() Diagnostics {
	d := Diagnostics{
		Name:      h.DisplayName(),
		UseCount:  h.Uses(),
		CanExpire: h.IsExpirable(),
		Failed:    h.Failed(),
		KeepAlive: string(h.desc.KeepAlive),
		State:     h.State().String(),
	}
	if snap, err := h.memorySnapshot(); err == nil {
		d.Memory = snap
	} else {
		d.Memory = MemoryUnavailable
	}
	return d
}
