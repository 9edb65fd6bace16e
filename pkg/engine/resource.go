package engine

// ResourceInfo summarises the capacity a backend reports. The zero value means "unknown".
type ResourceInfo struct {
	AliveWorkers  int     `json:"aliveWorkers"`
	TotalCores    int     `json:"totalCores"`
	UsedCores     int     `json:"usedCores"`
	TotalMemoryMB float64 `json:"totalMemoryMB"`
	UsedMemoryMB  float64 `json:"usedMemoryMB"`
}

// Known reports whether the backend returned any capacity information at all.
func (r *ResourceInfo) Known() bool {
	return r != nil && (r.AliveWorkers > 0 || r.TotalCores > 0 || r.TotalMemoryMB > 0)
}

func (r *ResourceInfo) FreeCores() int {
	if r == nil || r.TotalCores <= r.UsedCores {
		return 0
	}
	return r.TotalCores - r.UsedCores
}

func (r *ResourceInfo) FreeMemoryMB() float64 {
	if r == nil || r.TotalMemoryMB <= r.UsedMemoryMB {
		return 0
	}
	return r.TotalMemoryMB - r.UsedMemoryMB
}

// CanAccept reports whether a job needing the given cores and memory fits in the free capacity.
// Unknown capacity never blocks a job.
func (r *ResourceInfo) CanAccept(cores int, memoryMB float64) bool {
	if !r.Known() {
		return true
	}
	return r.FreeCores() >= cores && r.FreeMemoryMB() >= memoryMB
}
