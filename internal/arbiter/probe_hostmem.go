package arbiter

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"
)

// HostMemProbe reports host RAM free space as a single-slot portable
// fallback for non-GPU development and test hosts. Any slotID maps to the
// same host, since there is only one memory pool to probe.
type HostMemProbe struct{}

// FreeMemoryMiB returns current available host memory in MiB.
func (HostMemProbe) FreeMemoryMiB(ctx context.Context, slotID int) (int, error) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("arbiter: host memory probe: %w", err)
	}
	return int(v.Available / (1024 * 1024)), nil
}
