package arbiter

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// NvidiaSMIProbe reads free memory per GPU by shelling out to nvidia-smi's
// CSV query mode, one line per device in index order.
type NvidiaSMIProbe struct {
	// BinaryPath is the nvidia-smi executable; defaults to "nvidia-smi"
	// (resolved via PATH) when empty.
	BinaryPath string
}

// FreeMemoryMiB runs nvidia-smi and returns the free-memory column for the
// requested slot index.
func (p NvidiaSMIProbe) FreeMemoryMiB(ctx context.Context, slotID int) (int, error) {
	bin := p.BinaryPath
	if bin == "" {
		bin = "nvidia-smi"
	}

	cmd := exec.CommandContext(ctx, bin,
		"--query-gpu=index,memory.free",
		"--format=csv,noheader,nounits",
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("arbiter: nvidia-smi probe failed: %w", err)
	}

	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		fields := strings.Split(line, ",")
		if len(fields) != 2 {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil || idx != slotID {
			continue
		}
		freeMiB, err := strconv.Atoi(strings.TrimSpace(fields[1]))
		if err != nil {
			return 0, fmt.Errorf("arbiter: parse nvidia-smi free memory: %w", err)
		}
		return freeMiB, nil
	}

	return 0, fmt.Errorf("arbiter: no nvidia-smi row for slot %d", slotID)
}
