package resources

import (
	"runtime"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/mem"
)

type hostProbe struct {
	virtualMemory func() (*mem.VirtualMemoryStat, error)
}

// NewProbe returns a Probe for the host. Memory figures come from
// gopsutil's mem.VirtualMemory, whose Available includes reclaimable page
// cache.
func NewProbe() Probe {
	return hostProbe{virtualMemory: mem.VirtualMemory}
}

func (p hostProbe) stat() (*mem.VirtualMemoryStat, error) {
	vm, err := p.virtualMemory()
	if err != nil {
		return nil, errors.Wrap(err, "virtual memory")
	}
	return vm, nil
}

func (p hostProbe) TotalMemory() (uint64, error) {
	vm, err := p.stat()
	if err != nil {
		return 0, err
	}
	if vm.Total == 0 {
		return 0, errors.New("virtual memory: zero total memory reported")
	}
	return vm.Total, nil
}

func (p hostProbe) AvailableMemory() (uint64, error) {
	vm, err := p.stat()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

func (p hostProbe) NumCPU() int { return runtime.NumCPU() }
