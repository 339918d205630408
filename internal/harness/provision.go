// ============================================================================
// Fawkes VM pool provisioner — static pool of pre-existing VMs
// ============================================================================
//
// Package: internal/harness
// Purpose: a concrete VMProvisioner/VMLauncher pair cmd/fawkes-worker can
// wire into a Harness. Spawning a hypervisor process, attaching disk
// images, and building guest ISOs is deliberately out of scope (spec §1:
// "ISO/disk-image upload plumbing" is an external collaborator's
// concern) — operators are assumed to already have a fixed set of VM
// instances running with their monitor/agent endpoints reachable.
// StaticPoolProvisioner checks handles out of that fixed set the way
// the teacher's worker_pool.go hands out a fixed number of Worker
// goroutines: a bounded set, checked out and returned, never grown.
// ============================================================================

package harness

import (
	"context"
	"fmt"
	"sync"

	"github.com/fawkes-project/fawkes/internal/monitor"
	"github.com/fawkes-project/fawkes/internal/schederr"
	"github.com/fawkes-project/fawkes/pkg/types"
)

// StaticPoolProvisioner hands out VMHandles from a fixed, pre-configured
// set (spec §4.6: a Harness's pool is "min(job.resources.vms,
// worker.max_vms)" VM Runners, each needing one already-running VM).
type StaticPoolProvisioner struct {
	mu      sync.Mutex
	handles []types.VMHandle
	taken   map[string]bool
}

// NewStaticPoolProvisioner builds a provisioner over a fixed set of
// already-running VM instances (addresses configured operator-side).
func NewStaticPoolProvisioner(handles []types.VMHandle) *StaticPoolProvisioner {
	return &StaticPoolProvisioner{handles: handles, taken: make(map[string]bool)}
}

// Provision checks out the first untaken handle. Returns a
// ResourceUnavailable error if the pool is exhausted — the Harness
// treats that as the job simply not fitting the worker's declared
// capacity (spec §4.2's allocator should never dispatch more jobs than
// worker.max_vms allows, so this is a defensive floor, not the primary
// admission check).
func (p *StaticPoolProvisioner) Provision(ctx context.Context) (types.VMHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, h := range p.handles {
		if !p.taken[h.VMID] {
			p.taken[h.VMID] = true
			return h, nil
		}
	}
	return types.VMHandle{}, schederr.ResourceUnavailable("VM pool exhausted")
}

// Release returns a handle to the pool without tearing anything down —
// the VM instance itself outlives the job, only its snapshot state is
// reset between jobs via FastRevert.
func (p *StaticPoolProvisioner) Release(ctx context.Context, handle types.VMHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.taken, handle.VMID)
	return nil
}

// MonitorLauncher implements VMLauncher by driving the VM's monitor
// socket through a fast snapshot revert (spec §4.7), grounded on
// internal/monitor.Client.FastRevert.
type MonitorLauncher struct{}

func (MonitorLauncher) Relaunch(ctx context.Context, handle types.VMHandle) error {
	if handle.SnapshotName == "" {
		return schederr.IllegalTransition(fmt.Sprintf("vm %s has no snapshot to revert to", handle.VMID))
	}
	c := monitor.New(handle.MonitorEndpoint)
	defer c.Close()

	result, err := c.FastRevert(handle.SnapshotName)
	if err != nil {
		return err
	}
	if result.Partial {
		return schederr.WrapRecoverable(fmt.Sprintf("vm %s: partial revert", handle.VMID), nil)
	}
	return nil
}
