package harness

import (
	"context"
	"testing"
	"time"

	"github.com/fawkes-project/fawkes/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolSize_ClampedToWorkerMaxVMs(t *testing.T) {
	h := &Harness{config: Config{Resources: types.ResourceRequirements{VMs: 4}, WorkerMaxVMs: 2}}
	assert.Equal(t, 2, h.poolSize())
}

func TestPoolSize_DefaultsToOneWhenUnset(t *testing.T) {
	h := &Harness{config: Config{WorkerMaxVMs: 3}}
	assert.Equal(t, 1, h.poolSize())
}

func TestPoolSize_UnclampedWhenWorkerMaxVMsUnset(t *testing.T) {
	h := &Harness{config: Config{Resources: types.ResourceRequirements{VMs: 5}}}
	assert.Equal(t, 5, h.poolSize())
}

// fakeProvisioner hands out distinct VM handles and counts releases,
// without needing a real hypervisor.
type fakeProvisioner struct {
	n        int
	released int
}

func (p *fakeProvisioner) Provision(ctx context.Context) (types.VMHandle, error) {
	p.n++
	return types.VMHandle{VMID: "vm-test", MonitorEndpoint: "127.0.0.1:1", AgentEndpoint: "127.0.0.1:1"}, nil
}

func (p *fakeProvisioner) Release(ctx context.Context, handle types.VMHandle) error {
	p.released++
	return nil
}

func TestHarness_StartThenStopDrainsCleanly(t *testing.T) {
	prov := &fakeProvisioner{}
	h := New(Config{
		JobID:        1,
		WorkerID:     "worker-1",
		Resources:    types.ResourceRequirements{VMs: 2},
		WorkerMaxVMs: 2,
		Provisioner:  prov,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Start(ctx))

	assert.Equal(t, 2, prov.n)

	h.Stop(2 * time.Second)
}

func TestHarness_Progress_ReflectsExecutionsAndCrashes(t *testing.T) {
	h := &Harness{config: Config{JobID: 42}}
	h.executions.Add(3)
	h.crashes.Add(1)

	p := h.Progress()
	assert.Equal(t, types.JobID(42), p.JobID)
	assert.Equal(t, uint64(3), p.Executions)
	assert.Equal(t, uint64(1), p.Crashes)
}

func TestHarness_SubmitFeedsProducer(t *testing.T) {
	h := New(Config{Provisioner: &fakeProvisioner{}})
	ctx := context.Background()
	require.NoError(t, h.Submit(ctx, []byte("tc")))

	tc, ok := h.producer.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, []byte("tc"), tc)
}
