package harness

import (
	"context"
	"net"
	"testing"

	"github.com/fawkes-project/fawkes/internal/schederr"
	"github.com/fawkes-project/fawkes/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticPoolProvisioner_ChecksOutDistinctHandles(t *testing.T) {
	p := NewStaticPoolProvisioner([]types.VMHandle{
		{VMID: "vm-1"},
		{VMID: "vm-2"},
	})

	h1, err := p.Provision(context.Background())
	require.NoError(t, err)
	h2, err := p.Provision(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, h1.VMID, h2.VMID)
}

func TestStaticPoolProvisioner_ExhaustedReturnsResourceUnavailable(t *testing.T) {
	p := NewStaticPoolProvisioner([]types.VMHandle{{VMID: "vm-1"}})

	_, err := p.Provision(context.Background())
	require.NoError(t, err)

	_, err = p.Provision(context.Background())
	require.Error(t, err)
	assert.Equal(t, schederr.Logical, schederr.KindOf(err))
}

func TestStaticPoolProvisioner_ReleaseAllowsReuse(t *testing.T) {
	p := NewStaticPoolProvisioner([]types.VMHandle{{VMID: "vm-1"}})

	h, err := p.Provision(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Release(context.Background(), h))

	_, err = p.Provision(context.Background())
	assert.NoError(t, err)
}

func TestMonitorLauncher_Relaunch_NoSnapshotNameIsIllegalTransition(t *testing.T) {
	var l MonitorLauncher
	err := l.Relaunch(context.Background(), types.VMHandle{VMID: "vm-1", MonitorEndpoint: "127.0.0.1:1"})
	require.Error(t, err)
	assert.Equal(t, schederr.Logical, schederr.KindOf(err))
}

func TestMonitorLauncher_Relaunch_Success(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 256)
		for i := 0; i < 3; i++ {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			_ = n
			_, _ = conn.Write([]byte("OK\n"))
		}
	}()

	var l MonitorLauncher
	err = l.Relaunch(context.Background(), types.VMHandle{
		VMID:            "vm-1",
		MonitorEndpoint: ln.Addr().String(),
		SnapshotName:    "clean",
	})
	assert.NoError(t, err)
}
