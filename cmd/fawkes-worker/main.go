// ============================================================================
// Fawkes Worker entry point
// ============================================================================
//
// File: cmd/fawkes-worker/main.go
// Purpose: application entry point for a worker process (spec §2): owns
// local execution state for one job at a time, drives a Harness's pool
// of VM Runners against a fixed set of pre-provisioned VM instances,
// and speaks the job-facing RPC endpoint (spec §6.1) to one controller.
//
// Adapted from the teacher's cmd/queue/main.go entrypoint shape (flag
// parsing, panic recovery, signal-driven graceful shutdown) generalized
// from a single in-process worker pool to internal/harness.Worker's
// RPC-facing registration/heartbeat/dispatch loop.
// ============================================================================

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fawkes-project/fawkes/internal/harness"
	"github.com/fawkes-project/fawkes/internal/logging"
	"github.com/fawkes-project/fawkes/pkg/types"
	"gopkg.in/yaml.v3"
)

// vmEntry is one pre-provisioned VM instance's endpoints, read from the
// worker config file (spec §1: provisioning the VM itself is out of
// scope — the operator supplies already-running instances).
type vmEntry struct {
	VMID            string `yaml:"vm_id"`
	MonitorEndpoint string `yaml:"monitor_endpoint"`
	AgentEndpoint   string `yaml:"agent_endpoint"`
	SnapshotName    string `yaml:"snapshot_name"`
	DiskImagePath   string `yaml:"disk_image_path"`
}

type workerFileConfig struct {
	Address           string    `yaml:"address"`
	Hostname          string    `yaml:"hostname"`
	ControllerAddress string    `yaml:"controller_address"`
	ShareRoot         string    `yaml:"share_root"`
	CPUCores          int       `yaml:"cpu_cores"`
	RAMGB             int       `yaml:"ram_gb"`
	Tags              []string  `yaml:"tags"`
	VMs               []vmEntry `yaml:"vms"`
	HeartbeatSeconds  int       `yaml:"heartbeat_seconds"`
	DrainSeconds      int       `yaml:"drain_seconds"`
	VMTimeoutSeconds  int       `yaml:"vm_timeout_seconds"`
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Fatal error: %v\n", r)
			os.Exit(1)
		}
	}()

	configPath := "configs/worker.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := loadWorkerConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load worker config: %v\n", err)
		os.Exit(1)
	}

	handles := make([]types.VMHandle, 0, len(cfg.VMs))
	for _, v := range cfg.VMs {
		handles = append(handles, types.VMHandle{
			VMID:            v.VMID,
			MonitorEndpoint: v.MonitorEndpoint,
			AgentEndpoint:   v.AgentEndpoint,
			SnapshotName:    v.SnapshotName,
			DiskImagePath:   v.DiskImagePath,
		})
	}

	heartbeat := time.Duration(cfg.HeartbeatSeconds) * time.Second
	if heartbeat == 0 {
		heartbeat = 10 * time.Second
	}
	drain := time.Duration(cfg.DrainSeconds) * time.Second
	if drain == 0 {
		drain = 30 * time.Second
	}
	vmTimeout := time.Duration(cfg.VMTimeoutSeconds) * time.Second
	if vmTimeout == 0 {
		vmTimeout = 60 * time.Second
	}

	w := harness.NewWorker(harness.WorkerConfig{
		Address:           cfg.Address,
		Hostname:          cfg.Hostname,
		ControllerAddress: cfg.ControllerAddress,
		Capabilities: types.Capabilities{
			CPUCores: cfg.CPUCores,
			RAMG:     cfg.RAMGB,
			MaxVMs:   len(handles),
		},
		Tags:              cfg.Tags,
		Provisioner:       harness.NewStaticPoolProvisioner(handles),
		Launcher:          harness.MonitorLauncher{},
		ShareRoot:         cfg.ShareRoot,
		VMTimeout:         vmTimeout,
		HeartbeatInterval: heartbeat,
		DrainTimeout:      drain,
	})

	if err := w.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start worker: %v\n", err)
		os.Exit(1)
	}

	logging.Logger.Info().Str("address", cfg.Address).Int("vms", len(handles)).Msg("worker started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logging.Logger.Info().Msg("received shutdown signal, draining")
	w.Stop()
}

func loadWorkerConfig(path string) (*workerFileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg workerFileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}
	return &cfg, nil
}
