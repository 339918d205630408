// ============================================================================
// Fawkes CLI — scheduler control plane
// ============================================================================
//
// Package: internal/cli
// Purpose: cobra-based command line for the Fawkes control plane (spec
// §6.2): scheduler add|list|status|cancel|workers|stats, plus run for
// the controller process and agent for the guest side. run --mode worker
// does not start a worker; it returns an error naming cmd/fawkes-worker.
//
// Adapted from the teacher's internal/cli/cli.go BuildCLI/buildRunCommand
// shape (one root command, --config persistent flag, one subcommand per
// verb) and its buildEnqueueCommand local-vs-remote split, retargeted
// from gRPC SubmitJob calls at a Falcon queue master onto this module's
// internal/rpc JSON-frame control-plane ops against an internal/scheduler
// Scheduler — locally in-process when --master is unset, or over the
// wire when it is (mirroring the teacher's local-controller fallback in
// enqueueJobs).
// ============================================================================

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fawkes-project/fawkes/internal/agent"
	"github.com/fawkes-project/fawkes/internal/logging"
	"github.com/fawkes-project/fawkes/internal/rpc"
	"github.com/fawkes-project/fawkes/internal/scheduler"
	"github.com/fawkes-project/fawkes/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk controller/worker configuration: listen
// addresses, poll_interval, heartbeat_timeout, allocation strategy,
// WAL/snapshot paths, max_vms, and the Prometheus port. It has no guest
// agent poll interval setting.
type Config struct {
	Controller struct {
		RPCAddress             string        `yaml:"rpc_address"`
		WALPath                string        `yaml:"wal_path"`
		SnapshotPath           string        `yaml:"snapshot_path"`
		WALBufferSize          int           `yaml:"wal_buffer_size"`
		WALFlushInterval       time.Duration `yaml:"wal_flush_interval"`
		SnapshotInterval       time.Duration `yaml:"snapshot_interval"`
		PollInterval           time.Duration `yaml:"poll_interval"`
		HeartbeatTimeout       time.Duration `yaml:"heartbeat_timeout"`
		DispatchTimeout        time.Duration `yaml:"dispatch_timeout"`
		Strategy               string        `yaml:"strategy"`
		MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	} `yaml:"controller"`

	Worker struct {
		Address           string `yaml:"address"`
		Hostname          string `yaml:"hostname"`
		ControllerAddress string `yaml:"controller_address"`
		MaxVMs            int    `yaml:"max_vms"`
		CPUCores          int    `yaml:"cpu_cores"`
		RAMGB             int    `yaml:"ram_gb"`
		ShareRoot         string `yaml:"share_root"`
	} `yaml:"worker"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

var (
	configFile string
	masterAddr string
	globalSched *scheduler.Scheduler
)

// BuildCLI assembles the root fawkesctl command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fawkesctl",
		Short: "Fawkes: a distributed coverage-blind fuzzing platform",
		Long: `Fawkes coordinates a fleet of VM-backed fuzzing workers from a
single crash-recoverable controller:
- WAL + snapshot durability for the Scheduler Store
- priority/dependency-aware job allocation
- Prometheus metrics and a guest agent crash protocol`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&masterAddr, "master", "", "controller RPC address for remote commands (e.g. 10.0.0.1:7777)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildAgentCommand())
	rootCmd.AddCommand(buildSchedulerCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a Fawkes controller or worker process",
		Long:  "Start the system in controller mode; worker mode returns an error and does not start a worker (cmd/fawkes-worker is the worker entrypoint)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSystem(mode)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "controller", "Process mode: controller, worker")

	return cmd
}

func runSystem(mode string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logging.Logger.Info().Str("mode", mode).Msg("starting fawkes")

	switch mode {
	case "worker":
		return runWorkerNode(cfg)
	case "controller":
		return runControllerNode(cfg)
	default:
		return fmt.Errorf("unknown mode %q (want controller or worker)", mode)
	}
}

func runControllerNode(cfg *Config) error {
	sc := cfg.Controller
	strategy := scheduler.Strategy(sc.Strategy)
	if strategy == "" {
		strategy = scheduler.LoadAware
	}

	schedCfg := scheduler.DefaultConfig()
	schedCfg.RPCAddress = sc.RPCAddress
	schedCfg.WALPath = sc.WALPath
	schedCfg.SnapshotPath = sc.SnapshotPath
	if sc.WALBufferSize > 0 {
		schedCfg.WALBufferSize = sc.WALBufferSize
	}
	if sc.WALFlushInterval > 0 {
		schedCfg.WALFlushInterval = sc.WALFlushInterval
	}
	if sc.SnapshotInterval > 0 {
		schedCfg.SnapshotInterval = sc.SnapshotInterval
	}
	if sc.PollInterval > 0 {
		schedCfg.PollInterval = sc.PollInterval
	}
	if sc.HeartbeatTimeout > 0 {
		schedCfg.HeartbeatTimeout = sc.HeartbeatTimeout
	}
	if sc.DispatchTimeout > 0 {
		schedCfg.DispatchTimeout = sc.DispatchTimeout
	}
	schedCfg.Strategy = strategy
	if sc.MaxConsecutiveFailures > 0 {
		schedCfg.MaxConsecutiveFailures = sc.MaxConsecutiveFailures
	}

	sched, err := scheduler.New(schedCfg)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	globalSched = sched

	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	logging.Logger.Info().Str("address", sc.RPCAddress).Msg("controller RPC endpoint listening")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logging.Logger.Info().Msg("received shutdown signal, stopping gracefully")
	sched.Stop()
	return nil
}

func runWorkerNode(cfg *Config) error {
	// Provisioning concrete VMs (QEMU/libvirt process orchestration,
	// ISO upload) is explicitly out of scope (spec §1); wiring a real
	// internal/harness.VMProvisioner/VMLauncher pair here is left to the
	// deployment-specific entrypoint in cmd/fawkes-worker.
	return fmt.Errorf("run --mode worker: build cmd/fawkes-worker against internal/harness.NewWorker with a deployment-specific VMProvisioner/VMLauncher pair")
}

func buildAgentCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Start the guest-side crash observation agent",
		Long:  "Runs the single-endpoint HTTP crash agent described in spec §6.3 (cmd/fawkes-agent is the real guest-side entrypoint; this subcommand is for local testing of the protocol)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return agent.New().ListenAndServe(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "address", "0.0.0.0:9999", "guest agent listen address")
	return cmd
}

// buildSchedulerCommand implements spec §6.2's scheduler control plane
// verbatim: add, list, status, cancel, workers, stats.
func buildSchedulerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Inspect and control the job scheduler",
	}

	cmd.AddCommand(buildSchedulerAddCommand())
	cmd.AddCommand(buildSchedulerListCommand())
	cmd.AddCommand(buildSchedulerStatusCommand())
	cmd.AddCommand(buildSchedulerCancelCommand())
	cmd.AddCommand(buildSchedulerWorkersCommand())
	cmd.AddCommand(buildSchedulerStatsCommand())

	return cmd
}

func buildSchedulerAddCommand() *cobra.Command {
	var priority int
	var deadline string
	var dependsOn string
	var resources string

	cmd := &cobra.Command{
		Use:   "add <name> <config-path>",
		Short: "Enqueue a new fuzzing job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := schedulerAdd(args[0], args[1], priority, deadline, dependsOn, resources)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}

	cmd.Flags().IntVar(&priority, "priority", 50, "job priority, higher runs first")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline: Nh, Nd, Nm, or absolute epoch seconds")
	cmd.Flags().StringVar(&dependsOn, "depends-on", "", "comma-separated job IDs this job depends on")
	cmd.Flags().StringVar(&resources, "resources", "", "resource requirements, e.g. cpu=4,ram=8,vms=2")

	return cmd
}

func schedulerAdd(name, configPath string, priority int, deadline, dependsOn, resources string) (types.JobID, error) {
	config, err := os.ReadFile(configPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read job config file: %w", err)
	}

	builder := types.NewJobBuilder(name, config).Priority(priority)

	if deadline != "" {
		t, err := parseDeadline(deadline)
		if err != nil {
			return 0, fmt.Errorf("failed to parse --deadline: %w", err)
		}
		builder = builder.Deadline(t)
	}

	if dependsOn != "" {
		ids, err := parseJobIDs(dependsOn)
		if err != nil {
			return 0, fmt.Errorf("failed to parse --depends-on: %w", err)
		}
		builder = builder.DependsOn(ids...)
	}

	if resources != "" {
		res, err := parseResources(resources)
		if err != nil {
			return 0, fmt.Errorf("failed to parse --resources: %w", err)
		}
		builder = builder.Resources(res)
	}

	job := builder.Build()

	if masterAddr != "" {
		client := rpc.NewClient(masterAddr)
		var resp rpc.SchedulerEnqueueResponse
		if err := client.Call(rpc.OpSchedulerEnqueue, rpc.SchedulerEnqueueRequest{Job: job}, &resp); err != nil {
			return 0, fmt.Errorf("remote enqueue failed: %w", err)
		}
		return resp.JobID, nil
	}

	sched, err := localScheduler()
	if err != nil {
		return 0, err
	}
	return sched.EnqueueJob(job)
}

func buildSchedulerListCommand() *cobra.Command {
	var status string
	var minPriority int
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := schedulerList(status, minPriority, limit)
			if err != nil {
				return err
			}
			printJobsTable(jobs)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by job status")
	cmd.Flags().IntVar(&minPriority, "min-priority", 0, "filter by minimum priority")
	cmd.Flags().IntVar(&limit, "limit", 0, "max number of jobs to return (0 = unlimited)")

	return cmd
}

func schedulerList(status string, minPriority, limit int) ([]*types.Job, error) {
	if masterAddr != "" {
		client := rpc.NewClient(masterAddr)
		var resp rpc.SchedulerListResponse
		req := rpc.SchedulerListRequest{Status: types.JobStatus(status), MinPriority: minPriority, Limit: limit}
		if err := client.Call(rpc.OpSchedulerList, req, &resp); err != nil {
			return nil, fmt.Errorf("remote list failed: %w", err)
		}
		return resp.Jobs, nil
	}

	sched, err := localScheduler()
	if err != nil {
		return nil, err
	}
	return sched.ListJobs(types.JobStatus(status), minPriority, limit), nil
}

func buildSchedulerStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <job_id>",
		Short: "Show a job's detailed record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job_id %q: %w", args[0], err)
			}
			job, err := schedulerStatus(types.JobID(id))
			if err != nil {
				return err
			}
			if job == nil {
				fmt.Printf("job %d not found\n", id)
				os.Exit(1)
			}
			printJobDetail(job)
			return nil
		},
	}
	return cmd
}

func schedulerStatus(id types.JobID) (*types.Job, error) {
	if masterAddr != "" {
		client := rpc.NewClient(masterAddr)
		var resp rpc.SchedulerStatusResponse
		if err := client.Call(rpc.OpSchedulerStatus, rpc.SchedulerStatusRequest{JobID: id}, &resp); err != nil {
			return nil, nil // unknown_entity from the server maps to "not found" for the CLI
		}
		return resp.Job, nil
	}

	sched, err := localScheduler()
	if err != nil {
		return nil, err
	}
	return sched.GetJob(id), nil
}

func buildSchedulerCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <job_id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job_id %q: %w", args[0], err)
			}
			return schedulerCancel(types.JobID(id))
		},
	}
	return cmd
}

func schedulerCancel(id types.JobID) error {
	if masterAddr != "" {
		client := rpc.NewClient(masterAddr)
		var resp rpc.SchedulerCancelResponse
		if err := client.Call(rpc.OpSchedulerCancel, rpc.SchedulerCancelRequest{JobID: id}, &resp); err != nil {
			return fmt.Errorf("remote cancel failed: %w", err)
		}
		return nil
	}

	sched, err := localScheduler()
	if err != nil {
		return err
	}
	return sched.CancelJob(id)
}

func buildSchedulerWorkersCommand() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "workers",
		Short: "List registered workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			workers, err := schedulerWorkers(status)
			if err != nil {
				return err
			}
			printWorkersTable(workers)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by worker status")
	return cmd
}

func schedulerWorkers(status string) ([]*types.Worker, error) {
	if masterAddr != "" {
		client := rpc.NewClient(masterAddr)
		var resp rpc.SchedulerWorkersResponse
		if err := client.Call(rpc.OpSchedulerWorkers, rpc.SchedulerWorkersRequest{Status: status}, &resp); err != nil {
			return nil, fmt.Errorf("remote workers failed: %w", err)
		}
		return resp.Workers, nil
	}

	sched, err := localScheduler()
	if err != nil {
		return nil, err
	}
	return sched.ListWorkers(status), nil
}

func buildSchedulerStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			counts, uptime, err := schedulerStats()
			if err != nil {
				return err
			}
			printStats(counts, uptime)
			return nil
		},
	}
	return cmd
}

func schedulerStats() (map[string]int, time.Duration, error) {
	if masterAddr != "" {
		client := rpc.NewClient(masterAddr)
		var resp rpc.SchedulerStatsResponse
		if err := client.Call(rpc.OpSchedulerStats, rpc.SchedulerStatsRequest{}, &resp); err != nil {
			return nil, 0, fmt.Errorf("remote stats failed: %w", err)
		}
		return resp.Counts, time.Duration(resp.Uptime * float64(time.Second)), nil
	}

	sched, err := localScheduler()
	if err != nil {
		return nil, 0, err
	}
	return sched.Stats(), sched.Uptime(), nil
}

// localScheduler returns the process-wide Scheduler, starting one from
// config on first use — mirroring the teacher's lazily-started
// globalCtrl in enqueueJobs, generalized to every scheduler subcommand
// rather than just enqueue.
func localScheduler() (*scheduler.Scheduler, error) {
	if globalSched != nil {
		return globalSched, nil
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	sc := cfg.Controller
	schedCfg := scheduler.DefaultConfig()
	schedCfg.RPCAddress = sc.RPCAddress
	schedCfg.WALPath = sc.WALPath
	schedCfg.SnapshotPath = sc.SnapshotPath
	if sc.WALBufferSize > 0 {
		schedCfg.WALBufferSize = sc.WALBufferSize
	}
	if sc.WALFlushInterval > 0 {
		schedCfg.WALFlushInterval = sc.WALFlushInterval
	}

	sched, err := scheduler.New(schedCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.Start(); err != nil {
		return nil, fmt.Errorf("failed to start scheduler: %w", err)
	}

	globalSched = sched
	return sched, nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &cfg, nil
}

// parseDeadline parses the duration grammar of spec §6.2: "Nh, Nd, Nm,
// or absolute epoch seconds".
func parseDeadline(s string) (time.Time, error) {
	if len(s) > 1 {
		unit := s[len(s)-1]
		if unit == 'h' || unit == 'd' || unit == 'm' {
			n, err := strconv.Atoi(s[:len(s)-1])
			if err != nil {
				return time.Time{}, fmt.Errorf("invalid duration %q", s)
			}
			var d time.Duration
			switch unit {
			case 'h':
				d = time.Duration(n) * time.Hour
			case 'd':
				d = time.Duration(n) * 24 * time.Hour
			case 'm':
				d = time.Duration(n) * time.Minute
			}
			return time.Now().Add(d), nil
		}
	}

	epoch, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid deadline %q: not Nh/Nd/Nm or an epoch seconds value", s)
	}
	return time.Unix(epoch, 0), nil
}

func parseJobIDs(s string) ([]types.JobID, error) {
	parts := strings.Split(s, ",")
	ids := make([]types.JobID, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid job id %q: %w", p, err)
		}
		ids = append(ids, types.JobID(n))
	}
	return ids, nil
}

// parseResources parses spec §6.2's "cpu=N,ram=N,vms=N (all optional)".
func parseResources(s string) (types.ResourceRequirements, error) {
	var r types.ResourceRequirements
	for _, kv := range strings.Split(s, ",") {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return r, fmt.Errorf("invalid resource entry %q, want k=v", kv)
		}
		key, val := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		n, err := strconv.Atoi(val)
		if err != nil {
			return r, fmt.Errorf("invalid value %q for %q: %w", val, key, err)
		}
		switch key {
		case "cpu":
			r.CPU = n
		case "ram":
			r.RAMG = n
		case "vms":
			r.VMs = n
		default:
			return r, fmt.Errorf("unknown resource key %q", key)
		}
	}
	return r, nil
}

func printJobsTable(jobs []*types.Job) {
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "JOB_ID\tNAME\tSTATUS\tPRIORITY\tWORKER")
	for _, j := range jobs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", j.ID, j.Name, j.Status, j.Priority, j.AssignedWorker)
	}
	w.Flush()
}

func printJobDetail(j *types.Job) {
	data, _ := json.MarshalIndent(j, "", "  ")
	fmt.Println(string(data))
}

func printWorkersTable(workers []*types.Worker) {
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "WORKER_ID\tADDRESS\tSTATUS\tUSED_VMS\tMAX_VMS")
	for _, wk := range workers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", wk.ID, wk.Address, wk.Status, wk.Load.UsedVMs, wk.Capabilities.MaxVMs)
	}
	w.Flush()
}

func printStats(counts map[string]int, uptime time.Duration) {
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tCOUNT")
	for _, status := range []types.JobStatus{
		types.JobPending, types.JobQueued, types.JobAssigned, types.JobRunning,
		types.JobCompleted, types.JobFailed, types.JobCancelled,
	} {
		fmt.Fprintf(w, "%s\t%d\n", status, counts[string(status)])
	}
	w.Flush()
	fmt.Printf("uptime: %s\n", uptime.Round(time.Second))
}
