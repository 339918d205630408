// ============================================================================
// Fawkes VM Monitor client — Fast Snapshot Revert (spec §4.7)
// ============================================================================
//
// Package: internal/monitor
// Purpose: the throughput-critical protocol a VM Runner uses to revert
// a VM to a named snapshot. Fast mode: connect to the VM monitor
// endpoint and send exactly three verbs — "stop", "loadvm <name>",
// "cont" — target latency <= 200ms. Slow mode (fallback): full VM
// stop/start, 2-5s.
//
// Deliberately NOT built on the real QEMU/libvirt/vz SDKs seen in the
// example pack (digitalocean/go-qemu, digitalocean/go-libvirt,
// Code-Hex/vz): those wrap the full QMP/libvirt/vz protocol surface,
// but this contract is exactly three text verbs over a narrow
// line-oriented socket (spec §6.5) — adopting one of those libraries
// would pull in a much larger surface than this component exercises.
// Grounded instead on the teacher's plain net.Conn usage style (see
// internal/storage/wal's os.File handling) applied to a socket instead
// of a file.
// ============================================================================

package monitor

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/fawkes-project/fawkes/internal/schederr"
)

// Timeouts named in spec §5: "monitor connect 2s, loadvm 10s".
const (
	ConnectTimeout = 2 * time.Second
	LoadVMTimeout  = 10 * time.Second
	StopTimeout    = 2 * time.Second
	ContTimeout    = 2 * time.Second
)

// Client drives one VM's monitor endpoint. Reverts for a given VM are
// serialized by the caller (spec §5: "each worker keeps a local map
// vm_id -> VMHandle; mutations are serialized per vm_id"), so Client
// itself holds no mutex beyond protecting the connection handle.
type Client struct {
	endpoint string

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

func New(endpoint string) *Client {
	return &Client{endpoint: endpoint}
}

func (c *Client) ensureConn() error {
	if c.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", c.endpoint, ConnectTimeout)
	if err != nil {
		return schederr.WrapTransient("monitor connect", err)
	}
	c.conn = conn
	c.r = bufio.NewReader(conn)
	return nil
}

// sendCommand writes one line and reads one line back within deadline.
// Per spec §6.5, the monitor replies with an OK or error token; a reply
// that doesn't start with "OK" is a rejected command, not a successful
// one, even though the line was read without a socket error.
func (c *Client) sendCommand(cmd string, deadline time.Duration) (string, error) {
	if err := c.ensureConn(); err != nil {
		return "", err
	}
	if err := c.conn.SetDeadline(time.Now().Add(deadline)); err != nil {
		return "", schederr.WrapTransient("monitor set deadline", err)
	}
	if _, err := fmt.Fprintf(c.conn, "%s\n", cmd); err != nil {
		c.closeLocked()
		return "", schederr.WrapTransient("monitor write", err)
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		c.closeLocked()
		return "", schederr.WrapTransient("monitor read", err)
	}
	reply := strings.TrimSpace(line)
	if !strings.HasPrefix(strings.ToUpper(reply), "OK") {
		return reply, schederr.WrapRecoverable(fmt.Sprintf("monitor rejected %q: %s", cmd, reply), nil)
	}
	return reply, nil
}

func (c *Client) closeLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.r = nil
	}
}

// RevertResult carries the per-operation timings used for the
// runner's latency percentiles and fast/slow ratio telemetry.
type RevertResult struct {
	StopDuration   time.Duration
	LoadVMDuration time.Duration
	ContDuration   time.Duration
	Partial        bool // stop succeeded but loadvm/cont did not (spec §4.7)
}

// FastRevert performs the primary revert path: stop -> loadvm <name> ->
// cont. If it fails partway (stop ok, but loadvm/cont fails), Partial
// is set so the caller can fall back to its slow path.
func (c *Client) FastRevert(snapshotName string) (RevertResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var result RevertResult

	start := time.Now()
	if _, err := c.sendCommand("stop", StopTimeout); err != nil {
		return result, err
	}
	result.StopDuration = time.Since(start)

	start = time.Now()
	if _, err := c.sendCommand(fmt.Sprintf("loadvm %s", snapshotName), LoadVMTimeout); err != nil {
		result.Partial = true
		return result, err
	}
	result.LoadVMDuration = time.Since(start)

	start = time.Now()
	if _, err := c.sendCommand("cont", ContTimeout); err != nil {
		result.Partial = true
		return result, err
	}
	result.ContDuration = time.Since(start)

	return result, nil
}

// Close releases the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}
