// ============================================================================
// Fawkes Guest Agent entry point
// ============================================================================
//
// File: cmd/fawkes-agent/main.go
// Purpose: guest-side entry point for the crash observation agent (spec
// §4.8, §6.3): a single HTTP/JSON endpoint on 0.0.0.0:9999 the host's VM
// Runner polls once per iteration.
//
// Detecting the actual crash in-guest (attaching a debugger, watching a
// minidump directory, reading an NTSTATUS from a structured exception
// handler) is inherently per-OS and out of scope (spec §1: "guest-
// internal orchestration beyond the narrow agent protocol" is a
// non-goal) — this entrypoint only starts the listener; a real guest
// image wires its OS-specific crash hook to call agent.Server.Report.
// ============================================================================

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fawkes-project/fawkes/internal/agent"
)

func main() {
	addr := "0.0.0.0:9999"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	s := agent.New()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.ListenAndServe(addr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "agent listener stopped: %v\n", err)
		os.Exit(1)
	case <-sigChan:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	}
}
