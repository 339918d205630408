// ============================================================================
// Fawkes Crash Pipeline — per-worker triage (spec §4.9)
// ============================================================================
//
// Package: internal/crash
// Purpose: steps 1-6 of the per-worker crash pipeline: normalize,
// hash, classify, score, and derive severity. Step 7 (submit to the
// global store via RPC, which dedups by stack_hash) is the caller's
// job — internal/harness calls BuildRecord and then ships the result
// over internal/rpc's REPORT_CRASH.
//
// Grounded on the teacher's worker.go result-construction style
// (internal/worker/worker.go's Result{} assembly after execute());
// hashing and pattern-matching are stdlib crypto/sha256 and regexp —
// the taxonomy table in spec §4.9 is a closed-form pattern match with
// no natural library surface to delegate to.
// ============================================================================

package crash

import (
	"fmt"
	"os"
	"strings"

	"github.com/fawkes-project/fawkes/pkg/types"
)

// LinuxSegfaultCode is the stand-in NTSTATUS-shaped exception code
// the guest agent reports for a Linux core dump (spec §6.3, §9 Open
// Question: preserved verbatim, not a real NTSTATUS).
const LinuxSegfaultCode = "0xC0000005"

// Observation is the subset of an agent poll result the pipeline
// needs to build a crash record; kept separate from internal/agent's
// wire-format Observation so this package does not import internal/agent
// (internal/harness depends on both and converts between them).
type Observation struct {
	PID           int
	Exe           string
	ExceptionCode string
	ArtifactPath  string
}

// Symbolizer turns a crash artifact path into the indicators the
// taxonomy table and exploitability score match against. The guest
// agent's own contract (spec §4.8) stops at pid/exe/exception/file —
// everything past that is "implemented per-OS"; Symbolizer is the
// extension point a concrete per-OS backend plugs into.
type Symbolizer interface {
	Symbolize(artifactPath string) (Indicators, error)
}

// FileSymbolizer is the default, OS-agnostic stand-in: it treats the
// artifact as a newline-delimited list of frame names (one frame per
// line) and derives indicators by pattern-matching those lines. Real
// per-OS backends (core-dump parsers, minidump readers) implement the
// same interface against their native crash-artifact format.
type FileSymbolizer struct{}

func (FileSymbolizer) Symbolize(artifactPath string) (Indicators, error) {
	raw, err := os.ReadFile(artifactPath)
	if err != nil {
		return Indicators{}, fmt.Errorf("crash: read artifact %s: %w", artifactPath, err)
	}

	var frames []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			frames = append(frames, line)
		}
	}

	return Indicators{
		Frames:         frames,
		StackCorrupted: anyMatch(frames, overflowSinkPattern),
		HeapCorrupted:  anyMatch(frames, useAfterFreePattern) || countMatches(frames, doubleFreePattern) >= 2,
		WriteWhatWhere: anyMatch(frames, writeWhatWherePattern),
		PCControlled:   anyMatch(frames, pcControlPattern),
		MultiThreaded:  countMatches(frames, threadPattern) > 1,
		NearNullDeref:  anyMatch(frames, nearNullPattern),
	}, nil
}

// Pipeline runs the per-worker crash-triage stage (spec §4.9 steps 1-6).
type Pipeline struct {
	Symbolizer Symbolizer
}

func NewPipeline(sym Symbolizer) *Pipeline {
	if sym == nil {
		sym = FileSymbolizer{}
	}
	return &Pipeline{Symbolizer: sym}
}

// BuildRecord runs the full pipeline on one observed crash and
// returns a record ready to ship via REPORT_CRASH. CrashID and the
// duplicate fields are left zero — the store assigns those on
// RecordCrash (spec §4.9 step 7).
func (p *Pipeline) BuildRecord(jobID types.JobID, workerID string, obs Observation, testcase []byte, observedAtMs int64) *types.CrashRecord {
	ind, err := p.Symbolizer.Symbolize(obs.ArtifactPath)
	if err != nil {
		ind = Indicators{}
	}
	ind.ExceptionCode = obs.ExceptionCode

	frames := NormalizeFrames(ind.Frames)
	vulnType, _ := Classify(ind)
	score := Score(ind)

	return &types.CrashRecord{
		JobID:               jobID,
		WorkerID:            workerID,
		Timestamp:           observedAtMs,
		PID:                 obs.PID,
		Exe:                 obs.Exe,
		ExceptionCode:       obs.ExceptionCode,
		TestcaseBytes:       testcase,
		StackFrames:         frames,
		StackHash:           StackHash(frames),
		Signature:           Signature(obs.ExceptionCode, frames),
		Severity:            types.SeverityFromScore(score),
		ExploitabilityScore: score,
		VulnType:            vulnType,
	}
}
