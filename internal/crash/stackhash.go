// ============================================================================
// Fawkes Crash Pipeline — stack normalization and hashing (spec §4.9)
// ============================================================================

package crash

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// MaxFrames bounds the normalized stack kept per crash (spec §4.9 step 1:
// "keep the first N = 16 frames").
const MaxFrames = 16

var offsetSuffix = regexp.MustCompile(`\+0x[0-9a-fA-F]+$|\+\d+$`)

var signalHandlerPattern = regexp.MustCompile(`(?i)(signal|sigaction|sig_handler|__restore_rt|segv_handler)`)

// NormalizeFrames applies the stack normalization rule (spec §4.9 step 1):
// strip trailing numeric/hex offset suffixes per frame, drop every frame
// at or above the first one that looks like a signal-handler trampoline
// (those frames are kernel/libc plumbing, not the crash site), then keep
// at most MaxFrames of what remains.
func NormalizeFrames(raw []string) []string {
	start := 0
	for i, f := range raw {
		if signalHandlerPattern.MatchString(f) {
			start = i + 1
			break
		}
	}
	trimmed := raw[start:]

	out := make([]string, 0, len(trimmed))
	for _, f := range trimmed {
		f = strings.TrimSpace(offsetSuffix.ReplaceAllString(f, ""))
		if f == "" {
			continue
		}
		out = append(out, f)
		if len(out) == MaxFrames {
			break
		}
	}
	return out
}

// StackHash computes stack_hash (spec §4.9 step 2): SHA-256 over the
// normalized frames, newline-joined.
func StackHash(frames []string) string {
	h := sha256.Sum256([]byte(strings.Join(frames, "\n")))
	return hex.EncodeToString(h[:])
}

// Signature computes signature (spec §4.9 step 3): hash of the
// exception code plus the top three normalized frames. Coarser than
// stack_hash — used to group crashes sharing a root cause despite
// minor stack drift.
func Signature(exceptionCode string, frames []string) string {
	top := frames
	if len(top) > 3 {
		top = top[:3]
	}
	h := sha256.New()
	h.Write([]byte(exceptionCode))
	h.Write([]byte("\n"))
	h.Write([]byte(strings.Join(top, "\n")))
	return hex.EncodeToString(h.Sum(nil))
}
