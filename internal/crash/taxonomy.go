package crash

import (
	"regexp"

	"github.com/fawkes-project/fawkes/pkg/types"
)

// Indicators are the signals the taxonomy table and exploitability
// score pattern-match against (spec §4.9 steps 4-5): the exception
// code, the normalized stack, and a handful of coarse corruption
// flags a Symbolizer derives from the crash artifact. Register state
// is not modeled — the guest agent contract (spec §4.8) exposes no
// register dump, only pid/exe/exception/file.
type Indicators struct {
	ExceptionCode  string
	Frames         []string
	NearNullDeref  bool
	StackCorrupted bool
	HeapCorrupted  bool
	WriteWhatWhere bool
	PCControlled   bool
	MultiThreaded  bool
}

type taxonomyRule struct {
	vuln    types.VulnType
	weight  int
	matches func(Indicators) bool
}

// taxonomyTable implements the pattern table in spec §4.9; first
// match wins, and the matched rule's weight is reported as confidence.
// Non-exhaustive by design (spec §4.9: "implementers must expose an
// extension point") — taxonomyTable is that extension point; add a
// rule here for any pattern not yet covered.
var taxonomyTable = []taxonomyRule{
	{types.VulnDoubleFree, 95, func(i Indicators) bool {
		return countMatches(i.Frames, doubleFreePattern) >= 2
	}},
	{types.VulnUseAfterFree, 90, func(i Indicators) bool {
		return i.HeapCorrupted && anyMatch(i.Frames, useAfterFreePattern)
	}},
	{types.VulnFormatString, 85, func(i Indicators) bool {
		return anyMatch(i.Frames, formatStringPattern)
	}},
	{types.VulnPCControl, 80, func(i Indicators) bool { return i.PCControlled }},
	{types.VulnArbitraryWrite, 75, func(i Indicators) bool { return i.WriteWhatWhere }},
	{types.VulnTypeConfusion, 70, func(i Indicators) bool {
		return anyMatch(i.Frames, vtablePattern)
	}},
	{types.VulnRace, 60, func(i Indicators) bool {
		return i.MultiThreaded && i.HeapCorrupted
	}},
	{types.VulnBufferOverflow, 55, func(i Indicators) bool {
		return i.StackCorrupted || anyMatch(i.Frames, overflowSinkPattern)
	}},
	{types.VulnIntegerOverflow, 40, func(i Indicators) bool {
		return anyMatch(i.Frames, integerOverflowPattern)
	}},
	{types.VulnNullDeref, 20, func(i Indicators) bool { return i.NearNullDeref }},
}

var (
	doubleFreePattern      = regexp.MustCompile(`(?i)(^|[^a-z0-9])free([^a-z0-9]|$)`)
	useAfterFreePattern    = regexp.MustCompile(`(?i)(use.after.free|freed|dangling)`)
	formatStringPattern    = regexp.MustCompile(`%n|%s|printf|format`)
	vtablePattern          = regexp.MustCompile(`(?i)(vtable|dispatch|vcall)`)
	overflowSinkPattern    = regexp.MustCompile(`(?i)(strcpy|memcpy|sprintf|gets|overflow)`)
	integerOverflowPattern = regexp.MustCompile(`(?i)(overflow|wraparound|int_add|int_mul)`)
	writeWhatWherePattern  = regexp.MustCompile(`(?i)(write.what.where|controlled.write|arbitrary.write)`)
	pcControlPattern       = regexp.MustCompile(`(?i)(pc.control|rip.control|return.oriented|controlled.return)`)
	threadPattern          = regexp.MustCompile(`(?i)(thread|pthread_)`)
	nearNullPattern        = regexp.MustCompile(`(?i)(null|0x0+\b)`)
)

func anyMatch(frames []string, re *regexp.Regexp) bool {
	for _, f := range frames {
		if re.MatchString(f) {
			return true
		}
	}
	return false
}

func countMatches(frames []string, re *regexp.Regexp) int {
	n := 0
	for _, f := range frames {
		if re.MatchString(f) {
			n++
		}
	}
	return n
}

// Classify applies the taxonomy table (spec §4.9 step 4). Falls
// through to VulnUnknown with zero confidence when nothing matches.
func Classify(ind Indicators) (types.VulnType, int) {
	for _, rule := range taxonomyTable {
		if rule.matches(ind) {
			return rule.vuln, rule.weight
		}
	}
	return types.VulnUnknown, 0
}
