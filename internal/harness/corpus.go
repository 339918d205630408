package harness

import (
	"context"
	"os"
	"path/filepath"
	"sort"
)

// TestcaseSource supplies the opaque testcase byte stream a Harness's
// pool pulls from. Fuzzer-format mutation libraries are explicitly
// out of scope (spec §1: "their outputs are treated as opaque
// testcase bytes") — TestcaseSource is the extension point a real
// mutation engine plugs into; DirectoryCorpus below is a minimal
// stand-in so a job can still run end to end without one.
type TestcaseSource interface {
	Next(ctx context.Context) (testcase []byte, ok bool)
}

// DirectoryCorpus cycles indefinitely through the files in a seed
// corpus directory. A job's opaque Config blob is interpreted as that
// directory's path.
type DirectoryCorpus struct {
	files []string
	idx   int
}

func NewDirectoryCorpus(dir string) (*DirectoryCorpus, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return &DirectoryCorpus{files: files}, nil
}

func (c *DirectoryCorpus) Next(ctx context.Context) ([]byte, bool) {
	if len(c.files) == 0 {
		return nil, false
	}
	select {
	case <-ctx.Done():
		return nil, false
	default:
	}
	path := c.files[c.idx%len(c.files)]
	c.idx++
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

// pumpCorpus feeds a TestcaseSource into a Harness's producer until the
// source is exhausted or ctx ends. It never closes the producer itself
// — Harness.Stop is the producer's sole owner of Close, so a
// cancelled/deadline ctx here and a concurrent Stop elsewhere can never
// race to close the same channel twice.
func pumpCorpus(ctx context.Context, source TestcaseSource, h *Harness) {
	for {
		tc, ok := source.Next(ctx)
		if !ok {
			return
		}
		if err := h.Submit(ctx, tc); err != nil {
			return
		}
	}
}
