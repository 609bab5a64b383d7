// Package extsort implements an external N-way merge sort over opaque
// byte-array items, backed by temporary virtual files so the working
// set stays bounded to roughly (mergeWays+1)*PAGE_SIZE regardless of
// input size (spec §4.6).
package extsort

import (
	"sort"

	"github.com/relkit/coredb/internal/storage/fileman"
	"github.com/relkit/coredb/internal/storage/page"
)

// CompareFunc orders two items; extsort never inspects their contents
// beyond passing them here (spec §4.6: "plain byte arrays with
// caller-known interpretation").
type CompareFunc func(a, b []byte) int

// InputIterator supplies unsorted items; it need not be rewindable.
type InputIterator interface {
	Next() (item []byte, ok bool, err error)
}

// Sorter holds the parameters of one sort: the temp-file source and the
// merge fan-out N (spec's merge_ways).
type Sorter struct {
	mgr       *fileman.Manager
	mergeWays int
	cmp       CompareFunc
}

// New builds a Sorter. mergeWays must be at least 2.
func New(mgr *fileman.Manager, mergeWays int, cmp CompareFunc) *Sorter {
	if mergeWays < 2 {
		mergeWays = 2
	}
	return &Sorter{mgr: mgr, mergeWays: mergeWays, cmp: cmp}
}

// Sort drains input, forms initial runs, repeatedly merges mergeWays
// runs at a time until one remains, and returns a rewindable output
// iterator over the fully sorted sequence (spec §4.6's three-stage
// algorithm).
func (s *Sorter) Sort(input InputIterator) (*Output, error) {
	fileA, err := s.mgr.CreateFile(true)
	if err != nil {
		return nil, err
	}
	runs, err := s.formInitialRuns(fileA, input)
	if err != nil {
		return nil, err
	}

	cur := fileA
	for len(runs) > 1 {
		next, err := s.mgr.CreateFile(true)
		if err != nil {
			return nil, err
		}
		merged, err := s.mergePass(cur, next, runs)
		if err != nil {
			return nil, err
		}
		if err := cur.Close(); err != nil {
			return nil, err
		}
		cur, runs = next, merged
	}

	final := run{start: page.InvalidID, end: page.InvalidID}
	if len(runs) == 1 {
		final = runs[0]
	}
	return newOutput(cur, final), nil
}

// formInitialRuns buffers items in memory until their total size would
// exceed mergeWays*PAGE_SIZE, sorts the buffer, and spills it as one run
// (spec §4.6 step 1).
func (s *Sorter) formInitialRuns(f *fileman.File, input InputIterator) ([]run, error) {
	budget := s.mergeWays * page.Capacity()
	var runs []run
	var buf [][]byte
	bufBytes := 0

	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		sort.Slice(buf, func(i, j int) bool { return s.cmp(buf[i], buf[j]) < 0 })
		r, err := writeRun(f, buf)
		if err != nil {
			return err
		}
		runs = append(runs, r)
		buf, bufBytes = nil, 0
		return nil
	}

	for {
		item, ok, err := input.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if len(buf) > 0 && bufBytes+len(item) > budget {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		buf = append(buf, item)
		bufBytes += len(item)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return runs, nil
}

// mergePass merges runs in batches of mergeWays, reading from src and
// writing the merged output runs into dst (spec §4.6 step 2).
func (s *Sorter) mergePass(src, dst *fileman.File, runs []run) ([]run, error) {
	var out []run
	for i := 0; i < len(runs); i += s.mergeWays {
		end := i + s.mergeWays
		if end > len(runs) {
			end = len(runs)
		}
		r, err := s.mergeGroup(src, dst, runs[i:end])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
