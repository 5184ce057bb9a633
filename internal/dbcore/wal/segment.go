package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// segmentFileName returns the canonical name of the segment whose first
// entry has the given LSN, per spec.md §6: zero-padded hex, .wal extension.
func segmentFileName(firstLSN uint64) string {
	return fmt.Sprintf("%016x.wal", firstLSN)
}

// parseSegmentFileName extracts the first-LSN from a segment file name.
func parseSegmentFileName(name string) (uint64, bool) {
	if !strings.HasSuffix(name, ".wal") {
		return 0, false
	}
	base := strings.TrimSuffix(name, ".wal")
	v, err := strconv.ParseUint(base, 16, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// segmentInfo is one row of the segment manifest: a sealed (or active)
// segment file and the LSN range it covers.
//
// Kept explicit per the segment-manifest supplement in SPEC_FULL.md §3,
// grounded on original_source's replication/wal.rs segment tracking, so the
// checkpoint coordinator and log shipper can reason about retirement
// without re-scanning the data directory.
type segmentInfo struct {
	FirstLSN uint64
	LastLSN  uint64 // 0 while the segment is still active (unsealed)
	Path     string
}

// SegmentManifest is the ordered, in-memory list of known segment files.
type SegmentManifest struct {
	dir      string
	segments []segmentInfo
}

func newSegmentManifest(dir string) *SegmentManifest {
	return &SegmentManifest{dir: dir}
}

// scan rebuilds the manifest from the files present in dir, ordered by
// first LSN ascending.
func (m *SegmentManifest) scan() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("scanning wal directory %s: %w", m.dir, err)
	}

	var found []segmentInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		firstLSN, ok := parseSegmentFileName(e.Name())
		if !ok {
			continue
		}
		found = append(found, segmentInfo{FirstLSN: firstLSN, Path: filepath.Join(m.dir, e.Name())})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].FirstLSN < found[j].FirstLSN })
	m.segments = found
	return nil
}

// append records a newly opened segment as the manifest's tail.
func (m *SegmentManifest) append(s segmentInfo) {
	m.segments = append(m.segments, s)
}

// seal records the last LSN actually written to the named segment.
func (m *SegmentManifest) seal(firstLSN, lastLSN uint64) {
	for i := range m.segments {
		if m.segments[i].FirstLSN == firstLSN {
			m.segments[i].LastLSN = lastLSN
			return
		}
	}
}

// segmentsBelow returns the paths of sealed segments whose entire LSN
// range is <= upToLSN, i.e. archivable/removable after a checkpoint.
func (m *SegmentManifest) segmentsBelow(upToLSN uint64) []string {
	var out []string
	for _, s := range m.segments {
		if s.LastLSN != 0 && s.LastLSN <= upToLSN {
			out = append(out, s.Path)
		}
	}
	return out
}

// segmentContaining returns the segment whose range could contain lsn
// (the last segment whose FirstLSN <= lsn), or false if none exists.
func (m *SegmentManifest) segmentContaining(lsn uint64) (segmentInfo, bool) {
	var best segmentInfo
	found := false
	for _, s := range m.segments {
		if s.FirstLSN <= lsn {
			best = s
			found = true
		}
	}
	return best, found
}

// all returns a copy of the manifest's segments, oldest first.
func (m *SegmentManifest) all() []segmentInfo {
	out := make([]segmentInfo, len(m.segments))
	copy(out, m.segments)
	return out
}
