// Package capacity reports storage utilization of the working area.
package capacity

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Monitor reports the used fraction of a filesystem in [0, 1].
type Monitor interface {
	UsageFraction() (float64, error)
}

// Func adapts a function to Monitor.
type Func func() (float64, error)

// UsageFraction calls f.
func (f Func) UsageFraction() (float64, error) { return f() }

type statfsFunc func(path string, buf *unix.Statfs_t) error

// FSMonitor measures the filesystem holding Path on every call. Nothing is
// cached so deletions by other units are reflected immediately.
type FSMonitor struct {
	Path   string
	statfs statfsFunc
}

// NewFSMonitor returns a monitor for the filesystem containing path.
func NewFSMonitor(path string) *FSMonitor {
	return &FSMonitor{Path: path, statfs: unix.Statfs}
}

// UsageFraction returns used/total bytes for the filesystem.
func (m *FSMonitor) UsageFraction() (float64, error) {
	var st unix.Statfs_t
	statfs := m.statfs
	if statfs == nil {
		statfs = unix.Statfs
	}
	if err := statfs(m.Path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", m.Path, err)
	}
	return fraction(uint64(st.Blocks), uint64(st.Bfree)), nil
}

// Usage returns total and used bytes for display.
func (m *FSMonitor) Usage() (total, used uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(m.Path, &st); err != nil {
		return 0, 0, fmt.Errorf("statfs %s: %w", m.Path, err)
	}
	bsize := uint64(st.Bsize)
	total = uint64(st.Blocks) * bsize
	used = (uint64(st.Blocks) - uint64(st.Bfree)) * bsize
	return total, used, nil
}

func fraction(blocks, free uint64) float64 {
	if blocks == 0 {
		return 0
	}
	if free > blocks {
		free = blocks
	}
	f := float64(blocks-free) / float64(blocks)
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
