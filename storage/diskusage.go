package storage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DiskUsage returns the percentage of used blocks on the filesystem that
// holds dir.
func DiskUsage(dir string) (float64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, fmt.Errorf("statfs %q: %w", dir, err)
	}
	all := stat.Blocks * uint64(stat.Bsize)
	if all == 0 {
		return 0, nil
	}
	free := stat.Bavail * uint64(stat.Bsize)
	return float64(all-free) / float64(all) * 100, nil
}

// DiskGuard refuses uploads once the filesystem holding Dir is more than
// MaxPercent full. A zero MaxPercent disables the check.
type DiskGuard struct {
	Dir        string
	MaxPercent float64

	// Usage defaults to DiskUsage.
	Usage func(dir string) (float64, error)
}

// Full reports whether new blobs should be refused.
func (g *DiskGuard) Full() (bool, error) {
	if g == nil || g.MaxPercent <= 0 {
		return false, nil
	}
	usage := g.Usage
	if usage == nil {
		usage = DiskUsage
	}
	used, err := usage(g.Dir)
	if err != nil {
		return false, err
	}
	return used > g.MaxPercent, nil
}
