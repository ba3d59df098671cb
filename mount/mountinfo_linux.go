//go:build linux

package mount

import (
	"os"

	"github.com/moby/sys/mountinfo"
)

// readMountinfo parses a file in /proc/self/mountinfo format.
func readMountinfo(path string, filter mountinfo.FilterFunc) ([]*mountinfo.Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return mountinfo.GetMountsFromReader(f, filter)
}
