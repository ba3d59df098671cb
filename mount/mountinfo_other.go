//go:build !linux

package mount

import (
	"fmt"

	"github.com/moby/sys/mountinfo"
)

func readMountinfo(path string, filter mountinfo.FilterFunc) ([]*mountinfo.Info, error) {
	return nil, fmt.Errorf("cannot read %s: mountinfo files exist only on Linux", path)
}
