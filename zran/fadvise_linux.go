//go:build linux

package zran

import (
	"os"

	"golang.org/x/sys/unix"
)

// adviseSequential tells the kernel that a path-opened file is read in long
// forward runs from scattered starting offsets.
func adviseSequential(f *os.File) error {
	return unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_SEQUENTIAL)
}
