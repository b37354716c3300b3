//go:build linux

package linereader

import "golang.org/x/sys/unix"

// adviseSequential tells the kernel the whole file will be read once,
// front to back.
func adviseSequential(fd uintptr) {
	_ = unix.Fadvise(int(fd), 0, 0, unix.FADV_SEQUENTIAL)
	_ = unix.Fadvise(int(fd), 0, 0, unix.FADV_WILLNEED)
}
