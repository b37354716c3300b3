//go:build !linux

package linereader

func adviseSequential(uintptr) {}
