//go:build linux

package fileutil

import (
	"os"
	"syscall"
)

func syncFile(file *os.File) error {
	return syscall.Fdatasync(int(file.Fd()))
}
