//go:build !linux

package fileutil

import "os"

func syncFile(file *os.File) error {
	return file.Sync()
}
