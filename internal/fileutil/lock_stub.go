//go:build !unix

package fileutil

import "os"

// Non-unix platforms only get the in-process mutex.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
