//go:build !unix

package disk

import "os"

// Non-unix platforms rely on the in-process mutex only.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
