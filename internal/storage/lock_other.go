//go:build !unix && !windows

package storage

import "os"

// Platforms without advisory file locks fall back to the in-process
// rotation lock only.
func flock(*os.File, bool) error { return nil }

func funlock(*os.File) error { return nil }
