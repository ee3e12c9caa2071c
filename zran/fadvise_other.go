//go:build !linux

package zran

import "os"

func adviseSequential(*os.File) error { return nil }
