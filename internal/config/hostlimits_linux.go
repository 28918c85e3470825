//go:build linux

package config

import "golang.org/x/sys/unix"

// processLimit returns the soft RLIMIT_NPROC, or 0 when unlimited or unknown.
func processLimit() uint64 {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NPROC, &rl); err != nil {
		return 0
	}
	if rl.Cur == ^uint64(0) {
		return 0
	}
	return rl.Cur
}
