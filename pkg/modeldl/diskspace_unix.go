// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

//go:build !windows

package modeldl

import "golang.org/x/sys/unix"

// freeDiskSpace returns the bytes available to unprivileged callers on the
// volume containing path.
func freeDiskSpace(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
