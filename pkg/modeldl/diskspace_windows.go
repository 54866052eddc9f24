// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

//go:build windows

package modeldl

import "golang.org/x/sys/windows"

// freeDiskSpace returns the bytes available to unprivileged callers on the
// volume containing path.
func freeDiskSpace(path string) (int64, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	var avail, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(p, &avail, &total, &free); err != nil {
		return 0, err
	}
	return int64(avail), nil
}
