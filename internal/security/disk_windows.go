//go:build windows

package security

import (
	"golang.org/x/sys/windows"
)

// FreeSpace reports the bytes available to the caller on the volume holding dir.
func FreeSpace(dir string) (uint64, error) {
	pathPtr, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return 0, err
	}

	var freeBytes uint64
	if err := windows.GetDiskFreeSpaceEx(pathPtr, &freeBytes, nil, nil); err != nil {
		return 0, err
	}

	return freeBytes, nil
}
