package security

import (
	"uprelay/internal/constants"
)

// HasRoomFor reports whether size more bytes fit in dir while keeping the
// reserve free. An unreadable volume is treated as having room.
func HasRoomFor(dir string, size int64) bool {
	if size <= 0 {
		return true
	}
	free, err := FreeSpace(dir)
	if err != nil {
		return true
	}
	return free >= uint64(size)+constants.MinDiskSpaceRequired
}
