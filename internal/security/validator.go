package security

import (
	"path/filepath"
	"strings"
)

const maxExtensionLength = 16

// ValidatePort checks if port is valid
func ValidatePort(port int) bool {
	return port > 0 && port <= 65535
}

// SanitizeExtension returns the extension of an untrusted client filename as
// sent, including the dot, or "" when it holds anything but ASCII letters and
// digits.
func SanitizeExtension(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	ext := filepath.Ext(filepath.Base(name))
	if len(ext) < 2 || len(ext) > maxExtensionLength {
		return ""
	}
	for _, r := range ext[1:] {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return ""
		}
	}
	return ext
}
