package utils

import (
	"fmt"
	"strconv"
	"strings"

	"uprelay/internal/constants"
)

// ParsePort parses a decimal TCP port. An empty string yields the fallback.
func ParsePort(arg string, fallback int) (int, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return fallback, nil
	}

	p, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("invalid port number: %s", arg)
	}

	if p < constants.MinPort || p > constants.MaxPort {
		return 0, fmt.Errorf("port number out of range: %d", p)
	}

	return p, nil
}
