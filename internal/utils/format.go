package utils

import (
	"fmt"

	"uprelay/internal/constants"
)

func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

// FormatStatus returns a one-line coloured status string for the terminal.
func FormatStatus(label string, on bool) string {
	if on {
		return fmt.Sprintf("%s%s●%s %s", constants.ColorBold, constants.ColorGreen, constants.ColorReset, label)
	}
	return fmt.Sprintf("%s●%s %s%s%s", constants.ColorRed, constants.ColorReset, constants.ColorDim, label, constants.ColorReset)
}
