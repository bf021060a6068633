package usbmux

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"uprelay/internal/constants"
)

// Runner executes a command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// detect asks the device listing tool first and falls back to the OS USB
// listing. Any command failure counts as "no device".
func (s *Supervisor) detect(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, constants.DetectTimeout)
	defer cancel()

	list := constants.DeviceListCommand
	out, err := s.run(ctx, list[0], list[1:]...)
	if err == nil && len(bytes.TrimSpace(out)) > 0 {
		s.log.WithField("devices", strings.Fields(string(out))).Debug("device listed")
		return true
	}
	s.log.WithError(err).Debug("device listing empty, scanning USB tree")

	usb := constants.USBListCommand
	out, err = s.run(ctx, usb[0], usb[1:]...)
	if err != nil {
		s.log.WithError(err).Debug("USB listing failed")
		return false
	}
	return scanUSBListing(out, constants.DeviceMarker)
}

// scanUSBListing reports whether a serial number line appears on, or within
// a fixed number of lines after, a line mentioning marker.
func scanUSBListing(out []byte, marker string) bool {
	window := 0
	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, marker) {
			window = constants.DeviceSerialLookahead + 1
		}
		if window == 0 {
			continue
		}
		if strings.Contains(line, constants.DeviceSerialMarker) {
			return true
		}
		window--
	}
	return false
}
