package usbmux

import "errors"

var (
	ErrForwardActive     = errors.New("port forwarding is running, stop it first")
	ErrAlreadyForwarding = errors.New("a forwarding process is already running")
	ErrToolMissing       = errors.New("forwarding tool not found")
	ErrExitedEarly       = errors.New("forwarding tool exited during startup")
	ErrNotReady          = errors.New("forwarding tool did not become ready")
	ErrInvalidPort       = errors.New("invalid port")
	ErrHostPortBusy      = errors.New("host port already in use")
)
