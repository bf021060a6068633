package usbmux

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"uprelay/internal/constants"
	"uprelay/internal/logger"
	"uprelay/internal/metrics"
	"uprelay/internal/security"
)

// Ports maps a port on the attached device to a port on this host.
type Ports struct {
	HostPort   int `json:"hostPort"`
	DevicePort int `json:"devicePort"`
}

type Status struct {
	ForwardProcessRunning bool `json:"forwardProcessRunning"`
	ServerRunning         bool `json:"serverRunning"`
	DeviceConnected       bool `json:"deviceConnected"`
	HostPort              int  `json:"hostPort"`
	DevicePort            int  `json:"devicePort"`
	PID                   int  `json:"pid,omitempty"`
}

// Supervisor owns at most one forwarding subprocess and the periodic device
// check.
type Supervisor struct {
	// opMu serialises start, stop and port changes.
	opMu sync.Mutex

	mu    sync.RWMutex
	ports Ports
	proc  *forwardProcess

	serverRunning   atomic.Bool
	deviceConnected atomic.Bool

	watchMu     sync.Mutex
	watchCancel context.CancelFunc
	watchDone   chan struct{}

	events broadcaster

	tool          string
	readyWindow   time.Duration
	readyPattern  *regexp.Regexp
	probe         bool
	checkInterval time.Duration
	run           Runner
	log           logrus.FieldLogger
	metrics       *metrics.Metrics
}

type Option func(*Supervisor)

// WithTool sets the forwarding executable, looked up on PATH at spawn time.
func WithTool(name string) Option {
	return func(s *Supervisor) { s.tool = name }
}

func WithPorts(hostPort, devicePort int) Option {
	return func(s *Supervisor) { s.ports = Ports{HostPort: hostPort, DevicePort: devicePort} }
}

func WithReadyWindow(d time.Duration) Option {
	return func(s *Supervisor) { s.readyWindow = d }
}

// WithReadyPattern makes startup wait for an output line matching re.
func WithReadyPattern(re *regexp.Regexp) Option {
	return func(s *Supervisor) { s.readyPattern = re }
}

// WithPortProbe makes startup wait until the host port accepts connections.
func WithPortProbe(enabled bool) Option {
	return func(s *Supervisor) { s.probe = enabled }
}

func WithCheckInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.checkInterval = d }
}

// WithRunner replaces the command runner used for device detection.
func WithRunner(r Runner) Option {
	return func(s *Supervisor) { s.run = r }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Supervisor) { s.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		tool:          constants.DefaultForwardTool,
		ports:         Ports{HostPort: constants.DefaultHostPort, DevicePort: constants.DefaultDevicePort},
		readyWindow:   constants.DefaultReadyWindow,
		checkInterval: constants.DefaultCheckInterval,
		run:           execRunner,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.readyWindow <= 0 {
		s.readyWindow = constants.DefaultReadyWindow
	}
	if s.checkInterval <= 0 {
		s.checkInterval = constants.DefaultCheckInterval
	}
	s.ports = defaultPorts(s.ports)
	s.log = logger.Or(s.log).WithField("component", "usbmux")
	return s
}

func (s *Supervisor) Tool() string {
	return s.tool
}

// ToolInstalled reports whether the forwarding executable is on PATH.
func (s *Supervisor) ToolInstalled() bool {
	_, err := exec.LookPath(s.tool)
	return err == nil
}

// DeviceConnected probes for an attached device and caches the answer for
// Status.
func (s *Supervisor) DeviceConnected(ctx context.Context) bool {
	connected := s.detect(ctx)
	if ctx.Err() != nil {
		// A cancelled check says nothing about the device.
		return false
	}
	s.deviceConnected.Store(connected)
	s.metrics.DeviceCheck(connected)
	return connected
}

// StartForwarding spawns the forwarding tool with the stored ports. It is a
// no-op when a process is already running.
func (s *Supervisor) StartForwarding(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.forwarding() {
		s.log.Debug(constants.MsgForwardRunning)
		return nil
	}
	return s.startLocked(ctx, s.Ports())
}

// StartForwardingWith bypasses the stored ports, for manual debugging. On
// success the given ports become the stored ones.
func (s *Supervisor) StartForwardingWith(ctx context.Context, devicePort, hostPort int) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.forwarding() {
		return ErrAlreadyForwarding
	}
	if !security.ValidatePort(devicePort) || !security.ValidatePort(hostPort) {
		return fmt.Errorf("%w: device %d, host %d", ErrInvalidPort, devicePort, hostPort)
	}

	ports := Ports{HostPort: hostPort, DevicePort: devicePort}
	if err := s.startLocked(ctx, ports); err != nil {
		return err
	}

	s.mu.Lock()
	s.ports = ports
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) startLocked(ctx context.Context, ports Ports) error {
	s.log.WithFields(logrus.Fields{
		"tool":        s.tool,
		"device_port": ports.DevicePort,
		"host_port":   ports.HostPort,
	}).Info("starting port forwarding")

	// The probe cannot tell the tool's listener from one that was already
	// there, such as the relay on the same port.
	if s.probe && probePort(ports.HostPort) {
		s.metrics.ForwardStart("error")
		return fmt.Errorf("%w: 127.0.0.1:%d", ErrHostPortBusy, ports.HostPort)
	}

	p, err := s.spawn(ports)
	if err != nil {
		s.metrics.ForwardStart("error")
		s.log.WithError(err).Error("failed to start port forwarding")
		return err
	}

	if err := s.awaitReady(ctx, p); err != nil {
		s.stopLocked()
		s.metrics.ForwardStart("failed")
		s.log.WithError(err).WithField("pid", p.pid).Error("port forwarding did not come up")
		return err
	}

	s.metrics.ForwardStart("ok")
	if !s.markStarted(p) {
		s.log.WithField("pid", p.pid).Warn("port forwarding exited right after starting")
		return nil
	}
	s.log.WithField("pid", p.pid).Info(constants.MsgForwardStarted)
	return nil
}

// markStarted records p as running unless it has already exited, in which
// case its exit has been published and no start may follow it.
func (s *Supervisor) markStarted(p *forwardProcess) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc != p {
		return false
	}
	s.metrics.SetForwardRunning(true)
	s.events.publish(Event{
		Kind:  EventStarted,
		PID:   p.pid,
		Ports: p.ports,
		Time:  time.Now(),
	})
	return true
}

// StopForwarding signals the current process and forgets it without waiting
// for it to exit. It reports whether a process was running.
func (s *Supervisor) StopForwarding() bool {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stopLocked()
}

func (s *Supervisor) stopLocked() bool {
	s.mu.Lock()
	p := s.proc
	s.proc = nil
	s.mu.Unlock()

	if p == nil {
		return false
	}

	p.terminate()
	s.metrics.SetForwardRunning(false)
	s.log.WithField("pid", p.pid).Info(constants.MsgForwardStopped)
	return true
}

// ConfigurePorts replaces the stored ports. Zero means the default port.
func (s *Supervisor) ConfigurePorts(hostPort, devicePort int) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.forwarding() {
		return ErrForwardActive
	}

	ports := defaultPorts(Ports{HostPort: hostPort, DevicePort: devicePort})
	if !security.ValidatePort(ports.HostPort) || !security.ValidatePort(ports.DevicePort) {
		return fmt.Errorf("%w: host %d, device %d", ErrInvalidPort, ports.HostPort, ports.DevicePort)
	}

	s.mu.Lock()
	s.ports = ports
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"host_port":   ports.HostPort,
		"device_port": ports.DevicePort,
	}).Info(constants.MsgPortsUpdated)
	return nil
}

func (s *Supervisor) Ports() Ports {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ports
}

func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		ForwardProcessRunning: s.proc != nil,
		ServerRunning:         s.serverRunning.Load(),
		DeviceConnected:       s.deviceConnected.Load(),
		HostPort:              s.ports.HostPort,
		DevicePort:            s.ports.DevicePort,
	}
	if s.proc != nil {
		st.PID = s.proc.pid
	}
	return st
}

// SetServerRunning records whether the upload relay is listening. It only
// feeds Status.
func (s *Supervisor) SetServerRunning(running bool) {
	s.serverRunning.Store(running)
}

// Subscribe returns a channel of process lifecycle events and a function that
// unsubscribes and closes it.
func (s *Supervisor) Subscribe() (<-chan Event, func()) {
	return s.events.subscribe()
}

// Cleanup stops forwarding and the device watch. Call it on shutdown.
func (s *Supervisor) Cleanup() {
	s.StopForwarding()
	s.StopDeviceWatch()
}

func (s *Supervisor) forwarding() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proc != nil
}

func defaultPorts(p Ports) Ports {
	if p.HostPort == 0 {
		p.HostPort = constants.DefaultHostPort
	}
	if p.DevicePort == 0 {
		p.DevicePort = constants.DefaultDevicePort
	}
	return p
}
