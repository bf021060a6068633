package usbmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"uprelay/internal/constants"
)

type forwardProcess struct {
	cmd   *exec.Cmd
	pid   int
	ports Ports

	readyOnce sync.Once
	ready     chan struct{}

	// done is closed once the process has been reaped; exitCode is valid after.
	done     chan struct{}
	exitCode int
}

func (p *forwardProcess) markReady() {
	p.readyOnce.Do(func() { close(p.ready) })
}

// terminate asks the process to exit and does not wait for it. Platforms
// without SIGTERM get a kill.
func (p *forwardProcess) terminate() {
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = p.cmd.Process.Kill()
	}
}

// spawn starts the forwarding tool and registers it as the current process
// before the exit watcher can run.
func (s *Supervisor) spawn(ports Ports) (*forwardProcess, error) {
	path, err := exec.LookPath(s.tool)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrToolMissing, s.tool, err)
	}

	cmd := exec.Command(path, strconv.Itoa(ports.DevicePort), strconv.Itoa(ports.HostPort))
	cmd.WaitDelay = constants.ProcessWaitDelay

	p := &forwardProcess{
		cmd:   cmd,
		ports: ports,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}

	log := s.log.WithFields(logrus.Fields{
		"host_port":   ports.HostPort,
		"device_port": ports.DevicePort,
	})
	cmd.Stdout = &lineWriter{fn: func(line string) {
		log.WithField("stream", "stdout").Info(line)
		if s.readyPattern != nil && s.readyPattern.MatchString(line) {
			p.markReady()
		}
	}}
	cmd.Stderr = &lineWriter{fn: func(line string) {
		log.WithField("stream", "stderr").Info(line)
	}}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", s.tool, err)
	}
	p.pid = cmd.Process.Pid

	s.mu.Lock()
	s.proc = p
	s.mu.Unlock()

	log.WithField("pid", p.pid).Info("forwarding tool spawned")
	go s.wait(p)
	return p, nil
}

// wait reaps p, clears the handle if p is still current and publishes the exit.
func (s *Supervisor) wait(p *forwardProcess) {
	err := p.cmd.Wait()

	p.exitCode = -1
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}

	s.mu.Lock()
	current := s.proc == p
	if current {
		s.proc = nil
	}
	s.mu.Unlock()
	close(p.done)

	if current {
		s.metrics.SetForwardRunning(false)
	}
	s.metrics.ForwardExit()

	entry := s.log.WithFields(logrus.Fields{
		"pid":       p.pid,
		"exit_code": p.exitCode,
	})
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		entry = entry.WithError(err)
	}
	entry.Info("forwarding tool exited")

	s.events.publish(Event{
		Kind:     EventExited,
		PID:      p.pid,
		ExitCode: p.exitCode,
		Ports:    p.ports,
		Time:     time.Now(),
	})
}

// awaitReady blocks until p is considered ready, exits or ctx ends. With no
// ready pattern and no probe, a process still alive after the ready window
// counts as started.
func (s *Supervisor) awaitReady(ctx context.Context, p *forwardProcess) error {
	window := time.NewTimer(s.readyWindow)
	defer window.Stop()

	var probe <-chan time.Time
	if s.probe {
		ticker := time.NewTicker(constants.ProbeInterval)
		defer ticker.Stop()
		probe = ticker.C
	}

	for {
		select {
		case <-p.ready:
			return nil
		case <-p.done:
			return fmt.Errorf("%w (exit code %d)", ErrExitedEarly, p.exitCode)
		case <-probe:
			if probePort(p.ports.HostPort) {
				return nil
			}
		case <-window.C:
			select {
			case <-p.done:
				return fmt.Errorf("%w (exit code %d)", ErrExitedEarly, p.exitCode)
			default:
			}
			if s.readyPattern == nil && !s.probe {
				return nil
			}
			return fmt.Errorf("%w within %s", ErrNotReady, s.readyWindow)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func probePort(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), constants.ProbeDialTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// lineWriter hands complete lines of subprocess output to fn. A trailing
// partial line is held until its newline arrives.
type lineWriter struct {
	buf []byte
	fn  func(string)
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(w.buf[:i], "\r"))
		w.buf = w.buf[i+1:]
		if line != "" {
			w.fn(line)
		}
	}
	return len(b), nil
}
