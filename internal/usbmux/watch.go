package usbmux

import (
	"context"
	"time"
)

// StartDeviceWatch checks for a device now and then every check interval,
// passing each result to fn. Any previous watch is stopped first. fn runs on
// the watcher goroutine and must not call StopDeviceWatch.
func (s *Supervisor) StartDeviceWatch(fn func(connected bool)) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	s.stopWatchLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.watchCancel = cancel
	s.watchDone = done

	go func() {
		defer close(done)

		check := func() {
			connected := s.DeviceConnected(ctx)
			if ctx.Err() != nil {
				return
			}
			fn(connected)
		}

		check()

		ticker := time.NewTicker(s.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				check()
			}
		}
	}()

	s.log.WithField("interval", s.checkInterval).Debug("device watch started")
}

// StopDeviceWatch cancels the watch and waits for its goroutine, so fn is
// never called after it returns.
func (s *Supervisor) StopDeviceWatch() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	s.stopWatchLocked()
}

func (s *Supervisor) stopWatchLocked() {
	if s.watchCancel == nil {
		return
	}
	s.watchCancel()
	<-s.watchDone
	s.watchCancel = nil
	s.watchDone = nil
	s.log.Debug("device watch stopped")
}
