package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"uprelay/internal/constants"
	"uprelay/internal/logger"
	"uprelay/internal/metrics"
	"uprelay/internal/utils"
)

type State string

const (
	StateUnconfigured State = "unconfigured"
	StateConfigured   State = "configured"
	StateRunning      State = "running"
	StateStopped      State = "stopped"
)

// RunningNotifier is told whenever the relay starts or stops listening.
type RunningNotifier interface {
	SetServerRunning(running bool)
}

// BindError is returned by Start when the listening socket cannot be opened.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to listen on %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

type StartResult struct {
	AlreadyRunning bool     `json:"alreadyRunning,omitempty"`
	Port           int      `json:"port"`
	UploadDir      string   `json:"uploadDir"`
	LocalURL       string   `json:"localUrl"`
	NetworkURLs    []string `json:"networkUrls"`
}

type StopResult struct {
	WasRunning bool `json:"wasRunning"`
}

type Info struct {
	Running   bool   `json:"running"`
	State     State  `json:"state"`
	Port      int    `json:"port"`
	UploadDir string `json:"uploadDir"`
}

// Server is the upload relay. The zero value is not usable; call New.
type Server struct {
	// opMu serialises Configure, Start and Stop.
	opMu sync.Mutex

	mu         sync.RWMutex
	state      State
	cfg        Config
	active     Config
	handler    http.Handler
	httpServer *http.Server
	listener   net.Listener

	// draining holds servers whose listener is closed but whose accepted
	// connections may still be running.
	draining map[*http.Server]struct{}
	drainWG  sync.WaitGroup

	notifier RunningNotifier
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
	journal  *logger.Journal
}

type Option func(*Server)

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Server) { s.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithJournal(j *logger.Journal) Option {
	return func(s *Server) { s.journal = j }
}

// New returns an unconfigured relay. notifier may be nil.
func New(notifier RunningNotifier, opts ...Option) *Server {
	s := &Server{
		state:    StateUnconfigured,
		notifier: notifier,
		draining: make(map[*http.Server]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.Or(s.log).WithField("component", "relay")
	return s
}

// Configure resolves opts, creates the upload directory and builds a fresh
// handler chain. A running server keeps serving its old configuration until
// the next Start.
func (s *Server) Configure(opts Options) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.configure(opts)
}

func (s *Server) configure(opts Options) error {
	cfg, err := resolveConfig(opts)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.UploadDir, 0755); err != nil {
		return fmt.Errorf("failed to create upload directory: %w", err)
	}
	if abs, err := filepath.Abs(cfg.UploadDir); err == nil {
		cfg.UploadDir = abs
	}

	handler, err := newRouter(cfg, s.log, s.metrics, s.journal)
	if err != nil {
		return fmt.Errorf("failed to build handlers: %w", err)
	}

	s.mu.Lock()
	s.cfg = cfg
	s.handler = handler
	if s.state == StateUnconfigured {
		s.state = StateConfigured
	}
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"port":       cfg.Port,
		"upload_dir": cfg.UploadDir,
	}).Debug("relay configured")
	return nil
}

// Start binds the configured address and begins serving. It is idempotent;
// a bind failure is returned as *BindError and leaves the relay stopped.
func (s *Server) Start(ctx context.Context) (StartResult, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.RLock()
	state, active := s.state, s.active
	s.mu.RUnlock()

	if state == StateRunning {
		return StartResult{
			AlreadyRunning: true,
			Port:           active.Port,
			UploadDir:      active.UploadDir,
			LocalURL:       utils.HTTPURL("localhost", active.Port),
			NetworkURLs:    utils.NetworkURLs(active.Port),
		}, nil
	}

	if state == StateUnconfigured {
		if err := s.configure(Options{}); err != nil {
			s.setRunning(false)
			return StartResult{}, err
		}
	}

	s.mu.RLock()
	cfg, handler := s.cfg, s.handler
	s.mu.RUnlock()

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	s.log.WithField("addr", addr).Info("starting upload relay")

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		s.setRunning(false)
		s.journal.LogServer("bind failed: "+err.Error(), cfg.Port)
		s.log.WithError(err).WithField("addr", addr).Error("failed to start upload relay")
		return StartResult{}, &BindError{Addr: addr, Err: err}
	}

	srv := &http.Server{
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: constants.ReadHeaderTimeout,
		IdleTimeout:       constants.IdleConnTimeout,
		MaxHeaderBytes:    constants.MaxHeaderBytes,
	}

	s.mu.Lock()
	s.httpServer = srv
	s.listener = ln
	s.active = cfg
	s.state = StateRunning
	s.mu.Unlock()

	go s.serve(srv, ln)

	networkURLs := utils.NetworkURLs(cfg.Port)
	s.log.WithFields(logrus.Fields{
		"addr":         addr,
		"upload_dir":   cfg.UploadDir,
		"network_urls": networkURLs,
	}).Info("upload relay listening")
	s.journal.LogServer("started", cfg.Port)
	s.setRunning(true)

	return StartResult{
		Port:        cfg.Port,
		UploadDir:   cfg.UploadDir,
		LocalURL:    utils.HTTPURL("localhost", cfg.Port),
		NetworkURLs: networkURLs,
	}, nil
}

func (s *Server) serve(srv *http.Server, ln net.Listener) {
	err := srv.Serve(ln)
	if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return
	}

	s.mu.Lock()
	current := s.httpServer == srv
	if current {
		s.httpServer = nil
		s.listener = nil
		s.state = StateStopped
	}
	s.mu.Unlock()

	if current {
		s.log.WithError(err).Error("upload relay stopped unexpectedly")
		s.setRunning(false)
	}
}

// Stop closes the listening socket, so new connections are refused.
// Requests already accepted are not aborted and run to completion; Drain
// bounds them when the process exits.
func (s *Server) Stop(ctx context.Context) (StopResult, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	srv, ln := s.httpServer, s.listener
	if srv == nil {
		s.mu.Unlock()
		return StopResult{}, nil
	}
	port := s.active.Port
	s.httpServer = nil
	s.listener = nil
	s.state = StateStopped
	s.draining[srv] = struct{}{}
	s.drainWG.Add(1)
	s.mu.Unlock()

	srv.SetKeepAlivesEnabled(false)
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.WithError(err).Warn("failed to close listener")
	}
	go s.drain(srv)

	s.setRunning(false)
	s.journal.LogServer("stopped", port)
	s.log.WithField("port", port).Info("upload relay stopped")

	return StopResult{WasRunning: true}, nil
}

// drain lets the connections of a stopped server finish on their own.
func (s *Server) drain(srv *http.Server) {
	defer s.drainWG.Done()

	if err := srv.Shutdown(context.Background()); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.WithError(err).Debug("drain finished with error")
	}

	s.mu.Lock()
	delete(s.draining, srv)
	s.mu.Unlock()
}

// Drain waits for requests accepted before Stop to finish. Connections still
// open when ctx ends are closed. It is meant for process exit and must not
// race a concurrent Stop.
func (s *Server) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.drainWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	servers := make([]*http.Server, 0, len(s.draining))
	for srv := range s.draining {
		servers = append(servers, srv)
	}
	s.mu.Unlock()

	s.log.WithField("connections", len(servers)).Warn("drain timed out, closing connections")
	for _, srv := range servers {
		_ = srv.Close()
	}
	return ctx.Err()
}

func (s *Server) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg := s.cfg
	if s.state == StateRunning {
		cfg = s.active
	}
	return Info{
		Running:   s.state == StateRunning,
		State:     s.state,
		Port:      cfg.Port,
		UploadDir: cfg.UploadDir,
	}
}

// Handler returns the handler chain built by the last Configure, or nil.
func (s *Server) Handler() http.Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handler
}

func (s *Server) setRunning(running bool) {
	s.metrics.SetServerRunning(running)
	if s.notifier != nil {
		s.notifier.SetServerRunning(running)
	}
}
