// Package control exposes the relay and the forwarding supervisor to local
// tooling over a loopback JSON API.
package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"uprelay/internal/constants"
	"uprelay/internal/logger"
	"uprelay/internal/metrics"
	"uprelay/internal/relay"
	"uprelay/internal/usbmux"
)

type Control struct {
	relay   *relay.Server
	forward *usbmux.Supervisor
	metrics *metrics.Metrics
	log     logrus.FieldLogger

	clientsMu  sync.Mutex
	clients    map[*websocket.Conn]bool
	lastDevice *deviceMessage

	server *http.Server
}

// New wires the API to r and f. m may be nil.
func New(r *relay.Server, f *usbmux.Supervisor, m *metrics.Metrics, log logrus.FieldLogger) *Control {
	return &Control{
		relay:   r,
		forward: f,
		metrics: m,
		log:     logger.Or(log).WithField("component", "control"),
		clients: make(map[*websocket.Conn]bool),
	}
}

func (c *Control) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+constants.EndpointServer, c.handleServerInfo)
	mux.HandleFunc("POST "+constants.EndpointServerConfigure, c.handleServerConfigure)
	mux.HandleFunc("POST "+constants.EndpointServerStart, c.handleServerStart)
	mux.HandleFunc("POST "+constants.EndpointServerStop, c.handleServerStop)
	mux.HandleFunc("GET "+constants.EndpointForward, c.handleForwardStatus)
	mux.HandleFunc("POST "+constants.EndpointForwardStart, c.handleForwardStart)
	mux.HandleFunc("POST "+constants.EndpointForwardStop, c.handleForwardStop)
	mux.HandleFunc("POST "+constants.EndpointForwardPorts, c.handleForwardPorts)
	mux.HandleFunc("POST "+constants.EndpointForwardWith, c.handleForwardWith)
	mux.HandleFunc("GET "+constants.EndpointForwardTool, c.handleForwardTool)
	mux.HandleFunc("GET "+constants.EndpointForwardDevice, c.handleForwardDevice)
	mux.HandleFunc("GET "+constants.EndpointQRCode, c.handleQRCode)
	mux.Handle("GET "+constants.EndpointMetrics, c.metrics.Handler())
	mux.HandleFunc("GET "+constants.EndpointDeviceFeed, c.handleDeviceFeed)

	var handler http.Handler = mux
	handler = requireJSON(handler)
	handler = relay.RecoveryMiddleware(c.log)(handler)
	return handler
}

// Start listens on addr and serves in the background. It returns the bound
// address, which differs from addr when addr uses port 0.
func (c *Control) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	c.server = &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: constants.ReadHeaderTimeout,
		IdleTimeout:       constants.IdleConnTimeout,
	}

	go func() {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.WithError(err).Error("control API stopped")
		}
	}()

	c.log.WithField("addr", ln.Addr().String()).Info("control API listening")
	return ln.Addr(), nil
}

func (c *Control) Stop(ctx context.Context) error {
	c.closeClients()
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// requireJSON refuses POSTs that are not declared as JSON, so a web page
// cannot drive the API with a plain form submission.
func requireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && !isJSON(r.Header.Get("Content-Type")) {
			writeJSON(w, http.StatusUnsupportedMediaType, envelope{Message: "content type must be application/json"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
