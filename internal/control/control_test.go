package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uprelay/internal/metrics"
	"uprelay/internal/relay"
	"uprelay/internal/usbmux"
)

type fixture struct {
	srv     *httptest.Server
	ctl     *Control
	relay   *relay.Server
	forward *usbmux.Supervisor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	m := metrics.New()
	forward := usbmux.New(
		usbmux.WithTool("uprelay-no-such-forwarder"),
		usbmux.WithMetrics(m),
		usbmux.WithRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
			if name == "idevice_id" {
				return []byte("00008030-000A\n"), nil
			}
			return nil, errors.New("not found")
		}),
	)
	rs := relay.New(forward, relay.WithMetrics(m))
	ctl := New(rs, forward, m, nil)

	srv := httptest.NewServer(ctl.Handler())
	t.Cleanup(func() {
		_ = ctl.Stop(context.Background())
		srv.Close()
		_, _ = rs.Stop(context.Background())
		forward.Cleanup()
	})

	return &fixture{srv: srv, ctl: ctl, relay: rs, forward: forward}
}

func (f *fixture) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(f.srv.URL+path, "application/json", &buf)
	require.NoError(t, err)
	return resp, decode(t, resp)
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	return resp, decode(t, resp)
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestServerLifecycle(t *testing.T) {
	f := newFixture(t)
	port := freePort(t)

	resp, body := f.get(t, "/api/server")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "unconfigured", body["state"])

	resp, body = f.post(t, "/api/server/configure", map[string]any{
		"host":            "127.0.0.1",
		"port":            port,
		"uploadDirectory": t.TempDir(),
		"idleTimeout":     "30s",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, true, body["success"])

	resp, body = f.post(t, "/api/server/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "server started", body["message"])
	assert.EqualValues(t, port, body["port"])
	assert.True(t, f.forward.Status().ServerRunning)

	_, body = f.post(t, "/api/server/start", nil)
	assert.Equal(t, "server already running", body["message"])

	_, body = f.post(t, "/api/server/stop", nil)
	assert.Equal(t, "server stopped", body["message"])
	assert.False(t, f.forward.Status().ServerRunning)

	_, body = f.post(t, "/api/server/stop", nil)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "server not running", body["message"])
}

func TestServerStartOnBusyPort(t *testing.T) {
	f := newFixture(t)

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	resp, _ := f.post(t, "/api/server/configure", map[string]any{
		"host":            "127.0.0.1",
		"port":            busy.Addr().(*net.TCPAddr).Port,
		"uploadDirectory": t.TempDir(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.post(t, "/api/server/start", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.NotEmpty(t, body["message"])
	assert.False(t, f.relay.Info().Running)
}

func TestConfigureRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.srv.URL+"/api/server/configure", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	body := decode(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid JSON", body["message"])

	resp, body = f.post(t, "/api/server/configure", map[string]any{"port": 70000})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, false, body["success"])

	resp, _ = f.post(t, "/api/server/configure", map[string]any{"idleTimeout": "soon"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPostRequiresJSON(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.srv.URL+"/api/server/start", "application/x-www-form-urlencoded", strings.NewReader("a=b"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	assert.False(t, f.relay.Info().Running)
}

func TestForwardEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/api/forward")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["forwardProcessRunning"])
	assert.EqualValues(t, 3000, body["hostPort"])

	resp, body = f.post(t, "/api/forward/start", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, false, body["success"])

	resp, body = f.post(t, "/api/forward/ports", map[string]int{"hostPort": 4000, "devicePort": 4001})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "port configuration updated", body["message"])
	assert.EqualValues(t, 4000, body["hostPort"])
	assert.EqualValues(t, 4001, body["devicePort"])

	resp, _ = f.post(t, "/api/forward/ports", map[string]int{"hostPort": 70000})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.post(t, "/api/forward/start-with", map[string]int{"hostPort": 5000, "devicePort": 5001})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, usbmux.Ports{HostPort: 4000, DevicePort: 4001}, f.forward.Ports())

	_, body = f.post(t, "/api/forward/stop", nil)
	assert.Equal(t, "port forwarding not running", body["message"])

	_, body = f.get(t, "/api/forward/tool")
	assert.Equal(t, false, body["installed"])
	assert.Equal(t, "uprelay-no-such-forwarder", body["tool"])

	_, body = f.get(t, "/api/forward/device")
	assert.Equal(t, true, body["connected"])
	assert.True(t, f.forward.Status().DeviceConnected)
}

func TestQRCode(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/api/qr")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.True(t, strings.HasPrefix(resp.Header.Get("X-Upload-Url"), "http://"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.forward.DeviceConnected(context.Background())

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "uprelay_device_checks_total 1")
}

func TestDeviceFeed(t *testing.T) {
	f := newFixture(t)
	f.ctl.PublishDevice(false)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/device"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var msg deviceMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "device", msg.Type)
	assert.False(t, msg.Connected)

	f.ctl.PublishDevice(true)
	require.NoError(t, conn.ReadJSON(&msg))
	assert.True(t, msg.Connected)
}
