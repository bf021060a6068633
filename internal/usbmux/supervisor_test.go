package usbmux

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uprelay/internal/metrics"
)

const fakeToolEnv = "UPRELAY_FAKE_TOOL"

// TestMain lets the test binary stand in for the forwarding tool.
func TestMain(m *testing.M) {
	switch os.Getenv(fakeToolEnv) {
	case "":
		os.Exit(m.Run())
	case "exit":
		fmt.Fprintln(os.Stderr, "no device found")
		os.Exit(3)
	case "bind":
		l, err := net.Listen("tcp", "127.0.0.1:"+os.Args[2])
		if err != nil {
			os.Exit(4)
		}
		defer l.Close()
		time.Sleep(time.Hour)
	case "echo":
		fmt.Println("listening " + strings.Join(os.Args[1:], " "))
		time.Sleep(time.Hour)
	default:
		time.Sleep(time.Hour)
	}
}

func fakeTool(t *testing.T, mode string) string {
	t.Helper()
	t.Setenv(fakeToolEnv, mode)
	exe, err := os.Executable()
	require.NoError(t, err)
	return exe
}

func newSupervisor(t *testing.T, opts ...Option) *Supervisor {
	t.Helper()
	s := New(opts...)
	t.Cleanup(s.Cleanup)
	return s
}

func nextEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			require.True(t, ok, "event channel closed")
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
		}
	}
}

func TestToolInstalled(t *testing.T) {
	assert.True(t, New(WithTool(fakeTool(t, "quiet"))).ToolInstalled())
	assert.False(t, New(WithTool("uprelay-no-such-forwarder")).ToolInstalled())
}

func TestStartForwardingMissingTool(t *testing.T) {
	s := newSupervisor(t, WithTool("uprelay-no-such-forwarder"))

	err := s.StartForwarding(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrToolMissing))
	assert.False(t, s.Status().ForwardProcessRunning)
}

func TestStartForwardingIsIdempotent(t *testing.T) {
	s := newSupervisor(t, WithTool(fakeTool(t, "quiet")), WithReadyWindow(100*time.Millisecond))
	events, cancel := s.Subscribe()
	defer cancel()

	require.NoError(t, s.StartForwarding(context.Background()))
	first := s.Status()
	require.True(t, first.ForwardProcessRunning)
	require.NotZero(t, first.PID)

	started := nextEvent(t, events, EventStarted)
	assert.Equal(t, first.PID, started.PID)

	require.NoError(t, s.StartForwarding(context.Background()))
	assert.Equal(t, first.PID, s.Status().PID)

	select {
	case e := <-events:
		t.Fatalf("unexpected event %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStartForwardingReportsEarlyExit(t *testing.T) {
	s := newSupervisor(t, WithTool(fakeTool(t, "exit")), WithReadyWindow(3*time.Second))
	events, cancel := s.Subscribe()
	defer cancel()

	err := s.StartForwarding(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExitedEarly))
	assert.False(t, s.Status().ForwardProcessRunning)

	exited := nextEvent(t, events, EventExited)
	assert.Equal(t, 3, exited.ExitCode)
}

func TestStartForwardingWaitsForReadyLine(t *testing.T) {
	s := newSupervisor(t,
		WithTool(fakeTool(t, "echo")),
		WithPorts(4200, 4100),
		WithReadyWindow(10*time.Second),
		WithReadyPattern(regexp.MustCompile(`^listening 4100 4200$`)),
	)

	begin := time.Now()
	require.NoError(t, s.StartForwarding(context.Background()))
	assert.Less(t, time.Since(begin), 10*time.Second)
	assert.True(t, s.Status().ForwardProcessRunning)
}

func TestStartForwardingWithoutReadyLineFails(t *testing.T) {
	s := newSupervisor(t,
		WithTool(fakeTool(t, "quiet")),
		WithReadyWindow(200*time.Millisecond),
		WithReadyPattern(regexp.MustCompile(`^ready$`)),
	)
	events, cancel := s.Subscribe()
	defer cancel()

	err := s.StartForwarding(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotReady))
	assert.False(t, s.Status().ForwardProcessRunning)

	nextEvent(t, events, EventExited)
}

func TestStartForwardingProbesHostPort(t *testing.T) {
	hostPort := freePort(t)
	s := newSupervisor(t,
		WithTool(fakeTool(t, "bind")),
		WithPorts(hostPort, 3000),
		WithReadyWindow(10*time.Second),
		WithPortProbe(true),
	)

	begin := time.Now()
	require.NoError(t, s.StartForwarding(context.Background()))
	assert.Less(t, time.Since(begin), 10*time.Second)
	assert.True(t, s.Status().ForwardProcessRunning)
}

func TestStartForwardingRefusesBusyHostPortWhenProbing(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	hostPort := l.Addr().(*net.TCPAddr).Port

	s := newSupervisor(t,
		WithTool(fakeTool(t, "quiet")),
		WithPorts(hostPort, 3000),
		WithReadyWindow(10*time.Second),
		WithPortProbe(true),
	)
	events, cancel := s.Subscribe()
	defer cancel()

	err = s.StartForwarding(context.Background())
	assert.ErrorIs(t, err, ErrHostPortBusy)
	assert.False(t, s.Status().ForwardProcessRunning)

	select {
	case e := <-events:
		t.Fatalf("unexpected %s event, nothing should have been spawned", e.Kind)
	default:
	}
}

func TestConfigurePortsRejectedWhileForwarding(t *testing.T) {
	s := newSupervisor(t, WithTool(fakeTool(t, "quiet")), WithReadyWindow(100*time.Millisecond))
	require.NoError(t, s.StartForwarding(context.Background()))

	err := s.ConfigurePorts(4000, 4001)
	assert.True(t, errors.Is(err, ErrForwardActive))
	assert.Equal(t, Ports{HostPort: 3000, DevicePort: 3000}, s.Ports())

	assert.True(t, s.StopForwarding())
	require.NoError(t, s.ConfigurePorts(4000, 4001))
	assert.Equal(t, Ports{HostPort: 4000, DevicePort: 4001}, s.Ports())

	st := s.Status()
	assert.False(t, st.ForwardProcessRunning)
	assert.Equal(t, 4000, st.HostPort)
	assert.Equal(t, 4001, st.DevicePort)
}

func TestConfigurePortsDefaultsAndValidation(t *testing.T) {
	s := newSupervisor(t, WithPorts(5000, 5001))

	require.NoError(t, s.ConfigurePorts(0, 0))
	assert.Equal(t, Ports{HostPort: 3000, DevicePort: 3000}, s.Ports())

	err := s.ConfigurePorts(70000, 1)
	assert.True(t, errors.Is(err, ErrInvalidPort))
	assert.Equal(t, Ports{HostPort: 3000, DevicePort: 3000}, s.Ports())
}

func TestStartForwardingWith(t *testing.T) {
	s := newSupervisor(t, WithTool(fakeTool(t, "quiet")), WithReadyWindow(100*time.Millisecond))

	require.NoError(t, s.StartForwardingWith(context.Background(), 6001, 6000))
	assert.Equal(t, Ports{HostPort: 6000, DevicePort: 6001}, s.Ports())

	err := s.StartForwardingWith(context.Background(), 7001, 7000)
	assert.True(t, errors.Is(err, ErrAlreadyForwarding))
	assert.Equal(t, Ports{HostPort: 6000, DevicePort: 6001}, s.Ports())
}

func TestStartForwardingWithKeepsPortsOnFailure(t *testing.T) {
	s := newSupervisor(t, WithTool(fakeTool(t, "exit")), WithReadyWindow(3*time.Second))

	err := s.StartForwardingWith(context.Background(), 6001, 6000)
	require.Error(t, err)
	assert.Equal(t, Ports{HostPort: 3000, DevicePort: 3000}, s.Ports())

	err = s.StartForwardingWith(context.Background(), 0, 6000)
	assert.True(t, errors.Is(err, ErrInvalidPort))
}

func TestStopForwardingWhenIdle(t *testing.T) {
	s := newSupervisor(t)
	assert.False(t, s.StopForwarding())
}

func TestStatusReportsServerFlag(t *testing.T) {
	s := newSupervisor(t)
	assert.False(t, s.Status().ServerRunning)

	s.SetServerRunning(true)
	assert.True(t, s.Status().ServerRunning)

	s.SetServerRunning(false)
	assert.False(t, s.Status().ServerRunning)
}

func TestCleanupStopsProcessAndWatch(t *testing.T) {
	var calls atomic.Int32
	s := newSupervisor(t,
		WithTool(fakeTool(t, "quiet")),
		WithReadyWindow(100*time.Millisecond),
		WithCheckInterval(10*time.Millisecond),
		WithRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return []byte("00008030-000A\n"), nil
		}),
	)
	events, cancel := s.Subscribe()
	defer cancel()

	require.NoError(t, s.StartForwarding(context.Background()))
	s.StartDeviceWatch(func(bool) { calls.Add(1) })
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	s.Cleanup()
	after := calls.Load()

	assert.False(t, s.Status().ForwardProcessRunning)
	nextEvent(t, events, EventExited)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
}

func TestExitBeforeStartIsNotReportedAsRunning(t *testing.T) {
	m := metrics.New()
	s := newSupervisor(t, WithTool(fakeTool(t, "exit")), WithMetrics(m))
	events, cancel := s.Subscribe()
	defer cancel()

	p, err := s.spawn(s.Ports())
	require.NoError(t, err)
	<-p.done

	assert.False(t, s.markStarted(p))
	assert.False(t, s.Status().ForwardProcessRunning)
	nextEvent(t, events, EventExited)
	assert.Zero(t, testutil.ToFloat64(m.ForwardRunning))

	select {
	case e := <-events:
		t.Fatalf("unexpected %s event after exit", e.Kind)
	default:
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}
