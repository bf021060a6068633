package constants

import (
	"time"
)

const (
	AppName = "uprelay"
	Version = "0.3.0"
)

// Relay defaults
const (
	DefaultHost         = "0.0.0.0"
	DefaultPort         = 3000
	DefaultFieldName    = "video"
	DefaultMaxFileSize  = 5 * 1024 * 1024 * 1024 // 5GiB
	DefaultIdleTimeout  = 2 * time.Minute
	DefaultUploadsPerIP = 4
	MinPort             = 1
	MaxPort             = 65535
	CopyBufferSize      = 262144 // 256KB for io.Copy operations
	ShutdownTimeout     = 5 * time.Second
	ReadHeaderTimeout   = 10 * time.Second
	IdleConnTimeout     = 120 * time.Second
	MaxHeaderBytes      = 1 << 20
	FilenameAttempts    = 5
	UploadsDirName      = "uploads"
)

// Forwarding defaults
const (
	DefaultForwardTool    = "iproxy"
	DefaultHostPort       = 3000
	DefaultDevicePort     = 3000
	DefaultReadyWindow    = 500 * time.Millisecond
	ProbeInterval         = 50 * time.Millisecond
	ProbeDialTimeout      = 100 * time.Millisecond
	DefaultCheckInterval  = 5 * time.Second
	DetectTimeout         = 5 * time.Second
	DeviceMarker          = "iPhone"
	DeviceSerialMarker    = "Serial Number"
	DeviceSerialLookahead = 20
	ProcessWaitDelay      = 2 * time.Second
	EventBufferSize       = 16
)

// Device detection commands
var (
	DeviceListCommand = []string{"idevice_id", "-l"}
	USBListCommand    = []string{"system_profiler", "SPUSBDataType"}
)

// Control API
const (
	DefaultControlAddr = "127.0.0.1:3099"
	WSBufferSize       = 4096
	WSWriteTimeout     = 5 * time.Second
	QRCodeSize         = 256
)

// Free space that must remain on the upload volume after a write
const MinDiskSpaceRequired = 64 * 1024 * 1024 // 64MB

// Relay endpoints
const (
	EndpointRoot   = "/"
	EndpointTest   = "/test"
	EndpointStatus = "/status"
	EndpointUpload = "/upload"
)

// Control endpoints
const (
	EndpointServer          = "/api/server"
	EndpointServerConfigure = "/api/server/configure"
	EndpointServerStart     = "/api/server/start"
	EndpointServerStop      = "/api/server/stop"
	EndpointForward         = "/api/forward"
	EndpointForwardStart    = "/api/forward/start"
	EndpointForwardStop     = "/api/forward/stop"
	EndpointForwardPorts    = "/api/forward/ports"
	EndpointForwardWith     = "/api/forward/start-with"
	EndpointForwardTool     = "/api/forward/tool"
	EndpointForwardDevice   = "/api/forward/device"
	EndpointQRCode          = "/api/qr"
	EndpointMetrics         = "/metrics"
	EndpointDeviceFeed      = "/ws/device"
)

// Time formats
const (
	TimeFormatShort = "15:04:05"
)

// ANSI color codes
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorDim    = "\033[2m"
	ColorCyan   = "\033[36m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorRed    = "\033[31m"
	ColorPurple = "\033[35m"
)

// Messages
const (
	MsgInvalidJSON        = "Invalid JSON"
	MsgMethodNotAllowed   = "Method not allowed"
	MsgInvalidPort        = "Invalid port"
	MsgNoFile             = "no file received"
	MsgVideoOnly          = "only video files are accepted"
	MsgUnexpectedField    = "unexpected field"
	MsgFileTooLarge       = "file too large"
	MsgTooManyUploads     = "too many concurrent uploads"
	MsgInsufficientSpace  = "not enough free space on the upload volume"
	MsgInternalError      = "server error"
	MsgServerStarted      = "server started"
	MsgServerRunning      = "server already running"
	MsgServerStopped      = "server stopped"
	MsgServerNotRunning   = "server not running"
	MsgForwardStarted     = "port forwarding started"
	MsgForwardRunning     = "port forwarding already running"
	MsgForwardStopped     = "port forwarding stopped"
	MsgForwardNotRunning  = "port forwarding not running"
	MsgPortsUpdated       = "port configuration updated"
	MsgServerConfigured   = "server configured"
	MsgReachabilityProbed = "connected, the upload server is working"
)
