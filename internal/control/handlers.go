package control

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/skip2/go-qrcode"

	"uprelay/internal/constants"
	"uprelay/internal/relay"
	"uprelay/internal/usbmux"
	"uprelay/internal/utils"
)

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type serverInfoResponse struct {
	envelope
	relay.Info
}

type serverStartResponse struct {
	envelope
	relay.StartResult
}

type forwardStatusResponse struct {
	envelope
	usbmux.Status
}

type toolResponse struct {
	envelope
	Tool      string `json:"tool"`
	Installed bool   `json:"installed"`
}

type deviceResponse struct {
	envelope
	Connected bool `json:"connected"`
}

type configureRequest struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	UploadDirectory string `json:"uploadDirectory"`
	StaticDirectory string `json:"staticDirectory"`
	MaxFileSize     int64  `json:"maxFileSize"`
	IdleTimeout     string `json:"idleTimeout"`
	MaxUploadsPerIP int    `json:"maxUploadsPerIP"`
}

type portsRequest struct {
	HostPort   int `json:"hostPort"`
	DevicePort int `json:"devicePort"`
}

func ok(msg string) envelope {
	return envelope{Success: true, Message: msg}
}

func (c *Control) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, serverInfoResponse{envelope: ok(""), Info: c.relay.Info()})
}

func (c *Control) handleServerConfigure(w http.ResponseWriter, r *http.Request) {
	var req configureRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var idle time.Duration
	if req.IdleTimeout != "" {
		d, err := time.ParseDuration(req.IdleTimeout)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid idleTimeout: "+err.Error())
			return
		}
		idle = d
	}

	err := c.relay.Configure(relay.Options{
		Host:            req.Host,
		Port:            req.Port,
		UploadDir:       req.UploadDirectory,
		StaticDir:       req.StaticDirectory,
		MaxFileSize:     req.MaxFileSize,
		IdleTimeout:     idle,
		MaxUploadsPerIP: req.MaxUploadsPerIP,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, serverInfoResponse{envelope: ok(constants.MsgServerConfigured), Info: c.relay.Info()})
}

func (c *Control) handleServerStart(w http.ResponseWriter, r *http.Request) {
	res, err := c.relay.Start(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		var bindErr *relay.BindError
		if errors.As(err, &bindErr) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}

	msg := constants.MsgServerStarted
	if res.AlreadyRunning {
		msg = constants.MsgServerRunning
	}
	writeJSON(w, http.StatusOK, serverStartResponse{envelope: ok(msg), StartResult: res})
}

func (c *Control) handleServerStop(w http.ResponseWriter, r *http.Request) {
	res, err := c.relay.Stop(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	msg := constants.MsgServerStopped
	if !res.WasRunning {
		msg = constants.MsgServerNotRunning
	}
	writeJSON(w, http.StatusOK, ok(msg))
}

func (c *Control) handleForwardStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, forwardStatusResponse{envelope: ok(""), Status: c.forward.Status()})
}

func (c *Control) handleForwardStart(w http.ResponseWriter, r *http.Request) {
	wasRunning := c.forward.Status().ForwardProcessRunning
	if err := c.forward.StartForwarding(r.Context()); err != nil {
		writeError(w, forwardErrorStatus(err), err.Error())
		return
	}

	msg := constants.MsgForwardStarted
	if wasRunning {
		msg = constants.MsgForwardRunning
	}
	writeJSON(w, http.StatusOK, forwardStatusResponse{envelope: ok(msg), Status: c.forward.Status()})
}

func (c *Control) handleForwardStop(w http.ResponseWriter, r *http.Request) {
	msg := constants.MsgForwardStopped
	if !c.forward.StopForwarding() {
		msg = constants.MsgForwardNotRunning
	}
	writeJSON(w, http.StatusOK, ok(msg))
}

func (c *Control) handleForwardPorts(w http.ResponseWriter, r *http.Request) {
	var req portsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := c.forward.ConfigurePorts(req.HostPort, req.DevicePort); err != nil {
		writeError(w, forwardErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, forwardStatusResponse{envelope: ok(constants.MsgPortsUpdated), Status: c.forward.Status()})
}

func (c *Control) handleForwardWith(w http.ResponseWriter, r *http.Request) {
	var req portsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := c.forward.StartForwardingWith(r.Context(), req.DevicePort, req.HostPort); err != nil {
		writeError(w, forwardErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, forwardStatusResponse{envelope: ok(constants.MsgForwardStarted), Status: c.forward.Status()})
}

func (c *Control) handleForwardTool(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toolResponse{
		envelope:  ok(""),
		Tool:      c.forward.Tool(),
		Installed: c.forward.ToolInstalled(),
	})
}

func (c *Control) handleForwardDevice(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, deviceResponse{envelope: ok(""), Connected: c.forward.DeviceConnected(r.Context())})
}

// handleQRCode renders the address a phone should open as a PNG QR code.
func (c *Control) handleQRCode(w http.ResponseWriter, r *http.Request) {
	url := UploadPageURL(c.relay.Info().Port)

	png, err := qrcode.Encode(url, qrcode.Medium, constants.QRCodeSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Upload-Url", url)
	_, _ = w.Write(png)
}

// UploadPageURL picks the first LAN address for port, or localhost when the
// host has no usable interface.
func UploadPageURL(port int) string {
	if urls := utils.NetworkURLs(port); len(urls) > 0 {
		return urls[0]
	}
	return utils.HTTPURL("localhost", port)
}

func forwardErrorStatus(err error) int {
	switch {
	case errors.Is(err, usbmux.ErrInvalidPort):
		return http.StatusBadRequest
	case errors.Is(err, usbmux.ErrForwardActive), errors.Is(err, usbmux.ErrAlreadyForwarding),
		errors.Is(err, usbmux.ErrHostPortBusy):
		return http.StatusConflict
	case errors.Is(err, usbmux.ErrToolMissing):
		return http.StatusServiceUnavailable
	case errors.Is(err, usbmux.ErrExitedEarly), errors.Is(err, usbmux.ErrNotReady):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody accepts an empty body as a zero request.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, http.StatusBadRequest, constants.MsgInvalidJSON)
	return false
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "application/json"
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Success: false, Message: msg})
}
