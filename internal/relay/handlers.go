package relay

import (
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"uprelay/internal/constants"
	"uprelay/internal/logger"
	"uprelay/internal/metrics"
	"uprelay/internal/security"
)

type routes struct {
	cfg     Config
	index   *template.Template
	limiter *security.ConnectionLimiter
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	journal *logger.Journal
}

type statusResponse struct {
	Status    string `json:"status"`
	Port      int    `json:"port"`
	UploadDir string `json:"uploadDir"`
	Timestamp string `json:"timestamp"`
}

type uploadResponse struct {
	Success bool          `json:"success"`
	File    *UploadedFile `json:"file"`
	Path    string        `json:"path"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func newRouter(cfg Config, log logrus.FieldLogger, m *metrics.Metrics, j *logger.Journal) (http.Handler, error) {
	index, err := loadIndexTemplate()
	if err != nil {
		return nil, err
	}

	rt := &routes{
		cfg:     cfg,
		index:   index,
		limiter: security.NewConnectionLimiter(cfg.MaxUploadsPerIP),
		log:     log,
		metrics: m,
		journal: j,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+constants.EndpointRoot+"{$}", rt.handleIndex)
	mux.HandleFunc("GET "+constants.EndpointTest, rt.handleTest)
	mux.HandleFunc("GET "+constants.EndpointStatus, rt.handleStatus)
	mux.HandleFunc("POST "+constants.EndpointUpload, rt.handleUpload)
	if cfg.StaticDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(cfg.StaticDir)))
	}

	var handler http.Handler = mux
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(log)(handler)
	handler = CorsMiddleware(handler)
	handler = security.SecurityHeaders(handler)
	return handler, nil
}

func (rt *routes) handleIndex(w http.ResponseWriter, r *http.Request) {
	if err := renderIndex(w, rt.index, rt.cfg.Port); err != nil {
		rt.log.WithError(err).Error("failed to render index page")
	}
}

func (rt *routes) handleTest(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(constants.MsgReachabilityProbed))
}

func (rt *routes) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:    "running",
		Port:      rt.cfg.Port,
		UploadDir: rt.cfg.UploadDir,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (rt *routes) handleUpload(w http.ResponseWriter, r *http.Request) {
	clientIP := security.GetClientIP(r)
	log := rt.log.WithField("remote", clientIP)

	if !rt.limiter.TryConnect(clientIP) {
		rt.reject(w, clientIP, http.StatusTooManyRequests, constants.MsgTooManyUploads)
		return
	}
	defer rt.limiter.Disconnect(clientIP)

	if !security.HasRoomFor(rt.cfg.UploadDir, r.ContentLength) {
		rt.reject(w, clientIP, http.StatusInsufficientStorage, constants.MsgInsufficientSpace)
		return
	}

	rt.metrics.UploadBegin()
	defer rt.metrics.UploadEnd()

	r.Body = newIdleReader(r.Body, http.NewResponseController(w), rt.cfg.IdleTimeout)

	mr, err := r.MultipartReader()
	if err != nil {
		rt.reject(w, clientIP, http.StatusBadRequest, constants.MsgNoFile)
		return
	}

	file, err := receive(mr, rt.cfg)
	if err != nil {
		status, msg := classifyUploadError(err)
		if status == http.StatusInternalServerError {
			log.WithError(err).Error("upload failed")
			rt.metrics.UploadResult("error", 0)
			rt.journal.LogRejected(err.Error(), clientIP)
			writeError(w, status, msg)
			return
		}
		log.WithError(err).Warn("upload rejected")
		rt.reject(w, clientIP, status, msg)
		return
	}

	log.WithFields(logrus.Fields{
		"file":     file.Filename,
		"original": file.OriginalName,
		"size":     file.Size,
	}).Info("upload stored")
	rt.metrics.UploadResult("ok", file.Size)
	rt.journal.LogUpload(file.Path, file.Size, clientIP)

	writeJSON(w, http.StatusOK, uploadResponse{
		Success: true,
		File:    file,
		Path:    file.Path,
	})
}

func (rt *routes) reject(w http.ResponseWriter, clientIP string, status int, msg string) {
	rt.metrics.UploadResult("rejected", 0)
	rt.journal.LogRejected(msg, clientIP)
	writeError(w, status, msg)
}

func classifyUploadError(err error) (int, string) {
	switch {
	case errors.Is(err, errNoFile):
		return http.StatusBadRequest, constants.MsgNoFile
	case errors.Is(err, errNotVideo):
		return http.StatusBadRequest, constants.MsgVideoOnly
	case errors.Is(err, errUnexpectedField):
		return http.StatusBadRequest, constants.MsgUnexpectedField
	case errors.Is(err, errTooLarge):
		return http.StatusRequestEntityTooLarge, constants.MsgFileTooLarge
	case errors.Is(err, os.ErrDeadlineExceeded):
		return http.StatusRequestTimeout, "upload stalled"
	case errors.Is(err, errBadBody):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, constants.MsgInternalError + ": " + err.Error()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Success: false, Message: msg})
}
