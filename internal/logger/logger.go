package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"uprelay/internal/paths"
)

// Entry is one line of the transfer journal.
type Entry struct {
	Timestamp  time.Time `json:"timestamp"`
	Session    string    `json:"session"`
	Type       string    `json:"type"`
	Size       int64     `json:"size,omitempty"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	File       string    `json:"file,omitempty"`
	PID        int       `json:"pid,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Port       int       `json:"port,omitempty"`
	Error      string    `json:"error,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// Journal appends transfer and forwarding events as JSON lines to a
// per-session file. A nil *Journal discards everything.
type Journal struct {
	mu        sync.Mutex
	file      *os.File
	enc       *json.Encoder
	sessionID string
}

// OpenJournal creates <dir>/<session>.log. An empty dir selects the per-OS
// default log directory.
func OpenJournal(dir string) (*Journal, error) {
	if dir == "" {
		var err error
		dir, err = paths.LogDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get log directory: %w", err)
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	sessionID := uuid.NewString()
	logFile := filepath.Join(dir, fmt.Sprintf("%s.log", sessionID))

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &Journal{
		file:      file,
		enc:       json.NewEncoder(file),
		sessionID: sessionID,
	}, nil
}

func (j *Journal) Log(entry Entry) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return
	}
	entry.Timestamp = time.Now()
	entry.Session = j.sessionID
	_ = j.enc.Encode(entry)
}

func (j *Journal) LogUpload(file string, size int64, remoteAddr string) {
	j.Log(Entry{Type: "upload", File: file, Size: size, RemoteAddr: remoteAddr})
}

func (j *Journal) LogRejected(reason string, remoteAddr string) {
	j.Log(Entry{Type: "rejected", Error: reason, RemoteAddr: remoteAddr})
}

func (j *Journal) LogServer(message string, port int) {
	j.Log(Entry{Type: "server", Message: message, Port: port})
}

func (j *Journal) LogForwardStarted(pid, hostPort int) {
	j.Log(Entry{Type: "forward_started", PID: pid, Port: hostPort})
}

func (j *Journal) LogForwardExited(pid, exitCode int) {
	code := exitCode
	j.Log(Entry{Type: "forward_exited", PID: pid, ExitCode: &code})
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file != nil {
		err := j.file.Close()
		j.file = nil
		return err
	}
	return nil
}

func (j *Journal) Path() string {
	if j == nil || j.file == nil {
		return ""
	}
	return j.file.Name()
}

func (j *Journal) SessionID() string {
	if j == nil {
		return ""
	}
	return j.sessionID
}
