package relay

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand/v2"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"uprelay/internal/constants"
	"uprelay/internal/security"
)

var (
	errNoFile          = errors.New("no file received")
	errNotVideo        = errors.New("file is not a video")
	errUnexpectedField = errors.New("unexpected file field")
	errTooLarge        = errors.New("file exceeds size limit")
	errBadBody         = errors.New("malformed upload")
)

// UploadedFile describes one stored upload. Field names follow the shape
// front ends already expect from multer.
type UploadedFile struct {
	FieldName    string `json:"fieldname"`
	OriginalName string `json:"originalname"`
	Encoding     string `json:"encoding"`
	MimeType     string `json:"mimetype"`
	Destination  string `json:"destination"`
	Filename     string `json:"filename"`
	Path         string `json:"path"`
	Size         int64  `json:"size"`
}

// receive streams the multipart body and stores exactly one file from the
// configured field. Parts are inspected before anything touches the disk.
func receive(mr *multipart.Reader, cfg Config) (*UploadedFile, error) {
	var saved *UploadedFile

	discard := func() {
		if saved != nil {
			_ = os.Remove(saved.Path)
		}
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			discard()
			return nil, bodyError(err)
		}

		if part.FileName() == "" {
			_, err := io.Copy(io.Discard, part)
			part.Close()
			if err != nil {
				discard()
				return nil, bodyError(err)
			}
			continue
		}

		if part.FormName() != cfg.FieldName || saved != nil {
			part.Close()
			discard()
			return nil, fmt.Errorf("%w: %q", errUnexpectedField, part.FormName())
		}

		mimeType := part.Header.Get("Content-Type")
		if !strings.HasPrefix(strings.ToLower(mimeType), "video/") {
			part.Close()
			return nil, fmt.Errorf("%w: %q", errNotVideo, mimeType)
		}

		saved, err = store(part, mimeType, cfg)
		part.Close()
		if err != nil {
			return nil, err
		}
	}

	if saved == nil {
		return nil, errNoFile
	}
	return saved, nil
}

func store(part *multipart.Part, mimeType string, cfg Config) (*UploadedFile, error) {
	original := part.FileName()

	f, name, err := createUnique(cfg.UploadDir, part.FormName(), security.SanitizeExtension(original))
	if err != nil {
		return nil, err
	}
	path := filepath.Join(cfg.UploadDir, name)

	src := &sourceReader{r: io.LimitReader(part, cfg.MaxFileSize+1)}
	n, err := io.CopyBuffer(f, src, make([]byte, constants.CopyBufferSize))
	closeErr := f.Close()

	switch {
	case err != nil && src.err != nil:
		err = bodyError(src.err)
	case err == nil && n > cfg.MaxFileSize:
		err = fmt.Errorf("%w: more than %d bytes", errTooLarge, cfg.MaxFileSize)
	case err == nil:
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}

	encoding := part.Header.Get("Content-Transfer-Encoding")
	if encoding == "" {
		encoding = "7bit"
	}

	return &UploadedFile{
		FieldName:    part.FormName(),
		OriginalName: original,
		Encoding:     encoding,
		MimeType:     mimeType,
		Destination:  cfg.UploadDir,
		Filename:     name,
		Path:         path,
		Size:         n,
	}, nil
}

// createUnique opens <field>-<unix millis>-<random><ext> exclusively, retrying
// with a new suffix if the name is taken.
func createUnique(dir, field, ext string) (*os.File, string, error) {
	for i := 0; i < constants.FilenameAttempts; i++ {
		name := fmt.Sprintf("%s-%d-%d%s", field, time.Now().UnixMilli(), rand.Int64N(1e9), ext)
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			return f, name, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", fmt.Errorf("failed to create upload file: %w", err)
		}
	}
	return nil, "", fmt.Errorf("could not allocate a unique filename in %s", dir)
}

func bodyError(err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", errBadBody, err)
}

// sourceReader remembers read-side failures so they are not mistaken for
// disk errors.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		s.err = err
	}
	return n, err
}

// idleReader pushes the connection read deadline forward on every read, so
// an upload only fails when the client stops sending for longer than timeout.
type idleReader struct {
	rc      io.ReadCloser
	ctl     *http.ResponseController
	timeout time.Duration
}

func newIdleReader(rc io.ReadCloser, ctl *http.ResponseController, timeout time.Duration) io.ReadCloser {
	if timeout <= 0 {
		return rc
	}
	return &idleReader{rc: rc, ctl: ctl, timeout: timeout}
}

func (r *idleReader) Read(p []byte) (int, error) {
	_ = r.ctl.SetReadDeadline(time.Now().Add(r.timeout))
	return r.rc.Read(p)
}

func (r *idleReader) Close() error {
	return r.rc.Close()
}
