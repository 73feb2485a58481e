// Package moonraker is a client for the Moonraker print-controller API. It
// uploads a toolpath file and asks the printer to start it.
package moonraker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/piy-print/piy/internal/fsutil"
	"github.com/piy-print/piy/internal/httputil"
)

const (
	// DefaultUploadTimeout bounds the upload request.
	DefaultUploadTimeout = 30 * time.Second
	// DefaultStartTimeout bounds each start-print attempt.
	DefaultStartTimeout = 10 * time.Second

	// GcodesRoot is the Moonraker storage root toolpaths are uploaded to.
	GcodesRoot = "gcodes"

	uploadPath     = "/server/files/upload"
	startPrintPath = "/printer/print/start"
	serverInfoPath = "/server/info"

	// maxErrorBody caps how much of an error response ends up in logs and
	// failure details.
	maxErrorBody = 4 << 10
)

// Config describes how to reach the print controller.
type Config struct {
	URL           string
	APIKey        string
	UploadTimeout time.Duration
	StartTimeout  time.Duration
}

// Outcome describes a successful print start.
type Outcome struct {
	Started bool
	// Detail is a human-readable summary, e.g. "Print started (gcodes/a.gcode)".
	Detail string
	// Filename is the candidate the controller accepted.
	Filename string
}

// Client talks to one Moonraker instance. It is safe for concurrent use.
type Client struct {
	baseURL       string
	apiKey        string
	uploadTimeout time.Duration
	startTimeout  time.Duration
	http          httputil.HTTPClient
	fs            fsutil.FileSystem
	log           *zap.SugaredLogger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP transport.
func WithHTTPClient(c httputil.HTTPClient) Option {
	return func(cl *Client) { cl.http = c }
}

// WithFileSystem replaces the filesystem the toolpath is read from.
func WithFileSystem(fsys fsutil.FileSystem) Option {
	return func(cl *Client) { cl.fs = fsys }
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(cl *Client) { cl.log = l }
}

// NewClient creates a client. Zero timeouts take the package defaults.
func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(cfg.URL, "/"),
		apiKey:        cfg.APIKey,
		uploadTimeout: cfg.UploadTimeout,
		startTimeout:  cfg.StartTimeout,
		http:          httputil.NewStandardClient(nil),
		fs:            fsutil.OSFileSystem{},
		log:           zap.NewNop().Sugar(),
	}
	if c.uploadTimeout <= 0 {
		c.uploadTimeout = DefaultUploadTimeout
	}
	if c.startTimeout <= 0 {
		c.startTimeout = DefaultStartTimeout
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Candidates returns the names a start request may address an uploaded file
// by, in the order they are tried. Controllers disagree on whether the
// storage root is part of the name, so the bare name goes first.
func Candidates(filename string) []string {
	return []string{filename, GcodesRoot + "/" + filename}
}

// UploadAndStart uploads the toolpath at path and starts printing it. The
// start phase is never attempted when the upload fails.
func (c *Client) UploadAndStart(ctx context.Context, path string) (*Outcome, error) {
	if !c.fs.Exists(path) {
		return nil, &Error{Kind: ErrToolpathMissing, Detail: fmt.Sprintf("G-code not found: %s", path)}
	}

	if err := c.Upload(ctx, path); err != nil {
		return nil, err
	}
	return c.StartPrint(ctx, filepath.Base(path))
}

// Upload sends the toolpath to the gcodes root as a multipart form.
func (c *Client) Upload(ctx context.Context, path string) error {
	filename := filepath.Base(path)
	c.log.Infow("uploading toolpath", "filename", filename, "url", c.baseURL)

	body, contentType, err := c.uploadBody(path)
	if err != nil {
		return &Error{Kind: ErrToolpathMissing, Detail: fmt.Sprintf("Upload error: %v", err), Err: err}
	}
	// Stops the writer goroutine if the transport gave up without reading.
	defer body.Close()

	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	query := url.Values{"root": {GcodesRoot}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+uploadPath+"?"+query.Encode(), body)
	if err != nil {
		return &Error{Kind: ErrTransport, Detail: fmt.Sprintf("Upload error: %v", err), Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: ErrTransport, Detail: fmt.Sprintf("Upload error: %v", err), Err: err}
	}
	defer drain(resp)

	if !success(resp.StatusCode) {
		return &Error{
			Kind:       ErrRejected,
			Detail:     fmt.Sprintf("Upload error: %s", statusDetail(resp)),
			StatusCode: resp.StatusCode,
		}
	}
	return nil
}

// uploadBody streams the multipart form for path through a pipe so the
// toolpath is never held in memory. The file is opened up front so a missing
// toolpath is reported before any request is made.
func (c *Client) uploadBody(path string) (io.ReadCloser, string, error) {
	f, err := c.fs.Open(path)
	if err != nil {
		return nil, "", err
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	contentType := mw.FormDataContentType()

	go func() {
		defer f.Close()
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()
	return pr, contentType, nil
}

// StartPrint asks the controller to print an uploaded file, trying each of
// Candidates(filename) until one is accepted.
func (c *Client) StartPrint(ctx context.Context, filename string) (*Outcome, error) {
	candidates := Candidates(filename)
	transportOnly := true

	for _, cand := range candidates {
		err := c.startOnce(ctx, cand)
		if err == nil {
			c.log.Infow("print started", "filename", cand)
			return &Outcome{Started: true, Detail: fmt.Sprintf("Print started (%s)", cand), Filename: cand}, nil
		}
		if !errors.Is(err, ErrTransport) {
			transportOnly = false
		}
		c.log.Warnw("start failed", "filename", cand, "error", err)

		// The caller gave up; remaining candidates would fail the same way.
		if ctx.Err() != nil {
			break
		}
	}

	kind := ErrRejected
	if transportOnly {
		kind = ErrTransport
	}
	return nil, &Error{Kind: kind, Detail: fmt.Sprintf("Unable to start print; tried %v", candidates)}
}

func (c *Client) startOnce(ctx context.Context, filename string) error {
	ctx, cancel := context.WithTimeout(ctx, c.startTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{"filename": filename})
	if err != nil {
		return &Error{Kind: ErrTransport, Detail: err.Error(), Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+startPrintPath, bytes.NewReader(payload))
	if err != nil {
		return &Error{Kind: ErrTransport, Detail: err.Error(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: ErrTransport, Detail: err.Error(), Err: err}
	}
	defer drain(resp)

	if !success(resp.StatusCode) {
		return &Error{Kind: ErrRejected, Detail: statusDetail(resp), StatusCode: resp.StatusCode}
	}
	return nil
}

// ServerInfo is the subset of /server/info used for health reporting.
type ServerInfo struct {
	KlippyConnected  bool   `json:"klippy_connected"`
	KlippyState      string `json:"klippy_state"`
	MoonrakerVersion string `json:"moonraker_version"`
	APIVersionString string `json:"api_version_string"`
}

// ServerInfo queries the controller's status.
func (c *Client) ServerInfo(ctx context.Context) (*ServerInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.startTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+serverInfoPath, nil)
	if err != nil {
		return nil, &Error{Kind: ErrTransport, Detail: err.Error(), Err: err}
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: ErrTransport, Detail: err.Error(), Err: err}
	}
	defer drain(resp)

	if !success(resp.StatusCode) {
		return nil, &Error{Kind: ErrRejected, Detail: statusDetail(resp), StatusCode: resp.StatusCode}
	}

	var envelope struct {
		Result ServerInfo `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, &Error{Kind: ErrRejected, Detail: fmt.Sprintf("invalid server info: %v", err), Err: err}
	}
	return &envelope.Result, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
}

func success(status int) bool {
	return status >= 200 && status < 300
}

// statusDetail renders a non-2xx response as "<code> <text>: <body>".
func statusDetail(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	detail := fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if b := strings.TrimSpace(string(body)); b != "" {
		detail += ": " + b
	}
	return detail
}

// drain discards the rest of the body so the connection can be reused.
func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}
