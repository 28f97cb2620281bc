// Package client is the typed gateway to the document backend's REST API.
//
// Every operation returns a protocol.Result: transport failures, non-2xx
// responses and {success:false} envelopes all come back as a failed Result,
// never as an error. The error return is reserved for responses whose shape
// is broken (ErrMalformedResponse).
package client

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/docbox/internal/logging"
	"github.com/fruitsalade/docbox/internal/metrics"
	"github.com/fruitsalade/docbox/pkg/models"
	"github.com/fruitsalade/docbox/pkg/protocol"
	"github.com/fruitsalade/docbox/pkg/retry"
)

// DefaultSessionCookie is the backend's session cookie name.
const DefaultSessionCookie = "mydms_session"

// ErrMalformedResponse is returned when a 2xx response cannot be understood.
var ErrMalformedResponse = errors.New("malformed response")

// Failure carries a failed Result through code that speaks Go errors.
type Failure struct {
	Operation string
	Message   string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Operation, f.Message)
}

// AsFailure checks if an error is a Failure and returns it.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// Unwrap converts a gateway outcome into the (value, error) convention.
func Unwrap[T any](operation string, res protocol.Result[T], err error) (T, error) {
	if err != nil {
		var zero T
		return zero, err
	}
	if !res.Success {
		var zero T
		return zero, &Failure{Operation: operation, Message: res.Message}
	}
	return res.Data, nil
}

// Client is the backend gateway. It holds no state besides the HTTP session.
type Client struct {
	baseURL     string
	base        *url.URL
	httpClient  *http.Client
	retryConfig retry.Config
	apiKey      string
	cookieName  string

	mu       sync.RWMutex
	online   bool
	lastSeen time.Time
}

// Config holds client configuration.
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	RetryConfig   retry.Config
	APIKey        string // sent as a bearer token when set
	SessionCookie string
	HTTPClient    *http.Client // optional; a cookie jar is attached if missing
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	base, err := url.Parse(baseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", cfg.BaseURL)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	if cfg.SessionCookie == "" {
		cfg.SessionCookie = DefaultSessionCookie
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	if httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		httpClient.Jar = jar
	}

	return &Client{
		baseURL:     baseURL,
		base:        base,
		httpClient:  httpClient,
		retryConfig: cfg.RetryConfig,
		apiKey:      cfg.APIKey,
		cookieName:  cfg.SessionCookie,
		online:      true,
	}, nil
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// IsOnline returns false after a transport failure until the next response.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			logging.Info("backend is reachable again", zap.String("server", c.baseURL))
		} else {
			logging.Warn("backend unreachable", zap.String("server", c.baseURL))
		}
	}
	c.online = online
	if online {
		c.lastSeen = time.Now()
	}
}

// request describes one backend call.
type request struct {
	op          string
	method      string
	path        string
	body        func() (io.Reader, error) // rebuilt per attempt
	contentType string
	length      int64
	idempotent  bool
	binary      bool
}

// statusError is a non-2xx response, with the server's message if it sent one.
type statusError struct {
	code    int
	message string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.code, e.message)
}

type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func (c *Client) newRequest(ctx context.Context, r request) (*http.Request, error) {
	var body io.Reader
	if r.body != nil {
		b, err := r.body()
		if err != nil {
			return nil, err
		}
		body = b
	}
	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, body)
	if err != nil {
		return nil, err
	}
	if r.length > 0 {
		req.ContentLength = r.length
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	if !r.binary {
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Accept-Encoding", "gzip")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	requestID := logging.GetRequestID(ctx)
	if requestID == "" {
		requestID = logging.NewRequestID()
	}
	req.Header.Set(logging.RequestIDHeader, requestID)
	return req, nil
}

// send performs the request. Idempotent requests are retried on transport
// errors and retryable statuses; everything else gets exactly one attempt.
// Non-2xx responses are returned as *statusError with the body consumed.
func (c *Client) send(ctx context.Context, r request) (*http.Response, error) {
	attempt := func() (*http.Response, error) {
		req, err := c.newRequest(ctx, r)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.setOnline(false)
			return nil, retry.Retryable(&transportError{err: err})
		}
		c.setOnline(true)

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			se := &statusError{code: resp.StatusCode, message: readFailureMessage(resp)}
			resp.Body.Close()
			if retry.RetryableStatus(resp.StatusCode) {
				return nil, retry.Retryable(se)
			}
			return nil, se
		}
		return resp, nil
	}

	if !r.idempotent {
		return attempt()
	}
	return retry.DoWithResult(ctx, c.retryConfig, attempt)
}

// readFailureMessage extracts the message from an error body, if it is an envelope.
func readFailureMessage(resp *http.Response) string {
	reader, closeFn, err := bodyReader(resp)
	if err != nil {
		return ""
	}
	defer closeFn()
	data, err := io.ReadAll(io.LimitReader(reader, 64<<10))
	if err != nil {
		return ""
	}
	var env protocol.Envelope
	if json.Unmarshal(data, &env) == nil {
		return strings.TrimSpace(env.Message)
	}
	return ""
}

func bodyReader(resp *http.Response) (io.Reader, func(), error) {
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, nil, err
		}
		return gr, func() { gr.Close() }, nil
	}
	return resp.Body, func() {}, nil
}

// outcome is an envelope call's result before typing.
type outcome struct {
	env     protocol.Envelope
	ok      bool
	message string
}

// failureMessage turns a send error into the message surfaced to the user.
func failureMessage(ctx context.Context, op string, err error) string {
	var se *statusError
	if errors.As(err, &se) {
		logging.WithContext(ctx).Debug("backend rejected request",
			zap.String("operation", op), zap.Int("status", se.code), zap.String("message", se.message))
		return se.message
	}
	logging.WithContext(ctx).Warn("backend request failed",
		zap.String("operation", op), zap.Error(err))
	return ""
}

// call performs a request whose response is a JSON envelope.
func (c *Client) call(ctx context.Context, r request) (outcome, error) {
	start := time.Now()
	resp, err := c.send(ctx, r)
	if err != nil {
		metrics.RecordGatewayRequest(r.op, false, time.Since(start))
		return outcome{message: failureMessage(ctx, r.op, err)}, nil
	}
	defer resp.Body.Close()

	reader, closeFn, err := bodyReader(resp)
	if err != nil {
		metrics.RecordGatewayRequest(r.op, false, time.Since(start))
		return outcome{}, fmt.Errorf("%s: %w: %v", r.op, ErrMalformedResponse, err)
	}
	defer closeFn()

	var env protocol.Envelope
	if err := json.NewDecoder(reader).Decode(&env); err != nil {
		metrics.RecordGatewayRequest(r.op, false, time.Since(start))
		return outcome{}, fmt.Errorf("%s: %w: %v", r.op, ErrMalformedResponse, err)
	}
	if env.Success == nil {
		metrics.RecordGatewayRequest(r.op, false, time.Since(start))
		return outcome{}, fmt.Errorf("%s: %w: missing success flag", r.op, ErrMalformedResponse)
	}

	metrics.RecordGatewayRequest(r.op, *env.Success, time.Since(start))
	if !*env.Success {
		return outcome{env: env, message: env.Message}, nil
	}
	return outcome{env: env, ok: true, message: env.Message}, nil
}

// invoke runs an envelope call and converts its data with decode.
func invoke[T any](ctx context.Context, c *Client, r request, decode func(protocol.Envelope) (T, error)) (protocol.Result[T], error) {
	out, err := c.call(ctx, r)
	if err != nil {
		return protocol.Result[T]{}, err
	}
	if !out.ok {
		return protocol.Fail[T](out.message), nil
	}
	data, err := decode(out.env)
	if err != nil {
		return protocol.Result[T]{}, fmt.Errorf("%s: %w: %v", r.op, ErrMalformedResponse, err)
	}
	return protocol.OK(data, out.message), nil
}

func noData(protocol.Envelope) (struct{}, error) { return struct{}{}, nil }

func decodeNode(parentID *int64) func(protocol.Envelope) (*models.Node, error) {
	return func(env protocol.Envelope) (*models.Node, error) {
		if !env.HasData() {
			return nil, errors.New("missing data")
		}
		var w protocol.WireNode
		if err := json.Unmarshal(env.Data, &w); err != nil {
			return nil, err
		}
		n, err := w.Node(parentID)
		if err != nil {
			return nil, err
		}
		return &n, nil
	}
}

func idPath(format string, ids ...int64) string {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = strconv.FormatInt(id, 10)
	}
	return fmt.Sprintf(format, args...)
}

// ListChildren lists the folders and documents directly inside folderID, in
// server order.
func (c *Client) ListChildren(ctx context.Context, folderID int64) (protocol.Result[[]models.Node], error) {
	return invoke(ctx, c, request{
		op:         "list_children",
		method:     http.MethodGet,
		path:       idPath("/folder/%s/children", folderID),
		idempotent: true,
	}, func(env protocol.Envelope) ([]models.Node, error) {
		nodes := []models.Node{}
		if !env.HasData() {
			return nodes, nil
		}
		var wire []protocol.WireNode
		if err := json.Unmarshal(env.Data, &wire); err != nil {
			return nil, err
		}
		for _, w := range wire {
			n, err := w.Node(&folderID)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, n)
		}
		return nodes, nil
	})
}

// GetPath returns the breadcrumb path from the root to folderID.
func (c *Client) GetPath(ctx context.Context, folderID int64) (protocol.Result[models.Path], error) {
	return invoke(ctx, c, request{
		op:         "get_path",
		method:     http.MethodGet,
		path:       idPath("/folder/%s/path", folderID),
		idempotent: true,
	}, func(env protocol.Envelope) (models.Path, error) {
		var wire []protocol.WirePathElement
		if err := json.Unmarshal(env.Data, &wire); err != nil {
			return nil, err
		}
		if len(wire) == 0 {
			return nil, errors.New("empty path")
		}
		path := make(models.Path, len(wire))
		for i, w := range wire {
			path[i] = models.PathElement{ID: int64(w.ID), Name: string(w.Name)}
		}
		if leaf, _ := path.Leaf(); leaf.ID != folderID {
			return nil, fmt.Errorf("path ends at %d, want %d", leaf.ID, folderID)
		}
		return path, nil
	})
}

// FolderOptions are the optional fields of CreateFolder.
type FolderOptions struct {
	Comment    string
	Sequence   int
	Attributes map[string]string // attribute definition id -> value
}

// CreateFolder creates a folder named name inside parentID.
func (c *Client) CreateFolder(ctx context.Context, parentID int64, name string, opts FolderOptions) (protocol.Result[*models.Node], error) {
	form := url.Values{}
	form.Set("name", name)
	if opts.Comment != "" {
		form.Set("comment", opts.Comment)
	}
	if opts.Sequence != 0 {
		form.Set("sequence", strconv.Itoa(opts.Sequence))
	}
	for k, v := range opts.Attributes {
		form.Set("attributes["+k+"]", v)
	}
	encoded := form.Encode()

	return invoke(ctx, c, request{
		op:          "create_folder",
		method:      http.MethodPost,
		path:        idPath("/folder/%s/folder", parentID),
		body:        func() (io.Reader, error) { return strings.NewReader(encoded), nil },
		contentType: "application/x-www-form-urlencoded",
	}, decodeNode(&parentID))
}

// MoveFolder moves folder id into destID.
func (c *Client) MoveFolder(ctx context.Context, id, destID int64) (protocol.Result[struct{}], error) {
	return invoke(ctx, c, request{
		op:     "move_folder",
		method: http.MethodPost,
		path:   idPath("/folder/%s/move/%s", id, destID),
	}, noData)
}

// MoveDocument moves document id into folder destID.
func (c *Client) MoveDocument(ctx context.Context, id, destID int64) (protocol.Result[struct{}], error) {
	return invoke(ctx, c, request{
		op:     "move_document",
		method: http.MethodPost,
		path:   idPath("/document/%s/move/%s", id, destID),
	}, noData)
}

// DeleteFolder deletes folder id and everything below it.
func (c *Client) DeleteFolder(ctx context.Context, id int64) (protocol.Result[struct{}], error) {
	return invoke(ctx, c, request{
		op:     "delete_folder",
		method: http.MethodDelete,
		path:   idPath("/folder/%s", id),
	}, noData)
}

// DeleteDocument deletes document id.
func (c *Client) DeleteDocument(ctx context.Context, id int64) (protocol.Result[struct{}], error) {
	return invoke(ctx, c, request{
		op:     "delete_document",
		method: http.MethodDelete,
		path:   idPath("/document/%s", id),
	}, noData)
}

// GetDocumentInfo returns the metadata of document id.
func (c *Client) GetDocumentInfo(ctx context.Context, id int64) (protocol.Result[*models.Node], error) {
	return invoke(ctx, c, request{
		op:         "get_document",
		method:     http.MethodGet,
		path:       idPath("/document/%s", id),
		idempotent: true,
	}, decodeNode(nil))
}

// Content is a document's binary content. The caller must close Body.
type Content struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64 // -1 if unknown
	FileName    string
}

// GetDocumentContent streams the latest version of document id.
func (c *Client) GetDocumentContent(ctx context.Context, id int64) (protocol.Result[*Content], error) {
	const op = "get_content"
	start := time.Now()
	resp, err := c.send(ctx, request{
		op:         op,
		method:     http.MethodGet,
		path:       idPath("/document/%s/content", id),
		idempotent: true,
		binary:     true,
	})
	if err != nil {
		metrics.RecordGatewayRequest(op, false, time.Since(start))
		return protocol.Fail[*Content](failureMessage(ctx, op, err)), nil
	}
	metrics.RecordGatewayRequest(op, true, time.Since(start))

	content := &Content{
		Body:        &countingReadCloser{rc: resp.Body},
		ContentType: resp.Header.Get("Content-Type"),
		Size:        resp.ContentLength,
		FileName:    fileNameFromDisposition(resp.Header.Get("Content-Disposition")),
	}
	return protocol.OK(content, ""), nil
}

// countingReadCloser records downloaded bytes when closed.
type countingReadCloser struct {
	rc io.ReadCloser
	n  int64
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReadCloser) Close() error {
	metrics.RecordContentDownload(c.n)
	return c.rc.Close()
}
