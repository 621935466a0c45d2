// Package superset is a client for the Superset REST API covering
// authentication, database connections, roles and permissions.
package superset

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

const (
	// DefaultTimeout bounds every HTTP call.
	DefaultTimeout = 30 * time.Second

	// DefaultPageSize is the page size of paginated listings.
	DefaultPageSize = 100

	// DefaultMaxPages caps the number of pages fetched per listing.
	DefaultMaxPages = 50

	csrfPath = "/api/v1/security/csrf_token/"
)

// Client talks to one Superset instance as one user. It logs in lazily on
// the first request, keeps the session for its lifetime and is safe for
// concurrent use.
type Client struct {
	baseURL  string
	username string
	password string

	http     *http.Client
	timeout  time.Duration
	clock    clock.Clock
	pageSize int
	maxPages int
	match    PermissionMatch

	mu      sync.Mutex
	session session
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client. The client should carry a
// cookie jar, since Superset binds the CSRF token to the session cookie.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithTimeout overrides [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.timeout = d }
}

// WithClock sets the clock used to decide whether the access token expired.
func WithClock(c clock.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

// WithPageSize overrides [DefaultPageSize].
func WithPageSize(n int) Option {
	return func(cl *Client) { cl.pageSize = n }
}

// WithMaxPages overrides [DefaultMaxPages].
func WithMaxPages(n int) Option {
	return func(cl *Client) { cl.maxPages = n }
}

// WithPermissionMatch selects how database_access permissions are matched
// to database names.
func WithPermissionMatch(m PermissionMatch) Option {
	return func(cl *Client) { cl.match = m }
}

// New creates a [Client] for the Superset instance at baseURL.
func New(baseURL, username, password string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		timeout:  DefaultTimeout,
		clock:    clock.WallClock,
		pageSize: DefaultPageSize,
		maxPages: DefaultMaxPages,
		match:    MatchExact,
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		jar, _ := cookiejar.New(nil)
		c.http = &http.Client{Timeout: c.timeout, Jar: jar}
	}
	return c
}

// BaseURL returns the base URL the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// send makes an authenticated request. A 401 response drops the session
// and the request is repeated once after logging in again.
func (c *Client) send(ctx context.Context, method, path string, body, out any) error {
	err := c.sendOnce(ctx, method, path, body, out)

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
		log.FromContext(ctx).V(1).Info("access token rejected, logging in again",
			"method", method, "path", path)
		c.resetSession()
		err = c.sendOnce(ctx, method, path, body, out)
	}
	return err
}

func (c *Client) sendOnce(ctx context.Context, method, path string, body, out any) error {
	sess, err := c.ensureAuthenticated(ctx)
	if err != nil {
		return &APIError{Method: method, Path: path, Message: "not authenticated", Err: err}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+sess.accessToken)
	header.Set("X-CSRF-Token", sess.csrfToken)
	header.Set("Referer", c.baseURL+csrfPath)

	return c.call(ctx, method, path, header, body, out)
}

// call performs a single HTTP request and decodes a JSON response into out.
func (c *Client) call(ctx context.Context, method, path string, header http.Header, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Method: method, Path: path, Message: "request failed", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{
			StatusCode: resp.StatusCode, Method: method, Path: path,
			Message: "reading response", Err: err,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			StatusCode: resp.StatusCode, Method: method, Path: path,
			Message: strings.TrimSpace(string(respBody)),
		}
	}

	if out != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return &APIError{
				StatusCode: resp.StatusCode, Method: method, Path: path,
				Message: "decoding response", Err: err,
			}
		}
	}
	return nil
}

// Filter is a server-side list filter, for example
// {Col: "name", Opr: "eq", Value: "Admin"}.
type Filter struct {
	Col   string `json:"col"`
	Opr   string `json:"opr"`
	Value any    `json:"value"`
}

type listQuery struct {
	Page     int      `json:"page"`
	PageSize int      `json:"page_size"`
	Filters  []Filter `json:"filters,omitempty"`
}

type listPage struct {
	Count  int               `json:"count"`
	Result []json.RawMessage `json:"result"`
}

// listPaginated fetches pages of path until the reported count is covered
// or the page cap is reached, and returns all results.
func (c *Client) listPaginated(ctx context.Context, path string, filters []Filter) ([]json.RawMessage, error) {
	var all []json.RawMessage

	for page := range c.maxPages {
		q, err := json.Marshal(listQuery{Page: page, PageSize: c.pageSize, Filters: filters})
		if err != nil {
			return nil, fmt.Errorf("encoding list query: %w", err)
		}

		var resp listPage
		if err := c.send(ctx, http.MethodGet, path+"?"+url.Values{"q": {string(q)}}.Encode(), nil, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Result...)

		if (page+1)*c.pageSize >= resp.Count {
			return all, nil
		}
	}

	log.FromContext(ctx).Info("listing truncated at page limit",
		"path", path, "maxPages", c.maxPages, "fetched", len(all))
	return all, nil
}
