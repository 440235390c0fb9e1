package devtools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/cdpmux/internal/cdperr"
)

const defaultRequestTimeout = 10 * time.Second

// Tab is one entry of the browser's /json tab list.
type Tab struct {
	ID                   target.ID `json:"id"`
	Type                 string    `json:"type,omitempty"`
	Title                string    `json:"title,omitempty"`
	URL                  string    `json:"url,omitempty"`
	WebSocketDebuggerURL string    `json:"webSocketDebuggerUrl,omitempty"`
}

// HasEndpoint reports whether the tab advertises a debugger WebSocket URL.
func (t Tab) HasEndpoint() bool { return t.WebSocketDebuggerURL != "" }

// Version is the /json/version payload.
type Version struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Client talks to the browser's HTTP control plane.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a control-plane client for host:port. A nil httpClient
// uses http.DefaultClient.
func NewClient(host string, port int, httpClient *http.Client) *Client {
	return NewClientURL("http://"+net.JoinHostPort(host, strconv.Itoa(port)), httpClient)
}

// NewClientURL returns a control-plane client for an explicit base URL.
func NewClientURL(base string, httpClient *http.Client) *Client {
	return &Client{base: strings.TrimRight(base, "/"), http: httpClient}
}

// BaseURL returns the control-plane base URL.
func (c *Client) BaseURL() string { return c.base }

func (c *Client) client() *http.Client {
	if c.http != nil {
		return c.http
	}
	return http.DefaultClient
}

// ListTabs fetches the live tab list. Transport failures are CONNECT_FAILURE
// and marked transient; callers decide whether to retry.
func (c *Client) ListTabs(ctx context.Context) ([]Tab, error) {
	body, err := c.get(ctx, http.MethodGet, "/json")
	if err != nil {
		return nil, err
	}
	var tabs []Tab
	if err := json.Unmarshal(body, &tabs); err != nil {
		return nil, cdperr.New(cdperr.CodeConnectFailure, "invalid tab list from browser", err)
	}
	return tabs, nil
}

// NewTab asks the browser to open a tab, optionally at startURL. Newer
// browsers reject GET on this endpoint, so a 405 is retried as PUT.
func (c *Client) NewTab(ctx context.Context, startURL string) error {
	path := "/json/new"
	if startURL != "" {
		path += "?" + startURL
	}
	_, err := c.get(ctx, http.MethodGet, path)
	if err == nil {
		return nil
	}
	var status *statusError
	if !errors.As(err, &status) || status.code != http.StatusMethodNotAllowed {
		return err
	}
	slog.Debug("devtools new tab retrying with PUT", "path", path)
	_, err = c.get(ctx, http.MethodPut, path)
	return err
}

// CloseTab closes the tab with the given remote id.
func (c *Client) CloseTab(ctx context.Context, id target.ID) error {
	_, err := c.get(ctx, http.MethodGet, "/json/close/"+url.PathEscape(string(id)))
	return err
}

// Version fetches browser version metadata.
func (c *Client) Version(ctx context.Context) (Version, error) {
	var v Version
	body, err := c.get(ctx, http.MethodGet, "/json/version")
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return v, cdperr.New(cdperr.CodeConnectFailure, "invalid version payload from browser", err)
	}
	return v, nil
}

type statusError struct {
	code int
	path string
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.path, e.code, strings.TrimSpace(e.body))
}

func (c *Client) get(ctx context.Context, method, path string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, c.base+path, nil)
	if err != nil {
		return nil, cdperr.New(cdperr.CodeConnectFailure, "build control request", err)
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return nil, cdperr.Transient(cdperr.CodeConnectFailure, "failed to reach browser control endpoint "+c.base+path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, cdperr.Transient(cdperr.CodeConnectFailure, "failed to read control response "+path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, cdperr.New(cdperr.CodeConnectFailure, "unexpected control response",
			&statusError{code: resp.StatusCode, path: path, body: string(body)})
	}
	slog.Debug("devtools control request", "method", method, "path", path, "bytes", len(body))
	return body, nil
}
