package cdpexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/dgnsrekt/cdpmux/internal/cdperr"
	"github.com/dgnsrekt/cdpmux/internal/metrics"
)

const (
	DefaultConnTimeout = 10 * time.Second

	// MaxConnectRetries bounds how often a tab is closed, recreated and
	// reconnected after a retryable connect failure.
	MaxConnectRetries = 7
)

// tabConn is the WebSocket attached to one bound tab.
type tabConn struct {
	conn    net.Conn
	frames  *frameReader
	tabID   target.ID
	url     string
	dropped bool
}

// read returns the next data message, waiting until deadline. A deadline that
// fires inside a frame keeps the bytes read so far for the next call.
func (c *tabConn) read(deadline time.Time) ([]byte, error) {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	return c.frames.next(c.conn)
}

func (c *tabConn) write(data []byte, timeout time.Duration) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return wsutil.WriteClientText(c.conn, data)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// connMux holds one connection per bound tab key and reconnects lazily.
type connMux[K comparable] struct {
	tabs    *tabRegistry[K]
	timeout time.Duration
	conns   map[K]*tabConn

	// alive fails once the browser process is gone.
	alive func() error
	// discard drops per-key state held outside the multiplexer.
	discard func(K)
}

func newConnMux[K comparable](tabs *tabRegistry[K], timeout time.Duration, alive func() error, discard func(K)) *connMux[K] {
	if timeout <= 0 {
		timeout = DefaultConnTimeout
	}
	return &connMux[K]{
		tabs:    tabs,
		timeout: timeout,
		conns:   make(map[K]*tabConn),
		alive:   alive,
		discard: discard,
	}
}

// ensureConnected returns key's live connection, connecting when there is
// none or the previous one dropped.
func (x *connMux[K]) ensureConnected(ctx context.Context, key K) (*tabConn, error) {
	if c, ok := x.conns[key]; ok && !c.dropped {
		return c, nil
	}
	return x.connect(ctx, key, "")
}

// connect attaches to key's tab, creating it when key is unbound. A tab that
// comes up without a debugger endpoint is closed and recreated, up to
// MaxConnectRetries times; the last failure is returned unchanged.
func (x *connMux[K]) connect(ctx context.Context, key K, startURL string) (*tabConn, error) {
	if err := x.alive(); err != nil {
		return nil, err
	}
	x.close(key)

	var err error
	for attempt := 0; attempt <= MaxConnectRetries; attempt++ {
		var c *tabConn
		c, err = x.connectOnce(ctx, key, startURL)
		if err == nil {
			x.conns[key] = c
			return c, nil
		}
		if !cdperr.Retryable(err) || attempt == MaxConnectRetries {
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		metrics.ConnectRetries.Inc()
		slog.Warn("tab connect failed, recreating tab",
			"tab_key", fmt.Sprint(key), "attempt", attempt+1, "max_retries", MaxConnectRetries, "error", err)
		if x.tabs.isBound(key) {
			if closeErr := x.tabs.close(ctx, key); closeErr != nil {
				slog.Warn("closing tab before retry failed", "tab_key", fmt.Sprint(key), "error", closeErr)
			}
			x.discard(key)
		}
	}
	return nil, err
}

func (x *connMux[K]) connectOnce(ctx context.Context, key K, startURL string) (*tabConn, error) {
	if !x.tabs.isBound(key) {
		if err := x.tabs.create(ctx, key, startURL); err != nil {
			return nil, err
		}
	} else if _, err := x.tabs.fetch(ctx); err != nil {
		return nil, err
	}

	tab, _, err := x.tabs.resolve(key)
	if err != nil {
		return nil, err
	}
	if !tab.HasEndpoint() {
		return nil, cdperr.Transient(cdperr.CodeConnectFailure,
			fmt.Sprintf("tab %v (remote id %s) has no debugger endpoint", key, tab.ID), nil)
	}

	dialer := ws.Dialer{Timeout: x.timeout}
	conn, br, _, err := dialer.Dial(ctx, tab.WebSocketDebuggerURL)
	if err != nil {
		return nil, cdperr.New(cdperr.CodeCommunications,
			fmt.Sprintf("could not connect to tab %v (remote id %s) at %s", key, tab.ID, tab.WebSocketDebuggerURL), err)
	}
	var src io.Reader = conn
	if br != nil {
		src = io.MultiReader(br, conn)
	}
	c := &tabConn{conn: conn, frames: newFrameReader(src), tabID: tab.ID, url: tab.WebSocketDebuggerURL}
	slog.Info("tab connected", "tab_key", fmt.Sprint(key), "tab_id", tab.ID, "url", tab.WebSocketDebuggerURL)
	return c, nil
}

// markDropped flags key's connection so the next use reconnects.
func (x *connMux[K]) markDropped(key K) {
	c, ok := x.conns[key]
	if !ok || c.dropped {
		return
	}
	c.dropped = true
	_ = c.conn.Close()
	slog.Warn("tab connection dropped", "tab_key", fmt.Sprint(key), "tab_id", c.tabID)
}

// close shuts key's connection if one is open. Calling it again is a no-op.
func (x *connMux[K]) close(key K) error {
	c, ok := x.conns[key]
	if !ok {
		return nil
	}
	delete(x.conns, key)
	if c.dropped {
		return nil
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = ws.WriteFrame(c.conn, ws.MaskFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))))
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close connection for tab %v: %w", key, err)
	}
	return nil
}

// closeAll closes every open connection.
func (x *connMux[K]) closeAll() error {
	var errs []error
	for key := range x.conns {
		if err := x.close(key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
