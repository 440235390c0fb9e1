// Package cdpexec drives a supervised browser over its remote-debugging
// protocol: it binds caller tab keys to remote tabs, keeps one WebSocket per
// tab and correlates command responses with the commands that caused them.
//
// A Manager is not safe for concurrent use. Callers sharing one across
// goroutines must serialise access.
package cdpexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/cdpmux/internal/browser"
	"github.com/dgnsrekt/cdpmux/internal/cdperr"
	"github.com/dgnsrekt/cdpmux/internal/devtools"
	"github.com/dgnsrekt/cdpmux/internal/journal"
	"github.com/dgnsrekt/cdpmux/internal/metrics"
	"github.com/dgnsrekt/cdpmux/internal/netutil"
)

// Options configures a Manager.
type Options[K comparable] struct {
	// Binary is a path or executable name; empty means chromium.
	Binary string
	// BaseTabKey is bound to the first tab of the freshly started browser.
	BaseTabKey K
	Host       string
	// Port is the debug port; 0 picks the next free one from Ports.
	Port      int
	ExtraArgs []string

	ConnTimeout     time.Duration
	RecvTimeout     time.Duration
	ShutdownTimeout time.Duration

	Ports      *netutil.PortRegistry
	HTTPClient *http.Client
	Journal    *journal.Writer

	ReadyAttempts int
	ReadyInterval time.Duration
}

// Process is the supervised browser as the manager sees it. *browser.Supervisor
// implements it.
type Process interface {
	CheckAlive() error
	Shutdown(timeout time.Duration) error
	Port() int
	PID() int
}

// Manager owns one browser process, its debug port and every tab session
// opened on it.
type Manager[K comparable] struct {
	opts   Options[K]
	proc   Process
	client *devtools.Client

	tabs   *tabRegistry[K]
	conns  *connMux[K]
	broker *broker[K]

	closed   bool
	closeErr error
}

// New launches a browser and returns a manager with the base tab key bound.
// Close must be called to stop the browser and release its port.
func New[K comparable](ctx context.Context, opts Options[K]) (*Manager[K], error) {
	sup := browser.NewSupervisor(browser.Config{
		Binary:        opts.Binary,
		Host:          opts.Host,
		Port:          opts.Port,
		ExtraArgs:     opts.ExtraArgs,
		Ports:         opts.Ports,
		HTTPClient:    opts.HTTPClient,
		ReadyAttempts: opts.ReadyAttempts,
		ReadyInterval: opts.ReadyInterval,
	})
	slog.Info("launching browser", "binary", opts.Binary, "port", opts.Port)
	if err := sup.Launch(ctx); err != nil {
		return nil, observe(err)
	}
	m, err := Attach(ctx, opts, sup, sup.Client())
	if err != nil {
		if stopErr := sup.Shutdown(opts.ShutdownTimeout); stopErr != nil {
			slog.Warn("browser shutdown after failed attach", "pid", sup.PID(), "error", stopErr)
		}
		return nil, observe(err)
	}
	return m, nil
}

// Attach builds a manager around a browser that is already running and
// reachable through client. Launch settings in opts are ignored.
func Attach[K comparable](ctx context.Context, opts Options[K], proc Process, client *devtools.Client) (*Manager[K], error) {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = browser.DefaultShutdownTimeout
	}
	m := &Manager[K]{opts: opts, proc: proc, client: client}
	m.tabs = newTabRegistry[K](client)
	m.conns = newConnMux(m.tabs, opts.ConnTimeout, proc.CheckAlive, func(key K) { m.broker.forget(key) })
	m.broker = newBroker(m.conns, opts.Journal, opts.RecvTimeout)

	tabs, err := m.tabs.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if len(tabs) == 0 {
		return nil, cdperr.Newf(cdperr.CodeStartupFailed, "browser on port %d has no tabs", proc.Port())
	}
	m.tabs.bind(opts.BaseTabKey, tabs[0].ID)
	slog.Info("base tab bound", "tab_key", fmt.Sprint(opts.BaseTabKey), "tab_id", tabs[0].ID, "port", proc.Port())
	return m, nil
}

func observe(err error) error {
	if code := cdperr.Code(err); code != "" {
		metrics.Errors.WithLabelValues(code).Inc()
	}
	return err
}

func (m *Manager[K]) checkOpen() error {
	if m.closed {
		return cdperr.Newf(cdperr.CodeClosed, "browser manager on port %d is closed", m.proc.Port())
	}
	return nil
}

func (m *Manager[K]) requireBound(key K) error {
	if !m.tabs.isBound(key) {
		return cdperr.Newf(cdperr.CodeValidation, "tab key %v is not bound", key)
	}
	return nil
}

// Connect makes sure key has a live connection, creating its tab first when
// key is new.
func (m *Manager[K]) Connect(ctx context.Context, key K) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	_, err := m.conns.ensureConnected(ctx, key)
	return observe(err)
}

// OpenTab creates a tab for a new key, optionally loading startURL, and
// connects to it.
func (m *Manager[K]) OpenTab(ctx context.Context, key K, startURL string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if m.tabs.isBound(key) {
		return observe(cdperr.Newf(cdperr.CodeValidation, "tab key %v is already bound", key))
	}
	_, err := m.conns.connect(ctx, key, startURL)
	return observe(err)
}

// CloseTab closes key's tab and connection. Closing the last bound tab tears
// the whole manager down.
func (m *Manager[K]) CloseTab(ctx context.Context, key K) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if err := m.requireBound(key); err != nil {
		return observe(err)
	}
	var errs []error
	if err := m.conns.close(key); err != nil {
		errs = append(errs, err)
	}
	m.broker.forget(key)
	if err := m.tabs.close(ctx, key); err != nil {
		errs = append(errs, err)
	}
	if len(m.tabs.bound) == 0 {
		slog.Info("all tabs closed, stopping browser", "port", m.proc.Port())
		errs = append(errs, m.Close())
	}
	return observe(errors.Join(errs...))
}

// Send writes method with params to key's tab and returns the command id.
// Ids start at 0 and increase by one per successful send across all tabs.
func (m *Manager[K]) Send(ctx context.Context, method string, key K, params any) (int64, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	id, err := m.broker.send(ctx, key, method, params)
	return id, observe(err)
}

// RecvFiltered waits up to timeout for a message on key accepted by filter.
// Buffered messages are considered first. A timeout returns false and a nil
// error; timeout <= 0 uses the configured receive timeout.
func (m *Manager[K]) RecvFiltered(ctx context.Context, key K, filter Filter, timeout time.Duration) (Message, bool, error) {
	if err := m.checkOpen(); err != nil {
		return Message{}, false, err
	}
	msg, ok, err := m.broker.recvFiltered(ctx, key, filter, timeout)
	return msg, ok, observe(err)
}

// Recv waits for the response to command id on key.
func (m *Manager[K]) Recv(ctx context.Context, key K, id int64, timeout time.Duration) (Message, bool, error) {
	return m.RecvFiltered(ctx, key, MatchID(id), timeout)
}

// RecvAny returns the next message on key, buffered or fresh.
func (m *Manager[K]) RecvAny(ctx context.Context, key K, timeout time.Duration) (Message, bool, error) {
	return m.RecvFiltered(ctx, key, MatchAny, timeout)
}

// Drain returns every buffered message for key followed by whatever can be
// read immediately, leaving the buffer empty.
func (m *Manager[K]) Drain(ctx context.Context, key K) ([]Message, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	msgs, err := m.broker.drain(ctx, key)
	return msgs, observe(err)
}

// SynchronousCommand sends method to key and waits for its response.
func (m *Manager[K]) SynchronousCommand(ctx context.Context, method string, key K, params any, timeout time.Duration) (Message, bool, error) {
	id, err := m.Send(ctx, method, key, params)
	if err != nil {
		return Message{}, false, err
	}
	return m.Recv(ctx, key, id, timeout)
}

// CloseConnections closes every tab connection. Bindings are kept and the
// next use reconnects.
func (m *Manager[K]) CloseConnections() error {
	slog.Info("closing tab connections", "count", len(m.conns.conns))
	return m.conns.closeAll()
}

// CloseBrowser stops the browser process and releases its debug port.
func (m *Manager[K]) CloseBrowser() error {
	return m.proc.Shutdown(m.opts.ShutdownTimeout)
}

// Close tears everything down. Every step runs even when an earlier one
// fails. Later calls return the first result.
func (m *Manager[K]) Close() error {
	if m.closed {
		return m.closeErr
	}
	m.closed = true
	slog.Info("tearing down browser manager", "port", m.proc.Port(), "pid", m.proc.PID())
	m.closeErr = errors.Join(m.CloseConnections(), m.CloseBrowser())
	for _, key := range m.tabs.keys() {
		m.broker.forget(key)
		m.tabs.unbind(key)
	}
	return m.closeErr
}

// Closed reports whether the manager has been torn down.
func (m *Manager[K]) Closed() bool { return m.closed }

// Tabs refreshes and returns the remote tab list.
func (m *Manager[K]) Tabs(ctx context.Context) ([]devtools.Tab, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	tabs, err := m.tabs.fetch(ctx)
	return tabs, observe(err)
}

// Keys returns the bound tab keys in binding order.
func (m *Manager[K]) Keys() []K { return m.tabs.keys() }

// TabID returns the remote tab id bound to key.
func (m *Manager[K]) TabID(key K) (target.ID, bool) {
	id, ok := m.tabs.bound[key]
	return id, ok
}

// Bound reports whether key is bound to a remote tab.
func (m *Manager[K]) Bound(key K) bool { return m.tabs.isBound(key) }

// Buffered returns how many unconsumed messages are held for key.
func (m *Manager[K]) Buffered(key K) int { return m.broker.buffered(key) }

// Port returns the browser's debug port.
func (m *Manager[K]) Port() int { return m.proc.Port() }

// PID returns the browser process id.
func (m *Manager[K]) PID() int { return m.proc.PID() }

// Client returns the control-plane client for the browser.
func (m *Manager[K]) Client() *devtools.Client { return m.client }

func (m *Manager[K]) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "browser manager port=%d pid=%d closed=%t tabs:", m.proc.Port(), m.proc.PID(), m.closed)
	for _, key := range m.tabs.keys() {
		fmt.Fprintf(&b, "\n\t%v -> %s", key, m.tabs.bound[key])
		if c, ok := m.conns.conns[key]; ok && !c.dropped {
			b.WriteString(" (connected)")
		}
	}
	return b.String()
}
