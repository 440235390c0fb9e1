// Package cdptest provides an in-process stand-in for a browser's
// remote-debugging endpoints: the /json control plane and per-tab WebSocket
// message plane.
package cdptest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const connectWait = 2 * time.Second

// Request is an inbound protocol command as seen by the fake remote.
type Request struct {
	TabID  string          `json:"-"`
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Responder returns the frames to write back, in order, for one request.
type Responder func(req Request) []any

// EchoOK answers every request with {"id": <id>, "result": {"ok": true}}.
func EchoOK(req Request) []any {
	return []any{map[string]any{"id": req.ID, "result": map[string]any{"ok": true}}}
}

// Options tunes the fake remote's behaviour.
type Options struct {
	// InitialTabs is the number of tabs present at start. Defaults to 1; use
	// NoInitialTabs to start empty.
	InitialTabs   int
	NoInitialTabs bool

	// OmitEndpointFirst makes the first N tabs created through /json/new lack
	// a webSocketDebuggerUrl. OmitEndpointAlways applies to every created tab.
	OmitEndpointFirst  int
	OmitEndpointAlways bool

	// Responder handles WebSocket requests. Defaults to EchoOK.
	Responder Responder
}

type tab struct {
	id          string
	url         string
	noEndpoint  bool
	connections map[*wsConn]struct{}
}

type wsConn struct {
	net.Conn
	mu sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.WriteServerText(c.Conn, data)
}

// Remote is a fake browser remote-debugging server.
type Remote struct {
	opts Options

	mu       sync.Mutex
	tabs     []*tab
	nextTab  int
	created  int
	closed   int
	requests []Request

	server *httptest.Server
}

// New builds a Remote without starting a listener. Use Start, or mount
// Handler on a server of your own.
func New(opts Options) *Remote {
	if opts.Responder == nil {
		opts.Responder = EchoOK
	}
	r := &Remote{opts: opts}
	initial := opts.InitialTabs
	if initial <= 0 && !opts.NoInitialTabs {
		initial = 1
	}
	for i := 0; i < initial; i++ {
		r.addTabLocked("about:blank", false)
	}
	return r
}

// Start builds a Remote listening on an ephemeral local port.
func Start(opts Options) *Remote {
	r := New(opts)
	r.server = httptest.NewServer(r.Handler())
	return r
}

// Close stops the listener and drops every connection.
func (r *Remote) Close() {
	r.mu.Lock()
	for _, t := range r.tabs {
		for c := range t.connections {
			_ = c.Close()
		}
	}
	r.mu.Unlock()
	if r.server != nil {
		r.server.Close()
	}
}

// Host returns the listening host.
func (r *Remote) Host() string {
	host, _, _ := net.SplitHostPort(r.server.Listener.Addr().String())
	return host
}

// Port returns the listening port.
func (r *Remote) Port() int {
	return r.server.Listener.Addr().(*net.TCPAddr).Port
}

// Handler returns the HTTP handler serving both planes.
func (r *Remote) Handler() http.Handler {
	router := chi.NewRouter()
	router.Get("/json", r.handleList)
	router.Get("/json/list", r.handleList)
	router.Get("/json/version", r.handleVersion)
	router.Get("/json/new", r.handleNew)
	router.Put("/json/new", r.handleNew)
	router.Get("/json/close/{id}", r.handleClose)
	router.Get("/devtools/page/{id}", r.handleSocket)
	return router
}

// TabIDs returns the ids of the live tabs in list order.
func (r *Remote) TabIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.tabs))
	for _, t := range r.tabs {
		out = append(out, t.id)
	}
	return out
}

// Created returns how many tabs were created through /json/new.
func (r *Remote) Created() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created
}

// Closed returns how many tabs were closed through /json/close.
func (r *Remote) Closed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Requests returns every WebSocket request received so far.
func (r *Remote) Requests() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Request, len(r.requests))
	copy(out, r.requests)
	return out
}

// Push writes msg to every open connection of tabID and returns once the
// frame has been handed to the socket. It waits briefly for a connection that
// is still completing its upgrade.
func (r *Remote) Push(tabID string, msg any) error {
	conns := r.awaitConnections(tabID)
	if len(conns) == 0 {
		return fmt.Errorf("cdptest: no open connection for tab %s", tabID)
	}
	for _, c := range conns {
		if err := c.writeJSON(msg); err != nil {
			return err
		}
	}
	return nil
}

// PushSplit writes msg to every open connection of tabID as one text frame
// delivered in two parts: the first at bytes, then the rest after pause.
func (r *Remote) PushSplit(tabID string, msg any, at int, pause time.Duration) error {
	conns := r.awaitConnections(tabID)
	if len(conns) == 0 {
		return fmt.Errorf("cdptest: no open connection for tab %s", tabID)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var frame bytes.Buffer
	if err := ws.WriteFrame(&frame, ws.NewTextFrame(data)); err != nil {
		return err
	}
	raw := frame.Bytes()
	if at <= 0 || at >= len(raw) {
		return fmt.Errorf("cdptest: split point %d outside frame of %d bytes", at, len(raw))
	}
	for _, c := range conns {
		c.mu.Lock()
		_, err := c.Write(raw[:at])
		if err == nil {
			time.Sleep(pause)
			_, err = c.Write(raw[at:])
		}
		c.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// DropConnections closes the server side of every connection for tabID.
func (r *Remote) DropConnections(tabID string) {
	for _, c := range r.awaitConnections(tabID) {
		_ = c.Close()
	}
}

func (r *Remote) awaitConnections(tabID string) []*wsConn {
	deadline := time.Now().Add(connectWait)
	for {
		conns := r.connections(tabID)
		if len(conns) > 0 || time.Now().After(deadline) {
			return conns
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (r *Remote) connections(tabID string) []*wsConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.findLocked(tabID)
	if t == nil {
		return nil
	}
	out := make([]*wsConn, 0, len(t.connections))
	for c := range t.connections {
		out = append(out, c)
	}
	return out
}

func (r *Remote) addTabLocked(url string, noEndpoint bool) *tab {
	r.nextTab++
	t := &tab{
		id:          fmt.Sprintf("TAB%04d", r.nextTab),
		url:         url,
		noEndpoint:  noEndpoint,
		connections: make(map[*wsConn]struct{}),
	}
	r.tabs = append(r.tabs, t)
	return t
}

func (r *Remote) findLocked(id string) *tab {
	for _, t := range r.tabs {
		if t.id == id {
			return t
		}
	}
	return nil
}

func (r *Remote) handleList(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	entries := make([]map[string]string, 0, len(r.tabs))
	for _, t := range r.tabs {
		e := map[string]string{"id": t.id, "type": "page", "title": t.url, "url": t.url}
		if !t.noEndpoint {
			e["webSocketDebuggerUrl"] = "ws://" + req.Host + "/devtools/page/" + t.id
		}
		entries = append(entries, e)
	}
	r.mu.Unlock()
	writeJSON(w, entries)
}

func (r *Remote) handleVersion(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, map[string]string{
		"Browser":              "HeadlessChrome/cdptest",
		"Protocol-Version":     "1.3",
		"webSocketDebuggerUrl": "ws://" + req.Host + "/devtools/browser/cdptest",
	})
}

func (r *Remote) handleNew(w http.ResponseWriter, req *http.Request) {
	url := req.URL.RawQuery
	if url == "" {
		url = "about:blank"
	}
	r.mu.Lock()
	r.created++
	noEndpoint := r.opts.OmitEndpointAlways || r.created <= r.opts.OmitEndpointFirst
	t := r.addTabLocked(url, noEndpoint)
	r.mu.Unlock()
	slog.Debug("cdptest tab created", "tab_id", t.id, "no_endpoint", noEndpoint)
	writeJSON(w, map[string]string{"id": t.id, "type": "page", "url": url})
}

func (r *Remote) handleClose(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	r.mu.Lock()
	var open []*wsConn
	found := false
	for i, t := range r.tabs {
		if t.id == id {
			found = true
			for c := range t.connections {
				open = append(open, c)
			}
			r.tabs = append(r.tabs[:i], r.tabs[i+1:]...)
			r.closed++
			break
		}
	}
	r.mu.Unlock()
	if !found {
		http.Error(w, "No such target id: "+id, http.StatusNotFound)
		return
	}
	for _, c := range open {
		_ = c.Close()
	}
	_, _ = w.Write([]byte("Target is closing"))
}

func (r *Remote) handleSocket(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	r.mu.Lock()
	t := r.findLocked(id)
	r.mu.Unlock()
	if t == nil {
		http.Error(w, "No such target id: "+id, http.StatusNotFound)
		return
	}

	raw, _, _, err := ws.UpgradeHTTP(req, w)
	if err != nil {
		slog.Debug("cdptest upgrade failed", "tab_id", id, "error", err)
		return
	}
	conn := &wsConn{Conn: raw}
	r.mu.Lock()
	t.connections[conn] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(t.connections, conn)
		r.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		data, _, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		var in Request
		if err := json.Unmarshal(data, &in); err != nil {
			slog.Debug("cdptest bad request", "tab_id", id, "error", err)
			continue
		}
		in.TabID = id
		r.mu.Lock()
		r.requests = append(r.requests, in)
		r.mu.Unlock()

		for _, out := range r.opts.Responder(in) {
			if err := conn.writeJSON(out); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("cdptest response write failed", "error", err)
	}
}

// ListenAndServe serves a Remote on host:port until the listener fails. It is
// used by helper processes that impersonate a browser binary.
func ListenAndServe(host string, port int, opts Options) error {
	r := New(opts)
	return http.ListenAndServe(net.JoinHostPort(host, strconv.Itoa(port)), r.Handler())
}
