package controller

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgnsrekt/cdpmux/internal/cdperr"
	"github.com/dgnsrekt/cdpmux/internal/cdpexec"
	"github.com/dgnsrekt/cdpmux/internal/devtools"
)

// Status summarises the managed browser.
type Status struct {
	Port            int    `json:"port"`
	PID             int    `json:"pid"`
	Closed          bool   `json:"closed"`
	Browser         string `json:"browser,omitempty"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	Tabs            int    `json:"tabs"`
}

// TabInfo describes one bound tab key.
type TabInfo struct {
	Key         string `json:"key"`
	TabID       string `json:"tab_id"`
	URL         string `json:"url,omitempty"`
	Title       string `json:"title,omitempty"`
	HasEndpoint bool   `json:"has_endpoint"`
	Buffered    int    `json:"buffered"`
}

// CommandResult is the response to a synchronous command.
type CommandResult struct {
	ID     int64                  `json:"id"`
	Result any                    `json:"result,omitempty"`
	Error  *cdpexec.ProtocolError `json:"error,omitempty"`
}

// MessageInfo is one drained message.
type MessageInfo struct {
	ID     *int64                 `json:"id,omitempty"`
	Method string                 `json:"method,omitempty"`
	Params any                    `json:"params,omitempty"`
	Result any                    `json:"result,omitempty"`
	Error  *cdpexec.ProtocolError `json:"error,omitempty"`
}

// Service serialises control operations onto one browser manager.
type Service struct {
	mu          sync.Mutex
	mgr         *cdpexec.Manager[string]
	recvTimeout time.Duration
}

func NewService(mgr *cdpexec.Manager[string], recvTimeout time.Duration) *Service {
	return &Service{mgr: mgr, recvTimeout: recvTimeout}
}

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return &cdperr.CodedError{Code: cdperr.CodeValidation, Message: fieldName + " is required"}
	}
	return nil
}

func (s *Service) requireOpen(key string) error {
	if err := s.requireNonEmpty(key, "tab key"); err != nil {
		return err
	}
	if s.mgr.Closed() {
		return cdperr.Newf(cdperr.CodeClosed, "browser has been shut down")
	}
	if !s.mgr.Bound(key) {
		return cdperr.Newf(cdperr.CodeTabNotFound, "tab key %q is not open", key)
	}
	return nil
}

func (s *Service) Status(ctx context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Port: s.mgr.Port(), PID: s.mgr.PID(), Closed: s.mgr.Closed(), Tabs: len(s.mgr.Keys())}
	if st.Closed {
		return st, nil
	}
	v, err := s.mgr.Client().Version(ctx)
	if err != nil {
		slog.Debug("browser version unavailable", "error", err)
		return st, nil
	}
	st.Browser = v.Browser
	st.ProtocolVersion = v.ProtocolVersion
	return st, nil
}

func (s *Service) ListTabs(ctx context.Context) ([]TabInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mgr.Closed() {
		return []TabInfo{}, nil
	}
	tabs, err := s.mgr.Tabs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]TabInfo, 0, len(tabs))
	for _, key := range s.mgr.Keys() {
		out = append(out, s.describe(key, tabs))
	}
	return out, nil
}

// OpenTab binds a new key, generating one when key is empty, and connects it.
func (s *Service) OpenTab(ctx context.Context, key, startURL string) (TabInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key = strings.TrimSpace(key)
	if key == "" {
		key = uuid.NewString()
	}
	if err := s.mgr.OpenTab(ctx, key, strings.TrimSpace(startURL)); err != nil {
		return TabInfo{}, err
	}
	tabs, err := s.mgr.Tabs(ctx)
	if err != nil {
		return TabInfo{}, err
	}
	return s.describe(key, tabs), nil
}

// SendCommand runs method on key's tab and waits for its response.
func (s *Service) SendCommand(ctx context.Context, key, method string, params map[string]any, timeoutMS int) (CommandResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireOpen(key); err != nil {
		return CommandResult{}, err
	}
	if err := s.requireNonEmpty(method, "method"); err != nil {
		return CommandResult{}, err
	}
	timeout := s.recvTimeout
	if timeoutMS > 0 {
		timeout = time.Duration(timeoutMS) * time.Millisecond
	}
	msg, ok, err := s.mgr.SynchronousCommand(ctx, strings.TrimSpace(method), key, params, timeout)
	if err != nil {
		return CommandResult{}, err
	}
	if !ok {
		return CommandResult{}, cdperr.Newf(cdperr.CodeTimeout, "no response to %s on tab %q within %s", method, key, timeout)
	}
	return CommandResult{ID: *msg.ID, Result: decodeAny(msg.Result), Error: msg.Error}, nil
}

// DrainMessages returns every pending and immediately readable message.
func (s *Service) DrainMessages(ctx context.Context, key string) ([]MessageInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireOpen(key); err != nil {
		return nil, err
	}
	msgs, err := s.mgr.Drain(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make([]MessageInfo, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageInfo{
			ID:     m.ID,
			Method: string(m.Method),
			Params: decodeAny(m.Params),
			Result: decodeAny(m.Result),
			Error:  m.Error,
		})
	}
	return out, nil
}

func (s *Service) CloseTab(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireOpen(key); err != nil {
		return err
	}
	return s.mgr.CloseTab(ctx, key)
}

func (s *Service) describe(key string, tabs []devtools.Tab) TabInfo {
	info := TabInfo{Key: key, Buffered: s.mgr.Buffered(key)}
	id, ok := s.mgr.TabID(key)
	if !ok {
		return info
	}
	info.TabID = string(id)
	for _, t := range tabs {
		if t.ID == id {
			info.URL = t.URL
			info.Title = t.Title
			info.HasEndpoint = t.HasEndpoint()
			break
		}
	}
	return info
}

func decodeAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
