package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dgnsrekt/cdpmux/internal/cdperr"
	"github.com/dgnsrekt/cdpmux/internal/controller"
)

type stubService struct {
	err error

	gotKey     string
	gotURL     string
	gotMethod  string
	gotParams  map[string]any
	gotTimeout int
	closed     []string
}

func (s *stubService) Status(ctx context.Context) (controller.Status, error) {
	return controller.Status{Port: 9222, PID: 42, Tabs: 1}, s.err
}

func (s *stubService) ListTabs(ctx context.Context) ([]controller.TabInfo, error) {
	return []controller.TabInfo{{Key: "base", TabID: "TAB0001", HasEndpoint: true}}, s.err
}

func (s *stubService) OpenTab(ctx context.Context, key, startURL string) (controller.TabInfo, error) {
	s.gotKey, s.gotURL = key, startURL
	return controller.TabInfo{Key: "generated", URL: startURL}, s.err
}

func (s *stubService) SendCommand(ctx context.Context, key, method string, params map[string]any, timeoutMS int) (controller.CommandResult, error) {
	s.gotKey, s.gotMethod, s.gotParams, s.gotTimeout = key, method, params, timeoutMS
	return controller.CommandResult{ID: 7, Result: map[string]any{"frameId": "F1"}}, s.err
}

func (s *stubService) DrainMessages(ctx context.Context, key string) ([]controller.MessageInfo, error) {
	s.gotKey = key
	return []controller.MessageInfo{{Method: "Page.loadEventFired"}}, s.err
}

func (s *stubService) CloseTab(ctx context.Context, key string) error {
	s.closed = append(s.closed, key)
	return s.err
}

func serve(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestDocsDarkMode(t *testing.T) {
	w := serve(t, NewServer(&stubService{}), http.MethodGet, "/docs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `data-theme="dark"`) {
		t.Fatalf("docs missing dark theme marker")
	}
}

func TestMetricsMounted(t *testing.T) {
	w := serve(t, NewServer(&stubService{}), http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "cdpmux_messages_sent_total") {
		t.Fatalf("metrics output missing cdpmux collectors")
	}
}

func TestStatusAndListTabs(t *testing.T) {
	h := NewServer(&stubService{})

	w := serve(t, h, http.MethodGet, "/api/v1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d: %s", w.Code, w.Body.String())
	}
	var st controller.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Port != 9222 || st.PID != 42 {
		t.Fatalf("status = %+v", st)
	}

	w = serve(t, h, http.MethodGet, "/api/v1/tabs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("tabs code = %d: %s", w.Code, w.Body.String())
	}
	var tabs struct {
		Tabs []controller.TabInfo `json:"tabs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &tabs); err != nil {
		t.Fatalf("decode tabs: %v", err)
	}
	if len(tabs.Tabs) != 1 || tabs.Tabs[0].Key != "base" {
		t.Fatalf("tabs = %+v", tabs.Tabs)
	}
}

func TestOpenTab(t *testing.T) {
	svc := &stubService{}
	w := serve(t, NewServer(svc), http.MethodPost, "/api/v1/tabs", `{"url":"https://example.com/"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if svc.gotKey != "" || svc.gotURL != "https://example.com/" {
		t.Fatalf("OpenTab got key=%q url=%q", svc.gotKey, svc.gotURL)
	}
}

func TestSendCommand(t *testing.T) {
	svc := &stubService{}
	w := serve(t, NewServer(svc), http.MethodPost, "/api/v1/tabs/base/commands",
		`{"method":"Page.navigate","params":{"url":"about:blank"},"timeout_ms":1500}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if svc.gotKey != "base" || svc.gotMethod != "Page.navigate" || svc.gotTimeout != 1500 {
		t.Fatalf("SendCommand got key=%q method=%q timeout=%d", svc.gotKey, svc.gotMethod, svc.gotTimeout)
	}
	if svc.gotParams["url"] != "about:blank" {
		t.Fatalf("params = %v", svc.gotParams)
	}
	if !strings.Contains(w.Body.String(), `"frameId":"F1"`) {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestSendCommandRequiresMethod(t *testing.T) {
	w := serve(t, NewServer(&stubService{}), http.MethodPost, "/api/v1/tabs/base/commands", `{"params":{}}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnprocessableEntity)
	}
}

func TestDrainAndClose(t *testing.T) {
	svc := &stubService{}
	h := NewServer(svc)

	w := serve(t, h, http.MethodGet, "/api/v1/tabs/worker/messages", "")
	if w.Code != http.StatusOK || svc.gotKey != "worker" {
		t.Fatalf("drain status = %d key = %q", w.Code, svc.gotKey)
	}
	if !strings.Contains(w.Body.String(), "Page.loadEventFired") {
		t.Fatalf("body = %s", w.Body.String())
	}

	w = serve(t, h, http.MethodDelete, "/api/v1/tabs/worker", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("close status = %d: %s", w.Code, w.Body.String())
	}
	if len(svc.closed) != 1 || svc.closed[0] != "worker" {
		t.Fatalf("closed = %v", svc.closed)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		code string
		want int
	}{
		{cdperr.CodeValidation, http.StatusBadRequest},
		{cdperr.CodeTabNotFound, http.StatusNotFound},
		{cdperr.CodeTimeout, http.StatusGatewayTimeout},
		{cdperr.CodeCommunications, http.StatusBadGateway},
		{cdperr.CodeProcessDied, http.StatusBadGateway},
		{cdperr.CodeClosed, http.StatusServiceUnavailable},
		{cdperr.CodePortInUse, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			svc := &stubService{err: cdperr.Newf(tc.code, "boom")}
			w := serve(t, NewServer(svc), http.MethodGet, "/api/v1/tabs/base/messages", "")
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestRequestLogIncludesRouteAndTabKey(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	svc := &stubService{err: cdperr.Newf(cdperr.CodeCommunications, "socket closed")}
	serve(t, NewServer(svc), http.MethodGet, "/api/v1/tabs/worker/messages", "")

	line := buf.String()
	for _, want := range []string{
		"level=WARN",
		"route=/api/v1/tabs/{key}/messages",
		"tab_key=worker",
		"status=502",
		"request_id=",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("log line missing %q:\n%s", want, line)
		}
	}
}
