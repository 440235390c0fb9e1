package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgnsrekt/cdpmux/internal/cdperr"
	"github.com/dgnsrekt/cdpmux/internal/cdpexec"
	"github.com/dgnsrekt/cdpmux/internal/cdptest"
	"github.com/dgnsrekt/cdpmux/internal/devtools"
)

type fakeProcess struct {
	port      int
	shutdowns int
}

func (p *fakeProcess) CheckAlive() error            { return nil }
func (p *fakeProcess) Shutdown(time.Duration) error { p.shutdowns++; return nil }
func (p *fakeProcess) Port() int                    { return p.port }
func (p *fakeProcess) PID() int                     { return 99 }

func newTestService(t *testing.T, opts cdptest.Options) (*Service, *cdptest.Remote, *fakeProcess) {
	t.Helper()
	remote := cdptest.Start(opts)
	t.Cleanup(remote.Close)

	proc := &fakeProcess{port: remote.Port()}
	mgr, err := cdpexec.Attach(context.Background(), cdpexec.Options[string]{BaseTabKey: "base"},
		proc, devtools.NewClient(remote.Host(), remote.Port(), nil))
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close() })
	return NewService(mgr, 2*time.Second), remote, proc
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	var got *cdperr.CodedError
	if !errors.As(err, &got) {
		t.Fatalf("error = %v (%T); want *cdperr.CodedError", err, err)
	}
	if got.Code != code {
		t.Fatalf("code = %q; want %q (%v)", got.Code, code, err)
	}
}

func TestRequireNonEmpty(t *testing.T) {
	s := &Service{}
	if err := s.requireNonEmpty("Page.enable", "method"); err != nil {
		t.Fatalf("requireNonEmpty() = %v; want nil", err)
	}

	err := s.requireNonEmpty("   ", "method")
	requireCode(t, err, cdperr.CodeValidation)
	if err.(*cdperr.CodedError).Message != "method is required" {
		t.Fatalf("requireNonEmpty() message = %q", err.(*cdperr.CodedError).Message)
	}
}

func TestStatusReportsBrowserVersion(t *testing.T) {
	s, remote, _ := newTestService(t, cdptest.Options{})

	st, err := s.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Port != remote.Port() || st.PID != 99 || st.Closed || st.Tabs != 1 {
		t.Fatalf("Status() = %+v", st)
	}
	if st.Browser != "HeadlessChrome/cdptest" || st.ProtocolVersion != "1.3" {
		t.Fatalf("Status() version = %q %q", st.Browser, st.ProtocolVersion)
	}
}

func TestOpenTabGeneratesKey(t *testing.T) {
	s, _, _ := newTestService(t, cdptest.Options{})

	info, err := s.OpenTab(context.Background(), "  ", "https://example.com/")
	if err != nil {
		t.Fatalf("OpenTab() error = %v", err)
	}
	if len(info.Key) != 36 {
		t.Fatalf("OpenTab() key = %q; want generated uuid", info.Key)
	}
	if info.URL != "https://example.com/" || !info.HasEndpoint || info.TabID == "" {
		t.Fatalf("OpenTab() = %+v", info)
	}

	tabs, err := s.ListTabs(context.Background())
	if err != nil {
		t.Fatalf("ListTabs() error = %v", err)
	}
	if len(tabs) != 2 || tabs[0].Key != "base" || tabs[1].Key != info.Key {
		t.Fatalf("ListTabs() = %+v", tabs)
	}
}

func TestSendCommandAndDrain(t *testing.T) {
	s, _, _ := newTestService(t, cdptest.Options{Responder: func(req cdptest.Request) []any {
		return []any{
			map[string]any{"method": "Page.frameStartedLoading", "params": map[string]any{"frameId": "F1"}},
			map[string]any{"id": req.ID, "result": map[string]any{"ok": true}},
		}
	}})
	ctx := context.Background()

	res, err := s.SendCommand(ctx, "base", "Page.navigate", map[string]any{"url": "about:blank"}, 0)
	if err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	if res.ID != 0 || res.Error != nil {
		t.Fatalf("SendCommand() = %+v", res)
	}
	if got, ok := res.Result.(map[string]any); !ok || got["ok"] != true {
		t.Fatalf("SendCommand() result = %#v", res.Result)
	}

	msgs, err := s.DrainMessages(ctx, "base")
	if err != nil {
		t.Fatalf("DrainMessages() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].Method != "Page.frameStartedLoading" || msgs[0].ID != nil {
		t.Fatalf("DrainMessages() = %+v", msgs)
	}
}

func TestSendCommandTimeout(t *testing.T) {
	s, _, _ := newTestService(t, cdptest.Options{Responder: func(cdptest.Request) []any { return nil }})

	_, err := s.SendCommand(context.Background(), "base", "Page.enable", nil, 200)
	requireCode(t, err, cdperr.CodeTimeout)
}

func TestUnknownKeyIsTabNotFound(t *testing.T) {
	s, _, _ := newTestService(t, cdptest.Options{})
	ctx := context.Background()

	_, err := s.SendCommand(ctx, "ghost", "Page.enable", nil, 0)
	requireCode(t, err, cdperr.CodeTabNotFound)
	_, err = s.DrainMessages(ctx, "ghost")
	requireCode(t, err, cdperr.CodeTabNotFound)
	requireCode(t, s.CloseTab(ctx, "ghost"), cdperr.CodeTabNotFound)
	_, err = s.SendCommand(ctx, "base", " ", nil, 0)
	requireCode(t, err, cdperr.CodeValidation)
}

func TestClosingLastTabShutsDown(t *testing.T) {
	s, _, proc := newTestService(t, cdptest.Options{})
	ctx := context.Background()

	if err := s.CloseTab(ctx, "base"); err != nil {
		t.Fatalf("CloseTab() error = %v", err)
	}
	if proc.shutdowns != 1 {
		t.Fatalf("shutdowns = %d; want 1", proc.shutdowns)
	}
	st, err := s.Status(ctx)
	if err != nil || !st.Closed {
		t.Fatalf("Status() = %+v, %v; want closed", st, err)
	}
	_, err = s.SendCommand(ctx, "base", "Page.enable", nil, 0)
	requireCode(t, err, cdperr.CodeClosed)
}
