package cdpexec

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/cdpmux/internal/cdperr"
	"github.com/dgnsrekt/cdpmux/internal/devtools"
	"github.com/dgnsrekt/cdpmux/internal/metrics"
)

// tabRegistry binds caller tab keys to remote tab ids and keeps the most
// recently fetched tab list.
type tabRegistry[K comparable] struct {
	client *devtools.Client
	bound  map[K]target.ID
	order  []K
	list   []devtools.Tab
}

func newTabRegistry[K comparable](client *devtools.Client) *tabRegistry[K] {
	return &tabRegistry[K]{client: client, bound: make(map[K]target.ID)}
}

// fetch replaces the cached tab list with the remote's current one.
func (r *tabRegistry[K]) fetch(ctx context.Context) ([]devtools.Tab, error) {
	tabs, err := r.client.ListTabs(ctx)
	if err != nil {
		return nil, err
	}
	r.list = tabs
	return tabs, nil
}

func (r *tabRegistry[K]) isBound(key K) bool {
	_, ok := r.bound[key]
	return ok
}

func (r *tabRegistry[K]) bind(key K, id target.ID) {
	if _, ok := r.bound[key]; !ok {
		r.order = append(r.order, key)
	}
	r.bound[key] = id
	metrics.ActiveTabs.Set(float64(len(r.bound)))
}

func (r *tabRegistry[K]) unbind(key K) {
	delete(r.bound, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	metrics.ActiveTabs.Set(float64(len(r.bound)))
}

// create opens a remote tab and binds key to the first listed tab that no
// other key holds. Finding none is a retryable CONNECT_FAILURE.
func (r *tabRegistry[K]) create(ctx context.Context, key K, startURL string) error {
	if err := r.client.NewTab(ctx, startURL); err != nil {
		return err
	}
	tabs, err := r.fetch(ctx)
	if err != nil {
		return err
	}
	taken := make(map[target.ID]struct{}, len(r.bound))
	for _, id := range r.bound {
		taken[id] = struct{}{}
	}
	for _, t := range tabs {
		if _, ok := taken[t.ID]; ok {
			continue
		}
		r.bind(key, t.ID)
		slog.Info("tab created", "tab_key", fmt.Sprint(key), "tab_id", t.ID, "url", startURL)
		return nil
	}
	return cdperr.Transient(cdperr.CodeConnectFailure,
		fmt.Sprintf("failed to create a new tab for %v: no unbound tab in %s", key, describeTabs(tabs)), nil)
}

// close asks the remote to close key's tab, unbinds key and refetches the
// list. The key is unbound even when the remote request fails.
func (r *tabRegistry[K]) close(ctx context.Context, key K) error {
	id, ok := r.bound[key]
	if !ok {
		return cdperr.Newf(cdperr.CodeValidation, "tab key %v is not bound", key)
	}
	closeErr := r.client.CloseTab(ctx, id)
	r.unbind(key)
	slog.Info("tab closed", "tab_key", fmt.Sprint(key), "tab_id", id, "remaining", len(r.bound))
	if closeErr != nil {
		return fmt.Errorf("close tab %v (%s): %w", key, id, closeErr)
	}
	if _, err := r.fetch(ctx); err != nil {
		return fmt.Errorf("refresh tabs after closing %v: %w", key, err)
	}
	return nil
}

// resolve finds key's tab in the cached list. An unbound key reports false; a
// bound id missing from the list is TAB_NOT_FOUND.
func (r *tabRegistry[K]) resolve(key K) (devtools.Tab, bool, error) {
	id, ok := r.bound[key]
	if !ok {
		return devtools.Tab{}, false, nil
	}
	for _, t := range r.list {
		if t.ID == id {
			return t, true, nil
		}
	}
	listing := describeTabs(r.list)
	slog.Error("bound tab missing from tab list", "tab_key", fmt.Sprint(key), "tab_id", id, "tabs", listing)
	return devtools.Tab{}, true, cdperr.Newf(cdperr.CodeTabNotFound,
		"tab %v (remote id %s) not found in tab list %s", key, id, listing)
}

func (r *tabRegistry[K]) keys() []K {
	out := make([]K, len(r.order))
	copy(out, r.order)
	return out
}

func describeTabs(tabs []devtools.Tab) string {
	parts := make([]string, 0, len(tabs))
	for _, t := range tabs {
		endpoint := "no endpoint"
		if t.HasEndpoint() {
			endpoint = t.WebSocketDebuggerURL
		}
		parts = append(parts, fmt.Sprintf("{%s %s %q %s}", t.ID, t.Type, t.URL, endpoint))
	}
	return "[" + strings.Join(parts, " ") + "]"
}
