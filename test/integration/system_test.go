//go:build integration

package integration

import (
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestStatus(t *testing.T) {
	resp := env.GET(t, "/api/v1/status")
	requireStatus(t, resp, http.StatusOK)
	result := decodeJSON[struct {
		Port    int    `json:"port"`
		PID     int    `json:"pid"`
		Closed  bool   `json:"closed"`
		Browser string `json:"browser"`
	}](t, resp)
	requireField(t, result.Closed, false, "closed")
	if result.Port == 0 || result.PID == 0 {
		t.Fatalf("status = %+v; want port and pid", result)
	}
	t.Logf("browser %s on port %d (pid %d)", result.Browser, result.Port, result.PID)
}

func TestMetrics(t *testing.T) {
	resp := env.GET(t, "/metrics")
	requireStatus(t, resp, http.StatusOK)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "cdpmux_tabs_active") {
		t.Fatal("expected cdpmux collectors in /metrics")
	}
}
