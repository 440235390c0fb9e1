package cdpexec

import (
	"testing"
)

func TestEncodeCommandOmitsEmptyParams(t *testing.T) {
	tests := []struct {
		name   string
		params any
		want   string
	}{
		{name: "nil", params: nil, want: `{"id":3,"method":"Page.enable"}`},
		{name: "empty_map", params: map[string]any{}, want: `{"id":3,"method":"Page.enable"}`},
		{name: "empty_struct", params: struct{}{}, want: `{"id":3,"method":"Page.enable"}`},
		{name: "with_params", params: map[string]any{"url": "about:blank"}, want: `{"id":3,"method":"Page.enable","params":{"url":"about:blank"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := encodeCommand(3, "Page.enable", tt.params)
			if err != nil {
				t.Fatalf("encodeCommand() error = %v", err)
			}
			if string(got) != tt.want {
				t.Fatalf("encodeCommand() = %s; want %s", got, tt.want)
			}
		})
	}
}

func TestEncodeCommandRejectsUnencodableParams(t *testing.T) {
	if _, err := encodeCommand(0, "Page.enable", map[string]any{"c": make(chan int)}); err == nil {
		t.Fatalf("encodeCommand() with channel param error = nil")
	}
}

func TestDecodeMessageDistinguishesResponsesAndEvents(t *testing.T) {
	resp, err := decodeMessage([]byte(`{"id":0,"result":{}}`))
	if err != nil {
		t.Fatalf("decodeMessage() error = %v", err)
	}
	if !resp.HasID(0) || resp.IsEvent() {
		t.Fatalf("response decoded as %+v", resp)
	}

	ev, err := decodeMessage([]byte(`{"method":"Page.frameNavigated","params":{"frame":{}}}`))
	if err != nil {
		t.Fatalf("decodeMessage() error = %v", err)
	}
	if ev.ID != nil || !ev.IsEvent() {
		t.Fatalf("event decoded as %+v", ev)
	}
	if string(ev.Raw) != `{"method":"Page.frameNavigated","params":{"frame":{}}}` {
		t.Fatalf("Raw = %s", ev.Raw)
	}
}

func TestFilters(t *testing.T) {
	id := int64(7)
	resp := Message{ID: &id}
	ev := Message{Method: "Network.requestWillBeSent"}

	if !MatchID(7)(resp) || MatchID(8)(resp) || MatchID(7)(ev) {
		t.Fatalf("MatchID mismatched")
	}
	if !MatchAny(resp) || !MatchAny(ev) {
		t.Fatalf("MatchAny rejected a message")
	}
	if !MatchMethod("Network.requestWillBeSent")(ev) || MatchMethod("Network.requestWillBeSent")(resp) {
		t.Fatalf("MatchMethod mismatched")
	}
}
