// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Proxy License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mojang

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestScanField(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		key   string
		want  string
		found bool
	}{
		{"well formed", `{"accessToken":"abc","serverId":"s"}`, "accessToken", "abc", true},
		{"trailing whitespace", `{"accessToken":"A","selectedProfile":"B","serverId":"C"}   ` + "\n", "serverId", "C", true},
		{"spaces around colon", `{ "accessToken" : "tok" }`, "accessToken", "tok", true},
		{"empty value", `{"serverId":""}`, "serverId", "", true},
		{"missing key", `{"foo":"bar"}`, "accessToken", "", false},
		{"unterminated value", `{"accessToken":"abc`, "accessToken", "", false},
		{"key without value", `{"accessToken"`, "accessToken", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := scanField(tt.body, tt.key)
			if ok != tt.found {
				t.Fatalf("scanField found=%v, expected %v", ok, tt.found)
			}
			if got != tt.want {
				t.Errorf("scanField = %q, expected %q", got, tt.want)
			}
		})
	}
}

func TestHandleJoin_CapturesFields(t *testing.T) {
	capture := &Capture{}
	e := NewEndpoint("127.0.0.1:0", capture, testLogger())

	body := `{"accessToken":"A","selectedProfile":"B","serverId":"C"}` + "  \n"
	req := httptest.NewRequest(http.MethodPost, JoinPath, strings.NewReader(body))
	rec := httptest.NewRecorder()

	e.handleJoin(rec, req)

	resp := rec.Result()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Server"); got == "" {
		t.Error("expected Server header")
	}
	if got := resp.Header.Get("Connection"); got != "keep-alive" {
		t.Errorf("expected Connection keep-alive, got %q", got)
	}

	accessToken, selectedProfile, serverID, ok := capture.Get()
	if !ok {
		t.Fatal("expected capture after join POST")
	}
	if accessToken != "A" || selectedProfile != "B" || serverID != "C" {
		t.Errorf("captured (%q, %q, %q), expected (A, B, C)", accessToken, selectedProfile, serverID)
	}
}

func TestHandleJoin_MalformedBodyStill204(t *testing.T) {
	capture := &Capture{}
	e := NewEndpoint("127.0.0.1:0", capture, testLogger())

	req := httptest.NewRequest(http.MethodPost, JoinPath, strings.NewReader("not json at all"))
	rec := httptest.NewRecorder()

	e.handleJoin(rec, req)

	if rec.Result().StatusCode != http.StatusNoContent {
		t.Errorf("expected 204 even for malformed body, got %d", rec.Result().StatusCode)
	}
	if _, _, _, ok := capture.Get(); ok {
		t.Error("capture must stay empty for malformed body")
	}
}

func TestHandleJoin_NonPost(t *testing.T) {
	capture := &Capture{}
	e := NewEndpoint("127.0.0.1:0", capture, testLogger())

	req := httptest.NewRequest(http.MethodGet, JoinPath, nil)
	rec := httptest.NewRecorder()
	e.handleJoin(rec, req)

	if rec.Result().StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Result().StatusCode)
	}
	if _, _, _, ok := capture.Get(); ok {
		t.Error("capture must stay empty for non-POST")
	}
}

func TestCapture_Reset(t *testing.T) {
	c := &Capture{}
	c.Set("a", "b", "c")
	if _, _, _, ok := c.Get(); !ok {
		t.Fatal("expected capture set")
	}
	c.Reset()
	if _, _, _, ok := c.Get(); ok {
		t.Error("expected capture cleared after reset")
	}
}
