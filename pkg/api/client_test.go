package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/breeze-rmm/opsagent/internal/httputil"
)

func testRetry() httputil.RetryConfig {
	return httputil.RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}
}

func TestFetchPendingCommandsByAgentID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/agents/agent-1/commands" || r.URL.Query().Get("status") != "pending" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		_, _ = w.Write([]byte(`[{"id":1,"type":"execute"},{"id":"b","type":"patch"}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "tok").WithRetry(testRetry())
	cmds, err := c.FetchPendingCommands(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("FetchPendingCommands: %v", err)
	}
	if len(cmds) != 2 {
		t.Fatalf("got %d commands, want 2", len(cmds))
	}
}

func TestFetchPendingCommandsGenericEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/commands" || r.URL.Query().Get("status") != "queued" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		_, _ = w.Write([]byte(`{"commands":[{"id":"x"}]}`))
	}))
	defer srv.Close()

	cmds, err := NewClient(srv.URL, "").WithRetry(testRetry()).FetchPendingCommands(context.Background(), "")
	if err != nil {
		t.Fatalf("FetchPendingCommands: %v", err)
	}
	if len(cmds) != 1 || !strings.Contains(string(cmds[0]), `"x"`) {
		t.Fatalf("unexpected commands %s", cmds)
	}
}

func TestFetchPendingCommandsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL, "").WithRetry(testRetry()).FetchPendingCommands(context.Background(), "a"); err == nil {
		t.Fatal("expected error on 401")
	}
}

func TestReportCommandStatus(t *testing.T) {
	var got StatusUpdate
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/commands/cmd-9/status" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "tok").WithRetry(testRetry()).ReportCommandStatus(context.Background(), "cmd-9", StatusUpdate{
		Status:       "failed",
		ErrorMessage: "exit status 1",
	})
	if err != nil {
		t.Fatalf("ReportCommandStatus: %v", err)
	}
	if got.Status != "failed" || got.ErrorMessage != "exit status 1" || got.Timestamp.IsZero() {
		t.Fatalf("unexpected body %+v", got)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry, got %d calls", calls.Load())
	}
}
