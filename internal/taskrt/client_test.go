package taskrt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"taskmill/internal/scheduler"
)

func newTestServer(t *testing.T, status string) (*httptest.Server, *Client) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req createTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(createTaskResponse{ID: "t-1"})
	})
	mux.HandleFunc("GET /v1/tasks/t-1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(taskStatusResponse{ID: "t-1", Status: status, Summary: "sum", Error: ""})
	})
	mux.HandleFunc("GET /v1/tasks/t-1/result", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(taskResultResponse{Text: "result body"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL, Token: "secret"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, c
}

func TestCreatePollFetch(t *testing.T) {
	t.Parallel()
	_, c := newTestServer(t, "completed")

	ref, err := c.CreateTask(context.Background(), scheduler.TaskSpec{Title: "x", Prompt: "do it"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if ref.ID != "t-1" {
		t.Fatalf("ref = %+v", ref)
	}

	st, err := c.TaskStatus(context.Background(), ref.ID)
	if err != nil {
		t.Fatalf("TaskStatus: %v", err)
	}
	if st.Terminal != scheduler.TerminalCompleted || st.Summary != "sum" {
		t.Fatalf("state = %+v", st)
	}

	text, err := c.TaskResultText(context.Background(), ref.ID)
	if err != nil {
		t.Fatalf("TaskResultText: %v", err)
	}
	if text != "result body" {
		t.Fatalf("text = %q", text)
	}
}

func TestStatusMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status   string
		terminal string
	}{
		{"queued", ""},
		{"running", ""},
		{"completed", scheduler.TerminalCompleted},
		{"partial", scheduler.TerminalPartial},
		{"failed", scheduler.TerminalFailed},
		{"canceled", scheduler.TerminalFailed},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.status, func(t *testing.T) {
			t.Parallel()
			_, c := newTestServer(t, tt.status)
			st, err := c.TaskStatus(context.Background(), "t-1")
			if err != nil {
				t.Fatalf("TaskStatus: %v", err)
			}
			if st.Terminal != tt.terminal {
				t.Fatalf("Terminal = %q, want %q", st.Terminal, tt.terminal)
			}
		})
	}
}

func TestErrorStatusSurfaced(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "runtime overloaded", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.TaskStatus(context.Background(), "t-1"); err == nil {
		t.Fatal("expected error for 503")
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty base url")
	}
}
