package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/finetune-build/Worker/backoff"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	host := strings.TrimPrefix(srv.URL, "http://")
	c := NewClient(host, "wkr_test", "secret",
		WithInsecure(),
		WithRetries(2),
		WithRetryBackoff(backoff.NewConstant(5*time.Millisecond)),
	)
	return c, srv
}

func checkAuth(t *testing.T, r *http.Request) {
	t.Helper()
	if got := r.Header.Get("Authorization"); got != "Worker secret" {
		t.Errorf("Authorization = %q, want %q", got, "Worker secret")
	}
	if got := r.Header.Get("X-Worker-ID"); got != "wkr_test" {
		t.Errorf("X-Worker-ID = %q, want %q", got, "wkr_test")
	}
}

func TestPong(t *testing.T) {
	var gotPath atomic.Value
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		checkAuth(t, r)
		gotPath.Store(r.URL.Path)

		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["worker_id"] != "wkr_test" {
			t.Errorf("worker_id = %q, want wkr_test", body["worker_id"])
		}
		w.WriteHeader(http.StatusOK)
	}))

	if err := c.Pong(context.Background()); err != nil {
		t.Fatalf("pong error: %v", err)
	}
	if p, _ := gotPath.Load().(string); p != "/v1/worker/wkr_test/pong/" {
		t.Fatalf("path = %q, want /v1/worker/wkr_test/pong/", p)
	}
}

func TestTaskList(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		checkAuth(t, r)
		if r.URL.Path != "/v1/worker/wkr_test/task/" {
			t.Errorf("path = %q", r.URL.Path)
		}
		q, _ := url.ParseQuery(r.URL.RawQuery)
		if q.Get("task_state") != "submitted" {
			t.Errorf("task_state = %q, want submitted", q.Get("task_state"))
		}

		resp := map[string]any{
			"success": true,
			"data": map[string]any{
				"count": 2,
				"results": []map[string]any{
					{"id": "task-1", "kind": "finetune", "state": "submitted", "priority": 5, "payload": map[string]string{"model": "base"}},
					{"id": "task-2", "kind": "evaluate", "state": "submitted"},
				},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))

	tasks, err := c.TaskList(context.Background(), "submitted")
	if err != nil {
		t.Fatalf("task list error: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}
	if tasks[0].ID != "task-1" || tasks[0].Kind != "finetune" || tasks[0].Priority != 5 {
		t.Fatalf("unexpected first task: %+v", tasks[0])
	}
}

func TestTaskListRejected(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "worker revoked"})
	}))

	_, err := c.TaskList(context.Background(), "submitted")
	if err == nil || !strings.Contains(err.Error(), "worker revoked") {
		t.Fatalf("expected rejection error, got %v", err)
	}
}

func TestUpdateTask(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		checkAuth(t, r)
		if r.Method != http.MethodPut {
			t.Errorf("method = %q, want PUT", r.Method)
		}
		if r.URL.Path != "/v1/worker/wkr_test/task/task-9/" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))

	if err := c.UpdateTask(context.Background(), "task-9", map[string]string{"note": "done"}); err != nil {
		t.Fatalf("update error: %v", err)
	}
}

func TestTransientErrorsAreRetried(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	if err := c.Pong(context.Background()); err != nil {
		t.Fatalf("expected retries to succeed, got %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("server saw %d calls, want 3", n)
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "no such worker", http.StatusNotFound)
	}))

	err := c.Pong(context.Background())
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 StatusError, got %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("server saw %d calls, want 1", n)
	}
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	err := c.Pong(context.Background())
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 StatusError, got %v", err)
	}
	// Initial attempt plus two retries.
	if n := calls.Load(); n != 3 {
		t.Fatalf("server saw %d calls, want 3", n)
	}
}

func TestUploadArtifact(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		checkAuth(t, r)
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if got := r.FormValue("job_id"); got != "job_123" {
			t.Errorf("job_id = %q, want job_123", got)
		}
		f, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer f.Close()
		if header.Filename != "weights.bin" {
			t.Errorf("filename = %q, want weights.bin", header.Filename)
		}
		data, _ := io.ReadAll(f)
		if string(data) != "model weights" {
			t.Errorf("file contents = %q", data)
		}
		w.WriteHeader(http.StatusCreated)
	}))

	err := c.UploadArtifact(context.Background(), "job_123", "weights.bin", strings.NewReader("model weights"))
	if err != nil {
		t.Fatalf("upload error: %v", err)
	}
}

func TestDownloadArtifact(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		checkAuth(t, r)
		if r.URL.Path != "/v1/worker/wkr_test/artifact/artifact-7/" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_, _ = w.Write([]byte("checkpoint data"))
	}))

	var buf bytes.Buffer
	n, err := c.DownloadArtifact(context.Background(), "artifact-7", &buf)
	if err != nil {
		t.Fatalf("download error: %v", err)
	}
	if n != int64(len("checkpoint data")) || buf.String() != "checkpoint data" {
		t.Fatalf("downloaded %d bytes %q", n, buf.String())
	}
}
