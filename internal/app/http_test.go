package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Manideepchopperla/Collaborative-Kanban-Board/internal/auth"
	"github.com/Manideepchopperla/Collaborative-Kanban-Board/internal/config"
	"github.com/Manideepchopperla/Collaborative-Kanban-Board/internal/realtime"
	"github.com/Manideepchopperla/Collaborative-Kanban-Board/internal/store"
)

func testHTTPServer(t *testing.T, ds dataStore) (*HTTPServer, *realtime.Hub) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	cfg := config.Config{JWTSecret: "test-secret", AccessTTL: time.Hour, RefreshTTL: 24 * time.Hour}
	hub := realtime.NewHub(log)
	svc := New(cfg, ds, newFakeSessions(), hub, noopSearch{}, log)
	return NewHTTPServer(svc, hub, "http://localhost:5173", log), hub
}

func testToken(t *testing.T) string {
	t.Helper()
	token, err := auth.IssueToken([]byte("test-secret"), testActor(), time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return token
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := testHTTPServer(t, &fakeStore{})
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGuardedRoutesRequireToken(t *testing.T) {
	srv, _ := testHTTPServer(t, &fakeStore{})
	handler := srv.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/tasks?boardId=brd_1", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status = %d, want 401", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/tasks?boardId=brd_1", "not-a-jwt", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d, want 401", rec.Code)
	}
}

func TestUpdateTaskConflictResponseShape(t *testing.T) {
	persisted := store.Task{
		ID: "tsk_1", BoardID: "brd_1", Title: "Ship it",
		Description: "their text", Status: store.StatusTodo,
		Priority: store.PriorityMedium, Version: 5,
	}
	ds := &fakeStore{
		updateTaskVersioned: func(ctx context.Context, id string, fields store.TaskFields, version int) (store.Task, error) {
			return store.Task{}, &store.VersionMismatchError{Current: persisted}
		},
	}
	srv, _ := testHTTPServer(t, ds)

	rec := doJSON(t, srv.Handler(), http.MethodPut, "/api/tasks/tsk_1", testToken(t), map[string]any{
		"description": "my text",
		"version":     3,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Code    string `json:"code"`
		Details struct {
			TaskID       string          `json:"taskId"`
			YourVersion  json.RawMessage `json:"yourVersion"`
			TheirVersion struct {
				Version int `json:"version"`
			} `json:"theirVersion"`
		} `json:"details"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Code != "CONFLICT" {
		t.Fatalf("code = %q", body.Code)
	}
	if body.Details.TaskID != "tsk_1" {
		t.Fatalf("details.taskId = %q", body.Details.TaskID)
	}
	if body.Details.TheirVersion.Version != 5 {
		t.Fatalf("details.theirVersion.version = %d, want 5", body.Details.TheirVersion.Version)
	}
	if !strings.Contains(string(body.Details.YourVersion), "my text") {
		t.Fatalf("details.yourVersion missing requester fields: %s", body.Details.YourVersion)
	}
}

func TestTaskRoutes(t *testing.T) {
	ds := &fakeStore{
		getBoard: func(ctx context.Context, id string) (store.Board, error) {
			return store.Board{ID: id, Name: "Sprint"}, nil
		},
		createTask: func(ctx context.Context, task store.Task) (store.Task, error) {
			task.Version = 1
			return task, nil
		},
		listTasksByBoard: func(ctx context.Context, boardID string) ([]store.Task, error) {
			return []store.Task{{ID: "tsk_1", BoardID: boardID, Title: "Ship it", Version: 1}}, nil
		},
		updateTask: func(ctx context.Context, id string, fields store.TaskFields) (store.Task, error) {
			return store.Task{ID: id, BoardID: "brd_1", Title: "Ship it", Status: *fields.Status, Version: 2}, nil
		},
		deleteTask: func(ctx context.Context, id string) (store.Task, error) {
			return store.Task{ID: id, BoardID: "brd_1", Title: "Ship it"}, nil
		},
	}
	srv, _ := testHTTPServer(t, ds)
	handler := srv.Handler()
	token := testToken(t)

	rec := doJSON(t, handler, http.MethodPost, "/api/tasks", token, map[string]any{
		"boardId": "brd_1",
		"title":   "Ship it",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/tasks?boardId=brd_1", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	var tasks []TaskView
	if err := json.Unmarshal(rec.Body.Bytes(), &tasks); err != nil || len(tasks) != 1 {
		t.Fatalf("list body: %v %s", err, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPut, "/api/tasks/tsk_1/move", token, map[string]any{"status": "done"})
	if rec.Code != http.StatusOK {
		t.Fatalf("move: status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodDelete, "/api/tasks/tsk_1", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status = %d", rec.Code)
	}
}

func TestBoardCapReturnsForbidden(t *testing.T) {
	ds := &fakeStore{
		joinBoard: func(ctx context.Context, boardID, userID string) (bool, error) {
			return false, store.ErrBoardFull
		},
	}
	srv, _ := testHTTPServer(t, ds)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/boards/brd_1", testToken(t), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "CAPACITY_EXCEEDED") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestStreamDeliversRoomEvents(t *testing.T) {
	srv, hub := testHTTPServer(t, &fakeStore{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := fmt.Sprintf("%s/api/stream?boardId=brd_1&token=%s", ts.URL, testToken(t))
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() string {
		t.Helper()
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			if strings.HasPrefix(line, "event: ") {
				return strings.TrimSpace(strings.TrimPrefix(line, "event: "))
			}
		}
	}

	// joining broadcasts the member list first
	if got := readEvent(); got != realtime.EventUpdateMembers {
		t.Fatalf("first event = %q, want %q", got, realtime.EventUpdateMembers)
	}

	hub.Publish("brd_1", realtime.EventTaskCreated, map[string]any{"id": "tsk_1"})
	if got := readEvent(); got != realtime.EventTaskCreated {
		t.Fatalf("second event = %q, want %q", got, realtime.EventTaskCreated)
	}
}

func TestLogoutWithoutBody(t *testing.T) {
	srv, _ := testHTTPServer(t, &fakeStore{})
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/auth/logout", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestStreamRejectsMissingToken(t *testing.T) {
	srv, _ := testHTTPServer(t, &fakeStore{})
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/stream?boardId=brd_1", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}
